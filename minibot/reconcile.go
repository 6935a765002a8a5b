package minibot

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// memberFetchConcurrency caps concurrent member-list requests during a
// full reconciliation pass.
const memberFetchConcurrency = 4

// MembershipProvider supplies the live guild/member view the reconciler
// diffs stored rows against. [Discord] implements this against the
// gateway/REST API; tests substitute a fixed snapshot.
type MembershipProvider interface {
	// CurrentGuildIDs returns the IDs of every guild currently accessible
	CurrentGuildIDs(ctx context.Context) ([]string, error)

	// CurrentMemberIDs returns the user IDs of every member of the
	// given guild
	CurrentMemberIDs(ctx context.Context, guildID string) ([]string, error)

	// IsUserVisibleInAnyGuild reports whether the given user is a member
	// of at least one guild the bot can see
	IsUserVisibleInAnyGuild(ctx context.Context, userID string) (bool, error)
}

// ReconcileResult reports how many rows a reconciliation pass removed.
type ReconcileResult struct {
	TagsDeleted      int64         `json:"tags_deleted"`
	TimezonesDeleted int64         `json:"timezones_deleted"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Reconciler deletes tag and timezone rows that reference guilds or users
// the bot can no longer see. A full pass runs when the gateway session
// becomes ready; scoped variants run on guild-removal and member-removal
// events.
type Reconciler struct {
	db         DBI
	membership MembershipProvider
	logger     *slog.Logger

	// running guards against overlapping full passes. A trigger that
	// arrives while a pass is in flight returns
	// [ErrReconciliationRunning] rather than queueing.
	running atomic.Bool
}

func NewReconciler(
	db DBI,
	membership MembershipProvider,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:         db,
		membership: membership,
		logger:     logger.With(loggerNameKey, "reconciler"),
	}
}

// Running reports whether a full reconciliation pass is in flight.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// ReconcileAll diffs stored rows against the live guild list and deletes
// every row referencing an unreachable guild. When cleanUserData is set,
// it additionally fetches each live guild's member list and deletes rows
// belonging to users no longer present. All deletions commit as a single
// transaction, so a crash mid-pass never leaves a torn state.
func (r *Reconciler) ReconcileAll(
	ctx context.Context,
	cleanUserData bool,
) (*ReconcileResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrReconciliationRunning
	}
	defer r.running.Store(false)

	started := time.Now()

	guildIDs, err := r.membership.CurrentGuildIDs(ctx)
	if err != nil {
		return nil, err
	}

	members := map[string][]string{}
	if cleanUserData {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(memberFetchConcurrency)
		for _, guildID := range guildIDs {
			guildID := guildID
			g.Go(
				func() error {
					ids, e := r.membership.CurrentMemberIDs(gctx, guildID)
					if e != nil {
						return e
					}
					mu.Lock()
					members[guildID] = ids
					mu.Unlock()
					return nil
				},
			)
		}
		if err = g.Wait(); err != nil {
			return nil, err
		}
	}

	result := &ReconcileResult{}
	err = r.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rows, e := deleteOrphanedGuildRows(tx, &Tag{}, guildIDs)
			if e != nil {
				return e
			}
			result.TagsDeleted += rows

			rows, e = deleteOrphanedGuildRows(tx, &TimezoneRegistration{}, guildIDs)
			if e != nil {
				return e
			}
			result.TimezonesDeleted += rows

			if !cleanUserData {
				return nil
			}

			for _, guildID := range guildIDs {
				memberIDs := members[guildID]

				rows, e = deleteOrphanedUserRows(
					tx, &Tag{}, "author_id", guildID, memberIDs,
				)
				if e != nil {
					return e
				}
				result.TagsDeleted += rows

				rows, e = deleteOrphanedUserRows(
					tx, &TimezoneRegistration{}, "user_id", guildID, memberIDs,
				)
				if e != nil {
					return e
				}
				result.TimezonesDeleted += rows
			}
			return nil
		},
	)
	if err != nil {
		return nil, storeErr(err)
	}

	result.Elapsed = time.Since(started)
	r.logger.InfoContext(
		ctx,
		"reconciliation finished",
		"guilds", len(guildIDs),
		"clean_user_data", cleanUserData,
		"tags_deleted", result.TagsDeleted,
		"timezones_deleted", result.TimezonesDeleted,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// deleteOrphanedGuildRows removes rows whose guild_id is absent from
// liveGuildIDs. An empty live list means the bot is in no guilds at all,
// so every row is an orphan (a bare NOT IN with an empty slice would
// match nothing).
func deleteOrphanedGuildRows(
	tx *gorm.DB,
	model any,
	liveGuildIDs []string,
) (int64, error) {
	var rv *gorm.DB
	if len(liveGuildIDs) == 0 {
		rv = tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model)
	} else {
		rv = tx.Where("guild_id NOT IN ?", liveGuildIDs).Delete(model)
	}
	return rv.RowsAffected, rv.Error
}

// deleteOrphanedUserRows removes a guild's rows whose user column is
// absent from memberIDs.
func deleteOrphanedUserRows(
	tx *gorm.DB,
	model any,
	userColumn string,
	guildID string,
	memberIDs []string,
) (int64, error) {
	var rv *gorm.DB
	if len(memberIDs) == 0 {
		rv = tx.Where("guild_id = ?", guildID).Delete(model)
	} else {
		rv = tx.Where(
			"guild_id = ? AND "+userColumn+" NOT IN ?",
			guildID,
			memberIDs,
		).Delete(model)
	}
	return rv.RowsAffected, rv.Error
}

// GuildRemoved deletes every row scoped to a guild the bot has left or
// been removed from.
func (r *Reconciler) GuildRemoved(
	ctx context.Context,
	guildID string,
) (*ReconcileResult, error) {
	result := &ReconcileResult{}
	err := r.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Where("guild_id = ?", guildID).Delete(&Tag{})
			if rv.Error != nil {
				return rv.Error
			}
			result.TagsDeleted = rv.RowsAffected

			rv = tx.Where("guild_id = ?", guildID).Delete(&TimezoneRegistration{})
			if rv.Error != nil {
				return rv.Error
			}
			result.TimezonesDeleted = rv.RowsAffected
			return nil
		},
	)
	if err != nil {
		return nil, storeErr(err)
	}
	r.logger.InfoContext(
		ctx,
		"removed guild data",
		"guild_id", guildID,
		"tags_deleted", result.TagsDeleted,
		"timezones_deleted", result.TimezonesDeleted,
	)
	return result, nil
}

// MemberRemoved deletes rows belonging to a user who left a guild. With
// per-guild tags, only the user's rows in that guild are removed. With
// shared tags, the user's tags span guilds, so they are only removed if
// the user is no longer visible in any guild the bot can see; the
// timezone registration for the departed guild is removed either way.
func (r *Reconciler) MemberRemoved(
	ctx context.Context,
	guildID string,
	userID string,
	sharedTags bool,
) (*ReconcileResult, error) {
	deleteTags := true
	tagConds := []any{"author_id = ? AND guild_id = ?", userID, guildID}
	if sharedTags {
		visible, err := r.membership.IsUserVisibleInAnyGuild(ctx, userID)
		if err != nil {
			return nil, err
		}
		deleteTags = !visible
		tagConds = []any{"author_id = ?", userID}
	}

	result := &ReconcileResult{}
	err := r.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if deleteTags {
				rv := tx.Where(
					tagConds[0],
					tagConds[1:]...,
				).Delete(&Tag{})
				if rv.Error != nil {
					return rv.Error
				}
				result.TagsDeleted = rv.RowsAffected
			}

			rv := tx.Where(
				"user_id = ? AND guild_id = ?",
				userID,
				guildID,
			).Delete(&TimezoneRegistration{})
			if rv.Error != nil {
				return rv.Error
			}
			result.TimezonesDeleted = rv.RowsAffected
			return nil
		},
	)
	if err != nil {
		return nil, storeErr(err)
	}
	r.logger.InfoContext(
		ctx,
		"removed member data",
		"guild_id", guildID,
		"user_id", userID,
		"shared_tags", sharedTags,
		"tags_deleted", result.TagsDeleted,
		"timezones_deleted", result.TimezonesDeleted,
	)
	return result, nil
}
