package minibot

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// TimezoneRegistration stores one IANA timezone identifier per
// (user, guild) pair. Unlike tags, registrations are always guild-scoped.
type TimezoneRegistration struct {
	ModelUintID
	Timezone string `json:"timezone"`
	UserID   string `gorm:"index" json:"user_id"`
	GuildID  string `gorm:"index" json:"guild_id"`
}

func (TimezoneRegistration) TableName() string {
	return "timezones"
}

func (t TimezoneRegistration) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(t.ID)),
		slog.String("timezone", t.Timezone),
		slog.String("user_id", t.UserID),
		slog.String("guild_id", t.GuildID),
	)
}

// TimezoneStore provides timezone registration persistence.
type TimezoneStore struct {
	db     DBI
	logger *slog.Logger
}

func NewTimezoneStore(db DBI, logger *slog.Logger) *TimezoneStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimezoneStore{
		db:     db,
		logger: logger.With(loggerNameKey, "timezones"),
	}
}

// Set upserts the registration for (userID, guildID), returning true if a
// new row was created and false if an existing row was updated in place.
func (t *TimezoneStore) Set(
	ctx context.Context,
	userID string,
	guildID string,
	timezone string,
) (created bool, err error) {
	err = t.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var existing TimezoneRegistration
			e := tx.Where(
				"user_id = ? AND guild_id = ?",
				userID,
				guildID,
			).First(&existing).Error
			switch {
			case e == nil:
				return tx.Model(&existing).Update("timezone", timezone).Error
			case errors.Is(e, gorm.ErrRecordNotFound):
				created = true
				return tx.Create(
					&TimezoneRegistration{
						Timezone: timezone,
						UserID:   userID,
						GuildID:  guildID,
					},
				).Error
			default:
				return e
			}
		},
	)
	if err != nil {
		return false, storeErr(err)
	}
	t.logger.InfoContext(
		ctx,
		"set timezone",
		"user_id", userID,
		"guild_id", guildID,
		"timezone", timezone,
		"created", created,
	)
	return created, nil
}

// Get returns the registration for (userID, guildID), or [ErrNotFound].
func (t *TimezoneStore) Get(
	ctx context.Context,
	userID string,
	guildID string,
) (*TimezoneRegistration, error) {
	var reg TimezoneRegistration
	err := t.db.DB().WithContext(ctx).Where(
		"user_id = ? AND guild_id = ?",
		userID,
		guildID,
	).First(&reg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}
	return &reg, nil
}

// Remove deletes the registration for (userID, guildID), returning
// [ErrNotFound] if none exists.
func (t *TimezoneStore) Remove(
	ctx context.Context,
	userID string,
	guildID string,
) error {
	rows, err := t.db.Delete(
		&TimezoneRegistration{},
		"user_id = ? AND guild_id = ?",
		userID,
		guildID,
	)
	if err != nil {
		return storeErr(err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListForGuild returns every registration in a guild.
func (t *TimezoneStore) ListForGuild(
	ctx context.Context,
	guildID string,
) ([]TimezoneRegistration, error) {
	var regs []TimezoneRegistration
	err := t.db.DB().WithContext(ctx).Where(
		"guild_id = ?",
		guildID,
	).Find(&regs).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return regs, nil
}

// ClearWhere deletes registrations matching whichever of the two filters
// are non-empty. With both empty, every registration is deleted.
// Authorization is the caller's responsibility.
func (t *TimezoneStore) ClearWhere(
	ctx context.Context,
	userID string,
	guildID string,
) (int64, error) {
	var rows int64
	err := t.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			q := tx
			switch {
			case userID != "" && guildID != "":
				q = q.Where("user_id = ? AND guild_id = ?", userID, guildID)
			case userID != "":
				q = q.Where("user_id = ?", userID)
			case guildID != "":
				q = q.Where("guild_id = ?", guildID)
			default:
				q = q.Session(&gorm.Session{AllowGlobalUpdate: true})
			}
			rv := q.Delete(&TimezoneRegistration{})
			if rv.Error != nil {
				return storeErr(rv.Error)
			}
			rows = rv.RowsAffected
			return nil
		},
	)
	if err != nil {
		return 0, err
	}
	t.logger.InfoContext(
		ctx,
		"cleared timezones",
		"user_id", userID,
		"guild_id", guildID,
		"rows", rows,
	)
	return rows, nil
}

// clockGroup is a set of users whose current local wall-clock time renders
// to the same HH:MM label.
type clockGroup struct {
	// Label is the shared "HH:MM" string
	Label string

	// UserIDs of every registrant whose local time matches Label
	UserIDs []string

	sortKey float64
}

// timeSortKey orders clock labels by hour plus minutes scaled to a 0-100
// sub-unit. The scaling is deliberately coarse: groups only need a stable,
// unambiguous order, not calendar-accurate arithmetic.
func timeSortKey(hour int, minute int) float64 {
	return float64(hour)*100 + float64(minute)/60.0*100.0
}

// groupByLocalTime computes each registrant's current wall-clock time from
// its IANA zone and groups registrants sharing the same HH:MM label, in
// chronological label order. Registrations with unloadable zone names are
// skipped.
func groupByLocalTime(
	regs []TimezoneRegistration,
	now time.Time,
	logger *slog.Logger,
) []clockGroup {
	if logger == nil {
		logger = slog.Default()
	}
	byLabel := map[string]*clockGroup{}
	for _, reg := range regs {
		loc, err := time.LoadLocation(reg.Timezone)
		if err != nil {
			logger.Warn(
				"skipping unknown timezone",
				"timezone", reg.Timezone,
				"user_id", reg.UserID,
				tint.Err(err),
			)
			continue
		}
		local := now.In(loc)
		label := local.Format("15:04")
		group, ok := byLabel[label]
		if !ok {
			group = &clockGroup{
				Label:   label,
				sortKey: timeSortKey(local.Hour(), local.Minute()),
			}
			byLabel[label] = group
		}
		group.UserIDs = append(group.UserIDs, reg.UserID)
	}

	groups := make([]clockGroup, 0, len(byLabel))
	for _, g := range byLabel {
		groups = append(groups, *g)
	}
	sort.Slice(
		groups, func(i, j int) bool {
			return groups[i].sortKey < groups[j].sortKey
		},
	)
	return groups
}
