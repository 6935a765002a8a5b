package minibot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// tagDateLayout is the calendar-date format stored in [Tag.Date]
// (ex: "Jan-02-2006").
const tagDateLayout = "Jan-02-2006"

// Tag is a named text snippet created via /tag_add. Depending on
// configuration, tag names are unique per guild or across all guilds.
type Tag struct {
	ModelUintID
	Name       string `gorm:"index" json:"name"`
	Content    string `json:"content"`
	AuthorID   string `gorm:"index" json:"author_id"`
	GuildID    string `gorm:"index" json:"guild_id"`
	Date       string `json:"date"`
	AmountUsed int64  `json:"amount_used"`
}

func (Tag) TableName() string {
	return "tags"
}

func (t Tag) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(t.ID)),
		slog.String("name", t.Name),
		slog.String("author_id", t.AuthorID),
		slog.String("guild_id", t.GuildID),
		slog.Int64("amount_used", t.AmountUsed),
	)
}

// tagKey is a WHERE clause identifying the rows a tag name refers to under
// the active scoping mode.
type tagKey struct {
	query string
	args  []any
}

// activeTagKey resolves the uniqueness key for a tag name. When tags are
// shared across guilds, the key is the name alone; otherwise it is
// (name, guild).
func activeTagKey(name string, guildID string, shared bool) tagKey {
	if shared {
		return tagKey{query: "name = ?", args: []any{name}}
	}
	return tagKey{query: "name = ? AND guild_id = ?", args: []any{name, guildID}}
}

// TagStore provides tag persistence. It keeps no cache, so every operation
// re-queries the database.
type TagStore struct {
	db     DBI
	logger *slog.Logger
	now    func() time.Time
}

func NewTagStore(db DBI, logger *slog.Logger) *TagStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TagStore{
		db:     db,
		logger: logger.With(loggerNameKey, "tags"),
		now:    time.Now,
	}
}

// Get fetches a tag by name and increments its usage counter. The returned
// tag reflects the counter value as read, before the increment. Two
// concurrent calls for the same tag may both read the same counter value
// and lose one increment; that's tolerable for a usage counter.
func (t *TagStore) Get(
	ctx context.Context,
	name string,
	guildID string,
	shared bool,
) (*Tag, error) {
	key := activeTagKey(name, guildID, shared)

	var tag Tag
	err := t.db.DB().WithContext(ctx).Where(key.query, key.args...).First(&tag).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}

	if _, err = t.db.UpdatesWhere(
		ctx,
		&Tag{},
		map[string]any{"amount_used": tag.AmountUsed + 1},
		key.query,
		key.args...,
	); err != nil {
		return nil, storeErr(err)
	}

	return &tag, nil
}

// Add creates a new tag, or returns [ErrTagExists] if a tag already exists
// under the active uniqueness key. The existence check and insert run in
// one transaction.
func (t *TagStore) Add(
	ctx context.Context,
	name string,
	guildID string,
	authorID string,
	content string,
	shared bool,
) (*Tag, error) {
	key := activeTagKey(name, guildID, shared)
	tag := &Tag{
		Name:     name,
		Content:  content,
		AuthorID: authorID,
		GuildID:  guildID,
		Date:     t.now().UTC().Format(tagDateLayout),
	}

	err := t.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var count int64
			if e := tx.Model(&Tag{}).Where(
				key.query,
				key.args...,
			).Count(&count).Error; e != nil {
				return storeErr(e)
			}
			if count > 0 {
				return ErrTagExists
			}
			if e := tx.Create(tag).Error; e != nil {
				return storeErr(e)
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	t.logger.InfoContext(ctx, "created tag", "tag", tag)
	return tag, nil
}

// Delete removes the tag(s) matching the active key. Only the tag's author
// or the configured owner may delete it. In shared mode, duplicates left
// over from a previous per-guild configuration are all removed together.
func (t *TagStore) Delete(
	ctx context.Context,
	name string,
	guildID string,
	requesterID string,
	ownerID string,
	shared bool,
) (int64, error) {
	key := activeTagKey(name, guildID, shared)

	var tags []Tag
	err := t.db.DB().WithContext(ctx).Where(key.query, key.args...).Find(&tags).Error
	if err != nil {
		return 0, storeErr(err)
	}
	if len(tags) == 0 {
		return 0, ErrNotFound
	}
	if requesterID != tags[0].AuthorID && requesterID != ownerID {
		return 0, ErrForbidden
	}

	rows, err := t.db.Delete(&Tag{}, append([]any{key.query}, key.args...)...)
	if err != nil {
		return 0, storeErr(err)
	}
	t.logger.InfoContext(
		ctx,
		"deleted tag",
		"name", name,
		"guild_id", guildID,
		"requester_id", requesterID,
		"rows", rows,
	)
	return rows, nil
}

// Info is a read-only fetch of a tag, without mutating the usage counter.
func (t *TagStore) Info(
	ctx context.Context,
	name string,
	guildID string,
	shared bool,
) (*Tag, error) {
	key := activeTagKey(name, guildID, shared)
	var tag Tag
	err := t.db.DB().WithContext(ctx).Where(key.query, key.args...).First(&tag).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}
	return &tag, nil
}

// ListAll returns every tag visible under the active scoping mode. An empty
// slice is a valid, non-error result.
func (t *TagStore) ListAll(
	ctx context.Context,
	guildID string,
	shared bool,
) ([]Tag, error) {
	var tags []Tag
	q := t.db.DB().WithContext(ctx).Order("name")
	if !shared {
		q = q.Where("guild_id = ?", guildID)
	}
	if err := q.Find(&tags).Error; err != nil {
		return nil, storeErr(err)
	}
	return tags, nil
}

// Random returns a uniformly random tag visible under the active scoping
// mode, incrementing its usage counter like [TagStore.Get].
func (t *TagStore) Random(
	ctx context.Context,
	guildID string,
	shared bool,
) (*Tag, error) {
	var tags []Tag
	q := t.db.DB().WithContext(ctx).Order("RANDOM()").Limit(1)
	if !shared {
		q = q.Where("guild_id = ?", guildID)
	}
	if err := q.Find(&tags).Error; err != nil {
		return nil, storeErr(err)
	}
	if len(tags) == 0 {
		return nil, ErrNotFound
	}
	tag := tags[0]

	if _, err := t.db.UpdatesWhere(
		ctx,
		&Tag{},
		map[string]any{"amount_used": tag.AmountUsed + 1},
		"id = ?",
		tag.ID,
	); err != nil {
		return nil, storeErr(err)
	}
	return &tag, nil
}

// ClearWhere deletes tags matching whichever of the two filters are
// non-empty. With both empty, every tag is deleted. Authorization is the
// caller's responsibility.
func (t *TagStore) ClearWhere(
	ctx context.Context,
	authorID string,
	guildID string,
) (int64, error) {
	var rows int64
	err := t.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			q := tx
			switch {
			case authorID != "" && guildID != "":
				q = q.Where("author_id = ? AND guild_id = ?", authorID, guildID)
			case authorID != "":
				q = q.Where("author_id = ?", authorID)
			case guildID != "":
				q = q.Where("guild_id = ?", guildID)
			default:
				q = q.Session(&gorm.Session{AllowGlobalUpdate: true})
			}
			rv := q.Delete(&Tag{})
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
		"cleared tags",
		"author_id", authorID,
		"guild_id", guildID,
		"rows", rows,
	)
	return rows, nil
}
