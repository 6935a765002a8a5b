package minibot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTagStore(t testing.TB) *TagStore {
	t.Helper()
	store := NewTagStore(newTestDatabase(t), testLogger(t))
	store.now = func() time.Time {
		return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	}
	return store
}

func TestTagAddAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestTagStore(t)

	created, err := store.Add(ctx, "greeting", "guild-1", "user-1", "hello!", false)
	require.NoError(t, err)
	assert.Equal(t, "greeting", created.Name)
	assert.Equal(t, "Jun-15-2024", created.Date)
	assert.Zero(t, created.AmountUsed)

	tag, err := store.Get(ctx, "greeting", "guild-1", false)
	require.NoError(t, err)
	assert.Equal(t, "hello!", tag.Content)
	// the returned counter is the value as read, before the increment
	assert.Equal(t, int64(0), tag.AmountUsed)

	info, err := store.Info(ctx, "greeting", "guild-1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.AmountUsed)

	// Info does not touch the counter
	info, err = store.Info(ctx, "greeting", "guild-1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.AmountUsed)
}

func TestTagGetNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestTagStore(t)

	_, err := store.Get(ctx, "missing", "guild-1", false)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Info(ctx, "missing", "guild-1", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTagAddDuplicate(t *testing.T) {
	ctx := context.Background()
	store := newTestTagStore(t)

	_, err := store.Add(ctx, "greeting", "guild-1", "user-1", "hello!", false)
	require.NoError(t, err)

	_, err = store.Add(ctx, "greeting", "guild-1", "user-2", "hi!", false)
	assert.ErrorIs(t, err, ErrTagExists)

	// per-guild scope: the same name in another guild is a different tag
	other, err := store.Add(ctx, "greeting", "guild-2", "user-2", "hi!", false)
	require.NoError(t, err)
	assert.Equal(t, "guild-2", other.GuildID)
}

func TestTagAddDuplicateShared(t *testing.T) {
	ctx := context.Background()
	store := newTestTagStore(t)

	_, err := store.Add(ctx, "greeting", "guild-1", "user-1", "hello!", true)
	require.NoError(t, err)

	// shared scope: the name is taken across all guilds
	_, err = store.Add(ctx, "greeting", "guild-2", "user-2", "hi!", true)
	assert.ErrorIs(t, err, ErrTagExists)
}

func TestTagSharedModeGet(t *testing.T) {
	ctx := context.Background()
	store := newTestTagStore(t)

	_, err := store.Add(ctx, "greeting", "guild-1", "user-1", "hello!", false)
	require.NoError(t, err)

	// a tag created in guild-1 is visible from guild-2 when shared
	tag, err := store.Get(ctx, "greeting", "guild-2", true)
	require.NoError(t, err)
	assert.Equal(t, "hello!", tag.Content)

	_, err = store.Get(ctx, "greeting", "guild-2", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTagDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestTagStore(t)

	_, err := store.Add(ctx, "greeting", "guild-1", "user-1", "hello!", false)
	require.NoError(t, err)

	t.Run(
		"not found", func(t *testing.T) {
			_, e := store.Delete(ctx, "missing", "guild-1", "user-1", "", false)
			assert.ErrorIs(t, e, ErrNotFound)
		},
	)

	t.Run(
		"forbidden", func(t *testing.T) {
			_, e := store.Delete(ctx, "greeting", "guild-1", "user-2", "", false)
			assert.ErrorIs(t, e, ErrForbidden)
		},
	)

	t.Run(
		"owner may delete", func(t *testing.T) {
			rows, e := store.Delete(
				ctx,
				"greeting",
				"guild-1",
				"owner-id",
				"owner-id",
				false,
			)
			require.NoError(t, e)
			assert.Equal(t, int64(1), rows)
		},
	)

	t.Run(
		"author may delete", func(t *testing.T) {
			_, e := store.Add(ctx, "greeting", "guild-1", "user-1", "hello!", false)
			require.NoError(t, e)
			rows, e := store.Delete(ctx, "greeting", "guild-1", "user-1", "", false)
			require.NoError(t, e)
			assert.Equal(t, int64(1), rows)
		},
	)
}

func TestTagDeleteSharedRemovesDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newTestTagStore(t)

	// duplicates left over from a previous per-guild configuration
	_, err := store.Add(ctx, "greeting", "guild-1", "user-1", "hello!", false)
	require.NoError(t, err)
	_, err = store.Add(ctx, "greeting", "guild-2", "user-1", "hi!", false)
	require.NoError(t, err)

	rows, err := store.Delete(ctx, "greeting", "guild-1", "user-1", "", true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)

	_, err = store.Info(ctx, "greeting", "guild-2", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTagListAll(t *testing.T) {
	ctx := context.Background()
	store := newTestTagStore(t)

	_, err := store.Add(ctx, "zebra", "guild-1", "user-1", "z", false)
	require.NoError(t, err)
	_, err = store.Add(ctx, "apple", "guild-1", "user-1", "a", false)
	require.NoError(t, err)
	_, err = store.Add(ctx, "mango", "guild-2", "user-2", "m", false)
	require.NoError(t, err)

	tags, err := store.ListAll(ctx, "guild-1", false)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "apple", tags[0].Name)
	assert.Equal(t, "zebra", tags[1].Name)

	tags, err = store.ListAll(ctx, "guild-1", true)
	require.NoError(t, err)
	assert.Len(t, tags, 3)

	tags, err = store.ListAll(ctx, "guild-3", false)
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestTagRandom(t *testing.T) {
	ctx := context.Background()
	store := newTestTagStore(t)

	_, err := store.Random(ctx, "guild-1", false)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Add(ctx, "greeting", "guild-1", "user-1", "hello!", false)
	require.NoError(t, err)

	tag, err := store.Random(ctx, "guild-1", false)
	require.NoError(t, err)
	assert.Equal(t, "greeting", tag.Name)

	// Random increments the usage counter like Get
	info, err := store.Info(ctx, "greeting", "guild-1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.AmountUsed)

	// other guilds' tags stay out of scope when not shared
	_, err = store.Random(ctx, "guild-2", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTagClearWhere(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) *TagStore {
		t.Helper()
		store := newTestTagStore(t)
		_, err := store.Add(ctx, "a", "guild-1", "user-1", "a", false)
		require.NoError(t, err)
		_, err = store.Add(ctx, "b", "guild-1", "user-2", "b", false)
		require.NoError(t, err)
		_, err = store.Add(ctx, "c", "guild-2", "user-1", "c", false)
		require.NoError(t, err)
		return store
	}

	t.Run(
		"by author and guild", func(t *testing.T) {
			store := seed(t)
			rows, err := store.ClearWhere(ctx, "user-1", "guild-1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), rows)
		},
	)

	t.Run(
		"by author", func(t *testing.T) {
			store := seed(t)
			rows, err := store.ClearWhere(ctx, "user-1", "")
			require.NoError(t, err)
			assert.Equal(t, int64(2), rows)
		},
	)

	t.Run(
		"by guild", func(t *testing.T) {
			store := seed(t)
			rows, err := store.ClearWhere(ctx, "", "guild-1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), rows)
		},
	)

	t.Run(
		"all", func(t *testing.T) {
			store := seed(t)
			rows, err := store.ClearWhere(ctx, "", "")
			require.NoError(t, err)
			assert.Equal(t, int64(3), rows)

			tags, err := store.ListAll(ctx, "", true)
			require.NoError(t, err)
			assert.Empty(t, tags)
		},
	)
}

func TestActiveTagKey(t *testing.T) {
	key := activeTagKey("greeting", "guild-1", true)
	assert.Equal(t, "name = ?", key.query)
	assert.Equal(t, []any{"greeting"}, key.args)

	key = activeTagKey("greeting", "guild-1", false)
	assert.Equal(t, "name = ? AND guild_id = ?", key.query)
	assert.Equal(t, []any{"greeting", "guild-1"}, key.args)
}
