package minibot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimezoneSetCreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewTimezoneStore(newTestDatabase(t), testLogger(t))

	created, err := store.Set(ctx, "user-1", "guild-1", "America/New_York")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Set(ctx, "user-1", "guild-1", "Europe/London")
	require.NoError(t, err)
	assert.False(t, created)

	reg, err := store.Get(ctx, "user-1", "guild-1")
	require.NoError(t, err)
	assert.Equal(t, "Europe/London", reg.Timezone)

	// registrations are per-guild, so another guild gets its own row
	created, err = store.Set(ctx, "user-1", "guild-2", "America/New_York")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestTimezoneGetNotFound(t *testing.T) {
	store := NewTimezoneStore(newTestDatabase(t), testLogger(t))
	_, err := store.Get(context.Background(), "user-1", "guild-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTimezoneRemove(t *testing.T) {
	ctx := context.Background()
	store := NewTimezoneStore(newTestDatabase(t), testLogger(t))

	err := store.Remove(ctx, "user-1", "guild-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Set(ctx, "user-1", "guild-1", "America/New_York")
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, "user-1", "guild-1"))

	_, err = store.Get(ctx, "user-1", "guild-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTimezoneListForGuild(t *testing.T) {
	ctx := context.Background()
	store := NewTimezoneStore(newTestDatabase(t), testLogger(t))

	_, err := store.Set(ctx, "user-1", "guild-1", "America/New_York")
	require.NoError(t, err)
	_, err = store.Set(ctx, "user-2", "guild-1", "Europe/London")
	require.NoError(t, err)
	_, err = store.Set(ctx, "user-3", "guild-2", "Asia/Tokyo")
	require.NoError(t, err)

	regs, err := store.ListForGuild(ctx, "guild-1")
	require.NoError(t, err)
	assert.Len(t, regs, 2)

	regs, err = store.ListForGuild(ctx, "guild-3")
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestTimezoneClearWhere(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) *TimezoneStore {
		t.Helper()
		store := NewTimezoneStore(newTestDatabase(t), testLogger(t))
		_, err := store.Set(ctx, "user-1", "guild-1", "America/New_York")
		require.NoError(t, err)
		_, err = store.Set(ctx, "user-1", "guild-2", "America/New_York")
		require.NoError(t, err)
		_, err = store.Set(ctx, "user-2", "guild-1", "Europe/London")
		require.NoError(t, err)
		return store
	}

	t.Run(
		"by user and guild", func(t *testing.T) {
			store := seed(t)
			rows, err := store.ClearWhere(ctx, "user-1", "guild-1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), rows)
		},
	)

	t.Run(
		"by user", func(t *testing.T) {
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
		},
	)
}

func TestTimeSortKey(t *testing.T) {
	assert.Equal(t, 0.0, timeSortKey(0, 0))
	assert.Equal(t, 950.0, timeSortKey(9, 30))
	assert.Equal(t, 1200.0, timeSortKey(12, 0))
	assert.InDelta(t, 2398.33, timeSortKey(23, 59), 0.01)

	// ordering holds across hour boundaries
	assert.Less(t, timeSortKey(9, 59), timeSortKey(10, 0))
}

func TestGroupByLocalTime(t *testing.T) {
	// 12:00 UTC: New York is 07:00 (EST, January), London is 12:00
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	regs := []TimezoneRegistration{
		{UserID: "user-1", GuildID: "guild-1", Timezone: "Europe/London"},
		{UserID: "user-2", GuildID: "guild-1", Timezone: "America/New_York"},
		{UserID: "user-3", GuildID: "guild-1", Timezone: "UTC"},
		{UserID: "user-4", GuildID: "guild-1", Timezone: "Not/AZone"},
	}

	groups := groupByLocalTime(regs, now, testLogger(t))
	require.Len(t, groups, 2)

	assert.Equal(t, "07:00", groups[0].Label)
	assert.Equal(t, []string{"user-2"}, groups[0].UserIDs)

	assert.Equal(t, "12:00", groups[1].Label)
	assert.Equal(t, []string{"user-1", "user-3"}, groups[1].UserIDs)
}

func TestGroupByLocalTimeEmpty(t *testing.T) {
	groups := groupByLocalTime(nil, time.Now(), testLogger(t))
	assert.Empty(t, groups)
}
