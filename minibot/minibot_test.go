package minibot

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, "test.sqlite3")
	db, err := CreateDB(
		context.Background(),
		"sqlite",
		dbPath,
	)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(
		tint.NewHandler(
			testWriter{t}, &tint.Options{
				Level:     slog.LevelDebug,
				AddSource: true,
			},
		),
	).With("test_name", t.Name())
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newTestDatabase(t testing.TB) DBI {
	t.Helper()
	return NewDatabase(setupTestDB(t), testLogger(t), false)
}

// stubMembership is a fixed guild/member snapshot standing in for the
// gateway during reconciliation tests.
type stubMembership struct {
	guilds  []string
	members map[string][]string
}

func (s *stubMembership) CurrentGuildIDs(_ context.Context) ([]string, error) {
	return s.guilds, nil
}

func (s *stubMembership) CurrentMemberIDs(
	_ context.Context,
	guildID string,
) ([]string, error) {
	return s.members[guildID], nil
}

func (s *stubMembership) IsUserVisibleInAnyGuild(
	_ context.Context,
	userID string,
) (bool, error) {
	for _, memberIDs := range s.members {
		for _, id := range memberIDs {
			if id == userID {
				return true, nil
			}
		}
	}
	return false, nil
}
