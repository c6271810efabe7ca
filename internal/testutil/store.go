package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/termrelay/internal/db"
	"github.com/g960059/termrelay/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "termrelay-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedSession stores a session in the given state whose last activity is at lastActivity.
func SeedSession(t *testing.T, store *db.Store, ctx context.Context, sessionID string, status model.SessionStatus, lastActivity time.Time) model.Session {
	t.Helper()
	sess := model.Session{
		SessionID:    sessionID,
		Project:      "proj",
		Terminal:     "tty",
		SocketPath:   "/tmp/" + sessionID + ".sock",
		Status:       status,
		CreatedAt:    lastActivity,
		LastActivity: lastActivity,
	}
	if err := store.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("seed session %s: %v", sessionID, err)
	}
	if status.Terminal() {
		if err := store.SetStatus(ctx, sessionID, status, lastActivity); err != nil {
			t.Fatalf("seed terminal status %s: %v", sessionID, err)
		}
	}
	got, err := store.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("reload seeded session %s: %v", sessionID, err)
	}
	return got
}

// SocketDir returns a short-lived directory whose paths fit in sun_path.
// t.TempDir can exceed the limit on macOS.
func SocketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "trl")
	if err != nil {
		t.Fatalf("create socket dir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(dir)
	})
	return dir
}
