package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/termrelay/internal/model"
)

func openStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func SessionForTest(id string, now time.Time) model.Session {
	return model.Session{
		SessionID:    id,
		Project:      "demo",
		Terminal:     "ttys001",
		SocketPath:   "/tmp/" + id + ".sock",
		Status:       model.StatusActive,
		CreatedAt:    now,
		LastActivity: now,
	}
}

func TestUpsertSessionPreservesCreatedAtAndThread(t *testing.T) {
	store, ctx := openStore(t)
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first := SessionForTest("s1", t0)
	first.ThreadTS = "1700000000.000100"
	first.Channel = "#claude-sessions"
	if err := store.UpsertSession(ctx, first); err != nil {
		t.Fatalf("upsert first: %v", err)
	}

	second := SessionForTest("s1", t0.Add(time.Hour))
	second.Project = "renamed"
	second.Status = model.StatusInitializing
	if err := store.UpsertSession(ctx, second); err != nil {
		t.Fatalf("upsert second: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Fatalf("created_at changed: %s", got.CreatedAt)
	}
	if got.ThreadTS != first.ThreadTS || got.Channel != first.Channel {
		t.Fatalf("thread linkage lost: %q %q", got.ThreadTS, got.Channel)
	}
	if got.Project != "renamed" || got.Status != model.StatusInitializing {
		t.Fatalf("mutable fields not updated: %+v", got)
	}
	if got.ConversationID != "s1" {
		t.Fatalf("expected conversation to default to session id, got %q", got.ConversationID)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store, ctx := openStore(t)
	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.SetStatus(ctx, "missing", model.StatusEnded, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from SetStatus, got %v", err)
	}
}

func TestEnsureThreadIsCreatedOnce(t *testing.T) {
	store, ctx := openStore(t)
	first, created, err := store.EnsureThread(ctx, model.Thread{ConversationID: "conv", ThreadTS: "1.000001", Channel: "#a"})
	if err != nil {
		t.Fatalf("ensure first: %v", err)
	}
	if !created {
		t.Fatalf("expected first ensure to create")
	}
	second, created, err := store.EnsureThread(ctx, model.Thread{ConversationID: "conv", ThreadTS: "2.000002", Channel: "#b"})
	if err != nil {
		t.Fatalf("ensure second: %v", err)
	}
	if created {
		t.Fatalf("expected second ensure to reuse")
	}
	if second.ThreadTS != first.ThreadTS || second.Channel != first.Channel {
		t.Fatalf("expected identical linkage, got %+v vs %+v", first, second)
	}
}

func TestTouchActivityIsMonotonic(t *testing.T) {
	store, ctx := openStore(t)
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := store.UpsertSession(ctx, SessionForTest("s1", t0)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	later := t0.Add(90 * time.Second)
	if err := store.TouchActivity(ctx, "s1", later); err != nil {
		t.Fatalf("touch later: %v", err)
	}
	if err := store.TouchActivity(ctx, "s1", t0.Add(time.Second)); err != nil {
		t.Fatalf("touch earlier: %v", err)
	}
	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastActivity.Equal(later) {
		t.Fatalf("last_activity moved backwards: %s", got.LastActivity)
	}
}

func TestSetStatusStampsEndedAt(t *testing.T) {
	store, ctx := openStore(t)
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := store.UpsertSession(ctx, SessionForTest("s1", t0)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	endAt := t0.Add(time.Minute)
	if err := store.SetStatus(ctx, "s1", model.StatusEnded, endAt); err != nil {
		t.Fatalf("set ended: %v", err)
	}
	if err := store.SetStatus(ctx, "s1", model.StatusArchived, endAt.Add(time.Hour)); err != nil {
		t.Fatalf("set archived: %v", err)
	}
	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusArchived || got.EndedAt == nil || !got.EndedAt.Equal(endAt) {
		t.Fatalf("unexpected terminal stamp: %s %v", got.Status, got.EndedAt)
	}
	if err := store.SetStatus(ctx, "s1", model.SessionStatus("bogus"), endAt); err == nil {
		t.Fatalf("expected unknown status rejection")
	}
}

func TestPurgeTerminalOnlyRemovesAgedTerminalRows(t *testing.T) {
	store, ctx := openStore(t)
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, id := range []string{"old-ended", "new-ended", "running"} {
		if err := store.UpsertSession(ctx, SessionForTest(id, t0)); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if err := store.SetStatus(ctx, "old-ended", model.StatusCrashed, t0); err != nil {
		t.Fatalf("crash old: %v", err)
	}
	if err := store.SetStatus(ctx, "new-ended", model.StatusEnded, t0.Add(23*time.Hour)); err != nil {
		t.Fatalf("end new: %v", err)
	}
	if _, _, err := store.EnsureThread(ctx, model.Thread{ConversationID: "old-ended", ThreadTS: "1.1", Channel: "#c"}); err != nil {
		t.Fatalf("ensure thread: %v", err)
	}

	purged, err := store.PurgeTerminal(ctx, t0.Add(12*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(purged) != 1 || purged[0] != "old-ended" {
		t.Fatalf("unexpected purge set: %v", purged)
	}
	sessions, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions left, got %d", len(sessions))
	}
	if _, err := store.GetThread(ctx, "old-ended"); err != nil {
		t.Fatalf("thread linkage should survive purge: %v", err)
	}
}

func TestTouchHeartbeatAndActivityLabel(t *testing.T) {
	store, ctx := openStore(t)
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := store.UpsertSession(ctx, SessionForTest("s1", t0)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.TouchHeartbeat(ctx, "s1", t0.Add(30*time.Second)); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := store.SetActivity(ctx, "s1", model.ActivityThinking); err != nil {
		t.Fatalf("set activity: %v", err)
	}
	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastHeartbeat == nil || !got.LastHeartbeat.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("unexpected heartbeat %v", got.LastHeartbeat)
	}
	if got.Activity != model.ActivityThinking {
		t.Fatalf("unexpected activity %q", got.Activity)
	}
}
