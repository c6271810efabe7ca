package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/g960059/termrelay/internal/logging"
	"github.com/g960059/termrelay/internal/model"
	"github.com/g960059/termrelay/internal/testutil"
)

func TestManagerScanAgainstSQLiteStore(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	now := time.Now().UTC()

	testutil.SeedSession(t, store, ctx, "stale", model.StatusActive, now.Add(-31*time.Minute))
	testutil.SeedSession(t, store, ctx, "fresh", model.StatusActive, now.Add(-29*time.Minute))
	testutil.SeedSession(t, store, ctx, "old-ended", model.StatusEnded, now.Add(-25*time.Hour))
	testutil.SeedSession(t, store, ctx, "recent-ended", model.StatusEnded, now.Add(-time.Hour))

	var archived atomic.Int32
	m := NewManager(store, ManagerOptions{
		IdleTimeout:  30 * time.Minute,
		ArchiveAfter: 24 * time.Hour,
		Logger:       logging.Discard(),
		Now:          func() time.Time { return now },
		Observer: func(_ string, _, to model.SessionStatus) error {
			if to == model.StatusArchived {
				archived.Add(1)
			}
			return nil
		},
	})

	res, err := m.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.Idled != 1 || res.Archived != 1 || len(res.Purged) != 1 || res.Purged[0] != "old-ended" {
		t.Fatalf("unexpected scan result %+v", res)
	}
	if archived.Load() != 1 {
		t.Fatalf("expected archive observer call, got %d", archived.Load())
	}

	stale, err := store.GetSession(ctx, "stale")
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if stale.Status != model.StatusIdle {
		t.Fatalf("expected stale session idle, got %s", stale.Status)
	}
	fresh, err := store.GetSession(ctx, "fresh")
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if fresh.Status != model.StatusActive {
		t.Fatalf("expected fresh session active, got %s", fresh.Status)
	}
	if m.Cached() != 3 {
		t.Fatalf("expected purged session evicted from cache, cached=%d", m.Cached())
	}
}

func TestManagerMarksHeartbeatLossAsCrashed(t *testing.T) {
	store := newMemStore()
	last := testNow.Add(-10 * time.Minute)
	store.put(model.Session{SessionID: "gone", Status: model.StatusActive, LastActivity: testNow, LastHeartbeat: &last})

	m := NewManager(store, ManagerOptions{
		HeartbeatStaleAfter: 3 * time.Minute,
		Logger:              logging.Discard(),
		Now:                 func() time.Time { return testNow },
	})
	res, err := m.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.Crashed != 1 {
		t.Fatalf("expected one crash, got %+v", res)
	}
	lc, err := m.Lifecycle(context.Background(), "gone")
	if err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	if lc.State() != model.StatusCrashed {
		t.Fatalf("expected crashed, got %s", lc.State())
	}
}

func TestManagerToleratesPerSessionErrors(t *testing.T) {
	store := &flakyStore{memStore: newMemStore(), failGet: "broken"}
	store.put(model.Session{SessionID: "broken", Status: model.StatusActive, LastActivity: testNow.Add(-time.Hour)})
	store.put(model.Session{SessionID: "ok", Status: model.StatusActive, LastActivity: testNow.Add(-time.Hour)})

	m := NewManager(store, ManagerOptions{Logger: logging.Discard(), Now: func() time.Time { return testNow }})
	res, err := m.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan should not abort: %v", err)
	}
	if res.Errors != 1 || res.Idled != 1 {
		t.Fatalf("expected one error and one idle, got %+v", res)
	}
}

func TestManagerScansNeverOverlap(t *testing.T) {
	store := &slowStore{memStore: newMemStore(), delay: 50 * time.Millisecond}
	store.put(model.Session{SessionID: "s", Status: model.StatusActive, LastActivity: testNow})
	m := NewManager(store, ManagerOptions{Logger: logging.Discard(), Now: func() time.Time { return testNow }})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Scan(context.Background()); err != nil {
				t.Errorf("scan: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := store.maxInFlight.Load(); got != 1 {
		t.Fatalf("expected at most one concurrent scan, saw %d", got)
	}
}

func TestManagerResetReplacesCachedLifecycle(t *testing.T) {
	store := newMemStore()
	store.put(model.Session{SessionID: "s", Status: model.StatusEnded})
	m := NewManager(store, ManagerOptions{Logger: logging.Discard()})
	lc, err := m.Lifecycle(context.Background(), "s")
	if err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	if lc.State() != model.StatusEnded {
		t.Fatalf("expected seeded ended state, got %s", lc.State())
	}
	fresh := m.Reset("s", model.StatusInitializing)
	again, _ := m.Lifecycle(context.Background(), "s")
	if again != fresh || again.State() != model.StatusInitializing {
		t.Fatalf("reset lifecycle not cached")
	}
}

type flakyStore struct {
	*memStore
	failGet string
}

func (s *flakyStore) GetSession(ctx context.Context, id string) (model.Session, error) {
	if id == s.failGet {
		return model.Session{}, context.DeadlineExceeded
	}
	return s.memStore.GetSession(ctx, id)
}

type slowStore struct {
	*memStore
	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *slowStore) ListSessions(ctx context.Context) ([]model.Session, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(s.delay)
	return s.memStore.ListSessions(ctx)
}

func TestScanWaitsForSessionLockAndRereadsRecord(t *testing.T) {
	store := newMemStore()
	ended := testNow.Add(-48 * time.Hour)
	store.put(model.Session{SessionID: "s", Status: model.StatusEnded, EndedAt: &ended, LastActivity: ended})
	m := NewManager(store, ManagerOptions{Logger: logging.Discard(), Now: func() time.Time { return testNow }})

	unlock := m.LockSession("s")
	type scanOut struct {
		res ScanResult
		err error
	}
	done := make(chan scanOut, 1)
	go func() {
		res, err := m.Scan(context.Background())
		done <- scanOut{res, err}
	}()

	select {
	case <-done:
		t.Fatalf("scan changed a locked session")
	case <-time.After(100 * time.Millisecond):
	}

	// Re-registration while the scan waits.
	store.put(model.Session{SessionID: "s", Status: model.StatusActive, LastActivity: testNow})
	fresh := m.Reset("s", model.StatusActive)
	unlock()

	var out scanOut
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("scan never finished")
	}
	if out.err != nil {
		t.Fatalf("scan: %v", out.err)
	}
	if out.res.Archived != 0 || out.res.Idled != 0 || len(out.res.Purged) != 0 {
		t.Fatalf("scan acted on a stale record: %+v", out.res)
	}
	got, err := store.GetSession(context.Background(), "s")
	if err != nil || got.Status != model.StatusActive {
		t.Fatalf("expected re-registered session to stay active, got %+v %v", got, err)
	}
	if lc, _ := m.Lifecycle(context.Background(), "s"); lc != fresh || lc.State() != model.StatusActive {
		t.Fatalf("cached lifecycle replaced or moved")
	}
	if n := m.HeldLocks(); n != 0 {
		t.Fatalf("session locks leaked: %d", n)
	}
}
