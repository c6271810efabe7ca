package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/g960059/termrelay/internal/db"
	"github.com/g960059/termrelay/internal/model"
)

const (
	DefaultManagerInterval = 60 * time.Second
	DefaultArchiveAfter    = 24 * time.Hour
)

// ManagerStore is what the background scan needs on top of Store.
type ManagerStore interface {
	Store
	ListSessions(ctx context.Context) ([]model.Session, error)
	PurgeTerminal(ctx context.Context, cutoff time.Time) ([]string, error)
}

type ManagerOptions struct {
	Interval     time.Duration
	IdleTimeout  time.Duration
	ArchiveAfter time.Duration
	// HeartbeatStaleAfter marks running sessions CRASHED when their proxy has
	// not sent a heartbeat for this long. Zero disables the check.
	HeartbeatStaleAfter time.Duration
	Observer            Observer
	Logger              *log.Logger
	Now                 func() time.Time
}

type ScanResult struct {
	Scanned  int
	Idled    int
	Crashed  int
	Archived int
	Purged   []string
	Errors   int
}

// Manager owns one Lifecycle per known session and drives the time-based
// transitions. The registry server shares its cache.
type Manager struct {
	store  ManagerStore
	opts   ManagerOptions
	logger *log.Logger

	mu         sync.Mutex
	lifecycles map[string]*Lifecycle
	scans      singleflight.Group

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func NewManager(store ManagerStore, opts ManagerOptions) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = DefaultManagerInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.ArchiveAfter <= 0 {
		opts.ArchiveAfter = DefaultArchiveAfter
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:      store,
		opts:       opts,
		logger:     opts.Logger,
		lifecycles: map[string]*Lifecycle{},
		locks:      map[string]*sessionLock{},
	}
}

// LockSession blocks until the caller holds sessionID exclusively and returns
// the unlock func. The registry server and the scan both take it before
// changing a session.
func (m *Manager) LockSession(sessionID string) func() {
	m.locksMu.Lock()
	entry, ok := m.locks[sessionID]
	if !ok {
		entry = &sessionLock{}
		m.locks[sessionID] = entry
	}
	entry.refs++
	m.locksMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		m.locksMu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(m.locks, sessionID)
		}
		m.locksMu.Unlock()
	}
}

// HeldLocks is the number of sessions currently locked or waited on.
func (m *Manager) HeldLocks() int {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	return len(m.locks)
}

// Lifecycle returns the cached lifecycle for sessionID, seeding one from the
// stored status on first use.
func (m *Manager) Lifecycle(ctx context.Context, sessionID string) (*Lifecycle, error) {
	m.mu.Lock()
	lc, ok := m.lifecycles[sessionID]
	m.mu.Unlock()
	if ok {
		return lc, nil
	}
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.cached(sess.SessionID, sess.Status), nil
}

// Reset replaces any cached lifecycle for sessionID with a fresh one in status.
func (m *Manager) Reset(sessionID string, status model.SessionStatus) *Lifecycle {
	lc := New(sessionID, status, m.store, m.lifecycleOptions())
	m.mu.Lock()
	m.lifecycles[sessionID] = lc
	m.mu.Unlock()
	return lc
}

func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.lifecycles, sessionID)
	m.mu.Unlock()
}

func (m *Manager) Cached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lifecycles)
}

// Run scans immediately and then on every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	run := func() {
		res, err := m.Scan(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				m.logger.Error("lifecycle scan failed", "err", err)
			}
			return
		}
		if res.Idled+res.Crashed+res.Archived+len(res.Purged) > 0 {
			m.logger.Info("lifecycle scan", "sessions", res.Scanned, "idled", res.Idled, "crashed", res.Crashed,
				"archived", res.Archived, "purged", len(res.Purged))
		}
	}
	run()
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// Scan runs one pass over all sessions. Concurrent callers share a single pass.
func (m *Manager) Scan(ctx context.Context) (ScanResult, error) {
	v, err, _ := m.scans.Do("scan", func() (any, error) {
		return m.scan(ctx)
	})
	if err != nil {
		return ScanResult{}, err
	}
	return v.(ScanResult), nil
}

func (m *Manager) scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return res, fmt.Errorf("list sessions: %w", err)
	}
	now := m.opts.Now()
	seen := make(map[string]struct{}, len(sessions))

	for _, listed := range sessions {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Scanned++
		seen[listed.SessionID] = struct{}{}
		switch outcome, err := m.scanSession(ctx, listed.SessionID, now); {
		case err != nil:
			res.Errors++
		case outcome == model.StatusIdle:
			res.Idled++
		case outcome == model.StatusCrashed:
			res.Crashed++
		case outcome == model.StatusArchived:
			res.Archived++
		}
	}

	purged, err := m.store.PurgeTerminal(ctx, now.Add(-m.opts.ArchiveAfter))
	if err != nil {
		res.Errors++
		m.logger.Error("purge terminal sessions", "err", err)
	}
	res.Purged = purged

	m.mu.Lock()
	for _, id := range purged {
		delete(m.lifecycles, id)
	}
	for id := range m.lifecycles {
		if _, ok := seen[id]; !ok {
			delete(m.lifecycles, id)
		}
	}
	m.mu.Unlock()
	return res, nil
}

// scanSession applies the time-based transitions to one session under its
// lock. The record is re-read first so a registration that landed after the
// listing is not overwritten. It returns the status it moved the session to,
// or "" when nothing changed.
func (m *Manager) scanSession(ctx context.Context, sessionID string, now time.Time) (model.SessionStatus, error) {
	defer m.LockSession(sessionID)()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", nil
		}
		m.logger.Error("reload session", "session", sessionID, "err", err)
		return "", err
	}
	lc := m.cached(sess.SessionID, sess.Status)
	state := lc.State()

	switch {
	case !state.Terminal() && m.heartbeatStale(sess, now):
		m.logger.Warn("heartbeat lost", "session", sessionID, "last", humanize.RelTime(*sess.LastHeartbeat, now, "ago", "from now"))
		if err := lc.MarkCrashed(ctx); err != nil {
			m.logger.Error("mark crashed", "session", sessionID, "err", err)
			return "", err
		}
		return model.StatusCrashed, nil
	case state == model.StatusActive:
		idled, err := lc.CheckIdle(ctx)
		if err != nil {
			m.logger.Error("check idle", "session", sessionID, "err", err)
			return "", err
		}
		if idled {
			return model.StatusIdle, nil
		}
	case state == model.StatusEnded || state == model.StatusCrashed:
		if sess.EndedAt == nil || now.Sub(*sess.EndedAt) < m.opts.ArchiveAfter {
			return "", nil
		}
		if err := lc.TransitionTo(ctx, model.StatusArchived); err != nil {
			m.logger.Error("archive", "session", sessionID, "err", err)
			return "", err
		}
		return model.StatusArchived, nil
	}
	return "", nil
}

func (m *Manager) heartbeatStale(sess model.Session, now time.Time) bool {
	if m.opts.HeartbeatStaleAfter <= 0 || sess.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*sess.LastHeartbeat) > m.opts.HeartbeatStaleAfter
}

func (m *Manager) cached(sessionID string, status model.SessionStatus) *Lifecycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lc, ok := m.lifecycles[sessionID]; ok {
		return lc
	}
	lc := New(sessionID, status, m.store, m.lifecycleOptions())
	m.lifecycles[sessionID] = lc
	return lc
}

func (m *Manager) lifecycleOptions() Options {
	return Options{
		IdleTimeout: m.opts.IdleTimeout,
		Observer:    m.opts.Observer,
		Logger:      m.logger,
		Now:         m.opts.Now,
	}
}
