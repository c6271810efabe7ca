package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/g960059/termrelay/internal/model"
)

const DefaultIdleTimeout = 30 * time.Minute

var ErrInvalidTransition = errors.New("invalid transition")

var transitions = map[model.SessionStatus][]model.SessionStatus{
	model.StatusInitializing: {model.StatusActive, model.StatusCrashed},
	model.StatusActive:       {model.StatusIdle, model.StatusWaiting, model.StatusEnded, model.StatusCrashed},
	model.StatusIdle:         {model.StatusActive, model.StatusEnded, model.StatusCrashed},
	model.StatusWaiting:      {model.StatusActive, model.StatusEnded, model.StatusCrashed},
	model.StatusEnded:        {model.StatusArchived},
	model.StatusCrashed:      {model.StatusArchived},
	model.StatusArchived:     {},
}

// Allowed reports whether from→to is declared. CRASHED is accepted from every
// state by TransitionTo even where it is not declared here.
func Allowed(from, to model.SessionStatus) bool {
	return slices.Contains(transitions[from], to)
}

// Store is the persistence a Lifecycle needs.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (model.Session, error)
	SetStatus(ctx context.Context, sessionID string, status model.SessionStatus, at time.Time) error
	TouchActivity(ctx context.Context, sessionID string, at time.Time) error
}

// Observer is told about every successful transition.
type Observer func(sessionID string, from, to model.SessionStatus) error

type Options struct {
	IdleTimeout time.Duration
	Observer    Observer
	Logger      *log.Logger
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Lifecycle is the validated state machine for one session.
type Lifecycle struct {
	mu        sync.Mutex
	sessionID string
	state     model.SessionStatus
	store     Store
	opts      Options
	logger    *log.Logger
}

func New(sessionID string, initial model.SessionStatus, store Store, opts Options) *Lifecycle {
	opts = opts.withDefaults()
	if initial == "" {
		initial = model.StatusInitializing
	}
	return &Lifecycle{
		sessionID: sessionID,
		state:     initial,
		store:     store,
		opts:      opts,
		logger:    opts.Logger.With("session", sessionID),
	}
}

func (l *Lifecycle) SessionID() string {
	return l.sessionID
}

func (l *Lifecycle) State() model.SessionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// TransitionTo moves the session to target, persisting the new status and then
// notifying the observer. Undeclared transitions fail with ErrInvalidTransition
// and leave the state unchanged.
func (l *Lifecycle) TransitionTo(ctx context.Context, target model.SessionStatus) error {
	l.mu.Lock()
	from, err := l.applyLocked(ctx, target)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.notify(from, target)
	return nil
}

// MarkActivity records output activity and wakes an IDLE session.
func (l *Lifecycle) MarkActivity(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if err := l.store.TouchActivity(ctx, l.sessionID, l.opts.Now().UTC()); err != nil {
		l.logger.Warn("persist activity failed", "err", err)
	}
	if l.state != model.StatusIdle {
		l.mu.Unlock()
		return false, nil
	}
	from, err := l.applyLocked(ctx, model.StatusActive)
	l.mu.Unlock()
	if err != nil {
		return false, err
	}
	l.notify(from, model.StatusActive)
	return true, nil
}

// MarkWaiting moves ACTIVE to WAITING; other states are left alone.
func (l *Lifecycle) MarkWaiting(ctx context.Context) (bool, error) {
	return l.transitionFrom(ctx, model.StatusWaiting, model.StatusActive)
}

// MarkEnded ends a running session (ACTIVE, IDLE or WAITING).
func (l *Lifecycle) MarkEnded(ctx context.Context) (bool, error) {
	return l.transitionFrom(ctx, model.StatusEnded, model.StatusActive, model.StatusIdle, model.StatusWaiting)
}

func (l *Lifecycle) MarkCrashed(ctx context.Context) error {
	return l.TransitionTo(ctx, model.StatusCrashed)
}

// CheckIdle moves an ACTIVE session to IDLE once its last activity is at least
// the idle timeout in the past. It reports whether it did.
func (l *Lifecycle) CheckIdle(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.state != model.StatusActive {
		l.mu.Unlock()
		return false, nil
	}
	sess, err := l.store.GetSession(ctx, l.sessionID)
	if err != nil {
		l.mu.Unlock()
		return false, fmt.Errorf("load session %s: %w", l.sessionID, err)
	}
	if sess.LastActivity.IsZero() || l.opts.Now().Sub(sess.LastActivity) < l.opts.IdleTimeout {
		l.mu.Unlock()
		return false, nil
	}
	from, err := l.applyLocked(ctx, model.StatusIdle)
	l.mu.Unlock()
	if err != nil {
		return false, err
	}
	l.notify(from, model.StatusIdle)
	return true, nil
}

func (l *Lifecycle) transitionFrom(ctx context.Context, target model.SessionStatus, sources ...model.SessionStatus) (bool, error) {
	l.mu.Lock()
	if !slices.Contains(sources, l.state) {
		l.mu.Unlock()
		return false, nil
	}
	from, err := l.applyLocked(ctx, target)
	l.mu.Unlock()
	if err != nil {
		return false, err
	}
	l.notify(from, target)
	return true, nil
}

func (l *Lifecycle) applyLocked(ctx context.Context, target model.SessionStatus) (model.SessionStatus, error) {
	from := l.state
	if target == model.StatusCrashed {
		if from != model.StatusCrashed && !Allowed(from, target) {
			l.logger.Warn("emergency transition", "from", from, "to", target)
		}
	} else if !Allowed(from, target) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
	}
	l.state = target
	if err := l.store.SetStatus(ctx, l.sessionID, target, l.opts.Now().UTC()); err != nil {
		l.logger.Warn("persist status failed", "status", target, "err", err)
	}
	l.logger.Info("state changed", "from", from, "to", target)
	return from, nil
}

func (l *Lifecycle) notify(from, to model.SessionStatus) {
	if l.opts.Observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("state observer panicked", "from", from, "to", to, "panic", r)
		}
	}()
	if err := l.opts.Observer(l.sessionID, from, to); err != nil {
		l.logger.Warn("state observer failed", "from", from, "to", to, "err", err)
	}
}
