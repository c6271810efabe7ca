package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/g960059/termrelay/internal/config"
	"github.com/g960059/termrelay/internal/db"
	"github.com/g960059/termrelay/internal/lifecycle"
	"github.com/g960059/termrelay/internal/model"
)

// SessionStore is the record store behind the registry.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (model.Session, error)
	ListSessions(ctx context.Context) ([]model.Session, error)
	UpsertSession(ctx context.Context, sess model.Session) error
	GetThread(ctx context.Context, conversationID string) (model.Thread, error)
	EnsureThread(ctx context.Context, candidate model.Thread) (model.Thread, bool, error)
	TouchHeartbeat(ctx context.Context, sessionID string, at time.Time) error
	SetActivity(ctx context.Context, sessionID string, label model.ActivityLabel) error
}

type Server struct {
	cfg        config.Config
	socketPath string
	store      SessionStore
	manager    *lifecycle.Manager
	threads    ThreadOpener
	logger     *log.Logger
	instanceID string
	now        func() time.Time

	mu       sync.Mutex
	listener net.Listener
	lockFile *os.File
	conns    sync.WaitGroup

	shutdown    sync.Once
	shutdownErr error
}

type ServerOption func(*Server)

func WithThreadOpener(o ThreadOpener) ServerOption {
	return func(s *Server) {
		s.threads = o
	}
}

func WithLogger(l *log.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

func NewServer(cfg config.Config, store SessionStore, manager *lifecycle.Manager, opts ...ServerOption) *Server {
	s := &Server{
		cfg:        cfg,
		socketPath: cfg.RegistrySocketPath(),
		store:      store,
		manager:    manager,
		threads:    LocalThreadOpener{Channel: cfg.DefaultChannel},
		logger:     log.Default(),
		instanceID: uuid.NewString(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("instance", s.instanceID[:8])
	return s
}

func (s *Server) SocketPath() string {
	return s.socketPath
}

// Start listens on the registry socket and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.socketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.socketPath)
		}
		if err := os.Remove(s.socketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("registry listening", "socket", s.socketPath)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.acceptLoop(ctx, ln)
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}

		drained := make(chan struct{})
		go func() {
			s.conns.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for connections: %w", ctx.Err()))
		}

		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck
	if err := conn.SetDeadline(s.now().Add(s.cfg.CommandTimeout)); err != nil {
		s.logger.Warn("set connection deadline", "err", err)
	}

	var reply Reply
	line, err := bufio.NewReader(io.LimitReader(conn, maxMessageBytes)).ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		s.logger.Warn("read request", "err", err)
		return
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		reply = failure("malformed request: %v", err)
	} else {
		reply = s.Handle(ctx, req)
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("encode reply", "err", err)
		return
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		s.logger.Warn("write reply", "command", req.Command, "err", err)
	}
}

// Handle executes one request. Requests for the same session id are serialized.
func (s *Server) Handle(ctx context.Context, req Request) Reply {
	switch req.Command {
	case CmdList:
		return s.handleList(ctx)
	case CmdRegister:
		var data RegisterData
		if err := decodeData(req.Data, &data); err != nil {
			return failure("%v", err)
		}
		if strings.TrimSpace(data.SessionID) == "" {
			return failure("session_id is required")
		}
		defer s.lockSession(data.SessionID)()
		return s.handleRegister(ctx, data)
	case CmdUnregister, CmdHeartbeat, CmdGet:
		var ref SessionRef
		if err := decodeData(req.Data, &ref); err != nil {
			return failure("%v", err)
		}
		if strings.TrimSpace(ref.SessionID) == "" {
			return failure("session_id is required")
		}
		defer s.lockSession(ref.SessionID)()
		switch req.Command {
		case CmdUnregister:
			return s.handleUnregister(ctx, ref.SessionID)
		case CmdHeartbeat:
			return s.handleHeartbeat(ctx, ref.SessionID)
		default:
			return s.handleGet(ctx, ref.SessionID)
		}
	case CmdUpdateStatus:
		var data StatusData
		if err := decodeData(req.Data, &data); err != nil {
			return failure("%v", err)
		}
		if strings.TrimSpace(data.SessionID) == "" {
			return failure("session_id is required")
		}
		defer s.lockSession(data.SessionID)()
		return s.handleUpdateStatus(ctx, data)
	default:
		return failure("unknown command %q", req.Command)
	}
}

func (s *Server) handleRegister(ctx context.Context, data RegisterData) Reply {
	now := s.now().UTC()
	conversationID := strings.TrimSpace(data.ConversationID)
	if conversationID == "" {
		conversationID = data.SessionID
	}
	sess := model.Session{
		SessionID:      data.SessionID,
		ConversationID: conversationID,
		Project:        data.Project,
		Terminal:       data.Terminal,
		SocketPath:     data.SocketPath,
		TunnelID:       data.VibeTunnelID,
		Status:         model.StatusInitializing,
		Activity:       model.ActivityIdle,
		LastActivity:   now,
		LastHeartbeat:  &now,
	}
	if existing, err := s.store.GetSession(ctx, data.SessionID); err == nil {
		sess.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, db.ErrNotFound) {
		return failure("load session: %v", err)
	} else {
		sess.CreatedAt = now
	}

	thread, err := s.threadFor(ctx, conversationID, sess)
	if err != nil {
		return failure("open thread: %v", err)
	}
	sess.ThreadTS = thread.ThreadTS
	sess.Channel = thread.Channel

	if err := s.store.UpsertSession(ctx, sess); err != nil {
		return failure("store session: %v", err)
	}
	lc := s.manager.Reset(sess.SessionID, model.StatusInitializing)
	if err := lc.TransitionTo(ctx, model.StatusActive); err != nil {
		return failure("activate session: %v", err)
	}
	s.logger.Info("session registered", "session", sess.SessionID, "project", sess.Project, "thread", thread.ThreadTS)
	return s.sessionReply(ctx, sess.SessionID)
}

// threadFor returns the conversation's existing thread or opens one. Two
// sessions racing on a new conversation converge on whichever insert won.
func (s *Server) threadFor(ctx context.Context, conversationID string, sess model.Session) (model.Thread, error) {
	thread, err := s.store.GetThread(ctx, conversationID)
	if err == nil {
		return thread, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return model.Thread{}, err
	}
	candidate, err := s.threads.OpenThread(ctx, conversationID, sess)
	if err != nil {
		return model.Thread{}, err
	}
	candidate.ConversationID = conversationID
	thread, _, err = s.store.EnsureThread(ctx, candidate)
	return thread, err
}

func (s *Server) handleUnregister(ctx context.Context, sessionID string) Reply {
	lc, err := s.manager.Lifecycle(ctx, sessionID)
	if err != nil {
		return lookupFailure(sessionID, err)
	}
	if lc.State() == model.StatusInitializing {
		if err := lc.MarkCrashed(ctx); err != nil {
			return failure("%v", err)
		}
	} else if _, err := lc.MarkEnded(ctx); err != nil {
		return failure("%v", err)
	}
	s.logger.Info("session unregistered", "session", sessionID, "status", lc.State())
	return Reply{Success: true}
}

func (s *Server) handleHeartbeat(ctx context.Context, sessionID string) Reply {
	if err := s.store.TouchHeartbeat(ctx, sessionID, s.now().UTC()); err != nil {
		return lookupFailure(sessionID, err)
	}
	return Reply{Success: true}
}

// handleUpdateStatus accepts either an activity label from a proxy's classifier
// or a lifecycle state name.
func (s *Server) handleUpdateStatus(ctx context.Context, data StatusData) Reply {
	lc, err := s.manager.Lifecycle(ctx, data.SessionID)
	if err != nil {
		return lookupFailure(data.SessionID, err)
	}
	raw := strings.ToLower(strings.TrimSpace(data.Status))

	if label, ok := model.ParseActivity(raw); ok {
		if err := s.store.SetActivity(ctx, data.SessionID, label); err != nil {
			s.logger.Warn("store activity label", "session", data.SessionID, "err", err)
		}
		if _, err := lc.MarkActivity(ctx); err != nil {
			return failure("%v", err)
		}
		switch label {
		case model.ActivityWaiting:
			if _, err := lc.MarkWaiting(ctx); err != nil {
				return failure("%v", err)
			}
		case model.ActivityThinking, model.ActivityWriting:
			if lc.State() == model.StatusWaiting {
				if err := lc.TransitionTo(ctx, model.StatusActive); err != nil {
					return failure("%v", err)
				}
			}
		}
		return Reply{Success: true}
	}

	status, ok := model.ParseStatus(raw)
	if !ok {
		return failure("unknown status %q", data.Status)
	}
	if lc.State() == status {
		return Reply{Success: true}
	}
	if err := lc.TransitionTo(ctx, status); err != nil {
		return failure("%v", err)
	}
	if status == model.StatusActive {
		if _, err := lc.MarkActivity(ctx); err != nil {
			return failure("%v", err)
		}
	}
	return Reply{Success: true}
}

func (s *Server) handleGet(ctx context.Context, sessionID string) Reply {
	return s.sessionReply(ctx, sessionID)
}

func (s *Server) handleList(ctx context.Context) Reply {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return failure("list sessions: %v", err)
	}
	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionInfo(sess))
	}
	return Reply{Success: true, Sessions: out}
}

func (s *Server) sessionReply(ctx context.Context, sessionID string) Reply {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return lookupFailure(sessionID, err)
	}
	info := sessionInfo(sess)
	return Reply{Success: true, Session: &info}
}

// lockSession serializes work on one session with other requests and with
// the lifecycle manager's scan.
func (s *Server) lockSession(sessionID string) func() {
	return s.manager.LockSession(sessionID)
}

func (s *Server) acquireLock() error {
	lockPath := s.socketPath + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("registry already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}

func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.New("missing data")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("malformed data: %w", err)
	}
	return nil
}

func lookupFailure(sessionID string, err error) Reply {
	if errors.Is(err, db.ErrNotFound) {
		return failure("unknown session %s", sessionID)
	}
	return failure("%v", err)
}

func failure(format string, args ...any) Reply {
	return Reply{Success: false, Error: fmt.Sprintf(format, args...)}
}
