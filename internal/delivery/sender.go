package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/g960059/termrelay/internal/model"
)

var ErrSinkUnavailable = errors.New("output sink not available")

// Message is one delivered chunk as written to the output sink socket.
type Message struct {
	SessionID string             `json:"session_id"`
	Output    string             `json:"output"`
	Type      model.OutputStream `json:"type"`
	Timestamp string             `json:"timestamp"`
	Sequence  int64              `json:"sequence"`
}

type SenderOptions struct {
	SocketPath string
	Timeout    time.Duration
	QueueSize  int
	Redact     bool
	Logger     *log.Logger
}

// Sender forwards accepted chunks to the output sink, one connection per
// message. Deliver never blocks: chunks that do not fit the queue are dropped,
// and failed sends are logged and not retried.
type Sender struct {
	sessionID  string
	socketPath string
	timeout    time.Duration
	redact     bool
	logger     *log.Logger

	mu      sync.Mutex
	queue   chan string
	started bool
	closed  bool
	done    chan struct{}

	sequence  atomic.Int64
	available atomic.Bool
	watcher   *fsnotify.Watcher
	watchDone chan struct{}

	dropLog rate.Sometimes
	failLog rate.Sometimes
}

func NewSender(sessionID string, opts SenderOptions) *Sender {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Sender{
		sessionID:  sessionID,
		socketPath: filepath.Clean(opts.SocketPath),
		timeout:    opts.Timeout,
		redact:     opts.Redact,
		logger:     opts.Logger.With("sink", filepath.Base(opts.SocketPath)),
		queue:      make(chan string, opts.QueueSize),
		done:       make(chan struct{}),
		dropLog:    rate.Sometimes{First: 1, Interval: time.Minute},
		failLog:    rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// Start launches the delivery worker and begins watching the sink's directory.
func (s *Sender) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	s.startWatch(ctx)
	go s.run()
}

// Deliver enqueues text for sending and reports whether it was accepted.
func (s *Sender) Deliver(text string) bool {
	if text == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- text:
		return true
	default:
		s.dropLog.Do(func() {
			s.logger.Warn("delivery queue full, dropping chunk", "bytes", len(text))
		})
		return false
	}
}

// Close stops accepting chunks and waits for queued ones to be sent until ctx ends.
func (s *Sender) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	close(s.queue)
	s.mu.Unlock()

	var err error
	if started {
		select {
		case <-s.done:
		case <-ctx.Done():
			err = fmt.Errorf("drain delivery queue: %w", ctx.Err())
		}
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
		<-s.watchDone
	}
	return err
}

// Sequence is the number of the last message handed to the sink.
func (s *Sender) Sequence() int64 {
	return s.sequence.Load()
}

func (s *Sender) Available() bool {
	if s.watcher != nil {
		return s.available.Load()
	}
	return socketExists(s.socketPath)
}

func (s *Sender) run() {
	defer close(s.done)
	for text := range s.queue {
		if err := s.send(text); err != nil {
			if errors.Is(err, ErrSinkUnavailable) {
				s.logger.Debug("output sink missing, chunk dropped", "bytes", len(text))
				continue
			}
			s.failLog.Do(func() {
				s.logger.Warn("output delivery failed", "err", err)
			})
		}
	}
}

func (s *Sender) send(text string) error {
	if !s.Available() {
		return ErrSinkUnavailable
	}
	if s.redact {
		text = Redact(text)
	}
	msg := Message{
		SessionID: s.sessionID,
		Output:    text,
		Type:      model.StreamStdout,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Sequence:  s.sequence.Add(1),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	payload = append(payload, '\n')

	conn, err := net.DialTimeout("unix", s.socketPath, s.timeout)
	if err != nil {
		return fmt.Errorf("dial sink: %w", err)
	}
	defer conn.Close() //nolint:errcheck
	if err := conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write sink: %w", err)
	}
	return nil
}

func (s *Sender) startWatch(ctx context.Context) {
	s.available.Store(socketExists(s.socketPath))
	s.logAvailability(s.available.Load())

	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("sink watcher unavailable, falling back to stat", "err", err)
		return
	}
	if err := w.Add(filepath.Dir(s.socketPath)); err != nil {
		_ = w.Close()
		s.logger.Warn("sink watcher unavailable, falling back to stat", "err", err)
		return
	}
	s.watcher = w
	s.watchDone = make(chan struct{})
	go func() {
		defer close(s.watchDone)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != s.socketPath {
					continue
				}
				switch {
				case ev.Has(fsnotify.Create):
					if !s.available.Swap(true) {
						s.logAvailability(true)
					}
				case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
					if s.available.Swap(false) {
						s.logAvailability(false)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("sink watcher error", "err", err)
			}
		}
	}()
}

func (s *Sender) logAvailability(ok bool) {
	if ok {
		s.logger.Info("output sink available", "path", s.socketPath)
		return
	}
	s.logger.Info("output sink not found, chunks will be dropped until it appears", "path", s.socketPath)
}

func socketExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode()&os.ModeSocket != 0
}
