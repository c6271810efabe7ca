package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/g960059/termrelay/internal/activity"
	"github.com/g960059/termrelay/internal/config"
	"github.com/g960059/termrelay/internal/delivery"
	"github.com/g960059/termrelay/internal/outbuf"
	"github.com/g960059/termrelay/internal/registry"
)

// Registry is the slice of the registry client the proxy uses.
type Registry interface {
	Register(ctx context.Context, data registry.RegisterData) registry.RegisterResult
	Unregister(ctx context.Context, sessionID string) bool
	Heartbeat(ctx context.Context, sessionID string) bool
	UpdateStatus(ctx context.Context, sessionID, status string) bool
}

// Sink receives accepted output chunks.
type Sink interface {
	Start(ctx context.Context)
	Deliver(text string) bool
	Close(ctx context.Context) error
}

type Options struct {
	SessionID      string
	ConversationID string
	Project        string
	Terminal       string
	TunnelID       string

	Command string
	Args    []string
	Dir     string
	Env     []string

	Transport Transport
	Registry  Registry
	Sink      Sink
	Logger    *log.Logger

	Stdin  *os.File
	Stdout io.Writer
	// Banner receives the startup banner; nil disables it.
	Banner io.Writer
}

// Proxy runs one driven process and relays its terminal.
type Proxy struct {
	cfg        config.Config
	opts       Options
	socketPath string
	logger     *log.Logger

	buffer     *outbuf.Buffer
	classifier *activity.Classifier
	filter     delivery.Filter

	injectCh chan []byte
	statusCh chan string
	exited   chan exitResult

	mu         sync.Mutex
	listener   net.Listener
	termState  *term.State
	stopLoops  context.CancelFunc
	group      *errgroup.Group
	started    bool
	listening  bool
	registered bool
	childAlive bool
	exit       exitResult

	cleanup sync.Once
}

type exitResult struct {
	code int
	err  error
}

func New(cfg config.Config, opts Options) (*Proxy, error) {
	if strings.TrimSpace(opts.SessionID) == "" {
		return nil, errors.New("session id is required")
	}
	if opts.Command == "" {
		return nil, errors.New("command is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	return &Proxy{
		cfg:        cfg,
		opts:       opts,
		socketPath: cfg.SessionSocketPath(opts.SessionID),
		logger:     opts.Logger.With("session", opts.SessionID),
		buffer:     outbuf.New(cfg.BufferSize, cfg.BufferInterval),
		classifier: activity.New(activity.WithHistory(cfg.ActivityHistory), activity.WithWritingRate(cfg.WritingRateBytes)),
		filter:     delivery.NewFilter(cfg.NoiseTokens, cfg.MinVisibleChars),
		injectCh:   make(chan []byte, max(cfg.InjectQueue, 1)),
		statusCh:   make(chan string, 8),
		exited:     make(chan exitResult, 1),
		exit:       exitResult{code: -1},
	}, nil
}

func (p *Proxy) SocketPath() string {
	return p.socketPath
}

// Run starts the child and relays until it exits, the terminal closes, or ctx
// is cancelled. It returns the child's exit code.
func (p *Proxy) Run(ctx context.Context) (int, error) {
	if err := p.listen(); err != nil {
		p.Close()
		return 1, err
	}
	p.register(ctx)
	if p.opts.Sink != nil {
		p.opts.Sink.Start(ctx)
	}
	p.printBanner()

	cmd := exec.Command(p.opts.Command, p.opts.Args...)
	cmd.Dir = p.opts.Dir
	cmd.Env = append(append(os.Environ(), p.opts.Env...),
		"TERMRELAY_SESSION_ID="+p.opts.SessionID,
		"TERMRELAY_SESSION_SOCKET="+p.socketPath,
	)
	if err := p.opts.Transport.Start(cmd); err != nil {
		p.Close()
		return 1, fmt.Errorf("start %s: %w", filepath.Base(p.opts.Command), err)
	}
	p.mu.Lock()
	p.childAlive = true
	p.mu.Unlock()
	p.logger.Info("child started", "transport", p.opts.Transport.Name(), "command", p.opts.Command, "pid", cmd.Process.Pid)
	go func() {
		code, err := p.opts.Transport.Wait()
		p.exited <- exitResult{code: code, err: err}
	}()

	if p.opts.Transport.Input() != nil {
		p.makeRaw()
	}

	loopCtx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	p.mu.Lock()
	p.stopLoops = stop
	p.group = g
	p.started = true
	p.mu.Unlock()

	g.Go(func() error { p.heartbeatLoop(gctx); return nil })
	g.Go(func() error { p.acceptLoop(gctx); return nil })
	g.Go(func() error { p.injectLoop(gctx); return nil })
	g.Go(func() error { p.statusLoop(gctx); return nil })
	g.Go(func() error { p.resizeLoop(gctx); return nil })
	g.Go(func() error {
		<-gctx.Done()
		p.closeListener()
		return nil
	})

	var loopErr error
	if p.opts.Transport.Output() != nil {
		loopErr = p.relay(gctx)
	} else {
		loopErr = p.waitChild(gctx)
	}
	if loopErr != nil {
		p.logger.Warn("relay ended", "err", loopErr)
	}

	p.Close()

	p.mu.Lock()
	res := p.exit
	p.mu.Unlock()
	if res.err != nil {
		return 1, fmt.Errorf("wait for child: %w", res.err)
	}
	if res.code < 0 {
		return 1, nil
	}
	return res.code, nil
}

func (p *Proxy) listen() error {
	if err := os.MkdirAll(filepath.Dir(p.socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if st, err := os.Lstat(p.socketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("socket path exists and is not unix socket: %s", p.socketPath)
		}
		if err := os.Remove(p.socketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", p.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.socketPath, err)
	}
	if err := os.Chmod(p.socketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	p.mu.Lock()
	p.listener = ln
	p.listening = true
	p.mu.Unlock()
	return nil
}

func (p *Proxy) register(ctx context.Context) {
	if p.opts.Registry == nil {
		return
	}
	res := p.opts.Registry.Register(ctx, registry.RegisterData{
		SessionID:      p.opts.SessionID,
		Project:        p.opts.Project,
		Terminal:       p.opts.Terminal,
		SocketPath:     p.socketPath,
		VibeTunnelID:   p.opts.TunnelID,
		ConversationID: p.opts.ConversationID,
	})
	switch r := res.(type) {
	case registry.Registered:
		p.mu.Lock()
		p.registered = true
		p.mu.Unlock()
		p.logger.Info("registered", "thread", r.Thread, "channel", r.Channel)
	case registry.Unavailable:
		p.logger.Info("running without registry")
	case registry.Failed:
		p.logger.Warn("registration failed", "reason", r.Reason)
	}
}

// relay multiplexes the real terminal and the child's output until either
// side reaches end of file or ctx is done.
func (p *Proxy) relay(ctx context.Context) error {
	outFd := int(p.opts.Transport.Output().Fd())
	inFd := int(p.opts.Transport.Input().Fd())
	stdinFd := int(p.opts.Stdin.Fd())
	buf := make([]byte, max(p.cfg.ReadChunk, 1))

	fds := []unix.PollFd{
		{Fd: int32(stdinFd), Events: unix.POLLIN},
		{Fd: int32(outFd), Events: unix.POLLIN},
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		fds[0].Revents, fds[1].Revents = 0, 0
		n, err := unix.Poll(fds, p.pollTimeout())
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			p.flushDue()
			continue
		}

		if fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			rn, err := unix.Read(stdinFd, buf)
			if rn <= 0 {
				if err != nil && errors.Is(err, unix.EAGAIN) {
					continue
				}
				p.logger.Info("terminal input closed", "err", err)
				return nil
			}
			if err := writeAll(inFd, buf[:rn]); err != nil {
				return fmt.Errorf("write to child: %w", err)
			}
		}

		if fds[1].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			rn, err := unix.Read(outFd, buf)
			if rn <= 0 {
				if err != nil && errors.Is(err, unix.EAGAIN) {
					continue
				}
				// EIO once the child side of the pty is gone.
				p.logger.Info("child output closed", "err", err)
				return nil
			}
			p.handleOutput(buf[:rn])
		}
		p.flushDue()
	}
}

func (p *Proxy) handleOutput(chunk []byte) {
	if _, err := p.opts.Stdout.Write(chunk); err != nil {
		p.logger.Warn("write terminal", "err", err)
	}
	if text, ok := p.buffer.Add(chunk); ok {
		p.deliver(text)
	}
	if label, changed := p.classifier.Process(chunk); changed {
		select {
		case p.statusCh <- string(label):
		default:
			p.logger.Debug("status update dropped", "label", label)
		}
	}
}

func (p *Proxy) flushDue() {
	if text, ok := p.buffer.FlushDue(); ok {
		p.deliver(text)
	}
}

func (p *Proxy) deliver(text string) {
	if p.opts.Sink == nil || !p.filter.Accept(text) {
		return
	}
	p.opts.Sink.Deliver(text)
}

func (p *Proxy) pollTimeout() int {
	bound := p.cfg.PollBound
	if bound <= 0 {
		bound = time.Second
	}
	if p.buffer.Pending() > 0 {
		if rem := p.buffer.Remaining(); rem < bound {
			bound = rem
		}
	}
	ms := int(bound / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return ms
}

// waitChild is the relay for transports where the child owns the terminal.
func (p *Proxy) waitChild(ctx context.Context) error {
	select {
	case res := <-p.exited:
		p.recordExit(res)
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (p *Proxy) heartbeatLoop(ctx context.Context) {
	if p.opts.Registry == nil || p.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.opts.Registry.Heartbeat(ctx, p.opts.SessionID) {
				p.logger.Debug("heartbeat not acknowledged")
			}
		}
	}
}

func (p *Proxy) statusLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case label := <-p.statusCh:
			if p.opts.Registry == nil {
				continue
			}
			if !p.opts.Registry.UpdateStatus(ctx, p.opts.SessionID, label) {
				p.logger.Debug("status update not acknowledged", "label", label)
			}
		}
	}
}

// acceptLoop takes one remote-input connection at a time and queues its
// payload for the injector.
func (p *Proxy) acceptLoop(ctx context.Context) {
	p.mu.Lock()
	ln := p.listener
	p.mu.Unlock()
	if ln == nil {
		return
	}
	chunk := max(p.cfg.InjectChunk, 1)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			p.logger.Warn("accept remote input", "err", err)
			continue
		}
		unblock := context.AfterFunc(ctx, func() { _ = conn.Close() })
		payload, err := readPayload(conn, chunk, p.cfg.ShortCommandTimeout)
		unblock()
		conn.Close() //nolint:errcheck
		if err != nil {
			p.logger.Warn("read remote input", "err", err)
			continue
		}
		if len(payload) == 0 {
			continue
		}
		select {
		case p.injectCh <- payload:
		case <-ctx.Done():
			return
		}
	}
}

// readPayload takes a single read of at most limit bytes; the sender may keep
// the connection open.
func readPayload(conn net.Conn, limit int, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	buf := make([]byte, limit)
	n, err := conn.Read(buf)
	if n == 0 && err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return []byte(strings.TrimSpace(string(buf[:n]))), nil
}

// injectLoop types each queued payload followed by a carriage return once
// the text has settled.
func (p *Proxy) injectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-p.injectCh:
			if err := p.opts.Transport.Inject(payload); err != nil {
				p.logger.Warn("inject input", "err", err)
				continue
			}
			if p.cfg.InjectSettle > 0 {
				timer := time.NewTimer(p.cfg.InjectSettle)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			if err := p.opts.Transport.Inject([]byte{'\r'}); err != nil {
				p.logger.Warn("inject enter", "err", err)
				continue
			}
			p.logger.Info("remote input injected", "bytes", len(payload))
		}
	}
}

func (p *Proxy) resizeLoop(ctx context.Context) {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-winch:
			if err := p.opts.Transport.Resize(); err != nil {
				p.logger.Debug("resize", "err", err)
			}
		}
	}
}

func (p *Proxy) makeRaw() {
	fd := int(p.opts.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		p.logger.Warn("raw mode", "err", err)
		return
	}
	p.mu.Lock()
	p.termState = state
	p.mu.Unlock()
}

// Close stops the proxy. Every step runs even when an earlier one fails, and
// only the first call has any effect.
func (p *Proxy) Close() {
	p.cleanup.Do(p.shutdown)
}

func (p *Proxy) shutdown() {
	p.mu.Lock()
	stop, group, started := p.stopLoops, p.group, p.started
	listening, registered := p.listening, p.registered
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	p.closeListener()
	if group != nil {
		_ = group.Wait()
	}

	if rest := p.buffer.Flush(); rest != "" {
		p.deliver(rest)
	}
	if p.opts.Sink != nil {
		graceCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownGrace)
		if err := p.opts.Sink.Close(graceCtx); err != nil {
			p.logger.Warn("output not fully delivered", "err", err)
		}
		cancel()
	}

	if p.opts.Registry != nil && registered {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CommandTimeout)
		if p.opts.Registry.Unregister(ctx, p.opts.SessionID) {
			p.logger.Info("unregistered")
		}
		cancel()
	}

	if listening {
		if err := os.Remove(p.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("remove socket", "err", err)
		}
	}

	p.restoreTerminal()

	if started {
		p.reap()
	}
	if err := p.opts.Transport.Close(); err != nil {
		p.logger.Debug("close transport", "err", err)
	}
	p.logger.Info("session ended", "exit", p.exitCode())
}

func (p *Proxy) closeListener() {
	p.mu.Lock()
	ln := p.listener
	p.listener = nil
	p.mu.Unlock()
	if ln != nil {
		ln.Close() //nolint:errcheck
	}
}

func (p *Proxy) restoreTerminal() {
	p.mu.Lock()
	state := p.termState
	p.termState = nil
	p.mu.Unlock()
	if state == nil {
		return
	}
	if err := term.Restore(int(p.opts.Stdin.Fd()), state); err != nil {
		p.logger.Warn("restore terminal", "err", err)
	}
}

// reap collects the child's exit status, hanging it up first if it is still
// running after the grace period.
func (p *Proxy) reap() {
	p.mu.Lock()
	alive := p.childAlive
	p.mu.Unlock()
	if !alive {
		return
	}
	grace := p.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	select {
	case res := <-p.exited:
		p.recordExit(res)
		return
	case <-time.After(10 * time.Millisecond):
	}

	if err := p.opts.Transport.Close(); err != nil {
		p.logger.Debug("close transport", "err", err)
	}
	p.signalChild(syscall.SIGHUP)
	select {
	case res := <-p.exited:
		p.recordExit(res)
		return
	case <-time.After(grace):
	}
	p.signalChild(syscall.SIGKILL)
	select {
	case res := <-p.exited:
		p.recordExit(res)
	case <-time.After(grace):
		p.logger.Warn("child did not exit")
	}
}

func (p *Proxy) signalChild(sig syscall.Signal) {
	type processCarrier interface{ process() *os.Process }
	if pc, ok := p.opts.Transport.(processCarrier); ok {
		if proc := pc.process(); proc != nil {
			_ = proc.Signal(sig)
		}
	}
}

func (p *Proxy) recordExit(res exitResult) {
	p.mu.Lock()
	p.childAlive = false
	p.exit = res
	p.mu.Unlock()
	if res.err != nil {
		p.logger.Warn("child wait", "err", res.err)
		return
	}
	p.logger.Info("child exited", "code", res.code)
}

func (p *Proxy) exitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit.code
}

func (p *Proxy) printBanner() {
	if p.opts.Banner == nil {
		return
	}
	line := strings.Repeat("─", 50)
	fmt.Fprintf(p.opts.Banner, "\n%s\ntermrelay session %s\nproject:   %s\nterminal:  %s\nsocket:    %s\ntransport: %s\n",
		line, p.opts.SessionID, p.opts.Project, p.opts.Terminal, p.socketPath, p.opts.Transport.Name())
	if p.opts.TunnelID != "" {
		fmt.Fprintf(p.opts.Banner, "tunnel:    %s\n", p.opts.TunnelID)
	}
	fmt.Fprintf(p.opts.Banner, "%s\n\n", line)
}

func writeAll(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return err
		}
		p = p[n:]
	}
	return nil
}
