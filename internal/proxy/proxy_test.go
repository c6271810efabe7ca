package proxy

import (
	"bytes"
	"context"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/g960059/termrelay/internal/config"
	"github.com/g960059/termrelay/internal/logging"
	"github.com/g960059/termrelay/internal/registry"
	"github.com/g960059/termrelay/internal/testutil"
)

type fakeRegistry struct {
	mu           sync.Mutex
	registered   []registry.RegisterData
	unregistered []string
	statuses     []string
	heartbeats   int
}

func (r *fakeRegistry) Register(_ context.Context, data registry.RegisterData) registry.RegisterResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, data)
	return registry.Registered{Thread: "1700000000.000001", Channel: "#test"}
}

func (r *fakeRegistry) Unregister(_ context.Context, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = append(r.unregistered, sessionID)
	return true
}

func (r *fakeRegistry) Heartbeat(context.Context, string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
	return true
}

func (r *fakeRegistry) UpdateStatus(_ context.Context, _ string, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return true
}

type fakeSink struct {
	mu        sync.Mutex
	started   bool
	closed    bool
	delivered []string
}

func (s *fakeSink) Start(context.Context) {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
}

func (s *fakeSink) Deliver(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, text)
	return true
}

func (s *fakeSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.delivered, "")
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	proxy    *Proxy
	registry *fakeRegistry
	sink     *fakeSink
	stdout   *lockedBuffer
	stdinW   *os.File
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SocketDir = testutil.SocketDir(t)
	cfg.LogDir = t.TempDir()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.ShutdownGrace = 500 * time.Millisecond
	cfg.InjectSettle = 20 * time.Millisecond
	cfg.BufferInterval = 100 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, cfg config.Config, script string) *harness {
	t.Helper()
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		_ = stdinR.Close()
		_ = stdinW.Close()
	})
	transport, err := NewTransport(TransportPTY, stdinR)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	h := &harness{
		registry: &fakeRegistry{},
		sink:     &fakeSink{},
		stdout:   &lockedBuffer{},
		stdinW:   stdinW,
	}
	h.proxy, err = New(cfg, Options{
		SessionID: "abcd1234",
		Project:   "proj",
		Terminal:  "test",
		Command:   "/bin/sh",
		Args:      []string{"-c", script},
		Transport: transport,
		Registry:  h.registry,
		Sink:      h.sink,
		Logger:    logging.Discard(),
		Stdin:     stdinR,
		Stdout:    h.stdout,
	})
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}
	return h
}

func runWithTimeout(t *testing.T, p *Proxy, timeout time.Duration) (int, error) {
	t.Helper()
	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := p.Run(context.Background())
		done <- result{code, err}
	}()
	select {
	case r := <-done:
		return r.code, r.err
	case <-time.After(timeout):
		t.Fatalf("proxy did not finish within %s", timeout)
		return 0, nil
	}
}

func TestProxyRelaysAndDeliversOutput(t *testing.T) {
	h := newHarness(t, testConfig(t), `printf 'build started on main\n'; sleep 0.2`)
	code, err := runWithTimeout(t, h.proxy, 10*time.Second)
	if err != nil || code != 0 {
		t.Fatalf("run: code=%d err=%v", code, err)
	}
	if !strings.Contains(h.stdout.String(), "build started on main") {
		t.Fatalf("terminal did not receive output: %q", h.stdout.String())
	}
	if !strings.Contains(h.sink.joined(), "build started on main") {
		t.Fatalf("sink did not receive output: %q", h.sink.delivered)
	}

	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	if len(h.registry.registered) != 1 || h.registry.registered[0].SocketPath != h.proxy.SocketPath() {
		t.Fatalf("unexpected registrations %+v", h.registry.registered)
	}
	if len(h.registry.unregistered) != 1 {
		t.Fatalf("expected one unregister, got %v", h.registry.unregistered)
	}
	if !h.sink.closed {
		t.Fatalf("sink not closed on shutdown")
	}
	if _, err := os.Stat(h.proxy.SocketPath()); !os.IsNotExist(err) {
		t.Fatalf("session socket not removed: %v", err)
	}
}

func TestProxyPropagatesExitCode(t *testing.T) {
	h := newHarness(t, testConfig(t), `exit 3`)
	code, err := runWithTimeout(t, h.proxy, 10*time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 3 {
		t.Fatalf("expected exit 3, got %d", code)
	}
}

func TestProxyInjectsRemoteInputWithEnter(t *testing.T) {
	h := newHarness(t, testConfig(t), `read line; echo "received:$line"`)
	done := make(chan int, 1)
	go func() {
		code, _ := h.proxy.Run(context.Background())
		done <- code
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.Dial("unix", h.proxy.SocketPath())
		if err == nil {
			if _, err := conn.Write([]byte("hello relay\n")); err != nil {
				t.Fatalf("write remote input: %v", err)
			}
			_ = conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session socket never accepted: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("expected clean exit, got %d", code)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("child never received injected input")
	}
	if !strings.Contains(h.stdout.String(), "received:hello relay") {
		t.Fatalf("injected line not submitted: %q", h.stdout.String())
	}
}

func TestProxyReportsActivityChanges(t *testing.T) {
	h := newHarness(t, testConfig(t), `printf 'Overwrite the file? (y/n) '; sleep 0.3`)
	if _, err := runWithTimeout(t, h.proxy, 10*time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	if len(h.registry.statuses) == 0 || h.registry.statuses[0] != "waiting" {
		t.Fatalf("expected waiting status update, got %v", h.registry.statuses)
	}
}

func TestProxyFlushesTrailingOutputOnExit(t *testing.T) {
	cfg := testConfig(t)
	cfg.BufferInterval = time.Hour
	h := newHarness(t, cfg, `printf 'final words without newline'`)
	if _, err := runWithTimeout(t, h.proxy, 10*time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(h.sink.joined(), "final words without newline") {
		t.Fatalf("trailing output lost: %q", h.sink.delivered)
	}
}

func TestProxyStopsWhenTerminalCloses(t *testing.T) {
	h := newHarness(t, testConfig(t), `sleep 30`)
	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = h.stdinW.Close()
	}()
	if _, err := runWithTimeout(t, h.proxy, 10*time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	if len(h.registry.unregistered) != 1 {
		t.Fatalf("expected unregister on terminal close, got %v", h.registry.unregistered)
	}
}

func TestProxyRunsWithoutRegistry(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, `printf 'standalone output line\n'`)
	h.proxy.opts.Registry = registry.NewClient(cfg, logging.Discard())
	code, err := runWithTimeout(t, h.proxy, 10*time.Second)
	if err != nil || code != 0 {
		t.Fatalf("degraded run: code=%d err=%v", code, err)
	}
}

func TestProxyCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(t), `true`)
	if _, err := runWithTimeout(t, h.proxy, 10*time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}
	h.proxy.Close()
	h.proxy.Close()
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	if len(h.registry.unregistered) != 1 {
		t.Fatalf("expected exactly one unregister, got %d", len(h.registry.unregistered))
	}
}

func TestProxyLeavesForeignSocketPathAlone(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, `true`)
	path := cfg.SessionSocketPath("abcd1234")
	if err := os.WriteFile(path, []byte("not a socket"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := h.proxy.Run(context.Background()); err == nil {
		t.Fatalf("expected refusal for a non-socket path")
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "not a socket" {
		t.Fatalf("existing file was touched: %q %v", data, err)
	}
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	if len(h.registry.registered) != 0 || len(h.registry.unregistered) != 0 {
		t.Fatalf("unexpected registry traffic: registered=%v unregistered=%v", h.registry.registered, h.registry.unregistered)
	}
}

func TestProxyInjectsWhileSenderKeepsConnectionOpen(t *testing.T) {
	cfg := testConfig(t)
	cfg.CommandTimeout = 20 * time.Second
	cfg.ShortCommandTimeout = 20 * time.Second
	h := newHarness(t, cfg, `read line; echo "received:$line"`)
	done := make(chan int, 1)
	go func() {
		code, _ := h.proxy.Run(context.Background())
		done <- code
	}()

	var conn net.Conn
	deadline := time.Now().Add(5 * time.Second)
	for {
		var err error
		conn, err = net.Dial("unix", h.proxy.SocketPath())
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session socket never accepted: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer conn.Close() //nolint:errcheck
	if _, err := conn.Write([]byte("hello relay")); err != nil {
		t.Fatalf("write remote input: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("input was not injected while the connection stayed open")
	}
	if !strings.Contains(h.stdout.String(), "received:hello relay") {
		t.Fatalf("injected line not submitted: %q", h.stdout.String())
	}
}

func TestNewTransportRejectsUnknown(t *testing.T) {
	if _, err := NewTransport("carrier-pigeon", nil); err == nil {
		t.Fatalf("expected error for unknown transport")
	}
	for _, name := range []string{TransportPTY, TransportInner, TransportDirect} {
		tr, err := NewTransport(name, os.Stdin)
		if err != nil || tr.Name() != name {
			t.Fatalf("%s: got %v %v", name, tr, err)
		}
	}
}
