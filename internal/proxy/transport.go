package proxy

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"unsafe"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	TransportPTY    = "pty"
	TransportDirect = "direct"
	TransportInner  = "inner"
)

// Transport connects the driven process to a terminal.
type Transport interface {
	Name() string
	Start(cmd *exec.Cmd) error
	// Input receives the real terminal's keystrokes. Nil when the child reads
	// the terminal itself.
	Input() *os.File
	// Output carries the child's output for relaying. Nil when the child
	// writes the terminal itself.
	Output() *os.File
	// Inject writes bytes as if typed on the child's terminal.
	Inject(p []byte) error
	Resize() error
	Wait() (int, error)
	Close() error
}

// NewTransport returns the named transport. stdin is the real terminal.
func NewTransport(name string, stdin *os.File) (Transport, error) {
	switch name {
	case "", TransportPTY:
		return &ptyTransport{name: TransportPTY, term: stdin}, nil
	case TransportInner:
		return &ptyTransport{name: TransportInner, term: stdin, inner: true}, nil
	case TransportDirect:
		return &directTransport{term: stdin}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

// ptyTransport gives the child its own pseudo-terminal and keeps the master.
// The inner variant allocates the pair itself and leaves the window size at
// the kernel default, for hosts whose outer session already owns resizing.
type ptyTransport struct {
	name  string
	term  *os.File
	inner bool

	mu     sync.Mutex
	cmd    *exec.Cmd
	master *os.File
	closed bool
}

func (t *ptyTransport) Name() string { return t.name }

func (t *ptyTransport) Start(cmd *exec.Cmd) error {
	var (
		master *os.File
		err    error
	)
	if t.inner {
		master, err = startInner(cmd)
	} else if t.term != nil && term.IsTerminal(int(t.term.Fd())) {
		size, serr := pty.GetsizeFull(t.term)
		if serr != nil {
			master, err = pty.Start(cmd)
		} else {
			master, err = pty.StartWithSize(cmd, size)
		}
	} else {
		master, err = pty.Start(cmd)
	}
	if err != nil {
		return fmt.Errorf("%s start: %w", t.name, err)
	}
	t.mu.Lock()
	t.cmd = cmd
	t.master = master
	t.mu.Unlock()
	return nil
}

func startInner(cmd *exec.Cmd) (*os.File, error) {
	master, tty, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer tty.Close() //nolint:errcheck
	cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true
	cmd.SysProcAttr.Ctty = 0
	if err := cmd.Start(); err != nil {
		master.Close() //nolint:errcheck
		return nil, err
	}
	return master, nil
}

func (t *ptyTransport) Input() *os.File {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.master
}

func (t *ptyTransport) Output() *os.File {
	return t.Input()
}

func (t *ptyTransport) Inject(p []byte) error {
	master := t.Input()
	if master == nil {
		return errors.New("transport not started")
	}
	_, err := master.Write(p)
	return err
}

func (t *ptyTransport) Resize() error {
	if t.inner || t.term == nil {
		return nil
	}
	master := t.Input()
	if master == nil {
		return nil
	}
	return pty.InheritSize(t.term, master)
}

func (t *ptyTransport) Wait() (int, error) {
	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()
	return waitExit(cmd)
}

func (t *ptyTransport) process() *os.Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil {
		return nil
	}
	return t.cmd.Process
}

func (t *ptyTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.master == nil {
		return nil
	}
	t.closed = true
	return t.master.Close()
}

// directTransport runs the child on the real terminal with no pty of its own.
// Injection pushes bytes into the terminal's input queue one at a time.
type directTransport struct {
	term *os.File

	mu  sync.Mutex
	cmd *exec.Cmd
}

func (t *directTransport) Name() string { return TransportDirect }

func (t *directTransport) Start(cmd *exec.Cmd) error {
	cmd.Stdin, cmd.Stdout, cmd.Stderr = t.term, os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("direct start: %w", err)
	}
	t.mu.Lock()
	t.cmd = cmd
	t.mu.Unlock()
	return nil
}

func (t *directTransport) Input() *os.File  { return nil }
func (t *directTransport) Output() *os.File { return nil }

func (t *directTransport) Inject(p []byte) error {
	if t.term == nil {
		return errors.New("no controlling terminal")
	}
	fd := t.term.Fd()
	for _, b := range p {
		if err := tiocsti(fd, b); err != nil {
			return fmt.Errorf("TIOCSTI: %w", err)
		}
	}
	return nil
}

// tiocsti pushes c into the terminal's input queue. The ioctl reads a single
// char through the pointer.
func tiocsti(fd uintptr, c byte) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(unix.TIOCSTI), uintptr(unsafe.Pointer(&c))); errno != 0 {
		return errno
	}
	return nil
}

func (t *directTransport) Resize() error { return nil }

func (t *directTransport) Wait() (int, error) {
	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()
	return waitExit(cmd)
}

func (t *directTransport) process() *os.Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil {
		return nil
	}
	return t.cmd.Process
}

func (t *directTransport) Close() error { return nil }

func waitExit(cmd *exec.Cmd) (int, error) {
	if cmd == nil {
		return -1, errors.New("transport not started")
	}
	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
