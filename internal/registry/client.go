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
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/g960059/termrelay/internal/config"
)

// ErrUnavailable is returned when no registry socket exists.
var ErrUnavailable = errors.New("registry unavailable")

// Client talks to the registry daemon. Every call opens its own connection and
// failures never propagate as panics: callers get a typed result or false.
type Client struct {
	socketPath   string
	timeout      time.Duration
	shortTimeout time.Duration
	logger       *log.Logger
	seq          atomic.Uint64
	degraded     rate.Sometimes
}

func NewClient(cfg config.Config, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		socketPath:   cfg.RegistrySocketPath(),
		timeout:      cfg.CommandTimeout,
		shortTimeout: cfg.ShortCommandTimeout,
		logger:       logger,
		degraded:     rate.Sometimes{First: 1},
	}
}

// Available reports whether the registry socket exists.
func (c *Client) Available() bool {
	st, err := os.Stat(c.socketPath)
	if err != nil || st.Mode()&os.ModeSocket == 0 {
		c.degraded.Do(func() {
			c.logger.Warn("registry not running; continuing without registration", "socket", c.socketPath)
		})
		return false
	}
	return true
}

func (c *Client) Register(ctx context.Context, data RegisterData) RegisterResult {
	if !c.Available() {
		return Unavailable{}
	}
	reply, err := c.call(ctx, c.timeout, CmdRegister, data)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return Unavailable{}
		}
		return Failed{Reason: err.Error()}
	}
	if !reply.Success {
		return Failed{Reason: reply.Error}
	}
	if reply.Session == nil {
		return Failed{Reason: "registry reply carried no session"}
	}
	return Registered{Thread: reply.Session.ThreadTS, Channel: reply.Session.Channel, Session: *reply.Session}
}

func (c *Client) Unregister(ctx context.Context, sessionID string) bool {
	return c.simple(ctx, c.timeout, CmdUnregister, SessionRef{SessionID: sessionID})
}

func (c *Client) Heartbeat(ctx context.Context, sessionID string) bool {
	return c.simple(ctx, c.shortTimeout, CmdHeartbeat, SessionRef{SessionID: sessionID})
}

func (c *Client) UpdateStatus(ctx context.Context, sessionID, status string) bool {
	return c.simple(ctx, c.shortTimeout, CmdUpdateStatus, StatusData{SessionID: sessionID, Status: status})
}

func (c *Client) Get(ctx context.Context, sessionID string) (SessionInfo, error) {
	if !c.Available() {
		return SessionInfo{}, ErrUnavailable
	}
	reply, err := c.call(ctx, c.timeout, CmdGet, SessionRef{SessionID: sessionID})
	if err != nil {
		return SessionInfo{}, err
	}
	if !reply.Success {
		return SessionInfo{}, errors.New(reply.Error)
	}
	if reply.Session == nil {
		return SessionInfo{}, errors.New("registry reply carried no session")
	}
	return *reply.Session, nil
}

func (c *Client) List(ctx context.Context) ([]SessionInfo, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}
	reply, err := c.call(ctx, c.timeout, CmdList, nil)
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		return nil, errors.New(reply.Error)
	}
	return reply.Sessions, nil
}

func (c *Client) simple(ctx context.Context, timeout time.Duration, cmd Command, data any) bool {
	if !c.Available() {
		return false
	}
	reply, err := c.call(ctx, timeout, cmd, data)
	if err != nil {
		return false
	}
	if !reply.Success {
		c.logger.Warn("registry rejected request", "command", cmd, "err", reply.Error)
		return false
	}
	return true
}

func (c *Client) call(ctx context.Context, timeout time.Duration, cmd Command, data any) (Reply, error) {
	seq := c.seq.Add(1)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := Request{Command: cmd}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Reply{}, fmt.Errorf("encode %s data: %w", cmd, err)
		}
		req.Data = raw
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("encode %s: %w", cmd, err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		c.logger.Warn("registry dial failed", "command", cmd, "seq", seq, "err", err)
		if errors.Is(err, os.ErrNotExist) {
			return Reply{}, ErrUnavailable
		}
		return Reply{}, fmt.Errorf("dial registry: %w", err)
	}
	defer conn.Close() //nolint:errcheck
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(append(payload, '\n')); err != nil {
		c.logger.Warn("registry write failed", "command", cmd, "seq", seq, "err", err)
		return Reply{}, fmt.Errorf("write %s: %w", cmd, err)
	}
	line, err := bufio.NewReader(io.LimitReader(conn, maxMessageBytes)).ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		c.logger.Warn("registry read failed", "command", cmd, "seq", seq, "err", err)
		return Reply{}, fmt.Errorf("read %s reply: %w", cmd, err)
	}
	var reply Reply
	if err := json.Unmarshal(line, &reply); err != nil {
		c.logger.Warn("registry reply malformed", "command", cmd, "seq", seq, "err", err)
		return Reply{}, fmt.Errorf("decode %s reply: %w", cmd, err)
	}
	c.logger.Debug("registry call", "command", cmd, "seq", seq, "success", reply.Success)
	return reply, nil
}
