package activity

import (
	"strings"
	"time"

	"github.com/g960059/termrelay/internal/model"
)

const (
	DefaultHistory          = 10
	DefaultWritingRateBytes = 1000.0
)

var (
	waitingCues  = []string{"(y/n)", "?", "continue?", "proceed?"}
	thinkingCues = []string{"thinking", "analyzing", "processing"}
)

type Option func(*Classifier)

func WithClock(now func() time.Time) Option {
	return func(c *Classifier) {
		c.now = now
	}
}

func WithHistory(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.maxHistory = n
		}
	}
}

func WithWritingRate(bytesPerSecond float64) Option {
	return func(c *Classifier) {
		if bytesPerSecond > 0 {
			c.writingRate = bytesPerSecond
		}
	}
}

// Classifier labels output chunks and reports a label only when it changes.
// It is owned by the proxy's I/O loop.
type Classifier struct {
	history     []string
	maxHistory  int
	writingRate float64
	rate        float64
	lastIO      time.Time
	current     model.ActivityLabel
	now         func() time.Time
}

func New(opts ...Option) *Classifier {
	c := &Classifier{
		maxHistory:  DefaultHistory,
		writingRate: DefaultWritingRateBytes,
		current:     model.ActivityIdle,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastIO = c.now()
	return c
}

// Process classifies p and returns the new label when it differs from the
// previously reported one.
func (c *Classifier) Process(p []byte) (model.ActivityLabel, bool) {
	text := strings.ToLower(strings.ToValidUTF8(string(p), ""))

	now := c.now()
	if elapsed := now.Sub(c.lastIO).Seconds(); elapsed > 0 {
		c.rate = float64(len(p)) / elapsed
	}
	c.lastIO = now

	c.history = append(c.history, text)
	if over := len(c.history) - c.maxHistory; over > 0 {
		c.history = append(c.history[:0], c.history[over:]...)
	}

	label := c.classify(text)
	if label == c.current {
		return "", false
	}
	c.current = label
	return label, true
}

func (c *Classifier) classify(text string) model.ActivityLabel {
	switch {
	case containsAny(text, waitingCues...):
		return model.ActivityWaiting
	case containsAny(text, thinkingCues...):
		return model.ActivityThinking
	case c.rate > c.writingRate:
		return model.ActivityWriting
	default:
		return model.ActivityIdle
	}
}

func (c *Classifier) Current() model.ActivityLabel {
	return c.current
}

// Rate is the bytes/sec estimate from the most recent chunk.
func (c *Classifier) Rate() float64 {
	return c.rate
}

// Recent returns the retained history, oldest first.
func (c *Classifier) Recent() []string {
	out := make([]string, len(c.history))
	copy(out, c.history)
	return out
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
