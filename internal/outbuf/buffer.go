// Package outbuf batches raw child output into text chunks for delivery.
//
// A chunk is flushed as soon as the buffer holds a newline, reaches the size
// threshold, or has gone the time threshold without a flush. Every byte added is
// returned by exactly one flush, in order, and a flush never splits a UTF-8
// character unless its remaining bytes fail to arrive within the time threshold.
package outbuf

import (
	"bytes"
	"time"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

const (
	DefaultSize     = 2048
	DefaultInterval = 500 * time.Millisecond
)

type Option func(*Buffer)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		b.now = now
	}
}

// Buffer is owned by the proxy's I/O loop and is not safe for concurrent use.
type Buffer struct {
	buf       []byte
	size      int
	interval  time.Duration
	lastFlush time.Time
	// heldAt is when the current partial character at the tail was first
	// held back; zero when nothing is held.
	heldAt time.Time
	now    func() time.Time
}

func New(size int, interval time.Duration, opts ...Option) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	b := &Buffer{
		size:     size,
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastFlush = b.now()
	b.buf = make([]byte, 0, size)
	return b
}

// Add appends p and returns the flushed text when a flush condition holds. A
// multi-byte character split across reads stays buffered until it completes.
func (b *Buffer) Add(p []byte) (string, bool) {
	if len(p) > 0 {
		b.buf = append(b.buf, p...)
		b.heldAt = time.Time{}
	}
	if len(b.buf) == 0 {
		return "", false
	}
	if bytes.IndexByte(p, '\n') >= 0 || len(b.buf) >= b.size || b.now().Sub(b.lastFlush) >= b.interval {
		return b.flushComplete()
	}
	return "", false
}

// FlushDue flushes pending bytes once they have waited out the time threshold.
// A partial character is released only after it has waited a full interval on
// its own.
func (b *Buffer) FlushDue() (string, bool) {
	if !b.Due() {
		return "", false
	}
	return b.flushComplete()
}

// Flush returns everything buffered, partial characters included, and resets
// the buffer. It returns "" when nothing is pending.
func (b *Buffer) Flush() string {
	text := b.take(len(b.buf))
	b.lastFlush = b.now()
	return text
}

func (b *Buffer) Pending() int {
	return len(b.buf)
}

// Due reports whether pending bytes have waited out the time threshold.
func (b *Buffer) Due() bool {
	return len(b.buf) > 0 && !b.now().Before(b.deadline())
}

// Remaining is how long until pending bytes become due; zero when nothing is pending
// or they are already due.
func (b *Buffer) Remaining() time.Duration {
	if len(b.buf) == 0 {
		return 0
	}
	left := b.deadline().Sub(b.now())
	if left < 0 {
		return 0
	}
	return left
}

func (b *Buffer) deadline() time.Time {
	d := b.lastFlush.Add(b.interval)
	if !b.heldAt.IsZero() && len(b.buf) == incompleteUTF8Tail(b.buf) {
		if held := b.heldAt.Add(b.interval); held.After(d) {
			d = held
		}
	}
	return d
}

func (b *Buffer) flushComplete() (string, bool) {
	tail := incompleteUTF8Tail(b.buf)
	if tail > 0 && tail == len(b.buf) && !b.heldAt.IsZero() && b.now().Sub(b.heldAt) >= b.interval {
		tail = 0
	}
	text := b.take(len(b.buf) - tail)
	if tail > 0 && b.heldAt.IsZero() {
		b.heldAt = b.now()
	}
	if text == "" {
		return "", false
	}
	b.lastFlush = b.now()
	return text, true
}

// take removes and decodes the first n buffered bytes.
func (b *Buffer) take(n int) string {
	if n <= 0 {
		return ""
	}
	text := decode(b.buf[:n])
	b.buf = append(b.buf[:0], b.buf[n:]...)
	if len(b.buf) == 0 {
		b.heldAt = time.Time{}
	}
	return text
}

// incompleteUTF8Tail returns how many trailing bytes start a multi-byte
// sequence that has not finished yet.
func incompleteUTF8Tail(data []byte) int {
	n := len(data)
	if n == 0 || data[n-1] < 0x80 {
		return 0
	}
	for i := 0; i < 4 && i < n; i++ {
		c := data[n-1-i]
		if c&0xC0 == 0x80 {
			continue
		}
		var want int
		switch {
		case c&0xE0 == 0xC0:
			want = 2
		case c&0xF0 == 0xE0:
			want = 3
		case c&0xF8 == 0xF0:
			want = 4
		default:
			return 0
		}
		if have := i + 1; have < want {
			return have
		}
		return 0
	}
	return 0
}

func decode(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	if out, err := unicode.UTF8.NewDecoder().Bytes(raw); err == nil {
		return string(out)
	}
	if out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw); err == nil {
		return string(out)
	}
	return string(raw)
}
