// Package buffer provides the bounded terminal transcript kept for the
// current run of a session.
package buffer

import (
	"strings"
	"sync"
)

// LineKind tags where a transcript entry came from.
type LineKind string

const (
	LineOutput LineKind = "output"
	LineError  LineKind = "error"
	LineInput  LineKind = "input"
)

// Line is one transcript entry. Output chunks are stored as received and
// need not end in a newline.
type Line struct {
	Kind LineKind
	Text string
}

// Terminal is a thread-safe transcript that holds the most recent entries up
// to a byte capacity. When the capacity is exceeded, whole entries are
// discarded from the front; a single entry larger than the capacity keeps
// only its trailing bytes.
type Terminal struct {
	mu       sync.RWMutex
	lines    []Line
	size     int
	capacity int
	dropped  int
}

// NewTerminal creates a Terminal holding at most capacity bytes of text.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewTerminal(capacity int) *Terminal {
	if capacity <= 0 {
		capacity = 1
	}
	return &Terminal{capacity: capacity}
}

// Append adds an entry. Empty text is ignored.
func (t *Terminal) Append(kind LineKind, text string) {
	if text == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(text) >= t.capacity {
		t.dropped += len(t.lines)
		t.lines = []Line{{Kind: kind, Text: text[len(text)-t.capacity:]}}
		t.size = t.capacity
		if len(text) > t.capacity {
			t.dropped++
		}
		return
	}

	t.lines = append(t.lines, Line{Kind: kind, Text: text})
	t.size += len(text)

	drop := 0
	for t.size > t.capacity {
		t.size -= len(t.lines[drop].Text)
		drop++
	}
	if drop > 0 {
		t.dropped += drop
		t.lines = append([]Line(nil), t.lines[drop:]...)
	}
}

// Write implements io.Writer by appending p as output.
func (t *Terminal) Write(p []byte) (int, error) {
	t.Append(LineOutput, string(p))
	return len(p), nil
}

// Lines returns a copy of the current entries, oldest first.
func (t *Terminal) Lines() []Line {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.lines) == 0 {
		return nil
	}
	out := make([]Line, len(t.lines))
	copy(out, t.lines)
	return out
}

// String concatenates the text of every entry.
func (t *Terminal) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var b strings.Builder
	b.Grow(t.size)
	for _, l := range t.lines {
		b.WriteString(l.Text)
	}
	return b.String()
}

// Clear removes every entry and resets the drop count.
func (t *Terminal) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines = nil
	t.size = 0
	t.dropped = 0
}

// Len returns the number of bytes held.
func (t *Terminal) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Cap returns the byte capacity.
func (t *Terminal) Cap() int {
	return t.capacity
}

// Dropped returns how many entries were discarded or truncated since the last Clear.
func (t *Terminal) Dropped() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropped
}
