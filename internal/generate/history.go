package generate

import (
	"strings"
	"sync"
	"time"
)

// Line is one message seen in the target chat.
type Line struct {
	At    time.Time
	From  string
	Text  string
	IsBot bool
}

// History keeps the most recent lines of the target chat in a ring.
type History struct {
	mu    sync.Mutex
	lines []Line
	next  int
	full  bool
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 20
	}
	return &History{lines: make([]Line, size)}
}

func (h *History) Add(l Line) {
	if strings.TrimSpace(l.Text) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines[h.next] = l
	h.next = (h.next + 1) % len(h.lines)
	if h.next == 0 {
		h.full = true
	}
}

// Lines returns the buffered lines, oldest first.
func (h *History) Lines() []Line {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]Line(nil), h.lines[:h.next]...)
	}
	out := make([]Line, 0, len(h.lines))
	out = append(out, h.lines[h.next:]...)
	out = append(out, h.lines[:h.next]...)
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.lines)
	}
	return h.next
}
