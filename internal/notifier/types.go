package notifier

import (
	"context"
	"time"

	kit "autochat/internal/transport"
)

// Config controls the async toast pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Sender is the part of the transport adapter the notifier uses.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Level is the severity of a toast; it picks the leading emoji.
type Level int

const (
	LevelInfo Level = iota + 1
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return "unknown"
}

func (l Level) prefix() string {
	switch l {
	case LevelError:
		return "🚨 "
	case LevelWarn:
		return "⚠️ "
	case LevelInfo:
		return "ℹ️ "
	}
	return ""
}

// Toast is one operator message.
type Toast struct {
	Level  Level
	Target kit.ChatTarget
	Text   string
}

// Event types published on the bus.
const (
	TypeQueued  = "notifier.queued"
	TypeDeduped = "notifier.deduped"
	TypeDropped = "notifier.dropped"
	TypeSent    = "notifier.sent"
	TypeFailed  = "notifier.failed"
)

// ToastEvent is the payload of notifier bus events.
type ToastEvent struct {
	Level    string    `json:"level"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
