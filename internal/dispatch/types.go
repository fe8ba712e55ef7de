package dispatch

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoContent is returned when the generator finished without text.
	ErrNoContent = errors.New("dispatch: generation produced no content")
	// ErrCooldown marks a send skipped by the throttle cooldown.
	ErrCooldown = errors.New("dispatch: cooldown active")
)

// Cooldown is the minimum spacing between sends while throttle safety is on.
const Cooldown = 120 * time.Second

// DefaultGenerationTimeout bounds the wait for delegated content.
const DefaultGenerationTimeout = 30 * time.Second

type Status string

const (
	StatusSent    Status = "sent"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

type Mode string

const (
	ModeDirect    Mode = "direct"
	ModeDelegated Mode = "delegated"
)

// Result describes one dispatch attempt. Err is set for skipped and failed
// outcomes; it is informational, the caller never has to act on it.
type Result struct {
	CycleID string
	Cycle   int
	Status  Status
	Mode    Mode
	At      time.Time
	Seconds int
	Text    string
	Err     error
	Took    time.Duration
}

// Poster posts text into the target conversation.
type Poster interface {
	Post(ctx context.Context, text string) error
}

// Delegate is the host generation feature.
//
// Trigger starts generation; hint is the rendered template. Generated blocks
// until non-empty content is available or ctx is done.
type Delegate interface {
	Trigger(ctx context.Context, hint string) error
	Generated(ctx context.Context) (string, error)
}

type cycleKey struct{}

// WithCycle attaches the cycle number to ctx for the dispatch log.
func WithCycle(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, cycleKey{}, n)
}

func cycleFrom(ctx context.Context) int {
	n, _ := ctx.Value(cycleKey{}).(int)
	return n
}
