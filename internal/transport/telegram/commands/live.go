package commands

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "autochat/internal/transport"
	logx "autochat/pkg/logx"
)

// LiveDisplay mirrors the countdown into one Telegram message that is edited
// in place. Edits are coalesced and rate limited; only the latest text is
// ever sent.
type LiveDisplay struct {
	adapter kit.Adapter
	log     logx.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	text   string
	sent   string
	ref    kit.MessageRef
	active bool

	wake chan struct{}
}

// NewLiveDisplay edits at most once per every.
func NewLiveDisplay(adapter kit.Adapter, every time.Duration, log logx.Logger) *LiveDisplay {
	if every <= 0 {
		every = 3 * time.Second
	}
	return &LiveDisplay{
		adapter: adapter,
		log:     log.With(logx.String("comp", "live_display")),
		limiter: rate.NewLimiter(rate.Every(every), 1),
		text:    "Timer: Stopped",
		wake:    make(chan struct{}, 1),
	}
}

// SetInterval changes the minimum spacing between edits.
func (d *LiveDisplay) SetInterval(every time.Duration) {
	if every <= 0 {
		every = 3 * time.Second
	}
	d.limiter.SetLimit(rate.Every(every))
}

// Interval returns the current minimum spacing between edits.
func (d *LiveDisplay) Interval() time.Duration {
	return time.Duration(math.Round(float64(time.Second) / float64(d.limiter.Limit())))
}

// SetCountdown records the latest countdown text. It never blocks.
func (d *LiveDisplay) SetCountdown(text string) {
	d.mu.Lock()
	d.text = text
	active := d.active
	d.mu.Unlock()
	if active {
		d.signal()
	}
}

func (d *LiveDisplay) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

// Watch posts a fresh countdown message into chat and follows it from now
// on. A previous watch message is abandoned.
func (d *LiveDisplay) Watch(ctx context.Context, chat kit.ChatTarget) error {
	text := d.Text()
	ref, err := d.adapter.SendText(ctx, chat, text, &kit.SendOptions{Silent: true})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.ref = ref
	d.sent = text
	d.active = true
	d.mu.Unlock()
	return nil
}

// Unwatch stops editing. It reports whether a watch was active.
func (d *LiveDisplay) Unwatch() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	was := d.active
	d.active = false
	d.ref = kit.MessageRef{}
	return was
}

// Run applies pending edits until ctx is done.
func (d *LiveDisplay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return nil
		}

		d.mu.Lock()
		text, ref, active := d.text, d.ref, d.active
		stale := text == d.sent
		d.mu.Unlock()
		if !active || stale {
			continue
		}

		ectx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := d.adapter.EditText(ectx, ref, text, nil)
		cancel()
		if err != nil {
			d.log.Debug("countdown edit failed", logx.Err(err))
			continue
		}
		d.mu.Lock()
		if d.ref == ref {
			d.sent = text
		}
		d.mu.Unlock()
	}
}

func (d *LiveDisplay) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
