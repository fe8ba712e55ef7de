package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"autochat/internal/settings"
	"autochat/internal/storage"
	logx "autochat/pkg/logx"
)

// Dispatcher emits the message for an expired cycle.
type Dispatcher struct {
	poster   Poster
	delegate Delegate
	store    storage.Store
	log      logx.Logger
	now      func() time.Time

	// mu guards the fields below; they follow config reloads.
	mu         sync.RWMutex
	genTimeout time.Duration
	chatID     int64
	threadID   int
}

type Option func(*Dispatcher)

func WithDelegate(d Delegate) Option      { return func(x *Dispatcher) { x.delegate = d } }
func WithStore(s storage.Store) Option    { return func(x *Dispatcher) { x.store = s } }
func WithLogger(l logx.Logger) Option     { return func(x *Dispatcher) { x.log = l } }
func WithNow(now func() time.Time) Option { return func(x *Dispatcher) { x.now = now } }
func WithTarget(chatID int64, threadID int) Option {
	return func(x *Dispatcher) { x.chatID, x.threadID = chatID, threadID }
}

// WithGenerationTimeout bounds the delegated wait. d <= 0 keeps the default.
func WithGenerationTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.genTimeout = d
		}
	}
}

// SetGenerationTimeout changes the delegated wait bound. d <= 0 restores
// the default.
func (d *Dispatcher) SetGenerationTimeout(t time.Duration) {
	if t <= 0 {
		t = DefaultGenerationTimeout
	}
	d.mu.Lock()
	d.genTimeout = t
	d.mu.Unlock()
}

// SetTarget changes the chat recorded in the dispatch log.
func (d *Dispatcher) SetTarget(chatID int64, threadID int) {
	d.mu.Lock()
	d.chatID, d.threadID = chatID, threadID
	d.mu.Unlock()
}

func New(poster Poster, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		poster:     poster,
		now:        time.Now,
		genTimeout: DefaultGenerationTimeout,
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	d.log = d.log.With(logx.String("comp", "dispatch"))
	return d
}

// Dispatch sends the message for one cycle of length realized. Failures are
// logged and reported in the Result; they never panic or block past ctx.
func (d *Dispatcher) Dispatch(ctx context.Context, cfg settings.Config, realized time.Duration, lastSendAt time.Time) Result {
	start := d.now()
	res := Result{
		CycleID: uuid.NewString(),
		Cycle:   cycleFrom(ctx),
		Mode:    ModeDirect,
		Seconds: wholeSeconds(realized),
	}
	if cfg.DelegatedGeneration {
		res.Mode = ModeDelegated
	}

	switch {
	case cfg.ThrottleSafety && !lastSendAt.IsZero() && start.Sub(lastSendAt) < Cooldown:
		res.Status = StatusSkipped
		res.Err = fmt.Errorf("%w: last send %s ago", ErrCooldown, start.Sub(lastSendAt).Truncate(time.Second))
	default:
		text, err := d.emit(ctx, cfg, realized, &res)
		res.Text = text
		if err != nil {
			res.Status = StatusFailed
			res.Err = err
		} else {
			res.Status = StatusSent
		}
	}

	res.At = d.now()
	res.Took = res.At.Sub(start)
	d.record(res)
	return res
}

func (d *Dispatcher) emit(ctx context.Context, cfg settings.Config, realized time.Duration, res *Result) (string, error) {
	text := Render(cfg.MessageTemplate, realized)
	if res.Mode == ModeDelegated {
		if d.delegate == nil {
			d.log.Warn("delegated generation requested but no generator configured; posting template")
			res.Mode = ModeDirect
		} else {
			gen, err := d.generate(ctx, text)
			if err != nil {
				return "", err
			}
			text = gen
		}
	}
	if d.poster == nil {
		return text, errors.New("dispatch: no poster configured")
	}
	if err := d.poster.Post(ctx, text); err != nil {
		return text, fmt.Errorf("dispatch: post: %w", err)
	}
	return text, nil
}

func (d *Dispatcher) generate(ctx context.Context, hint string) (string, error) {
	d.mu.RLock()
	limit := d.genTimeout
	d.mu.RUnlock()
	gctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	if err := d.delegate.Trigger(gctx, hint); err != nil {
		return "", fmt.Errorf("dispatch: trigger generation: %w", err)
	}
	text, err := d.delegate.Generated(gctx)
	if err != nil {
		return "", fmt.Errorf("dispatch: wait generation: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrNoContent
	}
	return text, nil
}

func (d *Dispatcher) record(res Result) {
	lvl := d.log.Info
	fields := []logx.Field{
		logx.String("cycle_id", res.CycleID),
		logx.Int("cycle", res.Cycle),
		logx.String("status", string(res.Status)),
		logx.String("mode", string(res.Mode)),
		logx.Int("seconds", res.Seconds),
		logx.Duration("took", res.Took),
	}
	switch res.Status {
	case StatusFailed:
		lvl = d.log.Warn
		fields = append(fields, logx.Err(res.Err))
	case StatusSkipped:
		fields = append(fields, logx.String("reason", errString(res.Err)))
	}
	lvl("dispatch", fields...)

	if d.store == nil {
		return
	}
	d.mu.RLock()
	chatID, threadID := d.chatID, d.threadID
	d.mu.RUnlock()
	e := storage.DispatchEntry{
		At:       res.At,
		CycleID:  res.CycleID,
		Cycle:    res.Cycle,
		Seconds:  res.Seconds,
		Mode:     string(res.Mode),
		Status:   string(res.Status),
		Text:     res.Text,
		Error:    errString(res.Err),
		TookMS:   res.Took.Milliseconds(),
		ChatID:   chatID,
		ThreadID: threadID,
	}
	// Detached from the dispatch ctx: a cancelled cycle is still worth a log line.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.AppendDispatch(ctx, e); err != nil {
		d.log.Warn("dispatch log append failed", logx.Err(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
