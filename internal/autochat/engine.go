package autochat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autochat/internal/dispatch"
	"autochat/internal/eventbus"
	"autochat/internal/settings"
	logx "autochat/pkg/logx"
)

// ErrInvalidRange is returned by Start when StrictRange is on and
// min_interval is not below max_interval.
var ErrInvalidRange = errors.New("autochat: min interval must be below max interval")

const DefaultTickInterval = 250 * time.Millisecond

// Settings is the part of the settings model the engine needs.
type Settings interface {
	Current() settings.Config
	SetEnabled(ctx context.Context, v bool) (settings.Config, error)
}

// Dispatcher emits the message of an expired cycle.
type Dispatcher interface {
	Dispatch(ctx context.Context, cfg settings.Config, realized time.Duration, lastSendAt time.Time) dispatch.Result
}

// Notifier shows best-effort toasts to the operator.
type Notifier interface {
	Info(ctx context.Context, text string)
	Warn(ctx context.Context, text string)
	Error(ctx context.Context, text string)
}

// Display receives the countdown text ("Timer: 42s", "Timer: Stopped").
type Display interface {
	SetCountdown(text string)
}

// StoppedEvent is the payload of eventbus.TypeEngineStopped.
type StoppedEvent struct {
	Reason   string
	Cycles   int
	Terminal bool
}

// ArmedEvent is the payload of eventbus.TypeCycleArmed.
type ArmedEvent struct {
	Cycle    int
	Duration time.Duration
	Startup  bool
}

// Engine is the scheduler state machine. One engine owns at most one pending
// expiry.
//
// Every arm and stop bumps gen; timer callbacks carry the gen they were
// armed with and bail out when it is stale. run plays the same role for the
// tick loop.
type Engine struct {
	settings   Settings
	dispatcher Dispatcher
	policy     *Policy
	clock      Clock
	log        logx.Logger
	notify     Notifier
	display    Display
	bus        eventbus.Bus

	tick            time.Duration
	strict          bool
	dispatchTimeout time.Duration

	mu             sync.Mutex
	st             State
	gen            uint64
	run            uint64
	expiry         Timer
	ticker         Timer
	cancelDispatch context.CancelFunc

	// displayMu orders display writes; it is taken before mu, never after.
	displayMu sync.Mutex
	shown     string
}

// Tuning holds the engine knobs that may change while it runs.
type Tuning struct {
	TickInterval    time.Duration
	StrictRange     bool
	DispatchTimeout time.Duration
}

type Option func(*Engine)

func WithClock(c Clock) Option           { return func(e *Engine) { e.clock = c } }
func WithPolicy(p *Policy) Option        { return func(e *Engine) { e.policy = p } }
func WithLogger(l logx.Logger) Option    { return func(e *Engine) { e.log = l } }
func WithNotifier(n Notifier) Option     { return func(e *Engine) { e.notify = n } }
func WithDisplay(d Display) Option       { return func(e *Engine) { e.display = d } }
func WithBus(b eventbus.Bus) Option      { return func(e *Engine) { e.bus = b } }
func WithStrictRange(strict bool) Option { return func(e *Engine) { e.strict = strict } }
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tick = d
		}
	}
}

// WithDispatchTimeout caps a whole dispatch (generation plus post).
// 0 leaves it bounded only by Stop.
func WithDispatchTimeout(d time.Duration) Option {
	return func(e *Engine) { e.dispatchTimeout = d }
}

// Tune swaps the runtime knobs. The tick interval applies from the next
// tick, the dispatch timeout from the next expiry and strict range from the
// next Start.
func (e *Engine) Tune(t Tuning) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.TickInterval > 0 {
		e.tick = t.TickInterval
	}
	e.strict = t.StrictRange
	e.dispatchTimeout = max(t.DispatchTimeout, 0)
}

// Tuning returns the current runtime knobs.
func (e *Engine) Tuning() Tuning {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Tuning{TickInterval: e.tick, StrictRange: e.strict, DispatchTimeout: e.dispatchTimeout}
}

func NewEngine(s Settings, d Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		settings:   s,
		dispatcher: d,
		clock:      SystemClock{},
		tick:       DefaultTickInterval,
		st:         State{Phase: PhaseStopped, FirstCycle: true},
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	if e.policy == nil {
		e.policy = NewPolicy(nil)
	}
	if e.notify == nil {
		e.notify = nopNotifier{}
	}
	e.log = e.log.With(logx.String("comp", "autochat"))
	return e
}

// Start moves the engine from Stopped to Running. Calling it while Running
// is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.st.Phase == PhaseRunning {
		e.mu.Unlock()
		e.log.Debug("start ignored; already running")
		return nil
	}
	cfg := e.settings.Current()
	if e.strict && cfg.MinInterval >= cfg.MaxInterval {
		e.mu.Unlock()
		if _, err := e.settings.SetEnabled(ctx, false); err != nil {
			e.log.Warn("revert enabled failed", logx.Err(err))
		}
		msg := fmt.Sprintf("AutoChat not started: min interval (%ds) must be below max interval (%ds).", cfg.MinInterval, cfg.MaxInterval)
		e.notify.Error(ctx, msg)
		e.log.Warn("start rejected", logx.Int("min", cfg.MinInterval), logx.Int("max", cfg.MaxInterval))
		return ErrInvalidRange
	}

	// Running implies enabled. This also undoes a terminal stop that
	// persisted enabled=false while an owner was re-enabling.
	if !cfg.Enabled {
		if _, err := e.settings.SetEnabled(ctx, true); err != nil {
			e.log.Warn("persist enabled failed", logx.Err(err))
		}
	}

	e.st = State{Phase: PhaseRunning, FirstCycle: true}
	e.run++
	run := e.run
	armed := e.armLocked(cfg)
	e.startTickLocked()
	text := countdownText(e.st, e.clock.Now())
	e.mu.Unlock()

	e.log.Info("started", logx.String("config", cfg.String()))
	e.publish(eventbus.TypeEngineStarted, nil)
	e.publish(eventbus.TypeCycleArmed, armed)
	e.show(text, run)
	return nil
}

// Stop moves the engine to Stopped, cancelling the pending expiry, the tick
// loop and any in-flight dispatch. It reports whether the engine was running.
func (e *Engine) Stop(reason string) bool {
	e.mu.Lock()
	cycles := e.st.Cycles
	ok := e.stopLocked()
	run := e.run
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.log.Info("stopped", logx.String("reason", reason), logx.Int("cycles", cycles))
	e.publish(eventbus.TypeEngineStopped, StoppedEvent{Reason: reason, Cycles: cycles})
	e.show(stoppedText, run)
	return true
}

func (e *Engine) Restart(ctx context.Context) error {
	e.Stop("restart")
	return e.Start(ctx)
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.Phase == PhaseRunning
}

// Countdown returns the current display string.
func (e *Engine) Countdown() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return countdownText(e.st, e.clock.Now())
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	st := e.st
	now := e.clock.Now()
	e.mu.Unlock()

	snap := Snapshot{State: st}
	snap.Limit, snap.Bounded = e.settings.Current().Limit()
	if st.Phase == PhaseRunning {
		snap.Remaining = remaining(st, now)
		snap.NextAt = st.StartedAt.Add(st.Realized)
	}
	return snap
}

// armLocked draws the next duration and arms the single expiry timer.
func (e *Engine) armLocked(cfg settings.Config) ArmedEvent {
	if e.expiry != nil {
		e.expiry.Stop()
		e.expiry = nil
	}
	e.gen++
	gen := e.gen

	startup := e.st.FirstCycle
	d := e.policy.Next(cfg, &e.st)
	e.st.StartedAt = e.clock.Now()
	e.st.Realized = d
	e.expiry = e.clock.AfterFunc(d, func() { e.expire(gen) })

	e.log.Debug("armed", logx.Int("cycle", e.st.Cycles+1), logx.Duration("in", d), logx.Bool("startup", startup))
	return ArmedEvent{Cycle: e.st.Cycles + 1, Duration: d, Startup: startup}
}

func (e *Engine) stopLocked() bool {
	if e.st.Phase != PhaseRunning {
		return false
	}
	e.gen++
	e.run++
	if e.expiry != nil {
		e.expiry.Stop()
		e.expiry = nil
	}
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
	if e.cancelDispatch != nil {
		e.cancelDispatch()
		e.cancelDispatch = nil
	}
	e.st = State{Phase: PhaseStopped, FirstCycle: true}
	return true
}

func (e *Engine) expire(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || e.st.Phase != PhaseRunning {
		e.mu.Unlock()
		return
	}
	e.expiry = nil
	cfg := e.settings.Current()
	realized, last, cycle := e.st.Realized, e.st.LastSendAt, e.st.Cycles+1

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if e.dispatchTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), e.dispatchTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	e.cancelDispatch = cancel
	e.st.Dispatching = true
	e.mu.Unlock()

	res := e.dispatcher.Dispatch(dispatch.WithCycle(ctx, cycle), cfg, realized, last)
	cancel()
	e.publish(eventbus.TypeDispatched, res)

	e.mu.Lock()
	if gen != e.gen || e.st.Phase != PhaseRunning {
		// Stopped while dispatching.
		e.mu.Unlock()
		return
	}
	e.cancelDispatch = nil
	e.st.Dispatching = false
	e.st.Cycles++
	if res.Status == dispatch.StatusSent {
		e.st.LastSendAt = res.At
	}

	// Limit and intervals are re-read so edits made during the cycle apply.
	cfg = e.settings.Current()
	if limit, ok := cfg.Limit(); ok && e.st.Cycles >= limit {
		cycles := e.st.Cycles
		e.stopLocked()
		run := e.run
		e.mu.Unlock()
		e.finish(cycles, run)
		return
	}
	armed := e.armLocked(cfg)
	run := e.run
	text := countdownText(e.st, e.clock.Now())
	e.mu.Unlock()

	e.publish(eventbus.TypeCycleArmed, armed)
	e.show(text, run)
}

// finish handles the terminal stop after the repeat limit is reached. run
// is the stop's run number; enabled is only cleared if no Start came since.
func (e *Engine) finish(cycles int, run uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.mu.Lock()
	restarted := run != e.run || e.st.Phase != PhaseStopped
	if !restarted {
		if _, err := e.settings.SetEnabled(ctx, false); err != nil {
			e.log.Warn("persist disabled after repeat limit failed", logx.Err(err))
		}
	}
	e.mu.Unlock()

	e.log.Info("repeat limit reached", logx.Int("cycles", cycles), logx.Bool("restarted", restarted))
	e.notify.Info(ctx, fmt.Sprintf("AutoChat finished after %d message(s) and is now disabled.", cycles))
	e.publish(eventbus.TypeEngineStopped, StoppedEvent{Reason: "repeat limit reached", Cycles: cycles, Terminal: true})
	e.show(stoppedText, run)
}

func (e *Engine) startTickLocked() {
	if e.ticker != nil {
		e.ticker.Stop()
	}
	run := e.run
	e.ticker = e.clock.AfterFunc(e.tick, func() { e.onTick(run) })
}

func (e *Engine) onTick(run uint64) {
	e.mu.Lock()
	if run != e.run || e.st.Phase != PhaseRunning {
		e.mu.Unlock()
		return
	}
	text := countdownText(e.st, e.clock.Now())
	e.ticker = e.clock.AfterFunc(e.tick, func() { e.onTick(run) })
	e.mu.Unlock()
	e.show(text, run)
}

// show pushes text to the display when it changed. Text computed under an
// older run is dropped, so a late tick cannot overwrite "Timer: Stopped".
func (e *Engine) show(text string, run uint64) {
	if e.display == nil {
		return
	}
	e.displayMu.Lock()
	defer e.displayMu.Unlock()

	e.mu.Lock()
	stale := run != e.run
	e.mu.Unlock()
	if stale || text == e.shown {
		return
	}
	e.shown = text
	e.display.SetCountdown(text)
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.clock.Now(), Data: data})
}

type nopNotifier struct{}

func (nopNotifier) Info(context.Context, string)  {}
func (nopNotifier) Warn(context.Context, string)  {}
func (nopNotifier) Error(context.Context, string) {}
