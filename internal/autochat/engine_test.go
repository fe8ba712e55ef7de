package autochat

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	"autochat/internal/dispatch"
	"autochat/internal/eventbus"
	"autochat/internal/settings"
	"autochat/internal/storage"
	logx "autochat/pkg/logx"
)

const testTick = 250 * time.Millisecond

type harness struct {
	clock   *fakeClock
	store   storage.Store
	model   *settings.Model
	poster  *recPoster
	display *recDisplay
	notify  *recNotifier
	engine  *Engine
	ctrl    *Controller
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:   newFakeClock(),
		store:   storage.NewMemory(),
		poster:  &recPoster{},
		display: &recDisplay{},
		notify:  &recNotifier{},
	}
	h.model = settings.New(h.store, logx.Nop(), settings.WithDebounce(0))
	if _, err := h.model.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := dispatch.New(h.poster, dispatch.WithNow(h.clock.Now), dispatch.WithStore(h.store))
	base := []Option{
		WithClock(h.clock),
		WithPolicy(NewPolicy(rand.NewSource(1))),
		WithDisplay(h.display),
		WithNotifier(h.notify),
		WithTickInterval(testTick),
	}
	h.engine = NewEngine(h.model, d, append(base, opts...)...)
	h.ctrl = NewController(h.model, h.engine, logx.Nop())
	return h
}

func (h *harness) set(t *testing.T, field settings.Field, raw string) {
	t.Helper()
	if _, err := h.model.Update(context.Background(), field, raw); err != nil {
		t.Fatalf("Update(%s): %v", field, err)
	}
}

func (h *harness) storedEnabled(t *testing.T) bool {
	t.Helper()
	b, err := h.store.GetRecord(context.Background(), settings.Namespace)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	return strings.Contains(string(b), `"enabled":true`)
}

func TestScenarioStartupThenRandomWithRepeatLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.set(t, settings.FieldMinInterval, "5")
	h.set(t, settings.FieldMaxInterval, "5")
	h.set(t, settings.FieldStartupInterval, "10")
	h.set(t, settings.FieldRepeatLimit, "2")
	h.set(t, settings.FieldMessageTemplate, "T {seconds}")

	if _, err := h.ctrl.OnToggleEnabled(context.Background(), true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !h.storedEnabled(t) {
		t.Fatalf("enabled not persisted")
	}

	h.clock.Advance(9 * time.Second)
	if got := h.poster.messages(); len(got) != 0 {
		t.Fatalf("sent early: %v", got)
	}
	h.clock.Advance(time.Second)
	if got := h.poster.messages(); !reflect.DeepEqual(got, []string{"T 10"}) {
		t.Fatalf("after 10s sent %v", got)
	}
	if !h.engine.Running() {
		t.Fatalf("engine stopped after first cycle")
	}

	h.clock.Advance(5 * time.Second)
	if got := h.poster.messages(); !reflect.DeepEqual(got, []string{"T 10", "T 5"}) {
		t.Fatalf("after 15s sent %v", got)
	}
	if h.engine.Running() {
		t.Fatalf("engine still running after repeat limit")
	}
	if h.model.Current().Enabled || h.storedEnabled(t) {
		t.Fatalf("enabled not cleared")
	}
	if got := h.display.last(); got != "Timer: Stopped" {
		t.Fatalf("display = %q", got)
	}
	if len(h.notify.infos) != 1 {
		t.Fatalf("infos = %v", h.notify.infos)
	}
	if n := h.clock.pending(-1); n != 0 {
		t.Fatalf("%d timers left armed", n)
	}

	entries, _ := h.store.RecentDispatches(context.Background(), 10)
	if len(entries) != 2 || entries[0].Cycle != 2 || entries[1].Cycle != 1 {
		t.Fatalf("dispatch log = %+v", entries)
	}
}

func TestDoubleStartArmsOneExpiry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.set(t, settings.FieldMessageTemplate, "x")
	ctx := context.Background()

	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if n := h.clock.pending(testTick); n != 1 {
		t.Fatalf("pending expiries = %d, want 1", n)
	}
	if err := h.engine.Restart(ctx); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if n := h.clock.pending(testTick); n != 1 {
		t.Fatalf("pending expiries after restart = %d, want 1", n)
	}

	h.clock.Advance(time.Duration(settings.DefaultStartupInterval) * time.Second)
	if got := h.poster.messages(); len(got) != 1 {
		t.Fatalf("sent %d messages, want 1", len(got))
	}
}

func TestManualStopResetsFirstCycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.set(t, settings.FieldMinInterval, "5")
	h.set(t, settings.FieldMaxInterval, "5")
	h.set(t, settings.FieldStartupInterval, "10")
	h.set(t, settings.FieldMessageTemplate, "{seconds}")
	ctx := context.Background()

	if _, err := h.ctrl.OnToggleEnabled(ctx, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	h.clock.Advance(15 * time.Second)
	if got := h.poster.messages(); !reflect.DeepEqual(got, []string{"10", "5"}) {
		t.Fatalf("sent %v", got)
	}
	if snap := h.engine.Snapshot(); snap.FirstCycle || snap.Cycles != 2 {
		t.Fatalf("snapshot after reschedule = %+v", snap)
	}

	if _, err := h.ctrl.OnToggleEnabled(ctx, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if snap := h.engine.Snapshot(); snap.Phase != PhaseStopped || snap.Cycles != 0 || !snap.FirstCycle {
		t.Fatalf("snapshot after stop = %+v", snap)
	}
	if got := h.engine.Countdown(); got != "Timer: Stopped" {
		t.Fatalf("countdown = %q", got)
	}

	if _, err := h.ctrl.OnToggleEnabled(ctx, true); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	h.clock.Advance(5 * time.Second)
	if got := len(h.poster.messages()); got != 2 {
		t.Fatalf("fired before startup interval: %d", got)
	}
	h.clock.Advance(5 * time.Second)
	if got := h.poster.messages(); got[len(got)-1] != "10" {
		t.Fatalf("first cycle after re-enable sent %q", got[len(got)-1])
	}
}

func TestUnboundedNeverSelfStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.set(t, settings.FieldMinInterval, "1")
	h.set(t, settings.FieldMaxInterval, "3")
	h.set(t, settings.FieldStartupInterval, "1")

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.Advance(10 * time.Minute)
	if !h.engine.Running() {
		t.Fatalf("unbounded engine stopped")
	}
	if n := len(h.poster.messages()); n < 200 {
		t.Fatalf("only %d sends in 10m with max 3s", n)
	}
}

func TestStrictRangeRejectsStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithStrictRange(true))
	h.set(t, settings.FieldMinInterval, "5")
	h.set(t, settings.FieldMaxInterval, "5")

	_, err := h.ctrl.OnToggleEnabled(context.Background(), true)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("err = %v, want ErrInvalidRange", err)
	}
	if h.engine.Running() || h.model.Current().Enabled {
		t.Fatalf("engine or enabled flag left on")
	}
	if len(h.notify.errors) != 1 {
		t.Fatalf("errors = %v", h.notify.errors)
	}
	if n := h.clock.pending(-1); n != 0 {
		t.Fatalf("%d timers armed after rejection", n)
	}
}

func TestCountdownIsDriftFree(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.set(t, settings.FieldStartupInterval, "10")

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.engine.Countdown(); got != "Timer: 10s" {
		t.Fatalf("at start %q", got)
	}
	h.clock.Advance(250 * time.Millisecond)
	if got := h.display.last(); got != "Timer: 10s" {
		t.Fatalf("after 250ms display %q", got)
	}
	h.clock.Advance(8*time.Second + 750*time.Millisecond)
	if got := h.display.last(); got != "Timer: 1s" {
		t.Fatalf("after 9s display %q", got)
	}
	h.clock.Advance(500 * time.Millisecond)
	if got := h.engine.Countdown(); got != "Timer: 1s" {
		t.Fatalf("after 9.5s %q", got)
	}
}

func TestStopCancelsInFlightDispatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.poster.block = make(chan struct{})
	h.poster.entered = make(chan struct{})
	h.set(t, settings.FieldStartupInterval, "1")

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.clock.Advance(time.Second)
	}()

	select {
	case <-h.poster.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch never started")
	}
	if !h.engine.Snapshot().Dispatching {
		t.Fatalf("snapshot does not report dispatching")
	}
	h.engine.Stop("manual")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch not cancelled by Stop")
	}
	if h.engine.Running() {
		t.Fatalf("engine running after stop")
	}
	if n := h.clock.pending(-1); n != 0 {
		t.Fatalf("%d timers re-armed after stop during dispatch", n)
	}
}

func TestEnginePublishesEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	h := newHarness(t, WithBus(bus))
	h.set(t, settings.FieldStartupInterval, "1")
	h.set(t, settings.FieldRepeatLimit, "1")
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.Advance(time.Second)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	want := []string{eventbus.TypeEngineStarted, eventbus.TypeCycleArmed, eventbus.TypeDispatched, eventbus.TypeEngineStopped}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestPolicy(t *testing.T) {
	t.Parallel()
	p := NewPolicy(rand.NewSource(42))
	cfg := settings.Config{MinInterval: 3, MaxInterval: 6, StartupInterval: 30}

	st := State{FirstCycle: true}
	if d := p.Next(cfg, &st); d != 30*time.Second || st.FirstCycle {
		t.Fatalf("first draw = %s, flag %v", d, st.FirstCycle)
	}
	seen := map[time.Duration]bool{}
	for i := 0; i < 500; i++ {
		d := p.Next(cfg, &st)
		if d < 3*time.Second || d > 6*time.Second || d%time.Second != 0 {
			t.Fatalf("draw %s out of range", d)
		}
		seen[d] = true
	}
	if len(seen) != 4 {
		t.Fatalf("draws cover %d of 4 values", len(seen))
	}

	cfg.MaxInterval = 3
	if d := p.Next(cfg, &st); d != 3*time.Second {
		t.Fatalf("min==max draw = %s", d)
	}
}

func TestCooldownSkipCountsTowardRepeatLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.set(t, settings.FieldMinInterval, "5")
	h.set(t, settings.FieldMaxInterval, "5")
	h.set(t, settings.FieldStartupInterval, "5")
	h.set(t, settings.FieldRepeatLimit, "3")
	ctx := context.Background()

	if _, err := h.ctrl.OnToggleEnabled(ctx, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	h.clock.Advance(5 * time.Second)
	if _, err := h.ctrl.OnThrottleToggle(ctx, true); err != nil {
		t.Fatalf("throttle: %v", err)
	}

	// The armed cycle keeps its 5s; the send 5s after the last one is
	// inside the cooldown.
	h.clock.Advance(5 * time.Second)
	if got := h.poster.messages(); !reflect.DeepEqual(got, []string{"It has been 5 seconds."}) {
		t.Fatalf("sent %v", got)
	}
	snap := h.engine.Snapshot()
	if snap.Phase != PhaseRunning || snap.Cycles != 2 {
		t.Fatalf("after skip phase=%s cycles=%d, want running with 2 cycles", snap.Phase, snap.Cycles)
	}
	if snap.Realized != time.Duration(settings.ThrottleFloor)*time.Second {
		t.Fatalf("rescheduled for %s, want the throttle floor", snap.Realized)
	}

	h.clock.Advance(snap.Realized)
	want := []string{"It has been 5 seconds.", "It has been 120 seconds."}
	if got := h.poster.messages(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	if h.engine.Running() || h.model.Current().Enabled {
		t.Fatalf("engine not stopped by the repeat limit")
	}

	entries, _ := h.store.RecentDispatches(ctx, 10)
	var statuses []string
	for _, e := range entries {
		statuses = append(statuses, e.Status)
	}
	if !reflect.DeepEqual(statuses, []string{"sent", "skipped", "sent"}) {
		t.Fatalf("dispatch log statuses = %v", statuses)
	}
}

func TestLateTickDoesNotOverwriteStopped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.engine.mu.Lock()
	run := h.engine.run
	h.engine.mu.Unlock()

	h.engine.Stop("manual")
	h.engine.show("Timer: 3s", run)
	if got := h.display.last(); got != "Timer: Stopped" {
		t.Fatalf("display = %q after a stale tick", got)
	}
}

func TestTerminalStopFromOlderRunKeepsEnabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.ctrl.OnToggleEnabled(ctx, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	h.engine.mu.Lock()
	stale := h.engine.run - 1
	h.engine.mu.Unlock()

	h.engine.finish(2, stale)
	if !h.engine.Running() || !h.model.Current().Enabled || !h.storedEnabled(t) {
		t.Fatalf("running=%v enabled=%v after a stale terminal stop", h.engine.Running(), h.model.Current().Enabled)
	}
	if got := h.display.last(); got == "Timer: Stopped" {
		t.Fatalf("display switched to stopped")
	}
}

func TestStartPersistsEnabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if h.model.Current().Enabled {
		t.Fatalf("default record is enabled")
	}
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !h.model.Current().Enabled || !h.storedEnabled(t) {
		t.Fatalf("enabled not persisted by Start")
	}
}

func TestTuneAppliesAtNextTick(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.engine.Tune(Tuning{TickInterval: time.Second, StrictRange: true, DispatchTimeout: -time.Second})
	got := h.engine.Tuning()
	if got != (Tuning{TickInterval: time.Second, StrictRange: true}) {
		t.Fatalf("Tuning() = %+v", got)
	}

	h.engine.Tune(Tuning{})
	if got := h.engine.Tuning(); got.TickInterval != time.Second || got.StrictRange {
		t.Fatalf("zero tick replaced the interval: %+v", got)
	}
}
