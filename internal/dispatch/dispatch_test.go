package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autochat/internal/settings"
	"autochat/internal/storage"
	logx "autochat/pkg/logx"
)

type fakePoster struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (p *fakePoster) Post(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, text)
	return nil
}

func (p *fakePoster) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

type boxDelegate struct {
	box   *InputBox
	reply string
	hints []string
}

func (d *boxDelegate) Trigger(_ context.Context, hint string) error {
	d.hints = append(d.hints, hint)
	d.box.Reset()
	if d.reply != "" {
		go d.box.Set(d.reply, nil)
	}
	return nil
}

func (d *boxDelegate) Generated(ctx context.Context) (string, error) { return d.box.Wait(ctx) }

func cfgWith(tmpl string) settings.Config {
	c := settings.Defaults()
	c.MessageTemplate = tmpl
	return c
}

func TestRenderReplacesEveryPlaceholder(t *testing.T) {
	t.Parallel()
	got := Render("{seconds}s and again {seconds}", 10*time.Second+900*time.Millisecond)
	if got != "10s and again 10" {
		t.Fatalf("Render = %q", got)
	}
	if got := Render("no token", time.Minute); got != "no token" {
		t.Fatalf("Render = %q", got)
	}
}

func TestDispatchDirectPostsAndLogs(t *testing.T) {
	t.Parallel()
	p := &fakePoster{}
	st := storage.NewMemory()
	d := New(p, WithStore(st), WithLogger(logx.Nop()), WithTarget(-100, 7))

	res := d.Dispatch(WithCycle(context.Background(), 3), cfgWith("T {seconds}"), 10*time.Second, time.Time{})
	if res.Status != StatusSent || res.Mode != ModeDirect || res.Text != "T 10" {
		t.Fatalf("result = %+v", res)
	}
	if got := p.messages(); len(got) != 1 || got[0] != "T 10" {
		t.Fatalf("posted = %v", got)
	}
	entries, err := st.RecentDispatches(context.Background(), 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("dispatch log = %v, %v", entries, err)
	}
	if e := entries[0]; e.Cycle != 3 || e.Status != "sent" || e.ChatID != -100 || e.ThreadID != 7 || e.CycleID == "" {
		t.Fatalf("entry = %+v", e)
	}
}

func TestDispatchCooldownSkips(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := &fakePoster{}
	d := New(p, WithNow(func() time.Time { return now }))

	cfg := cfgWith("hi")
	cfg.ThrottleSafety = true

	res := d.Dispatch(context.Background(), cfg, 2*time.Minute, now.Add(-30*time.Second))
	if res.Status != StatusSkipped || !errors.Is(res.Err, ErrCooldown) {
		t.Fatalf("result = %+v", res)
	}
	if len(p.messages()) != 0 {
		t.Fatalf("posted during cooldown")
	}

	res = d.Dispatch(context.Background(), cfg, 2*time.Minute, now.Add(-Cooldown))
	if res.Status != StatusSent {
		t.Fatalf("after cooldown: %+v", res)
	}

	cfg.ThrottleSafety = false
	res = d.Dispatch(context.Background(), cfg, time.Second, now.Add(-time.Second))
	if res.Status != StatusSent {
		t.Fatalf("throttle off: %+v", res)
	}
}

func TestDispatchPostFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	p := &fakePoster{err: errors.New("flood wait")}
	res := New(p).Dispatch(context.Background(), cfgWith("x"), time.Second, time.Time{})
	if res.Status != StatusFailed || res.Err == nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestDispatchDelegated(t *testing.T) {
	t.Parallel()
	p := &fakePoster{}
	del := &boxDelegate{box: NewInputBox(), reply: "  generated line  "}
	d := New(p, WithDelegate(del))

	cfg := cfgWith("waited {seconds}")
	cfg.DelegatedGeneration = true
	res := d.Dispatch(context.Background(), cfg, 42*time.Second, time.Time{})
	if res.Status != StatusSent || res.Mode != ModeDelegated || res.Text != "generated line" {
		t.Fatalf("result = %+v", res)
	}
	if len(del.hints) != 1 || del.hints[0] != "waited 42" {
		t.Fatalf("hints = %v", del.hints)
	}
}

func TestDispatchDelegatedTimeout(t *testing.T) {
	t.Parallel()
	p := &fakePoster{}
	d := New(p, WithDelegate(&boxDelegate{box: NewInputBox()}), WithGenerationTimeout(20*time.Millisecond))

	cfg := cfgWith("x")
	cfg.DelegatedGeneration = true
	res := d.Dispatch(context.Background(), cfg, time.Second, time.Time{})
	if res.Status != StatusFailed || !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("result = %+v", res)
	}
	if len(p.messages()) != 0 {
		t.Fatalf("posted after timeout")
	}
}

func TestDispatchDelegatedFallsBackWithoutGenerator(t *testing.T) {
	t.Parallel()
	p := &fakePoster{}
	cfg := cfgWith("T {seconds}")
	cfg.DelegatedGeneration = true
	res := New(p).Dispatch(context.Background(), cfg, 5*time.Second, time.Time{})
	if res.Status != StatusSent || res.Mode != ModeDirect || res.Text != "T 5" {
		t.Fatalf("result = %+v", res)
	}
}

func TestInputBoxWaitCancel(t *testing.T) {
	t.Parallel()
	b := NewInputBox()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait = %v", err)
	}

	b.Set("   ", nil)
	b.Set("first", nil)
	b.Set("second", nil)
	got, err := b.Wait(context.Background())
	if err != nil || got != "first" {
		t.Fatalf("Wait = %q, %v", got, err)
	}
	b.Reset()
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := b.Wait(ctx); err == nil {
		t.Fatalf("Wait after Reset returned content")
	}
}

func TestInputBoxDropsOlderRound(t *testing.T) {
	t.Parallel()
	b := NewInputBox()
	old := b.Reset()
	cur := b.Reset()

	if b.SetFor(old, "", context.DeadlineExceeded) {
		t.Fatalf("result of an older round accepted")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := b.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want own deadline", err)
	}

	if !b.SetFor(cur, "fresh", nil) {
		t.Fatalf("current round rejected")
	}
	got, err := b.Wait(context.Background())
	if err != nil || got != "fresh" {
		t.Fatalf("Wait = %q, %v", got, err)
	}
}

func TestDispatcherRetargetAndTimeout(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	d := New(&fakePoster{}, WithStore(st), WithTarget(1, 0),
		WithDelegate(&boxDelegate{box: NewInputBox()}))
	d.SetTarget(2, 3)
	d.SetGenerationTimeout(15 * time.Millisecond)

	cfg := cfgWith("x")
	cfg.DelegatedGeneration = true
	start := time.Now()
	res := d.Dispatch(context.Background(), cfg, time.Second, time.Time{})
	if res.Status != StatusFailed || time.Since(start) > time.Second {
		t.Fatalf("result = %+v after %s", res, time.Since(start))
	}

	entries, err := st.RecentDispatches(context.Background(), 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries = %+v, %v", entries, err)
	}
	if entries[0].ChatID != 2 || entries[0].ThreadID != 3 {
		t.Fatalf("logged target = %d/%d", entries[0].ChatID, entries[0].ThreadID)
	}
}
