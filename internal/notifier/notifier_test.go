package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"autochat/internal/eventbus"
	kit "autochat/internal/transport"
	logx "autochat/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	texts []string
	calls int
}

func (f *fakeSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return kit.MessageRef{}, errors.New("telegram: retry after 1")
	}
	f.texts = append(f.texts, text)
	return kit.MessageRef{MessageID: f.calls}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func testConfig() Config {
	return Config{Enabled: true, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond, DedupWindow: time.Minute}
}

func TestToastsDeliverWithLevelPrefix(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	svc := New(testConfig(), fs, logx.Nop(), nil)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	toasts := NewToasts(svc, kit.ChatTarget{ChatID: 42}, logx.Nop())
	ctx := context.Background()
	toasts.Info(ctx, "started")
	toasts.Error(ctx, "bad range")

	waitFor(t, func() bool { return len(fs.sent()) == 2 })
	got := strings.Join(fs.sent(), "\n")
	if !strings.Contains(got, "ℹ️ started") || !strings.Contains(got, "🚨 bad range") {
		t.Fatalf("sent = %q", got)
	}
}

func TestNotifyRetriesAndDedups(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fails: 2}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	svc := New(testConfig(), fs, logx.Nop(), bus)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	n := Toast{Level: LevelWarn, Target: kit.ChatTarget{ChatID: 1}, Text: "same"}
	if err := svc.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := svc.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify dup: %v", err)
	}
	waitFor(t, func() bool { return len(fs.sent()) == 1 })

	seen := map[string]int{}
	waitFor(t, func() bool {
		for len(ch) > 0 {
			seen[(<-ch).Type]++
		}
		return seen[TypeSent] == 1
	})
	if seen[TypeDeduped] != 1 {
		t.Fatalf("events = %v", seen)
	}
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	if err := svc.Notify(context.Background(), Toast{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	svc = New(testConfig(), &fakeSender{}, logx.Nop(), nil)
	if err := svc.Notify(context.Background(), Toast{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	svc.Start(context.Background())
	svc.Stop(context.Background())
	if err := svc.Notify(context.Background(), Toast{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop err = %v", err)
	}
}

func TestNotifyRetriesThenFails(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fails: 10}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	svc := New(testConfig(), fs, logx.Nop(), bus)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	if err := svc.Notify(context.Background(), Toast{Level: LevelError, Target: kit.ChatTarget{ChatID: 1}, Text: "down"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	var failed ToastEvent
	waitFor(t, func() bool {
		for len(ch) > 0 {
			ev := <-ch
			if ev.Type == TypeFailed {
				failed = ev.Data.(ToastEvent)
			}
		}
		return failed.Attempts != 0
	})
	if failed.Attempts != 3 || failed.Level != "error" || failed.Error == "" {
		t.Fatalf("failed event = %+v", failed)
	}
	if len(fs.sent()) != 0 {
		t.Fatalf("sent = %v", fs.sent())
	}
}

func TestStopDrainsQueueAndRestarts(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	cfg := testConfig()
	cfg.DedupWindow = 0
	svc := New(cfg, fs, logx.Nop(), nil)
	svc.Start(context.Background())

	for i := 0; i < 5; i++ {
		if err := svc.Notify(context.Background(), Toast{Level: LevelInfo, Target: kit.ChatTarget{ChatID: 1}, Text: "tick"}); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)
	if got := len(fs.sent()); got != 5 {
		t.Fatalf("drained %d toasts, want 5", got)
	}

	svc.Start(context.Background())
	defer svc.Stop(context.Background())
	if err := svc.Notify(context.Background(), Toast{Level: LevelInfo, Target: kit.ChatTarget{ChatID: 1}, Text: "again"}); err != nil {
		t.Fatalf("Notify after restart: %v", err)
	}
	waitFor(t, func() bool { return len(fs.sent()) == 6 })
}

func TestDedupEvictsClosestToExpiry(t *testing.T) {
	t.Parallel()
	d := &dedup{until: map[string]time.Time{}, limit: 2}
	now := time.Now()
	if !d.allow("a", now, time.Second) || !d.allow("b", now, time.Minute) {
		t.Fatalf("fresh keys refused")
	}
	if d.allow("b", now, time.Minute) {
		t.Fatalf("repeat inside window allowed")
	}
	if !d.allow("c", now, time.Minute) {
		t.Fatalf("new key refused at capacity")
	}
	if _, ok := d.until["a"]; ok {
		t.Fatalf("entry closest to expiry kept: %v", d.until)
	}
	if !d.allow("b", now.Add(2*time.Minute), time.Minute) {
		t.Fatalf("expired key still suppressed")
	}
}

func TestBackoffCapped(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for n := 1; n <= 10; n++ {
		d := backoff(cfg, n)
		if d <= 0 || d > time.Second {
			t.Fatalf("backoff(%d) = %v", n, d)
		}
	}
	if d := backoff(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first backoff = %v", d)
	}
}
