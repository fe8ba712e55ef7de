package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"autochat/internal/autochat"
	"autochat/internal/config"
	"autochat/internal/dispatch"
	"autochat/internal/generate"
	"autochat/internal/settings"
	"autochat/internal/storage"
	kit "autochat/internal/transport"
	telegram "autochat/internal/transport/telegram/adapter"
	"autochat/internal/transport/telegram/commands"
	logx "autochat/pkg/logx"
)

func TestMapAutoChatConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{AutoChat: config.AutoChatConfig{
		ChatID:           -100,
		ThreadID:         3,
		StrictRange:      true,
		TickInterval:     config.Dur(time.Second),
		DispatchTimeout:  config.Dur(45 * time.Second),
		SettingsDebounce: config.Dur(0),
		StatusReport:     " @every 1h ",
	}}
	ac := mapAutoChatConfig(cfg)
	if ac.Target != (kit.ChatTarget{ChatID: -100, ThreadID: 3}) {
		t.Fatalf("target = %+v", ac.Target)
	}
	if ac.TickInterval != time.Second || ac.DispatchTimeout != 45*time.Second {
		t.Fatalf("durations = %v / %v", ac.TickInterval, ac.DispatchTimeout)
	}
	if ac.GenerationTimeout != 30*time.Second || ac.LiveEditInterval != 2*time.Second {
		t.Fatalf("defaults not applied: %+v", ac)
	}
	if ac.SettingsDebounce != 0 {
		t.Fatalf("explicit 0s debounce must be kept, got %v", ac.SettingsDebounce)
	}
	if ac.StatusReport != "@every 1h" || !ac.StrictRange {
		t.Fatalf("flags = %+v", ac)
	}

	def := mapAutoChatConfig(&config.Config{})
	if def.SettingsDebounce != 500*time.Millisecond {
		t.Fatalf("default debounce = %v", def.SettingsDebounce)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      *config.StorageConfig
		driver  string
		wantErr bool
	}{
		{"omitted", nil, "memory", false},
		{"none", &config.StorageConfig{Driver: "none"}, "memory", false},
		{"file", &config.StorageConfig{Driver: "file", Path: "./data"}, "file", false},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "a.db"}, "sqlite", false},
		{"sqlite without path", &config.StorageConfig{Driver: "sqlite"}, "", true},
		{"unknown", &config.StorageConfig{Driver: "redis"}, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sc, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v", err)
			}
			if !tc.wantErr && sc.Driver != tc.driver {
				t.Fatalf("driver = %q, want %q", sc.Driver, tc.driver)
			}
		})
	}
}

func TestApplyAutoChatRetunesLive(t *testing.T) {
	t.Parallel()

	log := logx.Nop()
	model := settings.New(storage.NewMemory(), log)
	poster := telegram.NewChatPoster(nil, kit.ChatTarget{ChatID: 1})
	disp := dispatch.New(poster, dispatch.WithTarget(1, 0))
	a := &App{
		log:    log,
		poster: poster,
		disp:   disp,
		model:  model,
		engine: autochat.NewEngine(model, disp, autochat.WithTickInterval(250*time.Millisecond)),
		live:   commands.NewLiveDisplay(nil, 2*time.Second, log),
		status: newStatusReporter(func() string { return "" }, func(context.Context, string) {}, log),
	}

	cfg := &config.Config{AutoChat: config.AutoChatConfig{
		ChatID:           -500,
		ThreadID:         4,
		StrictRange:      true,
		TickInterval:     config.Dur(time.Second),
		DispatchTimeout:  config.Dur(20 * time.Second),
		LiveEditInterval: config.Dur(5 * time.Second),
		SettingsDebounce: config.Dur(0),
	}}
	a.applyAutoChat(context.Background(), mapAutoChatConfig(cfg))

	want := autochat.Tuning{TickInterval: time.Second, StrictRange: true, DispatchTimeout: 20 * time.Second}
	if got := a.engine.Tuning(); got != want {
		t.Fatalf("engine tuning = %+v, want %+v", got, want)
	}
	if got := a.live.Interval(); got != 5*time.Second {
		t.Fatalf("live interval = %v", got)
	}
	if got := a.poster.Target(); got != (kit.ChatTarget{ChatID: -500, ThreadID: 4}) {
		t.Fatalf("poster target = %+v", got)
	}

}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()

	n, err := mapNotifierConfig(&config.Config{})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if !n.Enabled || n.Workers != 2 || n.DedupWindow != time.Minute {
		t.Fatalf("defaults = %+v", n)
	}

	n, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Enabled: false, RatePerSec: 10}})
	if err != nil {
		t.Fatalf("explicit: %v", err)
	}
	if n.Enabled || n.RatePerSec != 10 || n.QueueSize != 512 {
		t.Fatalf("explicit = %+v", n)
	}

	if _, err := mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Workers: -1}}); err == nil {
		t.Fatalf("negative workers accepted")
	}
}

func TestMapGenerationConfig(t *testing.T) {
	t.Parallel()

	if _, _, ok := mapGenerationConfig(&config.Config{}); ok {
		t.Fatalf("omitted generation must not enable the delegate")
	}
	if _, _, ok := mapGenerationConfig(&config.Config{Generation: &config.GenerationConfig{Model: "m"}}); ok {
		t.Fatalf("generation without key or base url must not enable the delegate")
	}
	g, size, ok := mapGenerationConfig(&config.Config{Generation: &config.GenerationConfig{APIKey: " k ", HistorySize: 40}})
	if !ok || g.APIKey != "k" || size != 40 {
		t.Fatalf("got %+v size=%d ok=%v", g, size, ok)
	}
}

func TestToastTarget(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{AutoChat: config.AutoChatConfig{ChatID: 5, ThreadID: 1}}
	if got := toastTarget(cfg); got != (kit.ChatTarget{ChatID: 5, ThreadID: 1}) {
		t.Fatalf("fallback target = %+v", got)
	}
	cfg.Telegram.GroupLog = "-900"
	cfg.Logging.Telegram.ThreadID = 9
	if got := toastTarget(cfg); got != (kit.ChatTarget{ChatID: -900, ThreadID: 9}) {
		t.Fatalf("log group target = %+v", got)
	}
}

type fakePoster struct {
	err   error
	texts []string
}

func (p *fakePoster) Post(_ context.Context, text string) error {
	if p.err != nil {
		return p.err
	}
	p.texts = append(p.texts, text)
	return nil
}

func TestRecordingPoster(t *testing.T) {
	t.Parallel()

	h := generate.NewHistory(5)
	next := &fakePoster{}
	p := &recordingPoster{next: next, history: h, name: func() string { return "autobot" }}
	if err := p.Post(context.Background(), "hello"); err != nil {
		t.Fatalf("post: %v", err)
	}
	lines := h.Lines()
	if len(lines) != 1 || lines[0].From != "autobot" || !lines[0].IsBot {
		t.Fatalf("history = %+v", lines)
	}

	next.err = errors.New("down")
	if err := p.Post(context.Background(), "lost"); err == nil {
		t.Fatalf("post error not returned")
	}
	if h.Len() != 1 {
		t.Fatalf("failed post recorded in history")
	}
}

func TestStatusReporter(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		got   []string
		fired = make(chan struct{}, 4)
	)
	r := newStatusReporter(
		func() string { return "AutoChat is enabled" },
		func(_ context.Context, text string) {
			mu.Lock()
			got = append(got, text)
			mu.Unlock()
			select {
			case fired <- struct{}{}:
			default:
			}
		},
		logx.Nop(),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Apply(ctx, "", ""); err != nil {
		t.Fatalf("empty spec: %v", err)
	}
	if !r.Next().IsZero() {
		t.Fatalf("disabled reporter has a next run")
	}
	if err := r.Apply(ctx, "not a cron", ""); err == nil {
		t.Fatalf("invalid spec accepted")
	}
	if err := r.Apply(ctx, "@every 1s", "UTC"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if r.Next().IsZero() {
		t.Fatalf("next run not scheduled")
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatalf("status report never fired")
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	r.Stop(stopCtx)

	mu.Lock()
	defer mu.Unlock()
	if !strings.HasPrefix(got[0], "AutoChat Status\n") || !strings.Contains(got[0], "enabled") {
		t.Fatalf("toast = %q", got[0])
	}
}
