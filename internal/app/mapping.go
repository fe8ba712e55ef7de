package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"autochat/internal/autochat"
	"autochat/internal/config"
	"autochat/internal/generate"
	"autochat/internal/notifier"
	"autochat/internal/observability"
	"autochat/internal/storage"
	kit "autochat/internal/transport"
	logx "autochat/pkg/logx"
)

// runtimeAutoChat is the autochat section with durations parsed.
type runtimeAutoChat struct {
	Target            kit.ChatTarget
	StrictRange       bool
	TickInterval      time.Duration
	DispatchTimeout   time.Duration
	GenerationTimeout time.Duration
	LiveEditInterval  time.Duration
	SettingsDebounce  time.Duration
	StatusReport      string
	Timezone          string
}

func mapAutoChatConfig(cfg *config.Config) runtimeAutoChat {
	if cfg == nil {
		cfg = &config.Config{}
	}
	ac := cfg.AutoChat
	return runtimeAutoChat{
		Target:            kit.ChatTarget{ChatID: ac.ChatID, ThreadID: ac.ThreadID},
		StrictRange:       ac.StrictRange,
		TickInterval:      ac.TickInterval.Or(250 * time.Millisecond),
		DispatchTimeout:   ac.DispatchTimeout.Std(),
		GenerationTimeout: ac.GenerationTimeout.Or(30 * time.Second),
		LiveEditInterval:  ac.LiveEditInterval.Or(2 * time.Second),
		// "0s" is meaningful here: persist every edit immediately.
		SettingsDebounce: ac.SettingsDebounce.IfSet(500 * time.Millisecond),
		StatusReport:     strings.TrimSpace(ac.StatusReport),
		Timezone:         strings.TrimSpace(ac.Timezone),
	}
}

// tuning is the part of the autochat section applied on hot reload.
func (ac runtimeAutoChat) tuning() autochat.Tuning {
	return autochat.Tuning{
		TickInterval:    ac.TickInterval,
		StrictRange:     ac.StrictRange,
		DispatchTimeout: ac.DispatchTimeout,
	}
}

// toastTarget is where operator toasts go: the log group when configured,
// otherwise the scheduled chat itself.
func toastTarget(cfg *config.Config) kit.ChatTarget {
	if cfg == nil {
		return kit.ChatTarget{}
	}
	if id, ok := parseChatID(cfg.Telegram.GroupLog); ok {
		return kit.ChatTarget{ChatID: id, ThreadID: cfg.Logging.Telegram.ThreadID}
	}
	return kit.ChatTarget{ChatID: cfg.AutoChat.ChatID, ThreadID: cfg.AutoChat.ThreadID}
}

func parseChatID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func mapLogConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: sc.BusyTimeout.Or(time.Second)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapNotifierConfig fills defaults. An omitted section means enabled with
// defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if cfg != nil && cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	def := config.DefaultNotifier()
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         orInt(n.Workers, def.Workers),
		QueueSize:       orInt(n.QueueSize, def.QueueSize),
		RatePerSec:      orInt(n.RatePerSec, def.RatePerSec),
		RetryMax:        orInt(n.RetryMax, def.RetryMax),
		DedupMaxEntries: orInt(n.DedupMaxEntries, def.DedupMaxEntries),
		RetryBase:       n.RetryBase.Or(def.RetryBase.Std()),
		RetryMaxDelay:   n.RetryMaxDelay.Or(def.RetryMaxDelay.Std()),
		DedupWindow:     n.DedupWindow.Or(def.DedupWindow.Std()),
	}

	for name, v := range map[string]int{
		"workers":           out.Workers,
		"queue_size":        out.QueueSize,
		"rate_per_sec":      out.RatePerSec,
		"retry_max":         out.RetryMax,
		"dedup_max_entries": out.DedupMaxEntries,
	} {
		if v < 0 {
			return notifier.Config{}, fmt.Errorf("notifier.%s must be >= 0", name)
		}
	}
	return out, nil
}

// mapGenerationConfig returns ok=false when delegated generation has no
// backend and must fall back to the template.
func mapGenerationConfig(cfg *config.Config) (generate.Config, int, bool) {
	if cfg == nil || cfg.Generation == nil {
		return generate.Config{}, 0, false
	}
	g := cfg.Generation
	if strings.TrimSpace(g.APIKey) == "" && strings.TrimSpace(g.BaseURL) == "" {
		return generate.Config{}, 0, false
	}
	return generate.Config{
		BaseURL:      strings.TrimSpace(g.BaseURL),
		APIKey:       strings.TrimSpace(g.APIKey),
		Model:        strings.TrimSpace(g.Model),
		SystemPrompt: g.SystemPrompt,
		MaxTokens:    g.MaxTokens,
		Temperature:  g.Temperature,
	}, g.HistorySize, true
}

func mapServerConfig(cfg *config.Config) observability.ServerConfig {
	if cfg == nil || cfg.Observability == nil {
		return observability.ServerConfig{}
	}
	o := cfg.Observability
	return observability.ServerConfig{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		MetricsPath:   strings.TrimSpace(o.MetricsPath),
		Pprof:         o.Pprof,
		PprofPrefix:   strings.TrimSpace(o.PprofPrefix),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		ReadTimeout:   o.ReadTimeout.Or(5 * time.Second),
		// 0 keeps /debug/pprof/profile usable.
		WriteTimeout: o.WriteTimeout.Std(),
		IdleTimeout:  o.IdleTimeout.Or(60 * time.Second),
	}
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
