package config

// Config is the process configuration file (JSON or YAML).
//
// The scheduler settings themselves (intervals, template, repeat limit) are
// not here: they live in the settings record and are edited through bot
// commands. This file only wires the process.
type Config struct {
	Telegram      TelegramConfig       `json:"telegram"`
	Logging       LoggingConfig        `json:"logging"`
	Storage       *StorageConfig       `json:"storage,omitempty"`
	Notifier      *NotifierConfig      `json:"notifier,omitempty"`
	AutoChat      AutoChatConfig       `json:"autochat"`
	Generation    *GenerationConfig    `json:"generation,omitempty"`
	Observability *ObservabilityConfig `json:"observability,omitempty"`
}

type TelegramConfig struct {
	Token        string   `json:"token"`
	OwnerUserIDs []int64  `json:"owner_user_ids"`
	GroupLog     string   `json:"group_log"`
	PollTimeout  Duration `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects where the settings record and dispatch log live.
// Omitting the section keeps everything in memory.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./autochat.db" }
type StorageConfig struct {
	Driver      string   `json:"driver"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted, the notifier runs with DefaultNotifier.
type NotifierConfig struct {
	Enabled         bool     `json:"enabled"`
	Workers         int      `json:"workers"`
	QueueSize       int      `json:"queue_size"`
	RatePerSec      int      `json:"rate_per_sec"`
	RetryMax        int      `json:"retry_max"`
	RetryBase       Duration `json:"retry_base"`
	RetryMaxDelay   Duration `json:"retry_max_delay"`
	DedupWindow     Duration `json:"dedup_window"`
	DedupMaxEntries int      `json:"dedup_max_entries"`
}

// AutoChatConfig wires the scheduler to a chat.
//
// ChatID is the conversation that receives scheduled messages. Toasts go to
// the log group when set, otherwise to the same chat.
type AutoChatConfig struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`

	// StrictRange refuses to start when min_interval == max_interval.
	StrictRange bool `json:"strict_range,omitempty"`

	// These apply on hot reload without a restart.
	TickInterval      Duration `json:"tick_interval,omitempty"`      // default 250ms
	DispatchTimeout   Duration `json:"dispatch_timeout,omitempty"`   // default 0 (none)
	GenerationTimeout Duration `json:"generation_timeout,omitempty"` // default 30s
	LiveEditInterval  Duration `json:"live_edit_interval,omitempty"` // default 2s
	SettingsDebounce  Duration `json:"settings_debounce,omitempty"`  // default 500ms, "0s" writes through

	// StatusReport is a cron spec (robfig/cron, 5 fields or @every 1h).
	// Empty disables the periodic status toast.
	StatusReport string `json:"status_report,omitempty"`
	// Timezone for StatusReport (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// GenerationConfig configures the OpenAI-compatible completion backend used
// when delegated generation is switched on. Omitting it leaves delegated
// mode falling back to the template.
type GenerationConfig struct {
	BaseURL      string  `json:"base_url,omitempty"`
	APIKey       string  `json:"api_key,omitempty"`
	Model        string  `json:"model,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	HistorySize  int     `json:"history_size,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float32 `json:"temperature,omitempty"`
}

// ObservabilityConfig controls the optional debug HTTP server that exposes
// Prometheus metrics and pprof.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`         // default: "127.0.0.1:9090"
	MetricsPath   string `json:"metrics_path,omitempty"` // default: "/metrics"
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`        // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  Duration `json:"read_timeout,omitempty"`
	WriteTimeout Duration `json:"write_timeout,omitempty"`
	IdleTimeout  Duration `json:"idle_timeout,omitempty"`
}
