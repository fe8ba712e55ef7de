package config

import (
	"reflect"
	"sort"
	"strings"
	"time"

	logx "autochat/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured fields for logging. Secrets (bot token, API key, HTTP token)
// are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.PollTimeout != nt.PollTimeout ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", nt.PollTimeout.String()),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	var ost, nst StorageConfig
	if oldCfg.Storage != nil {
		ost = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nst = *newCfg.Storage
	}
	if strings.TrimSpace(ost.Driver) != strings.TrimSpace(nst.Driver) ||
		strings.TrimSpace(ost.Path) != strings.TrimSpace(nst.Path) ||
		ost.BusyTimeout != nst.BusyTimeout {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
			logx.String("storage.busy_timeout", nst.BusyTimeout.String()),
		)
	}

	on, nn := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.workers", nn.Workers),
			logx.Int("notifier.queue_size", nn.QueueSize),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.Int("notifier.retry_max", nn.RetryMax),
		)
	}

	if oldCfg.AutoChat != newCfg.AutoChat {
		ac := newCfg.AutoChat
		changed = append(changed, "autochat")
		attrs = append(attrs,
			logx.Int64("autochat.chat_id", ac.ChatID),
			logx.Int("autochat.thread_id", ac.ThreadID),
			logx.Bool("autochat.strict_range", ac.StrictRange),
			logx.String("autochat.tick_interval", ac.TickInterval.String()),
			logx.String("autochat.dispatch_timeout", ac.DispatchTimeout.String()),
			logx.String("autochat.generation_timeout", ac.GenerationTimeout.String()),
			logx.String("autochat.live_edit_interval", ac.LiveEditInterval.String()),
			logx.String("autochat.settings_debounce", ac.SettingsDebounce.String()),
			logx.String("autochat.status_report", ac.StatusReport),
		)
	}

	var og, ng GenerationConfig
	if oldCfg.Generation != nil {
		og = *oldCfg.Generation
	}
	if newCfg.Generation != nil {
		ng = *newCfg.Generation
	}
	if og != ng {
		changed = append(changed, "generation")
		attrs = append(attrs,
			logx.Bool("generation.present", newCfg.Generation != nil),
			logx.String("generation.model", ng.Model),
			logx.Bool("generation.base_url_set", strings.TrimSpace(ng.BaseURL) != ""),
			logx.Bool("generation.api_key_set", strings.TrimSpace(ng.APIKey) != ""),
			logx.Int("generation.history_size", ng.HistorySize),
		)
	}

	var oo, no ObservabilityConfig
	if oldCfg.Observability != nil {
		oo = *oldCfg.Observability
	}
	if newCfg.Observability != nil {
		no = *newCfg.Observability
	}
	if oo != no {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", no.Enabled),
			logx.String("observability.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("observability.pprof", no.Pprof),
			logx.Bool("observability.token_set", strings.TrimSpace(no.Token) != ""),
			logx.Bool("observability.allow_insecure", no.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// derefNotifier treats an omitted section as the runtime defaults so that
// adding an explicit default block is not reported as a change.
func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return DefaultNotifier()
	}
	return *n
}

// DefaultNotifier is the notifier section used when the file omits it.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       Dur(500 * time.Millisecond),
		RetryMaxDelay:   Dur(10 * time.Second),
		DedupWindow:     Dur(time.Minute),
		DedupMaxEntries: 2000,
	}
}
