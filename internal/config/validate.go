package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNoToken is returned when neither the file nor the environment supplies
// a bot token.
var ErrNoToken = errors.New("telegram.token is required (or set " + EnvTelegramToken + ")")

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseStatusSchedule parses autochat.status_report. Seconds are optional
// and descriptors such as "@every 1h" or "@daily" are accepted.
func ParseStatusSchedule(spec string) (cron.Schedule, error) {
	return cronParser.Parse(strings.TrimSpace(spec))
}

// Validate checks the parts of cfg that cannot self-heal at runtime.
// Durations are already checked by Duration while decoding.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return ErrNoToken
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		return errors.New("telegram.owner_user_ids must list at least one user")
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "memory", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
	}

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RetryMax < 0 {
			return errors.New("notifier: workers, queue_size and retry_max must be >= 0")
		}
	}

	ac := cfg.AutoChat
	if ac.TickInterval.IsSet() && ac.TickInterval.Std() > 0 && ac.TickInterval.Std() < 10*time.Millisecond {
		return fmt.Errorf("autochat.tick_interval: %s is below 10ms", ac.TickInterval)
	}
	if tz := strings.TrimSpace(ac.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("autochat.timezone: %w", err)
		}
	}
	if spec := strings.TrimSpace(ac.StatusReport); spec != "" {
		if _, err := ParseStatusSchedule(spec); err != nil {
			return fmt.Errorf("autochat.status_report: invalid cron spec %q: %w", spec, err)
		}
	}

	if g := cfg.Generation; g != nil {
		if g.HistorySize < 0 {
			return errors.New("generation.history_size must be >= 0")
		}
		if g.MaxTokens < 0 {
			return errors.New("generation.max_tokens must be >= 0")
		}
	}
	return nil
}
