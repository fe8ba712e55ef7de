package settings

import (
	"strconv"
	"strings"
	"time"
)

// Namespace is the key of the scheduler record in the settings store.
const Namespace = "autochat"

// Placeholder is replaced by the realized duration (whole seconds) at send time.
const Placeholder = "{seconds}"

const (
	// ThrottleFloor is the minimum interval, in seconds, while throttle safety is on.
	ThrottleFloor = 120

	DefaultMinInterval     = 60
	DefaultMaxInterval     = 3600
	DefaultStartupInterval = 120
	DefaultTemplate        = "It has been " + Placeholder + " seconds."
)

// Config is the persisted scheduler record. Intervals are whole seconds.
//
// RepeatLimit nil means unbounded.
type Config struct {
	Enabled             bool   `json:"enabled"`
	MinInterval         int    `json:"min_interval"`
	MaxInterval         int    `json:"max_interval"`
	StartupInterval     int    `json:"startup_interval"`
	MessageTemplate     string `json:"message_template"`
	RepeatLimit         *int   `json:"repeat_limit"`
	ThrottleSafety      bool   `json:"throttle_safety"`
	DelegatedGeneration bool   `json:"delegated_generation"`
}

func Defaults() Config {
	return Config{
		MinInterval:     DefaultMinInterval,
		MaxInterval:     DefaultMaxInterval,
		StartupInterval: DefaultStartupInterval,
		MessageTemplate: DefaultTemplate,
	}
}

// Clone returns a deep copy (RepeatLimit is a pointer).
func (c Config) Clone() Config {
	if c.RepeatLimit != nil {
		n := *c.RepeatLimit
		c.RepeatLimit = &n
	}
	return c
}

// Limit returns the repeat limit and whether one is set.
func (c Config) Limit() (int, bool) {
	if c.RepeatLimit == nil {
		return 0, false
	}
	return *c.RepeatLimit, true
}

func (c Config) Min() time.Duration     { return time.Duration(c.MinInterval) * time.Second }
func (c Config) Max() time.Duration     { return time.Duration(c.MaxInterval) * time.Second }
func (c Config) Startup() time.Duration { return time.Duration(c.StartupInterval) * time.Second }

func (c Config) String() string {
	var b strings.Builder
	b.WriteString("enabled=" + strconv.FormatBool(c.Enabled))
	b.WriteString(" min=" + strconv.Itoa(c.MinInterval) + "s")
	b.WriteString(" max=" + strconv.Itoa(c.MaxInterval) + "s")
	b.WriteString(" startup=" + strconv.Itoa(c.StartupInterval) + "s")
	if n, ok := c.Limit(); ok {
		b.WriteString(" repeat=" + strconv.Itoa(n))
	} else {
		b.WriteString(" repeat=unbounded")
	}
	b.WriteString(" throttle=" + strconv.FormatBool(c.ThrottleSafety))
	b.WriteString(" delegated=" + strconv.FormatBool(c.DelegatedGeneration))
	return b.String()
}

func equal(a, b Config) bool {
	if a.Enabled != b.Enabled || a.MinInterval != b.MinInterval || a.MaxInterval != b.MaxInterval ||
		a.StartupInterval != b.StartupInterval || a.MessageTemplate != b.MessageTemplate ||
		a.ThrottleSafety != b.ThrottleSafety || a.DelegatedGeneration != b.DelegatedGeneration {
		return false
	}
	an, aok := a.Limit()
	bn, bok := b.Limit()
	return aok == bok && an == bn
}
