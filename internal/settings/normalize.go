package settings

import (
	"strconv"
)

// Field names a settings field as edited from the UI.
type Field string

const (
	FieldNone                Field = ""
	FieldEnabled             Field = "enabled"
	FieldMinInterval         Field = "min_interval"
	FieldMaxInterval         Field = "max_interval"
	FieldStartupInterval     Field = "startup_interval"
	FieldMessageTemplate     Field = "message_template"
	FieldRepeatLimit         Field = "repeat_limit"
	FieldThrottleSafety      Field = "throttle_safety"
	FieldDelegatedGeneration Field = "delegated_generation"
)

// Correction describes one in-place fix applied by Normalize.
type Correction struct {
	Field  Field
	From   string
	To     string
	Reason string
}

// Normalize applies the ordered rule list to c and returns the corrected
// record together with every correction made. edited is the field the user
// just changed (FieldNone on load); it decides which bound wins when
// min > max.
//
//  1. non-positive intervals reset to defaults, blank template to the
//     default template, repeat limit below 1 to unbounded
//  2. throttle safety clamps the three intervals up to ThrottleFloor
//  3. min <= max, the edited bound wins (editing max lowers min, anything
//     else raises max)
func Normalize(c Config, edited Field) (Config, []Correction) {
	c = c.Clone()
	var fixes []Correction
	fix := func(f Field, from, to int, reason string) {
		fixes = append(fixes, Correction{Field: f, From: strconv.Itoa(from), To: strconv.Itoa(to), Reason: reason})
	}

	// 1. defaults
	if c.MinInterval <= 0 {
		fix(FieldMinInterval, c.MinInterval, DefaultMinInterval, "not a positive number")
		c.MinInterval = DefaultMinInterval
	}
	if c.MaxInterval <= 0 {
		fix(FieldMaxInterval, c.MaxInterval, DefaultMaxInterval, "not a positive number")
		c.MaxInterval = DefaultMaxInterval
	}
	if c.StartupInterval <= 0 {
		fix(FieldStartupInterval, c.StartupInterval, DefaultStartupInterval, "not a positive number")
		c.StartupInterval = DefaultStartupInterval
	}
	if isBlank(c.MessageTemplate) {
		fixes = append(fixes, Correction{Field: FieldMessageTemplate, From: c.MessageTemplate, To: DefaultTemplate, Reason: "blank template"})
		c.MessageTemplate = DefaultTemplate
	}
	if n, ok := c.Limit(); ok && n < 1 {
		fixes = append(fixes, Correction{Field: FieldRepeatLimit, From: strconv.Itoa(n), To: "unbounded", Reason: "repeat limit below 1"})
		c.RepeatLimit = nil
	}

	// 2. throttle floor
	if c.ThrottleSafety {
		if c.MinInterval < ThrottleFloor {
			fix(FieldMinInterval, c.MinInterval, ThrottleFloor, "below throttle floor")
			c.MinInterval = ThrottleFloor
		}
		if c.MaxInterval < ThrottleFloor {
			fix(FieldMaxInterval, c.MaxInterval, ThrottleFloor, "below throttle floor")
			c.MaxInterval = ThrottleFloor
		}
		if c.StartupInterval < ThrottleFloor {
			fix(FieldStartupInterval, c.StartupInterval, ThrottleFloor, "below throttle floor")
			c.StartupInterval = ThrottleFloor
		}
	}

	// 3. ordering
	if c.MinInterval > c.MaxInterval {
		if edited == FieldMaxInterval {
			fix(FieldMinInterval, c.MinInterval, c.MaxInterval, "min above max")
			c.MinInterval = c.MaxInterval
		} else {
			fix(FieldMaxInterval, c.MaxInterval, c.MinInterval, "max below min")
			c.MaxInterval = c.MinInterval
		}
	}
	return c, fixes
}

func isBlank(s string) bool {
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			return false
		}
	}
	return true
}
