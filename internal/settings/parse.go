package settings

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// ParseSeconds parses a UI interval value into whole seconds.
//
// Accepted forms:
//   - plain number of seconds: "90", "12.7" (fractions floor)
//   - Go duration: "90s", "2m30s"
//   - HH:MM: "01:30" (one hour thirty minutes)
//
// It returns 0 for anything blank, non-finite, non-positive or unparsable;
// Normalize turns 0 into the field default.
func ParseSeconds(raw string) int {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return floorSeconds(f)
	}
	if d, err := time.ParseDuration(s); err == nil {
		return floorSeconds(d.Seconds())
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0
		}
		return h*3600 + mm*60
	}
	return 0
}

func floorSeconds(f float64) int {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 1 || f > math.MaxInt32 {
		return 0
	}
	return int(math.Floor(f))
}

// ParseRepeatLimit returns nil (unbounded) for blank, "off", "none",
// non-positive or unparsable values.
func ParseRepeatLimit(raw string) *int {
	if isUnboundedWord(raw) {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 1 || f > math.MaxInt32 {
		return nil
	}
	n := int(math.Floor(f))
	return &n
}

// ParseBool accepts the usual strconv forms plus on/off and yes/no.
func ParseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on", "yes", "y", "enable", "enabled":
		return true, true
	case "off", "no", "n", "disable", "disabled":
		return false, true
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, false
	}
	return v, true
}

// decodeRecord leniently decodes a persisted record. Fields holding values of
// the wrong type (strings where numbers belong, garbage) decode as zero and
// are defaulted by Normalize. ok is false when the blob is not a JSON object.
func decodeRecord(b []byte) (Config, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil || raw == nil {
		return Config{}, false
	}
	var c Config
	c.Enabled = rawBool(raw[string(FieldEnabled)])
	c.MinInterval = rawSeconds(raw[string(FieldMinInterval)])
	c.MaxInterval = rawSeconds(raw[string(FieldMaxInterval)])
	c.StartupInterval = rawSeconds(raw[string(FieldStartupInterval)])
	c.MessageTemplate = rawString(raw[string(FieldMessageTemplate)])
	c.RepeatLimit = rawRepeat(raw[string(FieldRepeatLimit)])
	c.ThrottleSafety = rawBool(raw[string(FieldThrottleSafety)])
	c.DelegatedGeneration = rawBool(raw[string(FieldDelegatedGeneration)])
	return c, true
}

// rawText returns a JSON string's content, or the raw token for other scalars.
func rawText(m json.RawMessage) string {
	m = bytes.TrimSpace(m)
	if len(m) == 0 || string(m) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(m, &s); err == nil {
		return s
	}
	return string(m)
}

func rawSeconds(m json.RawMessage) int { return ParseSeconds(rawText(m)) }

func rawString(m json.RawMessage) string {
	var s string
	if err := json.Unmarshal(m, &s); err != nil {
		return ""
	}
	return s
}

func rawBool(m json.RawMessage) bool {
	v, _ := ParseBool(rawText(m))
	return v
}

func rawRepeat(m json.RawMessage) *int {
	t := rawText(m)
	if t == "" {
		return nil
	}
	n := ParseRepeatLimit(t)
	if n == nil {
		// Explicit garbage; Normalize will report the reset.
		bad := 0
		return &bad
	}
	return n
}

func isUnboundedWord(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "off", "none", "unbounded", "unlimited", "inf", "infinite":
		return true
	}
	return false
}
