package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Duration is a config duration. It is written as a Go duration string
// ("250ms", "2m") or as a bare number of seconds. Negative values are
// rejected while decoding, so a bad hot reload never reaches Validate.
//
// An omitted field and an explicit "0s" differ: IfSet keeps the explicit
// zero, Or treats both as unset.
type Duration struct {
	d   time.Duration
	set bool
}

// Dur returns a set Duration.
func Dur(d time.Duration) Duration { return Duration{d: d, set: true} }

func (d Duration) Std() time.Duration { return d.d }

func (d Duration) IsSet() bool { return d.set }

// Or returns def when d is unset or zero.
func (d Duration) Or(def time.Duration) time.Duration {
	if d.d <= 0 {
		return def
	}
	return d.d
}

// IfSet returns def only when d was omitted.
func (d Duration) IfSet(def time.Duration) time.Duration {
	if !d.set {
		return def
	}
	return d.d
}

func (d Duration) String() string {
	if !d.set {
		return ""
	}
	return d.d.String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	if !d.set {
		return []byte("null"), nil
	}
	return json.Marshal(d.d.String())
}

var durationType = reflect.TypeOf(Duration{})

func (d *Duration) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*d = Duration{}
		return nil
	}

	var v time.Duration
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*d = Duration{}
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return badDuration(s, "not a duration")
		}
		v = parsed
	} else {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return badDuration(raw, "not a duration")
		}
		v = time.Duration(secs * float64(time.Second))
	}
	if v < 0 {
		return badDuration(raw, "negative")
	}
	*d = Dur(v)
	return nil
}

// badDuration is a type error so encoding/json fills in the field path.
func badDuration(raw, why string) error {
	return &json.UnmarshalTypeError{Value: fmt.Sprintf("duration %q (%s)", raw, why), Type: durationType}
}
