package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"autochat/internal/storage"
	logx "autochat/pkg/logx"
)

var ErrUnknownField = errors.New("settings: unknown field")

const defaultDebounce = 500 * time.Millisecond

// Model owns the scheduler record: it validates UI edits, keeps the record
// normalized and writes it back to the store.
//
// Most edits are persisted after a short debounce so a burst of keystrokes
// becomes a single write. Enabling throttle safety and SetEnabled write
// through immediately.
type Model struct {
	store    storage.Store
	log      logx.Logger
	debounce time.Duration

	// writeMu serializes store writes so snapshots land in order.
	writeMu sync.Mutex

	mu     sync.Mutex
	cur    Config
	dirty  bool
	timer  *time.Timer
	closed bool
}

type Option func(*Model)

// WithDebounce sets the persistence debounce. d <= 0 writes every change
// immediately.
func WithDebounce(d time.Duration) Option {
	return func(m *Model) { m.debounce = d }
}

// SetDebounce changes the persistence debounce for later edits. d <= 0
// writes every change immediately.
func (m *Model) SetDebounce(d time.Duration) {
	m.mu.Lock()
	m.debounce = d
	m.mu.Unlock()
}

func New(store storage.Store, log logx.Logger, opts ...Option) *Model {
	m := &Model{
		store:    store,
		log:      log.With(logx.String("comp", "settings")),
		debounce: defaultDebounce,
		cur:      Defaults(),
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m
}

// Load reads the record from the store and normalizes it. A missing or
// corrupt record yields defaults. Corrections are persisted right away.
func (m *Model) Load(ctx context.Context) (Config, error) {
	c := Defaults()
	persist := false

	b, err := m.store.GetRecord(ctx, Namespace)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		persist = true
	case err != nil:
		return m.Current(), fmt.Errorf("settings: load: %w", err)
	default:
		dec, ok := decodeRecord(b)
		if !ok {
			m.log.Warn("settings record corrupt; using defaults", logx.Int("bytes", len(b)))
			persist = true
		} else {
			c = dec
		}
	}

	norm, fixes := Normalize(c, FieldNone)
	m.warn(fixes)
	if len(fixes) > 0 {
		persist = true
	}

	m.mu.Lock()
	m.cur = norm
	m.dirty = m.dirty || persist
	m.mu.Unlock()

	if persist {
		if err := m.Flush(ctx); err != nil {
			return norm.Clone(), err
		}
	}
	m.log.Debug("settings loaded", logx.String("config", norm.String()))
	return norm.Clone(), nil
}

func (m *Model) Current() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur.Clone()
}

// Update applies a raw UI value to field and returns the corrected record.
// Only an unknown field is rejected; bad values are healed by Normalize.
func (m *Model) Update(ctx context.Context, field Field, raw string) (Config, error) {
	m.mu.Lock()
	prev := m.cur.Clone()
	next := prev.Clone()

	switch field {
	case FieldEnabled, FieldThrottleSafety, FieldDelegatedGeneration:
		v, ok := ParseBool(raw)
		if !ok {
			m.mu.Unlock()
			m.log.Warn("ignoring non-boolean value", logx.String("field", string(field)), logx.String("value", raw))
			return prev, nil
		}
		switch field {
		case FieldEnabled:
			next.Enabled = v
		case FieldThrottleSafety:
			next.ThrottleSafety = v
		default:
			next.DelegatedGeneration = v
		}
	case FieldMinInterval:
		next.MinInterval = ParseSeconds(raw)
	case FieldMaxInterval:
		next.MaxInterval = ParseSeconds(raw)
	case FieldStartupInterval:
		next.StartupInterval = ParseSeconds(raw)
	case FieldMessageTemplate:
		next.MessageTemplate = raw
	case FieldRepeatLimit:
		next.RepeatLimit = ParseRepeatLimit(raw)
		if next.RepeatLimit == nil && !isUnboundedWord(raw) {
			m.log.Warn("repeat limit not a positive number; using unbounded", logx.String("value", raw))
		}
	default:
		m.mu.Unlock()
		return prev, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}

	norm, fixes := Normalize(next, field)
	changed := !equal(prev, norm)
	if changed {
		m.cur = norm
		m.dirty = true
	}
	immediate := field == FieldThrottleSafety && norm.ThrottleSafety && !prev.ThrottleSafety
	debounce := m.debounce
	m.mu.Unlock()

	m.warn(fixes)
	if !changed {
		return norm.Clone(), nil
	}
	m.log.Debug("settings updated", logx.String("field", string(field)), logx.String("config", norm.String()))

	if immediate || debounce <= 0 {
		return norm.Clone(), m.Flush(ctx)
	}
	m.schedule()
	return norm.Clone(), nil
}

// SetEnabled flips the enabled flag and persists immediately.
func (m *Model) SetEnabled(ctx context.Context, v bool) (Config, error) {
	m.mu.Lock()
	if m.cur.Enabled == v {
		c := m.cur.Clone()
		m.mu.Unlock()
		return c, nil
	}
	m.cur.Enabled = v
	m.dirty = true
	c := m.cur.Clone()
	m.mu.Unlock()
	return c, m.Flush(ctx)
}

// Flush writes a pending change, if any.
func (m *Model) Flush(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if !m.dirty {
		m.mu.Unlock()
		return nil
	}
	snap := m.cur.Clone()
	m.dirty = false
	m.mu.Unlock()

	b, err := json.Marshal(snap)
	if err == nil {
		err = m.store.PutRecord(ctx, Namespace, b)
	}
	if err != nil {
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
		m.log.Error("settings persist failed", logx.Err(err))
		return fmt.Errorf("settings: persist: %w", err)
	}
	return nil
}

// Close flushes pending changes and stops the debounce timer.
func (m *Model) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.Flush(ctx)
}

func (m *Model) schedule() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Flush(ctx)
	})
}

func (m *Model) warn(fixes []Correction) {
	for _, f := range fixes {
		m.log.Warn("settings corrected",
			logx.String("field", string(f.Field)),
			logx.String("from", f.From),
			logx.String("to", f.To),
			logx.String("reason", f.Reason),
		)
	}
}
