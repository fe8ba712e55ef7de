package autochat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"autochat/internal/settings"
	logx "autochat/pkg/logx"
)

// Controller is the UI-facing API. Each handler validates through the
// settings model and then drives the engine.
//
// Interval, template and repeat edits take effect at the next draw; a
// running cycle keeps its realized duration.
type Controller struct {
	model  *settings.Model
	engine *Engine
	log    logx.Logger
}

func NewController(model *settings.Model, engine *Engine, log logx.Logger) *Controller {
	return &Controller{model: model, engine: engine, log: log.With(logx.String("comp", "controller"))}
}

// Init loads settings and starts the engine when the record says enabled.
func (c *Controller) Init(ctx context.Context) (settings.Config, error) {
	cfg, err := c.model.Load(ctx)
	if err != nil {
		c.log.Warn("settings load failed; using defaults", logx.Err(err))
	}
	if cfg.Enabled {
		if err := c.engine.Start(ctx); err != nil && !errors.Is(err, ErrInvalidRange) {
			return c.model.Current(), err
		}
	}
	return c.model.Current(), nil
}

func (c *Controller) OnToggleEnabled(ctx context.Context, on bool) (settings.Config, error) {
	cfg, err := c.model.Update(ctx, settings.FieldEnabled, strconv.FormatBool(on))
	if err != nil {
		return cfg, err
	}
	if !on {
		c.engine.Stop("disabled")
		return cfg, nil
	}
	if err := c.engine.Start(ctx); err != nil {
		return c.model.Current(), err
	}
	return cfg, nil
}

func (c *Controller) OnMinIntervalChange(ctx context.Context, raw string) (settings.Config, error) {
	return c.model.Update(ctx, settings.FieldMinInterval, raw)
}

func (c *Controller) OnMaxIntervalChange(ctx context.Context, raw string) (settings.Config, error) {
	return c.model.Update(ctx, settings.FieldMaxInterval, raw)
}

func (c *Controller) OnStartupIntervalChange(ctx context.Context, raw string) (settings.Config, error) {
	return c.model.Update(ctx, settings.FieldStartupInterval, raw)
}

func (c *Controller) OnTemplateChange(ctx context.Context, text string) (settings.Config, error) {
	return c.model.Update(ctx, settings.FieldMessageTemplate, text)
}

// OnRepeatLimitChange accepts a count, or blank/off for unbounded.
func (c *Controller) OnRepeatLimitChange(ctx context.Context, raw string) (settings.Config, error) {
	return c.model.Update(ctx, settings.FieldRepeatLimit, raw)
}

func (c *Controller) OnThrottleToggle(ctx context.Context, on bool) (settings.Config, error) {
	return c.model.Update(ctx, settings.FieldThrottleSafety, strconv.FormatBool(on))
}

func (c *Controller) OnDelegatedGenerationToggle(ctx context.Context, on bool) (settings.Config, error) {
	return c.model.Update(ctx, settings.FieldDelegatedGeneration, strconv.FormatBool(on))
}

func (c *Controller) Countdown() string { return c.engine.Countdown() }

func (c *Controller) Snapshot() Snapshot { return c.engine.Snapshot() }

// Status renders the settings and engine state for a status toast.
func (c *Controller) Status() string {
	cfg := c.model.Current()
	snap := c.engine.Snapshot()

	var b strings.Builder
	state := "disabled"
	if cfg.Enabled {
		state = "enabled"
	}
	fmt.Fprintf(&b, "AutoChat is %s\n", state)
	fmt.Fprintf(&b, "Min time: %ds | Max time: %ds | Startup: %ds\n", cfg.MinInterval, cfg.MaxInterval, cfg.StartupInterval)
	if n, ok := cfg.Limit(); ok {
		fmt.Fprintf(&b, "Repeat: %d/%d\n", snap.Cycles, n)
	} else {
		fmt.Fprintf(&b, "Repeat: %d/unbounded\n", snap.Cycles)
	}
	fmt.Fprintf(&b, "Throttle safety: %s | Delegated: %s\n", onOff(cfg.ThrottleSafety), onOff(cfg.DelegatedGeneration))
	fmt.Fprintf(&b, "Template: %s\n", cfg.MessageTemplate)
	if !snap.LastSendAt.IsZero() {
		fmt.Fprintf(&b, "Last send: %s\n", snap.LastSendAt.Format(time.RFC3339))
	}
	b.WriteString(c.engine.Countdown())
	return b.String()
}

// Close stops the engine without touching the persisted enabled flag, so
// the next process start resumes.
func (c *Controller) Close(ctx context.Context) error {
	c.engine.Stop("shutdown")
	return c.model.Close(ctx)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
