// Package commands exposes the scheduler controls as /autochat bot commands.
package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"autochat/internal/autochat"
	"autochat/internal/settings"
	"autochat/internal/storage"
	"autochat/internal/transport/telegram/router"
)

const defaultHistory = 10

// Set builds the /autochat command tree around a controller.
type Set struct {
	ctrl  *autochat.Controller
	live  *LiveDisplay
	store storage.Store
}

func New(ctrl *autochat.Controller, live *LiveDisplay, store storage.Store) *Set {
	return &Set{ctrl: ctrl, live: live, store: store}
}

func (s *Set) Commands() []router.Command {
	owner := router.AccessOwnerOnly
	return []router.Command{
		{Route: "autochat", Aliases: []string{"ac"}, Description: "show scheduler status", Usage: "/autochat", Access: owner, Handle: s.status},
		{Route: "autochat status", Description: "show scheduler status", Usage: "/autochat status", Access: owner, Handle: s.status},
		{Route: "autochat on", Description: "enable the scheduler", Usage: "/autochat on", Access: owner, Handle: s.toggle(true)},
		{Route: "autochat off", Description: "disable the scheduler", Usage: "/autochat off", Access: owner, Handle: s.toggle(false)},
		{Route: "autochat min", Description: "set minimum interval", Usage: "/autochat min <seconds|90s|HH:MM>", Access: owner, Handle: s.edit(s.ctrl.OnMinIntervalChange)},
		{Route: "autochat max", Description: "set maximum interval", Usage: "/autochat max <seconds|90s|HH:MM>", Access: owner, Handle: s.edit(s.ctrl.OnMaxIntervalChange)},
		{Route: "autochat startup", Description: "set first-cycle interval", Usage: "/autochat startup <seconds|90s|HH:MM>", Access: owner, Handle: s.edit(s.ctrl.OnStartupIntervalChange)},
		{Route: "autochat template", Description: "set message template", Usage: "/autochat template <text with " + settings.Placeholder + ">", Access: owner, Handle: s.edit(s.ctrl.OnTemplateChange)},
		{Route: "autochat repeat", Description: "set repeat limit", Usage: "/autochat repeat <n|off>", Access: owner, Handle: s.edit(s.ctrl.OnRepeatLimitChange)},
		{Route: "autochat throttle", Description: "toggle throttle safety", Usage: "/autochat throttle <on|off>", Access: owner, Handle: s.flag(s.ctrl.OnThrottleToggle)},
		{Route: "autochat generate", Description: "toggle delegated generation", Usage: "/autochat generate <on|off>", Access: owner, Handle: s.flag(s.ctrl.OnDelegatedGenerationToggle)},
		{Route: "autochat watch", Description: "post a live countdown", Usage: "/autochat watch", Access: owner, Handle: s.watch},
		{Route: "autochat unwatch", Description: "stop the live countdown", Usage: "/autochat unwatch", Access: owner, Handle: s.unwatch},
		{Route: "autochat history", Description: "recent dispatches", Usage: "/autochat history [n]", Access: owner, Timeout: 10 * time.Second, Handle: s.history},
	}
}

func (s *Set) status(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, s.ctrl.Status())
}

func (s *Set) toggle(on bool) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		cfg, err := s.ctrl.OnToggleEnabled(ctx, on)
		if err != nil {
			return err
		}
		if on {
			return req.Reply(ctx, "AutoChat enabled. "+s.ctrl.Countdown()+"\n"+cfg.String())
		}
		return req.Reply(ctx, "AutoChat disabled.")
	}
}

func (s *Set) edit(apply func(context.Context, string) (settings.Config, error)) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		cfg, err := apply(ctx, req.Tail)
		if err != nil {
			return err
		}
		return req.Reply(ctx, "Saved: "+cfg.String())
	}
}

func (s *Set) flag(apply func(context.Context, bool) (settings.Config, error)) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		v, ok := settings.ParseBool(req.Tail)
		if !ok {
			return fmt.Errorf("expected on or off, got %q", req.Tail)
		}
		cfg, err := apply(ctx, v)
		if err != nil {
			return err
		}
		return req.Reply(ctx, "Saved: "+cfg.String())
	}
}

func (s *Set) watch(ctx context.Context, req *router.Request) error {
	return s.live.Watch(ctx, req.Chat)
}

func (s *Set) unwatch(ctx context.Context, req *router.Request) error {
	if !s.live.Unwatch() {
		return req.Reply(ctx, "No live countdown.")
	}
	return req.Reply(ctx, "Live countdown stopped.")
}

func (s *Set) history(ctx context.Context, req *router.Request) error {
	n := defaultHistory
	if len(req.Args) > 0 {
		if v, err := strconv.Atoi(req.Args[0]); err == nil && v > 0 && v <= 50 {
			n = v
		}
	}
	entries, err := s.store.RecentDispatches(ctx, n)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return req.Reply(ctx, "No dispatches yet.")
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s #%d %s %s %ds", e.At.Format("01-02 15:04:05"), e.Cycle, e.Status, e.Mode, e.Seconds)
		if e.Error != "" {
			b.WriteString(" (" + e.Error + ")")
		} else if e.Text != "" {
			b.WriteString(": " + clip(e.Text, 60))
		}
		b.WriteByte('\n')
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func clip(s string, n int) string {
	rs := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(rs) <= n {
		return string(rs)
	}
	return string(rs[:n-1]) + "…"
}
