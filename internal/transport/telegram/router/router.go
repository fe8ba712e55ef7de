// Package router turns Telegram text updates into command invocations.
//
// Commands are registered by space-separated route ("autochat min"); the
// longest matching route wins. Owner-only commands are checked against the
// configured owner ids. Handlers run on a small supervised worker pool so a
// slow handler never stalls the update loop.
package router

import (
	"context"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "autochat/internal/runtime/supervisor"
	kit "autochat/internal/transport"
	logx "autochat/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Route       string
	Aliases     []string // root-level shortcuts, e.g. "ac_on"
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	// Tail is the raw text after the route, whitespace preserved inside.
	Tail    string
	ReqID   string
	Logger  logx.Logger
	Adapter kit.Adapter
}

// Reply sends text to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (r *Request) logger(fallback logx.Logger) logx.Logger {
	if r == nil || r.Logger.IsZero() {
		return fallback
	}
	return r.Logger
}

// Observer sees every plain (non-command) message.
type Observer func(msg kit.Message)

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	workers int

	mu        sync.RWMutex
	routes    map[string]Command
	alias     map[string]string
	owners    []int64
	observers []Observer

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		log:     log.With(logx.String("comp", "router")),
		adapter: adapter,
		workers: 2,
		routes:  map[string]Command{},
		alias:   map[string]string{},
		owners:  append([]int64(nil), owners...),
		jobs:    make(chan func(), 64),
	}
}

// SetOwners replaces the owner list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) Observe(fn Observer) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

// SetRegistry replaces all commands. A help command is always added.
func (r *Router) SetRegistry(cmds []Command) {
	cmds = append(cmds, Command{
		Route:       "help",
		Description: "show commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(isOwner(req.FromID, r.ownersSnapshot())))
		},
	})

	routes := map[string]Command{}
	alias := map[string]string{}
	for _, c := range cmds {
		route := strings.Join(strings.Fields(strings.ToLower(c.Route)), " ")
		if route == "" || c.Handle == nil {
			continue
		}
		c.Route = route
		routes[route] = c
		if name := menuName(route); name != "" && name != route {
			alias[name] = route
		}
		for _, a := range c.Aliases {
			if a = sanitizeCommand(a); a != "" {
				alias[a] = route
			}
		}
	}

	r.mu.Lock()
	r.routes = routes
	r.alias = alias
	r.mu.Unlock()

	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		menu := r.menu()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

// Run consumes updates until ctx is done or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(idx, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command router started", logx.Int("workers", r.workers))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) runJob(idx int, job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		r.mu.RLock()
		obs := r.observers
		r.mu.RUnlock()
		for _, fn := range obs {
			fn(*msg)
		}
		return
	}

	cmd, args, tail, ok := r.match(text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, r.ownersSnapshot()) {
		_, _ = r.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Route,
		Args:    args,
		Tail:    tail,
		ReqID:   rid,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
		),
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWReplyError(),
		MWTimeout(cmd.Timeout),
	)
	select {
	case r.jobs <- func() { _ = final(ctx, req) }:
	default:
		_, _ = r.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

// match resolves "/word@bot a b c" to the longest registered route.
func (r *Router) match(text string) (Command, []string, string, bool) {
	fields := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	rest := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	r.mu.RLock()
	defer r.mu.RUnlock()

	path := word
	if target, ok := r.alias[word]; ok {
		path = target
	}
	best, bestRest, found := "", rest, false
	if _, ok := r.routes[path]; ok {
		best, found = path, true
	}
	for _, tok := range fields[1:] {
		path += " " + strings.ToLower(tok)
		rest = strings.TrimSpace(strings.TrimPrefix(rest, tok))
		if _, ok := r.routes[path]; ok {
			best, bestRest, found = path, rest, true
		}
	}
	if !found {
		return Command{}, nil, "", false
	}
	return r.routes[best], strings.Fields(bestRest), bestRest, true
}

func (r *Router) ownersSnapshot() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int64(nil), r.owners...)
}

func (r *Router) commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.routes))
	for _, c := range r.routes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

func (r *Router) helpText(owner bool) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range r.commands() {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Route
		}
		b.WriteString(usage)
		if c.Description != "" {
			b.WriteString(" - " + c.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) menu() []kit.BotCommand {
	var out []kit.BotCommand
	for _, c := range r.commands() {
		name := menuName(c.Route)
		if name == "" {
			continue
		}
		out = append(out, kit.BotCommand{Command: name, Description: c.Description})
	}
	return out
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
