package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"autochat/internal/autochat"
	"autochat/internal/config"
	"autochat/internal/dispatch"
	"autochat/internal/eventbus"
	"autochat/internal/generate"
	"autochat/internal/notifier"
	"autochat/internal/observability"
	rtsup "autochat/internal/runtime/supervisor"
	"autochat/internal/settings"
	"autochat/internal/storage"
	kit "autochat/internal/transport"
	telegram "autochat/internal/transport/telegram/adapter"
	"autochat/internal/transport/telegram/commands"
	"autochat/internal/transport/telegram/router"
	logx "autochat/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	poster  *telegram.ChatPoster
	disp    *dispatch.Dispatcher
	router  *router.Router
	live    *commands.LiveDisplay
	history *generate.History

	model  *settings.Model
	engine *autochat.Engine
	ctrl   *autochat.Controller

	notif  *notifier.Service
	toasts *notifier.Toasts
	status *statusReporter

	metrics *observability.Metrics
	server  *observability.Server

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeout.Or(10 * time.Second),
	}, logx.NewConsole("INFO"))
	if err != nil {
		return nil, err
	}

	// Bootstrap with the chat sink off so Apply does not warn about a
	// missing target, then enable it once the target is set.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	if id, ok := parseChatID(cfg.Telegram.GroupLog); ok {
		logSvc.SetChatTarget(id, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	ac := mapAutoChatConfig(cfg)
	if ac.Target.IsZero() {
		log.Warn("autochat.chat_id is not set; scheduled messages will fail until it is")
	}

	gcfg, historySize, genOK := mapGenerationConfig(cfg)
	history := generate.NewHistory(historySize)
	poster := telegram.NewChatPoster(ad, ac.Target)

	dopts := []dispatch.Option{
		dispatch.WithStore(store),
		dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))),
		dispatch.WithTarget(ac.Target.ChatID, ac.Target.ThreadID),
		dispatch.WithGenerationTimeout(ac.GenerationTimeout),
	}
	if genOK {
		dopts = append(dopts, dispatch.WithDelegate(generate.New(gcfg, history, log)))
	}
	disp := dispatch.New(&recordingPoster{next: poster, history: history, name: ad.Username}, dopts...)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)
	toasts := notifier.NewToasts(notif, toastTarget(cfg), log)

	live := commands.NewLiveDisplay(ad, ac.LiveEditInterval, log)

	model := settings.New(store, log, settings.WithDebounce(ac.SettingsDebounce))
	engine := autochat.NewEngine(model, disp,
		autochat.WithLogger(log),
		autochat.WithNotifier(toasts),
		autochat.WithDisplay(live),
		autochat.WithBus(bus),
		autochat.WithStrictRange(ac.StrictRange),
		autochat.WithTickInterval(ac.TickInterval),
		autochat.WithDispatchTimeout(ac.DispatchTimeout),
	)
	ctrl := autochat.NewController(model, engine, log)

	rt := router.New(log.With(logx.String("comp", "router")), ad, cfg.Telegram.OwnerUserIDs)
	rt.SetRegistry(commands.New(ctrl, live, store).Commands())

	metrics := observability.MustNewMetrics(observability.CountdownFrom(engine))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		poster:  poster,
		disp:    disp,
		router:  rt,
		live:    live,
		history: history,
		model:   model,
		engine:  engine,
		ctrl:    ctrl,
		notif:   notif,
		toasts:  toasts,
		status:  newStatusReporter(ctrl.Status, toasts.Info, log),
		metrics: metrics,
		server:  observability.NewServer(mapServerConfig(cfg), metrics.Registry(), log),
		updates: make(chan kit.Update, 256),
	}
	rt.Observe(a.observe)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
		rtsup.WithObserver(a.metrics.ObserveTask),
	)
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		_, err := mapNotifierConfig(cfg)
		return err
	})

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(run)
	}

	a.sup.Go("router", func(c context.Context) error { return a.router.Run(c, a.updates) })
	a.sup.Go("live.display", a.live.Run)
	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus, a.log) })
	a.sup.Go0("eventbus.log", a.logEvents)

	cfg := a.cfgm.Get()
	a.server.Reconfigure(run, mapServerConfig(cfg))

	sc, err := a.ctrl.Init(run)
	if err != nil {
		return fmt.Errorf("autochat init: %w", err)
	}
	a.log.Info("autochat settings loaded", logx.String("settings", sc.String()), logx.Bool("running", a.engine.Running()))

	if err := a.status.Apply(run, cfg.AutoChat.StatusReport, cfg.AutoChat.Timezone); err != nil {
		a.log.Warn("status report disabled", logx.Err(err))
	}

	sub, unsub := a.cfgm.Subscribe(1)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsub()
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	// fsnotify watchers can break (editor quirks, overflow); restart them.
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))

	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies what can change at runtime and warns about the rest.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if id, ok := parseChatID(newCfg.Telegram.GroupLog); ok {
		a.logs.SetChatTarget(id, newCfg.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetChatTarget(0, 0)
	}
	a.logs.Apply(mapLogConfig(newCfg))

	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.toasts.SetTarget(toastTarget(newCfg))

	a.applyAutoChat(ctx, mapAutoChatConfig(newCfg))

	wasEnabled := a.notif.Enabled()
	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !wasEnabled && ncfg.Enabled:
			a.notif.Start(ctx)
			a.log.Info("notifier enabled via config")
		}
	}

	a.server.Reconfigure(ctx, mapServerConfig(newCfg))

	for _, s := range []string{"storage", "generation"} {
		if slices.Contains(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	if oldCfg != nil && oldCfg.Telegram.Token != newCfg.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyAutoChat retargets the scheduler and retunes its timing in place.
// A new tick interval takes effect at the next tick.
func (a *App) applyAutoChat(ctx context.Context, ac runtimeAutoChat) {
	a.poster.SetTarget(ac.Target)
	a.disp.SetTarget(ac.Target.ChatID, ac.Target.ThreadID)
	a.disp.SetGenerationTimeout(ac.GenerationTimeout)
	a.engine.Tune(ac.tuning())
	a.live.SetInterval(ac.LiveEditInterval)
	a.model.SetDebounce(ac.SettingsDebounce)
	if err := a.status.Apply(ctx, ac.StatusReport, ac.Timezone); err != nil {
		a.log.Warn("status report disabled", logx.Err(err))
	}
}

// observe feeds plain messages from the scheduled chat into the generation
// history.
func (a *App) observe(m kit.Message) {
	t := a.poster.Target()
	if t.IsZero() || m.ChatID != t.ChatID || (t.ThreadID != 0 && m.ThreadID != t.ThreadID) {
		return
	}
	from := strings.TrimSpace(m.FromName)
	if from == "" {
		from = m.FromUsername
	}
	a.history.Add(generate.Line{At: time.Now(), From: from, Text: m.Text})
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			// ticks never hit the bus, so this stays quiet
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown phase so a stuck component cannot stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// The engine goes first so no cycle fires into a half-stopped process;
	// Close keeps the persisted enabled flag so the next start resumes.
	step("autochat", 3*time.Second, a.ctrl.Close)
	step("status_report", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("observability", time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
