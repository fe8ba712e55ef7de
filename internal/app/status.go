package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"autochat/internal/config"
	logx "autochat/pkg/logx"
)

// statusReporter posts the controller's status as an info toast on a cron
// schedule. An empty spec disables it.
type statusReporter struct {
	log    logx.Logger
	status func() string
	toast  func(ctx context.Context, text string)

	mu   sync.Mutex
	c    *cron.Cron
	spec string
	tz   string
	ctx  context.Context
}

func newStatusReporter(status func() string, toast func(context.Context, string), log logx.Logger) *statusReporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &statusReporter{status: status, toast: toast, log: log.With(logx.String("comp", "status_report"))}
}

// Apply (re)starts the schedule when spec or timezone changed.
func (r *statusReporter) Apply(ctx context.Context, spec, tz string) error {
	spec, tz = strings.TrimSpace(spec), strings.TrimSpace(tz)

	r.mu.Lock()
	if r.c != nil && spec == r.spec && tz == r.tz {
		r.mu.Unlock()
		return nil
	}
	old := r.c
	r.c, r.spec, r.tz, r.ctx = nil, spec, tz, ctx
	r.mu.Unlock()

	if old != nil {
		<-old.Stop().Done()
	}
	if spec == "" {
		return nil
	}

	sched, err := config.ParseStatusSchedule(spec)
	if err != nil {
		return err
	}
	loc := time.Local
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			r.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}

	c := cron.New(cron.WithLocation(loc))
	c.Schedule(sched, cron.FuncJob(r.report))
	c.Start()

	r.mu.Lock()
	r.c = c
	r.mu.Unlock()
	r.log.Info("status report scheduled", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

func (r *statusReporter) report() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	r.toast(ctx, "AutoChat Status\n"+r.status())
}

// Next is the next scheduled report, zero when disabled.
func (r *statusReporter) Next() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return time.Time{}
	}
	entries := r.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (r *statusReporter) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
