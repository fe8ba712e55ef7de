package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autochat/internal/eventbus"
	rtsup "autochat/internal/runtime/supervisor"
	kit "autochat/internal/transport"
	logx "autochat/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// sendTimeout bounds one delivery attempt.
const sendTimeout = 10 * time.Second

// Service delivers toasts from a bounded queue through a small, rate
// limited worker pool. Notify never waits on the network.
type Service struct {
	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	seen   *dedup

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	pool    *pool // nil while stopped
}

// pool is one Start..Stop lifetime of the workers.
type pool struct {
	queue    chan Toast
	sup      *rtsup.Supervisor
	inflight sync.WaitGroup // Notify calls that may still send on queue
	draining bool
	drained  chan struct{}
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		seen:   &dedup{until: map[string]time.Time{}},
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the configuration. Rate, retry and dedup settings apply at
// once; worker count and queue size on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg.Workers = max(cfg.Workers, 1)
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	cfg.RatePerSec = max(cfg.RatePerSec, 1)
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	cfg.RetryMaxDelay = max(cfg.RetryMaxDelay, cfg.RetryBase)
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 500
	}

	s.mu.Lock()
	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(cfg.RatePerSec)
	}
	s.mu.Unlock()
	s.seen.resize(cfg.DedupMaxEntries)
}

// Start launches the workers. It waits for a Stop still draining and is a
// no-op when already running or disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if p := s.pool; p != nil && p.draining {
		s.mu.Unlock()
		select {
		case <-p.drained:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.pool != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	p := &pool{
		queue:   make(chan Toast, s.cfg.QueueSize),
		sup:     rtsup.New(ctx, rtsup.WithLogger(s.log)),
		drained: make(chan struct{}),
	}
	s.pool = p
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := range workers {
		// A panicking sender restarts the worker; a closed queue ends it.
		p.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case t, ok := <-p.queue:
					if !ok {
						return nil
					}
					s.deliver(c, t)
				}
			}
		}, rtsup.WithRestartBackoff(100*time.Millisecond, 2*time.Second))
	}
}

// Stop refuses new toasts and drains the queue until ctx is done, then
// abandons what is left.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.pool
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := !p.draining
	p.draining = true
	s.mu.Unlock()

	if first {
		go func() {
			p.inflight.Wait()
			close(p.queue)
			_ = p.sup.Wait(context.Background())
			s.mu.Lock()
			s.pool = nil
			s.mu.Unlock()
			close(p.drained)
		}()
	}

	select {
	case <-p.drained:
	case <-ctx.Done():
		p.sup.Cancel()
	}
}

// Notify queues t. A repeat of the same toast inside the dedup window is
// dropped without error.
func (s *Service) Notify(ctx context.Context, t Toast) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	p := s.pool
	if p == nil || p.draining {
		s.mu.Unlock()
		return ErrStopped
	}
	window := s.cfg.DedupWindow
	p.inflight.Add(1)
	s.mu.Unlock()
	defer p.inflight.Done()

	if window > 0 && !s.seen.allow(toastKey(t), time.Now(), window) {
		s.publish(TypeDeduped, t, 0, nil)
		return nil
	}
	select {
	case p.queue <- t:
		s.publish(TypeQueued, t, 0, nil)
		return nil
	default:
		s.publish(TypeDropped, t, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) deliver(ctx context.Context, t Toast) {
	if s.sender == nil || t.Target.IsZero() {
		return
	}
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := t.Level.prefix() + t.Text
	opts := &kit.SendOptions{DisablePreview: true}
	var err error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(backoff(cfg, attempt-1))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
		if werr := lim.Wait(ctx); werr != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err = s.sender.SendText(sctx, t.Target, text, opts)
		cancel()
		if err == nil {
			s.publish(TypeSent, t, attempt, nil)
			return
		}
		s.log.Debug("toast send failed", logx.Err(err), logx.Int("attempt", attempt))
	}
	s.log.Warn("toast dropped after retries", logx.Err(err), logx.String("level", t.Level.String()))
	s.publish(TypeFailed, t, 1+cfg.RetryMax, err)
}

func (s *Service) publish(typ string, t Toast, attempts int, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := ToastEvent{Level: t.Level.String(), ChatID: t.Target.ChatID, ThreadID: t.Target.ThreadID, Attempts: attempts, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// backoff is the delay after the n-th failed attempt: doubling from
// RetryBase, capped at RetryMaxDelay, with ±30% jitter.
func backoff(cfg Config, n int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < n && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryMaxDelay)) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

func toastKey(t Toast) string {
	return fmt.Sprintf("%d|%d:%d|%s", t.Level, t.Target.ChatID, t.Target.ThreadID, t.Text)
}

// dedup remembers recently queued toasts until their window ends.
type dedup struct {
	mu    sync.Mutex
	until map[string]time.Time
	limit int
}

func (d *dedup) resize(limit int) {
	d.mu.Lock()
	d.limit = limit
	d.mu.Unlock()
}

func (d *dedup) allow(key string, now time.Time, window time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if until, ok := d.until[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range d.until {
		if !now.Before(until) {
			delete(d.until, k)
		}
	}
	// Still full: forget the entry closest to expiry.
	for d.limit > 0 && len(d.until) >= d.limit {
		var oldest string
		for k, until := range d.until {
			if oldest == "" || until.Before(d.until[oldest]) {
				oldest = k
			}
		}
		delete(d.until, oldest)
	}
	d.until[key] = now.Add(window)
	return true
}
