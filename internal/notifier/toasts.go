package notifier

import (
	"context"
	"sync"

	kit "autochat/internal/transport"
	logx "autochat/pkg/logx"
)

// Toasts sends scheduler toasts to a fixed operator chat. Delivery is best
// effort; failures are logged only.
type Toasts struct {
	svc *Service
	log logx.Logger

	mu     sync.RWMutex
	target kit.ChatTarget
}

func NewToasts(svc *Service, target kit.ChatTarget, log logx.Logger) *Toasts {
	return &Toasts{svc: svc, target: target, log: log.With(logx.String("comp", "toasts"))}
}

// SetTarget changes the destination chat (config hot reload).
func (t *Toasts) SetTarget(target kit.ChatTarget) {
	t.mu.Lock()
	t.target = target
	t.mu.Unlock()
}

func (t *Toasts) Info(ctx context.Context, text string)  { t.send(ctx, LevelInfo, text) }
func (t *Toasts) Warn(ctx context.Context, text string)  { t.send(ctx, LevelWarn, text) }
func (t *Toasts) Error(ctx context.Context, text string) { t.send(ctx, LevelError, text) }

func (t *Toasts) send(ctx context.Context, level Level, text string) {
	t.mu.RLock()
	target := t.target
	t.mu.RUnlock()
	if target.IsZero() {
		t.log.Info("toast (no target)", logx.String("level", level.String()), logx.String("text", text))
		return
	}
	if err := t.svc.Notify(ctx, Toast{Level: level, Target: target, Text: text}); err != nil {
		t.log.Warn("toast not queued", logx.Err(err))
	}
}
