package autochat

import (
	"math/rand"
	"sync"
	"time"

	"autochat/internal/settings"
)

// Policy picks the duration of the next cycle.
//
// The first cycle after a Stopped->Running transition uses the startup
// interval; every later cycle draws uniformly from [min, max] whole seconds.
type Policy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy returns a policy drawing from src. A nil src seeds from the clock.
func NewPolicy(src rand.Source) *Policy {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Policy{rng: rand.New(src)}
}

// Next returns the duration for the coming cycle and clears st.FirstCycle.
func (p *Policy) Next(cfg settings.Config, st *State) time.Duration {
	if st.FirstCycle {
		st.FirstCycle = false
		return cfg.Startup()
	}
	lo, hi := cfg.MinInterval, cfg.MaxInterval
	if hi < lo {
		hi = lo
	}
	p.mu.Lock()
	n := p.rng.Intn(hi-lo+1) + lo
	p.mu.Unlock()
	return time.Duration(n) * time.Second
}
