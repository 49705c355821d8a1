package engine

import (
	"sort"
	"sync"
	"time"
)

// circuit is a consecutive-failure breaker for one task name. Once fails
// reaches the trip threshold the task is refused for an exponentially
// growing cooldown; a success closes it.
type circuit struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuits struct {
	mu sync.Mutex
	m  map[string]*circuit
}

func tripFor(cfg Config, opt TaskOptions) int {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return 0
	}
	if opt.CircuitTripFailures > 0 {
		return opt.CircuitTripFailures
	}
	return cfg.CircuitTripFailures
}

func (c *circuits) lockedGet(name string, now time.Time, cfg Config) *circuit {
	if c.m == nil {
		c.m = map[string]*circuit{}
	}
	st := c.m[name]
	if st == nil {
		st = &circuit{}
		c.m[name] = st
	}
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cfg.CircuitResetAfter {
		*st = circuit{}
	}
	return st
}

func (c *circuits) isOpen(name string, now time.Time, cfg Config, opt TaskOptions) (bool, time.Time) {
	if tripFor(cfg, opt) == 0 {
		return false, time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.lockedGet(name, now, cfg)
	if now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (c *circuits) record(name string, now time.Time, cfg Config, opt TaskOptions, err error) {
	trip := tripFor(cfg, opt)
	if trip == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.lockedGet(name, now, cfg)
	if err == nil {
		*st = circuit{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < trip {
		return
	}
	d := cfg.CircuitBaseDelay
	for i := trip; i < st.fails && d < cfg.CircuitMaxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, cfg.CircuitMaxDelay))
}

func (c *circuits) open(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for name, st := range c.m {
		if now.Before(st.openUntil) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
