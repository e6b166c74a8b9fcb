package ratelimit

import (
	"sync"
	"time"
)

// BreakerState is the lifecycle of one project's circuit.
type BreakerState string

const (
	// BreakerClosed admits all work.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen rejects work until the cooldown elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen admits a single probe after cooldown.
	BreakerHalfOpen BreakerState = "half-open"
)

// Breaker tracks consecutive sync failures per project. After threshold
// failures the project's circuit opens for the cooldown; the first request
// afterward runs as a probe, and its outcome decides between closing the
// circuit and re-opening it.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	projects map[string]*circuit
	now      func() time.Time
}

type circuit struct {
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
	probeAt  time.Time
}

// NewBreaker builds a breaker; threshold <= 0 defaults to 3 consecutive
// failures and cooldown <= 0 to 5 minutes.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		projects:  make(map[string]*circuit),
		now:       time.Now,
	}
}

func (b *Breaker) circuitFor(project string) *circuit {
	c, ok := b.projects[project]
	if !ok {
		c = &circuit{state: BreakerClosed}
		b.projects[project] = c
	}
	return c
}

// Allow reports whether work on a project may proceed. In the open state it
// flips to half-open once the cooldown has elapsed and admits exactly one
// probe.
func (b *Breaker) Allow(project string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(project)
	switch c.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		c.state = BreakerHalfOpen
		c.probing = true
		c.probeAt = b.now()
		return true
	case BreakerHalfOpen:
		// An admitted probe that never reports an outcome forfeits its
		// slot after another cooldown, so a terminated prober cannot pin
		// the circuit half-open forever.
		if c.probing && b.now().Sub(c.probeAt) < b.cooldown {
			return false
		}
		c.probing = true
		c.probeAt = b.now()
		return true
	}
	return true
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess(project string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(project)
	c.state = BreakerClosed
	c.failures = 0
	c.probing = false
}

// RecordFailure counts a failure; at the threshold, or on a failed
// half-open probe, the circuit opens.
func (b *Breaker) RecordFailure(project string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(project)
	c.failures++
	c.probing = false
	if c.state == BreakerHalfOpen || c.failures >= b.threshold {
		c.state = BreakerOpen
		c.openedAt = b.now()
	}
}

// State returns the current state of a project's circuit.
func (b *Breaker) State(project string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.projects[project]
	if !ok {
		return BreakerClosed
	}
	if c.state == BreakerOpen && b.now().Sub(c.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return c.state
}

// Snapshot reports every non-closed circuit, for health output.
func (b *Breaker) Snapshot() map[string]BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]BreakerState)
	for project, c := range b.projects {
		if c.state != BreakerClosed {
			out[project] = c.state
		}
	}
	return out
}
