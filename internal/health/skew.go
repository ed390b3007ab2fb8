package health

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"switchyard/internal/check"
)

// Heartbeat TTLs compare client-supplied registration times against the
// server wall clock, so a badly skewed server clock silently expires
// healthy instances. The skew checker samples NTP and surfaces the
// offset in daemon status; it never changes routing decisions.

const (
	defaultNTPPool      = "pool.ntp.org"
	defaultNTPInterval  = 60 * time.Second
	defaultNTPThreshold = 500 * time.Millisecond
)

type SkewPhase uint8

const (
	SkewUnchecked SkewPhase = iota + 1
	SkewHealthy
	SkewExcessive
	SkewError
)

func (p SkewPhase) String() string {
	switch p {
	case SkewUnchecked:
		return "unchecked"
	case SkewHealthy:
		return "healthy"
	case SkewExcessive:
		return "excessive"
	case SkewError:
		return "error"
	default:
		return "unknown"
	}
}

func (p SkewPhase) Transition(to SkewPhase) SkewPhase {
	ok := false
	switch p {
	case SkewUnchecked:
		ok = to == SkewHealthy || to == SkewExcessive || to == SkewError
	case SkewHealthy:
		ok = to == SkewExcessive || to == SkewError
	case SkewExcessive:
		ok = to == SkewHealthy || to == SkewError
	case SkewError:
		ok = to == SkewHealthy || to == SkewExcessive || to == SkewError
	}
	check.Assertf(ok, "skew transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

type SkewStatus struct {
	Offset    time.Duration
	Phase     SkewPhase
	Error     string
	CheckedAt time.Time
}

// SkewChecker periodically samples an NTP pool and keeps the latest
// observed clock offset.
type SkewChecker struct {
	mu        sync.RWMutex
	status    SkewStatus
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     Clock

	// CheckFunc replaces the NTP query in tests.
	CheckFunc func() SkewStatus
}

func NewSkewChecker(clock Clock) *SkewChecker {
	check.Assert(clock != nil, "health.NewSkewChecker: clock must not be nil")
	return &SkewChecker{
		pool:      defaultNTPPool,
		interval:  defaultNTPInterval,
		threshold: defaultNTPThreshold,
		status:    SkewStatus{Phase: SkewUnchecked},
		clock:     clock,
	}
}

func (c *SkewChecker) Run(ctx context.Context) {
	c.check()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.check()
		}
	}
}

func (c *SkewChecker) check() {
	if c.CheckFunc != nil {
		c.mu.Lock()
		c.status = c.CheckFunc()
		c.mu.Unlock()
		return
	}

	resp, err := ntp.Query(c.pool)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if err != nil {
		c.status = SkewStatus{Error: err.Error(), Phase: c.status.Phase.Transition(SkewError), CheckedAt: now}
		return
	}

	phase := SkewExcessive
	if resp.ClockOffset.Abs() < c.threshold {
		phase = SkewHealthy
	}
	c.status = SkewStatus{Offset: resp.ClockOffset, Phase: c.status.Phase.Transition(phase), CheckedAt: now}
}

func (c *SkewChecker) Status() SkewStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}
