package provider

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type HealthState int

const (
	Healthy HealthState = iota
	Degraded
	Unavailable
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// HealthRecord is published atomically as a whole: readers always see a
// fully written state/timestamp pair.
type HealthRecord struct {
	State      HealthState
	ObservedAt time.Time
}

func (e *Entry) Health() HealthRecord {
	return *e.health.Load()
}

// MarkDegraded is the request path's only health write: a fatal provider
// failure downgrades a healthy provider. Further decay to unavailable is
// the probe loop's call.
func (e *Entry) MarkDegraded() {
	for {
		cur := e.health.Load()
		if cur.State != Healthy {
			return
		}
		next := &HealthRecord{State: Degraded, ObservedAt: time.Now()}
		if e.health.CompareAndSwap(cur, next) {
			return
		}
	}
}

// advanceHealth moves one step along healthy -> degraded -> unavailable.
func (e *Entry) advanceHealth() HealthState {
	for {
		cur := e.health.Load()
		state := cur.State
		switch state {
		case Healthy:
			state = Degraded
		case Degraded:
			state = Unavailable
		}
		next := &HealthRecord{State: state, ObservedAt: time.Now()}
		if e.health.CompareAndSwap(cur, next) {
			return state
		}
	}
}

// resetHealth records a successful probe, the only transition back to
// healthy.
func (e *Entry) resetHealth() {
	e.health.Store(&HealthRecord{State: Healthy, ObservedAt: time.Now()})
}

// Prober periodically issues a no-op call to every provider and updates
// health state. The request path never waits on a probe; it only reads the
// last published record.
type Prober struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

func NewProber(registry *Registry, interval, timeout time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{registry: registry, interval: interval, timeout: timeout, logger: logger}
}

// Run blocks until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range p.registry.Entries() {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			p.probe(ctx, e)
		}(e)
	}
	wg.Wait()
}

func (p *Prober) probe(ctx context.Context, e *Entry) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := e.Provider().Ping(cctx); err != nil {
		state := e.advanceHealth()
		p.logger.Warn("provider probe failed",
			zap.String("provider", e.Name()),
			zap.String("health", state.String()),
			zap.Error(err),
		)
		return
	}
	if e.Health().State != Healthy {
		p.logger.Info("provider recovered", zap.String("provider", e.Name()))
	}
	e.resetHealth()
}
