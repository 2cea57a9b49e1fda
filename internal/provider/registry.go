package provider

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ModelCost is the billing rate for one model, in USD per 1K tokens.
type ModelCost struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k" json:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k" json:"completion_per_1k"`
}

// EntryConfig is the static, operator-supplied part of a registry entry.
type EntryConfig struct {
	// Name identifies the entry in routing, billing and reporting. It
	// defaults to the adapter's own name, and must be set when several
	// entries share one adapter type.
	Name     string
	Priority int
	Timeout  time.Duration
	Models   []string // overrides the adapter's defaults when non-empty
	Costs    map[string]ModelCost
}

const defaultInvokeTimeout = 60 * time.Second

// Entry pairs an adapter with its configuration and live health state.
type Entry struct {
	impl     Provider
	name     string
	priority int
	timeout  time.Duration
	models   []string
	costs    map[string]ModelCost

	health  atomic.Pointer[HealthRecord]
	breaker *gobreaker.CircuitBreaker
}

func NewEntry(impl Provider, cfg EntryConfig) *Entry {
	name := cfg.Name
	if name == "" {
		name = impl.Name()
	}
	models := cfg.Models
	if len(models) == 0 {
		models = impl.Models()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}
	e := &Entry{
		impl:     impl,
		name:     name,
		priority: cfg.Priority,
		timeout:  timeout,
		models:   models,
		costs:    cfg.Costs,
	}
	e.health.Store(&HealthRecord{State: Healthy, ObservedAt: time.Now()})
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return e
}

func (e *Entry) Name() string            { return e.name }
func (e *Entry) Provider() Provider      { return e.impl }
func (e *Entry) Priority() int           { return e.priority }
func (e *Entry) Timeout() time.Duration  { return e.timeout }
func (e *Entry) Models() []string        { return e.models }
func (e *Entry) SupportsStreaming() bool { return e.impl.SupportsStreaming() }

func (e *Entry) SupportsModel(model string) bool {
	for _, m := range e.models {
		if m == model {
			return true
		}
	}
	return false
}

func (e *Entry) CostFor(model string) (ModelCost, bool) {
	c, ok := e.costs[model]
	return c, ok
}

// Observe feeds one attempt outcome into the provider's failure window.
func (e *Entry) Observe(err error) {
	_, _ = e.breaker.Execute(func() (interface{}, error) {
		return nil, err
	})
}

// ErrorRate is the failure ratio within the breaker's current window, used
// only to break ties between candidates of equal priority.
func (e *Entry) ErrorRate() float64 {
	counts := e.breaker.Counts()
	if counts.Requests == 0 {
		return 0
	}
	return float64(counts.TotalFailures) / float64(counts.Requests)
}

// Registry holds the configured providers and answers preference-ordered
// candidate queries. The request path only ever reads from it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	ordered []*Entry
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  logger,
	}
}

func (r *Registry) Register(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Name()] = e
	r.ordered = append(r.ordered, e)
	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.ordered[i].priority < r.ordered[j].priority
	})
	r.logger.Info("provider registered",
		zap.String("provider", e.Name()),
		zap.Int("priority", e.priority),
		zap.Strings("models", e.models),
	)
}

func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Entries returns all registered entries in priority order.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// SupportersOf returns every entry configured for the model, regardless of
// health. An empty result means the model is unknown to the gateway.
func (r *Registry) SupportersOf(model string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, e := range r.ordered {
		if e.SupportsModel(model) {
			out = append(out, e)
		}
	}
	return out
}

// CandidatesFor returns the failover order for a model: an explicitly
// requested healthy provider first, then static priority order with
// unavailable providers skipped and degraded ones placed last. Equal
// priorities are broken by the lower error rate in the current window.
func (r *Registry) CandidatesFor(model, override string) []*Entry {
	supporters := r.SupportersOf(model)

	var candidates []*Entry
	for _, e := range supporters {
		if e.Health().State != Unavailable {
			candidates = append(candidates, e)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aDeg := a.Health().State == Degraded
		bDeg := b.Health().State == Degraded
		if aDeg != bDeg {
			return !aDeg
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.ErrorRate() < b.ErrorRate()
	})

	if override != "" {
		for i, e := range candidates {
			if e.Name() == override && e.Health().State == Healthy {
				candidates = append([]*Entry{e}, append(candidates[:i:i], candidates[i+1:]...)...)
				break
			}
		}
	}

	return candidates
}

// CostFor looks up the billing rate for a provider/model pair.
func (r *Registry) CostFor(providerName, model string) (ModelCost, bool) {
	e, ok := r.Get(providerName)
	if !ok {
		return ModelCost{}, false
	}
	return e.CostFor(model)
}

// ProviderStatus is the externally visible view of one registry entry.
type ProviderStatus struct {
	Name       string    `json:"name"`
	Models     []string  `json:"models"`
	Health     string    `json:"health"`
	ObservedAt time.Time `json:"observed_at"`
	Streaming  bool      `json:"streaming"`
	Priority   int       `json:"priority"`
}

func (r *Registry) Snapshot() []ProviderStatus {
	entries := r.Entries()
	out := make([]ProviderStatus, 0, len(entries))
	for _, e := range entries {
		h := e.Health()
		out = append(out, ProviderStatus{
			Name:       e.Name(),
			Models:     e.Models(),
			Health:     h.State.String(),
			ObservedAt: h.ObservedAt,
			Streaming:  e.SupportsStreaming(),
			Priority:   e.priority,
		})
	}
	return out
}
