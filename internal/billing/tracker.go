package billing

import (
	"context"
	"sync"
	"time"

	"github.com/wattweiser/llm-gateway/internal/provider"
	"go.uber.org/zap"
)

// RateSource resolves the cost table for the provider/model pair actually
// used. The registry implements it.
type RateSource interface {
	CostFor(providerName, model string) (provider.ModelCost, bool)
}

// TrackerConfig carries the operator-supplied alerting surface.
type TrackerConfig struct {
	DefaultThresholdUSD float64
	// TenantThresholds overrides the default per tenant id.
	TenantThresholds map[string]float64
	AlertWindow      time.Duration
}

type tenantBudget struct {
	mu        sync.Mutex
	spend     float64
	threshold float64
	lastAlert time.Time
}

// Tracker is the process-wide cost accounting state. Tenant budgets are
// created lazily and mutated under their own lock, so concurrent requests
// serialize only on their own tenant's record.
type Tracker struct {
	mu      sync.RWMutex
	tenants map[string]*tenantBudget

	rates  RateSource
	store  Store // nil disables persistence
	cfg    TrackerConfig
	alerts chan Alert
	logger *zap.Logger
	now    func() time.Time
}

func NewTracker(rates RateSource, store Store, cfg TrackerConfig, logger *zap.Logger) *Tracker {
	if cfg.AlertWindow <= 0 {
		cfg.AlertWindow = time.Hour
	}
	return &Tracker{
		tenants: make(map[string]*tenantBudget),
		rates:   rates,
		store:   store,
		cfg:     cfg,
		alerts:  make(chan Alert, 64),
		logger:  logger,
		now:     time.Now,
	}
}

// Alerts is the event stream consumed by the notifier.
func (t *Tracker) Alerts() <-chan Alert { return t.alerts }

// Record computes the cost of one completed request, adds it to the
// tenant's rolling spend, and fires at most one alert per threshold
// crossing. It never returns an error: a missing cost table produces a
// zero-cost entry, and persistence runs detached from the request.
func (t *Tracker) Record(rec *UsageRecord) {
	rate, ok := t.rates.CostFor(rec.Provider, rec.Model)
	if !ok {
		t.logger.Warn("no cost table for provider/model, recording zero cost",
			zap.String("provider", rec.Provider),
			zap.String("model", rec.Model),
		)
	}
	rec.CostUSD = float64(rec.PromptTokens)/1000*rate.PromptPer1K +
		float64(rec.CompletionTokens)/1000*rate.CompletionPer1K
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.now()
	}

	b := t.budget(rec.TenantID)
	b.mu.Lock()
	before := b.spend
	b.spend += rec.CostUSD
	after := b.spend
	now := t.now()
	fire := b.threshold > 0 &&
		before < b.threshold && after >= b.threshold &&
		(b.lastAlert.IsZero() || now.Sub(b.lastAlert) >= t.cfg.AlertWindow)
	if fire {
		b.lastAlert = now
	}
	threshold := b.threshold
	b.mu.Unlock()

	if fire {
		alert := Alert{
			TenantID:     rec.TenantID,
			CurrentSpend: after,
			Threshold:    threshold,
			Timestamp:    now,
		}
		select {
		case t.alerts <- alert:
		default:
			t.logger.Error("alert channel full, dropping alert",
				zap.String("tenant_id", rec.TenantID))
		}
	}

	if t.store != nil {
		go t.persist(rec)
	}
}

// Spend returns the tenant's rolling spend in USD.
func (t *Tracker) Spend(tenantID string) float64 {
	b := t.budget(tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spend
}

func (t *Tracker) budget(tenantID string) *tenantBudget {
	t.mu.RLock()
	b, ok := t.tenants[tenantID]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.tenants[tenantID]; ok {
		return b
	}
	threshold := t.cfg.DefaultThresholdUSD
	if v, ok := t.cfg.TenantThresholds[tenantID]; ok {
		threshold = v
	}
	b = &tenantBudget{threshold: threshold}
	t.tenants[tenantID] = b
	return b
}

func (t *Tracker) persist(rec *UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.store.LogUsage(ctx, rec); err != nil {
		t.logger.Error("failed to persist usage record",
			zap.String("tenant_id", rec.TenantID),
			zap.String("request_id", rec.RequestID),
			zap.Error(err),
		)
	}
}
