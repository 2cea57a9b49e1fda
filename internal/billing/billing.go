// Package billing converts usage metrics into tenant spend, evaluates
// alert thresholds, and persists usage records best-effort. Nothing in
// this package may fail a caller's request.
package billing

import (
	"context"
	"time"
)

type UsageRecord struct {
	ID               string
	TenantID         string
	RequestID        string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	// Estimated marks records whose token counts came from the fallback
	// estimator rather than the vendor, kept separable for billing audits.
	Estimated bool
	CostUSD   float64
	LatencyMs int64
	CreatedAt time.Time
}

type Store interface {
	LogUsage(ctx context.Context, rec *UsageRecord) error
	GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageRecord, error)
	GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
}

// Alert is emitted once per threshold crossing, subject to the alert
// window's storm suppression.
type Alert struct {
	TenantID     string    `json:"tenantId"`
	CurrentSpend float64   `json:"currentSpend"`
	Threshold    float64   `json:"threshold"`
	Timestamp    time.Time `json:"timestamp"`
}
