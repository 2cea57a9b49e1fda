package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Notifier drains the tracker's alert channel and delivers each event to
// the configured sink: always the structured log, plus an optional webhook.
// Delivery is best-effort; a failed webhook never blocks or re-queues.
type Notifier struct {
	alerts     <-chan Alert
	webhookURL string
	client     *http.Client
	counter    prometheus.Counter // nil disables the metric
	logger     *zap.Logger
}

func NewNotifier(alerts <-chan Alert, webhookURL string, counter prometheus.Counter, logger *zap.Logger) *Notifier {
	return &Notifier{
		alerts:     alerts,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		counter:    counter,
		logger:     logger,
	}
}

// Run blocks until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-n.alerts:
			n.deliver(ctx, alert)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, alert Alert) {
	if n.counter != nil {
		n.counter.Inc()
	}
	n.logger.Warn("tenant spend crossed alert threshold",
		zap.String("tenant_id", alert.TenantID),
		zap.Float64("current_spend_usd", alert.CurrentSpend),
		zap.Float64("threshold_usd", alert.Threshold),
		zap.Time("timestamp", alert.Timestamp),
	)

	if n.webhookURL == "" {
		return
	}

	body, err := json.Marshal(alert)
	if err != nil {
		n.logger.Error("failed to encode alert", zap.Error(err))
		return
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("failed to build alert webhook request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Error("alert webhook delivery failed", zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Error("alert webhook rejected", zap.Int("status", resp.StatusCode))
	}
}
