package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNotifier_DeliversWebhook(t *testing.T) {
	received := make(chan Alert, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		received <- a
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	alerts := make(chan Alert, 1)
	n := NewNotifier(alerts, server.URL, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	sent := Alert{
		TenantID:     "t1",
		CurrentSpend: 1.20,
		Threshold:    1.00,
		Timestamp:    time.Now().UTC().Truncate(time.Second),
	}
	alerts <- sent

	select {
	case got := <-received:
		assert.Equal(t, sent.TenantID, got.TenantID)
		assert.InDelta(t, sent.CurrentSpend, got.CurrentSpend, 1e-9)
		assert.InDelta(t, sent.Threshold, got.Threshold, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("Webhook was not called")
	}
}

func TestNotifier_NoWebhookConfigured(t *testing.T) {
	alerts := make(chan Alert, 1)
	n := NewNotifier(alerts, "", nil, zap.NewNop())

	// Log-only delivery must not block or panic.
	n.deliver(context.Background(), Alert{TenantID: "t1"})
}
