package metrics_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/warden/internal/events"
	"github.com/aristath/warden/internal/metrics"
)

func TestObserve_CountsBusEvents(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	m := metrics.New(zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Observe(ctx, bus)

	manager := events.NewManager(bus, zerolog.Nop())
	manager.Emit(events.RuleEvaluated, "rules", &events.RuleEvaluatedData{Outcome: "APPROVED"})
	manager.Emit(events.RuleEvaluated, "rules", &events.RuleEvaluatedData{Outcome: "REJECTED"})
	manager.Emit(events.OrderFilled, "execution", nil)
	manager.Emit(events.FeedDegraded, "marketdata", nil)
	manager.Emit(events.MarketAlert, "marketdata", &events.MarketAlertData{Kind: "spread"})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.FeedFailovers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleEvaluations.WithLabelValues("APPROVED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleEvaluations.WithLabelValues("REJECTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrderEvents.WithLabelValues(string(events.OrderFilled))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MarketAlerts.WithLabelValues("spread")))
}

func TestHandler_ServesRegistry(t *testing.T) {
	m := metrics.New(zerolog.Nop())
	m.SetComponentHealth("rules", 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `warden_component_healthy{component="rules"} 1`)
}

func TestQuoteDrops_CountsPerSymbol(t *testing.T) {
	m := metrics.New(zerolog.Nop())

	m.QuoteDrops.WithLabelValues("SPY").Inc()
	m.QuoteDrops.WithLabelValues("SPY").Inc()
	m.QuoteDrops.WithLabelValues("QQQ").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.QuoteDrops.WithLabelValues("SPY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuoteDrops.WithLabelValues("QQQ")))
}
