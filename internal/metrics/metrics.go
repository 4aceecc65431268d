// Package metrics exposes the Prometheus instrumentation. Counters are fed
// from the event bus so components stay free of metrics plumbing.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/events"
)

// Metrics holds every collector. One instance per process.
type Metrics struct {
	registry *prometheus.Registry

	RuleEvaluations     *prometheus.CounterVec
	ProtocolEscalations prometheus.Counter
	ExitsTriggered      prometheus.Counter
	RollsRefused        prometheus.Counter
	OrderEvents         *prometheus.CounterVec
	AccountForks        prometheus.Counter
	FeedFailovers       prometheus.Counter
	QuoteDrops          *prometheus.CounterVec
	MarketAlerts        *prometheus.CounterVec
	HedgeDeployments    prometheus.Counter
	SafeModeEntries     prometheus.Counter
	Errors              prometheus.Counter
	ComponentHealth     *prometheus.GaugeVec

	log zerolog.Logger
}

// New creates the metrics set on a private registry.
func New(log zerolog.Logger) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RuleEvaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_rule_evaluations_total",
			Help: "Rule evaluations by outcome.",
		}, []string{"outcome"}),
		ProtocolEscalations: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_protocol_escalations_total",
			Help: "Protocol level escalations.",
		}),
		ExitsTriggered: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_exits_triggered_total",
			Help: "Protocol-mandated exits.",
		}),
		RollsRefused: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_rolls_refused_total",
			Help: "Rolls refused on economics.",
		}),
		OrderEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_order_events_total",
			Help: "Order lifecycle events by kind.",
		}, []string{"kind"}),
		AccountForks: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_account_forks_total",
			Help: "Completed account forks.",
		}),
		FeedFailovers: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_feed_failovers_total",
			Help: "Market data feed failovers.",
		}),
		QuoteDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_quote_drops_total",
			Help: "Quotes displaced on symbol queue overflow.",
		}, []string{"symbol"}),
		MarketAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_market_alerts_total",
			Help: "Market alerts by kind.",
		}, []string{"kind"}),
		HedgeDeployments: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_hedge_deployments_total",
			Help: "Hedge tranches deployed.",
		}),
		SafeModeEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_safe_mode_entries_total",
			Help: "Transitions into safe mode.",
		}),
		Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_errors_total",
			Help: "Errors emitted on the event bus.",
		}),
		ComponentHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_component_healthy",
			Help: "Component health: 1 healthy, 0.5 degraded, 0 error.",
		}, []string{"component"}),
		log: log.With().Str("service", "metrics").Logger(),
	}
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetComponentHealth records a component's health as a gauge.
func (m *Metrics) SetComponentHealth(component string, value float64) {
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// Observe consumes the event bus until ctx ends, counting events.
func (m *Metrics) Observe(ctx context.Context, bus *events.Bus) {
	all := bus.SubscribeAll()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-all:
				m.count(ev)
			}
		}
	}()
}

func (m *Metrics) count(ev events.Event) {
	switch ev.Type {
	case events.RuleEvaluated:
		outcome := "unknown"
		if data, ok := ev.Data.(*events.RuleEvaluatedData); ok {
			outcome = data.Outcome
		}
		m.RuleEvaluations.WithLabelValues(outcome).Inc()
	case events.ProtocolEscalated:
		m.ProtocolEscalations.Inc()
	case events.ExitTriggered:
		m.ExitsTriggered.Inc()
	case events.RollRefused:
		m.RollsRefused.Inc()
	case events.OrderSubmitted, events.OrderFilled, events.OrderCancelled, events.OrderRejected:
		m.OrderEvents.WithLabelValues(string(ev.Type)).Inc()
	case events.AccountForked:
		m.AccountForks.Inc()
	case events.FeedDegraded:
		m.FeedFailovers.Inc()
	case events.MarketAlert:
		kind := "unknown"
		if data, ok := ev.Data.(*events.MarketAlertData); ok {
			kind = data.Kind
		}
		m.MarketAlerts.WithLabelValues(kind).Inc()
	case events.HedgeDeployed:
		m.HedgeDeployments.Inc()
	case events.SafeModeEntered:
		m.SafeModeEntries.Inc()
	case events.ErrorOccurred:
		m.Errors.Inc()
	}
}
