package metrics

import (
	"errors"
	"time"

	"zone-grid-bot-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var allStates = []models.BotState{
	models.StateStopped, models.StateStarting, models.StateRunning,
	models.StateSimRunning, models.StateStopping, models.StateError,
}

// Metrics holds the bot's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	passes        *prometheus.CounterVec
	passDuration  prometheus.Histogram
	orders        *prometheus.CounterVec
	fills         *prometheus.CounterVec
	openOrders    prometheus.Gauge
	botState      *prometheus.GaugeVec
	portfolio     prometheus.Gauge
	gatewayErrors *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_reconcile_passes_total",
			Help: "Reconciliation passes by result (ok|error|skipped)",
		}, []string{"result"}),
		passDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "grid_reconcile_pass_seconds",
			Help:    "Duration of completed reconciliation passes",
			Buckets: prometheus.DefBuckets,
		}),
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_orders_total",
			Help: "Order commands issued by action (place|cancel|rejected|market)",
		}, []string{"action", "side"}),
		fills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_fills_total",
			Help: "Detected fills",
		}, []string{"side"}),
		openOrders: f.NewGauge(prometheus.GaugeOpts{
			Name: "grid_open_orders",
			Help: "Levels currently holding an open order",
		}),
		botState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grid_bot_state",
			Help: "1 for the current lifecycle state, 0 otherwise",
		}, []string{"state"}),
		portfolio: f.NewGauge(prometheus.GaugeOpts{
			Name: "grid_portfolio_value",
			Help: "Portfolio value in settlement currency",
		}),
		gatewayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_gateway_errors_total",
			Help: "Gateway errors by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) ObservePass(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(result).Inc()
	if result == "ok" {
		m.passDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) OrderAction(action string, side models.Side) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(action, string(side)).Inc()
}

func (m *Metrics) Fill(side models.Side) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(string(side)).Inc()
}

func (m *Metrics) SetOpenOrders(n int) {
	if m == nil {
		return
	}
	m.openOrders.Set(float64(n))
}

func (m *Metrics) SetState(state models.BotState) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.botState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) SetPortfolioValue(v float64) {
	if m == nil {
		return
	}
	m.portfolio.Set(v)
}

func (m *Metrics) GatewayError(err error) {
	if m == nil || err == nil {
		return
	}
	m.gatewayErrors.WithLabelValues(ErrorKind(err)).Inc()
}

// ErrorKind maps an error onto a low-cardinality label.
func ErrorKind(err error) string {
	kinds := []struct {
		target error
		label  string
	}{
		{models.ErrAuth, "auth"},
		{models.ErrRateLimit, "rate_limit"},
		{models.ErrNetworkTimeout, "timeout"},
		{models.ErrInsufficientBalance, "insufficient_balance"},
		{models.ErrBelowMinimumSize, "below_minimum"},
		{models.ErrInvalidSymbol, "invalid_symbol"},
		{models.ErrOrderNotFound, "not_found"},
		{models.ErrInternalInvariant, "invariant"},
		{models.ErrExchange, "exchange"},
	}
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k.label
		}
	}
	return "other"
}
