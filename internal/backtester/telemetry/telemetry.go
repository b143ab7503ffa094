// Package telemetry exposes Prometheus counters and gauges for a
// running backtest, the same metric families the original tree
// declared as package-level prometheus.NewCounterVec/NewGaugeVec but
// never wired to a live code path - here they are constructor-injected
// per run instead of global, so concurrent engine runs (see
// internal/workers) don't share series.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the metric families one engine run reports into.
// Pass a dedicated prometheus.Registerer per run (or prometheus.NewRegistry())
// to keep parallel backtests' series independent.
type Recorder struct {
	BarsProcessed   prometheus.Counter
	FillsByPhase    *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	SignalsByResult *prometheus.CounterVec
	EquityGauge     prometheus.Gauge
	VoidBarRate     *prometheus.GaugeVec
}

// NewRecorder registers the backtester's metric families against reg
// and returns a Recorder ready to pass into an Engine run.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		BarsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtester_bars_processed_total",
			Help: "Bars processed by the engine's main loop.",
		}),
		FillsByPhase: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtester_fills_total",
			Help: "Fills produced, labeled by the bar phase that produced them.",
		}, []string{"phase"}),
		OrdersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtester_orders_cancelled_total",
			Help: "Orders cancelled, labeled by reason.",
		}, []string{"reason"}),
		SignalsByResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtester_signals_total",
			Help: "Signals raised by generators, labeled by accepted/rejected and filter name.",
		}, []string{"result", "filter"}),
		EquityGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtester_equity",
			Help: "Live equity as of the most recently processed bar.",
		}),
		VoidBarRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backtester_void_bar_rate",
			Help: "Fraction of void bars observed per symbol.",
		}, []string{"symbol"}),
	}

	reg.MustRegister(
		r.BarsProcessed,
		r.FillsByPhase,
		r.OrdersCancelled,
		r.SignalsByResult,
		r.EquityGauge,
		r.VoidBarRate,
	)
	return r
}

// ObserveFills increments the phase counter for each phase label present
// in counts.
func (r *Recorder) ObserveFills(counts map[string]int) {
	for phase, n := range counts {
		r.FillsByPhase.WithLabelValues(phase).Add(float64(n))
	}
}

// ObserveCancel records one cancelled order under reason.
func (r *Recorder) ObserveCancel(reason string) {
	r.OrdersCancelled.WithLabelValues(reason).Inc()
}

// ObserveSignal records one generator signal's disposition - result is
// "accepted" or "rejected"; filter is the rejecting filter's Name(), or
// empty for accepted signals.
func (r *Recorder) ObserveSignal(result, filter string) {
	r.SignalsByResult.WithLabelValues(result, filter).Inc()
}

// ObserveBar records one processed bar and the run's current equity.
func (r *Recorder) ObserveBar(equity float64) {
	r.BarsProcessed.Inc()
	r.EquityGauge.Set(equity)
}

// ObserveVoidBarRate sets the void bar rate gauge for symbol.
func (r *Recorder) ObserveVoidBarRate(symbol string, rate float64) {
	r.VoidBarRate.WithLabelValues(symbol).Set(rate)
}
