package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PrometheusRecorder struct {
	counters  *prometheus.CounterVec
	histogram *prometheus.HistogramVec
	gauges    *prometheus.GaugeVec
}

// NewPrometheusRecorder registers the x402 collectors with reg. A nil reg
// uses the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "events_total",
			Help:      "x402 gate and settlement event counters",
		},
		[]string{"type", "reason", "network"},
	)

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "x402",
			Name:      "latency_seconds",
			Help:      "x402 operation latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "network"},
	)

	gauges := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "x402",
			Name:      "state",
			Help:      "x402 settlement and cache state",
		},
		[]string{"name"},
	)

	for _, c := range []prometheus.Collector{counters, histogram, gauges} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &PrometheusRecorder{
		counters:  counters,
		histogram: histogram,
		gauges:    gauges,
	}, nil
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.counters.With(prometheus.Labels{
		"type":    name,
		"reason":  labels["reason"],
		"network": labels["network"],
	}).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.histogram.With(prometheus.Labels{
		"operation": name,
		"network":   labels["network"],
	}).Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetGauge(name string, value float64, _ map[string]string) {
	p.gauges.With(prometheus.Labels{"name": name}).Set(value)
}
