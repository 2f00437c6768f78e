// internal/infra/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SweepMetrics exports sweep measurements to Prometheus.
type SweepMetrics struct {
	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	emails        *prometheus.CounterVec
	sms           *prometheus.CounterVec
	receipts      *prometheus.CounterVec
	deactivations *prometheus.CounterVec
}

// NewSweepMetrics registers the sweep collectors on reg.
func NewSweepMetrics(reg prometheus.Registerer) *SweepMetrics {
	factory := promauto.With(reg)

	return &SweepMetrics{
		sweeps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deal_sweeps_total",
				Help: "Total number of expiration sweeps by outcome",
			},
			[]string{"outcome"},
		),
		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "deal_sweep_duration_seconds",
				Help:    "Duration of expiration sweeps in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 240},
			},
		),
		emails: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deal_notification_emails_total",
				Help: "Total number of expiration emails by bucket and result",
			},
			[]string{"bucket", "result"},
		),
		sms: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deal_notification_sms_total",
				Help: "Total number of expiration SMS by kind and result",
			},
			[]string{"kind", "result"},
		),
		receipts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deal_notification_receipts_total",
				Help: "Total number of notification receipts recorded by bucket",
			},
			[]string{"bucket"},
		),
		deactivations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deal_deactivations_total",
				Help: "Total number of expired deal deactivations by result",
			},
			[]string{"result"},
		),
	}
}

func (m *SweepMetrics) ObserveSweep(outcome string, elapsed time.Duration) {
	m.sweeps.WithLabelValues(outcome).Inc()
	m.sweepDuration.Observe(elapsed.Seconds())
}

func (m *SweepMetrics) ObserveEmail(bucket, result string) {
	m.emails.WithLabelValues(bucket, result).Inc()
}

func (m *SweepMetrics) ObserveSMS(kind, result string) {
	m.sms.WithLabelValues(kind, result).Inc()
}

func (m *SweepMetrics) ObserveReceipts(bucket string, n int) {
	if n <= 0 {
		return
	}
	m.receipts.WithLabelValues(bucket).Add(float64(n))
}

func (m *SweepMetrics) ObserveDeactivation(result string) {
	m.deactivations.WithLabelValues(result).Inc()
}
