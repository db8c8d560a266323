package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service-wide prometheus collectors.
type Metrics struct {
	AdmissionTotal    *prometheus.CounterVec   // rate-limit decisions by identity class and result
	DeviceQuotaTotal  *prometheus.CounterVec   // anonymous quota decisions by result
	DeductTotal       *prometheus.CounterVec   // ledger deductions by result
	DeductDuration    prometheus.Histogram     // deduct latency
	CreditTotal       *prometheus.CounterVec   // credit applications by kind
	ExpiredEntries    prometheus.Counter       // entries offset by the expiry sweep
	JobsTotal         *prometheus.CounterVec   // job transitions by kind and status
	WebhookAttempts   *prometheus.CounterVec   // webhook delivery attempts by result
	WebhookDuration   prometheus.Histogram     // full dispatch latency including retries
	PaymentEvents     *prometheus.CounterVec   // gateway events by event name and result
	BalanceLowAlert   prometheus.Gauge         // set when a deduction left a near-zero balance
	QueuePublishTotal *prometheus.CounterVec   // task publishes by result
	SweepDuration     *prometheus.HistogramVec // sweeper pass latency by sweep name
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide metrics, registering collectors on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			AdmissionTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mediatrans_admission_requests_total",
					Help: "Rate limit decisions",
				},
				[]string{"class", "result"},
			),
			DeviceQuotaTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mediatrans_device_quota_total",
					Help: "Anonymous device quota decisions",
				},
				[]string{"result"},
			),
			DeductTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mediatrans_ledger_deduct_total",
					Help: "Ledger deduction attempts",
				},
				[]string{"result"},
			),
			DeductDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "mediatrans_ledger_deduct_duration_seconds",
					Help:    "Duration of deduction transactions",
					Buckets: prometheus.DefBuckets,
				},
			),
			CreditTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mediatrans_ledger_credit_total",
					Help: "Ledger credit applications",
				},
				[]string{"kind"},
			),
			ExpiredEntries: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "mediatrans_ledger_expired_entries_total",
					Help: "Credit entries offset by the expiry sweep",
				},
			),
			JobsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mediatrans_jobs_total",
					Help: "Job state transitions",
				},
				[]string{"kind", "status"},
			),
			WebhookAttempts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mediatrans_webhook_attempts_total",
					Help: "Webhook delivery attempts",
				},
				[]string{"result"},
			),
			WebhookDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "mediatrans_webhook_dispatch_duration_seconds",
					Help:    "Webhook dispatch duration including retries",
					Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
				},
			),
			PaymentEvents: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mediatrans_payment_events_total",
					Help: "Payment gateway events",
				},
				[]string{"event", "result"},
			),
			BalanceLowAlert: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "mediatrans_balance_low",
					Help: "Set when the most recent deduction left a balance below one credit",
				},
			),
			QueuePublishTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mediatrans_queue_publish_total",
					Help: "Task queue publishes",
				},
				[]string{"result"},
			),
			SweepDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "mediatrans_sweep_duration_seconds",
					Help:    "Duration of sweeper passes",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"sweep"},
			),
		}
	})
	return instance
}
