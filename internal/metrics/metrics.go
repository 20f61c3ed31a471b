package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	WebhookNotifications prometheus.Counter
	WebhookRejected      prometheus.Counter
	EmailsClaimed        prometheus.Counter
	DuplicateDeliveries  prometheus.Counter
	Invocations          *prometheus.CounterVec
	RepliesSent          prometheus.Counter
	ReplyFailures        prometheus.Counter
	ProcessingTime       prometheus.Histogram
	LedgerPurged         prometheus.Counter
	SubscriptionRenewals *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// registers nothing, which keeps tests free of global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WebhookNotifications: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_mail_gateway_webhook_notifications_total",
			Help: "Total number of webhook notification batches received",
		}),
		WebhookRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_mail_gateway_webhook_rejected_total",
			Help: "Total number of webhook requests rejected for an invalid client state",
		}),
		EmailsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_mail_gateway_emails_claimed_total",
			Help: "Total number of inbound emails claimed for processing",
		}),
		DuplicateDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_mail_gateway_duplicate_deliveries_total",
			Help: "Total number of inbound emails skipped as already processed",
		}),
		Invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_mail_gateway_invocations_total",
			Help: "Agent invocations by outcome",
		}, []string{"outcome"}),
		RepliesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_mail_gateway_replies_sent_total",
			Help: "Total number of email replies sent",
		}),
		ReplyFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_mail_gateway_reply_failures_total",
			Help: "Total number of email replies that failed to send",
		}),
		ProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_mail_gateway_processing_duration_seconds",
			Help:    "Time spent processing one inbound email",
			Buckets: prometheus.DefBuckets,
		}),
		LedgerPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_mail_gateway_ledger_purged_total",
			Help: "Total number of processed email records purged",
		}),
		SubscriptionRenewals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_mail_gateway_subscription_renewals_total",
			Help: "Subscription renewals and creations by result",
		}, []string{"result"}),
	}
}
