// Package metrics exposes Prometheus collectors for mailbox runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message outcomes used as the outcome label.
const (
	OutcomeProcessed  = "processed"
	OutcomeSkipped    = "skipped"
	OutcomeProblem    = "problem"
	OutcomeIgnored    = "ignored"
	OutcomeDuplicate  = "duplicate"
	OutcomeMoveFailed = "move_failed"
)

var (
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bounce_monitor_messages_total",
			Help: "Messages handled per mailbox by outcome",
		},
		[]string{"mailbox", "outcome"},
	)

	BouncesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bounce_monitor_bounces_total",
			Help: "Recorded bounces by deliverability status",
		},
		[]string{"status"},
	)

	DomainTrustScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bounce_monitor_domain_trust_score",
			Help: "Latest trust score per recipient domain",
		},
		[]string{"domain"},
	)

	NotificationsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bounce_monitor_notifications_enqueued_total",
			Help: "Notifications added to the queue",
		},
	)

	MailboxRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bounce_monitor_mailbox_run_duration_seconds",
			Help:    "Duration of one pass over a mailbox",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
		},
		[]string{"mailbox"},
	)

	DedupDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bounce_monitor_dedup_deleted_total",
			Help: "Pending notifications removed as duplicates",
		},
	)
)

func TrackMessage(mailbox, outcome string) {
	MessagesTotal.WithLabelValues(mailbox, outcome).Inc()
}

func TrackBounce(status string, domain string, trustScore int) {
	BouncesTotal.WithLabelValues(status).Inc()
	DomainTrustScore.WithLabelValues(domain).Set(float64(trustScore))
}

func TrackNotifications(n int) {
	NotificationsEnqueued.Add(float64(n))
}

func TrackMailboxRun(mailbox string, d time.Duration) {
	MailboxRunDuration.WithLabelValues(mailbox).Observe(d.Seconds())
}

func TrackDedup(deleted int) {
	DedupDeleted.Add(float64(deleted))
}
