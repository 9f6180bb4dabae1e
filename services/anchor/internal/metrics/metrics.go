// Package metrics exposes the pipeline's prometheus counters. Terminal
// failures must be visible here and in last_error; they are never silently
// dropped.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phoenix_evidence_jobs_claimed_total",
		Help: "Jobs leased by dispatchers.",
	})
	JobsAnchored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phoenix_evidence_jobs_anchored_total",
		Help: "Jobs that reached ledger finality.",
	})
	JobsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phoenix_evidence_jobs_retried_total",
		Help: "Jobs rescheduled after a transient failure.",
	})
	JobsFailedTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "phoenix_evidence_jobs_failed_terminal_total",
		Help: "Jobs that ended in failed_terminal, by reason.",
	}, []string{"reason"})
	LeasesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phoenix_evidence_leases_lost_total",
		Help: "Writes abandoned because the lease had been reclaimed.",
	})
	LeasesExtended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phoenix_evidence_leases_extended_total",
		Help: "Lease extensions while awaiting finality.",
	})
	PaymentsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phoenix_evidence_payments_accepted_total",
		Help: "Payment proofs verified and consumed.",
	})
	PaymentsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "phoenix_evidence_payments_replayed_total",
		Help: "Payment proofs rejected as already consumed.",
	})
)
