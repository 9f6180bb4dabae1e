// Package worker drives claimed evidence jobs through the ledger backend.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/phoenixvc/phoenix-evidence/pkg/ledger"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/metrics"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/store"
)

// JobStore is the slice of the store a worker writes through. Every method
// is lease-guarded; ErrLeaseLost means another keeper owns the job now and
// this worker must stop touching it.
type JobStore interface {
	Complete(ctx context.Context, owner, id string, out store.Outcome) error
	ExtendLease(ctx context.Context, owner, id string, newExpiryMs int64) error
	RecordTxHandle(ctx context.Context, owner, id, handle string) error
}

type Pool struct {
	Store       JobStore
	Backend     ledger.Backend
	Owner       string
	Count       int
	MaxAttempts int64
	Lease       time.Duration
	PollEvery   time.Duration
	PollTimeout time.Duration
}

// Run consumes jobs from in until ctx is cancelled and in drains.
func (p *Pool) Run(ctx context.Context, in <-chan store.Job) {
	var wg sync.WaitGroup
	for i := 0; i < p.Count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j, ok := <-in:
					if !ok {
						return
					}
					p.Process(ctx, j)
				}
			}
		}()
	}
	wg.Wait()
}

// Process runs one anchoring attempt for a claimed job. A job that already
// carries a tx handle was reclaimed mid-flight; it resumes polling without
// submitting again, so a digest is never anchored twice by the same job.
func (p *Pool) Process(ctx context.Context, j store.Job) {
	l := log.WithFields(log.Fields{"job": j.ID, "digest": j.DigestHex, "attempts": j.Attempts})

	lease := &leaseKeeper{pool: p, jobID: j.ID, expiresMs: j.LeaseExpiresMs}

	handle, resumed, err := p.ensureSubmitted(ctx, j, l)
	if err != nil {
		p.settleSubmitError(ctx, j, err, l)
		return
	}
	if resumed {
		l = l.WithField("resumed", true)
	}

	p.pollUntilSettled(ctx, j, handle, lease, l)
}

// ensureSubmitted returns the job's tx handle, submitting only when the job
// has none recorded.
func (p *Pool) ensureSubmitted(ctx context.Context, j store.Job, l *log.Entry) (ledger.TxHandle, bool, error) {
	if j.TxHandle != "" {
		h, err := ledger.ParseTxHandle(j.TxHandle)
		if err == nil {
			return h, true, nil
		}
		// A corrupt handle cannot be polled; fall through and resubmit.
		l.WithError(err).Warn("stored tx handle unparseable, resubmitting")
	}

	h, err := p.Backend.Submit(ctx, j.DigestHex)
	if err != nil {
		return ledger.TxHandle{}, false, err
	}
	l.WithField("tx", h.String()).Info("submitted to ledger")

	if err := p.Store.RecordTxHandle(ctx, p.Owner, j.ID, h.String()); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			metrics.LeasesLost.Inc()
			l.Warn("lease lost after submit, abandoning")
			return ledger.TxHandle{}, false, err
		}
		// The submit stands even if we failed to persist the handle; keep
		// polling so this attempt can still settle.
		l.WithError(err).Error("record tx handle failed")
	}
	return h, false, nil
}

// settleSubmitError writes the retry or terminal outcome for a failed
// submit. A lost lease means another keeper owns the job; nothing to write.
func (p *Pool) settleSubmitError(ctx context.Context, j store.Job, submitErr error, l *log.Entry) {
	if errors.Is(submitErr, store.ErrLeaseLost) {
		return
	}
	if ledger.IsPermanent(submitErr) {
		p.failTerminal(ctx, j, "permanent", submitErr.Error(), l)
		return
	}
	p.retryOrExhaust(ctx, j, submitErr.Error(), l)
}

func (p *Pool) pollUntilSettled(ctx context.Context, j store.Job, h ledger.TxHandle, lease *leaseKeeper, l *log.Entry) {
	deadline := time.NewTimer(p.PollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown mid-poll: leave the job leased with its tx handle
			// recorded. The lease expires and the next claim resumes here.
			return
		case <-deadline.C:
			l.Warn("poll window elapsed, scheduling retry")
			p.retryOrExhaust(ctx, j, "confirmation timed out", l)
			return
		case <-ticker.C:
		}

		if !lease.refresh(ctx) {
			metrics.LeasesLost.Inc()
			l.Warn("lease lost while polling, abandoning")
			return
		}

		res, err := p.Backend.Poll(ctx, h)
		if err != nil {
			l.WithError(err).Warn("poll failed")
			continue
		}

		switch res.Status {
		case ledger.StatusFinalized:
			out := store.Outcome{Status: store.StatusAnchored, TxHandle: h.String(), AttemptMade: true}
			if err := p.Store.Complete(ctx, p.Owner, j.ID, out); err != nil {
				if errors.Is(err, store.ErrLeaseLost) {
					metrics.LeasesLost.Inc()
					return
				}
				l.WithError(err).Error("complete anchored failed")
				return
			}
			metrics.JobsAnchored.Inc()
			l.WithField("tx", h.String()).Info("evidence anchored")
			return
		case ledger.StatusRejected:
			if ledger.RejectionRetryable(res.Reason) {
				p.retryOrExhaust(ctx, j, "rejected: "+res.Reason, l)
			} else {
				p.failTerminal(ctx, j, "rejected", "rejected: "+res.Reason, l)
			}
			return
		case ledger.StatusPending:
			// keep polling
		}
	}
}

// retryOrExhaust schedules another attempt with backoff, or terminates the
// job when this attempt was the last one allowed.
func (p *Pool) retryOrExhaust(ctx context.Context, j store.Job, reason string, l *log.Entry) {
	attempt := j.Attempts + 1
	if attempt >= p.MaxAttempts {
		p.failTerminal(ctx, j, "max_attempts", reason, l)
		return
	}
	now := store.NowMs()
	out := store.Outcome{
		Status:      store.StatusFailedRetryable,
		LastError:   reason,
		AttemptMade: true,
		NextRetryMs: store.NextRetryMs(now, attempt),
	}
	if err := p.Store.Complete(ctx, p.Owner, j.ID, out); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			metrics.LeasesLost.Inc()
			return
		}
		l.WithError(err).Error("schedule retry failed")
		return
	}
	metrics.JobsRetried.Inc()
	l.WithFields(log.Fields{"attempt": attempt, "next_retry_ms": out.NextRetryMs}).Warn("anchoring attempt failed, will retry")
}

func (p *Pool) failTerminal(ctx context.Context, j store.Job, kind, reason string, l *log.Entry) {
	out := store.Outcome{Status: store.StatusFailedTerminal, LastError: reason, AttemptMade: true}
	if err := p.Store.Complete(ctx, p.Owner, j.ID, out); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			metrics.LeasesLost.Inc()
			return
		}
		l.WithError(err).Error("complete terminal failed")
		return
	}
	metrics.JobsFailedTerminal.WithLabelValues(kind).Inc()
	l.WithField("reason", reason).Error("job failed terminally")
}

// leaseKeeper extends the lease while a long poll is in flight. Extension
// kicks in once less than a third of the lease window remains.
type leaseKeeper struct {
	pool      *Pool
	jobID     string
	expiresMs int64
}

func (k *leaseKeeper) refresh(ctx context.Context) bool {
	remaining := k.expiresMs - store.NowMs()
	if remaining > k.pool.Lease.Milliseconds()/3 {
		return true
	}
	newExpiry := store.NowMs() + k.pool.Lease.Milliseconds()
	err := k.pool.Store.ExtendLease(ctx, k.pool.Owner, k.jobID, newExpiry)
	if err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			return false
		}
		// Transient store error: keep working while the lease is still live.
		log.WithError(err).WithField("job", k.jobID).Warn("extend lease failed")
		return remaining > 0
	}
	k.expiresMs = newExpiry
	metrics.LeasesExtended.Inc()
	return true
}
