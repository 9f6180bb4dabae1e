package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/phoenixvc/phoenix-evidence/pkg/ledger"
	"github.com/phoenixvc/phoenix-evidence/pkg/merkle"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/metrics"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/store"
)

// BatchStore adds inclusion-proof persistence to the lease-guarded writes.
type BatchStore interface {
	JobStore
	SaveMerkleProof(ctx context.Context, jobID, rootHex string, proofJSON []byte) error
}

// Batcher anchors groups of jobs under one Merkle root so a whole batch
// costs a single ledger transaction. Each job records the batched tx handle
// plus its own inclusion proof. Members hold their leases the whole way:
// queued and in-flight leases are extended on the same <1/3-remaining rule
// the single-job worker uses, and a member whose extension fails drops out
// of the batch without any write.
type Batcher struct {
	Store       BatchStore
	Backend     ledger.Backend
	Owner       string
	MaxSize     int
	MaxAge      time.Duration
	MaxAttempts int64
	Lease       time.Duration
	PollEvery   time.Duration
	PollTimeout time.Duration
}

// member tracks a batch participant's leaf position so proofs stay valid
// even after other members drop out.
type member struct {
	job store.Job
	idx int
}

// Run accumulates jobs from in and flushes when the batch fills or the
// oldest queued job has waited MaxAge. Queued members get their leases
// extended so a slow-filling batch cannot be reclaimed out from under us.
// Run returns once ctx is cancelled and any queued jobs have been flushed.
func (b *Batcher) Run(ctx context.Context, in <-chan store.Job) {
	var pending []store.Job
	flushTimer := time.NewTimer(b.MaxAge)
	if !flushTimer.Stop() {
		<-flushTimer.C
	}
	keepAlive := time.NewTicker(b.keepAliveInterval())
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(pending) > 0 {
				// Best effort on shutdown; leases cover us if it fails.
				b.Flush(context.Background(), pending)
			}
			return
		case <-keepAlive.C:
			pending = b.extendQueued(ctx, pending)
		case <-flushTimer.C:
			if len(pending) > 0 {
				b.Flush(ctx, pending)
				pending = nil
			}
		case j, ok := <-in:
			if !ok {
				if len(pending) > 0 {
					b.Flush(ctx, pending)
				}
				return
			}
			if len(pending) == 0 {
				flushTimer.Reset(b.MaxAge)
			}
			pending = append(pending, j)
			if len(pending) >= b.MaxSize {
				if !flushTimer.Stop() {
					select {
					case <-flushTimer.C:
					default:
					}
				}
				b.Flush(ctx, pending)
				pending = nil
			}
		}
	}
}

func (b *Batcher) keepAliveInterval() time.Duration {
	iv := b.Lease / 3
	if iv <= 0 {
		iv = 10 * time.Second
	}
	return iv
}

// extendQueued refreshes the leases of queued members whose lease is
// running low; members another keeper has reclaimed are dropped.
func (b *Batcher) extendQueued(ctx context.Context, jobs []store.Job) []store.Job {
	kept := jobs[:0]
	for _, j := range jobs {
		expiry, ok := b.extendIfLow(ctx, j.ID, j.LeaseExpiresMs)
		if !ok {
			metrics.LeasesLost.Inc()
			log.WithField("job", j.ID).Warn("lease lost while queued for batch, dropping member")
			continue
		}
		j.LeaseExpiresMs = expiry
		kept = append(kept, j)
	}
	return kept
}

// extendIfLow applies the worker's extension rule to one lease. It returns
// the (possibly unchanged) expiry and whether the lease is still held.
func (b *Batcher) extendIfLow(ctx context.Context, jobID string, expiresMs int64) (int64, bool) {
	remaining := expiresMs - store.NowMs()
	if remaining > b.Lease.Milliseconds()/3 {
		return expiresMs, true
	}
	newExpiry := store.NowMs() + b.Lease.Milliseconds()
	if err := b.Store.ExtendLease(ctx, b.Owner, jobID, newExpiry); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			return expiresMs, false
		}
		log.WithError(err).WithField("job", jobID).Warn("extend lease failed")
		return expiresMs, remaining > 0
	}
	metrics.LeasesExtended.Inc()
	return newExpiry, true
}

// Flush anchors one batch: build the tree, submit the root, record the
// handle on every member, wait for finality, then settle each surviving
// member with its inclusion proof.
func (b *Batcher) Flush(ctx context.Context, jobs []store.Job) {
	l := log.WithField("batch_size", len(jobs))

	leaves := make([]string, len(jobs))
	for i, j := range jobs {
		leaves[i] = j.DigestHex
	}
	tree, err := merkle.NewTree(leaves)
	if err != nil {
		// Only a malformed digest gets here, and those are rejected at
		// ingestion. Fail the batch members terminally rather than loop.
		l.WithError(err).Error("merkle tree build failed")
		for _, j := range jobs {
			b.failJob(ctx, j, "merkle: "+err.Error())
		}
		return
	}
	root := tree.RootHex()
	l = l.WithField("root", root)

	h, err := b.Backend.Submit(ctx, root)
	if err != nil {
		l.WithError(err).Warn("batch submit failed")
		if ledger.IsPermanent(err) {
			for _, j := range jobs {
				b.failJob(ctx, j, err.Error())
			}
			return
		}
		for _, j := range jobs {
			b.retryJob(ctx, j, err.Error())
		}
		return
	}
	l.WithField("tx", h.String()).Info("batch submitted")

	// Persist the handle on every member before polling, exactly like the
	// single-job path: a crash mid-poll resumes against this handle instead
	// of submitting the digest again. A member whose lease is gone drops
	// out; the batch root still covers its leaf, so survivors keep their
	// proof indices.
	members := make([]member, 0, len(jobs))
	for i, j := range jobs {
		if err := b.Store.RecordTxHandle(ctx, b.Owner, j.ID, h.String()); err != nil {
			if errors.Is(err, store.ErrLeaseLost) {
				metrics.LeasesLost.Inc()
				log.WithField("job", j.ID).Warn("lease lost after batch submit, dropping member")
				continue
			}
			log.WithError(err).WithField("job", j.ID).Error("record batch tx handle failed")
		}
		members = append(members, member{job: j, idx: i})
	}
	if len(members) == 0 {
		return
	}

	res, members, err := b.awaitFinality(ctx, h, members)
	if err != nil {
		for _, m := range members {
			b.retryJob(ctx, m.job, err.Error())
		}
		return
	}
	if len(members) == 0 {
		return
	}
	if res.Status == ledger.StatusRejected {
		reason := "rejected: " + res.Reason
		for _, m := range members {
			if ledger.RejectionRetryable(res.Reason) {
				b.retryJob(ctx, m.job, reason)
			} else {
				b.failJob(ctx, m.job, reason)
			}
		}
		return
	}

	for _, m := range members {
		proof, err := tree.Proof(m.idx)
		if err != nil {
			b.retryJob(ctx, m.job, "proof: "+err.Error())
			continue
		}
		proofJSON, _ := json.Marshal(proof)
		if err := b.Store.SaveMerkleProof(ctx, m.job.ID, root, proofJSON); err != nil {
			log.WithError(err).WithField("job", m.job.ID).Error("save merkle proof failed")
		}
		out := store.Outcome{Status: store.StatusAnchored, TxHandle: h.String(), AttemptMade: true}
		if err := b.Store.Complete(ctx, b.Owner, m.job.ID, out); err != nil {
			if errors.Is(err, store.ErrLeaseLost) {
				metrics.LeasesLost.Inc()
				continue
			}
			log.WithError(err).WithField("job", m.job.ID).Error("complete batched job failed")
			continue
		}
		metrics.JobsAnchored.Inc()
	}
	l.Info("batch anchored")
}

// awaitFinality polls the batch transaction, keeping member leases alive on
// every tick. Members that lose their lease are dropped as they go.
func (b *Batcher) awaitFinality(ctx context.Context, h ledger.TxHandle, members []member) (ledger.PollResult, []member, error) {
	deadline := time.NewTimer(b.PollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ledger.PollResult{}, members, ctx.Err()
		case <-deadline.C:
			return ledger.PollResult{}, members, errors.New("confirmation timed out")
		case <-ticker.C:
		}

		kept := members[:0]
		for _, m := range members {
			expiry, ok := b.extendIfLow(ctx, m.job.ID, m.job.LeaseExpiresMs)
			if !ok {
				metrics.LeasesLost.Inc()
				log.WithField("job", m.job.ID).Warn("lease lost while polling batch, dropping member")
				continue
			}
			m.job.LeaseExpiresMs = expiry
			kept = append(kept, m)
		}
		members = kept
		if len(members) == 0 {
			return ledger.PollResult{}, nil, errors.New("all batch members lost their leases")
		}

		res, err := b.Backend.Poll(ctx, h)
		if err != nil {
			log.WithError(err).Warn("batch poll failed")
			continue
		}
		if res.Status != ledger.StatusPending {
			return res, members, nil
		}
	}
}

func (b *Batcher) retryJob(ctx context.Context, j store.Job, reason string) {
	attempt := j.Attempts + 1
	if attempt >= b.MaxAttempts {
		b.failJob(ctx, j, reason)
		return
	}
	out := store.Outcome{
		Status:      store.StatusFailedRetryable,
		LastError:   reason,
		AttemptMade: true,
		NextRetryMs: store.NextRetryMs(store.NowMs(), attempt),
	}
	if err := b.Store.Complete(ctx, b.Owner, j.ID, out); err != nil && !errors.Is(err, store.ErrLeaseLost) {
		log.WithError(err).WithField("job", j.ID).Error("schedule batch retry failed")
		return
	}
	metrics.JobsRetried.Inc()
}

func (b *Batcher) failJob(ctx context.Context, j store.Job, reason string) {
	out := store.Outcome{Status: store.StatusFailedTerminal, LastError: reason, AttemptMade: true}
	if err := b.Store.Complete(ctx, b.Owner, j.ID, out); err != nil && !errors.Is(err, store.ErrLeaseLost) {
		log.WithError(err).WithField("job", j.ID).Error("complete terminal failed")
		return
	}
	metrics.JobsFailedTerminal.WithLabelValues("batch").Inc()
}
