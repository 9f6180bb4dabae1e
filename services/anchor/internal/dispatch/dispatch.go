// Package dispatch claims leased evidence jobs and hands them to workers.
package dispatch

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/metrics"
	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/store"
)

// Claimer is the slice of the job store the dispatcher needs.
type Claimer interface {
	ClaimBatch(ctx context.Context, owner string, limit int, leaseDur time.Duration, nowMs int64) ([]store.Job, error)
}

type Dispatcher struct {
	Store    Claimer
	Owner    string
	Interval time.Duration
	Batch    int
	Lease    time.Duration
}

// Run polls the store on every tick and pushes claimed jobs onto out.
// The send blocks when all workers are busy, which naturally stops
// claiming until capacity frees up. Run returns when ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, out chan<- store.Job) {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		jobs, err := d.Store.ClaimBatch(ctx, d.Owner, d.Batch, d.Lease, store.NowMs())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("claim batch failed")
			continue
		}
		if len(jobs) == 0 {
			continue
		}
		log.WithFields(log.Fields{"owner": d.Owner, "claimed": len(jobs)}).Info("claimed jobs")

		for _, j := range jobs {
			metrics.JobsClaimed.Inc()
			select {
			case out <- j:
			case <-ctx.Done():
				return
			}
		}
	}
}
