package store

import "math/rand"

const (
	backoffBaseMs   = 5_000
	backoffCapMs    = 300_000
	backoffJitterMs = 1_000
	backoffMaxExp   = 20
)

// NextRetryMs schedules the next attempt with capped exponential backoff and
// jitter, so a fleet of retryable jobs does not stampede the ledger after a
// transient outage.
func NextRetryMs(nowMs int64, attempts int64) int64 {
	exp := attempts
	if exp < 0 {
		exp = 0
	}
	if exp > backoffMaxExp {
		exp = backoffMaxExp
	}
	backoff := int64(backoffBaseMs) << uint(exp)
	if backoff > backoffCapMs || backoff <= 0 {
		backoff = backoffCapMs
	}
	return nowMs + backoff + rand.Int63n(backoffJitterMs)
}
