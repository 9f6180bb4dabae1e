// Package store owns the durable evidence job table. All cross-worker
// coordination happens through ClaimBatch and the lease-owner guard on
// Complete; no other synchronization exists between keepers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusLeased          Status = "leased"
	StatusAnchored        Status = "anchored"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedTerminal  Status = "failed_terminal"
)

var (
	ErrDuplicateID = errors.New("evidence job id already exists")
	ErrNotFound    = errors.New("evidence job not found")
	// ErrLeaseLost means the caller no longer holds the job's lease; the
	// attempted write was discarded and the caller must abandon the job.
	ErrLeaseLost = errors.New("lease no longer held")
)

type Job struct {
	ID             string
	DigestHex      string
	PayloadMime    string
	Metadata       json.RawMessage
	Status         Status
	Attempts       int64
	LeaseOwner     string
	LeaseExpiresMs int64
	NextRetryMs    int64
	LastError      string
	TxHandle       string
	CreatedMs      int64
	UpdatedMs      int64
}

// Outcome is a terminal or retry transition written by a lease holder.
type Outcome struct {
	Status      Status
	TxHandle    string
	LastError   string
	AttemptMade bool
	NextRetryMs int64
}

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func NowMs() int64 { return time.Now().UnixMilli() }

func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS evidence_jobs (
			id TEXT PRIMARY KEY,
			digest_hex TEXT NOT NULL,
			payload_mime TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts BIGINT NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_ms BIGINT NOT NULL DEFAULT 0,
			next_retry_ms BIGINT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			tx_handle TEXT NOT NULL DEFAULT '',
			created_ms BIGINT NOT NULL,
			updated_ms BIGINT NOT NULL
		)`,
		// One successful anchor per digest; unanchored duplicates are allowed.
		`CREATE UNIQUE INDEX IF NOT EXISTS evidence_jobs_anchored_digest
			ON evidence_jobs(digest_hex) WHERE status = 'anchored'`,
		`CREATE INDEX IF NOT EXISTS evidence_jobs_claim
			ON evidence_jobs(status, next_retry_ms, lease_expires_ms)`,
		`CREATE TABLE IF NOT EXISTS payment_receipts (
			id TEXT PRIMARY KEY,
			evidence_id TEXT NOT NULL,
			tx_signature TEXT NOT NULL UNIQUE,
			amount_usdc TEXT NOT NULL,
			token TEXT NOT NULL,
			tier TEXT NOT NULL,
			sender_wallet TEXT NOT NULL DEFAULT '',
			verified_ms BIGINT NOT NULL,
			created_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS merkle_proofs (
			job_id TEXT PRIMARY KEY,
			root_hex TEXT NOT NULL,
			proof JSONB NOT NULL,
			created_ms BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, j *Job) error {
	meta := j.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO evidence_jobs(id,digest_hex,payload_mime,metadata,status,attempts,created_ms,updated_ms)
VALUES($1,$2,$3,$4::jsonb,$5,0,$6,$6)
`, j.ID, j.DigestHex, j.PayloadMime, string(meta), StatusPending, j.CreatedMs)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateID
		}
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.DB.QueryRow(ctx, selectJobCols+` FROM evidence_jobs WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *Store) List(ctx context.Context, page, perPage int) ([]Job, int64, error) {
	var total int64
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM evidence_jobs`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.Query(ctx, selectJobCols+`
FROM evidence_jobs ORDER BY created_ms DESC, id LIMIT $1 OFFSET $2`, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	return out, total, rows.Err()
}

// ClaimBatch atomically leases up to limit eligible jobs to owner. Eligible:
// pending, retryable past its backoff, or leased with an expired lease
// (abandoned by a dead worker). SKIP LOCKED keeps concurrent dispatchers
// from ever claiming the same row.
func (s *Store) ClaimBatch(ctx context.Context, owner string, limit int, leaseDur time.Duration, nowMs int64) ([]Job, error) {
	expiresMs := nowMs + leaseDur.Milliseconds()
	rows, err := s.DB.Query(ctx, `
WITH eligible AS (
	SELECT id FROM evidence_jobs
	WHERE status = 'pending'
	   OR (status = 'failed_retryable' AND next_retry_ms <= $3)
	   OR (status = 'leased' AND lease_expires_ms < $3)
	ORDER BY GREATEST(next_retry_ms, created_ms) ASC, id
	LIMIT $4
	FOR UPDATE SKIP LOCKED
)
UPDATE evidence_jobs j
SET status='leased', lease_owner=$1, lease_expires_ms=$2, updated_ms=$3
FROM eligible WHERE j.id = eligible.id
RETURNING j.id,j.digest_hex,j.payload_mime,j.metadata,j.status,j.attempts,j.lease_owner,j.lease_expires_ms,j.next_retry_ms,j.last_error,j.tx_handle,j.created_ms,j.updated_ms
`, owner, expiresMs, nowMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Complete writes a terminal or retry transition. The write applies only
// while owner still holds the lease; otherwise ErrLeaseLost is returned and
// nothing changes, so a reclaimed-then-slow worker cannot overwrite newer
// state. A digest that already has an anchored job trips the partial unique
// index; that job is finished as failed_terminal instead of anchored twice.
func (s *Store) Complete(ctx context.Context, owner, id string, out Outcome) error {
	nowMs := NowMs()
	tag, err := s.DB.Exec(ctx, `
UPDATE evidence_jobs
SET status=$3,
    attempts   = attempts + CASE WHEN $4 THEN 1 ELSE 0 END,
    last_error = $5,
    tx_handle  = CASE WHEN $6 <> '' THEN $6 ELSE tx_handle END,
    next_retry_ms = $7,
    lease_owner = '',
    lease_expires_ms = 0,
    updated_ms = $8
WHERE id=$1 AND status='leased' AND lease_owner=$2
`, id, owner, out.Status, out.AttemptMade, out.LastError, out.TxHandle, out.NextRetryMs, nowMs)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && out.Status == StatusAnchored {
			dup := out
			dup.Status = StatusFailedTerminal
			dup.LastError = "digest already anchored by another job"
			return s.Complete(ctx, owner, id, dup)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ExtendLease pushes the lease expiry forward for a job the owner is still
// working on (awaiting ledger finality).
func (s *Store) ExtendLease(ctx context.Context, owner, id string, newExpiryMs int64) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE evidence_jobs SET lease_expires_ms=$3, updated_ms=$4
WHERE id=$1 AND status='leased' AND lease_owner=$2
`, id, owner, newExpiryMs, NowMs())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RecordTxHandle persists the ledger reference as soon as submission
// succeeds, before finality is known. A reclaimed job that carries a handle
// resumes polling instead of submitting a duplicate transaction.
func (s *Store) RecordTxHandle(ctx context.Context, owner, id, handle string) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE evidence_jobs SET tx_handle=$3, updated_ms=$4
WHERE id=$1 AND status='leased' AND lease_owner=$2
`, id, owner, handle, NowMs())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// AnchoredJobWithDigest looks up the anchored job for a digest, if any.
func (s *Store) AnchoredJobWithDigest(ctx context.Context, digestHex string) (Job, bool, error) {
	j, err := scanJob(s.DB.QueryRow(ctx, selectJobCols+`
FROM evidence_jobs WHERE digest_hex=$1 AND status='anchored'`, digestHex))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

const selectJobCols = `SELECT id,digest_hex,payload_mime,metadata,status,attempts,lease_owner,lease_expires_ms,next_retry_ms,last_error,tx_handle,created_ms,updated_ms`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.DigestHex, &j.PayloadMime, &j.Metadata, &j.Status, &j.Attempts,
		&j.LeaseOwner, &j.LeaseExpiresMs, &j.NextRetryMs, &j.LastError, &j.TxHandle, &j.CreatedMs, &j.UpdatedMs)
	return j, err
}
