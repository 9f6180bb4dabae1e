package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/phoenixvc/phoenix-evidence/pkg/db"
	"github.com/phoenixvc/phoenix-evidence/pkg/digest"
)

// These tests run against a real Postgres and are skipped unless
// DATABASE_URL is set. They cover the claim/lease SQL itself: mutual
// exclusion under concurrent claims, reclaim only after lease expiry, the
// stale-owner guard, and the one-anchor-per-digest conversion.

func liveStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("set DATABASE_URL to run store integration tests")
	}
	pool, err := db.Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	s := New(pool)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func liveJob(t *testing.T) Job {
	t.Helper()
	id := "ej_" + uuid.NewString()
	return Job{
		ID:        id,
		DigestHex: digest.SumHex([]byte(id)),
		Status:    StatusPending,
		CreatedMs: NowMs(),
	}
}

func mustInsert(t *testing.T, s *Store, jobs ...Job) map[string]bool {
	t.Helper()
	mine := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		if err := s.Insert(context.Background(), &j); err != nil {
			t.Fatalf("insert %s: %v", j.ID, err)
		}
		mine[j.ID] = true
	}
	return mine
}

func TestClaimBatchMutualExclusionLive(t *testing.T) {
	s := liveStore(t)

	jobs := make([]Job, 5)
	for i := range jobs {
		jobs[i] = liveJob(t)
	}
	mine := mustInsert(t, s, jobs...)

	const claimers = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string][]string{} // job id -> owners that got it
	)
	start := make(chan struct{})
	for i := 0; i < claimers; i++ {
		owner := "keeper-mx-" + uuid.NewString()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, err := drainClaims(s, owner, NowMs())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, j := range got {
				if mine[j.ID] {
					claimed[j.ID] = append(claimed[j.ID], owner)
				}
			}
		}()
	}
	close(start)
	wg.Wait()

	for id, owners := range claimed {
		if len(owners) != 1 {
			t.Fatalf("job %s claimed by %d owners: %v", id, len(owners), owners)
		}
	}
	total := 0
	for range claimed {
		total++
	}
	if total != len(jobs) {
		t.Fatalf("claimed %d of %d inserted jobs", total, len(jobs))
	}
}

func TestClaimBatchReclaimsOnlyAfterExpiryLive(t *testing.T) {
	s := liveStore(t)

	j := liveJob(t)
	mine := mustInsert(t, s, j)

	t0 := NowMs()
	lease := time.Minute
	if !containsMine(claimAll(t, s, "keeper-a", t0), mine) {
		t.Fatal("first claim did not lease the job")
	}

	// The simulated clock has not passed the lease yet.
	if containsMine(claimAll(t, s, "keeper-b", t0+1_000), mine) {
		t.Fatal("job reclaimed before its lease expired")
	}

	if !containsMine(claimAll(t, s, "keeper-b", t0+lease.Milliseconds()+1), mine) {
		t.Fatal("expired lease was not reclaimable")
	}
}

func TestCompleteStaleOwnerLive(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()

	j := liveJob(t)
	mustInsert(t, s, j)

	claimAll(t, s, "keeper-owner", NowMs())

	out := Outcome{Status: StatusAnchored, TxHandle: "solana:devnet:live1", AttemptMade: true}
	if err := s.Complete(ctx, "keeper-stale", j.ID, out); err != ErrLeaseLost {
		t.Fatalf("stale owner complete: err = %v, want ErrLeaseLost", err)
	}
	cur, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.Status != StatusLeased {
		t.Fatalf("status after stale write = %s, want leased (untouched)", cur.Status)
	}

	if err := s.Complete(ctx, "keeper-owner", j.ID, out); err != nil {
		t.Fatalf("owner complete: %v", err)
	}
	cur, err = s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.Status != StatusAnchored || cur.TxHandle != "solana:devnet:live1" || cur.Attempts != 1 {
		t.Fatalf("unexpected final row: %+v", cur)
	}
}

func TestAnchoredDigestUniqueLive(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()

	j1 := liveJob(t)
	j2 := liveJob(t)
	j2.DigestHex = j1.DigestHex // same evidence submitted twice
	mustInsert(t, s, j1, j2)

	owner := "keeper-dup-" + uuid.NewString()
	claimAll(t, s, owner, NowMs())

	anchored := Outcome{Status: StatusAnchored, TxHandle: "solana:devnet:dup1", AttemptMade: true}
	if err := s.Complete(ctx, owner, j1.ID, anchored); err != nil {
		t.Fatalf("first anchor: %v", err)
	}
	if err := s.Complete(ctx, owner, j2.ID, anchored); err != nil {
		t.Fatalf("second anchor (should convert, not error): %v", err)
	}

	cur, err := s.Get(ctx, j2.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.Status != StatusFailedTerminal {
		t.Fatalf("duplicate digest status = %s, want failed_terminal", cur.Status)
	}
	if cur.LastError != "digest already anchored by another job" {
		t.Fatalf("last_error = %q", cur.LastError)
	}
}

// drainClaims claims every currently eligible row so assertions cannot be
// defeated by leftover rows from earlier runs against the same database.
func drainClaims(s *Store, owner string, nowMs int64) ([]Job, error) {
	var all []Job
	for {
		got, err := s.ClaimBatch(context.Background(), owner, 50, time.Minute, nowMs)
		if err != nil {
			return nil, err
		}
		if len(got) == 0 {
			return all, nil
		}
		all = append(all, got...)
	}
}

func claimAll(t *testing.T, s *Store, owner string, nowMs int64) []Job {
	t.Helper()
	got, err := drainClaims(s, owner, nowMs)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return got
}

func containsMine(jobs []Job, mine map[string]bool) bool {
	for _, j := range jobs {
		if mine[j.ID] {
			return true
		}
	}
	return false
}
