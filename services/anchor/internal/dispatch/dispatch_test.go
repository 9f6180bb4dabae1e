package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/store"
)

type fakeClaimer struct {
	mu      sync.Mutex
	batches [][]store.Job
	err     error
	calls   int
}

func (f *fakeClaimer) ClaimBatch(_ context.Context, _ string, _ int, _ time.Duration, _ int64) ([]store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func TestDispatcherDeliversClaimedJobs(t *testing.T) {
	claimer := &fakeClaimer{batches: [][]store.Job{
		{{ID: "ej_1"}, {ID: "ej_2"}},
		{{ID: "ej_3"}},
	}}
	d := &Dispatcher{Store: claimer, Owner: "keeper-test", Interval: time.Millisecond, Batch: 10, Lease: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan store.Job)
	go d.Run(ctx, out)

	var got []string
	for len(got) < 3 {
		select {
		case j := <-out:
			got = append(got, j.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	want := []string{"ej_1", "ej_2", "ej_3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("job order: got %v want %v", got, want)
		}
	}
}

func TestDispatcherKeepsPollingAfterErrors(t *testing.T) {
	claimer := &fakeClaimer{err: errors.New("db down")}
	d := &Dispatcher{Store: claimer, Owner: "keeper-test", Interval: time.Millisecond, Batch: 1, Lease: time.Minute}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out := make(chan store.Job)
	d.Run(ctx, out)

	claimer.mu.Lock()
	calls := claimer.calls
	claimer.mu.Unlock()
	if calls < 2 {
		t.Fatalf("expected repeated claims despite errors, got %d calls", calls)
	}
}

func TestDispatcherStopsOnCancelWhileSending(t *testing.T) {
	claimer := &fakeClaimer{batches: [][]store.Job{{{ID: "ej_1"}}}}
	d := &Dispatcher{Store: claimer, Owner: "keeper-test", Interval: time.Millisecond, Batch: 1, Lease: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan store.Job) // nobody reads

	done := make(chan struct{})
	go func() {
		d.Run(ctx, out)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}
