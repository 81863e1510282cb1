package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type scriptedReclaimer struct {
	mu      sync.Mutex
	batches []int
	err     error
	calls   int
	seen    []time.Duration
}

func (s *scriptedReclaimer) ReclaimStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.seen = append(s.seen, olderThan)
	if s.err != nil {
		return 0, s.err
	}
	if len(s.batches) == 0 {
		return 0, nil
	}
	n := s.batches[0]
	s.batches = s.batches[1:]
	return n, nil
}

func TestRunOnce_DrainsFullBatches(t *testing.T) {
	r := &scriptedReclaimer{batches: []int{2, 2, 1}}
	w := &ReservationReconciler{Ledger: r, BatchSize: 2, OlderThan: time.Hour}

	if got := w.RunOnce(context.Background()); got != 5 {
		t.Fatalf("expected 5 refunded got %d", got)
	}
	if r.calls != 3 {
		t.Fatalf("expected 3 sweeps got %d", r.calls)
	}
	if r.seen[0] != time.Hour {
		t.Fatalf("expected olderThan=1h got %s", r.seen[0])
	}
}

func TestRunOnce_StopsOnError(t *testing.T) {
	r := &scriptedReclaimer{err: errors.New("db down")}
	w := &ReservationReconciler{Ledger: r}
	if got := w.RunOnce(context.Background()); got != 0 {
		t.Fatalf("expected 0 got %d", got)
	}
	if r.calls != 1 {
		t.Fatalf("expected 1 call got %d", r.calls)
	}
}

func TestStart_SweepsImmediatelyAndStops(t *testing.T) {
	r := &scriptedReclaimer{}
	w := &ReservationReconciler{Ledger: r, Interval: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		calls := r.calls
		r.mu.Unlock()
		if calls > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
	if r.calls == 0 {
		t.Fatalf("expected an initial sweep")
	}
	if w.OlderThan != 15*time.Minute || w.BatchSize != 100 {
		t.Fatalf("defaults not applied: %+v", w)
	}
}
