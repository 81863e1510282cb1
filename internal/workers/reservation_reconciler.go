package workers

import (
	"context"
	"log"
	"time"

	"github.com/sonerady/dires-server/internal/metrics"
)

// Reclaimer is satisfied by *credits.Ledger.
type Reclaimer interface {
	ReclaimStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// ReservationReconciler refunds credit reservations left unsettled by attempts that never finished
// (process crash or restart between reserve and charge/refund).
type ReservationReconciler struct {
	Ledger    Reclaimer
	OlderThan time.Duration // How old a pending reservation must be (default: 15m)
	Interval  time.Duration // How often to sweep (default: 5m)
	BatchSize int           // Max reservations per sweep (default: 100)
	Logger    *log.Logger
}

func (w *ReservationReconciler) ensureDefaults() {
	if w.OlderThan <= 0 {
		w.OlderThan = 15 * time.Minute
	}
	if w.Interval <= 0 {
		w.Interval = 5 * time.Minute
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 100
	}
	if w.Logger == nil {
		w.Logger = log.Default()
	}
}

// Start runs a sweep immediately and then every Interval until ctx is done.
func (w *ReservationReconciler) Start(ctx context.Context) {
	w.ensureDefaults()

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.Logger.Printf("[ReservationReconciler] started (olderThan=%s, interval=%s)", w.OlderThan, w.Interval)

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.Logger.Printf("[ReservationReconciler] stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps until a batch comes back short, returning how many reservations were refunded.
func (w *ReservationReconciler) RunOnce(ctx context.Context) int {
	w.ensureDefaults()
	total := 0
	for ctx.Err() == nil {
		n, err := w.Ledger.ReclaimStale(ctx, w.OlderThan, w.BatchSize)
		if err != nil {
			w.Logger.Printf("[ReservationReconciler] error: %v", err)
			break
		}
		total += n
		metrics.RecordReclaimed(n)
		if n < w.BatchSize {
			break
		}
	}
	if total > 0 {
		w.Logger.Printf("[ReservationReconciler] refunded %d abandoned reservations", total)
	}
	return total
}
