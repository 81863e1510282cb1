package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/sonerady/dires-server/internal/models"
)

// Ledger moves credits on public.users.credit_balance.
//
// Every debit goes through a single conditional UPDATE (decrement only if the balance covers it),
// so concurrent reservations from several team members can never drive a balance negative.
// Each debit also leaves a credit_reservations row that is settled exactly once: charged or refunded.
type Ledger struct {
	DB     *sql.DB
	Logger *log.Logger
}

type ReserveMeta struct {
	// UserID is the user who triggered the action (may differ from the owner under team pooling).
	UserID string
	Reason string
	Prompt string
}

type Reservation struct {
	ID              string `json:"id"`
	OwnerID         string `json:"ownerId"`
	UserID          string `json:"userId"`
	Amount          int    `json:"amount"`
	PreviousBalance int    `json:"previousBalance"`
	NewBalance      int    `json:"newBalance"`
}

func (l *Ledger) logger() *log.Logger {
	if l.Logger == nil {
		return log.Default()
	}
	return l.Logger
}

// Reserve debits amount from ownerID and records a pending reservation in the same transaction.
func (l *Ledger) Reserve(ctx context.Context, ownerID string, amount int, meta ReserveMeta) (Reservation, error) {
	if amount <= 0 {
		return Reservation{}, ErrInvalidAmount
	}
	if meta.Reason == "" {
		meta.Reason = "generation"
	}
	if meta.UserID == "" {
		meta.UserID = ownerID
	}

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, fmt.Errorf("begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var newBalance int
	err = tx.QueryRowContext(ctx, `
		UPDATE public.users
		   SET credit_balance = credit_balance - $2,
		       updated_at = NOW()
		 WHERE id = $1
		   AND credit_balance >= $2
		RETURNING credit_balance
	`, ownerID, amount).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		var current int
		cerr := tx.QueryRowContext(ctx, `SELECT credit_balance FROM public.users WHERE id = $1`, ownerID).Scan(&current)
		if errors.Is(cerr, sql.ErrNoRows) {
			return Reservation{}, ErrUserNotFound
		}
		if cerr != nil {
			return Reservation{}, fmt.Errorf("read balance: %w", cerr)
		}
		l.logger().Printf("[Credits][Reserve] insufficient ownerId=%s userId=%s current=%d required=%d", ownerID, meta.UserID, current, amount)
		return Reservation{}, &InsufficientCreditError{OwnerID: ownerID, Current: current, Required: amount}
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("decrement balance: %w", err)
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO public.credit_reservations (id, owner_id, user_id, amount, status, reason, prompt, created_at)
		VALUES ($1, $2, $3, $4, 'reserved', $5, NULLIF($6, ''), NOW())
	`, id, ownerID, meta.UserID, amount, meta.Reason, meta.Prompt); err != nil {
		return Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Reservation{}, fmt.Errorf("commit reserve: %w", err)
	}

	res := Reservation{
		ID:              id,
		OwnerID:         ownerID,
		UserID:          meta.UserID,
		Amount:          amount,
		PreviousBalance: newBalance + amount,
		NewBalance:      newBalance,
	}
	l.logger().Printf("[Credits][Reserve] ok id=%s ownerId=%s userId=%s amount=%d balance=%d->%d",
		id, ownerID, meta.UserID, amount, res.PreviousBalance, res.NewBalance)
	return res, nil
}

// AttachJob records the provider job id on a pending reservation.
func (l *Ledger) AttachJob(ctx context.Context, reservationID, externalJobID string) error {
	_, err := l.DB.ExecContext(ctx, `
		UPDATE public.credit_reservations
		   SET external_job_id = $2
		 WHERE id = $1
	`, reservationID, externalJobID)
	return err
}

// Charge settles a reservation as spent and returns the owner's balance after settlement.
func (l *Ledger) Charge(ctx context.Context, res Reservation, resultURL string) (int, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin charge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	r, err := tx.ExecContext(ctx, `
		UPDATE public.credit_reservations
		   SET status = 'charged',
		       result_url = NULLIF($2, ''),
		       error_class = 'none',
		       settled_at = NOW()
		 WHERE id = $1
		   AND status = 'reserved'
	`, res.ID, resultURL)
	if err != nil {
		return 0, fmt.Errorf("mark charged: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return 0, ErrReservationSettled
	}

	var balance int
	if err := tx.QueryRowContext(ctx, `SELECT credit_balance FROM public.users WHERE id = $1`, res.OwnerID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit charge: %w", err)
	}
	l.logger().Printf("[Credits][Charge] ok id=%s ownerId=%s amount=%d balance=%d", res.ID, res.OwnerID, res.Amount, balance)
	return balance, nil
}

// Refund returns the full reserved amount to the same owner that was debited.
// A reservation can be refunded at most once; settled reservations yield ErrReservationSettled.
func (l *Ledger) Refund(ctx context.Context, res Reservation, errorClass string) (int, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin refund: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	balance, err := refundTx(ctx, tx, res.ID, res.OwnerID, res.Amount, errorClass)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit refund: %w", err)
	}
	l.logger().Printf("[Credits][Refund] ok id=%s ownerId=%s amount=%d class=%s balance=%d", res.ID, res.OwnerID, res.Amount, errorClass, balance)
	return balance, nil
}

func refundTx(ctx context.Context, tx *sql.Tx, reservationID, ownerID string, amount int, errorClass string) (int, error) {
	r, err := tx.ExecContext(ctx, `
		UPDATE public.credit_reservations
		   SET status = 'refunded',
		       error_class = NULLIF($2, ''),
		       settled_at = NOW()
		 WHERE id = $1
		   AND status = 'reserved'
	`, reservationID, errorClass)
	if err != nil {
		return 0, fmt.Errorf("mark refunded: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return 0, ErrReservationSettled
	}

	var balance int
	err = tx.QueryRowContext(ctx, `
		UPDATE public.users
		   SET credit_balance = credit_balance + $2,
		       updated_at = NOW()
		 WHERE id = $1
		RETURNING credit_balance
	`, ownerID, amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment balance: %w", err)
	}
	return balance, nil
}

// Grant adds credits outside of any reservation (plan renewals, manual top-ups).
func (l *Ledger) Grant(ctx context.Context, userID string, amount int, reason string) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin grant: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance int
	err = tx.QueryRowContext(ctx, `
		UPDATE public.users
		   SET credit_balance = credit_balance + $2,
		       updated_at = NOW()
		 WHERE id = $1
		RETURNING credit_balance
	`, userID, amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO public.credit_grants (id, user_id, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.NewString(), userID, amount, reason); err != nil {
		return 0, fmt.Errorf("insert grant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit grant: %w", err)
	}
	l.logger().Printf("[Credits][Grant] ok userId=%s amount=%d reason=%s balance=%d", userID, amount, reason, balance)
	return balance, nil
}

// Balance returns the user's own credit balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := l.DB.QueryRowContext(ctx, `SELECT credit_balance FROM public.users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	return balance, err
}

// Stale lists reservations still pending after olderThan, oldest first.
func (l *Ledger) Stale(ctx context.Context, olderThan time.Duration, limit int) ([]models.CreditReservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.DB.QueryContext(ctx, `
		SELECT id, owner_id, user_id, amount, status, external_job_id, error_class, created_at, settled_at
		  FROM public.credit_reservations
		 WHERE status = $1
		   AND created_at < $2
		 ORDER BY created_at ASC
		 LIMIT $3
	`, models.ReservationReserved, time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale reservations: %w", err)
	}
	defer rows.Close()

	var out []models.CreditReservation
	for rows.Next() {
		var r models.CreditReservation
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.UserID, &r.Amount, &r.Status, &r.ExternalJobID, &r.ErrorClass, &r.CreatedAt, &r.SettledAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PendingSummary totals reservations still pending after olderThan.
type PendingSummary struct {
	Count  int
	Amount int
	Oldest *time.Time
}

func (l *Ledger) PendingSummary(ctx context.Context, olderThan time.Duration) (PendingSummary, error) {
	var sum PendingSummary
	err := l.DB.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0), MIN(created_at)
		  FROM public.credit_reservations
		 WHERE status = $1
		   AND created_at < $2
	`, models.ReservationReserved, time.Now().Add(-olderThan)).Scan(&sum.Count, &sum.Amount, &sum.Oldest)
	if err != nil {
		return PendingSummary{}, fmt.Errorf("summarize pending reservations: %w", err)
	}
	return sum, nil
}

// ReclaimStale refunds reservations still pending after olderThan. They belong to attempts whose
// process died between reserve and settlement.
func (l *Ledger) ReclaimStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := l.Stale(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}

	refunded := 0
	for _, r := range stale {
		_, err := l.Refund(ctx, Reservation{ID: r.ID, OwnerID: r.OwnerID, UserID: r.UserID, Amount: r.Amount}, "abandoned")
		if errors.Is(err, ErrReservationSettled) {
			continue
		}
		if err != nil {
			l.logger().Printf("[Credits][Reclaim] refund_failed id=%s ownerId=%s err=%v", r.ID, r.OwnerID, err)
			continue
		}
		refunded++
	}
	return refunded, nil
}
