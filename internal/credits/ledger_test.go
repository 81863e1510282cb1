package credits

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sonerady/dires-server/internal/models"
)

func TestReserve_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	l := &Ledger{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE public\.users\s+SET credit_balance = credit_balance - \$2`).
		WithArgs("owner", 20).
		WillReturnRows(sqlmock.NewRows([]string{"credit_balance"}).AddRow(80))
	mock.ExpectExec(`INSERT INTO public\.credit_reservations`).
		WithArgs(sqlmock.AnyArg(), "owner", "member", 20, "generation", "a cat").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := l.Reserve(context.Background(), "owner", 20, ReserveMeta{UserID: "member", Prompt: "a cat"})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.PreviousBalance != 100 || res.NewBalance != 80 || res.Amount != 20 {
		t.Fatalf("unexpected reservation: %+v", res)
	}
	if res.OwnerID != "owner" || res.UserID != "member" || res.ID == "" {
		t.Fatalf("unexpected reservation ids: %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestReserve_InsufficientCredit(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	l := &Ledger{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE public\.users`).
		WithArgs("u1", 20).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT credit_balance FROM public\.users WHERE id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"credit_balance"}).AddRow(10))
	mock.ExpectRollback()

	_, err = l.Reserve(context.Background(), "u1", 20, ReserveMeta{})
	ice, ok := IsInsufficientCredit(err)
	if !ok {
		t.Fatalf("expected InsufficientCreditError got %v", err)
	}
	if ice.Current != 10 || ice.Required != 20 {
		t.Fatalf("unexpected amounts: %+v", ice)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestReserve_UnknownUserAndInvalidAmount(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	l := &Ledger{DB: db}

	if _, err := l.Reserve(context.Background(), "u1", 0, ReserveMeta{}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount got %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE public\.users`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT credit_balance`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	if _, err := l.Reserve(context.Background(), "ghost", 5, ReserveMeta{}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestRefund_ReturnsFullAmountToOwner(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	l := &Ledger{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE public\.credit_reservations\s+SET status = 'refunded'`).
		WithArgs("r1", "sensitive_content").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE public\.users\s+SET credit_balance = credit_balance \+ \$2`).
		WithArgs("owner", 20).
		WillReturnRows(sqlmock.NewRows([]string{"credit_balance"}).AddRow(100))
	mock.ExpectCommit()

	bal, err := l.Refund(context.Background(), Reservation{ID: "r1", OwnerID: "owner", Amount: 20}, "sensitive_content")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if bal != 100 {
		t.Fatalf("expected balance 100 got %d", bal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestRefund_AlreadySettledMovesNoCredits(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	l := &Ledger{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE public\.credit_reservations`).
		WithArgs("r1", "timeout").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = l.Refund(context.Background(), Reservation{ID: "r1", OwnerID: "owner", Amount: 20}, "timeout")
	if !errors.Is(err, ErrReservationSettled) {
		t.Fatalf("expected ErrReservationSettled got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestCharge_ReturnsOwnerBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	l := &Ledger{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE public\.credit_reservations\s+SET status = 'charged'`).
		WithArgs("r1", "https://cdn.test/out.png").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT credit_balance FROM public\.users`).
		WithArgs("owner").
		WillReturnRows(sqlmock.NewRows([]string{"credit_balance"}).AddRow(80))
	mock.ExpectCommit()

	bal, err := l.Charge(context.Background(), Reservation{ID: "r1", OwnerID: "owner", Amount: 20}, "https://cdn.test/out.png")
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if bal != 80 {
		t.Fatalf("expected 80 got %d", bal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestGrant_RecordsGrantRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	l := &Ledger{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE public\.users`).
		WithArgs("u1", 500).
		WillReturnRows(sqlmock.NewRows([]string{"credit_balance"}).AddRow(510))
	mock.ExpectExec(`INSERT INTO public\.credit_grants`).
		WithArgs(sqlmock.AnyArg(), "u1", 500, "plan:pro").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	bal, err := l.Grant(context.Background(), "u1", 500, "plan:pro")
	if err != nil || bal != 510 {
		t.Fatalf("Grant: bal=%d err=%v", bal, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestReclaimStale_RefundsPendingAndSkipsSettled(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	l := &Ledger{DB: db}

	created := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`FROM public\.credit_reservations\s+WHERE status = \$1`).
		WithArgs(models.ReservationReserved, sqlmock.AnyArg(), 100).
		WillReturnRows(sqlmock.NewRows(staleColumns).
			AddRow("r1", "o1", "u1", 20, "reserved", "job-1", nil, created, nil).
			AddRow("r2", "o2", "o2", 10, "reserved", nil, nil, created, nil))

	// r1 refunds.
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE public\.credit_reservations`).
		WithArgs("r1", "abandoned").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE public\.users`).
		WithArgs("o1", 20).
		WillReturnRows(sqlmock.NewRows([]string{"credit_balance"}).AddRow(20))
	mock.ExpectCommit()

	// r2 was settled concurrently.
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE public\.credit_reservations`).
		WithArgs("r2", "abandoned").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	n, err := l.ReclaimStale(context.Background(), 15*time.Minute, 0)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 refunded got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

var staleColumns = []string{"id", "owner_id", "user_id", "amount", "status", "external_job_id", "error_class", "created_at", "settled_at"}

func TestStale_ScansReservationRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	l := &Ledger{DB: db}

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(`SELECT id, owner_id, user_id, amount, status, external_job_id`).
		WithArgs(models.ReservationReserved, sqlmock.AnyArg(), 5).
		WillReturnRows(sqlmock.NewRows(staleColumns).
			AddRow("r1", "owner", "member", 3, "reserved", "job-9", nil, created, nil))

	got, err := l.Stale(context.Background(), time.Minute, 5)
	if err != nil {
		t.Fatalf("Stale: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 row got %d", len(got))
	}
	r := got[0]
	if r.OwnerID != "owner" || r.UserID != "member" || r.Amount != 3 || r.Status != models.ReservationReserved {
		t.Fatalf("unexpected row %+v", r)
	}
	if r.ExternalJobID == nil || *r.ExternalJobID != "job-9" || r.ErrorClass != nil || !r.CreatedAt.Equal(created) {
		t.Fatalf("unexpected nullable fields %+v", r)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestPendingSummary(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	l := &Ledger{DB: db}

	oldest := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(`SELECT COUNT\(\*\), COALESCE\(SUM\(amount\), 0\), MIN\(created_at\)`).
		WithArgs(models.ReservationReserved, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum", "min"}).AddRow(2, 7, oldest))

	sum, err := l.PendingSummary(context.Background(), 15*time.Minute)
	if err != nil {
		t.Fatalf("PendingSummary: %v", err)
	}
	if sum.Count != 2 || sum.Amount != 7 || sum.Oldest == nil || !sum.Oldest.Equal(oldest) {
		t.Fatalf("unexpected summary %+v", sum)
	}
}
