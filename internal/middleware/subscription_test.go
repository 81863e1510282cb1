package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func okHandler(seen *Plan, called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		if p, ok := PlanFromContext(r.Context()); ok {
			*seen = p
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestSubscriptionEnforcer_AttachesPlan(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT is_pro, subscription_tier\s+FROM public\.users`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"is_pro", "subscription_tier"}).AddRow(true, "plus"))

	var seen Plan
	var called bool
	h := NewSubscriptionEnforcer(db).Middleware(okHandler(&seen, &called))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/credits/user/u1", nil))

	if !called || rr.Code != http.StatusOK {
		t.Fatalf("expected pass-through, code=%d", rr.Code)
	}
	if !seen.IsPro || seen.Tier == nil || *seen.Tier != "plus" {
		t.Fatalf("unexpected plan %+v", seen)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestSubscriptionEnforcer_RejectsFreeUserOnProRoute(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT is_pro`).
		WithArgs("u2").
		WillReturnRows(sqlmock.NewRows([]string{"is_pro", "subscription_tier"}).AddRow(false, nil))

	var seen Plan
	var called bool
	h := NewSubscriptionEnforcer(db).Middleware(okHandler(&seen, &called))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/teams/invitations/user/u2", nil))

	if called {
		t.Fatalf("handler should not run")
	}
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 got %d", rr.Code)
	}
}

func TestSubscriptionEnforcer_LookupErrorFallsBackToFree(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT is_pro`).WithArgs("u3").WillReturnError(errors.New("db down"))

	var seen Plan
	var called bool
	h := NewSubscriptionEnforcer(db).Middleware(okHandler(&seen, &called))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/teams/user/u3", nil))

	if !called || seen.IsPro || seen.UserID != "u3" {
		t.Fatalf("expected free plan pass-through, called=%v plan=%+v", called, seen)
	}
}

func TestSubscriptionEnforcer_SkipsPublicRoutes(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	var seen Plan
	var called bool
	h := NewSubscriptionEnforcer(db).Middleware(okHandler(&seen, &called))
	for _, p := range []string{"/health", "/api/billing/plans", "/api/events/ws", "/api/unknown"} {
		called = false
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
		if !called {
			t.Fatalf("expected %s to pass through", p)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected sql: %v", err)
	}
}

func TestExtractUserID(t *testing.T) {
	if got := extractUserID("/api/teams/members/m1/user/u9"); got != "u9" {
		t.Fatalf("got %q", got)
	}
	if got := extractUserID("/api/teams"); got != "" {
		t.Fatalf("got %q", got)
	}
}
