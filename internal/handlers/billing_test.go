package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

type fakeGranter struct {
	userID string
	amount int
	reason string
	err    error
}

func (f *fakeGranter) Grant(ctx context.Context, userID string, amount int, reason string) (int, error) {
	f.userID, f.amount, f.reason = userID, amount, reason
	return 100 + amount, f.err
}

const subscriptionEvent = `{
  "id": "evt_sub_1",
  "type": "customer.subscription.updated",
  "data": {"object": {
    "id": "sub_1", "object": "subscription", "status": "active",
    "customer": "cus_1",
    "items": {"object": "list", "data": [{"id": "si_1", "price": {"id": "price_plus"}}]}
  }}
}`

const invoiceEvent = `{
  "id": "evt_inv_1",
  "type": "invoice.payment_succeeded",
  "data": {"object": {
    "id": "in_1", "object": "invoice", "customer": "cus_1",
    "lines": {"object": "list", "data": [{"id": "il_1", "price": {"id": "price_plus"}}]}
  }}
}`

func expectEventRecorded(mock sqlmock.Sqlmock, id string) {
	mock.ExpectQuery(`INSERT INTO public\.billing_events .* ON CONFLICT \(stripe_event_id\) DO NOTHING\s+RETURNING id`).
		WithArgs("evt_"+id, id, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("evt_" + id))
}

func TestStripeWebhook_SubscriptionSetsTier(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	expectEventRecorded(mock, "evt_sub_1")
	mock.ExpectQuery(`SELECT id FROM public\.billing_plans WHERE stripe_price_id = \$1`).
		WithArgs("price_plus").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("plus"))
	mock.ExpectExec(`UPDATE public\.users\s+SET is_pro = \$2, subscription_tier = \$3`).
		WithArgs("cus_1", true, "plus").
		WillReturnResult(sqlmock.NewResult(0, 1))

	h := New(db)
	rr := serve(t, h, http.MethodPost, "/webhook/stripe", subscriptionEvent)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%q", rr.Code, rr.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestStripeWebhook_InvoiceGrantsMonthlyCredits(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	expectEventRecorded(mock, "evt_inv_1")
	mock.ExpectQuery(`SELECT u\.id, p\.monthly_credits`).
		WithArgs("cus_1", "price_plus").
		WillReturnRows(sqlmock.NewRows([]string{"id", "monthly_credits"}).AddRow("u1", 500))

	g := &fakeGranter{}
	h := New(db)
	h.SetLedger(g)
	rr := serve(t, h, http.MethodPost, "/webhook/stripe", invoiceEvent)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%q", rr.Code, rr.Body.String())
	}
	if g.userID != "u1" || g.amount != 500 || g.reason != "invoice:in_1" {
		t.Fatalf("unexpected grant %+v", g)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestStripeWebhook_DuplicateIsSkipped(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`INSERT INTO public\.billing_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	g := &fakeGranter{}
	h := New(db)
	h.SetLedger(g)
	rr := serve(t, h, http.MethodPost, "/webhook/stripe", invoiceEvent)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if g.userID != "" {
		t.Fatalf("duplicate event must not grant credits")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestStripeWebhook_GrantFailureReleasesEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	expectEventRecorded(mock, "evt_inv_1")
	mock.ExpectQuery(`SELECT u\.id, p\.monthly_credits`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "monthly_credits"}).AddRow("u1", 500))
	mock.ExpectExec(`DELETE FROM public\.billing_events WHERE stripe_event_id = \$1`).
		WithArgs("evt_inv_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	h := New(db)
	h.SetLedger(&fakeGranter{err: errors.New("db down")})
	rr := serve(t, h, http.MethodPost, "/webhook/stripe", invoiceEvent)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rr.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestStripeWebhook_RequiresSignatureWhenConfigured(t *testing.T) {
	h := New(nil)
	h.SetStripeWebhookSecret("whsec_test")
	rr := serve(t, h, http.MethodPost, "/webhook/stripe", invoiceEvent)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestGetBillingPlans(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`FROM public\.billing_plans\s+WHERE is_active = TRUE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "price_cents", "currency", "interval", "stripe_price_id", "monthly_credits", "max_team_members"}).
			AddRow("plus", "Plus", nil, 1900, "usd", "month", "price_plus", 500, 2))

	h := New(db)
	rr := serve(t, h, http.MethodGet, "/api/billing/plans", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if body := rr.Body.String(); !strings.Contains(body, `"maxTeamMembers":2`) || !strings.Contains(body, `"monthlyCredits":500`) {
		t.Fatalf("unexpected body %q", body)
	}
}
