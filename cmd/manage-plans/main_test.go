package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSeedPlans_UpsertsWithPriceFromEnv(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	plans := []plan{
		{id: "free", name: "Free", desc: "d", price: 0},
		{id: "plus", name: "Plus", desc: "d", price: 1999, monthlyCredits: 500, maxMembers: 2, priceEnv: "STRIPE_PRICE_PLUS"},
	}
	mock.ExpectExec(`INSERT INTO public\.billing_plans .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("free", "Free", "d", 0, nil, 0, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO public\.billing_plans`).
		WithArgs("plus", "Plus", "d", 1999, "price_123", 500, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	getenv := func(k string) string {
		if k == "STRIPE_PRICE_PLUS" {
			return " price_123 "
		}
		return ""
	}
	if err := seedPlans(context.Background(), db, plans, getenv); err != nil {
		t.Fatalf("seedPlans: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestSeedPlans_StopsOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`INSERT INTO public\.billing_plans`).WillReturnError(errors.New("boom"))
	err = seedPlans(context.Background(), db, defaultPlans, func(string) string { return "" })
	if err == nil || !strings.Contains(err.Error(), "free") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestDefaultPlans_SeatTiers(t *testing.T) {
	want := map[string]int{"standard": 1, "plus": 2, "premium": 5}
	for _, p := range defaultPlans {
		if n, ok := want[p.id]; ok && p.maxMembers != n {
			t.Fatalf("%s: expected %d seats got %d", p.id, n, p.maxMembers)
		}
	}
}

func TestListPlans(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT id, name, price_cents, monthly_credits, max_team_members`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price_cents", "monthly_credits", "max_team_members"}).
			AddRow("plus", "Plus", 1999, 500, 2))

	var buf bytes.Buffer
	if err := listPlans(context.Background(), db, log.New(&buf, "", 0)); err != nil {
		t.Fatalf("listPlans: %v", err)
	}
	if !strings.Contains(buf.String(), "- plus: Plus ($19.99/month, 500 credits, 2 seats)") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
