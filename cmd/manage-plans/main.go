package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

type plan struct {
	id, name, desc string
	price          int
	monthlyCredits int
	maxMembers     int
	// priceEnv names the env var holding the Stripe price id for this plan.
	priceEnv string
}

var defaultPlans = []plan{
	{id: "free", name: "Free", desc: "Try it out", price: 0, monthlyCredits: 0, maxMembers: 0},
	{id: "standard", name: "Standard", desc: "For individual creators", price: 999, monthlyCredits: 200, maxMembers: 1, priceEnv: "STRIPE_PRICE_STANDARD"},
	{id: "plus", name: "Plus", desc: "For small teams", price: 1999, monthlyCredits: 500, maxMembers: 2, priceEnv: "STRIPE_PRICE_PLUS"},
	{id: "premium", name: "Premium", desc: "For studios", price: 4999, monthlyCredits: 1500, maxMembers: 5, priceEnv: "STRIPE_PRICE_PREMIUM"},
}

func main() {
	_ = godotenv.Load()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := seedPlans(ctx, db, defaultPlans, os.Getenv); err != nil {
		log.Fatal(err)
	}
	if err := listPlans(ctx, db, log.Default()); err != nil {
		log.Fatal(err)
	}
}

// seedPlans upserts plans. Credit and seat allowances are always refreshed; a Stripe price id
// is only overwritten when its env var is set.
func seedPlans(ctx context.Context, db *sql.DB, plans []plan, getenv func(string) string) error {
	for _, p := range plans {
		var priceID sql.NullString
		if p.priceEnv != "" {
			if v := strings.TrimSpace(getenv(p.priceEnv)); v != "" {
				priceID = sql.NullString{String: v, Valid: true}
			}
		}
		_, err := db.ExecContext(ctx, `
			INSERT INTO public.billing_plans (id, name, description, price_cents, currency, interval,
			                                  stripe_price_id, monthly_credits, max_team_members)
			VALUES ($1, $2, $3, $4, 'usd', 'month', $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				price_cents = EXCLUDED.price_cents,
				stripe_price_id = COALESCE(EXCLUDED.stripe_price_id, public.billing_plans.stripe_price_id),
				monthly_credits = EXCLUDED.monthly_credits,
				max_team_members = EXCLUDED.max_team_members
		`, p.id, p.name, p.desc, p.price, priceID, p.monthlyCredits, p.maxMembers)
		if err != nil {
			return fmt.Errorf("upsert %s plan: %w", p.id, err)
		}
		log.Printf("Upserted %s plan (credits=%d seats=%d)", p.id, p.monthlyCredits, p.maxMembers)
	}
	return nil
}

func listPlans(ctx context.Context, db *sql.DB, out *log.Logger) error {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, price_cents, monthly_credits, max_team_members
		  FROM public.billing_plans
		 ORDER BY price_cents
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	out.Println("Current plans:")
	for rows.Next() {
		var id, name string
		var price, credits, seats int
		if err := rows.Scan(&id, &name, &price, &credits, &seats); err != nil {
			return err
		}
		out.Printf("- %s: %s ($%d.%02d/month, %d credits, %d seats)", id, name, price/100, price%100, credits, seats)
	}
	return rows.Err()
}
