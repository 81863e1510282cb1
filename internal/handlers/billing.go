package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

type BillingPlan struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    *string `json:"description,omitempty"`
	PriceCents     int     `json:"priceCents"`
	Currency       string  `json:"currency"`
	Interval       string  `json:"interval"`
	StripePriceID  *string `json:"stripePriceId,omitempty"`
	MonthlyCredits int     `json:"monthlyCredits"`
	MaxTeamMembers int     `json:"maxTeamMembers"`
}

// GetBillingPlans returns active billing plans.
// URL: GET /api/billing/plans
func (h *Handler) GetBillingPlans(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.QueryContext(r.Context(), `
		SELECT id, name, description, price_cents, currency, interval, stripe_price_id,
		       monthly_credits, max_team_members
		  FROM public.billing_plans
		 WHERE is_active = TRUE
		 ORDER BY price_cents ASC
	`)
	if err != nil {
		h.logger.Printf("[Billing][GetPlans] query error: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch plans")
		return
	}
	defer rows.Close()

	plans := []BillingPlan{}
	for rows.Next() {
		var p BillingPlan
		var desc, priceID sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &desc, &p.PriceCents, &p.Currency, &p.Interval, &priceID,
			&p.MonthlyCredits, &p.MaxTeamMembers); err != nil {
			h.logger.Printf("[Billing][GetPlans] scan error: %v", err)
			continue
		}
		p.Description = nullStringPtr(desc)
		p.StripePriceID = nullStringPtr(priceID)
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch plans")
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

// StripeWebhook handles Stripe webhook events. Each event is processed at most once.
// URL: POST /webhook/stripe
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	const maxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Printf("[Billing][Webhook] read error: %v", err)
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var event stripe.Event
	if h.webhookSecret != "" {
		sig := r.Header.Get("Stripe-Signature")
		if sig == "" {
			writeError(w, http.StatusBadRequest, "Missing signature")
			return
		}
		event, err = webhook.ConstructEvent(payload, sig, h.webhookSecret)
		if err != nil {
			h.logger.Printf("[Billing][Webhook] signature verification error: %v", err)
			writeError(w, http.StatusBadRequest, "Invalid signature")
			return
		}
	} else {
		h.logger.Printf("[Billing][Webhook] STRIPE_WEBHOOK_SECRET not set, skipping signature verification")
		if err := json.Unmarshal(payload, &event); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}
	if event.ID == "" || event.Data == nil {
		writeError(w, http.StatusBadRequest, "Invalid event")
		return
	}

	ctx := r.Context()
	var recorded string
	err = h.db.QueryRowContext(ctx, `
		INSERT INTO public.billing_events (id, stripe_event_id, stripe_event_type, data, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (stripe_event_id) DO NOTHING
		RETURNING id
	`, "evt_"+event.ID, event.ID, string(event.Type), []byte(event.Data.Raw)).Scan(&recorded)
	if errors.Is(err, sql.ErrNoRows) {
		h.logger.Printf("[Billing][Webhook] duplicate event id=%s type=%s", event.ID, event.Type)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	if err != nil {
		h.logger.Printf("[Billing][Webhook] event save error: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to record event")
		return
	}

	if err := h.processStripeEvent(ctx, event); err != nil {
		h.logger.Printf("[Billing][Webhook] process error id=%s type=%s err=%v", event.ID, event.Type, err)
		// Forget the event so Stripe's retry is processed again.
		if _, derr := h.db.ExecContext(ctx, `DELETE FROM public.billing_events WHERE stripe_event_id = $1`, event.ID); derr != nil {
			h.logger.Printf("[Billing][Webhook] event release error id=%s err=%v", event.ID, derr)
		}
		writeError(w, http.StatusInternalServerError, "Failed to process event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) processStripeEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return h.handleSubscriptionEvent(ctx, event)
	case "customer.subscription.deleted":
		return h.handleSubscriptionCancellation(ctx, event)
	case "invoice.payment_succeeded":
		return h.handlePaymentSuccess(ctx, event)
	default:
		h.logger.Printf("[Billing][Webhook] unhandled event type: %s", event.Type)
		return nil
	}
}

func activeSubscription(status stripe.SubscriptionStatus) bool {
	return status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing
}

// handleSubscriptionEvent sets the customer's Pro flag and tier from the subscribed price.
func (h *Handler) handleSubscriptionEvent(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("unmarshal subscription: %w", err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return errors.New("subscription without customer")
	}
	var priceID string
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		priceID = sub.Items.Data[0].Price.ID
	}

	var tier sql.NullString
	if priceID != "" {
		err := h.db.QueryRowContext(ctx, `SELECT id FROM public.billing_plans WHERE stripe_price_id = $1`, priceID).Scan(&tier)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup plan: %w", err)
		}
	}
	isPro := activeSubscription(sub.Status) && tier.Valid && tier.String != "free"
	if !isPro {
		tier = sql.NullString{}
	}
	res, err := h.db.ExecContext(ctx, `
		UPDATE public.users
		   SET is_pro = $2, subscription_tier = $3, updated_at = NOW()
		 WHERE stripe_customer_id = $1
	`, sub.Customer.ID, isPro, tier)
	if err != nil {
		return fmt.Errorf("update user plan: %w", err)
	}
	n, _ := res.RowsAffected()
	h.logger.Printf("[Billing][SubscriptionEvent] customer=%s status=%s tier=%s pro=%v users=%d",
		sub.Customer.ID, sub.Status, tier.String, isPro, n)
	return nil
}

func (h *Handler) handleSubscriptionCancellation(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("unmarshal subscription: %w", err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return errors.New("subscription without customer")
	}
	if _, err := h.db.ExecContext(ctx, `
		UPDATE public.users
		   SET is_pro = FALSE, subscription_tier = NULL, updated_at = NOW()
		 WHERE stripe_customer_id = $1
	`, sub.Customer.ID); err != nil {
		return fmt.Errorf("downgrade user: %w", err)
	}
	h.logger.Printf("[Billing][CancellationEvent] customer=%s", sub.Customer.ID)
	return nil
}

// handlePaymentSuccess grants the plan's monthly credits for a paid invoice.
func (h *Handler) handlePaymentSuccess(ctx context.Context, event stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("unmarshal invoice: %w", err)
	}
	if inv.Customer == nil || inv.Customer.ID == "" {
		return errors.New("invoice without customer")
	}
	var priceID string
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line != nil && line.Price != nil && strings.TrimSpace(line.Price.ID) != "" {
				priceID = line.Price.ID
				break
			}
		}
	}
	if priceID == "" {
		h.logger.Printf("[Billing][PaymentSuccess] invoice=%s has no priced line; nothing to grant", inv.ID)
		return nil
	}

	var userID string
	var monthly int
	err := h.db.QueryRowContext(ctx, `
		SELECT u.id, p.monthly_credits
		  FROM public.users u, public.billing_plans p
		 WHERE u.stripe_customer_id = $1 AND p.stripe_price_id = $2
	`, inv.Customer.ID, priceID).Scan(&userID, &monthly)
	if errors.Is(err, sql.ErrNoRows) {
		h.logger.Printf("[Billing][PaymentSuccess] no user/plan customer=%s price=%s", inv.Customer.ID, priceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup user plan: %w", err)
	}
	if monthly <= 0 || h.ledger == nil {
		return nil
	}
	bal, err := h.ledger.Grant(ctx, userID, monthly, "invoice:"+inv.ID)
	if err != nil {
		return fmt.Errorf("grant credits: %w", err)
	}
	h.logger.Printf("[Billing][PaymentSuccess] userId=%s invoice=%s granted=%d balance=%d", userID, inv.ID, monthly, bal)
	return nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
