package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
)

// Plan is the subscription state of the user a request acts for.
type Plan struct {
	UserID string  `json:"userId"`
	IsPro  bool    `json:"isPro"`
	Tier   *string `json:"tier,omitempty"`
}

type planKey struct{}

// PlanFromContext returns the plan attached by SubscriptionEnforcer.
func PlanFromContext(ctx context.Context) (Plan, bool) {
	p, ok := ctx.Value(planKey{}).(Plan)
	return p, ok
}

// WithPlan attaches p to ctx.
func WithPlan(ctx context.Context, p Plan) context.Context {
	return context.WithValue(ctx, planKey{}, p)
}

// SubscriptionEnforcer loads the caller's plan into the request context and rejects
// Pro-only routes for users without an active Pro subscription.
type SubscriptionEnforcer struct {
	DB *sql.DB
	// ProOnly lists POST path prefixes that require Pro.
	ProOnly []string
	Logger  *log.Logger
}

// NewSubscriptionEnforcer creates a new subscription enforcer middleware
func NewSubscriptionEnforcer(db *sql.DB) *SubscriptionEnforcer {
	return &SubscriptionEnforcer{
		DB:      db,
		ProOnly: []string{"/api/teams/invitations/user/"},
		Logger:  log.Default(),
	}
}

// Middleware returns an HTTP middleware that enforces subscription limits
func (se *SubscriptionEnforcer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if se.shouldSkip(r) {
			next.ServeHTTP(w, r)
			return
		}
		userID := extractUserID(r.URL.Path)
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		plan, err := se.loadPlan(r.Context(), userID)
		if errors.Is(err, sql.ErrNoRows) {
			// Unknown users are left to the handler, which reports 404.
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			// If the plan can't be determined, treat the user as free tier.
			se.logger().Printf("[Subscription] plan lookup failed userId=%s err=%v", userID, err)
			plan = Plan{UserID: userID}
		}

		if !plan.IsPro && se.requiresPro(r) {
			respondProRequired(w, plan)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPlan(r.Context(), plan)))
	})
}

func (se *SubscriptionEnforcer) logger() *log.Logger {
	if se.Logger != nil {
		return se.Logger
	}
	return log.Default()
}

// shouldSkip returns true if this route should skip subscription enforcement
func (se *SubscriptionEnforcer) shouldSkip(r *http.Request) bool {
	skipPaths := []string{
		"/api/billing",
		"/webhook",
		"/health",
		"/metrics",
		"/api/events",
	}
	for _, path := range skipPaths {
		if strings.HasPrefix(r.URL.Path, path) {
			return true
		}
	}
	return se.DB == nil
}

func (se *SubscriptionEnforcer) requiresPro(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	for _, p := range se.ProOnly {
		if strings.HasPrefix(r.URL.Path, p) {
			return true
		}
	}
	return false
}

// extractUserID extracts the user ID from paths like /api/teams/user/{userId}.
func extractUserID(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "user" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func (se *SubscriptionEnforcer) loadPlan(ctx context.Context, userID string) (Plan, error) {
	p := Plan{UserID: userID}
	var tier sql.NullString
	err := se.DB.QueryRowContext(ctx, `
		SELECT is_pro, subscription_tier
		  FROM public.users
		 WHERE id = $1
	`, userID).Scan(&p.IsPro, &tier)
	if err != nil {
		return p, err
	}
	if tier.Valid && tier.String != "" {
		t := tier.String
		p.Tier = &t
	}
	return p, nil
}

func respondProRequired(w http.ResponseWriter, plan Plan) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":       "subscription_required",
		"message":     "This feature requires a Pro subscription",
		"plan":        plan,
		"upgrade_url": "/account/billing",
	})
}
