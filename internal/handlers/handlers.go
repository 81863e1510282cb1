package handlers

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sonerady/dires-server/internal/credits"
	"github.com/sonerady/dires-server/internal/middleware"
	"github.com/sonerady/dires-server/internal/models"
	"github.com/sonerady/dires-server/internal/ratelimit"
	"github.com/sonerady/dires-server/internal/settlement"
	"github.com/sonerady/dires-server/internal/teams"
)

// Generator is satisfied by *settlement.Coordinator.
type Generator interface {
	Generate(ctx context.Context, req settlement.Request) (settlement.Result, error)
	EffectiveCredits(ctx context.Context, userID string) (credits.EffectiveCredits, error)
}

// TeamService is satisfied by *teams.Service.
type TeamService interface {
	SendInvitation(ctx context.Context, ownerID, email string) (models.TeamInvitation, error)
	AcceptInvitation(ctx context.Context, token string, id teams.Identity) (models.TeamMember, error)
	DeclineInvitation(ctx context.Context, token string, id teams.Identity) error
	CancelInvitation(ctx context.Context, ownerID, invitationID string) error
	ResendInvitation(ctx context.Context, ownerID, invitationID string) (models.TeamInvitation, error)
	RemoveMember(ctx context.Context, ownerID, memberID string) error
	LeaveTeam(ctx context.Context, userID string) error
	DeleteTeam(ctx context.Context, ownerID string) error
	GetTeamOverview(ctx context.Context, userID string) (teams.Overview, error)
	ListInvitationsForEmail(ctx context.Context, email string) ([]teams.InboxInvitation, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, scope, id string, limit int, window time.Duration) (ratelimit.Decision, error)
}

// CreditGranter is satisfied by *credits.Ledger.
type CreditGranter interface {
	Grant(ctx context.Context, userID string, amount int, reason string) (int, error)
}

type Handler struct {
	db      *sql.DB
	rt      *realtimeHub
	gen     Generator
	teams   TeamService
	limiter RateLimiter
	ledger  CreditGranter
	logger  *log.Logger

	generatePerMinute int
	generateTimeout   time.Duration
	wsSecret          string
	webhookSecret     string
}

func New(db *sql.DB) *Handler {
	return &Handler{db: db, rt: newRealtimeHub(), logger: log.Default(), generateTimeout: 5 * time.Minute}
}

func (h *Handler) SetGenerator(g Generator) { h.gen = g }
func (h *Handler) SetTeams(t TeamService) { h.teams = t }
func (h *Handler) SetLedger(l CreditGranter) { h.ledger = l }
func (h *Handler) SetInternalWSSecret(s string) { h.wsSecret = strings.TrimSpace(s) }
func (h *Handler) SetStripeWebhookSecret(s string) { h.webhookSecret = strings.TrimSpace(s) }

func (h *Handler) SetLogger(l *log.Logger) {
	if l != nil {
		h.logger = l
	}
}

// SetGenerateLimit throttles generation requests to perMinute per user; 0 disables it.
func (h *Handler) SetGenerateLimit(l RateLimiter, perMinute int) {
	h.limiter = l
	h.generatePerMinute = perMinute
}

// SetGenerateTimeout bounds one generation request, which is detached from the client connection.
func (h *Handler) SetGenerateTimeout(d time.Duration) {
	if d > 0 {
		h.generateTimeout = d
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type effectiveCreditsResponse struct {
	credits.EffectiveCredits
	IsPro bool    `json:"isPro"`
	Tier  *string `json:"subscriptionTier,omitempty"`
}

// GetEffectiveCredits reports the balance the user's generations draw from.
// URL: GET /api/credits/user/{userId}
func (h *Handler) GetEffectiveCredits(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if h.gen == nil {
		writeError(w, http.StatusServiceUnavailable, "generation not configured")
		return
	}
	ec, err := h.gen.EffectiveCredits(r.Context(), userID)
	if errors.Is(err, credits.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		h.logger.Printf("[Credits][Effective] failed userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := effectiveCreditsResponse{EffectiveCredits: ec}
	if plan, ok := middleware.PlanFromContext(r.Context()); ok {
		resp.IsPro = plan.IsPro
		resp.Tier = plan.Tier
	}
	writeJSON(w, http.StatusOK, resp)
}

// Generate runs one generation attempt for the user and settles its credits.
// URL: POST /api/generations/user/{userId}
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	if h.gen == nil {
		writeError(w, http.StatusServiceUnavailable, "generation not configured")
		return
	}
	var req settlement.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.UserID = userID
	req.Cost = 0

	if h.limiter != nil && h.generatePerMinute > 0 {
		d, err := h.limiter.Allow(r.Context(), "generate", userID, h.generatePerMinute, time.Minute)
		if err != nil {
			h.logger.Printf("[Generate] limiter unavailable userId=%s err=%v", userID, err)
		} else if !d.Allowed {
			secs := int(d.RetryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"success":           false,
				"error":             "rate_limited",
				"retryAfterSeconds": secs,
			})
			return
		}
	}

	// A reservation must always be settled, so the attempt outlives a dropped client connection.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.generateTimeout)
	defer cancel()

	res, err := h.gen.Generate(ctx, req)
	switch {
	case errors.Is(err, settlement.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, credits.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "User not found")
		return
	case err != nil:
		h.logger.Printf("[Generate] failed userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, generationStatus(res), res)
}

func generationStatus(res settlement.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Category {
	case settlement.CategoryInsufficientCredit:
		return http.StatusPaymentRequired
	case settlement.CategorySensitiveContent:
		return http.StatusUnprocessableEntity
	case settlement.CategoryTimeout:
		return http.StatusGatewayTimeout
	case settlement.CategoryInternalError, settlement.CategoryStorageFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// teamErrorStatus maps team workflow errors to HTTP statuses.
func teamErrorStatus(err error) int {
	switch {
	case errors.Is(err, teams.ErrInvalidEmail), errors.Is(err, teams.ErrSelfInvite):
		return http.StatusBadRequest
	case errors.Is(err, teams.ErrNotPro):
		return http.StatusPaymentRequired
	case errors.Is(err, teams.ErrNotOwner), errors.Is(err, teams.ErrEmailMismatch), errors.Is(err, teams.ErrOwnerCannotLeave):
		return http.StatusForbidden
	case errors.Is(err, teams.ErrUserNotFound), errors.Is(err, teams.ErrInvitationNotFound),
		errors.Is(err, teams.ErrNotMember), errors.Is(err, teams.ErrNoTeam):
		return http.StatusNotFound
	case errors.Is(err, teams.ErrDuplicateInvitation), errors.Is(err, teams.ErrAlreadyOnTeam),
		errors.Is(err, teams.ErrTeamFull), errors.Is(err, teams.ErrInvitationNotPending):
		return http.StatusConflict
	case errors.Is(err, teams.ErrInvitationExpired):
		return http.StatusGone
	case errors.Is(err, teams.ErrResendTooSoon):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeTeamError(w http.ResponseWriter, op, userID string, err error) {
	status := teamErrorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Printf("[Teams][%s] failed userId=%s err=%v", op, userID, err)
		writeError(w, status, err.Error())
		return
	}
	var tooSoon *teams.ResendTooSoonError
	if errors.As(err, &tooSoon) {
		w.Header().Set("Retry-After", strconv.Itoa(int(tooSoon.RetryAfter.Round(time.Second)/time.Second)))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) teamsReady(w http.ResponseWriter) bool {
	if h.teams == nil {
		writeError(w, http.StatusServiceUnavailable, "teams not configured")
		return false
	}
	return true
}

// GetTeam returns the caller's team overview.
// URL: GET /api/teams/user/{userId}
func (h *Handler) GetTeam(w http.ResponseWriter, r *http.Request) {
	if !h.teamsReady(w) {
		return
	}
	userID := pathVar(r, "userId")
	ov, err := h.teams.GetTeamOverview(r.Context(), userID)
	if errors.Is(err, teams.ErrNoTeam) {
		writeJSON(w, http.StatusOK, map[string]any{"team": nil})
		return
	}
	if err != nil {
		h.writeTeamError(w, "Overview", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// DeleteTeam URL: DELETE /api/teams/user/{userId}
func (h *Handler) DeleteTeam(w http.ResponseWriter, r *http.Request) {
	if !h.teamsReady(w) {
		return
	}
	userID := pathVar(r, "userId")
	if err := h.teams.DeleteTeam(r.Context(), userID); err != nil {
		h.writeTeamError(w, "Delete", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type sendInvitationRequest struct {
	Email string `json:"email"`
}

// SendInvitation URL: POST /api/teams/invitations/user/{userId}
func (h *Handler) SendInvitation(w http.ResponseWriter, r *http.Request) {
	if !h.teamsReady(w) {
		return
	}
	userID := pathVar(r, "userId")
	var body sendInvitationRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inv, err := h.teams.SendInvitation(r.Context(), userID, body.Email)
	if err != nil {
		h.writeTeamError(w, "Send", userID, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

type respondInvitationRequest struct {
	Token string `json:"token"`
}

// AcceptInvitation URL: POST /api/teams/invitations/accept/user/{userId}
func (h *Handler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	if !h.teamsReady(w) {
		return
	}
	userID := pathVar(r, "userId")
	var body respondInvitationRequest
	if err := decodeJSON(r, &body); err != nil || strings.TrimSpace(body.Token) == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	m, err := h.teams.AcceptInvitation(r.Context(), body.Token, teams.Identity{UserID: userID})
	if err != nil {
		h.writeTeamError(w, "Accept", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// DeclineInvitation URL: POST /api/teams/invitations/decline/user/{userId}
func (h *Handler) DeclineInvitation(w http.ResponseWriter, r *http.Request) {
	if !h.teamsReady(w) {
		return
	}
	userID := pathVar(r, "userId")
	var body respondInvitationRequest
	if err := decodeJSON(r, &body); err != nil || strings.TrimSpace(body.Token) == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := h.teams.DeclineInvitation(r.Context(), body.Token, teams.Identity{UserID: userID}); err != nil {
		h.writeTeamError(w, "Decline", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// CancelInvitation URL: POST /api/teams/invitations/{id}/cancel/user/{userId}
func (h *Handler) CancelInvitation(w http.ResponseWriter, r *http.Request) {
	if !h.teamsReady(w) {
		return
	}
	userID := pathVar(r, "userId")
	if err := h.teams.CancelInvitation(r.Context(), userID, pathVar(r, "id")); err != nil {
		h.writeTeamError(w, "Cancel", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ResendInvitation URL: POST /api/teams/invitations/{id}/resend/user/{userId}
func (h *Handler) ResendInvitation(w http.ResponseWriter, r *http.Request) {
	if !h.teamsReady(w) {
		return
	}
	userID := pathVar(r, "userId")
	inv, err := h.teams.ResendInvitation(r.Context(), userID, pathVar(r, "id"))
	if err != nil {
		h.writeTeamError(w, "Resend", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// ListInvitationInbox lists pending invitations addressed to the caller's email.
// URL: GET /api/teams/invitations/inbox/user/{userId}
func (h *Handler) ListInvitationInbox(w http.ResponseWriter, r *http.Request) {
	if !h.teamsReady(w) {
		return
	}
	userID := pathVar(r, "userId")
	var email string
	err := h.db.QueryRowContext(r.Context(), `SELECT email FROM public.users WHERE id = $1`, userID).Scan(&email)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out, err := h.teams.ListInvitationsForEmail(r.Context(), email)
	if err != nil {
		h.writeTeamError(w, "Inbox", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// RemoveMember URL: DELETE /api/teams/members/{memberId}/user/{userId}
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	if !h.teamsReady(w) {
		return
	}
	userID := pathVar(r, "userId")
	if err := h.teams.RemoveMember(r.Context(), userID, pathVar(r, "memberId")); err != nil {
		h.writeTeamError(w, "Remove", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// LeaveTeam URL: POST /api/teams/leave/user/{userId}
func (h *Handler) LeaveTeam(w http.ResponseWriter, r *http.Request) {
	if !h.teamsReady(w) {
		return
	}
	userID := pathVar(r, "userId")
	if err := h.teams.LeaveTeam(r.Context(), userID); err != nil {
		h.writeTeamError(w, "Leave", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
