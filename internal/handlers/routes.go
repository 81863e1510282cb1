package handlers

import (
	"github.com/gorilla/mux"
)

// RegisterRoutes registers credits, generation, team and realtime routes.
func RegisterRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/api/credits/user/{userId}", h.GetEffectiveCredits).Methods("GET")
	r.HandleFunc("/api/generations/user/{userId}", h.Generate).Methods("POST")

	r.HandleFunc("/api/teams/user/{userId}", h.GetTeam).Methods("GET")
	r.HandleFunc("/api/teams/user/{userId}", h.DeleteTeam).Methods("DELETE")
	r.HandleFunc("/api/teams/leave/user/{userId}", h.LeaveTeam).Methods("POST")
	r.HandleFunc("/api/teams/members/{memberId}/user/{userId}", h.RemoveMember).Methods("DELETE")
	r.HandleFunc("/api/teams/invitations/user/{userId}", h.SendInvitation).Methods("POST")
	r.HandleFunc("/api/teams/invitations/inbox/user/{userId}", h.ListInvitationInbox).Methods("GET")
	r.HandleFunc("/api/teams/invitations/accept/user/{userId}", h.AcceptInvitation).Methods("POST")
	r.HandleFunc("/api/teams/invitations/decline/user/{userId}", h.DeclineInvitation).Methods("POST")
	r.HandleFunc("/api/teams/invitations/{id}/cancel/user/{userId}", h.CancelInvitation).Methods("POST")
	r.HandleFunc("/api/teams/invitations/{id}/resend/user/{userId}", h.ResendInvitation).Methods("POST")

	r.HandleFunc("/api/events/ping", h.EventsPing).Methods("GET")
	r.HandleFunc("/api/events/ws", h.EventsWebSocket)
}

// RegisterBillingRoutes registers all billing-related routes
func RegisterBillingRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/api/billing/plans", h.GetBillingPlans).Methods("GET")
	r.HandleFunc("/webhook/stripe", h.StripeWebhook).Methods("POST")
}
