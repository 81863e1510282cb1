package models

import "time"

type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	Name             *string   `json:"name,omitempty"`
	CreditBalance    int       `json:"creditBalance"`
	ActiveTeamID     *string   `json:"activeTeamId,omitempty"`
	IsPro            bool      `json:"isPro"`
	SubscriptionTier *string   `json:"subscriptionTier,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

type Team struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"ownerId"`
	MaxMembers int       `json:"maxMembers"`
	CreatedAt  time.Time `json:"createdAt"`
}

const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

type TeamMember struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"teamId"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationExpired  InvitationStatus = "expired"
	InvitationCanceled InvitationStatus = "canceled"
)

type TeamInvitation struct {
	ID           string           `json:"id"`
	TeamID       string           `json:"teamId"`
	InvitedEmail string           `json:"invitedEmail"`
	InvitedBy    string           `json:"invitedBy"`
	Token        string           `json:"-"`
	Status       InvitationStatus `json:"status"`
	ExpiresAt    time.Time        `json:"expiresAt"`
	CreatedAt    time.Time        `json:"createdAt"`
	RespondedAt  *time.Time       `json:"respondedAt,omitempty"`
}

// Expired reports whether a pending invitation is past its expiry at now.
func (i TeamInvitation) Expired(now time.Time) bool {
	return i.Status == InvitationPending && !now.Before(i.ExpiresAt)
}

type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "reserved"
	ReservationCharged  ReservationStatus = "charged"
	ReservationRefunded ReservationStatus = "refunded"
)

type CreditReservation struct {
	ID            string            `json:"id"`
	OwnerID       string            `json:"ownerId"`
	UserID        string            `json:"userId"`
	Amount        int               `json:"amount"`
	Status        ReservationStatus `json:"status"`
	ExternalJobID *string           `json:"externalJobId,omitempty"`
	ErrorClass    *string           `json:"errorClass,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	SettledAt     *time.Time        `json:"settledAt,omitempty"`
}
