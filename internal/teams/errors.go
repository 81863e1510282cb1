package teams

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrInvalidEmail         = errors.New("invalid email")
	ErrNotPro               = errors.New("team invitations require a Pro subscription")
	ErrSelfInvite           = errors.New("cannot invite yourself")
	ErrDuplicateInvitation  = errors.New("a pending invitation already exists for this email")
	ErrAlreadyOnTeam        = errors.New("user already belongs to a team")
	ErrTeamFull             = errors.New("team has no free seats")
	ErrInvitationNotFound   = errors.New("invitation not found")
	ErrInvitationNotPending = errors.New("invitation is no longer pending")
	ErrInvitationExpired    = errors.New("invitation has expired")
	ErrEmailMismatch        = errors.New("invitation was sent to a different email")
	ErrNotOwner             = errors.New("only the team owner can do this")
	ErrOwnerCannotLeave     = errors.New("the owner cannot leave the team; delete it instead")
	ErrNotMember            = errors.New("user is not a member of this team")
	ErrNoTeam               = errors.New("no team")
	ErrResendTooSoon        = errors.New("invitation was resent too recently")
)

// ResendTooSoonError carries how long the caller must wait.
type ResendTooSoonError struct {
	RetryAfter time.Duration
}

func (e *ResendTooSoonError) Error() string {
	return fmt.Sprintf("%v: retry in %s", ErrResendTooSoon, e.RetryAfter.Round(time.Second))
}

func (e *ResendTooSoonError) Unwrap() error { return ErrResendTooSoon }
