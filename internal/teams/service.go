package teams

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sonerady/dires-server/internal/mailer"
	"github.com/sonerady/dires-server/internal/metrics"
	"github.com/sonerady/dires-server/internal/models"
	"github.com/sonerady/dires-server/internal/ratelimit"
)

// Identity is the authenticated caller acting on an invitation.
// Email is loaded from the users table when empty.
type Identity struct {
	UserID string
	Email  string
}

// ResendLimiter is satisfied by *ratelimit.Limiter.
type ResendLimiter interface {
	Allow(ctx context.Context, scope, id string, limit int, window time.Duration) (ratelimit.Decision, error)
}

// Service runs the team membership lifecycle. Every operation that removes a membership row clears
// the user's active_team_id in the same transaction.
type Service struct {
	DB             *sql.DB
	Mailer         mailer.Mailer
	Limiter        ResendLimiter
	Seats          map[string]int
	InviteTTL      time.Duration
	ResendCooldown time.Duration
	// AcceptURL is the client page invitees open; the token is appended as ?token=.
	AcceptURL string
	Now       func() time.Time
	NewToken  func() (string, error)
	Logger    *log.Logger
}

func (s *Service) EnsureDefaults() {
	if s.InviteTTL <= 0 {
		s.InviteTTL = 7 * 24 * time.Hour
	}
	if s.ResendCooldown <= 0 {
		s.ResendCooldown = time.Minute
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.NewToken == nil {
		s.NewToken = randomToken
	}
	if s.Logger == nil {
		s.Logger = log.Default()
	}
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

func validEmail(e string) bool {
	at := strings.Index(e, "@")
	return at > 0 && at < len(e)-1 && !strings.ContainsAny(e, " \t\r\n")
}

// SendInvitation invites email to ownerID's team, creating the team on first use.
func (s *Service) SendInvitation(ctx context.Context, ownerID, email string) (models.TeamInvitation, error) {
	s.EnsureDefaults()
	email = normalizeEmail(email)
	if !validEmail(email) {
		return models.TeamInvitation{}, ErrInvalidEmail
	}
	now := s.Now()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.TeamInvitation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var ownerEmail string
	var isPro bool
	var tier sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT email, is_pro, subscription_tier
		  FROM public.users
		 WHERE id = $1
		 FOR UPDATE
	`, ownerID).Scan(&ownerEmail, &isPro, &tier)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TeamInvitation{}, ErrUserNotFound
	}
	if err != nil {
		return models.TeamInvitation{}, fmt.Errorf("load owner: %w", err)
	}
	if !isPro {
		return models.TeamInvitation{}, ErrNotPro
	}
	if normalizeEmail(ownerEmail) == email {
		return models.TeamInvitation{}, ErrSelfInvite
	}

	maxMembers := SeatsForTier(s.Seats, tier.String)
	teamID, err := s.ensureTeam(ctx, tx, ownerID, maxMembers)
	if err != nil {
		return models.TeamInvitation{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE public.team_invitations
		   SET status = 'expired', responded_at = $2
		 WHERE team_id = $1 AND status = 'pending' AND expires_at <= $2
	`, teamID, now); err != nil {
		return models.TeamInvitation{}, fmt.Errorf("expire stale invitations: %w", err)
	}

	var onTeam bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM public.team_members m
			  JOIN public.users u ON u.id = m.user_id
			 WHERE LOWER(u.email) = $1
		)
	`, email).Scan(&onTeam); err != nil {
		return models.TeamInvitation{}, fmt.Errorf("check invitee membership: %w", err)
	}
	if onTeam {
		return models.TeamInvitation{}, ErrAlreadyOnTeam
	}

	var dup bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM public.team_invitations
			 WHERE team_id = $1 AND LOWER(invited_email) = $2 AND status = 'pending'
		)
	`, teamID, email).Scan(&dup); err != nil {
		return models.TeamInvitation{}, fmt.Errorf("check duplicate: %w", err)
	}
	if dup {
		return models.TeamInvitation{}, ErrDuplicateInvitation
	}

	var used int
	if err := tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM public.team_members WHERE team_id = $1 AND role = 'member')
		     + (SELECT COUNT(*) FROM public.team_invitations WHERE team_id = $1 AND status = 'pending')
	`, teamID).Scan(&used); err != nil {
		return models.TeamInvitation{}, fmt.Errorf("count seats: %w", err)
	}
	if used >= maxMembers {
		s.Logger.Printf("[Teams][Invite] full ownerId=%s teamId=%s used=%d max=%d", ownerID, teamID, used, maxMembers)
		return models.TeamInvitation{}, ErrTeamFull
	}

	token, err := s.NewToken()
	if err != nil {
		return models.TeamInvitation{}, err
	}
	inv := models.TeamInvitation{
		ID:           uuid.NewString(),
		TeamID:       teamID,
		InvitedEmail: email,
		InvitedBy:    ownerID,
		Token:        token,
		Status:       models.InvitationPending,
		ExpiresAt:    now.Add(s.InviteTTL),
		CreatedAt:    now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO public.team_invitations (id, team_id, invited_email, invited_by, token, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
	`, inv.ID, inv.TeamID, inv.InvitedEmail, inv.InvitedBy, inv.Token, inv.ExpiresAt, inv.CreatedAt); err != nil {
		return models.TeamInvitation{}, fmt.Errorf("insert invitation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.TeamInvitation{}, err
	}

	metrics.RecordInvitation(string(models.InvitationPending))
	s.Logger.Printf("[Teams][Invite] sent ownerId=%s teamId=%s invitationId=%s", ownerID, teamID, inv.ID)
	s.deliver(ctx, inv, ownerEmail, false)
	return inv, nil
}

// ensureTeam locks the owner's team, creating it with an owner membership row if missing.
func (s *Service) ensureTeam(ctx context.Context, tx *sql.Tx, ownerID string, maxMembers int) (string, error) {
	var teamID string
	err := tx.QueryRowContext(ctx, `SELECT id FROM public.teams WHERE owner_id = $1 FOR UPDATE`, ownerID).Scan(&teamID)
	if err == nil {
		if _, err := tx.ExecContext(ctx, `UPDATE public.teams SET max_members = $2 WHERE id = $1`, teamID, maxMembers); err != nil {
			return "", fmt.Errorf("refresh seats: %w", err)
		}
		return teamID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("load team: %w", err)
	}

	var member bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM public.team_members WHERE user_id = $1)`, ownerID).Scan(&member); err != nil {
		return "", fmt.Errorf("check owner membership: %w", err)
	}
	if member {
		return "", ErrAlreadyOnTeam
	}

	teamID = uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO public.teams (id, owner_id, max_members, created_at)
		VALUES ($1, $2, $3, NOW())
	`, teamID, ownerID, maxMembers); err != nil {
		return "", fmt.Errorf("create team: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO public.team_members (id, team_id, user_id, role, created_at)
		VALUES ($1, $2, $3, 'owner', NOW())
	`, uuid.NewString(), teamID, ownerID); err != nil {
		return "", fmt.Errorf("create owner membership: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE public.users SET active_team_id = $2, updated_at = NOW() WHERE id = $1`, ownerID, teamID); err != nil {
		return "", fmt.Errorf("set owner team: %w", err)
	}
	s.Logger.Printf("[Teams][Invite] created team ownerId=%s teamId=%s max=%d", ownerID, teamID, maxMembers)
	return teamID, nil
}

func (s *Service) deliver(ctx context.Context, inv models.TeamInvitation, ownerEmail string, resend bool) {
	if s.Mailer == nil {
		return
	}
	link := s.AcceptURL
	if link != "" {
		sep := "?"
		if strings.Contains(link, "?") {
			sep = "&"
		}
		link += sep + "token=" + url.QueryEscape(inv.Token)
	}
	err := s.Mailer.SendInvitation(ctx, mailer.Invitation{
		To:         inv.InvitedEmail,
		TeamOwner:  ownerEmail,
		AcceptURL:  link,
		ExpiresISO: inv.ExpiresAt.UTC().Format(time.RFC3339),
		Resend:     resend,
	})
	if err != nil {
		s.Logger.Printf("[Teams][Invite] mail_failed invitationId=%s err=%v", inv.ID, err)
	}
}

const invitationColumns = `i.id, i.team_id, i.invited_email, i.invited_by, i.token, i.status, i.expires_at, i.created_at, t.owner_id`

type lockedInvitation struct {
	models.TeamInvitation
	OwnerID string
}

func (s *Service) lockInvitation(ctx context.Context, tx *sql.Tx, column, value string) (lockedInvitation, error) {
	var li lockedInvitation
	var status string
	err := tx.QueryRowContext(ctx, `
		SELECT `+invitationColumns+`
		  FROM public.team_invitations i
		  JOIN public.teams t ON t.id = i.team_id
		 WHERE i.`+column+` = $1
		 FOR UPDATE OF i
	`, value).Scan(&li.ID, &li.TeamID, &li.InvitedEmail, &li.InvitedBy, &li.Token, &status, &li.ExpiresAt, &li.CreatedAt, &li.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return li, ErrInvitationNotFound
	}
	if err != nil {
		return li, fmt.Errorf("load invitation: %w", err)
	}
	li.Status = models.InvitationStatus(status)
	return li, nil
}

// checkPending rejects terminal invitations. A pending one past expiry is marked expired inside tx;
// the caller must commit before returning ErrInvitationExpired.
func (s *Service) checkPending(ctx context.Context, tx *sql.Tx, li lockedInvitation) error {
	if li.Status != models.InvitationPending {
		return ErrInvitationNotPending
	}
	if li.Expired(s.Now()) {
		if err := s.setStatus(ctx, tx, li.ID, models.InvitationExpired); err != nil {
			return err
		}
		return ErrInvitationExpired
	}
	return nil
}

func (s *Service) setStatus(ctx context.Context, tx *sql.Tx, id string, status models.InvitationStatus) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE public.team_invitations
		   SET status = $2, responded_at = $3
		 WHERE id = $1 AND status = 'pending'
	`, id, string(status), s.Now()); err != nil {
		return fmt.Errorf("set invitation %s: %w", status, err)
	}
	return nil
}

func (s *Service) identityEmail(ctx context.Context, tx *sql.Tx, id Identity) (string, error) {
	if id.Email != "" {
		return normalizeEmail(id.Email), nil
	}
	var email string
	err := tx.QueryRowContext(ctx, `SELECT email FROM public.users WHERE id = $1`, id.UserID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load identity: %w", err)
	}
	return normalizeEmail(email), nil
}

// expireAndCommit persists the lazy expiry before surfacing ErrInvitationExpired.
func (s *Service) expireAndCommit(tx *sql.Tx, id string) error {
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.RecordInvitation(string(models.InvitationExpired))
	s.Logger.Printf("[Teams][Invitation] expired invitationId=%s", id)
	return ErrInvitationExpired
}

// AcceptInvitation adds the identity to the inviting team and points its active_team_id at it.
func (s *Service) AcceptInvitation(ctx context.Context, token string, id Identity) (models.TeamMember, error) {
	s.EnsureDefaults()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.TeamMember{}, err
	}
	defer func() { _ = tx.Rollback() }()

	li, err := s.lockInvitation(ctx, tx, "token", strings.TrimSpace(token))
	if err != nil {
		return models.TeamMember{}, err
	}
	if err := s.checkPending(ctx, tx, li); err != nil {
		if errors.Is(err, ErrInvitationExpired) {
			return models.TeamMember{}, s.expireAndCommit(tx, li.ID)
		}
		return models.TeamMember{}, err
	}
	email, err := s.identityEmail(ctx, tx, id)
	if err != nil {
		return models.TeamMember{}, err
	}
	if email != normalizeEmail(li.InvitedEmail) {
		return models.TeamMember{}, ErrEmailMismatch
	}

	var member bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM public.team_members WHERE user_id = $1)`, id.UserID).Scan(&member); err != nil {
		return models.TeamMember{}, fmt.Errorf("check membership: %w", err)
	}
	if member {
		return models.TeamMember{}, ErrAlreadyOnTeam
	}

	var maxMembers, members int
	if err := tx.QueryRowContext(ctx, `
		SELECT t.max_members,
		       (SELECT COUNT(*) FROM public.team_members m WHERE m.team_id = t.id AND m.role = 'member')
		  FROM public.teams t
		 WHERE t.id = $1
		 FOR UPDATE OF t
	`, li.TeamID).Scan(&maxMembers, &members); err != nil {
		return models.TeamMember{}, fmt.Errorf("load team seats: %w", err)
	}
	if members >= maxMembers {
		return models.TeamMember{}, ErrTeamFull
	}

	now := s.Now()
	m := models.TeamMember{ID: uuid.NewString(), TeamID: li.TeamID, UserID: id.UserID, Email: email, Role: models.RoleMember, CreatedAt: now}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO public.team_members (id, team_id, user_id, role, created_at)
		VALUES ($1, $2, $3, 'member', $4)
	`, m.ID, m.TeamID, m.UserID, now); err != nil {
		return models.TeamMember{}, fmt.Errorf("insert member: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE public.users SET active_team_id = $2, updated_at = NOW() WHERE id = $1`, id.UserID, li.TeamID); err != nil {
		return models.TeamMember{}, fmt.Errorf("set active team: %w", err)
	}
	if err := s.setStatus(ctx, tx, li.ID, models.InvitationAccepted); err != nil {
		return models.TeamMember{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.TeamMember{}, err
	}
	metrics.RecordInvitation(string(models.InvitationAccepted))
	s.Logger.Printf("[Teams][Accept] userId=%s teamId=%s invitationId=%s", id.UserID, li.TeamID, li.ID)
	return m, nil
}

// DeclineInvitation is performed by the invitee.
func (s *Service) DeclineInvitation(ctx context.Context, token string, id Identity) error {
	s.EnsureDefaults()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	li, err := s.lockInvitation(ctx, tx, "token", strings.TrimSpace(token))
	if err != nil {
		return err
	}
	if err := s.checkPending(ctx, tx, li); err != nil {
		if errors.Is(err, ErrInvitationExpired) {
			return s.expireAndCommit(tx, li.ID)
		}
		return err
	}
	email, err := s.identityEmail(ctx, tx, id)
	if err != nil {
		return err
	}
	if email != normalizeEmail(li.InvitedEmail) {
		return ErrEmailMismatch
	}
	if err := s.setStatus(ctx, tx, li.ID, models.InvitationDeclined); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.RecordInvitation(string(models.InvitationDeclined))
	s.Logger.Printf("[Teams][Decline] userId=%s invitationId=%s", id.UserID, li.ID)
	return nil
}

// CancelInvitation is performed by the team owner.
func (s *Service) CancelInvitation(ctx context.Context, ownerID, invitationID string) error {
	s.EnsureDefaults()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	li, err := s.lockInvitation(ctx, tx, "id", invitationID)
	if err != nil {
		return err
	}
	if li.OwnerID != ownerID {
		return ErrNotOwner
	}
	if err := s.checkPending(ctx, tx, li); err != nil {
		if errors.Is(err, ErrInvitationExpired) {
			return s.expireAndCommit(tx, li.ID)
		}
		return err
	}
	if err := s.setStatus(ctx, tx, li.ID, models.InvitationCanceled); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.RecordInvitation(string(models.InvitationCanceled))
	s.Logger.Printf("[Teams][Cancel] ownerId=%s invitationId=%s", ownerID, li.ID)
	return nil
}

// ResendInvitation re-sends a live invitation and pushes its expiry out, at most once per cooldown.
func (s *Service) ResendInvitation(ctx context.Context, ownerID, invitationID string) (models.TeamInvitation, error) {
	s.EnsureDefaults()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.TeamInvitation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	li, err := s.lockInvitation(ctx, tx, "id", invitationID)
	if err != nil {
		return models.TeamInvitation{}, err
	}
	if li.OwnerID != ownerID {
		return models.TeamInvitation{}, ErrNotOwner
	}
	if err := s.checkPending(ctx, tx, li); err != nil {
		if errors.Is(err, ErrInvitationExpired) {
			return models.TeamInvitation{}, s.expireAndCommit(tx, li.ID)
		}
		return models.TeamInvitation{}, err
	}

	if s.Limiter != nil {
		d, err := s.Limiter.Allow(ctx, "invite_resend", li.ID, 1, s.ResendCooldown)
		if err != nil {
			s.Logger.Printf("[Teams][Resend] limiter_unavailable invitationId=%s err=%v", li.ID, err)
		} else if !d.Allowed {
			return models.TeamInvitation{}, &ResendTooSoonError{RetryAfter: d.RetryAfter}
		}
	}

	li.ExpiresAt = s.Now().Add(s.InviteTTL)
	if _, err := tx.ExecContext(ctx, `UPDATE public.team_invitations SET expires_at = $2 WHERE id = $1`, li.ID, li.ExpiresAt); err != nil {
		return models.TeamInvitation{}, fmt.Errorf("refresh expiry: %w", err)
	}
	var ownerEmail string
	if err := tx.QueryRowContext(ctx, `SELECT email FROM public.users WHERE id = $1`, ownerID).Scan(&ownerEmail); err != nil {
		return models.TeamInvitation{}, fmt.Errorf("load owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.TeamInvitation{}, err
	}
	s.Logger.Printf("[Teams][Resend] ownerId=%s invitationId=%s", ownerID, li.ID)
	s.deliver(ctx, li.TeamInvitation, ownerEmail, true)
	return li.TeamInvitation, nil
}

// RemoveMember is performed by the owner on another member.
func (s *Service) RemoveMember(ctx context.Context, ownerID, memberID string) error {
	s.EnsureDefaults()
	if ownerID == memberID {
		return ErrOwnerCannotLeave
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var teamID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM public.teams WHERE owner_id = $1 FOR UPDATE`, ownerID).Scan(&teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotOwner
	}
	if err != nil {
		return fmt.Errorf("load team: %w", err)
	}
	if err := removeMembership(ctx, tx, teamID, memberID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.Logger.Printf("[Teams][Remove] ownerId=%s teamId=%s memberId=%s", ownerID, teamID, memberID)
	return nil
}

// LeaveTeam is performed by a member on itself.
func (s *Service) LeaveTeam(ctx context.Context, userID string) error {
	s.EnsureDefaults()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var teamID, role string
	err = tx.QueryRowContext(ctx, `SELECT team_id, role FROM public.team_members WHERE user_id = $1 FOR UPDATE`, userID).Scan(&teamID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotMember
	}
	if err != nil {
		return fmt.Errorf("load membership: %w", err)
	}
	if role == models.RoleOwner {
		return ErrOwnerCannotLeave
	}
	if err := removeMembership(ctx, tx, teamID, userID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.Logger.Printf("[Teams][Leave] userId=%s teamId=%s", userID, teamID)
	return nil
}

// removeMembership deletes a member row and clears active_team_id together.
func removeMembership(ctx context.Context, tx *sql.Tx, teamID, userID string) error {
	r, err := tx.ExecContext(ctx, `
		DELETE FROM public.team_members
		 WHERE team_id = $1 AND user_id = $2 AND role = 'member'
	`, teamID, userID)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrNotMember
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE public.users
		   SET active_team_id = NULL, updated_at = NOW()
		 WHERE id = $1 AND active_team_id = $2
	`, userID, teamID); err != nil {
		return fmt.Errorf("clear active team: %w", err)
	}
	return nil
}

// DeleteTeam removes the owner's team; memberships and invitations cascade.
func (s *Service) DeleteTeam(ctx context.Context, ownerID string) error {
	s.EnsureDefaults()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var teamID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM public.teams WHERE owner_id = $1 FOR UPDATE`, ownerID).Scan(&teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoTeam
	}
	if err != nil {
		return fmt.Errorf("load team: %w", err)
	}
	r, err := tx.ExecContext(ctx, `
		UPDATE public.users
		   SET active_team_id = NULL, updated_at = NOW()
		 WHERE active_team_id = $1
	`, teamID)
	if err != nil {
		return fmt.Errorf("clear active teams: %w", err)
	}
	cleared, _ := r.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM public.teams WHERE id = $1`, teamID); err != nil {
		return fmt.Errorf("delete team: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.Logger.Printf("[Teams][Delete] ownerId=%s teamId=%s cleared=%d", ownerID, teamID, cleared)
	return nil
}

type Overview struct {
	Team        models.Team             `json:"team"`
	IsOwner     bool                    `json:"isOwner"`
	Members     []models.TeamMember     `json:"members"`
	Invitations []models.TeamInvitation `json:"invitations"`
	SeatsUsed   int                     `json:"seatsUsed"`
}

// GetTeamOverview returns the caller's team. Pending invitations are listed for the owner only.
func (s *Service) GetTeamOverview(ctx context.Context, userID string) (Overview, error) {
	s.EnsureDefaults()
	var ov Overview
	err := s.DB.QueryRowContext(ctx, `
		SELECT t.id, t.owner_id, t.max_members, t.created_at
		  FROM public.teams t
		  JOIN public.team_members m ON m.team_id = t.id
		 WHERE m.user_id = $1
	`, userID).Scan(&ov.Team.ID, &ov.Team.OwnerID, &ov.Team.MaxMembers, &ov.Team.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ov, ErrNoTeam
	}
	if err != nil {
		return ov, fmt.Errorf("load team: %w", err)
	}
	ov.IsOwner = ov.Team.OwnerID == userID

	rows, err := s.DB.QueryContext(ctx, `
		SELECT m.id, m.team_id, m.user_id, u.email, m.role, m.created_at
		  FROM public.team_members m
		  JOIN public.users u ON u.id = m.user_id
		 WHERE m.team_id = $1
		 ORDER BY m.created_at ASC
	`, ov.Team.ID)
	if err != nil {
		return ov, fmt.Errorf("list members: %w", err)
	}
	ov.Members = []models.TeamMember{}
	for rows.Next() {
		var m models.TeamMember
		if err := rows.Scan(&m.ID, &m.TeamID, &m.UserID, &m.Email, &m.Role, &m.CreatedAt); err != nil {
			rows.Close()
			return ov, err
		}
		if m.Role == models.RoleMember {
			ov.SeatsUsed++
		}
		ov.Members = append(ov.Members, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return ov, err
	}
	rows.Close()

	ov.Invitations = []models.TeamInvitation{}
	if !ov.IsOwner {
		return ov, nil
	}
	now := s.Now()
	irows, err := s.DB.QueryContext(ctx, `
		SELECT id, team_id, invited_email, invited_by, status, expires_at, created_at
		  FROM public.team_invitations
		 WHERE team_id = $1 AND status = 'pending'
		 ORDER BY created_at DESC
	`, ov.Team.ID)
	if err != nil {
		return ov, fmt.Errorf("list invitations: %w", err)
	}
	defer irows.Close()
	for irows.Next() {
		var inv models.TeamInvitation
		var status string
		if err := irows.Scan(&inv.ID, &inv.TeamID, &inv.InvitedEmail, &inv.InvitedBy, &status, &inv.ExpiresAt, &inv.CreatedAt); err != nil {
			return ov, err
		}
		inv.Status = models.InvitationStatus(status)
		// Lapsed rows are skipped; the next write to this team persists their expiry.
		if inv.Expired(now) {
			continue
		}
		ov.SeatsUsed++
		ov.Invitations = append(ov.Invitations, inv)
	}
	return ov, irows.Err()
}

// InboxInvitation is an invitation as shown to its invitee.
type InboxInvitation struct {
	models.TeamInvitation
	Token      string `json:"token"`
	OwnerEmail string `json:"ownerEmail"`
}

// ListInvitationsForEmail returns live pending invitations addressed to email.
func (s *Service) ListInvitationsForEmail(ctx context.Context, email string) ([]InboxInvitation, error) {
	s.EnsureDefaults()
	email = normalizeEmail(email)
	now := s.Now()
	if _, err := s.DB.ExecContext(ctx, `
		UPDATE public.team_invitations
		   SET status = 'expired', responded_at = $2
		 WHERE LOWER(invited_email) = $1 AND status = 'pending' AND expires_at <= $2
	`, email, now); err != nil {
		return nil, fmt.Errorf("expire stale invitations: %w", err)
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT i.id, i.team_id, i.invited_email, i.invited_by, i.token, i.status, i.expires_at, i.created_at, u.email
		  FROM public.team_invitations i
		  JOIN public.teams t ON t.id = i.team_id
		  JOIN public.users u ON u.id = t.owner_id
		 WHERE LOWER(i.invited_email) = $1 AND i.status = 'pending'
		 ORDER BY i.created_at DESC
	`, email)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()
	out := []InboxInvitation{}
	for rows.Next() {
		var it InboxInvitation
		var status string
		if err := rows.Scan(&it.ID, &it.TeamID, &it.InvitedEmail, &it.InvitedBy, &it.Token, &status, &it.ExpiresAt, &it.CreatedAt, &it.OwnerEmail); err != nil {
			return nil, err
		}
		it.Status = models.InvitationStatus(status)
		it.TeamInvitation.Token = it.Token
		out = append(out, it)
	}
	return out, rows.Err()
}
