package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/sonerady/dires-server/internal/models"
)

// EffectiveCredits is the balance a user's actions draw from.
type EffectiveCredits struct {
	CreditBalance int    `json:"creditBalance"`
	CreditOwnerID string `json:"creditOwnerId"`
	IsTeamCredit  bool   `json:"isTeamCredit"`
}

// Resolver maps a user to its effective credit owner: the user itself, or the owner of the team
// referenced by active_team_id.
type Resolver struct {
	DB     *sql.DB
	Logger *log.Logger
}

func (r *Resolver) logger() *log.Logger {
	if r.Logger == nil {
		return log.Default()
	}
	return r.Logger
}

// Resolve performs two sequential reads (user, then team owner). A dangling active_team_id, whether
// the team is gone or the user's membership row is gone, resolves to the user's own balance.
func (r *Resolver) Resolve(ctx context.Context, userID string) (EffectiveCredits, error) {
	u := models.User{ID: userID}
	err := r.DB.QueryRowContext(ctx, `
		SELECT credit_balance, active_team_id
		  FROM public.users
		 WHERE id = $1
	`, userID).Scan(&u.CreditBalance, &u.ActiveTeamID)
	if errors.Is(err, sql.ErrNoRows) {
		return EffectiveCredits{}, ErrUserNotFound
	}
	if err != nil {
		return EffectiveCredits{}, fmt.Errorf("load user: %w", err)
	}

	self := EffectiveCredits{CreditBalance: u.CreditBalance, CreditOwnerID: u.ID}
	if u.ActiveTeamID == nil || *u.ActiveTeamID == "" {
		return self, nil
	}
	teamID := *u.ActiveTeamID

	var ownerID string
	var ownerBalance int
	err = r.DB.QueryRowContext(ctx, `
		SELECT t.owner_id, o.credit_balance
		  FROM public.teams t
		  JOIN public.team_members m ON m.team_id = t.id AND m.user_id = $2
		  JOIN public.users o ON o.id = t.owner_id
		 WHERE t.id = $1
	`, teamID, userID).Scan(&ownerID, &ownerBalance)
	if errors.Is(err, sql.ErrNoRows) {
		r.logger().Printf("[Credits][Resolve] dangling active_team_id userId=%s teamId=%s; using own balance", userID, teamID)
		return self, nil
	}
	if err != nil {
		return EffectiveCredits{}, fmt.Errorf("load team owner: %w", err)
	}

	return EffectiveCredits{
		CreditBalance: ownerBalance,
		CreditOwnerID: ownerID,
		IsTeamCredit:  ownerID != userID,
	}, nil
}
