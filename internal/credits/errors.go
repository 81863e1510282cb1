package credits

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrReservationSettled = errors.New("reservation already settled")
)

// InsufficientCreditError is returned by Reserve when the owner's balance cannot cover the amount.
// Nothing was debited.
type InsufficientCreditError struct {
	OwnerID  string
	Current  int
	Required int
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit: owner=%s current=%d required=%d", e.OwnerID, e.Current, e.Required)
}

// IsInsufficientCredit unwraps err into an *InsufficientCreditError.
func IsInsufficientCredit(err error) (*InsufficientCreditError, bool) {
	var ice *InsufficientCreditError
	if errors.As(err, &ice) {
		return ice, true
	}
	return nil, false
}
