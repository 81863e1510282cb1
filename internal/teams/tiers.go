package teams

import "strings"

// DefaultSeats is the number of non-owner members each subscription tier allows.
var DefaultSeats = map[string]int{
	"standard": 1,
	"plus":     2,
	"premium":  5,
}

// SeatsForTier returns the seat count for tier, falling back to the standard tier.
func SeatsForTier(seats map[string]int, tier string) int {
	if seats == nil {
		seats = DefaultSeats
	}
	if n, ok := seats[strings.ToLower(strings.TrimSpace(tier))]; ok && n > 0 {
		return n
	}
	if n, ok := seats["standard"]; ok && n > 0 {
		return n
	}
	return 1
}
