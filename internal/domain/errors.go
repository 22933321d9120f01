package domain

import (
	"errors"
	"fmt"
)

// Stable conflict reasons, so callers can branch on the specific state
// violation rather than parsing error text.
const (
	ReasonAlreadyRedeemed  = "already_redeemed"
	ReasonAlreadyCancelled = "already_cancelled"
	ReasonExpired          = "expired"
	ReasonNotStarted       = "promotion_not_started"
	ReasonEnded            = "promotion_ended"
	ReasonLimitReached     = "limit_reached"
	ReasonBlockedOutside   = "blocked_outside_zone"
)

// ConflictError is a state conflict: the operation is well-formed but the
// record or promotion is in a state that forbids it.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("state conflict: %s", e.Reason)
}

// Conflict returns a ConflictError with the given stable reason.
func Conflict(reason string) error {
	return &ConflictError{Reason: reason}
}

// ConflictReason extracts the stable reason from err, or "" if err is not
// a ConflictError.
func ConflictReason(err error) string {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// IsConflict reports whether err is a ConflictError with the given reason.
func IsConflict(err error, reason string) bool {
	return ConflictReason(err) == reason
}
