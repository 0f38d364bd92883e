package payment

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when no payment or milestone matches the identifier.
	ErrNotFound = errors.New("payment: not found")
	// ErrNotParticipant signals the caller is neither buyer nor seller of the record.
	ErrNotParticipant = errors.New("payment: caller is not a participant")
	// ErrNotBuyer signals an operation reserved for the buying party.
	ErrNotBuyer = errors.New("payment: caller is not the buyer")
	// ErrStateConflict signals the operation is invalid for the record's
	// current status; callers must refresh state before retrying.
	ErrStateConflict = errors.New("payment: invalid state for operation")
	// ErrDuplicateEvent signals a processor event id was already applied.
	ErrDuplicateEvent = errors.New("payment: duplicate processor event")
	// ErrMilestoneInFlight signals the listing already has a milestone in its
	// confirmation/capture cycle.
	ErrMilestoneInFlight = errors.New("payment: listing already has a milestone in flight")
)

// ConfirmationPendingError is returned by Capture when one or both
// confirmation flags are still false. It names the missing parties so the
// caller can prompt correctly, and is safe to retry once they confirm.
type ConfirmationPendingError struct {
	MissingBuyer  bool
	MissingSeller bool
}

func (e *ConfirmationPendingError) Error() string {
	missing := make([]string, 0, 2)
	if e.MissingBuyer {
		missing = append(missing, "buyer")
	}
	if e.MissingSeller {
		missing = append(missing, "seller")
	}
	return "payment: capture requires confirmation from: " + strings.Join(missing, ", ")
}
