package domain

import "errors"

var (
	// ErrAccountNotFound means the acting or billed account does not exist.
	ErrAccountNotFound = errors.New("credit: account not found")

	// ErrServiceNotConfigured means no ServiceCost row exists for the key.
	// Callers must treat this as a configuration fault, not a free action.
	ErrServiceNotConfigured = errors.New("credit: service cost not configured")

	// ErrInsufficientCredits means the billed account cannot cover the debit.
	ErrInsufficientCredits = errors.New("credit: insufficient credits")
)

// UserMessage maps a credit error to the text surfaced to end users.
// Unknown errors get a generic message so internals never leak.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		return "Insufficient credits. Please top up your balance to continue."
	case errors.Is(err, ErrServiceNotConfigured):
		return "This feature is not available right now. Please contact support."
	default:
		return "Something went wrong while processing your request."
	}
}
