package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured means the requested provider or capability has no
	// credentials or no registration. This is an operator fault.
	ErrNotConfigured = errors.New("provider: not configured")

	// ErrQuotaExhausted means the upstream rejected the call for quota or
	// rate reasons. Retryable after a delay.
	ErrQuotaExhausted = errors.New("provider: quota exhausted")

	// ErrContentPolicy means the upstream refused the input. Never retried.
	ErrContentPolicy = errors.New("provider: content policy violation")
)

// TransientError wraps upstream failures that are worth retrying: network
// errors, 5xx responses, truncated streams.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("provider: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth a plain retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsQuota reports whether err should be retried after a cool-down.
func IsQuota(err error) bool {
	return errors.Is(err, ErrQuotaExhausted)
}

// IsRetryable reports whether any retry strategy applies to err.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsQuota(err)
}
