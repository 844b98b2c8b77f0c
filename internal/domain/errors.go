package domain

import (
	"errors"
	"fmt"
)

// Domain rejections. These are surfaced to callers unchanged and never retried.
var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRewardUnavailable   = errors.New("reward unavailable")
	ErrUsageLimitExceeded  = errors.New("reward usage limit exceeded")
	ErrOrderTooSmall       = errors.New("order amount below reward minimum")
	ErrAlreadyUsed         = errors.New("redemption already used")
	ErrExpired             = errors.New("redemption expired, request a new one")

	ErrRewardInactive    = fmt.Errorf("%w: inactive", ErrRewardUnavailable)
	ErrRewardOutOfWindow = fmt.Errorf("%w: outside validity window", ErrRewardUnavailable)

	ErrIdempotencyInProgress = errors.New("request in progress")
	ErrIdempotencyMismatch   = errors.New("key reuse with mismatched payload")
)

// Infrastructure failures.
var (
	// ErrConflict marks a concurrent modification. Operations retry it a
	// bounded number of times before returning it.
	ErrConflict = errors.New("concurrent modification")
	// ErrStorageUnavailable marks a transient storage failure with no partial effect.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrDuplicateCode is returned by the store when a minted code collides.
	ErrDuplicateCode = errors.New("duplicate redemption code")
)

// ValidationError reports a malformed or out-of-range input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Retryable reports whether err is worth retrying internally.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
