package card

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidID is matched by every *InvalidIDError.
	ErrInvalidID = errors.New("invalid identifier")

	// ErrCardNotFound indicates the referenced card does not exist.
	ErrCardNotFound = errors.New("card not found")

	// ErrTransactionNotFound indicates the referenced transaction does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrCardNotActive is returned when a balance change targets a blocked card.
	ErrCardNotActive = errors.New("card is not active")

	// ErrInsufficientBalance is returned when a spend exceeds the available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrRateLimitExceeded is returned when a card has used up its spend allowance
	// for the current window.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrConcurrentModification signals a version mismatch at save time. The
	// caller may resubmit the identical operation.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// InvalidIDError reports an identifier string that could not be parsed.
type InvalidIDError struct {
	Kind  string
	Value string
	Err   error
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("invalid %s id format: %q", e.Kind, e.Value)
}

func (e *InvalidIDError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrInvalidID) match regardless of the parse cause.
func (e *InvalidIDError) Is(target error) bool { return target == ErrInvalidID }

// IsRetryable reports whether the caller should resubmit the same operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

func cardNotFound(id CardID) error {
	return fmt.Errorf("%w: %s", ErrCardNotFound, id)
}
