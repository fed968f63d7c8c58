package imports

import (
	"errors"
	"fmt"
)

var (
	// ErrPersistence marks failures of the storage layer; the caller may retry
	ErrPersistence = errors.New("persistence error")
	// ErrInvalidStateTransition is returned when a review does not start from pending
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrNotFound is returned for unknown ids and usernames
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput marks malformed requests
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthorized is returned for missing or wrong credentials
	ErrUnauthorized = errors.New("unauthorized")
)

// persistenceErr tags a store failure with ErrPersistence unless it already
// carries a domain kind.
func persistenceErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
