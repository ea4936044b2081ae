package keystore

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	// ErrExhausted means no eligible credential exists right now. It is an
	// expected condition, not an infrastructure fault; callers decide
	// between sleep-and-retry and escalation.
	ErrExhausted = errors.New("no usable API key available")

	// ErrMissingCeiling means the recorder was built with no quota ceiling
	// configured. Guessing a default could silently under- or
	// over-restrict the pool, so construction fails instead.
	ErrMissingCeiling = errors.New("no quota ceiling configured")

	// ErrUnknownKey means a usage update referenced a credential that does
	// not exist in the pool.
	ErrUnknownKey = errors.New("unknown API key")
)

// InfraError wraps a store/network failure. These are retryable with
// backoff and must never be silently swallowed.
type InfraError struct {
	Op  string // the store operation that failed
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("key store %s: %s", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

func infraErr(op string, err error) error {
	return &InfraError{Op: op, Err: err}
}

// IsExhausted returns true if the error means the pool has no usable key.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}

// IsInfra returns true if the error is a retryable infrastructure failure.
func IsInfra(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie)
}
