package model

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when an entity is not found in a store
	ErrNotFound = errors.New("entity not found")
	// ErrExists is returned when trying to insert an entity that already exists
	ErrExists = errors.New("entity already exists")
	// ErrCircuitOpen is returned when a call is rejected because the backend's
	// circuit breaker is open or isolated. Distinct from a single failed call.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrRetriesExhausted is returned when all retry attempts against a backend failed
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrQueueClosed is returned when operating on a closed sync queue
	ErrQueueClosed = errors.New("sync queue closed")
	// ErrQueueUnavailable is returned when the sync queue rejects an enqueue.
	// The primary write has already committed when this surfaces.
	ErrQueueUnavailable = errors.New("sync queue unavailable")
	// ErrItemNotFound is returned when an item id is unknown to the queue
	ErrItemNotFound = errors.New("sync item not found")
	// ErrInvalidPhase is returned for an unknown migration phase name
	ErrInvalidPhase = errors.New("invalid migration phase")
	// ErrValidationDisabled is returned when consistency validation is turned off
	ErrValidationDisabled = errors.New("consistency validation disabled")
	// ErrCanceled is returned when the operation is canceled by the caller
	ErrCanceled = errors.New("operation canceled")
)

// WrapError maps storage errors to model errors.
// It converts context.Canceled and context.DeadlineExceeded to ErrCanceled.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return ErrCanceled
	}
	return err
}

// IsCanceled returns true if the error is due to context cancellation or
// deadline expiry. It checks both direct context errors and wrapped errors
// coming out of backend drivers.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrCanceled) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "context canceled") || strings.Contains(errStr, "context deadline exceeded")
}

// IsTransient reports whether an error is worth retrying against the same
// backend. Not-found, already-exists and caller cancellation are terminal;
// circuit-open is terminal for this attempt because the breaker already
// decided the backend should not be contacted.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrExists),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrValidationDisabled),
		errors.Is(err, ErrInvalidPhase),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
