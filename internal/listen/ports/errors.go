// SPDX-License-Identifier: MIT

package ports

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel error kinds. Callers classify with errors.Is.
var (
	ErrAuthFailed   = errors.New("authentication failed")
	ErrNotMember    = errors.New("not a member of this group")
	ErrNotInGroup   = errors.New("not in a group")
	ErrNotFound     = errors.New("group not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)

// InputError carries a human-readable reason for an InvalidInput failure.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string {
	if e == nil || e.Reason == "" {
		return ErrInvalidInput.Error()
	}
	return "invalid input: " + e.Reason
}

func (e *InputError) Unwrap() error {
	return ErrInvalidInput
}

// ConflictError is the transient, retryable failure returned when the
// per-group mutation lock is contended or mutation-path infrastructure
// misbehaves. RetryAfter is the backoff hint handed to clients.
type ConflictError struct {
	RetryAfter     time.Duration
	Infrastructure bool
	Err            error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conflict: %v (retry after %s)", e.Err, e.RetryAfter)
	}
	return fmt.Sprintf("conflict: group is busy (retry after %s)", e.RetryAfter)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
