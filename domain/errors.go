package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is wrapped by every error reporting a missing or out of scope card or stage.
	ErrNotFound = errors.New("not found")
	// ErrInvalid is wrapped by business rule violations.
	ErrInvalid = errors.New("invalid transition")
	// ErrTransitionFailed is returned for any failure that is neither a missing
	// record nor a rule violation. It never carries the underlying cause.
	ErrTransitionFailed = errors.New("transition failed")
	// ErrLastActiveStage rejects deactivating the only active stage of a board.
	ErrLastActiveStage = &InvalidError{Msg: "last active stage"}

	// ErrConcurrencyConflict indicates that the underlying storage rejected an
	// update because a newer version of the entity is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrRecordNotFound is returned by collaborators when a lookup misses.
	ErrRecordNotFound = errors.New("record not found")
)

// Stable error codes exposed to callers.
const (
	CodeNotFound         = "not_found"
	CodeInvalid          = "invalid_transition"
	CodeTransitionFailed = "transition_failed"
)

// NotFoundError reports a card or stage that does not exist in scope.
type NotFoundError struct {
	Resource string
	Key      string
	// AvailableStages lists the active stage keys of the board when a stage lookup failed.
	AvailableStages []string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s '%s' not found", e.Resource, e.Key)
	if len(e.AvailableStages) > 0 {
		msg += " (available: " + strings.Join(e.AvailableStages, ", ") + ")"
	}
	return msg
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidError reports a business rule or validation failure. Msg is safe to
// show to the caller verbatim.
type InvalidError struct {
	Msg string
}

func (e *InvalidError) Error() string { return e.Msg }

func (e *InvalidError) Unwrap() error { return ErrInvalid }

// ValidationError is returned by storage collaborators when a write violates
// a constraint.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Msg
	}
	return "validation failed: " + e.Field + " " + e.Msg
}

// Code maps an error returned by this package to its stable code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalid):
		return CodeInvalid
	default:
		return CodeTransitionFailed
	}
}
