package stt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPermissionDenied = errors.New("recognition permission denied")
	ErrNoSpeech         = errors.New("no speech detected")
	ErrAborted          = errors.New("recognition aborted")
	ErrNetwork          = errors.New("recognition network failure")
	ErrStopped          = errors.New("recognition stream stopped")
)

// ReasonError carries the backend reason code of a recognition error.
type ReasonError struct {
	Reason string
	Err    error
}

func (e *ReasonError) Error() string {
	return fmt.Sprintf("recognition error %q: %v", e.Reason, e.Err)
}

func (e *ReasonError) Unwrap() error { return e.Err }

// FromReason maps a recognition reason code onto the error taxonomy.
func FromReason(reason string) error {
	code := strings.ToLower(strings.TrimSpace(reason))
	var base error
	switch code {
	case "not-allowed", "service-not-allowed", "permission-denied":
		base = ErrPermissionDenied
	case "no-speech":
		base = ErrNoSpeech
	case "network":
		base = ErrNetwork
	default:
		base = ErrAborted
	}
	return &ReasonError{Reason: code, Err: base}
}

// IsFatal reports whether err ends recognition for the session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}
