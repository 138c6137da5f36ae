package session

import (
	"errors"

	"github.com/sgu731/studycap/internal/capture"
	"github.com/sgu731/studycap/internal/stt"
	"github.com/sgu731/studycap/internal/transcription"
)

var (
	ErrInvalidState     = errors.New("invalid session state")
	ErrLanguageRequired = errors.New("recognition language required")
	ErrNothingCaptured  = errors.New("nothing captured")
	ErrClosed           = errors.New("session controller closed")
	ErrAudioUnavailable = errors.New("recording audio unavailable")
)

// Stable codes reported to clients.
const (
	CodeInvalidState     = "invalid_state"
	CodeLanguageRequired = "language_required"
	CodePermissionDenied = "permission_denied"
	CodeRetryExhausted   = "retry_exhausted"
	CodeNothingCaptured  = "nothing_captured"
	CodeCaptureFault     = "capture_fault"
	CodeAudioUnavailable = "audio_unavailable"
	CodeInternal         = "internal"
)

// ErrorCode maps err to a stable client code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrLanguageRequired):
		return CodeLanguageRequired
	case errors.Is(err, capture.ErrPermissionDenied), errors.Is(err, stt.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, transcription.ErrRetryExhausted):
		return CodeRetryExhausted
	case errors.Is(err, ErrAudioUnavailable):
		return CodeAudioUnavailable
	case errors.Is(err, ErrNothingCaptured):
		return CodeNothingCaptured
	case errors.Is(err, capture.ErrStreamEnded):
		return CodeCaptureFault
	default:
		return CodeInternal
	}
}
