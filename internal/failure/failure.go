// Package failure defines the typed error taxonomy surfaced by the answer
// pipeline. Every failure carries a machine-readable Reason so callers can
// map it to a user-facing state without parsing messages.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Reason is a stable machine-readable failure code.
type Reason string

const (
	ReasonFetch              Reason = "fetch_failure"
	ReasonRankingUnavailable Reason = "ranking_unavailable"
	ReasonGeneration         Reason = "generation_failure"
	ReasonValidation         Reason = "validation_fail"
	ReasonMergeConflict      Reason = "merge_conflict"
	ReasonTimeout            Reason = "timeout"
	ReasonInvalidInput       Reason = "invalid_input"
	ReasonInternal           Reason = "internal"
)

var (
	// ErrFetch is returned when a document could not be fetched or extracted.
	ErrFetch = errors.New("fetch failed")
	// ErrRankingUnavailable is returned when both ranking stages failed.
	ErrRankingUnavailable = errors.New("ranking unavailable")
	// ErrGeneration is returned when every generator in the chain failed.
	ErrGeneration = errors.New("generation failed")
	// ErrValidation marks an answer whose citation coverage stayed below the minimum.
	ErrValidation = errors.New("validation failed")
	// ErrMergeConflict is returned when a playbook merge detects an inconsistency.
	ErrMergeConflict = errors.New("merge conflict")
	// ErrTimeout is returned when the run deadline expired.
	ErrTimeout = errors.New("run timed out")
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")
)

var sentinels = map[Reason]error{
	ReasonFetch:              ErrFetch,
	ReasonRankingUnavailable: ErrRankingUnavailable,
	ReasonGeneration:         ErrGeneration,
	ReasonValidation:         ErrValidation,
	ReasonMergeConflict:      ErrMergeConflict,
	ReasonTimeout:            ErrTimeout,
	ReasonInvalidInput:       ErrInvalidInput,
}

// Error is a failure annotated with its reason and the operation that raised it.
type Error struct {
	Reason Reason
	Op     string
	Err    error
}

// New wraps err with a reason and operation name.
func New(reason Reason, op string, err error) *Error {
	return &Error{Reason: reason, Op: op, Err: err}
}

// Newf builds a failure from a formatted message.
func Newf(reason Reason, op string, format string, args ...any) *Error {
	return &Error{Reason: reason, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Reason)
	if sentinel, ok := sentinels[e.Reason]; ok {
		msg = sentinel.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the sentinel that corresponds to the reason.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel, ok := sentinels[e.Reason]
	return ok && target == sentinel
}

// ReasonOf extracts the reason of err. Context deadline errors map to
// ReasonTimeout; unknown errors map to ReasonInternal.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	for reason, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return reason
		}
	}
	return ReasonInternal
}

// HTTPStatus maps a reason to the HTTP status the API responds with.
func HTTPStatus(reason Reason) int {
	switch reason {
	case ReasonInvalidInput:
		return http.StatusBadRequest
	case ReasonRankingUnavailable, ReasonGeneration:
		return http.StatusBadGateway
	case ReasonTimeout:
		return http.StatusGatewayTimeout
	case ReasonMergeConflict:
		return http.StatusConflict
	case ReasonValidation:
		return http.StatusUnprocessableEntity
	case ReasonFetch:
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}
