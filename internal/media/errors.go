package media

import (
	"context"
	"errors"
)

var (
	// ErrIllegalTransition: event not valid in the current state. State is unchanged.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrTimeout: a bounded wait ran out.
	ErrTimeout = errors.New("timed out")
	// ErrLoadFailure: media could not be opened. Recoverable through retry.
	ErrLoadFailure = errors.New("load failed")
	// ErrRecognitionFailure: transient recognition error. Recoverable through retry.
	ErrRecognitionFailure = errors.New("recognition failed")
	// ErrInternal: broken invariant. Terminal until reset.
	ErrInternal = errors.New("internal error")
	// ErrCancelled: superseded work. Expected, not a failure.
	ErrCancelled = errors.New("cancelled")
	// ErrInvalidRange: a time range outside the source or inverted.
	ErrInvalidRange = errors.New("invalid time range")
)

// Kind is the coarse error class used for log fields and metric labels.
type Kind string

const (
	KindNone        Kind = "none"
	KindIllegal     Kind = "illegal_transition"
	KindTimeout     Kind = "timeout"
	KindLoad        Kind = "load_failure"
	KindRecognition Kind = "recognition_failure"
	KindInternal    Kind = "internal"
	KindCancelled   Kind = "cancelled"
	KindUnknown     Kind = "unknown"
)

// Classify maps err onto the taxonomy. Only sentinels and context errors are
// consulted, never message text.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrIllegalTransition):
		return KindIllegal
	case errors.Is(err, ErrLoadFailure):
		return KindLoad
	case errors.Is(err, ErrRecognitionFailure), errors.Is(err, ErrInvalidRange):
		return KindRecognition
	case errors.Is(err, ErrInternal):
		return KindInternal
	}
	return KindUnknown
}

// IsCancelled reports whether err is the expected outcome of superseded work.
func IsCancelled(err error) bool {
	return Classify(err) == KindCancelled
}

// Recoverable reports whether an error should leave the player in a
// retryable error state. Unknown errors are treated as transient.
func Recoverable(err error) bool {
	return Classify(err) != KindInternal
}
