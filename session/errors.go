package session

import (
	"errors"

	"github.com/alimasry/collab-ot/ot"
	"github.com/alimasry/collab-ot/store"
)

var (
	// ErrUnknownDocument is returned when no seed or history exists for a content id.
	ErrUnknownDocument = errors.New("unknown document")
	// ErrContentMismatch is returned when an operation names another document.
	ErrContentMismatch = errors.New("operation belongs to another document")
	// ErrSessionClosed is returned by a session that has retired or shut down.
	ErrSessionClosed = errors.New("session closed")

	ErrFutureVersion    = ot.ErrFutureVersion
	ErrInvalidOperation = ot.ErrInvalidOperation
)

// RejectReason classifies why a submission was not accepted.
type RejectReason string

const (
	ReasonNone             RejectReason = ""
	ReasonFutureVersion    RejectReason = "future_version"
	ReasonUnknownDocument  RejectReason = "unknown_document"
	ReasonContentMismatch  RejectReason = "content_mismatch"
	ReasonInvalidOperation RejectReason = "invalid_operation"
	ReasonAlreadyExists    RejectReason = "already_exists"
	ReasonInternal         RejectReason = "internal"
)

// Reason maps an error returned by Submit or Create to its RejectReason.
func Reason(err error) RejectReason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrFutureVersion):
		return ReasonFutureVersion
	case errors.Is(err, ErrUnknownDocument), errors.Is(err, store.ErrNotFound):
		return ReasonUnknownDocument
	case errors.Is(err, ErrContentMismatch):
		return ReasonContentMismatch
	case errors.Is(err, ErrInvalidOperation), errors.Is(err, store.ErrInvalidID):
		return ReasonInvalidOperation
	case errors.Is(err, store.ErrAlreadyExists):
		return ReasonAlreadyExists
	default:
		return ReasonInternal
	}
}
