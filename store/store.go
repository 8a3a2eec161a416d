package store

import (
	"context"
	"errors"
	"time"

	"github.com/alimasry/collab-ot/ot"
)

var (
	// ErrNotFound is returned when a content id has no seed and no history.
	ErrNotFound = errors.New("content not found")
	// ErrAlreadyExists is returned by Create for a known content id.
	ErrAlreadyExists = errors.New("content already exists")
	// ErrVersionGap is returned when an operation would leave a hole in history.
	ErrVersionGap = errors.New("operation version leaves a gap in history")
	// ErrInvalidID is returned for a content id a backend cannot key.
	ErrInvalidID = errors.New("invalid content id")
)

// ContentVersion is a materialized snapshot of a document's text.
// Version 0 is the seed content.
type ContentVersion struct {
	ContentID string
	Version   int
	Text      string
	CreatedBy string
	CreatedAt time.Time
}

// Store abstracts the persistence of operation history and snapshots.
//
// AppendOperation is idempotent: appending a version that is already stored
// is a no-op, so write-behind callers may retry. Appending past the next
// version returns ErrVersionGap.
type Store interface {
	Create(ctx context.Context, seed ContentVersion) error
	List(ctx context.Context) ([]string, error)
	LatestSnapshot(ctx context.Context, id string) (*ContentVersion, error)
	SaveSnapshot(ctx context.Context, snap ContentVersion) error
	AppendOperation(ctx context.Context, id string, op ot.Operation, version int) error
	// GetOperations returns the operations that produced versions
	// fromVersion+1 and later, in order.
	GetOperations(ctx context.Context, id string, fromVersion int) ([]ot.Operation, error)
}
