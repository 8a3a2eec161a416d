// Package broadcast publishes accepted operations to systems outside the
// process. Local websocket fan-out happens in the session itself.
package broadcast

import (
	"context"
	"errors"

	"github.com/alimasry/collab-ot/ot"
)

// Publisher delivers an accepted operation to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, acc ot.Accepted) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, ot.Accepted) error { return nil }

// Multi publishes to each publisher in turn and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, acc ot.Accepted) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, acc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Event is the wire form of an accepted operation.
type Event struct {
	ContentID string       `json:"contentId"`
	Version   int          `json:"version"`
	Op        ot.Operation `json:"op"`
	Clamped   bool         `json:"clamped,omitempty"`
	// AcceptedAt is in Unix milliseconds.
	AcceptedAt int64 `json:"acceptedAt"`
}

// NewEvent builds the wire event for acc.
func NewEvent(acc ot.Accepted) Event {
	return Event{
		ContentID:  acc.Operation.ContentID,
		Version:    acc.Version,
		Op:         acc.Operation,
		Clamped:    acc.Clamped,
		AcceptedAt: acc.AcceptedAt.UnixMilli(),
	}
}
