package ot

import (
	"errors"
	"fmt"
	"time"
)

// ErrFutureVersion is returned when an operation claims a base version the
// document has not reached yet.
var ErrFutureVersion = errors.New("base version is ahead of document")

// Accepted is an operation after it has been transformed and applied.
type Accepted struct {
	Operation  Operation `json:"op"`
	Version    int       `json:"version"`
	Clamped    bool      `json:"clamped,omitempty"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// Document represents a collaborative document with its full operation history.
// History[v-1] is the operation that moved the document to version v.
type Document struct {
	ContentID string
	Text      string
	Version   int
	History   []Operation
	Cursors   Cursors
}

// NewDocument creates a new document at version 0 with the given seed text.
func NewDocument(contentID, text string) *Document {
	return &Document{ContentID: contentID, Text: text, Cursors: make(Cursors)}
}

// Restore rebuilds a document from a snapshot of its text taken at
// snapshotVersion and the complete history.
func Restore(contentID, snapshotText string, snapshotVersion int, history []Operation) (*Document, error) {
	if snapshotVersion < 0 || snapshotVersion > len(history) {
		return nil, fmt.Errorf("restore %s: snapshot v%d outside history of %d ops", contentID, snapshotVersion, len(history))
	}
	d := NewDocument(contentID, snapshotText)
	d.Version = snapshotVersion
	d.History = append(make([]Operation, 0, len(history)), history[:snapshotVersion]...)
	for _, op := range history[snapshotVersion:] {
		d.Apply(op)
	}
	return d, nil
}

// Concurrent returns the operations accepted since base, in version order.
func (d *Document) Concurrent(base int) ([]Operation, error) {
	if base > d.Version {
		return nil, fmt.Errorf("%w: base v%d, document v%d", ErrFutureVersion, base, d.Version)
	}
	if base < 0 {
		base = 0
	}
	return d.History[base:], nil
}

// Apply applies an already transformed operation, appending it to history.
// Every call advances Version by exactly one, including for no-ops.
func (d *Document) Apply(op Operation) Accepted {
	clamped := false
	if op.AffectsText() {
		d.Text, clamped = Apply(d.Text, op)
		if d.Cursors != nil {
			d.Cursors.Shift(op)
		}
	} else {
		if d.Cursors == nil {
			d.Cursors = make(Cursors)
		}
		d.Cursors.Set(op)
	}
	d.Version++
	d.History = append(d.History, op)
	return Accepted{Operation: op, Version: d.Version, Clamped: clamped}
}

// Since returns a copy of the operations that produced versions after from.
func (d *Document) Since(from int) ([]Operation, error) {
	ops, err := d.Concurrent(from)
	if err != nil {
		return nil, err
	}
	out := make([]Operation, len(ops))
	copy(out, ops)
	return out, nil
}
