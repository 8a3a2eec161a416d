package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Kind identifies what an operation does.
type Kind string

const (
	KindInsert    Kind = "insert"
	KindDelete    Kind = "delete"
	KindFormat    Kind = "format"
	KindCursor    Kind = "cursor"
	KindSelection Kind = "selection"
)

// ErrInvalidOperation is returned for operations that cannot be interpreted.
var ErrInvalidOperation = errors.New("invalid operation")

// Operation is a single edit against a document at a given base version.
//
// Position and Length count Unicode code points, not bytes. Length is only
// meaningful for deletes and selections, Text only for inserts.
type Operation struct {
	ID          string         `json:"id"`
	ContentID   string         `json:"contentId"`
	AuthorID    string         `json:"authorId"`
	Kind        Kind           `json:"kind"`
	Position    int            `json:"position"`
	Length      int            `json:"length,omitempty"`
	Text        string         `json:"text,omitempty"`
	BaseVersion int            `json:"baseVersion"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// NewInsert creates an insert of text at pos.
func NewInsert(author string, pos int, text string, base int) Operation {
	return Operation{ID: uuid.NewString(), AuthorID: author, Kind: KindInsert, Position: pos, Text: text, BaseVersion: base}
}

// NewDelete creates a delete of n code points starting at pos.
func NewDelete(author string, pos, n int, base int) Operation {
	return Operation{ID: uuid.NewString(), AuthorID: author, Kind: KindDelete, Position: pos, Length: n, BaseVersion: base}
}

// NewCursor creates a caret position report.
func NewCursor(author string, pos int, base int) Operation {
	return Operation{ID: uuid.NewString(), AuthorID: author, Kind: KindCursor, Position: pos, BaseVersion: base}
}

// NewSelection creates a selection report spanning n code points from pos.
func NewSelection(author string, pos, n int, base int) Operation {
	return Operation{ID: uuid.NewString(), AuthorID: author, Kind: KindSelection, Position: pos, Length: n, BaseVersion: base}
}

// NewFormat creates a formatting operation. Attributes are carried in Meta and
// never interpreted by the engine.
func NewFormat(author string, pos, n int, attrs map[string]any, base int) Operation {
	return Operation{ID: uuid.NewString(), AuthorID: author, Kind: KindFormat, Position: pos, Length: n, Meta: attrs, BaseVersion: base}
}

func (op Operation) WithPosition(pos int) Operation {
	op.Position = pos
	return op
}

func (op Operation) WithLength(n int) Operation {
	op.Length = n
	return op
}

func (op Operation) WithText(text string) Operation {
	op.Text = text
	return op
}

func (op Operation) WithID(id string) Operation {
	op.ID = id
	return op
}

func (op Operation) WithContentID(id string) Operation {
	op.ContentID = id
	return op
}

// AffectsText reports whether the operation can change document text.
func (op Operation) AffectsText() bool {
	return op.Kind == KindInsert || op.Kind == KindDelete
}

// IsNoop returns true if applying the operation leaves the text unchanged.
func (op Operation) IsNoop() bool {
	switch op.Kind {
	case KindInsert:
		return op.Text == ""
	case KindDelete:
		return op.Length <= 0
	default:
		return true
	}
}

// End returns the exclusive end of the range the operation covers.
func (op Operation) End() int {
	return op.Position + op.Length
}

// TextLen returns the length of the insert payload in code points.
func (op Operation) TextLen() int {
	return utf8.RuneCountInString(op.Text)
}

// Validate checks the fields that cannot be repaired by clamping.
func (op Operation) Validate() error {
	switch op.Kind {
	case KindInsert, KindDelete, KindFormat, KindCursor, KindSelection:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	if op.AuthorID == "" {
		return fmt.Errorf("%w: missing author", ErrInvalidOperation)
	}
	if op.BaseVersion < 0 {
		return fmt.Errorf("%w: negative base version %d", ErrInvalidOperation, op.BaseVersion)
	}
	return nil
}

// Normalize clamps negative positions and lengths to zero.
func (op Operation) Normalize() (Operation, bool) {
	clamped := false
	if op.Position < 0 {
		op.Position = 0
		clamped = true
	}
	if op.Length < 0 {
		op.Length = 0
		clamped = true
	}
	return op, clamped
}
