package ot

// Cursor is the last known caret or selection of one author.
type Cursor struct {
	Position int `json:"position"`
	Length   int `json:"length"`
}

// Cursors tracks cursor state per author. Cursor and Selection operations
// update it; accepted text operations shift every stored cursor.
type Cursors map[string]Cursor

// Set records a cursor or selection operation. Other kinds are ignored.
func (cs Cursors) Set(op Operation) {
	switch op.Kind {
	case KindCursor:
		cs[op.AuthorID] = Cursor{Position: op.Position}
	case KindSelection:
		cs[op.AuthorID] = Cursor{Position: op.Position, Length: op.Length}
	}
}

// Shift moves all cursors to account for an applied text operation.
func (cs Cursors) Shift(op Operation) {
	if !op.AffectsText() || op.IsNoop() {
		return
	}
	for author, c := range cs {
		var pos, n int
		if op.Kind == KindInsert {
			pos, n = growRange(c.Position, c.Length, op)
		} else {
			pos, n = shrinkRange(c.Position, c.Length, op)
		}
		cs[author] = Cursor{Position: pos, Length: n}
	}
}

// Clone returns an independent copy.
func (cs Cursors) Clone() Cursors {
	out := make(Cursors, len(cs))
	for k, v := range cs {
		out[k] = v
	}
	return out
}
