package ot

// Transform returns op adjusted so that applying it after against yields the
// same intent as applying op to the state against was generated on. Both
// operations must have been generated against the same document state.
//
// Only Position, Length and (for an insert swallowed by a concurrent delete)
// Text change; every other field is carried over. The result satisfies
//
//	Apply(Apply(doc, b), Transform(a, b)) == Apply(Apply(doc, a), Transform(b, a))
//
// for text-affecting operations from different authors.
//
// An insert strictly inside a concurrently deleted range is lost: it moves to
// the start of the range and its text is cleared, so the author's edit does
// not appear in the converged document.
func Transform(op, against Operation) Operation {
	if op.AuthorID == against.AuthorID {
		// Same-author operations are causally ordered by the client.
		return op
	}
	if !against.AffectsText() || against.IsNoop() {
		return op
	}

	switch op.Kind {
	case KindInsert:
		if against.Kind == KindInsert {
			return insertInsert(op, against)
		}
		return insertDelete(op, against)
	case KindDelete:
		if op.Length <= 0 {
			return op
		}
		if against.Kind == KindInsert {
			return deleteInsert(op, against)
		}
		return deleteDelete(op, against)
	case KindCursor, KindSelection:
		return transformCursor(op, against)
	case KindFormat:
		// Plain-text formatting carries no positions worth adjusting.
		return op
	}
	return op
}

func insertInsert(op, against Operation) Operation {
	if against.Position < op.Position ||
		(against.Position == op.Position && against.AuthorID < op.AuthorID) {
		return op.WithPosition(op.Position + against.TextLen())
	}
	return op
}

func insertDelete(op, against Operation) Operation {
	if op.Position < against.Position {
		return op
	}
	if op.Position >= against.End() {
		return op.WithPosition(op.Position - against.Length)
	}
	if op.Position == against.Position {
		return op
	}
	// Strictly inside the deleted range. The concurrent delete, transformed
	// against this insert, grows to cover it, so the text is dropped here too.
	return op.WithPosition(against.Position).WithText("")
}

func deleteInsert(op, against Operation) Operation {
	n := against.TextLen()
	if against.Position <= op.Position {
		return op.WithPosition(op.Position + n)
	}
	if against.Position < op.End() {
		return op.WithLength(op.Length + n)
	}
	return op
}

func deleteDelete(op, against Operation) Operation {
	pos, n := shrinkRange(op.Position, op.Length, against)
	return op.WithPosition(pos).WithLength(n)
}

// shrinkRange adjusts the range [pos, pos+n) for the removal of against's
// range.
func shrinkRange(pos, n int, against Operation) (int, int) {
	end := pos + n
	aPos, aEnd := against.Position, against.End()

	switch {
	case aEnd <= pos:
		// Disjoint, entirely before.
		return pos - against.Length, n
	case aPos >= end:
		// Disjoint, entirely after.
		return pos, n
	case aPos <= pos && aEnd >= end:
		// against contains the range.
		return aPos, 0
	case aPos <= pos:
		// against overlaps the head.
		return aPos, end - aEnd
	case aEnd <= end:
		// against lies inside the range.
		return pos, n - against.Length
	default:
		// against overlaps the tail.
		return pos, aPos - pos
	}
}

func transformCursor(op, against Operation) Operation {
	if against.Kind == KindInsert {
		pos, n := growRange(op.Position, op.Length, against)
		return op.WithPosition(pos).WithLength(n)
	}
	pos, n := shrinkRange(op.Position, op.Length, against)
	return op.WithPosition(pos).WithLength(n)
}

// growRange adjusts a cursor or selection range for an insert.
func growRange(pos, n int, against Operation) (int, int) {
	l := against.TextLen()
	if against.Position <= pos {
		return pos + l, n
	}
	if against.Position < pos+n {
		return pos, n + l
	}
	return pos, n
}
