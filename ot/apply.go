package ot

// Apply applies op to text and returns the result. It never fails: positions
// outside the text are clamped, and clamped reports whether that happened.
//
// Format, Cursor and Selection operations leave text unchanged; cursor state
// is tracked separately by Cursors.
func Apply(text string, op Operation) (result string, clamped bool) {
	switch op.Kind {
	case KindInsert:
		return applyInsert(text, op)
	case KindDelete:
		return applyDelete(text, op)
	case KindFormat, KindCursor, KindSelection:
		return text, false
	}
	return text, false
}

func applyInsert(text string, op Operation) (string, bool) {
	if op.Text == "" {
		return text, false
	}
	runes := []rune(text)
	pos, clamped := op.Position, false
	switch {
	case pos < 0:
		pos, clamped = 0, true
	case pos > len(runes):
		// Out-of-range inserts append at the end.
		pos, clamped = len(runes), true
	}
	out := make([]rune, 0, len(runes)+op.TextLen())
	out = append(out, runes[:pos]...)
	out = append(out, []rune(op.Text)...)
	out = append(out, runes[pos:]...)
	return string(out), clamped
}

func applyDelete(text string, op Operation) (string, bool) {
	if op.Length <= 0 {
		return text, op.Length < 0
	}
	runes := []rune(text)
	pos, clamped := op.Position, false
	if pos < 0 {
		pos, clamped = 0, true
	}
	if pos >= len(runes) {
		return text, true
	}
	end := op.Position + op.Length
	if end > len(runes) {
		end, clamped = len(runes), true
	}
	if end <= pos {
		return text, clamped
	}
	out := make([]rune, 0, len(runes)-(end-pos))
	out = append(out, runes[:pos]...)
	out = append(out, runes[end:]...)
	return string(out), clamped
}
