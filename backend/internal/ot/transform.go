package ot

// Every kind is handled through one shape: remove [Position, Position+Span())
// then write Inserted() at Position. Insert has an empty span, Delete has no
// text, Replace has both.

// ordersFirst reports whether a sits before b when both touch the same region.
// Lower start wins; at an equal start a zero-width op (pure insert) goes before
// a range; otherwise the smaller (user id, op id) pair goes first.
func ordersFirst(a, b Operation) bool {
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	if aw, bw := a.Span() == 0, b.Span() == 0; aw != bw {
		return aw
	}
	if a.UserID != b.UserID {
		return a.UserID < b.UserID
	}
	return a.ID <= b.ID
}

// Transform derives the bottom two sides of the OT diamond for two operations
// generated against the same base: apply(apply(s, a), b') == apply(apply(s, b), a').
// The result does not depend on argument order: Transform(b, a) returns the
// mirrored pair.
func Transform(a, b Operation) (ap, bp Operation) {
	if ordersFirst(a, b) {
		return transformOrdered(a, b)
	}
	bp, ap = transformOrdered(b, a)
	return ap, bp
}

// transformOrdered handles the case where f orders before s.
func transformOrdered(f, s Operation) (fp, sp Operation) {
	fText, sText := f.Inserted(), s.Inserted()

	if f.end() <= s.Position {
		// Disjoint: s moves by f's net growth, f is untouched.
		return f, s.reshape(s.Position-f.Span()+runeLen(fText), s.Span(), sText)
	}

	// Overlap (or s is a zero-width op strictly inside f's range). The union
	// [f.Position, max(fEnd, sEnd)) is removed once and fText+sText is written
	// at f.Position.
	fEnd, sEnd := f.end(), s.end()

	// After f the region reads fText + tail, where tail is what s still
	// covers past fEnd.
	tail := 0
	if sEnd > fEnd {
		tail = sEnd - fEnd
	}
	sp = s.reshape(f.Position+runeLen(fText), tail, sText)

	// After s the region reads head + sText + rest, where head lies between
	// the two starts.
	head := s.Position - f.Position
	if sEnd >= fEnd {
		fp = f.reshape(f.Position, head, fText)
	} else {
		// s sits inside f: f must also cover sText and re-anchor it after fText.
		fp = f.reshape(f.Position, head+runeLen(sText)+(fEnd-sEnd), fText+sText)
	}
	return fp, sp
}

// TransformAgainst rewrites op so it applies after every operation in
// history, where history[0] shares op's base and each later entry applies on
// top of the previous ones.
func TransformAgainst(op Operation, history []Operation) Operation {
	for _, h := range history {
		op, _ = Transform(op, h)
	}
	return op
}
