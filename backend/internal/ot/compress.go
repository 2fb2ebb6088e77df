package ot

// Compress merges runs of operations that one user produced back to back
// (consecutive logical clocks) so the log and broadcasts carry fewer entries.
// Applying the result in order gives the same content as applying ops in order.
func Compress(ops []Operation) []Operation {
	out, _ := CompressWithSources(ops)
	return out
}

// CompressWithSources is Compress that also reports, for every output
// operation, the indexes of the inputs folded into it.
func CompressWithSources(ops []Operation) ([]Operation, [][]int) {
	out := make([]Operation, 0, len(ops))
	sources := make([][]int, 0, len(ops))
	for i, op := range ops {
		if n := len(out); n > 0 {
			if merged, ok := merge(out[n-1], op); ok {
				out[n-1] = merged
				sources[n-1] = append(sources[n-1], i)
				continue
			}
		}
		out = append(out, op)
		sources = append(sources, []int{i})
	}
	return out, sources
}

// merge folds next into prev when next was typed right after prev by the same
// user. Operations from different users are never merged.
func merge(prev, next Operation) (Operation, bool) {
	if prev.UserID != next.UserID || prev.DocID != next.DocID || next.Clock != prev.Clock+1 {
		return prev, false
	}
	out := prev
	out.Clock = next.Clock
	out.Timestamp = next.Timestamp

	switch {
	case prev.Kind == KindInsert && next.Kind == KindInsert:
		// typing forward
		if next.Position != prev.Position+runeLen(prev.Text) {
			return prev, false
		}
		out.Text = prev.Text + next.Text
		return out, true

	case prev.Kind == KindDelete && next.Kind == KindDelete:
		switch {
		case next.Position == prev.Position:
			// forward delete
			out.Length = prev.Length + next.Length
			return out, true
		case next.Position+next.Length == prev.Position:
			// backspace
			out.Position = next.Position
			out.Length = prev.Length + next.Length
			return out, true
		}
	}
	return prev, false
}
