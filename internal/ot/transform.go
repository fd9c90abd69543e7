package ot

// Author identifies the origin of an operation sequence for tie-breaking.
type Author struct {
	PrincipalID       string
	ClientOperationID string
}

// Less is the total order used to break ties between concurrent inserts at the
// same position: the lesser author's text lands first.
func (a Author) Less(b Author) bool {
	if a.PrincipalID != b.PrincipalID {
		return a.PrincipalID < b.PrincipalID
	}
	return a.ClientOperationID < b.ClientOperationID
}

// Transform derives the bottom two sides of the OT diamond for two operation
// sequences generated against the same document: xp applies after ys and yp
// applies after xs, and both paths yield the same text. xFirst decides ties
// between inserts at the same position in favour of xs.
func Transform(xs, ys []Operation, xFirst bool) (xp, yp []Operation) {
	if len(xs) == 0 || len(ys) == 0 {
		return xs, ys
	}
	if len(xs) == 1 && len(ys) == 1 {
		return transformPair(xs[0], ys[0], xFirst)
	}
	if len(xs) > 1 {
		x1, y1 := Transform(xs[:1], ys, xFirst)
		x2, y2 := Transform(xs[1:], y1, xFirst)
		return concat(x1, x2), y2
	}
	x1, y1 := Transform(xs, ys[:1], xFirst)
	x2, y2 := Transform(x1, ys[1:], xFirst)
	return x2, concat(y1, y2)
}

// Rebase transforms ops, authored by author, so that it applies after applied,
// authored by appliedBy. Both were generated against the same document.
func Rebase(ops []Operation, author Author, applied []Operation, appliedBy Author) []Operation {
	xp, _ := Transform(ops, applied, author.Less(appliedBy))
	return xp
}

func transformPair(x, y Operation, xFirst bool) ([]Operation, []Operation) {
	switch {
	case x.Kind == KindRetain:
		return []Operation{retainAfter(x, y)}, []Operation{y}
	case y.Kind == KindRetain:
		return []Operation{x}, []Operation{retainAfter(y, x)}
	case x.Kind == KindInsert && y.Kind == KindInsert:
		return transformInserts(x, y, xFirst)
	case x.Kind == KindInsert && y.Kind == KindDelete:
		return transformInsertDelete(x, y)
	case x.Kind == KindDelete && y.Kind == KindInsert:
		ins, del := transformInsertDelete(y, x)
		return del, ins
	default:
		return transformDeletes(x, y)
	}
}

func transformInserts(x, y Operation, xFirst bool) ([]Operation, []Operation) {
	if x.Position < y.Position || (x.Position == y.Position && xFirst) {
		return []Operation{x}, []Operation{Insert(y.Position+x.size(), y.Content)}
	}
	return []Operation{Insert(x.Position+y.size(), x.Content)}, []Operation{y}
}

// transformInsertDelete handles an insert and a delete generated concurrently.
// An insert inside the deleted range is never dropped: it moves to the point
// where the range collapses, and the delete splits around it.
func transformInsertDelete(ins, del Operation) (insp, delp []Operation) {
	p, d, n, l := ins.Position, del.Position, del.Length, ins.size()
	switch {
	case p <= d:
		return []Operation{ins}, []Operation{deleteOrNoop(d+l, n)}
	case p >= d+n:
		return []Operation{Insert(p-n, ins.Content)}, []Operation{del}
	default:
		return []Operation{Insert(d, ins.Content)},
			[]Operation{deleteOrNoop(d, p-d), deleteOrNoop(d+l, d+n-p)}
	}
}

// transformDeletes removes from each delete the part the other already removed.
// A delete fully covered by the other becomes a zero-length retain.
func transformDeletes(x, y Operation) ([]Operation, []Operation) {
	xEnd, yEnd := x.Position+x.Length, y.Position+y.Length
	if xEnd <= y.Position {
		return []Operation{x}, []Operation{deleteOrNoop(y.Position-x.Length, y.Length)}
	}
	if yEnd <= x.Position {
		return []Operation{deleteOrNoop(x.Position-y.Length, x.Length)}, []Operation{y}
	}
	pos := min(x.Position, y.Position)
	overlap := max(0, min(xEnd, yEnd)-max(x.Position, y.Position))
	return []Operation{deleteOrNoop(pos, x.Length-overlap)}, []Operation{deleteOrNoop(pos, y.Length-overlap)}
}

// retainAfter maps the range r covers onto the document produced by applying
// other. Retains never change text, so other needs no counterpart.
func retainAfter(r, other Operation) Operation {
	switch other.Kind {
	case KindInsert:
		l := other.size()
		switch {
		case other.Position <= r.Position:
			return Retain(r.Position+l, r.Length)
		case other.Position < r.Position+r.Length:
			return Retain(r.Position, r.Length+l)
		default:
			return r
		}
	case KindDelete:
		xs, _ := transformDeletes(Delete(r.Position, r.Length), other)
		return Retain(xs[0].Position, xs[0].Length)
	default:
		return r
	}
}

func deleteOrNoop(pos, length int) Operation {
	if length <= 0 {
		return Retain(pos, 0)
	}
	return Delete(pos, length)
}

func concat(a, b []Operation) []Operation {
	out := make([]Operation, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
