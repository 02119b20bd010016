package graph

// Ordering is the result of a partial-order comparison.
type Ordering int

const (
	Incomparable Ordering = iota
	Less
	Equal
	Greater
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	default:
		return "incomparable"
	}
}

func compareInts(a, b int) Ordering {
	switch {
	case a < b:
		return Less
	case a > b:
		return Greater
	default:
		return Equal
	}
}

// sameLocation reports whether two sources are the same file or the same cell.
func sameLocation(a, b *SourceCode) bool {
	switch la := a.Location.(type) {
	case FileLocation:
		lb, ok := b.Location.(FileLocation)
		return ok && la.Path == lb.Path
	case JupyterCell:
		lb, ok := b.Location.(JupyterCell)
		return ok && la == lb
	}
	return false
}

// CompareSourceCode orders sources of the same file or the same notebook
// session. Cells are ordered by execution count; anything else is
// Incomparable.
func CompareSourceCode(a, b *SourceCode) Ordering {
	if a == nil || b == nil {
		return Incomparable
	}
	switch la := a.Location.(type) {
	case FileLocation:
		lb, ok := b.Location.(FileLocation)
		if !ok || la.Path != lb.Path {
			return Incomparable
		}
		return Equal
	case JupyterCell:
		lb, ok := b.Location.(JupyterCell)
		if !ok || la.SessionID != lb.SessionID {
			return Incomparable
		}
		return compareInts(la.ExecutionCount, lb.ExecutionCount)
	}
	return Incomparable
}

// CompareLocations orders two spans by (line, column) when they share a
// source, otherwise by their sources.
func CompareLocations(a, b *SourceLocation) Ordering {
	if a == nil || b == nil {
		return Incomparable
	}
	src := CompareSourceCode(a.SourceCode, b.SourceCode)
	if src == Incomparable {
		return Incomparable
	}
	if sameLocation(a.SourceCode, b.SourceCode) {
		if o := compareInts(a.Lineno, b.Lineno); o != Equal {
			return o
		}
		return compareInts(a.ColOffset, b.ColOffset)
	}
	return src
}

// CompareNodes puts location-less nodes first and orders the rest by
// CompareLocations.
func CompareNodes(a, b Node) Ordering {
	la, lb := a.Location(), b.Location()
	switch {
	case la == nil && lb == nil:
		return Equal
	case la == nil:
		return Less
	case lb == nil:
		return Greater
	}
	return CompareLocations(la, lb)
}

// sourceKey is a total order over sources that agrees with CompareSourceCode
// wherever the latter is not Incomparable.
type sourceKey struct {
	kind     int
	identity string
	count    int
	id       LineaID
}

func keyOfSource(sc *SourceCode) sourceKey {
	if sc == nil {
		return sourceKey{kind: -1}
	}
	switch l := sc.Location.(type) {
	case FileLocation:
		return sourceKey{kind: 0, identity: l.Path, id: sc.ID}
	case JupyterCell:
		return sourceKey{kind: 1, identity: string(l.SessionID), count: l.ExecutionCount, id: sc.ID}
	}
	return sourceKey{kind: 2, id: sc.ID}
}

func (k sourceKey) less(o sourceKey) bool {
	if k.kind != o.kind {
		return k.kind < o.kind
	}
	if k.identity != o.identity {
		return k.identity < o.identity
	}
	if k.count != o.count {
		return k.count < o.count
	}
	return k.id < o.id
}

// SourceCodeLess is a strict total order used for sorting sources. It
// follows CompareSourceCode and falls back to source identity.
func SourceCodeLess(a, b *SourceCode) bool {
	switch CompareSourceCode(a, b) {
	case Less:
		return true
	case Greater:
		return false
	}
	ka, kb := keyOfSource(a), keyOfSource(b)
	if ka == kb {
		return false
	}
	return ka.less(kb)
}

// nodeLess is the strict total order used to break ties in VisitOrder.
func nodeLess(a, b Node) bool {
	switch CompareNodes(a, b) {
	case Less:
		return true
	case Greater:
		return false
	case Incomparable:
		ka, kb := keyOfSource(a.Location().SourceCode), keyOfSource(b.Location().SourceCode)
		if ka != kb {
			return ka.less(kb)
		}
	}
	return a.ID() < b.ID()
}
