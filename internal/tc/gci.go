package tc

// GciRecord is the global-checkpoint record: a gci value plus the list of
// API connections that committed under it, and the "no-more-transactions"
// flag DIH sets once it will never assign this gci to another transaction.
type GciRecord struct {
	Gci Gci

	// Connections is the list of ConnIdx committed under this
	// gci. A connection is on exactly one gci list from commit entry to
	// release.
	Connections []ConnIdx

	NoMoreTrans bool
}

// gciTable indexes GciRecord by Gci value. Only a handful of gcis are
// ever in flight at once (older ones drain as their transactions
// complete), so a map stays O(live gcis).
type gciTable struct {
	byGci map[Gci]*GciRecord
}

func newGciTable() *gciTable {
	return &gciTable{byGci: make(map[Gci]*GciRecord)}
}

// findOrSeize returns the GciRecord for gci, creating it if this is the
// first transaction to commit under it.
func (t *gciTable) findOrSeize(gci Gci) *GciRecord {
	if r, ok := t.byGci[gci]; ok {
		return r
	}
	r := &GciRecord{Gci: gci}
	t.byGci[gci] = r
	return r
}

// link appends conn to gci's commit list.
func (t *gciTable) link(gci Gci, conn ConnIdx) *GciRecord {
	r := t.findOrSeize(gci)
	r.Connections = append(r.Connections, conn)
	return r
}

// unlink removes conn from gci's commit list, releasing the GciRecord once
// it is both empty and marked NoMoreTrans.
func (t *gciTable) unlink(gci Gci, conn ConnIdx) (emptyAndFinal bool) {
	r, ok := t.byGci[gci]
	if !ok {
		return false
	}
	for i, c := range r.Connections {
		if c == conn {
			r.Connections = append(r.Connections[:i], r.Connections[i+1:]...)
			break
		}
	}
	if len(r.Connections) == 0 && r.NoMoreTrans {
		delete(t.byGci, gci)
		return true
	}
	return false
}

// setNoMoreTrans marks a gci as final (DIH's gcp-nomoretrans), releasing it
// immediately if it already has no outstanding connections.
func (t *gciTable) setNoMoreTrans(gci Gci) (emptyAndFinal bool) {
	r := t.findOrSeize(gci)
	r.NoMoreTrans = true
	if len(r.Connections) == 0 {
		delete(t.byGci, gci)
		return true
	}
	return false
}
