package rdy

import "container/list"

// roundRobinList is an ordered view over the set of live connections
// with a rotating cursor, used only by the low-RDY regime's balance()
// to fairly hand a scarce credit token around the set over time.
//
// The ordering and "advance past the current item" shape follow the
// cursor-index style of a classic round-robin output broker (fan a
// stream of work out to N consumers in turn, wrapping at the end);
// this package needs the reverse direction — handing out a token to K
// of N consumers per tick — so Next(k) walks the list k times instead
// of once.
//
// Removal must leave the cursor pointing at a valid element (or nil
// if the list became empty); Next on an empty list always returns nil.
type roundRobinList struct {
	l      *list.List
	index  map[*ConnectionRdy]*list.Element
	cursor *list.Element
}

func newRoundRobinList() *roundRobinList {
	return &roundRobinList{
		l:     list.New(),
		index: make(map[*ConnectionRdy]*list.Element),
	}
}

func (r *roundRobinList) Len() int { return r.l.Len() }

func (r *roundRobinList) Add(cr *ConnectionRdy) {
	if _, ok := r.index[cr]; ok {
		return
	}
	e := r.l.PushBack(cr)
	r.index[cr] = e
	if r.cursor == nil {
		r.cursor = e
	}
}

func (r *roundRobinList) Remove(cr *ConnectionRdy) {
	e, ok := r.index[cr]
	if !ok {
		return
	}
	if r.cursor == e {
		r.cursor = r.nextElement(e)
		if r.cursor == e {
			r.cursor = nil // e was the only element
		}
	}
	r.l.Remove(e)
	delete(r.index, cr)
}

// nextElement returns the element that follows e, wrapping around to
// the front of the list.
func (r *roundRobinList) nextElement(e *list.Element) *list.Element {
	if n := e.Next(); n != nil {
		return n
	}
	return r.l.Front()
}

// Next returns up to k connections, advancing the cursor once per
// connection returned. If k >= Len(), every connection is returned
// exactly once and the cursor makes one full cycle, ending where it
// started.
func (r *roundRobinList) Next(k int) []*ConnectionRdy {
	if k <= 0 || r.l.Len() == 0 {
		return nil
	}
	if k > r.l.Len() {
		k = r.l.Len()
	}
	out := make([]*ConnectionRdy, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, r.cursor.Value.(*ConnectionRdy))
		r.cursor = r.nextElement(r.cursor)
	}
	return out
}

// Skip advances the cursor past cr if the cursor currently points at
// it. Used when a connection surrenders a token it held (a FINISHED
// event or an idle-timeout firing in the low-RDY regime) so the next
// Next() call doesn't immediately hand the token right back to it.
func (r *roundRobinList) Skip(cr *ConnectionRdy) {
	e, ok := r.index[cr]
	if !ok || r.cursor != e {
		return
	}
	r.cursor = r.nextElement(e)
}

// All returns every tracked connection in stable list order, used by
// balance()'s normal regime to deterministically distribute the
// remainder of maxInFlight/N.
func (r *roundRobinList) All() []*ConnectionRdy {
	out := make([]*ConnectionRdy, 0, r.l.Len())
	for e := r.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*ConnectionRdy))
	}
	return out
}
