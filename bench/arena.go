package bench

// Arena is the single backing allocation of a session, sliced into
// equally sized slot buffers.
type Arena struct {
	buf   []byte
	slot  int
	count int
}

// NewArena allocates count slots of size bytes each.
func NewArena(size, count int) *Arena {
	return &Arena{buf: make([]byte, size*count), slot: size, count: count}
}

// Slot returns the buffer of slot i. Its capacity is capped so appends can
// not spill into the neighbour.
func (a *Arena) Slot(i int) []byte {
	lo, hi := i*a.slot, (i+1)*a.slot
	return a.buf[lo:hi:hi]
}

func (a *Arena) Count() int    { return a.count }
func (a *Arena) SlotSize() int { return a.slot }

// Bytes returns the whole arena.
func (a *Arena) Bytes() []byte { return a.buf }

// Free drops the backing store.
func (a *Arena) Free() { a.buf = nil }
