package memhttpd

// handle addresses a connection slot. The generation changes every time a slot is
// reused, so a handle to a removed connection never resolves to its successor.
type handle struct {
	slot uint32
	gen  uint32
}

type connSlot struct {
	conn *Conn
	gen  uint32
}

// registry is a slab of live connections with O(1) add and remove.
type registry struct {
	slots []connSlot
	free  []uint32
	live  int
}

func (r *registry) add(c *Conn) handle {
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, connSlot{})
		idx = uint32(len(r.slots) - 1)
	}
	s := &r.slots[idx]
	s.gen++
	s.conn = c
	r.live++

	h := handle{slot: idx, gen: s.gen}
	c.handle = h
	return h
}

func (r *registry) get(h handle) (*Conn, bool) {
	if int(h.slot) >= len(r.slots) {
		return nil, false
	}
	s := &r.slots[h.slot]
	if s.gen != h.gen || s.conn == nil {
		return nil, false
	}
	return s.conn, true
}

func (r *registry) remove(h handle) (*Conn, bool) {
	c, ok := r.get(h)
	if !ok {
		return nil, false
	}
	r.slots[h.slot].conn = nil
	r.free = append(r.free, h.slot)
	r.live--
	return c, true
}

func (r *registry) len() int { return r.live }

// each visits live connections in slot order. fn must not add or remove.
func (r *registry) each(fn func(h handle, c *Conn)) {
	for i := range r.slots {
		s := &r.slots[i]
		if s.conn == nil {
			continue
		}
		fn(handle{slot: uint32(i), gen: s.gen}, s.conn)
	}
}
