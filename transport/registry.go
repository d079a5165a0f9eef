package transport

// registry tracks the free transaction ids and the requests waiting for a response.
// All methods must be called with Engine.mu held.
type registry struct {
	free     []uint8
	inflight map[uint8]*Request
}

func newRegistry(lo, hi uint8) *registry {
	r := &registry{
		free:     make([]uint8, 0, int(hi)-int(lo)+1),
		inflight: make(map[uint8]*Request),
	}
	for id := int(lo); id <= int(hi); id++ {
		r.free = append(r.free, uint8(id))
	}
	return r
}

// allocate pops the oldest free id and binds req to it.
func (r *registry) allocate(req *Request) (uint8, error) {
	if len(r.free) == 0 {
		return 0, ErrExhaustedIdentifiers
	}
	id := r.free[0]
	r.free = r.free[1:]
	r.inflight[id] = req
	return id, nil
}

// release unbinds id and returns it to the back of the free list.
func (r *registry) release(id uint8) (*Request, bool) {
	req, ok := r.inflight[id]
	if !ok {
		return nil, false
	}
	delete(r.inflight, id)
	r.free = append(r.free, id)
	return req, true
}

// drain releases every in-flight id and returns the requests that held them.
func (r *registry) drain() []*Request {
	reqs := make([]*Request, 0, len(r.inflight))
	for id, req := range r.inflight {
		reqs = append(reqs, req)
		delete(r.inflight, id)
		r.free = append(r.free, id)
	}
	return reqs
}

func (r *registry) len() int { return len(r.inflight) }

func (r *registry) available() int { return len(r.free) }
