package conga

import "sync"

// Hub is the process-wide table of conga_id -> Ring. It is the only
// concurrency-sensitive state owned by the acceptor: lookups and inserts
// take the hub's mutex only for the duration of the map access, never
// across a ring operation. Rings are never removed, matching the open
// question in spec §9 ("whether empty Congas should be garbage-collected;
// source leaves them resident") resolved in favor of the source's behavior.
type Hub struct {
	mu    sync.Mutex
	rings map[int64]*Ring
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{rings: make(map[int64]*Ring)}
}

// RingFor returns the Ring for congaID, creating it lazily on first use.
func (h *Hub) RingFor(congaID int64) *Ring {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rings[congaID]
	if !ok {
		r = NewRing()
		h.rings[congaID] = r
	}
	return r
}

// Len returns the number of congas the hub has ever created a ring for.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rings)
}
