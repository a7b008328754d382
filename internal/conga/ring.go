// Package conga maintains the ordered ring of participants that belong to a
// single conga_id, and the loop-termination bookkeeping for messages
// circulating around it.
package conga

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
	"sort"
	"strings"
	"sync"
)

// Member is the minimal view of a participant the ring needs: a stable
// numeric identity, and a settable next-hop pointer. Keeping this as an
// interface (rather than depending on the concrete participant type) avoids
// a conga <-> participant import cycle, and matches Design Note §9's
// "weak next-hop reference" — ownership of Members lives with whoever
// constructed them, not with the ring.
type Member interface {
	ID() int64
	SetNext(next Member)
}

// JoinError is returned by Ring.Join when the member_id is already present.
type JoinError struct {
	MemberID int64
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("conga: duplicate member id %d", e.MemberID)
}

// LeaveError is returned by Ring.Leave when the member_id is not present.
type LeaveError struct {
	MemberID int64
}

func (e *LeaveError) Error() string {
	return fmt.Sprintf("conga: member id %d not in ring", e.MemberID)
}

type entry struct {
	id     int64
	member Member
}

// Ring is an ordered set of Members sharing one conga_id, plus the
// in-flight message table used for loop termination. The zero value is not
// usable; construct with NewRing.
type Ring struct {
	mu sync.Mutex

	members     []entry
	outstanding map[string]int64

	rand *mathrand.Rand
}

// NewRing returns an empty ring, ready for its first Join.
func NewRing() *Ring {
	return &Ring{
		outstanding: make(map[string]int64),
		rand:        mathrand.New(mathrand.NewSource(randSeed())),
	}
}

// randSeed draws a seed from crypto/rand so that message ids don't repeat
// across relay restarts in a predictable sequence.
func randSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}
	return int64(binary.LittleEndian.Uint64(buf[:]))
}

// Join places m into the ring at the position dictated by its member_id
// (participants array stays sorted strictly ascending), and relinks its
// immediate neighbors so that the ring invariant holds. See spec §4.3.
func (r *Ring) Join(m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := m.ID()
	n := len(r.members)

	if n == 0 {
		r.members = append(r.members, entry{id: id, member: m})
		m.SetNext(m)
		return nil
	}

	i := sort.Search(n, func(i int) bool { return r.members[i].id > id })

	if i < n && r.members[i].id == id {
		return &JoinError{MemberID: id}
	}
	if i > 0 && r.members[i-1].id == id {
		return &JoinError{MemberID: id}
	}

	prev := r.members[(i-1+n)%n].member
	next := r.members[i%n].member

	r.members = append(r.members, entry{})
	copy(r.members[i+1:], r.members[i:])
	r.members[i] = entry{id: id, member: m}

	prev.SetNext(m)
	m.SetNext(next)
	return nil
}

// Leave removes the member with the given id from the ring, relinking its
// former neighbors to each other. See spec §4.3.
func (r *Ring) Leave(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.members)
	if n == 0 {
		return &LeaveError{MemberID: id}
	}
	if n == 1 {
		if r.members[0].id != id {
			return &LeaveError{MemberID: id}
		}
		r.members = r.members[:0]
		return nil
	}

	i := sort.Search(n, func(i int) bool { return r.members[i].id >= id })
	if i >= n || r.members[i].id != id {
		return &LeaveError{MemberID: id}
	}

	prev := r.members[(i-1+n)%n].member
	next := r.members[(i+1)%n].member
	prev.SetNext(next)

	r.members = append(r.members[:i], r.members[i+1:]...)
	return nil
}

// NewMessage allocates a fresh 10-character decimal message id for a
// message originated by originatorID, retrying on the (astronomically
// unlikely) chance of a collision with another in-flight message.
func (r *Ring) NewMessage(originatorID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		n := r.rand.Int63n(1<<32) + 1 // uniform over [1, 2^32]
		id := fmt.Sprintf("%010d", n)
		if _, exists := r.outstanding[id]; !exists {
			r.outstanding[id] = originatorID
			return id
		}
	}
}

// StopLoop reports whether a message should stop circulating: true if its
// id is unknown, if it has returned to its originator (nextHopID ==
// originator), or if its originator has since left the ring. It always
// trims messageID first, since MSG frames may carry whitespace-padded ids.
func (r *Ring) StopLoop(messageID string, nextHopID int64) bool {
	id := strings.TrimSpace(messageID)

	r.mu.Lock()
	defer r.mu.Unlock()

	originator, ok := r.outstanding[id]
	if !ok {
		return true
	}
	if originator == nextHopID {
		delete(r.outstanding, id)
		return true
	}
	if !r.hasMemberLocked(originator) {
		delete(r.outstanding, id)
		return true
	}
	return false
}

func (r *Ring) hasMemberLocked(id int64) bool {
	n := len(r.members)
	i := sort.Search(n, func(i int) bool { return r.members[i].id >= id })
	return i < n && r.members[i].id == id
}

// Len returns the current member count.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// MemberIDs returns a snapshot of the member ids, in ring order. Intended
// for tests and diagnostics.
func (r *Ring) MemberIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, len(r.members))
	for i, e := range r.members {
		ids[i] = e.id
	}
	return ids
}

// OutstandingCount returns the number of in-flight messages. Intended for
// tests and diagnostics.
func (r *Ring) OutstandingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outstanding)
}
