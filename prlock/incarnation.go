package prlock

import (
	"sync"

	"github.com/exanodes/exanodes/internal/exatypes"
)

// Decision is the outcome of filtering one incoming message against
// the receiver's membership-incarnation state (spec §4.10, testable
// property 8).
type Decision int

const (
	Accept Decision = iota
	Stale
	Future
)

// IncarnationFilter tracks, per peer, the incarnation this node last
// installed for that peer's membership, and classifies incoming
// messages against it: `msg.to_incarn < local_incarn(from)` is stale
// and dropped; `> ` is from-the-future and must wait; `==` is valid.
type IncarnationFilter struct {
	mu    sync.Mutex
	local map[exatypes.NodeID]uint16
}

func NewIncarnationFilter() *IncarnationFilter {
	return &IncarnationFilter{local: make(map[exatypes.NodeID]uint16)}
}

// SetIncarnation installs the current incarnation for node, as would
// happen when a new membership including node is accepted locally.
func (f *IncarnationFilter) SetIncarnation(node exatypes.NodeID, incarn uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local[node] = incarn
}

// Incarnation reports the last installed incarnation for node.
func (f *IncarnationFilter) Incarnation(node exatypes.NodeID) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local[node]
}

// Admit classifies hdr against the sender's currently installed
// incarnation.
func (f *IncarnationFilter) Admit(hdr Header) Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	local := f.local[exatypes.NodeID(hdr.FromNode)]
	switch {
	case hdr.ToIncarn < local:
		return Stale
	case hdr.ToIncarn > local:
		return Future
	default:
		return Accept
	}
}

// DeferredQueue buffers messages classified Future until the matching
// membership (and thus incarnation) is installed locally (spec §4.10:
// "buffered ... delivered after the matching membership is
// installed").
type DeferredQueue struct {
	mu     sync.Mutex
	byNode map[exatypes.NodeID][]Message
}

func NewDeferredQueue() *DeferredQueue {
	return &DeferredQueue{byNode: make(map[exatypes.NodeID][]Message)}
}

// Defer buffers msg, keyed by its sender.
func (q *DeferredQueue) Defer(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	node := exatypes.NodeID(msg.Header.FromNode)
	q.byNode[node] = append(q.byNode[node], msg)
}

// Drain removes and returns every message buffered for node.
func (q *DeferredQueue) Drain(node exatypes.NodeID) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.byNode[node]
	delete(q.byNode, node)
	return msgs
}

// Router combines the incarnation filter and the deferred queue into
// the single admit-or-buffer step a message dispatcher applies before
// handing a message to the server/client FSM.
type Router struct {
	filter   *IncarnationFilter
	deferred *DeferredQueue
}

func NewRouter() *Router {
	return &Router{filter: NewIncarnationFilter(), deferred: NewDeferredQueue()}
}

// Admit reports whether msg should be delivered now. A Stale message
// is dropped (deliver=false, buffered=false); a Future message is
// buffered for later redelivery (deliver=false, buffered=true).
func (r *Router) Admit(msg Message) (deliver, buffered bool) {
	switch r.filter.Admit(msg.Header) {
	case Accept:
		return true, false
	case Future:
		r.deferred.Defer(msg)
		return false, true
	default: // Stale
		return false, false
	}
}

// InstallMembership installs node's new incarnation and returns every
// message that had been buffered awaiting exactly this incarnation,
// ready for redelivery through Admit.
func (r *Router) InstallMembership(node exatypes.NodeID, incarn uint16) []Message {
	r.filter.SetIncarnation(node, incarn)
	return r.deferred.Drain(node)
}
