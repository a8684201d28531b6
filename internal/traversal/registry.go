// Package traversal implements the NAT Traversal Engine: the overlay-side
// firewall warmup (mode 1) and the Internet STUN-authenticated ping-pong
// between two public endpoints (mode 2).
package traversal

import (
	"sync"
)

// Packet is one datagram delivered to a registered session by the shared
// per-family listener.
type Packet struct {
	Data []byte
	From string
}

// Registry is the active_inet_traversal map (spec §3, §5): keyed by
// session id, written only by the rendezvous task that owns the session,
// read by the shared listener on every inbound datagram.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]chan Packet
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]chan Packet)}
}

// Register creates the inbound channel for sessionID. The caller must call
// the returned unregister func exactly once, on task exit (spec invariant
// #2: for every key in active_inet_traversal there exists exactly one live
// task that will eventually remove it).
func (r *Registry) Register(sessionID uint64) (<-chan Packet, func()) {
	ch := make(chan Packet, 8)
	r.mu.Lock()
	r.sessions[sessionID] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		close(ch)
	}
}

// Dispatch delivers pkt to the session registered under sessionID, if any.
// It returns whether a session was found. Delivery is best-effort and never
// blocks: a full channel drops the packet rather than stalling the shared
// listener.
func (r *Registry) Dispatch(sessionID uint64, pkt Packet) bool {
	r.mu.RLock()
	ch, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- pkt:
	default:
	}
	return true
}
