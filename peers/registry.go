// Package peers holds the in-memory set of reachable peers.
package peers

import (
	"sync"

	"lanxfer/models"
)

// ChangeType describes what an Upsert did.
type ChangeType string

const (
	ChangeNone    ChangeType = "none"
	ChangeAdded   ChangeType = "added"
	ChangeUpdated ChangeType = "updated"
	ChangeRemoved ChangeType = "removed"
)

// Change is delivered to observers after the registry is mutated.
type Change struct {
	Type     ChangeType
	Peer     models.Peer
	Previous models.Peer
}

// Observer receives registry changes. It runs outside the registry lock.
type Observer func(Change)

// Registry maps a stable discovery key to one peer.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]models.Peer
	order []string

	obsMu     sync.RWMutex
	observers []Observer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]models.Peer),
	}
}

// Subscribe registers an observer for every change type.
func (r *Registry) Subscribe(fn Observer) {
	if fn == nil {
		return
	}
	r.obsMu.Lock()
	r.observers = append(r.observers, fn)
	r.obsMu.Unlock()
}

// OnAdded registers a callback for newly seen peers.
func (r *Registry) OnAdded(fn func(models.Peer)) {
	r.Subscribe(filtered(ChangeAdded, fn))
}

// OnUpdated registers a callback for peers whose announcement changed.
func (r *Registry) OnUpdated(fn func(models.Peer)) {
	r.Subscribe(filtered(ChangeUpdated, fn))
}

// OnRemoved registers a callback for withdrawn or expired peers.
func (r *Registry) OnRemoved(fn func(models.Peer)) {
	r.Subscribe(filtered(ChangeRemoved, fn))
}

// Upsert inserts or updates a peer by key. Re-announcing identical data is a no-op.
// LastSeen is always refreshed.
func (r *Registry) Upsert(peer models.Peer) Change {
	if peer.Key == "" {
		return Change{Type: ChangeNone, Peer: peer}
	}
	peer = peer.Clone()

	r.mu.Lock()
	old, exists := r.peers[peer.Key]
	r.peers[peer.Key] = peer
	var change Change
	switch {
	case !exists:
		r.order = append(r.order, peer.Key)
		change = Change{Type: ChangeAdded, Peer: peer}
	case old.SameAnnouncement(peer):
		change = Change{Type: ChangeNone, Peer: peer, Previous: old}
	default:
		change = Change{Type: ChangeUpdated, Peer: peer, Previous: old}
	}
	r.mu.Unlock()

	r.emit(change)
	return change
}

// Remove deletes a peer by key.
func (r *Registry) Remove(key string) (models.Peer, bool) {
	r.mu.Lock()
	peer, ok := r.peers[key]
	if ok {
		delete(r.peers, key)
		r.dropOrder(key)
	}
	r.mu.Unlock()

	if ok {
		r.emit(Change{Type: ChangeRemoved, Peer: peer})
	}
	return peer, ok
}

// Get returns a copy of the peer for key.
func (r *Registry) Get(key string) (models.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[key]
	return peer.Clone(), ok
}

// List returns peers in first-seen order.
func (r *Registry) List() []models.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Peer, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.peers[key].Clone())
	}
	return out
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) dropOrder(key string) {
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func (r *Registry) emit(change Change) {
	if change.Type == ChangeNone {
		return
	}
	r.obsMu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.obsMu.RUnlock()

	for _, fn := range observers {
		fn(change)
	}
}

func filtered(kind ChangeType, fn func(models.Peer)) Observer {
	if fn == nil {
		return nil
	}
	return func(change Change) {
		if change.Type == kind {
			fn(change.Peer)
		}
	}
}
