package network

import (
	"errors"
	"fmt"
	"sync"

	"lanxfer/models"
)

// ErrTransferNotFound indicates an unknown transfer id.
var ErrTransferNotFound = errors.New("network: transfer not found")

// StatusObserver receives status snapshots in revision order per transfer.
type StatusObserver func(models.Transfer)

// Registry tracks live and finished sessions by id and fans status changes
// out to observers on a single dispatch goroutine. Observers may call back
// into the registry or a session.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	order     []string
	published map[string]uint64

	observerMu sync.RWMutex
	observers  []StatusObserver

	queueMu sync.Mutex
	queue   []models.Transfer
	wake    chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	dispatch  sync.WaitGroup
}

// NewRegistry creates a registry and starts its dispatcher. Close releases it.
func NewRegistry() *Registry {
	r := &Registry{
		sessions:  make(map[string]*Session),
		published: make(map[string]uint64),
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	r.dispatch.Add(1)
	go r.dispatchLoop()
	return r
}

// Add registers a session and starts its background I/O.
func (r *Registry) Add(session *Session) error {
	if session == nil {
		return errors.New("network: nil session")
	}

	r.mu.Lock()
	if _, exists := r.sessions[session.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("network: duplicate transfer id %q", session.ID())
	}
	r.sessions[session.ID()] = session
	r.order = append(r.order, session.ID())
	r.mu.Unlock()

	r.publish(session.Snapshot())
	session.start(r.publish)
	return nil
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[id]
	return session, ok
}

// Snapshot returns the current status of one transfer.
func (r *Registry) Snapshot(id string) (models.Transfer, error) {
	session, ok := r.Get(id)
	if !ok {
		return models.Transfer{}, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	return session.Snapshot(), nil
}

// List returns status snapshots in registration order.
func (r *Registry) List() []models.Transfer {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		sessions = append(sessions, r.sessions[id])
	}
	r.mu.RUnlock()

	out := make([]models.Transfer, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, session.Snapshot())
	}
	return out
}

// Len returns the number of tracked transfers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove forgets a terminal transfer. Live transfers must be cancelled first.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	if state := session.State(); !state.Terminal() {
		return fmt.Errorf("%w: cannot remove transfer in %s", ErrInvalidState, state)
	}

	delete(r.sessions, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.queueMu.Lock()
	delete(r.published, id)
	r.queueMu.Unlock()
	return nil
}

// CancelAll cancels every non-terminal session.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.RUnlock()

	for _, session := range sessions {
		if !session.State().Terminal() {
			_ = session.Cancel()
		}
	}
}

// OnStatusChanged registers an observer for every status change.
func (r *Registry) OnStatusChanged(fn StatusObserver) {
	if fn == nil {
		return
	}
	r.observerMu.Lock()
	r.observers = append(r.observers, fn)
	r.observerMu.Unlock()
}

// Close stops the dispatcher after delivering queued snapshots.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.dispatch.Wait()
	})
}

// publish queues a snapshot unless a newer one for the same transfer was already queued.
func (r *Registry) publish(snapshot models.Transfer) {
	r.queueMu.Lock()
	if last, ok := r.published[snapshot.ID]; ok && snapshot.Revision <= last {
		r.queueMu.Unlock()
		return
	}
	r.published[snapshot.ID] = snapshot.Revision
	r.queue = append(r.queue, snapshot)
	r.queueMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) dispatchLoop() {
	defer r.dispatch.Done()

	for {
		select {
		case <-r.wake:
			r.drain()
		case <-r.closed:
			r.drain()
			return
		}
	}
}

func (r *Registry) drain() {
	for {
		r.queueMu.Lock()
		batch := r.queue
		r.queue = nil
		r.queueMu.Unlock()
		if len(batch) == 0 {
			return
		}

		r.observerMu.RLock()
		observers := append([]StatusObserver(nil), r.observers...)
		r.observerMu.RUnlock()

		for _, snapshot := range batch {
			for _, observer := range observers {
				observer(snapshot)
			}
		}
	}
}
