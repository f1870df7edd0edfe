package sync

import (
	"context"
	"sync"
)

// Tracker manages one poller per active user session with an explicit
// start/stop lifecycle. Starting an already-tracked user is a no-op, so
// a session can never have two in-flight polls.
type Tracker struct {
	service *Service
	opts    []PollerOption

	mu      sync.Mutex
	pollers map[string]*Poller
}

// NewTracker creates a poller registry. opts apply to every poller it
// starts.
func NewTracker(service *Service, opts ...PollerOption) *Tracker {
	return &Tracker{
		service: service,
		opts:    opts,
		pollers: make(map[string]*Poller),
	}
}

// Start begins polling for a user session.
func (t *Tracker) Start(ctx context.Context, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pollers[userID]; ok {
		return
	}
	p := NewPoller(userID, t.service, t.opts...)
	t.pollers[userID] = p
	p.Start(ctx)
}

// Stop cancels a user session's poller.
func (t *Tracker) Stop(userID string) {
	t.mu.Lock()
	p, ok := t.pollers[userID]
	delete(t.pollers, userID)
	t.mu.Unlock()

	if ok {
		p.Stop()
	}
}

// SetActive forwards the activity hint to a user's poller.
func (t *Tracker) SetActive(userID string, active bool) {
	t.mu.Lock()
	p, ok := t.pollers[userID]
	t.mu.Unlock()

	if ok {
		p.SetActive(active)
	}
}

// State reports a user's poller state and whether one is tracked.
func (t *Tracker) State(userID string) (State, bool) {
	t.mu.Lock()
	p, ok := t.pollers[userID]
	t.mu.Unlock()

	if !ok {
		return StateIdle, false
	}
	return p.State(), true
}

// StopAll cancels every tracked poller. Used at shutdown.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	pollers := make([]*Poller, 0, len(t.pollers))
	for _, p := range t.pollers {
		pollers = append(pollers, p)
	}
	t.pollers = make(map[string]*Poller)
	t.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}
}
