package amqpx

import "sync"

// recoverable is implemented by LogicalChannel. The registry only depends on
// this narrow interface so it can be unit tested without a real transport.
type recoverable interface {
	id() uint64
	reattach(tr transport) error
}

// channelRegistry tracks every LogicalChannel opened on a Connection so the
// supervisor can re-attach all of them, in the order they were opened, once
// a new transport is available. Registration/unregistration happen from
// application goroutines (Connection.Channel / LogicalChannel.Close);
// the supervisor goroutine reads snapshot() during recovery.
type channelRegistry struct {
	mu    sync.Mutex
	order []uint64
	byID  map[uint64]recoverable
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{byID: make(map[uint64]recoverable)}
}

func (r *channelRegistry) register(c recoverable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[c.id()]; !exists {
		r.order = append(r.order, c.id())
	}
	r.byID[c.id()] = c
}

func (r *channelRegistry) unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *channelRegistry) lookup(id uint64) (recoverable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	return c, ok
}

// snapshot returns every registered channel in registration order, safe to
// range over without holding the registry lock.
func (r *channelRegistry) snapshot() []recoverable {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recoverable, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// first returns the first-registered channel, used by the replayer as the
// administrative channel for declaring connection-scoped exchanges/queues/
// bindings that are not tied to any single consumer's channel.
func (r *channelRegistry) first() (recoverable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return nil, false
	}
	return r.byID[r.order[0]], true
}
