package client

import (
	"sync"

	"github.com/mossy-p/p2p-call-signaling/internal/models"
)

type route struct {
	id    uint64
	event models.Event
	fn    func(models.Envelope)
}

// Router is an explicit subscription list for inbound envelopes. Each
// subscriber owns the cancel function it was given.
type Router struct {
	mu     sync.Mutex
	nextID uint64
	routes []route
}

// Subscribe registers fn for event. Calling cancel more than once is safe.
func (r *Router) Subscribe(event models.Event, fn func(models.Envelope)) (cancel func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.routes = append(r.routes, route{id: id, event: event, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Router) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rt := range r.routes {
		if rt.id == id {
			r.routes = append(r.routes[:i], r.routes[i+1:]...)
			return
		}
	}
}

// Dispatch calls every handler subscribed to env.Event in subscription
// order and returns how many ran.
func (r *Router) Dispatch(env models.Envelope) int {
	r.mu.Lock()
	var fns []func(models.Envelope)
	for _, rt := range r.routes {
		if rt.event == env.Event {
			fns = append(fns, rt.fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(env)
	}
	return len(fns)
}

func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}
