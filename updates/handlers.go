package updates

import (
	"reflect"
	"runtime"
	"sync"
)

// Registration is one (matcher, callback) pair as returned by
// ListEventHandlers, in registration order.
type Registration struct {
	Builder EventBuilder
	Handler Handler
}

type registration struct {
	builder EventBuilder
	handler Handler

	// fn is the handler's code pointer, used for identity matching in
	// RemoveEventHandler. name is kept for log context.
	fn   uintptr
	name string
}

// handlerRegistry holds the ordered handler registrations and the queue
// of matchers awaiting one-time resolution.
type handlerRegistry struct {
	mu      sync.RWMutex
	regs    []registration
	pending []EventBuilder
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{}
}

// AddEventHandler registers a callback for the events produced by the
// given matcher. A nil matcher defaults to the catch-all Raw matcher.
// The same callback may be registered any number of times, including
// for the same matcher type; dispatch order is registration order.
func (c *Client) AddEventHandler(h Handler, builder EventBuilder) {
	if builder == nil {
		builder = &Raw{}
	}
	c.registry.add(h, builder)
}

// RemoveEventHandler removes every registration whose callback matches
// h and whose matcher has the same dynamic type as builder; a nil
// builder removes the callback for all matcher types. Returns the
// number of registrations removed. The order of the remaining
// registrations is preserved.
//
// Callback identity is the function's code pointer, so distinct
// closures created from the same function literal compare equal and
// are removed together, regardless of what they capture.
func (c *Client) RemoveEventHandler(h Handler, builder EventBuilder) int {
	return c.registry.remove(h, builder)
}

// ListEventHandlers returns all registrations in registration order.
func (c *Client) ListEventHandlers() []Registration {
	return c.registry.list()
}

func (r *handlerRegistry) add(h Handler, builder EventBuilder) {
	fn := reflect.ValueOf(h).Pointer()

	name := "handler"
	if f := runtime.FuncForPC(fn); f != nil {
		name = f.Name()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = append(r.pending, builder)
	r.regs = append(r.regs, registration{
		builder: builder,
		handler: h,
		fn:      fn,
		name:    name,
	})
}

func (r *handlerRegistry) remove(h Handler, builder EventBuilder) int {
	fn := reflect.ValueOf(h).Pointer()

	var want reflect.Type
	if builder != nil {
		want = reflect.TypeOf(builder)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	kept := r.regs[:0]
	for _, reg := range r.regs {
		if reg.fn == fn && (want == nil || reflect.TypeOf(reg.builder) == want) {
			removed++
			continue
		}
		kept = append(kept, reg)
	}
	r.regs = kept

	return removed
}

func (r *handlerRegistry) list() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, len(r.regs))
	for i, reg := range r.regs {
		out[i] = Registration{Builder: reg.builder, Handler: reg.handler}
	}

	return out
}

// snapshot returns the registrations current at dispatch start. Later
// additions or removals do not affect an in-flight dispatch.
func (r *handlerRegistry) snapshot() []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]registration, len(r.regs))
	copy(out, r.regs)

	return out
}

func (r *handlerRegistry) hasPending() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.pending) > 0
}

// pendingSnapshot returns the matchers queued for resolution without
// clearing the queue. The queue stays populated while the resolution
// pass runs so concurrent dispatches keep blocking on the barrier; it
// is cleared only after the pass completes, via clearPending.
func (r *handlerRegistry) pendingSnapshot() []EventBuilder {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]EventBuilder, len(r.pending))
	copy(out, r.pending)

	return out
}

// clearPending removes the first n queue entries once their resolution
// pass has completed. Matchers queued during the pass stay for the
// next one.
func (r *handlerRegistry) clearPending(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = r.pending[n:]
}
