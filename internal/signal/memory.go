package signal

import (
	"context"
	"fmt"
	"sync"

	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
)

// Compile-time interface check.
var _ Transport = (*MemoryEndpoint)(nil)

// MemoryHub is an in-process relay. Endpoints attached to the same hub
// exchange envelopes without any network, in per-endpoint FIFO order.
type MemoryHub struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryEndpoint
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{endpoints: make(map[string]*MemoryEndpoint)}
}

// Endpoint registers name on the hub and starts its delivery goroutine.
func (h *MemoryHub) Endpoint(name string) *MemoryEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ep, ok := h.endpoints[name]; ok {
		return ep
	}
	ep := &MemoryEndpoint{
		hub:   h,
		inbox: make(chan *protocol.Envelope, 4096),
		name:  name,
		done:  make(chan struct{}),
	}
	h.endpoints[name] = ep
	go ep.deliver()
	return ep
}

func (h *MemoryHub) route(env *protocol.Envelope) error {
	h.mu.Lock()
	ep, ok := h.endpoints[env.To]
	from := h.endpoints[env.From]
	h.mu.Unlock()

	if !ok {
		if from != nil {
			from.push(&protocol.Envelope{
				Error: fmt.Sprintf("unknown recipient %q", env.To),
				From:  env.To,
				ID:    env.ID,
				To:    env.From,
				Type:  protocol.MsgError,
			})
		}
		return nil
	}
	ep.push(env)
	return nil
}

func (h *MemoryHub) remove(name string) {
	h.mu.Lock()
	delete(h.endpoints, name)
	h.mu.Unlock()
}

// MemoryEndpoint is one named Transport attached to a MemoryHub.
type MemoryEndpoint struct {
	hub   *MemoryHub
	inbox chan *protocol.Envelope
	name  string

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	hooks  Hooks
	sent   int
}

func (e *MemoryEndpoint) SetHooks(h Hooks) {
	e.mu.Lock()
	e.hooks = h
	e.mu.Unlock()
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (e *MemoryEndpoint) Send(_ context.Context, env *protocol.Envelope) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.sent++
	e.mu.Unlock()

	cp := *env
	if cp.From == "" {
		cp.From = e.name
	}
	if cp.Via == "" {
		cp.Via = protocol.ViaRelay
	}
	return e.hub.route(&cp)
}

// Sent returns how many envelopes went through this endpoint.
func (e *MemoryEndpoint) Sent() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sent
}

func (e *MemoryEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	onClose := e.hooks.OnClose
	e.mu.Unlock()

	e.hub.remove(e.name)
	close(e.done)
	if onClose != nil {
		onClose(nil)
	}
	return nil
}

func (e *MemoryEndpoint) push(env *protocol.Envelope) {
	select {
	case e.inbox <- env:
	case <-e.done:
	}
}

func (e *MemoryEndpoint) deliver() {
	for {
		select {
		case env := <-e.inbox:
			e.mu.RLock()
			fn := e.hooks.OnMessage
			e.mu.RUnlock()
			if fn != nil {
				fn(env)
			}
		case <-e.done:
			return
		}
	}
}
