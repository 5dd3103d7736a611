// Package engine fans decoded link events out to independent consumers.
package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"sensorlink/pkg/protocol"
)

// Hub broadcasts events to every subscriber. A subscriber that falls behind
// misses events rather than slowing the others down.
//
// Subscribers are tracked under a mutex so Subscribe and Unsubscribe never
// depend on the dispatcher being alive. Once Run has returned, the hub is
// closed: every subscriber channel is closed and new subscriptions get an
// already-closed channel.
type Hub struct {
	events    chan protocol.Event
	clientBuf int
	dropped   atomic.Uint64

	mu     sync.Mutex
	subs   map[chan protocol.Event]struct{}
	closed bool
	done   chan struct{}
}

type Option func(*Hub)

// WithBroadcastBuffer sizes the queue between publishers and the dispatcher.
func WithBroadcastBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.events = make(chan protocol.Event, size)
		}
	}
}

// WithClientBuffer sets the default per-subscriber buffer.
func WithClientBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		events:    make(chan protocol.Event, 256),
		clientBuf: 100,
		subs:      make(map[chan protocol.Event]struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run dispatches until ctx is done, then closes the hub.
func (h *Hub) Run(ctx context.Context) {
	defer h.close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) dispatch(ev protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
	close(h.done)
}

func (h *Hub) Subscribe() chan protocol.Event {
	return h.SubscribeWithBuffer(h.clientBuf)
}

// SubscribeWithBuffer registers a channel of the given size. After the hub
// has closed the returned channel is already closed.
func (h *Hub) SubscribeWithBuffer(size int) chan protocol.Event {
	if size <= 0 {
		size = h.clientBuf
	}
	ch := make(chan protocol.Event, size)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (h *Hub) Unsubscribe(ch chan protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// Publish blocks until the dispatcher accepts ev or the hub closes.
func (h *Hub) Publish(ev protocol.Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// TryPublish hands ev to the dispatcher without blocking. It reports false
// and counts a drop when the queue is full or the hub has closed. The link
// receive handler uses it so a stalled hub never stalls decoding.
func (h *Hub) TryPublish(ev protocol.Event) bool {
	select {
	case <-h.done:
		h.dropped.Add(1)
		return false
	default:
	}
	select {
	case h.events <- ev:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// Dropped counts events lost to full buffers, both at publish and per
// subscriber.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
