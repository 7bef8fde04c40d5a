package discovery

import (
	"fmt"
	"sync"
)

// Hub is an in-memory discovery broker. Every feed attached to the same hub
// observes every advertisement, including its own, like a multicast group on
// one box. It backs local-only mode and the multi-node tests.
type Hub struct {
	mu      sync.Mutex
	members map[string]Record // by handle
	feeds   []*HubFeed
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{members: make(map[string]Record)}
}

// Feed attaches a new feed to the hub.
func (h *Hub) Feed() *HubFeed {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := &HubFeed{hub: h, events: make(chan Event, 64)}
	h.feeds = append(h.feeds, f)
	return f
}

func (h *Hub) publish(op Op, rec Record) {
	h.mu.Lock()
	switch op {
	case Added, Updated:
		h.members[rec.Handle] = rec
	case Removed:
		delete(h.members, rec.Handle)
	}
	feeds := make([]*HubFeed, len(h.feeds))
	copy(feeds, h.feeds)
	h.mu.Unlock()

	for _, f := range feeds {
		f.deliver(Event{Op: op, Record: rec})
	}
}

func (h *Hub) snapshot() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, 0, len(h.members))
	for _, rec := range h.members {
		out = append(out, rec)
	}
	return out
}

func (h *Hub) detach(f *HubFeed) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, other := range h.feeds {
		if other == f {
			h.feeds = append(h.feeds[:i], h.feeds[i+1:]...)
			break
		}
	}
}

// HubFeed is one member's view of the hub.
type HubFeed struct {
	hub    *Hub
	events chan Event

	mu       sync.Mutex
	browsing bool
	closed   bool
	handle   string // last advertised handle, withdrawn on Close
}

// Advertise publishes this member's record to everyone on the hub.
func (f *HubFeed) Advertise(rec Record) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("feed closed")
	}
	f.handle = rec.Handle
	f.mu.Unlock()
	f.hub.publish(Added, rec)
	return nil
}

// Update amends a previously advertised record.
func (f *HubFeed) Update(rec Record) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("feed closed")
	}
	f.handle = rec.Handle
	f.mu.Unlock()
	f.hub.publish(Updated, rec)
	return nil
}

// Browse starts delivering events to h on a dedicated goroutine. Members
// already on the hub are replayed as Added so late joiners catch up.
func (f *HubFeed) Browse(h Handler) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("feed closed")
	}
	if f.browsing {
		f.mu.Unlock()
		return fmt.Errorf("already browsing")
	}
	f.browsing = true
	f.mu.Unlock()

	for _, rec := range f.hub.snapshot() {
		f.deliver(Event{Op: Added, Record: rec})
	}

	go func() {
		for ev := range f.events {
			h(ev)
		}
	}()
	return nil
}

func (f *HubFeed) deliver(ev Event) {
	// The send stays under the lock so Close cannot close the channel between
	// the state check and the send. Non-blocking: a stalled handler drops
	// events rather than wedging the hub.
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || !f.browsing {
		return
	}
	select {
	case f.events <- ev:
	default:
	}
}

// Close withdraws this member's advertisement and stops event delivery.
func (f *HubFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	handle := f.handle
	browsing := f.browsing
	f.mu.Unlock()

	f.hub.detach(f)
	if handle != "" {
		f.hub.publish(Removed, Record{Handle: handle})
	}
	if browsing {
		close(f.events)
	}
	return nil
}
