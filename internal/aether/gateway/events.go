package gateway

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one asynchronous frame pushed by the gateway.
type Event struct {
	Name     string          `json:"event"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Seq      int64           `json:"seq,omitempty"`
	HasSeq   bool            `json:"-"`
	Received time.Time       `json:"received_at"`
}

// StateChange is delivered to subscribers whenever the connection state
// moves. Err carries the cause for Reconnecting and Disconnected.
type StateChange struct {
	State   State
	Err     error
	Session *Session
	At      time.Time
}

// eventQueue is a bounded FIFO that discards its oldest element when full,
// so the read loop never blocks on slow consumers.
type eventQueue struct {
	mu      sync.Mutex
	items   []Event
	limit   int
	dropped int64
	notify  chan struct{}
}

func newEventQueue(limit int) *eventQueue {
	return &eventQueue{
		limit:  limit,
		items:  make([]Event, 0, limit),
		notify: make(chan struct{}, 1),
	}
}

// push appends ev and reports whether an older event was discarded.
func (q *eventQueue) push(ev Event) bool {
	q.mu.Lock()
	dropped := false
	if len(q.items) >= q.limit {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (q *eventQueue) drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := make([]Event, len(q.items))
	copy(out, q.items)
	q.items = q.items[:0]
	return out
}

func (q *eventQueue) droppedCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Subscription receives events and state changes from one Client until
// Close is called or the client is closed.
type Subscription struct {
	c      *Client
	events chan Event
	states chan StateChange
	closed bool
}

// Events delivers gateway events in receive order. Events are discarded for
// this subscription when its buffer is full.
func (s *Subscription) Events() <-chan Event { return s.events }

// States delivers connection state changes.
func (s *Subscription) States() <-chan StateChange { return s.states }

// Close detaches the subscription and closes both channels.
func (s *Subscription) Close() {
	s.c.subsMu.Lock()
	defer s.c.subsMu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.c.subs, s)
	close(s.events)
	close(s.states)
}

// Subscribe registers a listener. buffer sizes the events channel; values
// below 1 select 64.
func (c *Client) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 64
	}
	s := &Subscription{
		c:      c,
		events: make(chan Event, buffer),
		states: make(chan StateChange, 16),
	}
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.subsClosed {
		s.closed = true
		close(s.events)
		close(s.states)
		return s
	}
	c.subs[s] = struct{}{}
	return s
}

func (c *Client) fanoutEvent(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for s := range c.subs {
		select {
		case s.events <- ev:
		default:
			c.obs.EventDropped()
		}
	}
}

func (c *Client) fanoutState(sc StateChange) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for s := range c.subs {
		select {
		case s.states <- sc:
		default:
		}
	}
}

func (c *Client) closeSubscriptions() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subsClosed = true
	for s := range c.subs {
		s.closeLocked()
	}
}

// dispatch drains the event queue and fans events out in order.
func (c *Client) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.events.notify:
			for _, ev := range c.events.drain() {
				c.fanoutEvent(ev)
			}
		}
	}
}
