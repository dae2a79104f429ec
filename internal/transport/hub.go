package transport

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultBacklogWarning is the per-subscriber backlog at which a Hub logs
// that a subscriber is falling behind.
const DefaultBacklogWarning = 1024

// Hub is the in-process transport. It implements Binder and Connector.
type Hub struct {
	mu             sync.RWMutex
	topics         map[string]*topic
	backlogWarning int
}

type topic struct {
	name      string
	pub       *publisher // nil when unbound
	subs      map[*subscriber]struct{}
	published atomic.Uint64
}

// NewHub creates a hub. Subscriber backlogs are unbounded; a subscriber
// that falls backlogWarning messages behind is logged once per episode. A
// non-positive value selects DefaultBacklogWarning.
func NewHub(backlogWarning int) *Hub {
	if backlogWarning <= 0 {
		backlogWarning = DefaultBacklogWarning
	}
	return &Hub{
		topics:         make(map[string]*topic),
		backlogWarning: backlogWarning,
	}
}

// topicLocked returns the topic for name, creating it. Caller must hold h.mu.
func (h *Hub) topicLocked(name string) *topic {
	t, ok := h.topics[name]
	if !ok {
		t = &topic{name: name, subs: make(map[*subscriber]struct{})}
		h.topics[name] = t
	}
	return t
}

// pruneLocked drops a topic nobody references. Caller must hold h.mu.
func (h *Hub) pruneLocked(t *topic) {
	if t.pub == nil && len(t.subs) == 0 {
		delete(h.topics, t.name)
	}
}

// Bind creates the publisher for name. Only one live publisher may exist per
// name; once it is closed the name can be bound again.
func (h *Hub) Bind(name string) (Publisher, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topicLocked(name)
	if t.pub != nil {
		return nil, fmt.Errorf("bind %s: %w", name, ErrDuplicateBinding)
	}
	p := &publisher{hub: h, topic: t}
	t.pub = p
	return p, nil
}

// Connect creates a subscriber for name. The name does not need a bound
// publisher yet; messages flow once one binds.
func (h *Hub) Connect(name string) (Subscriber, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	s := &subscriber{
		hub:  h,
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.topicLocked(name).subs[s] = struct{}{}
	h.mu.Unlock()
	return s, nil
}

// Bound reports whether name currently has a publisher.
func (h *Hub) Bound(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.topics[name]
	return ok && t.pub != nil
}

// SubscriberCount returns the number of subscribers connected to name.
func (h *Hub) SubscriberCount(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t, ok := h.topics[name]; ok {
		return len(t.subs)
	}
	return 0
}

// ChannelStats is a point-in-time view of one named channel.
type ChannelStats struct {
	Name        string `json:"name"`
	Bound       bool   `json:"bound"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	// Backlog is the number of messages waiting across all subscribers.
	Backlog int `json:"backlog"`
}

// Stats returns a snapshot of every known channel, sorted by name.
func (h *Hub) Stats() []ChannelStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ChannelStats, 0, len(h.topics))
	for _, t := range h.topics {
		backlog := 0
		for s := range t.subs {
			backlog += s.backlog()
		}
		out = append(out, ChannelStats{
			Name:        t.name,
			Bound:       t.pub != nil,
			Subscribers: len(t.subs),
			Published:   t.published.Load(),
			Backlog:     backlog,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type publisher struct {
	hub    *Hub
	topic  *topic
	mu     sync.Mutex // serializes Publish so every subscriber sees publish order
	closed bool
}

func (p *publisher) Name() string { return p.topic.name }

func (p *publisher) Publish(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("publish %s: %w", p.topic.name, ErrClosed)
	}

	p.hub.mu.RLock()
	subs := make([]*subscriber, 0, len(p.topic.subs))
	for s := range p.topic.subs {
		subs = append(subs, s)
	}
	p.hub.mu.RUnlock()

	p.topic.published.Add(1)
	for _, s := range subs {
		cp := make([]byte, len(msg))
		copy(cp, msg)
		if n := s.deliver(cp); n == p.hub.backlogWarning {
			log.Printf("transport: subscriber on %s is %d messages behind", p.topic.name, n)
		}
	}
	return nil
}

func (p *publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	p.hub.mu.Lock()
	if p.topic.pub == p {
		p.topic.pub = nil
	}
	p.hub.pruneLocked(p.topic)
	p.hub.mu.Unlock()
	return nil
}

type subscriber struct {
	hub  *Hub
	name string

	mu      sync.Mutex
	pending [][]byte
	wake    chan struct{} // 1-slot, signalled when pending grows

	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscriber) Name() string { return s.name }

// deliver appends msg to the backlog without blocking and returns the
// backlog length. Messages for a closed subscriber are discarded.
func (s *subscriber) deliver(msg []byte) int {
	select {
	case <-s.done:
		return 0
	default:
	}
	s.mu.Lock()
	s.pending = append(s.pending, msg)
	n := len(s.pending)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return n
}

func (s *subscriber) backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *subscriber) Recv(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-s.done:
			return nil, ErrClosed
		default:
		}
		s.mu.Lock()
		if len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return msg, nil
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *subscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.mu.Lock()
		if t, ok := s.hub.topics[s.name]; ok {
			delete(t.subs, s)
			s.hub.pruneLocked(t)
		}
		s.hub.mu.Unlock()
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	})
	return nil
}
