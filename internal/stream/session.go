// Package stream owns the link between the upstream trade feed and the
// local per-category channels.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tradebridge/tradebridge/internal/envelope"
	"github.com/tradebridge/tradebridge/internal/router"
	"github.com/tradebridge/tradebridge/internal/transport"
	"github.com/tradebridge/tradebridge/internal/upstream"
)

var (
	ErrNotConnected     = errors.New("stream: session is not connected")
	ErrAlreadyConnected = errors.New("stream: session already connected")
)

// State is the session lifecycle. Disconnected is terminal.
type State int

const (
	Unconnected State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session connects a feed, binds one publisher per category and routes
// the account's trade updates onto them.
type Session struct {
	feed   upstream.Feed
	binder transport.Binder

	mu          sync.Mutex
	state       State
	accountID   string
	connectedAt time.Time
	publishers  map[envelope.Category]transport.Publisher
	router      *router.Router
}

// New creates an unconnected session.
func New(feed upstream.Feed, binder transport.Binder) *Session {
	return &Session{feed: feed, binder: binder}
}

// Connect establishes the upstream connection and starts routing. A failed
// connect leaves nothing bound and the session Unconnected.
func (s *Session) Connect(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Connected:
		return ErrAlreadyConnected
	case Disconnected:
		return fmt.Errorf("%w: session was disconnected", ErrAlreadyConnected)
	}

	if err := s.feed.Connect(ctx); err != nil {
		var ce *upstream.ConnectionError
		if !errors.As(err, &ce) {
			err = &upstream.ConnectionError{Endpoint: "feed", Err: err}
		}
		return err
	}

	pubs, err := s.bindAll()
	if err != nil {
		if derr := s.feed.Disconnect(); derr != nil {
			log.Printf("stream: disconnect after bind failure: %v", derr)
		}
		return err
	}

	r := router.New(pubs)
	if _, err := s.feed.Subscribe(ctx, upstream.TradeSubscription(accountID), r.Listener()); err != nil {
		r.Stop()
		closePublishers(pubs)
		if derr := s.feed.Disconnect(); derr != nil {
			log.Printf("stream: disconnect after subscribe failure: %v", derr)
		}
		return fmt.Errorf("subscribe TRADE:%s: %w", accountID, err)
	}

	s.publishers = pubs
	s.router = r
	s.accountID = accountID
	s.connectedAt = time.Now()
	s.state = Connected
	log.Printf("stream: connected, routing trade events for %s", accountID)
	return nil
}

func (s *Session) bindAll() (map[envelope.Category]transport.Publisher, error) {
	pubs := make(map[envelope.Category]transport.Publisher, 3)
	for _, c := range envelope.Categories() {
		p, err := s.binder.Bind(c.ChannelName())
		if err != nil {
			closePublishers(pubs)
			return nil, fmt.Errorf("bind %s: %w", c.ChannelName(), err)
		}
		pubs[c] = p
	}
	return pubs, nil
}

// closePublishers closes every publisher even when some fail.
func closePublishers(pubs map[envelope.Category]transport.Publisher) error {
	var errs []error
	for _, c := range envelope.Categories() {
		p, ok := pubs[c]
		if !ok {
			continue
		}
		if err := p.Close(); err != nil {
			log.Printf("stream: close %s publisher: %v", c, err)
			errs = append(errs, fmt.Errorf("close %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Disconnect tears the session down: routing stops, the publishers close,
// every feed subscription is removed and the feed disconnects. Each step
// runs even if an earlier one failed; the failures are returned joined.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return ErrNotConnected
	}
	s.state = Disconnected

	s.router.Stop()

	var errs []error
	if err := closePublishers(s.publishers); err != nil {
		errs = append(errs, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, key := range s.feed.Subscriptions() {
		if err := s.feed.Unsubscribe(ctx, key); err != nil {
			log.Printf("stream: unsubscribe %s: %v", key, err)
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", key, err))
		}
	}

	if err := s.feed.Disconnect(); err != nil {
		log.Printf("stream: feed disconnect: %v", err)
		errs = append(errs, fmt.Errorf("feed disconnect: %w", err))
	}

	log.Printf("stream: disconnected %s", s.accountID)
	return errors.Join(errs...)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) AccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

// ConnectedAt is the zero time until Connect succeeds.
func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// Router returns the active router, or nil before Connect.
func (s *Session) Router() *router.Router {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.router
}
