// Package wsfeed is a websocket client for the trade push server. It
// authenticates with the session tokens, manages subscriptions and hands
// every update to the subscription's listener on the read goroutine.
package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tradebridge/tradebridge/internal/upstream"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	writeTimeout        = 10 * time.Second
)

var (
	// ErrNotConnected is returned when subscribing on a feed that is not
	// connected.
	ErrNotConnected = errors.New("wsfeed: not connected")

	// ErrUnknownSubscription is returned by Unsubscribe for a key the feed
	// does not hold.
	ErrUnknownSubscription = errors.New("wsfeed: unknown subscription")
)

// Options configures a Feed.
type Options struct {
	Endpoint     string
	User         string
	Credentials  upstream.Credentials
	DialTimeout  time.Duration
	PingInterval time.Duration
}

type subscription struct {
	fields   []string
	listener upstream.Listener
}

// Feed implements upstream.Feed over a websocket.
type Feed struct {
	opts Options

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes
	conn    *websocket.Conn
	closing bool
	subs    map[upstream.SubscriptionKey]subscription
	pending map[string]chan Frame
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a disconnected feed.
func New(opts Options) *Feed {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Feed{
		opts:    opts,
		subs:    make(map[upstream.SubscriptionKey]subscription),
		pending: make(map[string]chan Frame),
	}
}

// Connect dials the push server and authenticates. Any failure is returned
// as *upstream.ConnectionError; nothing is retried.
func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.conn != nil {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	conn, err := f.dial(ctx)
	if err != nil {
		return &upstream.ConnectionError{Endpoint: f.opts.Endpoint, Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.conn = conn
	f.closing = false
	f.cancel = cancel
	f.done = make(chan struct{})
	done := f.done
	f.mu.Unlock()

	go f.readLoop(conn, done)
	go f.pingLoop(loopCtx, conn)
	log.Printf("wsfeed: connected to %s", f.opts.Endpoint)
	return nil
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, f.opts.DialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: f.opts.DialTimeout}
	conn, _, err := dialer.DialContext(dctx, f.opts.Endpoint, nil)
	if err != nil {
		return nil, err
	}

	// The connection is not shared yet, so no write lock is needed.
	auth := Frame{Op: OpAuth, User: f.opts.User, Password: f.opts.Credentials.Password()}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	deadline := time.Now().Add(f.opts.DialTimeout)
	if d, ok := dctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read auth reply: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch reply.Op {
	case OpOK:
		return conn, nil
	case OpError:
		conn.Close()
		return nil, fmt.Errorf("auth rejected: %s", reply.Error)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected auth reply %q", reply.Op)
	}
}

// Subscribe registers l for the updates selected by sub and waits for the
// server to accept it.
func (f *Feed) Subscribe(ctx context.Context, sub upstream.Subscription, l upstream.Listener) (upstream.SubscriptionKey, error) {
	id := uuid.NewString()
	key := upstream.SubscriptionKey(id)
	reply := make(chan Frame, 1)

	f.mu.Lock()
	if f.conn == nil || f.closing {
		f.mu.Unlock()
		return "", ErrNotConnected
	}
	done := f.done
	f.subs[key] = subscription{fields: append([]string(nil), sub.Fields...), listener: l}
	f.pending[id] = reply
	f.mu.Unlock()

	fail := func(err error) (upstream.SubscriptionKey, error) {
		f.mu.Lock()
		delete(f.subs, key)
		delete(f.pending, id)
		f.mu.Unlock()
		return "", err
	}

	req := Frame{Op: OpSubscribe, ID: id, Mode: sub.Mode, Items: sub.Items, Fields: sub.Fields}
	if err := f.write(req); err != nil {
		return fail(fmt.Errorf("send subscribe: %w", err))
	}

	select {
	case r := <-reply:
		if r.Op != OpSubOK {
			return fail(fmt.Errorf("subscribe %v rejected: %s", sub.Items, r.Error))
		}
		log.Printf("wsfeed: subscribed %v mode=%s id=%s", sub.Items, sub.Mode, id)
		return key, nil
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-done:
		return fail(ErrNotConnected)
	}
}

// Unsubscribe removes a subscription. Updates for it that are already in
// flight are dropped.
func (f *Feed) Unsubscribe(ctx context.Context, key upstream.SubscriptionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if _, ok := f.subs[key]; !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, key)
	}
	delete(f.subs, key)
	connected := f.conn != nil && !f.closing
	f.mu.Unlock()

	if !connected {
		return nil
	}
	if err := f.write(Frame{Op: OpUnsubscribe, ID: string(key)}); err != nil {
		return fmt.Errorf("send unsubscribe: %w", err)
	}
	return nil
}

// Subscriptions returns the active subscription keys, sorted.
func (f *Feed) Subscriptions() []upstream.SubscriptionKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]upstream.SubscriptionKey, 0, len(f.subs))
	for k := range f.subs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Disconnect closes the connection and waits for the read loop to exit. It
// is safe to call more than once.
func (f *Feed) Disconnect() error {
	f.mu.Lock()
	conn := f.conn
	if conn == nil || f.closing {
		f.mu.Unlock()
		return nil
	}
	f.closing = true
	f.cancel()
	done := f.done
	f.mu.Unlock()

	f.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	closeErr := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	f.writeMu.Unlock()
	err := conn.Close()
	<-done

	f.mu.Lock()
	f.conn = nil
	f.subs = make(map[upstream.SubscriptionKey]subscription)
	f.mu.Unlock()

	log.Printf("wsfeed: disconnected from %s", f.opts.Endpoint)
	if closeErr != nil && !errors.Is(closeErr, websocket.ErrCloseSent) {
		return errors.Join(closeErr, err)
	}
	return err
}

func (f *Feed) write(frame Frame) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(frame)
}

func (f *Feed) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	pongTimeout := 2 * f.opts.PingInterval
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			f.mu.Lock()
			closing := f.closing
			f.pending = make(map[string]chan Frame)
			if !closing && f.conn == conn {
				f.conn = nil
				f.cancel()
			}
			f.mu.Unlock()
			if !closing {
				log.Printf("wsfeed: connection lost: %v", err)
				conn.Close()
			}
			return
		}
		f.dispatch(frame)
	}
}

func (f *Feed) dispatch(frame Frame) {
	switch frame.Op {
	case OpSubOK, OpError:
		f.mu.Lock()
		reply, ok := f.pending[frame.ID]
		delete(f.pending, frame.ID)
		f.mu.Unlock()
		if ok {
			reply <- frame
		} else if frame.Op == OpError {
			log.Printf("wsfeed: server error: %s", frame.Error)
		}
	case OpUpdate:
		f.mu.Lock()
		sub, ok := f.subs[upstream.SubscriptionKey(frame.ID)]
		f.mu.Unlock()
		if !ok {
			return
		}
		sub.listener(upstream.Update{Item: frame.Item, Values: fieldMap(sub.fields, frame.Values)})
	default:
		log.Printf("wsfeed: ignoring frame %q", frame.Op)
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			f.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
