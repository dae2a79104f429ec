package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tradebridge/tradebridge/internal/envelope"
	"github.com/tradebridge/tradebridge/internal/queue"
	"github.com/tradebridge/tradebridge/internal/transport"
)

func newHubWithPublishers(t *testing.T) (*transport.Hub, map[envelope.Category]transport.Publisher) {
	t.Helper()
	hub := transport.NewHub(0)
	pubs := make(map[envelope.Category]transport.Publisher)
	for _, c := range envelope.Categories() {
		p, err := hub.Bind(c.ChannelName())
		if err != nil {
			t.Fatalf("bind %s: %v", c, err)
		}
		pubs[c] = p
		t.Cleanup(func() { p.Close() })
	}
	return hub, pubs
}

func waitWithin(ch *Channel, d time.Duration, key string, value any) (envelope.Envelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return ch.WaitEvent(ctx, key, value)
}

func TestWaitEventConfirmsScenario(t *testing.T) {
	hub, pubs := newHubWithPublishers(t)
	ch, err := NewConfirms(hub)
	if err != nil {
		t.Fatalf("NewConfirms: %v", err)
	}

	pubs[envelope.Confirms].Publish([]byte(`{"dealId":"X1","status":"OPEN"}`))

	ev, err := waitWithin(ch, 2*time.Second, "dealId", "X1")
	if err != nil {
		t.Fatalf("WaitEvent: %v", err)
	}
	if v, _ := ev.Get("status"); v != "OPEN" {
		t.Errorf("status = %v, want OPEN", v)
	}
	if ch.State() != Closed {
		t.Errorf("state = %s, want closed", ch.State())
	}

	if _, err := waitWithin(ch, time.Second, "dealId", "X1"); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("second WaitEvent = %v, want ErrChannelClosed", err)
	}
}

func TestWaitEventDiscardsEarlierNonMatching(t *testing.T) {
	hub, pubs := newHubWithPublishers(t)
	ch, _ := NewConfirms(hub)
	defer ch.Close()

	pub := pubs[envelope.Confirms]
	pub.Publish([]byte(`{"dealId":"X0"}`))
	pub.Publish([]byte(`{"status":"no deal id"}`))
	pub.Publish([]byte(`{"dealId":"X1","n":1}`))
	pub.Publish([]byte(`{"dealId":"X1","n":2}`))

	ev, err := waitWithin(ch, 2*time.Second, "dealId", "X1")
	if err != nil {
		t.Fatalf("WaitEvent: %v", err)
	}
	if v, _ := ev.Get("n"); v != float64(1) {
		t.Errorf("got n=%v, want the first matching envelope", v)
	}
}

func TestWaitEventNumericValue(t *testing.T) {
	hub, pubs := newHubWithPublishers(t)
	ch, _ := NewOPU(hub)

	pubs[envelope.OPU].Publish([]byte(`{"size":1}`))
	pubs[envelope.OPU].Publish([]byte(`{"size":2}`))

	ev, err := waitWithin(ch, 2*time.Second, "size", 2)
	if err != nil {
		t.Fatalf("WaitEvent: %v", err)
	}
	if v, _ := ev.Get("size"); v != float64(2) {
		t.Errorf("size = %v", v)
	}
}

func TestOtherCategoryDoesNotWake(t *testing.T) {
	hub, pubs := newHubWithPublishers(t)
	ch, _ := NewWOU(hub)
	defer ch.Close()

	pubs[envelope.OPU].Publish([]byte(`{"dealId":"X1"}`))

	_, err := waitWithin(ch, 100*time.Millisecond, "dealId", "X1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitEvent = %v, want to stay blocked until the deadline", err)
	}
	if ch.State() != Open {
		t.Errorf("state = %s, cancellation must leave the channel open", ch.State())
	}

	pubs[envelope.WOU].Publish([]byte(`{"dealId":"X1"}`))
	if _, err := waitWithin(ch, 2*time.Second, "dealId", "X1"); err != nil {
		t.Errorf("WaitEvent after cancellation: %v", err)
	}
}

func TestBroadcastToIndependentChannels(t *testing.T) {
	hub, pubs := newHubWithPublishers(t)
	a, _ := NewConfirms(hub)
	b, _ := NewConfirms(hub)

	pubs[envelope.Confirms].Publish([]byte(`{"dealId":"X1"}`))

	for name, ch := range map[string]*Channel{"a": a, "b": b} {
		if _, err := waitWithin(ch, 2*time.Second, "dealId", "X1"); err != nil {
			t.Errorf("channel %s: %v", name, err)
		}
	}
}

func TestMatchStopsReceiveTask(t *testing.T) {
	hub, pubs := newHubWithPublishers(t)
	ch, _ := NewConfirms(hub)

	pubs[envelope.Confirms].Publish([]byte(`{"dealId":"X1"}`))
	if _, err := waitWithin(ch, 2*time.Second, "dealId", "X1"); err != nil {
		t.Fatalf("WaitEvent: %v", err)
	}

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receive task still running after match")
	}
	if n := hub.SubscriberCount(envelope.ConfirmsChannel); n != 0 {
		t.Errorf("subscriber count = %d, want 0", n)
	}
}

func TestCloseWithoutWait(t *testing.T) {
	hub, _ := newHubWithPublishers(t)
	ch, _ := NewConfirms(hub)

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receive task still running after Close")
	}
	if _, err := waitWithin(ch, time.Second, "dealId", "X1"); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("WaitEvent after Close = %v, want ErrChannelClosed", err)
	}
}

func TestCloseUnblocksWaiter(t *testing.T) {
	hub, _ := newHubWithPublishers(t)
	ch, _ := NewConfirms(hub)

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.WaitEvent(context.Background(), "dealId", "never")
		errCh <- err
	}()

	time.Sleep(30 * time.Millisecond)
	ch.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrChannelClosed) {
			t.Errorf("WaitEvent = %v, want ErrChannelClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter still blocked after Close")
	}
}

func TestConcurrentWaitersAreSerialized(t *testing.T) {
	hub, pubs := newHubWithPublishers(t)
	ch, _ := NewConfirms(hub)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := waitWithin(ch, 2*time.Second, "dealId", "X1")
			results <- err
		}()
	}
	time.Sleep(30 * time.Millisecond)
	pubs[envelope.Confirms].Publish([]byte(`{"dealId":"X1"}`))

	var ok, closed int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrChannelClosed):
			closed++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || closed != 1 {
		t.Errorf("ok=%d closed=%d, want exactly one match and one ErrChannelClosed", ok, closed)
	}
}

type failingSubscriber struct{ err error }

func (f failingSubscriber) Name() string { return envelope.ConfirmsChannel }

func (f failingSubscriber) Recv(context.Context) ([]byte, error) { return nil, f.err }

func (f failingSubscriber) Close() error { return nil }

type connectorFunc func(string) (transport.Subscriber, error)

func (f connectorFunc) Connect(name string) (transport.Subscriber, error) { return f(name) }

func TestTransportFailureClosesChannel(t *testing.T) {
	ioErr := errors.New("bridge went away")
	conn := connectorFunc(func(string) (transport.Subscriber, error) {
		return failingSubscriber{err: ioErr}, nil
	})
	ch, err := NewConfirms(conn)
	if err != nil {
		t.Fatalf("NewConfirms: %v", err)
	}

	_, err = waitWithin(ch, 2*time.Second, "dealId", "X1")
	if !errors.Is(err, ioErr) || !errors.Is(err, queue.ErrDrained) {
		t.Fatalf("WaitEvent = %v, want wrapped transport failure", err)
	}
	if ch.State() != Closed {
		t.Errorf("state = %s, want closed", ch.State())
	}
}

func TestConnectFailure(t *testing.T) {
	conn := connectorFunc(func(string) (transport.Subscriber, error) {
		return nil, transport.ErrInvalidName
	})
	if _, err := NewWOU(conn); !errors.Is(err, transport.ErrInvalidName) {
		t.Errorf("NewWOU = %v", err)
	}
	if _, err := New(transport.NewHub(0), envelope.Category("NOPE")); err == nil {
		t.Error("expected error for unknown category")
	}
}
