// Package queue buffers the messages of one subscriber in an unbounded FIFO
// filled by a single background receive goroutine.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/tradebridge/tradebridge/internal/envelope"
	"github.com/tradebridge/tradebridge/internal/transport"
)

// ErrDrained is returned by Take once the receive goroutine has exited and
// every buffered envelope has been taken.
var ErrDrained = errors.New("queue: drained")

// Queue owns a subscriber and decodes everything it receives into
// envelopes, in arrival order.
type Queue struct {
	sub      transport.Subscriber
	category envelope.Category
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	items []envelope.Envelope
	ended bool
	err   error // receive failure other than end of stream

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New takes ownership of sub and starts its receive goroutine.
func New(sub transport.Subscriber) *Queue {
	cat, ok := envelope.CategoryForChannel(sub.Name())
	if !ok {
		cat = envelope.Category(sub.Name())
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sub:      sub,
		category: cat,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go q.receiveLoop()
	return q
}

func (q *Queue) receiveLoop() {
	defer close(q.done)
	for {
		msg, err := q.sub.Recv(q.ctx)
		if err != nil {
			if transport.IsClosed(err) || q.ctx.Err() != nil {
				q.finish(nil)
				return
			}
			log.Printf("queue: receive on %s failed: %v", q.sub.Name(), err)
			q.finish(err)
			return
		}

		ev, err := envelope.Decode(q.category, msg)
		if err != nil {
			log.Printf("queue: skipping message on %s: %v", q.sub.Name(), err)
			continue
		}
		q.push(ev)
	}
}

func (q *Queue) push(ev envelope.Envelope) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) finish(err error) {
	q.mu.Lock()
	q.ended = true
	q.err = err
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Take removes and returns the oldest envelope, blocking until one is
// available. After the receive goroutine exits, buffered envelopes are still
// returned; then Take fails with ErrDrained (joined with the receive error,
// if there was one).
func (q *Queue) Take(ctx context.Context) (envelope.Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = envelope.Envelope{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return ev, nil
		}
		if q.ended {
			err := q.err
			q.mu.Unlock()
			q.signal()
			if err != nil {
				return envelope.Envelope{}, fmt.Errorf("%w: %w", ErrDrained, err)
			}
			return envelope.Envelope{}, ErrDrained
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return envelope.Envelope{}, ctx.Err()
		}
	}
}

// Len returns the number of buffered envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Err returns the receive failure that ended the goroutine, if any.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Done is closed when the receive goroutine has returned.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Stop signals the receive goroutine, closes the subscriber and waits for
// the goroutine to exit. It is safe to call more than once.
func (q *Queue) Stop() error {
	q.stopOnce.Do(func() {
		q.cancel()
		q.stopErr = q.sub.Close()
		<-q.done
	})
	return q.stopErr
}
