// Package router fans upstream trade updates out to one transport channel
// per category.
package router

import (
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/tradebridge/tradebridge/internal/envelope"
	"github.com/tradebridge/tradebridge/internal/transport"
	"github.com/tradebridge/tradebridge/internal/upstream"
)

// ErrStopped is returned by Process after Stop.
var ErrStopped = errors.New("router: stopped")

// Stats counts what the router has done since it was created.
type Stats struct {
	Updates   uint64                       `json:"updates"`
	Published map[envelope.Category]uint64 `json:"published"`
	Failed    map[envelope.Category]uint64 `json:"failed"`
}

// Router republishes each category present in an update on that category's
// publisher. It never waits for subscribers.
type Router struct {
	publishers map[envelope.Category]transport.Publisher

	mu        sync.Mutex // held for the whole of Process
	stopped   bool
	updates   uint64
	published map[envelope.Category]uint64
	failed    map[envelope.Category]uint64
}

// New creates a router over the given publishers. Categories without a
// publisher are ignored.
func New(publishers map[envelope.Category]transport.Publisher) *Router {
	pubs := make(map[envelope.Category]transport.Publisher, len(publishers))
	for c, p := range publishers {
		pubs[c] = p
	}
	return &Router{
		publishers: pubs,
		published:  make(map[envelope.Category]uint64),
		failed:     make(map[envelope.Category]uint64),
	}
}

// Process publishes every populated category of u. A failure on one
// category does not stop the others; all failures are returned joined.
func (r *Router) Process(u upstream.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}

	log.Printf("router: update %s %s", u.Item, u.Values)
	r.updates++

	var errs []error
	for _, c := range envelope.Categories() {
		v, ok := u.Values.Get(string(c))
		if !ok || isEmpty(v) {
			continue
		}
		pub, ok := r.publishers[c]
		if !ok {
			continue
		}
		payload, err := envelope.Encode(c, v)
		if err != nil {
			r.failed[c]++
			errs = append(errs, err)
			continue
		}
		if err := pub.Publish(payload); err != nil {
			r.failed[c]++
			errs = append(errs, fmt.Errorf("publish %s: %w", c, err))
			continue
		}
		r.published[c]++
	}
	return errors.Join(errs...)
}

// Listener adapts the router to the feed callback. Errors are logged; a
// panic is recovered so the feed's dispatch goroutine survives.
func (r *Router) Listener() upstream.Listener {
	return func(u upstream.Update) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("router: panic processing update %s: %v\n%s", u.Item, rec, debug.Stack())
			}
		}()
		if err := r.Process(u); err != nil && !errors.Is(err, ErrStopped) {
			log.Printf("router: %v", err)
		}
	}
}

// Stop waits for an in-flight Process to finish and makes later calls
// no-ops. After Stop returns nothing is published.
func (r *Router) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

// Stats returns a copy of the router counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		Updates:   r.updates,
		Published: make(map[envelope.Category]uint64, len(r.published)),
		Failed:    make(map[envelope.Category]uint64, len(r.failed)),
	}
	for c, n := range r.published {
		s.Published[c] = n
	}
	for c, n := range r.failed {
		s.Failed[c] = n
	}
	return s
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}
