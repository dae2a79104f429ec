// Package mock provides a fake trade feed that plays scripted deals through
// their working order, confirmation and position lifecycle.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradebridge/tradebridge/internal/envelope"
	"github.com/tradebridge/tradebridge/internal/upstream"
)

// ErrNotConnected is returned when subscribing before Connect.
var ErrNotConnected = errors.New("mock: not connected")

const DefaultInterval = 750 * time.Millisecond

type instrument struct {
	epic   string
	level  float64
	places int // price decimals; one tick is 10^-places
}

var instruments = []instrument{
	{epic: "CS.D.EURUSD.CFD.IP", level: 1.0842, places: 4},
	{epic: "CS.D.GBPUSD.TODAY.IP", level: 1.2671, places: 4},
	{epic: "IX.D.FTSE.DAILY.IP", level: 7712.5, places: 1},
	{epic: "IX.D.DAX.DAILY.IP", level: 16034, places: 0},
	{epic: "CS.D.USCGC.TODAY.IP", level: 2031.4, places: 1},
}

// Deal lifecycle stages.
const (
	stageWorking = iota
	stageConfirm
	stageOpen
	stageUpdating
	stageClosed
)

// tradeEvent is the JSON body carried in a category field. Field order is
// the order the push server uses.
type tradeEvent struct {
	DealReference string  `json:"dealReference"`
	DealID        string  `json:"dealId"`
	Epic          string  `json:"epic"`
	Direction     string  `json:"direction"`
	Size          float64 `json:"size"`
	Level         float64 `json:"level"`
	Status        string  `json:"status"`
	DealStatus    string  `json:"dealStatus,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	OrderType     string  `json:"orderType,omitempty"`
	Timestamp     string  `json:"timestamp"`
}

type mockDeal struct {
	inst      instrument
	ref       string
	id        string
	direction string
	size      float64
	level     float64
	stage     int
	updates   int // remaining position updates before close
	rejected  bool
}

type mockSub struct {
	sub      upstream.Subscription
	listener upstream.Listener
}

// Generator implements upstream.Feed. Updates are emitted on a ticker once
// connected; the sequence is fully determined by the seed.
type Generator struct {
	interval time.Duration

	mu        sync.Mutex
	rng       *rand.Rand
	now       func() time.Time
	connected bool
	subs      map[upstream.SubscriptionKey]mockSub
	deal      *mockDeal
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewGenerator creates a disconnected generator.
func NewGenerator(interval time.Duration, seed int64) *Generator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Generator{
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
		now:      time.Now,
		subs:     make(map[upstream.SubscriptionKey]mockSub),
	}
}

// Connect starts the emit loop. Calling it again while connected is a no-op.
func (g *Generator) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &upstream.ConnectionError{Endpoint: "mock", Err: err}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connected {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	g.connected = true
	g.cancel = cancel
	g.done = make(chan struct{})
	go g.run(runCtx, g.done)
	log.Printf("mock: feed started, interval %v", g.interval)
	return nil
}

// Subscribe registers l. Only fields named in sub.Fields are delivered.
func (g *Generator) Subscribe(ctx context.Context, sub upstream.Subscription, l upstream.Listener) (upstream.SubscriptionKey, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return "", ErrNotConnected
	}
	key := upstream.SubscriptionKey(uuid.NewString())
	g.subs[key] = mockSub{sub: sub, listener: l}
	return key, nil
}

func (g *Generator) Unsubscribe(ctx context.Context, key upstream.SubscriptionKey) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subs, key)
	return nil
}

func (g *Generator) Subscriptions() []upstream.SubscriptionKey {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]upstream.SubscriptionKey, 0, len(g.subs))
	for k := range g.subs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Disconnect stops the emit loop and waits for it to exit.
func (g *Generator) Disconnect() error {
	g.mu.Lock()
	if !g.connected {
		g.mu.Unlock()
		return nil
	}
	g.connected = false
	g.cancel()
	done := g.done
	g.mu.Unlock()
	<-done
	return nil
}

func (g *Generator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.emit(g.step())
		}
	}
}

// emit delivers fields to every subscription, restricted to the fields it
// asked for. Listeners run outside the lock.
func (g *Generator) emit(fields []envelope.Field) {
	type delivery struct {
		l upstream.Listener
		u upstream.Update
	}
	g.mu.Lock()
	var out []delivery
	for _, s := range g.subs {
		item := ""
		if len(s.sub.Items) > 0 {
			item = s.sub.Items[0]
		}
		out = append(out, delivery{l: s.listener, u: upstream.Update{Item: item, Values: selectFields(fields, s.sub.Fields)}})
	}
	g.mu.Unlock()
	for _, d := range out {
		d.l(d.u)
	}
}

func selectFields(fields []envelope.Field, want []string) envelope.Envelope {
	var out []envelope.Field
	for _, name := range want {
		for _, f := range fields {
			if f.Key == name {
				out = append(out, f)
			}
		}
	}
	return envelope.New(out...)
}

// step advances the current deal one stage and returns the fields of the
// update it produces. Exactly one category is populated per update.
func (g *Generator) step() []envelope.Field {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.deal == nil || g.deal.stage == stageClosed {
		g.deal = g.newDeal()
	}
	d := g.deal
	ev := tradeEvent{
		DealReference: d.ref,
		DealID:        d.id,
		Epic:          d.inst.epic,
		Direction:     d.direction,
		Size:          d.size,
		Level:         d.level,
		Timestamp:     g.now().UTC().Format("2006-01-02T15:04:05.000"),
	}

	var category envelope.Category
	switch d.stage {
	case stageWorking:
		category = envelope.WOU
		ev.Status = "OPEN"
		ev.DealStatus = "ACCEPTED"
		ev.OrderType = "LIMIT"
		d.stage = stageConfirm
	case stageConfirm:
		category = envelope.Confirms
		ev.Status = "OPEN"
		if d.rejected {
			ev.DealStatus = "REJECTED"
			ev.Reason = "INSUFFICIENT_FUNDS"
			d.stage = stageClosed
		} else {
			ev.DealStatus = "ACCEPTED"
			ev.Reason = "SUCCESS"
			d.stage = stageOpen
		}
	case stageOpen:
		category = envelope.OPU
		ev.Status = "OPEN"
		ev.DealStatus = "ACCEPTED"
		d.stage = stageUpdating
	case stageUpdating:
		category = envelope.OPU
		ev.DealStatus = "ACCEPTED"
		if d.updates > 0 {
			d.updates--
			d.level = g.move(d)
			ev.Level = d.level
			ev.Status = "UPDATED"
		} else {
			ev.Status = "DELETED"
			d.stage = stageClosed
		}
	}

	body, err := json.Marshal(ev)
	if err != nil {
		log.Printf("mock: marshal %s: %v", category, err)
		return nil
	}
	return []envelope.Field{{Key: string(category), Value: string(body)}}
}

func (g *Generator) newDeal() *mockDeal {
	inst := instruments[g.rng.Intn(len(instruments))]
	direction := "BUY"
	if g.rng.Intn(2) == 1 {
		direction = "SELL"
	}
	return &mockDeal{
		inst:      inst,
		ref:       g.uuid(),
		id:        "DIAAAA" + strings.ToUpper(strings.ReplaceAll(g.uuid(), "-", "")[:10]),
		direction: direction,
		size:      float64(1 + g.rng.Intn(5)),
		level:     g.jitter(inst.level, inst.places, 20),
		updates:   1 + g.rng.Intn(3),
		rejected:  g.rng.Float64() < 0.1,
	}
}

// uuid draws from the seeded source so runs are reproducible.
func (g *Generator) uuid() string {
	id, err := uuid.NewRandomFromReader(g.rng)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (g *Generator) move(d *mockDeal) float64 {
	return g.jitter(d.level, d.inst.places, 5)
}

// jitter moves level by up to steps ticks in either direction.
func (g *Generator) jitter(level float64, places, steps int) float64 {
	scale := math.Pow10(places)
	ticks := math.Round(level*scale) + float64(g.rng.Intn(2*steps+1)-steps)
	return ticks / scale
}
