// Package upstream describes the push feed the bridge consumes: a server
// that streams trade updates for an account after a subscription is made.
// Implementations deliver updates by calling the registered Listener on
// their own goroutine.
package upstream

import (
	"context"
	"fmt"

	"github.com/tradebridge/tradebridge/internal/envelope"
)

// DistinctMode delivers every update as a separate event, without merging.
const DistinctMode = "DISTINCT"

// Update is one push from the feed: the subscribed item and its field map.
type Update struct {
	Item   string
	Values envelope.Envelope
}

// Listener receives updates. It runs on the feed's dispatch goroutine and
// must not block.
type Listener func(Update)

// Subscription selects what the feed should push.
type Subscription struct {
	Mode   string
	Items  []string
	Fields []string
}

// TradeSubscription is the subscription for an account's trade events.
func TradeSubscription(accountID string) Subscription {
	return Subscription{
		Mode:   DistinctMode,
		Items:  []string{"TRADE:" + accountID},
		Fields: envelope.Fields(),
	}
}

// SubscriptionKey identifies an active subscription on a feed.
type SubscriptionKey string

// Feed is the upstream push connection.
type Feed interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, sub Subscription, l Listener) (SubscriptionKey, error)
	Unsubscribe(ctx context.Context, key SubscriptionKey) error
	// Subscriptions returns a snapshot of the active subscription keys.
	Subscriptions() []SubscriptionKey
	Disconnect() error
}

// Credentials are the session tokens obtained when logging in to the
// trading API. The feed password is derived from them.
type Credentials struct {
	CST           string `yaml:"cst"`
	SecurityToken string `yaml:"security_token"`
}

// Password formats the tokens the way the push server expects them.
func (c Credentials) Password() string {
	return fmt.Sprintf("CST-%s|XST-%s", c.CST, c.SecurityToken)
}

// ConnectionError reports a failure to establish the upstream connection.
// It is returned to the caller of Connect and never retried automatically.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
