// Package transport provides named broadcast channels: one publisher bound
// to a name, any number of subscribers connected to it, every subscriber
// receiving its own copy of each message published after it connected.
// Nothing is replayed and publishing never blocks.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by a handle after Close. For a subscriber it is
	// the end-of-stream signal, not a failure.
	ErrClosed = errors.New("transport: closed")

	// ErrDuplicateBinding is returned when a name already has a live
	// publisher.
	ErrDuplicateBinding = errors.New("transport: name already bound")

	// ErrInvalidName is returned for an empty channel name.
	ErrInvalidName = errors.New("transport: empty channel name")
)

// Publisher sends messages to every subscriber currently connected to its
// name.
type Publisher interface {
	Name() string
	// Publish is non-blocking and best-effort. It fails only when the
	// publisher itself is closed.
	Publish(msg []byte) error
	Close() error
}

// Subscriber receives the messages published on one name.
type Subscriber interface {
	Name() string
	// Recv blocks until a message arrives, the subscriber is closed
	// (ErrClosed) or ctx ends.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Binder creates publishers.
type Binder interface {
	Bind(name string) (Publisher, error)
}

// Connector creates subscribers.
type Connector interface {
	Connect(name string) (Subscriber, error)
}

// IsClosed reports whether err is the end-of-stream signal.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
