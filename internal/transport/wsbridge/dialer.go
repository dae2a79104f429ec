package wsbridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradebridge/tradebridge/internal/envelope"
	"github.com/tradebridge/tradebridge/internal/transport"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultBuffer      = 1024
	pongTimeout        = 2 * pingInterval
)

// Dialer connects to channels served by a bridge Server. It implements
// transport.Connector.
type Dialer struct {
	// BaseURL is the server root, e.g. ws://127.0.0.1:8090.
	BaseURL     string
	Token       string
	DialTimeout time.Duration
}

func NewDialer(baseURL, token string) *Dialer {
	return &Dialer{BaseURL: baseURL, Token: token, DialTimeout: defaultDialTimeout}
}

// ChannelURL is the websocket URL of the named channel.
func (d *Dialer) ChannelURL(name string) (string, error) {
	category, ok := envelope.CategoryForChannel(name)
	if !ok {
		return "", fmt.Errorf("%w: %q is not a bridged channel", transport.ErrInvalidName, name)
	}
	u, err := url.Parse(strings.TrimRight(d.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse bridge url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += ChannelPath + strings.ToLower(string(category))
	return u.String(), nil
}

func (d *Dialer) Connect(name string) (transport.Subscriber, error) {
	target, err := d.ChannelURL(name)
	if err != nil {
		return nil, err
	}
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", target, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	s := &remoteSubscriber{
		name:   name,
		conn:   conn,
		msgs:   make(chan []byte, defaultBuffer),
		closed: make(chan struct{}),
		ended:  make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// remoteSubscriber is a transport.Subscriber fed by a bridge websocket.
type remoteSubscriber struct {
	name string
	conn *websocket.Conn
	msgs chan []byte

	closeOnce sync.Once
	closed    chan struct{} // closed by Close
	ended     chan struct{} // closed when readLoop returns
	err       error         // set before ended is closed
}

func (s *remoteSubscriber) Name() string { return s.name }

func (s *remoteSubscriber) readLoop() {
	defer close(s.ended)
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	s.conn.SetPingHandler(func(data string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})
	s.conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				s.err = transport.ErrClosed
			default:
				s.err = fmt.Errorf("read %s: %w", s.name, err)
			}
			return
		}
		select {
		case s.msgs <- msg:
		case <-s.closed:
			s.err = transport.ErrClosed
			return
		}
	}
}

// Recv returns buffered messages before reporting why the stream ended.
func (s *remoteSubscriber) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-s.closed:
		return nil, transport.ErrClosed
	default:
	}
	select {
	case msg := <-s.msgs:
		return msg, nil
	case <-s.closed:
		return nil, transport.ErrClosed
	case <-s.ended:
		select {
		case msg := <-s.msgs:
			return msg, nil
		default:
			return nil, s.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *remoteSubscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
		<-s.ended
	})
	return err
}
