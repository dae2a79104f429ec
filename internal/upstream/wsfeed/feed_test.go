package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradebridge/tradebridge/internal/upstream"
)

// pushServer is a minimal trade push server for tests.
type pushServer struct {
	t        *testing.T
	password string
	reject   string // if set, every subscribe is rejected with this message
	updates  [][]json.RawMessage

	mu           sync.Mutex
	subscribes   []Frame
	unsubscribes []string
}

func (s *pushServer) handler(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var auth Frame
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.Op != OpAuth || auth.Password != s.password {
		conn.WriteJSON(Frame{Op: OpError, Error: "bad credentials"})
		return
	}
	conn.WriteJSON(Frame{Op: OpOK})

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Op {
		case OpSubscribe:
			s.mu.Lock()
			s.subscribes = append(s.subscribes, f)
			s.mu.Unlock()
			if s.reject != "" {
				conn.WriteJSON(Frame{Op: OpError, ID: f.ID, Error: s.reject})
				continue
			}
			conn.WriteJSON(Frame{Op: OpSubOK, ID: f.ID})
			for _, vals := range s.updates {
				conn.WriteJSON(Frame{Op: OpUpdate, ID: f.ID, Item: f.Items[0], Values: vals})
			}
		case OpUnsubscribe:
			s.mu.Lock()
			s.unsubscribes = append(s.unsubscribes, f.ID)
			s.mu.Unlock()
		}
	}
}

func (s *pushServer) start() string {
	srv := httptest.NewServer(http.HandlerFunc(s.handler))
	s.t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (s *pushServer) unsubscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.unsubscribes...)
}

var creds = upstream.Credentials{CST: "cst", SecurityToken: "xst"}

func raw(vals ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		out[i] = json.RawMessage(v)
	}
	return out
}

func TestSubscribeDeliversUpdates(t *testing.T) {
	srv := &pushServer{
		t:        t,
		password: creds.Password(),
		updates: [][]json.RawMessage{
			raw(`"{\"dealId\":\"X1\"}"`, `null`, `null`),
			raw(`null`, `{"dealId":"P1","size":2}`),
		},
	}
	feed := New(Options{Endpoint: srv.start(), User: "ABC123", Credentials: creds})
	if err := feed.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer feed.Disconnect()

	got := make(chan upstream.Update, 4)
	key, err := feed.Subscribe(context.Background(), upstream.TradeSubscription("ABC123"), func(u upstream.Update) {
		got <- u
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if keys := feed.Subscriptions(); len(keys) != 1 || keys[0] != key {
		t.Errorf("Subscriptions() = %v", keys)
	}

	first := receive(t, got)
	if first.Item != "TRADE:ABC123" {
		t.Errorf("item = %q", first.Item)
	}
	if v, _ := first.Values.Get("CONFIRMS"); v != `{"dealId":"X1"}` {
		t.Errorf("CONFIRMS = %#v", v)
	}
	if first.Values.Has("OPU") || first.Values.Has("WOU") {
		t.Errorf("null fields should be absent: %s", first.Values)
	}

	second := receive(t, got)
	v, ok := second.Values.Get("OPU")
	if !ok {
		t.Fatalf("OPU missing: %s", second.Values)
	}
	if rm, ok := v.(json.RawMessage); !ok || string(rm) != `{"dealId":"P1","size":2}` {
		t.Errorf("OPU = %#v, want raw JSON object", v)
	}
	if second.Values.Has("WOU") {
		t.Error("short values array should leave trailing fields absent")
	}
}

func receive(t *testing.T, ch <-chan upstream.Update) upstream.Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return upstream.Update{}
	}
}

func TestConnectAuthRejected(t *testing.T) {
	srv := &pushServer{t: t, password: "something else"}
	feed := New(Options{Endpoint: srv.start(), Credentials: creds})

	err := feed.Connect(context.Background())
	var ce *upstream.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("Connect = %v, want ConnectionError", err)
	}
	if !strings.Contains(err.Error(), "bad credentials") {
		t.Errorf("error = %v", err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	feed := New(Options{Endpoint: "ws://127.0.0.1:1/push", DialTimeout: 500 * time.Millisecond})
	var ce *upstream.ConnectionError
	if err := feed.Connect(context.Background()); !errors.As(err, &ce) {
		t.Fatalf("Connect = %v, want ConnectionError", err)
	}
}

func TestSubscribeRejected(t *testing.T) {
	srv := &pushServer{t: t, password: creds.Password(), reject: "no such account"}
	feed := New(Options{Endpoint: srv.start(), Credentials: creds})
	if err := feed.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer feed.Disconnect()

	_, err := feed.Subscribe(context.Background(), upstream.TradeSubscription("NOPE"), func(upstream.Update) {})
	if err == nil || !strings.Contains(err.Error(), "no such account") {
		t.Fatalf("Subscribe = %v", err)
	}
	if keys := feed.Subscriptions(); len(keys) != 0 {
		t.Errorf("rejected subscription kept: %v", keys)
	}
}

func TestSubscribeBeforeConnect(t *testing.T) {
	feed := New(Options{Endpoint: "ws://unused"})
	if _, err := feed.Subscribe(context.Background(), upstream.TradeSubscription("A"), func(upstream.Update) {}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe = %v, want ErrNotConnected", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	srv := &pushServer{t: t, password: creds.Password()}
	feed := New(Options{Endpoint: srv.start(), Credentials: creds})
	if err := feed.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer feed.Disconnect()

	key, err := feed.Subscribe(context.Background(), upstream.TradeSubscription("A"), func(upstream.Update) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := feed.Unsubscribe(context.Background(), key); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := feed.Unsubscribe(context.Background(), key); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("second Unsubscribe = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ids := srv.unsubscribed(); len(ids) == 1 && ids[0] == string(key) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("server saw unsubscribes %v, want [%s]", srv.unsubscribed(), key)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := &pushServer{t: t, password: creds.Password()}
	feed := New(Options{Endpoint: srv.start(), Credentials: creds})
	if err := feed.Disconnect(); err != nil {
		t.Errorf("Disconnect before Connect: %v", err)
	}
	if err := feed.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	feed.Disconnect()
	if err := feed.Disconnect(); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}
	if _, err := feed.Subscribe(context.Background(), upstream.TradeSubscription("A"), func(upstream.Update) {}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe after Disconnect = %v", err)
	}
}

func TestFieldMap(t *testing.T) {
	fields := []string{"CONFIRMS", "OPU", "WOU"}
	env := fieldMap(fields, raw(`"a"`, ` null `, `""`, `"extra"`))
	if got := env.Keys(); len(got) != 2 || got[0] != "CONFIRMS" || got[1] != "WOU" {
		t.Errorf("keys = %v", got)
	}
	if v, _ := env.Get("WOU"); v != "" {
		t.Errorf("WOU = %#v, want empty string kept", v)
	}
}
