package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tradebridge/tradebridge/internal/channel"
	"github.com/tradebridge/tradebridge/internal/envelope"
	"github.com/tradebridge/tradebridge/internal/transport"
)

func startBridge(t *testing.T, opts Options) (*transport.Hub, *Server, *httptest.Server) {
	t.Helper()
	hub := transport.NewHub(0)
	s := NewServer(hub, opts)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return hub, s, srv
}

func bind(t *testing.T, hub *transport.Hub, c envelope.Category) transport.Publisher {
	t.Helper()
	p, err := hub.Bind(c.ChannelName())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func recvWithin(t *testing.T, sub transport.Subscriber, d time.Duration) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return sub.Recv(ctx)
}

func TestDialerReceivesPublishedMessages(t *testing.T) {
	hub, _, srv := startBridge(t, Options{})
	pub := bind(t, hub, envelope.OPU)

	sub, err := NewDialer(srv.URL, "").Connect(envelope.OPUChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sub.Close()
	if sub.Name() != envelope.OPUChannel {
		t.Errorf("Name() = %q", sub.Name())
	}

	for _, m := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		pub.Publish([]byte(m))
	}
	for _, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		got, err := recvWithin(t, sub, 2*time.Second)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if string(got) != want {
			t.Errorf("Recv = %s, want %s", got, want)
		}
	}
}

func TestWaitEventAcrossBridge(t *testing.T) {
	hub, _, srv := startBridge(t, Options{AuthToken: "s3cret"})
	pub := bind(t, hub, envelope.Confirms)

	ch, err := channel.NewConfirms(NewDialer(srv.URL, "s3cret"))
	if err != nil {
		t.Fatalf("NewConfirms: %v", err)
	}
	pub.Publish([]byte(`{"dealId":"X0"}`))
	pub.Publish([]byte(`{"dealId":"X1","status":"OPEN"}`))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := ch.WaitEvent(ctx, "dealId", "X1")
	if err != nil {
		t.Fatalf("WaitEvent: %v", err)
	}
	if v, _ := ev.Get("status"); v != "OPEN" {
		t.Errorf("status = %v", v)
	}
}

func TestCloseIsEndOfStream(t *testing.T) {
	hub, _, srv := startBridge(t, Options{})
	bind(t, hub, envelope.WOU)

	sub, err := NewDialer(srv.URL, "").Connect(envelope.WOUChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Recv(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	sub.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, transport.ErrClosed) {
			t.Errorf("Recv = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv still blocked after Close")
	}
	if _, err := sub.Recv(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Recv after Close = %v", err)
	}
}

func TestServerCloseIsAnError(t *testing.T) {
	hub, s, srv := startBridge(t, Options{})
	bind(t, hub, envelope.WOU)

	sub, err := NewDialer(srv.URL, "").Connect(envelope.WOUChannel)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sub.Close()

	s.Close()
	_, err = recvWithin(t, sub, 2*time.Second)
	if err == nil || errors.Is(err, transport.ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Recv = %v, want a read failure distinct from ErrClosed", err)
	}
}

func TestUnauthorized(t *testing.T) {
	_, _, srv := startBridge(t, Options{AuthToken: "s3cret"})

	if _, err := NewDialer(srv.URL, "wrong").Connect(envelope.ConfirmsChannel); err == nil {
		t.Error("Connect with wrong token succeeded")
	}
	resp, err := http.Get(srv.URL + "/api/channels")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/channels?token=s3cret")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with query token = %d, want 200", resp.StatusCode)
	}
}

func TestUnknownChannel(t *testing.T) {
	_, _, srv := startBridge(t, Options{})
	resp, err := http.Get(srv.URL + ChannelPath + "prices")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	if _, err := NewDialer(srv.URL, "").Connect("inproc://elsewhere"); !errors.Is(err, transport.ErrInvalidName) {
		t.Errorf("Connect = %v, want ErrInvalidName", err)
	}
}

func TestMaxConnections(t *testing.T) {
	hub, s, srv := startBridge(t, Options{MaxConnections: 1})
	bind(t, hub, envelope.OPU)

	first, err := NewDialer(srv.URL, "").Connect(envelope.OPUChannel)
	if err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	defer first.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := NewDialer(srv.URL, "").Connect(envelope.OPUChannel); err == nil {
		t.Error("second Connect should be refused")
	}
}

func TestChannelsEndpoint(t *testing.T) {
	hub, _, srv := startBridge(t, Options{})
	pub := bind(t, hub, envelope.Confirms)
	pub.Publish([]byte(`{"a":1}`))

	resp, err := http.Get(srv.URL + "/api/channels")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}

	var stats []transport.ChannelStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(stats) != 1 || stats[0].Name != envelope.ConfirmsChannel || !stats[0].Bound || stats[0].Published != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, _, srv := startBridge(t, Options{Status: func() SessionStatus {
		return SessionStatus{State: "connected", AccountID: "ABC123"}
	}})

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Session.State != "connected" || st.Session.AccountID != "ABC123" {
		t.Errorf("session = %+v", st.Session)
	}
	if st.Process.Goroutines == 0 {
		t.Error("goroutine count missing")
	}
	if st.Uptime == "" {
		t.Error("uptime missing")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "bridge:8090", true},
		{"same host", nil, "http://bridge:8090", "bridge:8090", true},
		{"loopback", nil, "http://localhost:3000", "bridge:8090", true},
		{"ipv6 loopback", nil, "http://[::1]:3000", "bridge:8090", true},
		{"foreign", nil, "http://evil.example", "bridge:8090", false},
		{"configured", []string{"https://ui.example"}, "https://ui.example", "bridge:8090", true},
		{"configured excludes loopback", []string{"https://ui.example"}, "http://localhost:3000", "bridge:8090", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(transport.NewHub(0), Options{AllowedOrigins: tt.allowed})
			r := httptest.NewRequest(http.MethodGet, "/ws/channels/opu", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChannelURL(t *testing.T) {
	d := NewDialer("http://127.0.0.1:8090/", "")
	got, err := d.ChannelURL(envelope.ConfirmsChannel)
	if err != nil {
		t.Fatal(err)
	}
	if got != "ws://127.0.0.1:8090/ws/channels/confirms" {
		t.Errorf("ChannelURL = %q", got)
	}
	if !strings.HasPrefix(got, "ws://") {
		t.Error("http scheme should be rewritten")
	}
}
