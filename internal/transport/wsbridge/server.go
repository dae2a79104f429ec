// Package wsbridge exposes a transport.Hub to other processes on the same
// machine over websockets, and provides the matching Connector.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/tradebridge/tradebridge/internal/envelope"
	"github.com/tradebridge/tradebridge/internal/router"
	"github.com/tradebridge/tradebridge/internal/transport"
)

const (
	ChannelPath = "/ws/channels/"
	TokenHeader = "X-Tradebridge-Token"

	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// SessionStatus is the stream session view served on /api/status.
type SessionStatus struct {
	State       string        `json:"state"`
	AccountID   string        `json:"accountId,omitempty"`
	ConnectedAt time.Time     `json:"connectedAt,omitempty"`
	Router      *router.Stats `json:"router,omitempty"`
}

// Status is the body of /api/status.
type Status struct {
	Session   SessionStatus `json:"session"`
	Uptime    string        `json:"uptime"`
	Clients   int           `json:"clients"`
	Process   ProcessStats  `json:"process"`
	Timestamp time.Time     `json:"timestamp"`
}

// ProcessStats describes the bridge process.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
}

// Options configures a Server.
type Options struct {
	AuthToken      string
	AllowedOrigins []string
	// MaxConnections caps concurrent websocket clients; 0 means no limit.
	MaxConnections int
	// Status reports the session; nil serves an empty session block.
	Status func() SessionStatus
}

type client struct {
	conn *websocket.Conn
	sub  transport.Subscriber
}

// writePump forwards every message the subscriber receives to the
// websocket until either side closes.
func (c *client) writePump() {
	defer c.conn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	msgs := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		for {
			msg, err := c.sub.Recv(ctx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case msg := <-msgs:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.sub.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.sub.Close()
				return
			}
		case <-errc:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "channel closed"))
			return
		}
	}
}

// Server serves a hub's channels and the bridge status API.
type Server struct {
	hub            *transport.Hub
	opts           Options
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	started        time.Time
	proc           *process.Process

	mu      sync.Mutex
	clients map[*client]bool
	wg      sync.WaitGroup
}

func NewServer(hub *transport.Hub, opts Options) *Server {
	s := &Server{
		hub:            hub,
		opts:           opts,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		started:        time.Now(),
		clients:        make(map[*client]bool),
	}
	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	} else {
		log.Printf("wsbridge: process stats unavailable: %v", err)
	}
	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc(ChannelPath, s.handleChannel)
	mux.HandleFunc("/api/channels", s.handleChannels)
	mux.HandleFunc("/api/status", s.handleStatus)
}

// Handler returns the routes wrapped in the security headers middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	category, err := envelope.ParseCategory(strings.TrimPrefix(r.URL.Path, ChannelPath))
	if err != nil {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	if s.opts.MaxConnections > 0 && s.ClientCount() >= s.opts.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	// Subscribe before the handshake completes so nothing published after
	// the client's dial returns is missed.
	sub, err := s.hub.Connect(category.ChannelName())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		log.Printf("wsbridge: upgrade error: %v", err)
		return
	}

	c := &client{conn: conn, sub: sub}
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()
	log.Printf("wsbridge: client %s subscribed to %s", r.RemoteAddr, sub.Name())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		defer func() {
			s.removeClient(c)
			log.Printf("wsbridge: client %s left %s", r.RemoteAddr, sub.Name())
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
	}
	s.mu.Unlock()
	c.sub.Close()
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close ends every client stream and waits for their goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.sub.Close()
		c.conn.Close()
	}
	s.wg.Wait()
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.hub.Stats())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	st := Status{
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Clients:   s.ClientCount(),
		Process:   s.processStats(),
		Timestamp: time.Now().UTC(),
	}
	if s.opts.Status != nil {
		st.Session = s.opts.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func (s *Server) processStats() ProcessStats {
	ps := ProcessStats{Goroutines: runtime.NumGoroutine()}
	if s.proc == nil {
		return ps
	}
	ps.PID = s.proc.Pid
	if mem, err := s.proc.MemoryInfo(); err == nil {
		ps.RSSBytes = mem.RSS
	}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		ps.CPUPercent = cpu
	}
	if n, err := s.proc.NumThreads(); err == nil {
		ps.Threads = n
	}
	return ps
}

func (s *Server) authorize(r *http.Request) bool {
	if s.opts.AuthToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.opts.AuthToken {
		return true
	}
	if r.Header.Get(TokenHeader) == s.opts.AuthToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.opts.AuthToken {
		return true
	}
	return false
}

// checkOrigin accepts non-browser clients, configured origins and, when
// none are configured, same-host and loopback origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// and closes every client stream.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf("wsbridge: listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}
