package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tradebridge/tradebridge/internal/config"
	"github.com/tradebridge/tradebridge/internal/mock"
	"github.com/tradebridge/tradebridge/internal/stream"
	"github.com/tradebridge/tradebridge/internal/transport"
	"github.com/tradebridge/tradebridge/internal/transport/wsbridge"
	"github.com/tradebridge/tradebridge/internal/upstream"
	"github.com/tradebridge/tradebridge/internal/upstream/wsfeed"
)

const mockAccountID = "MOCKACCOUNT"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	mockMode := flag.Bool("mock", false, "Use the mock trade feed")
	port := flag.Int("port", 0, "Override bridge server port")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *mockMode {
		cfg.Upstream.Mode = config.ModeMock
		if cfg.Upstream.AccountID == "" {
			cfg.Upstream.AccountID = mockAccountID
		}
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := transport.NewHub(cfg.Transport.BacklogWarning)
	session := stream.New(newFeed(cfg), hub)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Upstream.DialTimeout)
	err = session.Connect(connectCtx, cfg.Upstream.AccountID)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.Enabled {
		srv := wsbridge.NewServer(hub, wsbridge.Options{
			AuthToken:      cfg.Server.AuthToken,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			MaxConnections: cfg.Server.MaxConnections,
			Status:         func() wsbridge.SessionStatus { return sessionStatus(session) },
		})
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.Server.Addr())
		})
	}
	// A signal or a server failure ends the session.
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down...")
		if err := session.Disconnect(); err != nil {
			return fmt.Errorf("disconnect: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}

func newFeed(cfg *config.Config) upstream.Feed {
	if cfg.Upstream.Mode == config.ModeMock {
		log.Println("Starting in mock mode")
		return mock.NewGenerator(cfg.Mock.Interval, cfg.Mock.Seed)
	}
	log.Printf("Starting upstream feed from %s", cfg.Upstream.Endpoint)
	return wsfeed.New(wsfeed.Options{
		Endpoint:     cfg.Upstream.Endpoint,
		User:         cfg.Upstream.AccountID,
		Credentials:  cfg.Upstream.Credentials,
		DialTimeout:  cfg.Upstream.DialTimeout,
		PingInterval: cfg.Upstream.PingInterval,
	})
}

func sessionStatus(s *stream.Session) wsbridge.SessionStatus {
	st := wsbridge.SessionStatus{
		State:     s.State().String(),
		AccountID: s.AccountID(),
	}
	if at := s.ConnectedAt(); !at.IsZero() {
		st.ConnectedAt = at.UTC().Truncate(time.Second)
	}
	if r := s.Router(); r != nil {
		stats := r.Stats()
		st.Router = &stats
	}
	return st
}
