package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/connectus/chat-session/internal/api"
	"github.com/connectus/chat-session/internal/auth"
	"github.com/connectus/chat-session/internal/cache"
	"github.com/connectus/chat-session/internal/chat"
	"github.com/connectus/chat-session/internal/config"
	"github.com/connectus/chat-session/internal/metrics"
	"github.com/connectus/chat-session/internal/session"
	"github.com/connectus/chat-session/internal/transport"
)

var v = config.New()

var rootCmd = &cobra.Command{
	Use:          "chatclient",
	Short:        "Terminal client for the realtime chat",
	SilenceUsage: true,
	RunE:         run,
}

var flagConfig string

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "", "config file (default ./chatclient.yaml)")
	flags.String("token", "", "bearer token (env CHAT_TOKEN)")
	flags.String("user-id", "", "user id, when the token is not a readable JWT")
	flags.String("user-name", "", "display name")
	flags.String("transport", config.TransportWS, "live channel transport: ws or nats")
	flags.String("api-url", "", "REST base URL")
	flags.String("live-url", "", "WebSocket URL of the live channel")
	flags.String("nats-url", "", "NATS server URL")
	flags.String("redis-addr", "", "Redis address for the fallback cache (empty uses memory)")
	flags.String("metrics-addr", "", "listen address for /metrics (empty disables)")

	bind := map[string]string{
		"token":        "token",
		"user.id":      "user-id",
		"user.name":    "user-name",
		"transport":    "transport",
		"api.url":      "api-url",
		"live.url":     "live-url",
		"nats.url":     "nats-url",
		"redis.addr":   "redis-addr",
		"metrics.addr": "metrics-addr",
	}
	for key, name := range bind {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			log.Fatalf("bind flag %s: %v", name, err)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flagConfig != "" {
		v.SetConfigFile(flagConfig)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	log.Printf("chat client starting")
	log.Printf("  transport:     %s", cfg.Transport)
	log.Printf("  api_url:       %s", cfg.API.URL)
	log.Printf("  redis_addr:    %s", orNone(cfg.Redis.Addr))
	log.Printf("  metrics_addr:  %s", orNone(cfg.Metrics.Addr))

	if cfg.Metrics.Addr != "" {
		srv := startMetrics(cfg.Metrics.Addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	store, closeStore, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	s, err := session.New(session.Config{
		Token:                cfg.Token,
		Self:                 chat.Identity{ID: cfg.User.ID, Name: cfg.User.Name},
		MaxReconnectAttempts: cfg.Session.MaxReconnects,
		BackoffBase:          cfg.Session.BackoffBase,
		BackoffMax:           cfg.Session.BackoffMax,
		HandshakeTimeout:     cfg.Session.HandshakeTimeout,
		ConfirmTimeout:       cfg.Session.ConfirmTimeout,
	}, session.Deps{
		Transport:    newTransport(cfg),
		API:          api.NewClient(cfg.API.URL, cfg.Token, &http.Client{Timeout: cfg.API.Timeout}),
		RoomCache:    store,
		HistoryCache: store,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	c := newConsole(s, os.Stdout)
	c.watch()

	if err := s.Start(ctx); err != nil {
		if errors.Is(err, session.ErrAuthMissing) {
			return fmt.Errorf("%w: pass --token or set CHAT_TOKEN", err)
		}
		// Sends still go through REST.
		log.Printf("[chatclient] live channel unavailable: %v", err)
	}
	if _, err := s.LoadRooms(ctx); err != nil {
		return err
	}
	c.printRooms()

	return c.run(ctx, os.Stdin)
}

func newTransport(cfg *config.Config) transport.Transport {
	if cfg.Transport == config.TransportNATS {
		nc := transport.DefaultNATSConfig()
		nc.URL = cfg.NATS.URL
		nc.InboundSubject = cfg.NATS.InboundSubject
		nc.OutboundSubject = cfg.NATS.OutboundSubject
		nc.MaxReconnects = cfg.Session.MaxReconnects
		return transport.NewNATSTransport(nc)
	}

	wc := transport.DefaultWSConfig()
	wc.URL = cfg.Live.URL
	wc.DialTimeout = cfg.Session.HandshakeTimeout
	wc.PingInterval = cfg.Live.PingInterval
	wc.PongTimeout = cfg.Live.PongTimeout
	wc.WriteTimeout = cfg.Live.WriteTimeout
	return transport.NewWSTransport(wc)
}

// openCache returns the Redis cache when configured, else an in-memory one.
func openCache(ctx context.Context, cfg *config.Config) (cache.Store, func(), error) {
	if cfg.Redis.Addr == "" {
		return cache.NewMemory(), func() {}, nil
	}

	rdb, err := cache.Dial(ctx, cfg.Redis.Addr)
	if err != nil {
		return nil, nil, err
	}
	namespace := cfg.User.ID
	if namespace == "" {
		namespace = "anonymous"
		if ident, err := auth.IdentityFromToken(cfg.Token); err == nil {
			namespace = ident.ID
		}
	}
	return cache.NewRedis(rdb, namespace, cfg.Redis.TTL), func() { rdb.Close() }, nil
}

func startMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf("[metrics] listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
	return srv
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
