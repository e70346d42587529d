package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/feedmux/pricerelay/internal/config"
	"github.com/feedmux/pricerelay/internal/feed"
	"github.com/feedmux/pricerelay/internal/handler"
	"github.com/feedmux/pricerelay/internal/middleware"
	"github.com/feedmux/pricerelay/internal/pkg/logger"
	"github.com/feedmux/pricerelay/internal/registry"
	"github.com/feedmux/pricerelay/internal/relay"
	"github.com/feedmux/pricerelay/internal/repository"
	"github.com/feedmux/pricerelay/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level)

	// Instrument registry: must be populated before the first client.
	reg := registry.New()
	reg.LoadStatic(cfg.Pairs)
	if reg.Len() == 0 {
		logger.Warn("no pairs configured, clients will have nothing to subscribe to")
	}

	// Latest-tick cache (redis, optional).
	var cache feed.TickCache
	if cfg.Redis.Addr != "" {
		tickCache, err := repository.NewTickCache(cfg)
		if err == nil {
			logger.Info("connected to redis tick cache", "addr", cfg.Redis.Addr)
			cache = tickCache
			defer tickCache.Close()
		} else {
			logger.Error("failed to connect to redis, snapshot fallback disabled", "error", err)
		}
	}

	conn := feed.NewConnection(feed.Options{
		WSURL:           cfg.Upstream.WSURL,
		HTTPURL:         cfg.Upstream.HTTPURL,
		BaseDelay:       cfg.Upstream.ReconnectBaseDelay(),
		MaxDelay:        cfg.Upstream.ReconnectMaxDelay(),
		MaxAttempts:     cfg.Upstream.MaxReconnectAttempts,
		PingPeriod:      cfg.Upstream.PingPeriod(),
		SnapshotTimeout: cfg.Upstream.SnapshotTimeout(),
		Cache:           cache,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := conn.Connect(ctx); err != nil {
		cancel()
		log.Fatalf("Initial upstream connect failed: %v", err)
	}
	cancel()

	mux := relay.NewMultiplexer(conn, reg)
	sessions := session.NewManager(mux, reg, session.Options{
		MsgRatePerSec:   cfg.Server.MsgRatePerSec,
		MsgBurst:        cfg.Server.MsgBurst,
		SnapshotTimeout: cfg.Server.SnapshotTimeout(),
	})

	relayHandler := handler.NewRelayHandler(conn, reg)

	r := gin.Default()
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", relayHandler.Health)
	r.GET("/v1/pairs", relayHandler.ListPairs)
	r.GET(cfg.Server.WSPath, func(c *gin.Context) {
		sessions.Handle(c.Writer, c.Request)
	})

	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("relay started", "port", cfg.Server.Port, "ws_path", cfg.Server.WSPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	sessions.Close()
	conn.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	logger.Info("relay exiting")
}
