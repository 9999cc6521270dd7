// Command plazaserver is the room relay: browsers connect over WebSocket,
// rooms fan out over NATS and presence lives in Redis, so any number of
// relays can serve the same rooms.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pixelplaza/plaza/internal/api"
	"github.com/pixelplaza/plaza/internal/channel"
	"github.com/pixelplaza/plaza/internal/config"
	"github.com/pixelplaza/plaza/internal/logging"
	"github.com/pixelplaza/plaza/internal/messaging"
	"github.com/pixelplaza/plaza/internal/presence"
	"github.com/pixelplaza/plaza/internal/proxy"
	"github.com/pixelplaza/plaza/internal/ratelimit"
	"github.com/pixelplaza/plaza/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("plaza relay starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Int("worker_pool", cfg.WorkerPoolSize),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Duration("read_timeout", cfg.ReadTimeout),
		zap.Duration("write_timeout", cfg.WriteTimeout),
		zap.String("nats_url", cfg.NATSURL),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("server_name", cfg.ServerName))

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "plaza-relay-" + cfg.ServerName
	natsClient, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}

	// --- Redis ---
	redisClient, err := presence.Dial(context.Background(), cfg.RedisAddr)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	store := presence.NewStore(redisClient, cfg.PresenceTTL)
	limiter := ratelimit.NewLimiter(redisClient, logger)
	bus := channel.NewBus(natsClient, store, logger)

	// --- WebSocket relay ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout

	dispatcher := ws.NewMessageDispatcher(nil, logger)
	server := ws.NewServer(wsConfig, logger, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	relay := ws.NewRelay(server, bus, limiter, logger)
	relay.Register(dispatcher)
	server.SetOnDisconnect(relay.Disconnect)
	server.SetAdmit(relay.Admit)

	if err := server.Start(); err != nil {
		logger.Fatal("failed to start websocket server", zap.Error(err))
	}

	router := api.NewRouter(api.Deps{
		WebSocket:   server.HandleUpgrade,
		Health:      server.HandleHealth,
		AudioProxy:  proxy.NewHandler(nil, logger),
		Rooms:       store,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		sig := <-sigCh
		logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown error", zap.Error(err))
		}
		// Closing connections untracks their members, so Redis and NATS go last.
		_ = server.Shutdown()
		natsClient.Close()
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("http server error", zap.Error(err))
	}
	// ListenAndServe returns as soon as Shutdown starts; wait for cleanup.
	<-stopped
	logger.Info("relay stopped")
}
