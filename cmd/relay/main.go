// Command relay runs the DigitalFlow collaboration relay: a stateless
// room router that fans editor broadcasts out to the other sessions on
// the same document. Configure with environment variables, optionally
// loaded from a .env file:
//
//	RELAY_ADDR   listen address (default :8087)
//	REDIS_ADDR   optional Redis address enabling the multi-instance bridge
//	LOG_LEVEL    debug, info, warn or error (default info)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/samuelzanatto/digitalflow/pubsub"
	"github.com/samuelzanatto/digitalflow/relay"
)

func main() {
	// A missing .env file is fine; the environment still applies.
	_ = godotenv.Load()

	logger := newLogger(os.Getenv("LOG_LEVEL"))
	defer func() { _ = logger.Sync() }()

	addr := os.Getenv("RELAY_ADDR")
	if addr == "" {
		addr = ":8087"
	}

	var bridge pubsub.PubSub
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		ps, err := pubsub.NewRedisPubSub(client, nil, logger)
		if err != nil {
			logger.Fatal("Failed to connect Redis bridge",
				zap.String("redis_addr", redisAddr),
				zap.Error(err))
		}
		bridge = ps
		logger.Info("Redis bridge enabled", zap.String("redis_addr", redisAddr))
	}

	hub := relay.NewHub(bridge, logger)
	router := relay.NewRouter(hub, logger)

	server := &http.Server{
		Addr:    addr,
		Handler: router.Setup(),
	}

	go func() {
		logger.Info("Relay listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Relay server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("Shutdown did not complete cleanly", zap.Error(err))
	}
	if bridge != nil {
		_ = bridge.Close()
	}
}

// newLogger builds a production zap logger at the requested level.
func newLogger(level string) *zap.Logger {
	zapLevel := zapcore.InfoLevel
	switch strings.ToUpper(level) {
	case "DEBUG":
		zapLevel = zapcore.DebugLevel
	case "WARN":
		zapLevel = zapcore.WarnLevel
	case "ERROR":
		zapLevel = zapcore.ErrorLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
