package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"oracle-gateway/internal/config"
	"oracle-gateway/internal/pairs"
	"oracle-gateway/internal/pubsub"
	"oracle-gateway/internal/relay"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	version   = "1.0.0"
	startTime = time.Now()
)

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting Oracle Gateway...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}

	// Set log level and format
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	// Initialize the optional Redis mirror
	var publisher *pubsub.Publisher
	if cfg.MirrorEnabled() {
		logger.Info("Connecting to Redis...")
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis: ", err)
		}
		defer redisClient.Close()
		logger.Info("Redis connected successfully")

		publisher = pubsub.NewPublisher(redisClient, cfg.Redis.PubSubChannel, logger)
	} else {
		logger.Info("Redis mirror disabled (REDIS_HOST not set)")
	}

	// Load the advertised pair list
	knownPairs := pairs.LoadKnownPairsWithFallback(cfg.Relay.PairsFile)
	logger.Infof("Advertising %d known pairs", len(knownPairs))

	// Initialize the relay service
	relaySvc := relay.NewService(cfg, publisher, logger)

	// HTTP server: WebSocket endpoint plus health, metrics and pairs
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket/price/subscribe", relaySvc.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"server is running","version":"%s","uptime_seconds":%d}`,
			version, int64(time.Since(startTime).Seconds()))
	})

	mux.HandleFunc("/pairs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"pairs": knownPairs})
	})

	addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- err
		}
	}()

	logger.Infof("Oracle Gateway v%s started successfully", version)

	// Wait for shutdown signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case err := <-serverErrChan:
		logger.WithError(err).Error("HTTP server error")
	}

	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown error")
	}

	relaySvc.Shutdown()

	logger.Info("Shutdown complete")
}
