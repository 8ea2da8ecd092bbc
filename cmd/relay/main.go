// The relay binary serves the bidirectional transfer channel on the
// channel port.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/dragondrop/internal/audit"
	"github.com/kenneth/dragondrop/internal/catalog"
	"github.com/kenneth/dragondrop/internal/config"
	"github.com/kenneth/dragondrop/internal/identity"
	"github.com/kenneth/dragondrop/internal/kv"
	"github.com/kenneth/dragondrop/internal/metrics"
	"github.com/kenneth/dragondrop/internal/middleware"
	"github.com/kenneth/dragondrop/internal/relay"
	"github.com/kenneth/dragondrop/internal/session"
	"github.com/kenneth/dragondrop/internal/tracing"
	"github.com/kenneth/dragondrop/internal/transfer"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to optional YAML config file")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "dragondrop-relay", logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing(context.Background())

	store, err := kv.NewStore(ctx, kv.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.DatabasePassword,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to the store")
	}
	defer store.Close()
	logger.Info("Connected to the store")

	tokens, err := identity.NewTokens(cfg.JWTKey)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize token authority")
	}

	m := metrics.NewMetrics()
	recorder := audit.NewRecorder(store, logger)
	sessions := session.NewRegistry(store, tokens, recorder, logger)
	cat := catalog.NewCatalog(store, recorder, logger)
	protocol := transfer.NewProtocol(store, cat, sessions, recorder, m, logger, cfg.MaxChunkSize)
	drivers := transfer.NewDrivers(m)

	handler := relay.NewHandler(store, cat, tokens, protocol, drivers, m, logger, cfg.DriverTick, cfg.OutboundQueue)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	chain := middleware.RecoveryMiddleware(logger)(
		middleware.CORSMiddleware(router))

	server := &http.Server{
		Addr:    cfg.RelayAddr,
		Handler: chain,
	}

	go func() {
		logger.WithField("addr", cfg.RelayAddr).Info("Listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Error serving application")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown failed")
		os.Exit(1)
	}
}
