/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the inventory cost ledger server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment configuration (.env supported)
  2. Build the zap logger
  3. Initialize SQLite store
  4. Create API handler with dependencies
  5. Start the alert detection scheduler
  6. Start server with graceful shutdown

CONFIGURATION (environment variables, see config/config.go):
  PORT                 HTTP server port (default: 8080)
  DATABASE_PATH        SQLite database path (default: ./data/costledger.db)
                       Use ":memory:" for an in-memory database
  DETECTION_ENABLED    Run the periodic alert detection job (default: true)
  DETECTION_INTERVAL   Detection interval, Go duration (default: 1h)
  LOGGER_LEVEL         debug|info|warn|error (default: debug)
  LOGGER_ENCODING      console|json (default: console)

  The -port and -db flags override PORT and DATABASE_PATH.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the detection scheduler
  4. Close database connection
  5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Detection scheduler
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/cost-ledger/api"
	"github.com/warp/cost-ledger/config"
	"github.com/warp/cost-ledger/store/sqlite"
)

func main() {
	var (
		port   = flag.String("port", "", "HTTP server port (overrides PORT)")
		dbPath = flag.String("db", "", "SQLite database path (overrides DATABASE_PATH)")
	)
	flag.Parse()

	cfg := config.LoadEnv()
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger, err := buildLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Initialize handler and router
	handler := api.NewHandler(store, logger)
	router := api.NewRouter(handler)

	// Start the alert detection scheduler
	scheduler := api.NewDetectionScheduler(store, handler.Detector, logger)
	scheduler.CheckInterval = cfg.Detection.Interval
	scheduler.Enabled = cfg.Detection.Enabled
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("env", cfg.Server.AppEnv),
			zap.String("db", cfg.Database.Path),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// buildLogger constructs the zap logger from configuration.
func buildLogger(cfg config.LoggerConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.DebugLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Encoding = cfg.Encoding
	zapCfg.DisableCaller = cfg.DisableCaller
	zapCfg.DisableStacktrace = cfg.DisableStacktrace
	if cfg.Encoding == "console" {
		zapCfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return zapCfg.Build()
}
