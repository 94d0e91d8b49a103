/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the adviser allocation service. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (environment / .env, flags override)
  2. Open SQLite (closures, overrides, records, HR mirror)
  3. Build CRM and HR clients (or in-memory fixtures in dev mode)
  4. Compose the store gateway, allocator and notifier
  5. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -addr    Listen address (default from ADDR, fallback :8080)
  -db      SQLite database path (default from DB_PATH)
           Use ":memory:" for an in-memory database

DEV MODE:
  Without CRM_TOKEN the service runs against in-memory CRM and HR
  fixtures: every endpoint works, nothing external is touched.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the database
  4. Exit

SEE ALSO:
  - config/config.go: environment configuration
  - api/server.go: router configuration
  - store/gateway.go: backend composition
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meridian/allocation-engine/api"
	"github.com/meridian/allocation-engine/config"
	"github.com/meridian/allocation-engine/crm"
	"github.com/meridian/allocation-engine/engine"
	"github.com/meridian/allocation-engine/hr"
	"github.com/meridian/allocation-engine/notify"
	"github.com/meridian/allocation-engine/store"
	"github.com/meridian/allocation-engine/store/sqlite"
)

func main() {
	cfg := config.Load()

	addr := flag.String("addr", cfg.Addr, "listen address")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatal("invalid timezone", zap.String("timezone", cfg.Timezone), zap.Error(err))
	}

	db, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal("database init failed", zap.String("path", *dbPath), zap.Error(err))
	}
	defer db.Close()

	var crmClient crm.Client
	var hrClient hr.Client
	if cfg.FixtureMode() {
		log.Warn("no CRM token configured, running against in-memory fixtures")
		crmClient = crm.NewFixture()
		hrClient = hr.NewFixture()
	} else {
		crmClient = crm.NewHubSpot(cfg.CRMBaseURL, cfg.CRMToken, log)
		hrClient = hr.NewREST(cfg.HRBaseURL, hr.Credentials{
			TokenURL:     cfg.HRTokenURL,
			ClientID:     cfg.HRClientID,
			ClientSecret: cfg.HRClientSecret,
			RefreshToken: cfg.HRRefreshToken,
		}, log)
	}

	gateway := store.NewGateway(db, crmClient, hrClient, log, cfg.CacheTTL)
	gateway.CallTimeout = cfg.CallTimeout
	gateway.BulkTimeout = cfg.BulkTimeout

	alloc := engine.NewAllocator(gateway, crmClient, notify.New(cfg.ChatWebhookURL, log), log, loc)
	alloc.Horizon = cfg.HorizonWeeks
	alloc.Parallelism = cfg.FanOutLimit
	alloc.Timeout = cfg.AllocateTimeout

	handler := api.NewHandler(gateway, alloc, log)
	router := api.NewRouter(handler, cfg.AllowedOrigins)

	server := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.AllocateTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting",
			zap.String("addr", *addr),
			zap.String("db", *dbPath),
			zap.Bool("fixture_mode", cfg.FixtureMode()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("forced shutdown", zap.Error(err))
	}
	log.Info("server stopped")
}
