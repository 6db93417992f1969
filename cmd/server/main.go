/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the team-desk server: request lifecycle API,
  realtime channel and the monthly accrual scheduler.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment), apply flag overrides
  2. Initialize the store (SQLite, or in-memory)
  3. Wire the realtime hub, workflow services and identity middleware
  4. Start the accrual scheduler
  5. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -env     .env file to load (default: .env, optional)
  -port    HTTP server port, overrides PORT
  -db      SQLite database path, overrides DB_PATH
           Use "memory" for a non-persistent in-process store

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  3. Stop the scheduler and close realtime connections
  4. Close database connection

EXAMPLES:
  JWT_SECRET=dev ./server -db="./data/team-desk.db"
  JWT_SECRET=dev ./server -db=memory -port=3000

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/team-desk/api"
	"github.com/warp/team-desk/config"
	"github.com/warp/team-desk/metrics"
	"github.com/warp/team-desk/realtime"
	"github.com/warp/team-desk/store/sqlite"
	"github.com/warp/team-desk/workflow"
	"github.com/warp/team-desk/workflow/store"
)

func main() {
	// Flags
	envFile := flag.String("env", "", "Path to a .env file")
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path, or \"memory\" (overrides DB_PATH)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	log := cfg.Logger()
	decimal.MarshalJSONWithoutQuotes = true

	// Initialize store
	var (
		st workflow.Store
		db api.Pinger
	)
	if cfg.DBPath == "memory" {
		st = store.NewMemory()
		log.Warn("using in-memory store, data is lost on exit")
	} else {
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.WithError(err).Fatal("failed to create database directory")
			}
		}
		sq, err := sqlite.New(cfg.DBPath)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize database")
		}
		defer sq.Close()
		st, db = sq, sq
	}

	// Wire services
	hub := realtime.NewHub(log, nil, metrics.WSConnections)
	users := workflow.NewUserDirectory(st, log)
	notifier := workflow.NewNotifier(st, hub, log)
	requests := workflow.NewRequestService(st, hub, notifier, log)
	job := workflow.NewAccrualJob(st, cfg.Amount(), log)

	scheduler := api.NewAccrualScheduler(job, cfg.AccrualSchedule, cfg.AccrualCatchUp, log)
	if err := scheduler.Start(); err != nil {
		log.WithError(err).Fatal("failed to start accrual scheduler")
	}

	handler := &api.Handler{
		Requests:  requests,
		Notifier:  notifier,
		Users:     users,
		Scheduler: scheduler,
		Hub:       hub,
		DB:        db,
		Log:       log.WithField("component", "api"),
	}
	router := api.NewRouter(handler, api.RouterOptions{
		Auth:           api.NewAuthenticator(cfg.JWTSecret, users, log),
		AllowedOrigins: cfg.Origins(),
		Log:            log,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithField("port", cfg.Port).WithField("db", cfg.DBPath).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	scheduler.Stop()
	hub.Close()

	log.Info("server stopped")
}
