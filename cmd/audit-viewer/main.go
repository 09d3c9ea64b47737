package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ozarkfinances/audittrail/pkg/audit"
	"github.com/ozarkfinances/audittrail/pkg/config"
	"github.com/ozarkfinances/audittrail/pkg/observability"
)

var configPath = flag.String("config", "", "Path to YAML config file (optional)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger config may itself be broken; use a default logger to report
		observability.NewLogger("info", os.Stderr).WithError(err).Fatal("failed to load configuration")
	}

	log := observability.NewLogger(cfg.Logging.Level, os.Stdout)

	if cfg.Storage.BackupDir != "" {
		if err := os.MkdirAll(cfg.Storage.BackupDir, 0o755); err != nil {
			log.WithError(err).Fatal("failed to create backup directory")
		}
	}
	if dir := filepath.Dir(cfg.Storage.DatabasePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.WithError(err).Fatal("failed to create database directory")
		}
	}

	store, err := audit.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		log.WithError(err).Fatal("failed to open audit store")
	}
	defer store.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	recorder := audit.NewRecorder(store, log, metrics)
	service := audit.NewService(store, metrics)
	handlers := audit.NewHandlers(service, recorder, log, cfg.Storage.BackupDir)

	router := mux.NewRouter()
	router.Use(audit.RequestContextMiddleware)
	router.Use(metrics.Middleware)
	handlers.RegisterRoutes(router)
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.WithField("addr", addr).Info("audit viewer listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown did not complete cleanly")
	}
	log.Info("audit viewer stopped")
}
