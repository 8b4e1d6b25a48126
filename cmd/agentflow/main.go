// AgentFlow server: exposes the workflow HTTP API, runs the execution
// worker pool, and bridges execution events to WebSocket clients.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/agentflow-dev/agentflow/engine"
	"github.com/agentflow-dev/agentflow/event"
	"github.com/agentflow-dev/agentflow/llm"
	"github.com/agentflow-dev/agentflow/llm/anthropic"
	"github.com/agentflow-dev/agentflow/llm/google"
	"github.com/agentflow-dev/agentflow/llm/openai"
	"github.com/agentflow-dev/agentflow/server"
	"github.com/agentflow-dev/agentflow/store"
	"github.com/agentflow-dev/agentflow/worker"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

// openStore selects the persistence backend from AGENTFLOW_DB_DRIVER:
// "sqlite" (default, DSN is a file path), "mysql" (DSN is a go-sql-driver
// DSN), or "memory" for throwaway runs.
func openStore(driver, dsn string) (store.Store, error) {
	switch driver {
	case "sqlite":
		return store.NewSQLiteStore(dsn)
	case "mysql":
		return store.NewMySQLStore(dsn)
	case "memory":
		return store.NewMemStore(), nil
	default:
		return nil, errors.New("unknown AGENTFLOW_DB_DRIVER: " + driver)
	}
}

func main() {
	envFile := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := godotenv.Load(*envFile); err != nil {
		log.Info("no .env file loaded, using existing environment", "path", *envFile)
	}

	addr := getEnv("AGENTFLOW_ADDR", ":8080")
	dbDriver := getEnv("AGENTFLOW_DB_DRIVER", "sqlite")
	dbDSN := getEnv("AGENTFLOW_DB_DSN", "agentflow.db")
	workers := getEnvInt("AGENTFLOW_WORKERS", 4)

	log.Info("starting agentflow", "addr", addr, "db_driver", dbDriver, "workers", workers)

	st, err := openStore(dbDriver, dbDSN)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("error closing store", "error", err)
		}
	}()

	pricing := llm.DefaultPricingTable()
	if path := os.Getenv("AGENTFLOW_PRICING"); path != "" {
		pricing, err = llm.LoadPricingTable(path)
		if err != nil {
			log.Error("failed to load pricing table", "path", path, "error", err)
			os.Exit(1)
		}
		log.Info("loaded pricing table", "path", path)
	}

	registry := llm.NewRegistry(llm.Credentials{
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		GoogleKey:    os.Getenv("GOOGLE_API_KEY"),
	}, pricing)
	registry.RegisterFactory("openai", openai.Factory)
	registry.RegisterFactory("anthropic", anthropic.Factory)
	registry.RegisterFactory("google", google.Factory)

	bus := event.NewBus(log)
	var publisher event.Publisher = bus
	if os.Getenv("AGENTFLOW_TRACING") == "1" {
		// Spans go to whatever tracer provider the deployment installed
		// on the otel global; without one they are no-ops.
		otelPub := event.NewOTelPublisher(otel.Tracer("agentflow"))
		publisher = event.MultiPublisher{bus, otelPub}
		log.Info("tracing publisher enabled")
	}

	metrics := engine.NewMetrics(prometheus.DefaultRegisterer)
	executor := engine.NewExecutor(st, registry, publisher, log, engine.WithMetrics(metrics))

	queue := worker.NewQueue(executor, log, worker.DefaultBuffer)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	queue.Start(workerCtx, workers)

	srv := server.NewServer(st, bus, queue, pricing, log)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		log.Error("http server error", "error", err)
	}

	// Stop intake first so no new executions are admitted while workers
	// drain, then give in-flight executions a bounded window.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		queue.Stop()
		close(done)
	}()
	select {
	case <-done:
		log.Info("worker queue drained")
	case <-shutdownCtx.Done():
		log.Warn("shutdown timeout exceeded, abandoning in-flight executions")
	}

	log.Info("shutdown complete")
}
