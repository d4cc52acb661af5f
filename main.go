package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pipeline_server/config"
	"pipeline_server/internal/bootstrap"
	"pipeline_server/pkg/logger"
)

const shutdownTimeout = 90 * time.Second // drain window + margin

// Exit codes for the CLI driver.
const (
	exitOK               = 0
	exitInvalidInput     = 1
	exitStoreUnavailable = 2
	exitQueueUnavailable = 3
	exitLLMUnavailable   = 4
	exitUsage            = 64
)

func main() {
	logger.Init(logger.Config{
		Level:   logger.ParseLevel(os.Getenv("LOG_LEVEL")),
		Service: "pipeline",
	})

	// Load .env file if exists (for local development)
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	mode := flag.String("mode", "all", "Run mode: api, worker, all")
	flag.Parse()

	switch *mode {
	case "api", "worker", "all":
	default:
		logger.Error("Unknown mode: %s", *mode)
		os.Exit(exitUsage)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(exitInvalidInput)
	}

	deps, cleanup, err := bootstrap.NewDependencies(cfg)
	if err != nil {
		logger.Error("Failed to initialize dependencies: %v", err)
		os.Exit(exitCodeFor(err, cfg))
	}
	defer cleanup()

	var worker *bootstrap.Worker
	if *mode == "worker" || *mode == "all" {
		worker = bootstrap.NewWorker(deps)
		worker.Start()
	}

	if *mode == "worker" {
		waitForSignal()
		shutdownWorker(worker)
		return
	}

	app := bootstrap.NewAPI(deps)

	go func() {
		waitForSignal()
		logger.Info("Shutting down (timeout: %v)...", shutdownTimeout)

		done := make(chan struct{})
		go func() {
			if worker != nil {
				worker.Stop()
			}
			_ = app.Shutdown()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("Shut down gracefully")
		case <-time.After(shutdownTimeout):
			logger.Warn("Shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	addr := ":" + cfg.Port
	logger.Info("Starting API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		logger.Error("Server stopped: %v", err)
		os.Exit(1)
	}
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
}

func shutdownWorker(worker *bootstrap.Worker) {
	logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)

	done := make(chan struct{})
	go func() {
		worker.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker shut down gracefully")
	case <-time.After(shutdownTimeout):
		logger.Warn("Worker shutdown timed out, forcing exit")
		os.Exit(1)
	}
}

// exitCodeFor maps a startup failure to the documented exit codes by
// probing which backend refused.
func exitCodeFor(err error, cfg *config.Config) int {
	msg := err.Error()
	switch {
	case cfg.StoreURL == "" || containsAny(msg, "postgres", "pgx", "STORE_URL"):
		return exitStoreUnavailable
	case cfg.QueueURL == "" || containsAny(msg, "redis", "QUEUE_URL"):
		return exitQueueUnavailable
	case containsAny(msg, "llm", "runtime"):
		return exitLLMUnavailable
	default:
		return exitInvalidInput
	}
}

func containsAny(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
