package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nativebpm/taskworker"
	"github.com/nativebpm/taskworker/internal/config"
	"github.com/nativebpm/taskworker/internal/pack"
)

func serveCmd() *cobra.Command {
	var (
		engineURL            string
		authorization        string
		workerID             string
		maxJobs              int
		asyncResponseTimeout time.Duration
		lockTTL              time.Duration
		callTimeout          time.Duration
		onFailure            string
		executor             string
		secretsDir           string
		secretsProfile       string
		envFile              string
		metricsAddr          string
		logLevel             string
		logFormat            string
	)

	cmd := &cobra.Command{
		Use:   "serve PACKAGE...",
		Short: "Fetch and execute external tasks for the given packages",
		Long:  "Serve the topics declared by one or more task packages (directories or archives), fetching external tasks from the engine and running their executors until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := config.LoadEnvFile(envFile); err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(exitConfigError)
				}
			}

			cfg := config.FromEnv()
			flags := cmd.Flags()
			if flags.Changed("engine-url") {
				cfg.EngineURL = engineURL
			}
			if flags.Changed("authorization") {
				cfg.Authorization = authorization
			}
			if flags.Changed("worker-id") {
				cfg.WorkerID = workerID
			}
			if flags.Changed("async-response-timeout") {
				cfg.AsyncResponseTimeout = asyncResponseTimeout
			}
			if flags.Changed("lock-ttl") {
				cfg.LockDuration = lockTTL
			}
			if flags.Changed("timeout") {
				cfg.CallTimeout = callTimeout
			}
			if flags.Changed("secrets-profile") {
				cfg.SecretsProfile = secretsProfile
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			cfg.MaxJobs = maxJobs
			cfg.DefaultPolicy = pack.FailurePolicy(onFailure)
			cfg.ExecutorPath = executor
			cfg.SecretsDir = secretsDir
			cfg.LogFormat = logFormat
			cfg.MetricsAddr = metricsAddr

			logger := newLogger(cfg.LogLevel, cfg.LogFormat)

			worker, err := taskworker.NewWorker(cfg, args, logger)
			if err != nil {
				logger.Error("Configuration error", "error", err)
				os.Exit(exitConfigError)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Info("Shutdown requested, draining in-flight leases")
				cancel()
				<-sigCh
				logger.Warn("Aborting immediately")
				worker.Abort()
			}()

			if cfg.MetricsAddr != "" {
				go serveMetrics(cfg.MetricsAddr, logger)
			}

			if err := worker.Run(ctx); err != nil {
				logger.Error("Worker failed", "error", err)
				os.Exit(exitRuntimeError)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&engineURL, "engine-url", "http://localhost:8080/engine-rest", "engine REST base URL")
	cmd.Flags().StringVar(&authorization, "authorization", "", "Authorization header sent verbatim with every request")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker id sent with every request")
	cmd.Flags().IntVar(&maxJobs, "max-jobs", config.DefaultMaxJobs, "maximum concurrent in-flight leases")
	cmd.Flags().DurationVar(&asyncResponseTimeout, "async-response-timeout", config.DefaultAsyncResponseTimeout, "engine-side long-poll duration")
	cmd.Flags().DurationVar(&lockTTL, "lock-ttl", config.DefaultLockDuration, "lock duration per lease and extension")
	cmd.Flags().DurationVar(&callTimeout, "timeout", config.DefaultCallTimeout, "deadline for non-long-poll engine requests")
	cmd.Flags().StringVar(&onFailure, "on-failure", string(pack.PolicyFail), "default failure policy for topics that set none (FAIL, ERROR, COMPLETE)")
	cmd.Flags().StringVar(&executor, "executor", "taskexec", "task executor binary")
	cmd.Flags().StringVar(&secretsDir, "secrets-dir", "", "directory of <profile>.env secret files")
	cmd.Flags().StringVar(&secretsProfile, "secrets-profile", "", "default secrets profile for topics that name none")
	cmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file loaded before reading the environment")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	return cmd
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info("Serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics listener failed", "error", err)
	}
}
