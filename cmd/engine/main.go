package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"basis_engine/internal/config"
	"basis_engine/internal/core"
	"basis_engine/internal/engine"
	"basis_engine/internal/logging"
	apperrors "basis_engine/pkg/errors"
	"basis_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/mode.yaml", "Path to the mode configuration file")
	strategyName := flag.String("strategy", "", "Strategy name for the request")
	capital := flag.String("capital", "0", "Initial capital in the share class")
	startDate := flag.String("start", "", "Backtest start date (YYYY-MM-DD)")
	endDate := flag.String("end", "", "Backtest end date (YYYY-MM-DD)")
	metricsAddr := flag.String("metrics-addr", ":9100", "Prometheus metrics listen address")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("basis_engine version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	logger, err := logging.NewZapLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	env, err := config.LoadEnv()
	if err != nil {
		logger.Error("Failed to load environment", "error", err)
		os.Exit(1)
	}

	mode, err := config.LoadModeConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load mode config", "error", err)
		os.Exit(1)
	}

	initialCapital, err := decimal.NewFromString(*capital)
	if err != nil {
		logger.Error("Invalid --capital value", "value", *capital, "error", err)
		os.Exit(1)
	}
	name := *strategyName
	if name == "" {
		name = mode.Mode
	}

	request := config.NewRequest(name, initialCapital, mode.ShareClass)
	if request.StartDate, request.EndDate, err = resolveDates(env, *startDate, *endDate); err != nil {
		logger.Error("Invalid date range", "error", err)
		os.Exit(1)
	}

	tel, err := telemetry.Setup("basis_engine")
	if err != nil {
		logger.Warn("Failed to initialize telemetry (continuing without metrics)", "error", err)
	} else {
		tel.ServeMetrics(*metricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tel.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("Starting engine",
		"version", version,
		"mode", mode.Mode,
		"execution_mode", env.ExecutionMode,
		"share_class", mode.ShareClass,
		"request_id", request.ID,
	)

	eng, err := engine.Build(env, mode, request, logger)
	if err != nil {
		logger.Error("Failed to build engine", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch env.ExecutionMode {
	case core.ModeBacktest:
		err = eng.RunBacktest(ctx)
	case core.ModeLive:
		err = eng.RunLive(ctx)
	}

	var sysErr *apperrors.SystemFailureError
	switch {
	case err == nil:
		logger.Info("Engine finished", "status", eng.Status())
	case errors.As(err, &sysErr):
		logger.Error("System failure, exiting for supervisor restart",
			"failed_component", sysErr.Component, "reason", sysErr.Reason)
		os.Exit(apperrors.ExitSystemFailure)
	case errors.Is(err, apperrors.ErrRequestCancelled):
		logger.Info("Engine cancelled", "status", eng.Status())
	default:
		logger.Error("Engine failed", "error", err)
		os.Exit(1)
	}
}

// resolveDates prefers explicit flags, falling back to the environment's
// data window.
func resolveDates(env *config.Env, start, end string) (time.Time, time.Time, error) {
	s, e := env.DataStartDate, env.DataEndDate
	var err error
	if start != "" {
		if s, err = time.Parse("2006-01-02", start); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--start: %w", err)
		}
	}
	if end != "" {
		if e, err = time.Parse("2006-01-02", end); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--end: %w", err)
		}
	}
	if env.ExecutionMode == core.ModeBacktest {
		if s.IsZero() || e.IsZero() {
			return time.Time{}, time.Time{}, fmt.Errorf("backtest requires a start and end date")
		}
		if e.Before(s) {
			return time.Time{}, time.Time{}, fmt.Errorf("end date precedes start date")
		}
	}
	return s, e, nil
}
