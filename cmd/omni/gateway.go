package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/omni/internal/automation"
	"github.com/jkaninda/omni/internal/config"
	"github.com/jkaninda/omni/internal/gateway"
	"github.com/jkaninda/omni/internal/gateway/httpapi"
	"github.com/jkaninda/omni/internal/ratelimit"
	"github.com/jkaninda/omni/internal/scheduler"
)

const retentionJobName = "automation-log-retention"

var (
	gatewayConfigPath string
	gatewayPort       string
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (REST API, event bus, automation engine)",
	RunE:  runGateway,
}

func init() {
	// Register flags on both root and gateway so that
	// `omni --config path` and `omni gateway --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, gatewayCmd} {
		cmd.Flags().StringVar(&gatewayConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&gatewayPort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// loadConfig reads the config file, honoring OMNI_CONFIG. A missing file at
// the default path yields the built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	path = goutils.Env("OMNI_CONFIG", path)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == config.DefaultConfigPath() {
		return config.Parse([]byte("{}"), ".yaml")
	}
	return config.Load(path)
}

// runGateway starts the gateway and blocks until a signal or a fatal error.
func runGateway(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(gatewayConfigPath)
	if err != nil {
		return err
	}
	if gatewayPort != "" {
		cfg.HTTP.ListenAddr = gatewayPort
	}

	logger, logCloser, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting gateway",
		slog.String("config", goutils.Env("OMNI_CONFIG", gatewayConfigPath)),
		slog.String("version", version),
	)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Automation engine.
	if cfg.Automation.IsEnabled() {
		enabled, err := sc.Automations.LoadEnabled(ctx)
		if err != nil {
			return fmt.Errorf("loading automations: %w", err)
		}
		if err := sc.Engine.Start(ctx, sc.Bus, enabled); err != nil && !errors.Is(err, automation.ErrEngineDisabled) {
			return fmt.Errorf("starting automation engine: %w", err)
		}
	} else {
		logger.Info("automation engine disabled by config")
	}

	// Housekeeping jobs.
	if cfg.Retention != nil && cfg.Retention.Enabled {
		reg := sc.Obs.MetricsOrNil().RegistryOrNil()
		schedMetrics := scheduler.NewMetrics(reg)
		sched := scheduler.New(schedMetrics, logger)
		job := scheduler.RetentionJob(sc.Store.AutomationLogs(), cfg.Retention.MaxAge(), schedMetrics, logger)
		if err := sched.Add(retentionJobName, cfg.Retention.CronSchedule(), job); err != nil {
			return fmt.Errorf("scheduling retention: %w", err)
		}
		cancelScheduler := sched.Start(ctx)
		defer cancelScheduler()
		logger.Debug("log retention scheduled",
			slog.String("schedule", cfg.Retention.CronSchedule()),
			slog.String("max_age", cfg.Retention.MaxAge().String()),
		)
	}

	gateways := []gateway.Gateway{buildHTTPGateway(cfg, sc)}

	g, gctx := errgroup.WithContext(ctx)
	for _, gw := range gateways {
		g.Go(func() error {
			return gw.Start(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Stop intake first, then drain the engine.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Automation.StopTimeout()+5*time.Second)
		defer cancel()
		for _, gw := range gateways {
			if err := gw.Stop(shutdownCtx); err != nil {
				logger.Error("stopping gateway", slog.String("error", err.Error()))
			}
		}
		if err := sc.Engine.Stop(shutdownCtx); err != nil {
			logger.Error("stopping automation engine", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("gateway exited with error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// buildHTTPGateway creates the REST API from config and shared components.
func buildHTTPGateway(cfg *config.Config, sc *SharedComponents) *httpapi.Gateway {
	var limiter *ratelimit.Limiter
	if rl := cfg.HTTP.RateLimit; rl != nil {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: rl.RequestsPerMinute,
			BurstSize:         rl.BurstSize,
		})
	}

	httpCfg := httpapi.Config{
		ListenAddr: cfg.HTTP.Addr(),
		EnableDocs: cfg.HTTP.EnableDocs,
		APIKeys:    cfg.HTTP.APIKeys,
	}
	if obs := sc.Obs; obs != nil {
		httpCfg.Metrics = obs.Metrics
		httpCfg.MetricsRegistry = obs.Metrics.RegistryOrNil()
		httpCfg.MetricsPath = cfg.MetricsPath()
		httpCfg.Tracer = sc.Tracer()
		httpCfg.HealthChecker = obs.Health
		if obs.Health != nil {
			obs.Health.AddCheck("storage", sc.Store.Ping)
			if cfg.Automation.IsEnabled() {
				obs.Health.AddCheck("automation_engine", func(context.Context) error {
					if s := sc.Engine.State(); s != automation.StateRunning {
						return fmt.Errorf("engine is %s", s)
					}
					return nil
				})
			}
		}
	}
	if len(httpCfg.APIKeys) == 0 {
		sc.Logger.Warn("no API keys configured, the REST API is unauthenticated")
	}

	gw := httpapi.NewGateway(httpCfg, httpapi.Services{
		Automations: sc.Automations,
		Engine:      sc.Engine,
		Routes:      sc.Routes,
		Bus:         sc.Bus,
	}, limiter, sc.Logger)
	sc.Logger.Debug("gateway enabled",
		slog.String("type", "http"),
		slog.String("addr", httpCfg.ListenAddr),
		slog.Bool("rate_limited", limiter != nil),
		slog.Bool("docs", httpCfg.EnableDocs),
	)
	return gw
}
