package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/omni/internal/agentcall"
	"github.com/jkaninda/omni/internal/automation"
	"github.com/jkaninda/omni/internal/channel"
	"github.com/jkaninda/omni/internal/config"
	"github.com/jkaninda/omni/internal/eventbus"
	"github.com/jkaninda/omni/internal/observability"
	"github.com/jkaninda/omni/internal/routing"
	"github.com/jkaninda/omni/internal/storage"
	pgstore "github.com/jkaninda/omni/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/omni/internal/storage/sqlite"
)

// SharedComponents holds every initialized subsystem. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // Unified store (SQLite or PostgreSQL).
	Obs    *observability.Observability

	Bus         *eventbus.Bus
	Channels    *channel.Dispatcher
	Agents      *agentcall.Registry
	Engine      *automation.Engine
	Automations *automation.Service
	Routes      *routing.Service

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// Tracer returns the OTel tracer, or nil when tracing is disabled.
func (sc *SharedComponents) Tracer() trace.Tracer {
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		return ts.Tracer()
	}
	return nil
}

// initShared wires storage, the event bus, outbound senders, agent providers,
// the automation engine and the route resolver. Callers must call
// sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", cfg.DataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		if obs.Anomaly != nil && obs.Metrics != nil {
			obs.Anomaly.WithMetrics(obs.Metrics)
		}
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}
	reg := obs.MetricsOrNil().RegistryOrNil()

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	sc.Bus = eventbus.New(eventbus.NewMetrics(reg), logger)

	// Outbound channels.
	dispatcher, err := initChannels(cfg, reg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing channels: %w", err)
	}
	sc.Channels = dispatcher

	// Agent providers.
	agents, err := initAgents(cfg, reg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing agent providers: %w", err)
	}
	sc.Agents = agents
	sc.addCleanup(func() {
		if err := agents.Close(); err != nil {
			logger.Warn("closing agent providers", slog.String("error", err.Error()))
		}
	})

	// Automation engine.
	deps := automation.Dependencies{
		Publisher:            sc.Bus,
		Tracer:               sc.Tracer(),
		Metrics:              automation.NewMetrics(reg),
		ActionTimeout:        cfg.Automation.ActionTimeout(),
		AllowPrivateNetworks: cfg.Automation.AllowPrivateNetworks,
	}
	if obs != nil {
		deps.Sender = observability.NewInstrumentedSender(dispatcher, obs.Metrics, obs.Tracer, obs.Anomaly)
	} else {
		deps.Sender = dispatcher
	}
	if len(agents.Providers()) > 0 {
		if obs != nil {
			deps.Agents = observability.NewInstrumentedAgentCaller(agents, obs.Metrics, obs.Tracer, obs.Anomaly)
		} else {
			deps.Agents = agents
		}
	}

	sc.Engine = automation.NewEngine(automation.EngineConfig{
		Scheduler: automation.SchedulerConfig{
			DefaultConcurrency: cfg.Automation.Concurrency(),
			Overrides:          cfg.Automation.InstanceConcurrencyOverrides,
		},
		StopTimeout: cfg.Automation.StopTimeout(),
	}, deps, logger)
	sc.Automations = automation.NewService(store.Automations(), store.AutomationLogs(), sc.Engine, logger)
	sc.Engine.SetLogger(observability.ObserveExecutions(sc.Automations.LogExecution, obs.AnomalyOrNil()))

	// Route resolution.
	routeMetrics := routing.NewMetrics(reg)
	resolver := routing.NewResolver(store.Routes(), routing.ResolverConfig{
		MaxEntries: cfg.Routing.MaxEntries(),
		TTL:        cfg.Routing.TTL(),
	}, routeMetrics, sc.Tracer(), logger)
	sc.Routes = routing.NewService(store.Routes(), resolver, routeMetrics, logger)

	logger.Debug("components initialized",
		slog.String("storage", store.Driver()),
		slog.Int("channels", len(dispatcher.Instances())),
		slog.Any("agent_providers", agents.Providers()),
	)
	return sc, nil
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	store, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return store, nil
}

// initChannels registers one sender per channel type and an instance per
// configured channel.
func initChannels(cfg *config.Config, reg *prometheus.Registry, logger *slog.Logger) (*channel.Dispatcher, error) {
	d := channel.NewDispatcher(channel.NewMetrics(reg), logger)
	d.RegisterSender(channel.NewTelegramSender(logger))
	d.RegisterSender(channel.NewSlackSender(logger))
	d.RegisterSender(channel.NewWebhookSender(cfg.Automation.AllowPrivateNetworks, logger))

	for _, id := range sortedKeys(cfg.Channels) {
		ch := cfg.Channels[id]
		inst := channel.Instance{ID: id, Type: ch.Type, Config: map[string]string{}}
		setIf(inst.Config, "bot_token", ch.BotToken)
		setIf(inst.Config, "api_base", ch.APIURL)
		setIf(inst.Config, "api_url", ch.APIURL)
		setIf(inst.Config, "url", ch.URL)
		setIf(inst.Config, "secret", ch.Secret)
		if err := d.AddInstance(inst); err != nil {
			return nil, fmt.Errorf("channel %q: %w", id, err)
		}
		logger.Debug("channel instance added", slog.String("instance_id", id), slog.String("type", ch.Type))
	}
	return d, nil
}

// initAgents creates the configured agent providers. MCP stdio servers are
// started lazily on the first call.
func initAgents(cfg *config.Config, reg *prometheus.Registry, logger *slog.Logger) (*agentcall.Registry, error) {
	r := agentcall.NewRegistry(agentcall.NewMetrics(reg), logger)

	for _, id := range sortedKeys(cfg.Agents.Providers) {
		p := cfg.Agents.Providers[id]
		switch p.Type {
		case "websocket":
			ws, err := agentcall.NewWSProvider(agentcall.WSConfig{URL: p.URL, Token: p.Token}, logger)
			if err != nil {
				return nil, fmt.Errorf("agent provider %q: %w", id, err)
			}
			r.Register(id, ws)
		case "mcp":
			transport := p.Transport
			if transport == "" {
				transport = "stdio"
			}
			mcp, err := agentcall.NewMCPProvider(agentcall.MCPConfig{
				Transport: transport,
				Command:   p.Command,
				Args:      p.Args,
				Env:       p.Env,
				URL:       p.URL,
				Headers:   p.Headers,
				Tool:      p.Tool,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("agent provider %q: %w", id, err)
			}
			r.Register(id, mcp)
		default:
			return nil, fmt.Errorf("agent provider %q: unsupported type %q", id, p.Type)
		}
	}
	if cfg.Agents.Default != "" {
		if err := r.SetDefault(cfg.Agents.Default); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func setIf(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}
