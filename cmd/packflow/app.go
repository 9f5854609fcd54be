package main

import (
	"context"
	"fmt"

	"github.com/nerrad567/packflow/internal/audit"
	"github.com/nerrad567/packflow/internal/automation"
	"github.com/nerrad567/packflow/internal/infrastructure/config"
	"github.com/nerrad567/packflow/internal/infrastructure/database"
	"github.com/nerrad567/packflow/internal/infrastructure/influxdb"
	"github.com/nerrad567/packflow/internal/infrastructure/logging"
	"github.com/nerrad567/packflow/internal/infrastructure/mqtt"
	"github.com/nerrad567/packflow/internal/provider"
	"github.com/nerrad567/packflow/internal/workspace"
	"github.com/nerrad567/packflow/migrations"
)

// app holds the components every command shares. Optional backends are
// nil when disabled.
type app struct {
	cfg *config.Config
	log *logging.Logger
	db  *database.DB

	mqtt   *mqtt.Client
	influx *influxdb.Client

	repo    *automation.SQLiteRepository
	packs   *automation.Registry
	store   *workspace.Store
	audit   *audit.SQLiteRepository
	gateway *provider.Gateway
	engine  *automation.Engine
	emitter *automation.Emitter
	chains  *automation.Orchestrator

	closers []func()
}

// appOptions selects the optional parts of the wiring.
type appOptions struct {
	// connect dials MQTT and InfluxDB when they are enabled in config.
	connect bool

	// hub receives execution and chain updates.
	hub automation.WSHub
}

// openDatabase opens and migrates the configured database.
func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// newApp wires the engine over cfg. The caller must call close.
func newApp(ctx context.Context, cfg *config.Config, log *logging.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.onClose("database", db.Close)
	log.Info("database connected", "path", cfg.Database.Path)

	if opts.connect {
		if err := a.connectBackends(ctx); err != nil {
			return nil, err
		}
	}

	a.gateway, err = provider.FromConfig(cfg.Providers, log)
	if err != nil {
		return nil, fmt.Errorf("configuring providers: %w", err)
	}

	a.repo = automation.NewSQLiteRepository(db.DB)
	a.packs = automation.NewRegistry(a.repo, cfg.PackCacheTTL())
	a.packs.SetLogger(log)
	a.store = workspace.NewStore(db.DB)
	a.audit = audit.NewSQLiteRepository(db.DB)

	targets := automation.NewTargetRegistry()
	workspace.Register(targets, a.store)

	deps := automation.EngineDeps{
		Repo:             a.repo,
		Packs:            a.packs,
		Context:          automation.NewContextBuilder(a.store),
		Steps:            automation.NewStepExecutor(a.gateway),
		Applier:          automation.NewApplier(targets),
		Hub:              opts.hub,
		Logger:           log,
		MaxExecutionTime: cfg.MaxExecutionTime(),
	}
	// Typed nils must not reach the interfaces.
	if a.mqtt != nil {
		deps.MQTT = a.mqtt
	}
	if a.influx != nil {
		deps.Metrics = a.influx
	}
	a.engine = automation.NewEngine(deps)
	a.emitter = automation.NewEmitter(a.engine, automation.NewMatcher(a.repo))
	a.chains = automation.NewOrchestrator(a.engine)

	ok = true
	return a, nil
}

// connectBackends dials the optional MQTT broker and InfluxDB.
func (a *app) connectBackends(ctx context.Context) error {
	if a.cfg.MQTT.Enabled {
		client, err := mqtt.Connect(ctx, a.cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		client.SetLogger(a.log)
		client.SetOnConnect(func() { a.log.Info("MQTT reconnected") })
		client.SetOnDisconnect(func(err error) { a.log.Warn("MQTT disconnected", "error", err) })
		a.mqtt = client
		a.onClose("MQTT", client.Close)
		a.log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", a.cfg.MQTT.Broker.Host, a.cfg.MQTT.Broker.Port),
			"client_id", a.cfg.MQTT.Broker.ClientID,
		)
	} else {
		a.log.Info("MQTT disabled")
	}

	if a.cfg.InfluxDB.Enabled {
		client, err := influxdb.Connect(ctx, a.cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		client.SetOnError(func(err error) { a.log.Error("InfluxDB write error", "error", err) })
		a.influx = client
		a.onClose("InfluxDB", client.Close)
		a.log.Info("InfluxDB connected", "url", a.cfg.InfluxDB.URL, "bucket", a.cfg.InfluxDB.Bucket)
	} else {
		a.log.Info("InfluxDB disabled")
	}
	return nil
}

func (a *app) onClose(name string, fn func() error) {
	a.closers = append(a.closers, func() {
		a.log.Info("closing " + name)
		if err := fn(); err != nil {
			a.log.Error("error closing "+name, "error", err)
		}
	})
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// newSweeper builds a sweeper sized from the engine config.
func (a *app) newSweeper() *automation.Sweeper {
	return automation.NewSweeper(a.engine, a.chains, automation.SweeperOptions{
		Batch:       a.cfg.Engine.SweepBatch,
		Concurrency: a.cfg.Engine.SweepConcurrency,
		StaleAfter:  a.cfg.StaleAfter(),
	})
}

// newLogger builds the configured logger.
func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(cfg.Logging, cfg.Service.Name, version)
}
