// Package services wires the engine together and owns its lifecycle.
package services

import (
	"context"
	"log/slog"

	"polysync/internal/admin"
	"polysync/internal/config"
	"polysync/internal/consistency"
	"polysync/internal/events"
	"polysync/internal/migration"
	"polysync/internal/pubsub"
	"polysync/internal/resilience"
	"polysync/internal/storage/mongo"
	"polysync/internal/storage/polyglot"
	"polysync/internal/storage/postgres"
	"polysync/internal/storage/types"
	"polysync/internal/syncqueue"
	"polysync/internal/syncworker"
)

// Options selects which parts of the engine this process runs. The
// repository itself is always wired; worker and admin are optional so
// deployments can split them out.
type Options struct {
	RunWorker bool
	RunAdmin  bool

	// Metrics receives engine counters and gauges. Nil means no-op.
	Metrics events.Metrics
}

// Manager owns every component and their startup/shutdown order.
type Manager struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	mongoProvider *mongo.Provider
	pgProvider    *postgres.Provider
	primary       types.EntityStore
	secondary     types.EntityStore

	queue   syncqueue.Queue
	engine  *pubsub.MemoryEngine
	natsPub pubsub.Publisher
	emitter *events.Emitter

	phases    *migration.Controller
	validator *consistency.Validator
	repo      *polyglot.Repository
	worker    *syncworker.Worker
	admin     *admin.Server
}

// NewManager creates an unwired manager; call Init before Start.
func NewManager(cfg *config.Config, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
	}
}

// Repository returns the wired repository, valid after Init.
func (m *Manager) Repository() *polyglot.Repository {
	return m.repo
}

// PhaseController returns the migration phase controller, valid after
// Init.
func (m *Manager) PhaseController() *migration.Controller {
	return m.phases
}

// Queue returns the sync queue, valid after Init.
func (m *Manager) Queue() syncqueue.Queue {
	return m.queue
}

// Init connects backends and wires every component. On error, anything
// already opened is closed again.
func (m *Manager) Init(ctx context.Context) error {
	ok := false
	defer func() {
		if !ok {
			m.closeAll(ctx)
		}
	}()

	if err := m.initStores(ctx); err != nil {
		return err
	}
	if err := m.initQueue(); err != nil {
		return err
	}
	if err := m.initEvents(ctx); err != nil {
		return err
	}
	if err := m.initEngine(); err != nil {
		return err
	}

	ok = true
	return nil
}

func (m *Manager) initStores(ctx context.Context) error {
	mongoProvider, err := mongo.NewProvider(ctx, m.cfg.Storage.Mongo)
	if err != nil {
		m.logger.Error("failed to connect primary store", "error", err)
		return err
	}
	m.mongoProvider = mongoProvider
	m.primary = mongoProvider.Entities()

	pgProvider, err := postgres.NewProvider(ctx, m.cfg.Storage.Postgres)
	if err != nil {
		m.logger.Error("failed to connect secondary store", "error", err)
		return err
	}
	m.pgProvider = pgProvider
	m.secondary = pgProvider.Entities()
	return nil
}

func (m *Manager) initQueue() error {
	switch m.cfg.Queue.Backend {
	case config.QueueBackendSQLite:
		queue, err := syncqueue.OpenSQLiteQueue(m.cfg.Queue.Path)
		if err != nil {
			m.logger.Error("failed to open sqlite queue", "path", m.cfg.Queue.Path, "error", err)
			return err
		}
		m.queue = queue
	default:
		m.queue = syncqueue.NewMemoryQueue()
	}
	m.logger.Info("sync queue ready", "backend", m.cfg.Queue.Backend)
	return nil
}

func (m *Manager) initEvents(ctx context.Context) error {
	m.engine = pubsub.NewMemoryEngine()

	publisher := pubsub.Publisher(m.engine)
	if m.cfg.Events.NATS.Enabled {
		natsPub, err := pubsub.NewNATSPublisher(ctx, m.cfg.Events.NATS.URL, pubsub.NATSPublisherOptions{
			StreamName: m.cfg.Events.NATS.Stream,
		})
		if err != nil {
			m.logger.Error("failed to connect NATS", "url", m.cfg.Events.NATS.URL, "error", err)
			return err
		}
		m.natsPub = natsPub
		publisher = pubsub.NewFanout(m.engine, natsPub)
	}

	m.emitter = events.NewEmitter(m.logger, m.opts.Metrics, publisher)
	return nil
}

func (m *Manager) initEngine() error {
	initialPhase, err := migration.ParsePhase(m.cfg.Migration.InitialPhase)
	if err != nil {
		return err
	}
	m.phases = migration.NewController(initialPhase, m.emitter, m.logger)

	primaryPipe := resilience.NewPipeline("primary", pipelineConfig(m.cfg.Resilience.Primary), m.emitter, m.logger)
	secondaryPipe := resilience.NewPipeline("secondary", pipelineConfig(m.cfg.Resilience.Secondary), m.emitter, m.logger)

	rules, err := consistency.CompileIgnoreRules(m.cfg.Consistency.IgnoreRules)
	if err != nil {
		return err
	}
	// The validator gets its own pipelines so diagnostic reads never
	// share breaker state with the serving path.
	m.validator = consistency.NewValidator(
		m.primary, m.secondary,
		resilience.NewPipeline("primary", pipelineConfig(m.cfg.Resilience.Primary), m.emitter, m.logger),
		resilience.NewPipeline("secondary", pipelineConfig(m.cfg.Resilience.Secondary), m.emitter, m.logger),
		rules, m.emitter, m.logger)

	m.repo = polyglot.New(
		m.primary, m.secondary,
		primaryPipe, secondaryPipe,
		m.queue, m.phases, m.validator, m.emitter, m.logger,
		polyglot.Options{
			EnableCompensationLogging:   m.cfg.Repository.EnableCompensationLogging,
			EnableConsistencyValidation: m.cfg.Repository.EnableConsistencyValidation,
		})

	if m.opts.RunWorker {
		m.worker = syncworker.New(m.queue, m.secondary, secondaryPipe, m.emitter, syncworker.Config{
			Interval:   m.cfg.Worker.Interval.Std(),
			BatchSize:  m.cfg.Worker.BatchSize,
			MaxRetries: m.cfg.Worker.MaxRetries,
			BaseDelay:  m.cfg.Worker.BaseDelay.Std(),
			MaxDelay:   m.cfg.Worker.MaxDelay.Std(),
		}, m.logger)
	}

	if m.opts.RunAdmin && m.cfg.Admin.Enabled {
		m.admin = admin.NewServer(m.cfg.Admin.Addr, m.repo, m.phases, m.queue, m.engine, m.logger)
	}
	return nil
}

// Start launches the worker and the admin server.
func (m *Manager) Start(ctx context.Context) error {
	if m.worker != nil {
		if err := m.worker.Start(ctx); err != nil {
			return err
		}
	}
	if m.admin != nil {
		if err := m.admin.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops components in reverse dependency order: admin first so
// no new work arrives, then the worker, then the queue and backends.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.admin != nil {
		if err := m.admin.Stop(ctx); err != nil {
			m.logger.Error("error stopping admin server", "error", err)
		}
	}
	if m.worker != nil {
		if err := m.worker.Stop(ctx); err != nil {
			m.logger.Error("error stopping sync worker", "error", err)
		}
	}
	m.closeAll(ctx)
	m.logger.Info("engine stopped")
}

func (m *Manager) closeAll(ctx context.Context) {
	if m.queue != nil {
		if err := m.queue.Close(); err != nil {
			m.logger.Error("error closing queue", "error", err)
		}
	}
	if m.natsPub != nil {
		if err := m.natsPub.Close(); err != nil {
			m.logger.Error("error closing NATS publisher", "error", err)
		}
	}
	if m.engine != nil {
		_ = m.engine.Close()
	}
	if m.pgProvider != nil {
		if err := m.pgProvider.Close(ctx); err != nil {
			m.logger.Error("error closing postgres", "error", err)
		}
	}
	if m.mongoProvider != nil {
		if err := m.mongoProvider.Close(ctx); err != nil {
			m.logger.Error("error closing mongo", "error", err)
		}
	}
}

func pipelineConfig(cfg config.PipelineConfig) resilience.PipelineConfig {
	return resilience.PipelineConfig{
		Timeout:    cfg.Timeout.Std(),
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay.Std(),
		MaxDelay:   cfg.MaxDelay.Std(),
		Breaker: resilience.BreakerConfig{
			Threshold:     cfg.BreakerThreshold,
			BreakDuration: cfg.BreakerBreakDuration.Std(),
		},
	}
}
