/*
app.go - Dependency wiring shared by every command

PURPOSE:
  Builds the ledger, grant engine, purchase coordinator, retry queue and
  scheduler from a Config. serve, retry, expire and pending all start from
  the same App so they behave identically against the same database.

WIRING:
  sqlite.Store ─┬─ ledger.Ledger ── rewards.Engine ── retry.Granter
                │                 └ purchase.Coordinator
                └─ retry.Queue ──── retry.Processor ── scheduler jobs

  Optional collaborators (empty URL = disabled):
    external.order_url       purchase records   (else local record ids)
    external.dashboard_url   queue mirror       (else no-op)
    external.occurrence_url  occurrence times   (else metadata or now)
    external.policy_url      policy lookups     (else policy file/defaults)

SEE ALSO:
  - serve.go: HTTP server lifecycle
  - config/config.go: Settings
*/
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/warp/reward-ledger/api"
	"github.com/warp/reward-ledger/config"
	"github.com/warp/reward-ledger/external"
	"github.com/warp/reward-ledger/factory"
	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/purchase"
	"github.com/warp/reward-ledger/retry"
	"github.com/warp/reward-ledger/rewards"
	"github.com/warp/reward-ledger/scheduler"
	"github.com/warp/reward-ledger/store/sqlite"
)

// App is a fully wired reward service.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     *sqlite.Store
	Ledger    *ledger.Ledger
	Engine    *rewards.Engine
	Policies  *rewards.PolicyTable
	Queue     *retry.Queue
	Processor *retry.Processor
	Granter   *retry.Granter
	Purchases *purchase.Coordinator
	Scheduler *scheduler.Scheduler
}

// NewApp opens the database and wires every component. Close releases it.
func NewApp(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := ledger.LoadLocation(cfg.Ledger.Timezone)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	app := &App{Config: cfg, Logger: logger, Store: store}

	app.Ledger = ledger.New(store)
	app.Ledger.Retention = cfg.Retention()
	app.Ledger.Logger = logger.With("component", "ledger")

	app.Policies = rewards.NewPolicyTable()
	app.Engine = rewards.NewEngine(app.Ledger, app.Policies)
	app.Engine.Location = loc
	app.Engine.Logger = logger.With("component", "rewards")
	if err := app.loadPolicies(); err != nil {
		store.Close()
		return nil, err
	}

	ext := cfg.External
	if ext.PolicyURL != "" {
		app.Engine.Policies = external.NewPolicyClient(ext.PolicyURL, nil, ext.Timeout)
	}
	if ext.OccurrenceURL != "" {
		app.Engine.Occurrences = external.NewOccurrenceClient(ext.OccurrenceURL, nil, ext.Timeout)
	}

	app.Queue = retry.NewQueue(store)
	app.Queue.BaseDelay = cfg.Retry.BaseDelay
	app.Queue.MaxDelay = cfg.Retry.MaxDelay
	app.Queue.MaxRetries = cfg.Retry.MaxRetries
	app.Queue.Logger = logger.With("component", "retry")
	if ext.DashboardURL != "" {
		app.Queue.Mirror = external.NewDashboardMirror(ext.DashboardURL, nil, ext.Timeout)
	}

	app.Processor = retry.NewProcessor(app.Queue, app.Engine)
	app.Processor.BatchSize = cfg.Retry.BatchSize
	app.Processor.ItemDelay = cfg.Retry.ItemDelay
	app.Processor.StaleAfter = cfg.Retry.StaleAfter
	app.Processor.Logger = logger.With("component", "retry")

	app.Granter = &retry.Granter{
		Engine:  app.Engine,
		Queue:   app.Queue,
		Actions: app.Engine.Actions,
		Logger:  logger.With("component", "retry"),
	}

	var records purchase.RecordCreator = localRecords{}
	if ext.OrderURL != "" {
		records = external.NewOrderClient(ext.OrderURL, nil, ext.Timeout)
	}
	app.Purchases = purchase.NewCoordinator(app.Ledger, records)
	app.Purchases.Timeout = ext.Timeout
	app.Purchases.Logger = logger.With("component", "purchase")

	var jobs []scheduler.Job
	if cfg.Retry.Enabled {
		jobs = append(jobs, scheduler.RetryJob(app.Processor, cfg.Retry.Interval))
	}
	if cfg.Expiration.Enabled {
		jobs = append(jobs, scheduler.ExpireJob(app.Ledger, cfg.Expiration.BatchSize, cfg.Expiration.Interval))
	}
	app.Scheduler = scheduler.New(jobs...)
	app.Scheduler.Enabled = len(jobs) > 0
	app.Scheduler.Logger = logger.With("component", "scheduler")

	return app, nil
}

// loadPolicies applies the configured catalog file, or the built-in one.
func (a *App) loadPolicies() error {
	f := factory.NewPolicyFactory()
	catalog := factory.DefaultCatalog()
	if path := a.Config.Policies.File; path != "" {
		c, err := f.LoadFile(path)
		if err != nil {
			return err
		}
		catalog = c
	}
	if err := f.Apply(catalog, a.Policies, a.Engine.Actions); err != nil {
		return fmt.Errorf("apply policy catalog: %w", err)
	}
	a.Logger.Info("policies loaded", "source", a.Config.Policies.File, "count", len(catalog.Policies))
	return nil
}

// Handler builds the HTTP handler over the app's components.
func (a *App) Handler() *api.Handler {
	return &api.Handler{
		Ledger:        a.Ledger,
		Granter:       a.Granter,
		Purchases:     a.Purchases,
		Queue:         a.Queue,
		Processor:     a.Processor,
		Scheduler:     a.Scheduler,
		Policies:      a.Policies,
		Actions:       a.Engine.Actions,
		PolicyFactory: factory.NewPolicyFactory(),
		DB:            a.Store,
		ExpireBatch:   a.Config.Expiration.BatchSize,
		Logger:        a.Logger.With("component", "api"),
	}
}

func (a *App) Close() error {
	return a.Store.Close()
}

// localRecords stands in for the order system when none is configured.
// The deduction entry is then the only record of the purchase.
type localRecords struct{}

func (localRecords) CreateRecord(context.Context, purchase.Record) (string, error) {
	return "local-" + uuid.NewString(), nil
}
