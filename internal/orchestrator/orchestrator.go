// Package orchestrator turns instance requests into background workflows.
//
// Requests are validated and accepted synchronously. The work itself runs
// as an ordered list of phases in a goroutine; after each phase the ledger
// records a checkpoint, so a restarted process can continue an interrupted
// workflow where it stopped. At most one workflow runs per instance: the
// ledger refuses to start an operation while another one is in progress.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aliuygur/analytics-broker/internal/catalog"
	"github.com/aliuygur/analytics-broker/internal/deploy"
	"github.com/aliuygur/analytics-broker/internal/idpool"
	"github.com/aliuygur/analytics-broker/internal/installer"
	"github.com/aliuygur/analytics-broker/internal/ledger"
	"github.com/aliuygur/analytics-broker/internal/metrics"
	"github.com/aliuygur/analytics-broker/internal/sharedstore"
	"github.com/aliuygur/analytics-broker/internal/store"
)

// Installer drives the application running inside an instance.
type Installer interface {
	RunFirstInstall(ctx context.Context, req installer.InstallRequest) (installer.InstallResult, error)
	RunUpgrade(ctx context.Context, t installer.Target) error
	AddSite(ctx context.Context, t installer.Target, name, siteURL string) (int64, error)
	DeleteSite(ctx context.Context, t installer.Target, siteID int64) error
	AddUser(ctx context.Context, t installer.Target, login, password, email string) error
	SetUserAccess(ctx context.Context, t installer.Target, login, access string, siteID int64) error
	DeleteUser(ctx context.Context, t installer.Target, login string) error
}

// DataStore is the shared database every instance writes its tables to.
type DataStore interface {
	Credentials(tablePrefix string) sharedstore.Credentials
	DropTables(ctx context.Context, prefix string) ([]string, error)
}

type Config struct {
	NamePrefix        string
	AppDomain         string
	Memory            string
	Instances         int
	PhaseTimeout      time.Duration
	ResumeConcurrency int
	Timezone          string
}

// Orchestrator owns the identifier pool and every running workflow.
type Orchestrator struct {
	store     *store.Store
	ledger    *ledger.Ledger
	pool      *idpool.Pool
	catalog   *catalog.Catalog
	driver    deploy.Driver
	installer Installer
	data      DataStore
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	cfg       Config

	// ctx is the parent of every workflow; cancelling it interrupts them
	// without recording an outcome.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Orchestrator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func New(
	s *store.Store,
	pool *idpool.Pool,
	cat *catalog.Catalog,
	driver deploy.Driver,
	inst Installer,
	data DataStore,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = 10 * time.Minute
	}
	if cfg.ResumeConcurrency <= 0 {
		cfg.ResumeConcurrency = 4
	}
	if cfg.Instances <= 0 {
		cfg.Instances = 1
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:     s,
		ledger:    ledger.New(s.Queries()),
		pool:      pool,
		catalog:   cat,
		driver:    driver,
		installer: inst,
		data:      data,
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/aliuygur/analytics-broker/internal/orchestrator"),
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.reportPool()
	return o
}

// Start rebuilds the identifier pool from the store and resumes every
// workflow the previous process left in progress. Call it once, before
// accepting requests.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.rebuildPool(ctx); err != nil {
		return err
	}

	pending, err := o.ledger.ListInProgress(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending operations: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	o.logger.Info("resuming interrupted operations", "count", len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ResumeConcurrency)
	for _, p := range pending {
		g.Go(func() error {
			return o.resume(gctx, p)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) rebuildPool(ctx context.Context) error {
	live, err := o.store.Queries().ListLiveInstances(ctx)
	if err != nil {
		return fmt.Errorf("failed to load instances: %w", err)
	}
	for _, inst := range live {
		if !inst.InternalID.Valid {
			continue
		}
		if err := o.pool.Reserve(int(inst.InternalID.Int64)); err != nil {
			return fmt.Errorf("failed to reserve internal id %d of instance %s/%s: %w",
				inst.InternalID.Int64, inst.PlatformID, inst.ID, err)
		}
	}
	o.reportPool()
	o.logger.Info("identifier pool rebuilt", "allocated", o.pool.Allocated(), "capacity", o.pool.Capacity())
	return nil
}

func (o *Orchestrator) resume(ctx context.Context, p ledger.InProgress) error {
	token, entry, err := o.ledger.Reclaim(ctx, p.Key)
	if errors.Is(err, ledger.ErrStaleToken) || errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to reclaim %s/%s: %w", p.Key.PlatformID, p.Key.InstanceID, err)
	}

	w := workflow{key: p.Key, kind: entry.Kind, token: token}
	logger := o.logger.With("platform_id", p.Key.PlatformID, "instance_id", p.Key.InstanceID,
		"operation", entry.Kind, "checkpoint", entry.Phase)

	inst, err := o.store.Queries().GetInstance(ctx, p.Key)
	if err != nil {
		if !store.IsNotFoundError(err) {
			return fmt.Errorf("failed to load instance %s/%s: %w", p.Key.PlatformID, p.Key.InstanceID, err)
		}
		o.finish(ctx, w, &WorkflowError{Kind: KindInternal, Err: errors.New("instance record is missing")})
		return nil
	}

	var phases []Phase
	switch entry.Kind {
	case ledger.KindCreate:
		phases, err = remaining(createPhases, entry.Phase)
	case ledger.KindUpdate:
		phases, err = remaining(updatePhases, entry.Phase)
	case ledger.KindDelete:
		// teardown is idempotent; start over
		phases = deletePhases
	default:
		err = fmt.Errorf("operation %q cannot be resumed", entry.Kind)
	}
	if err == nil && entry.Kind != ledger.KindDelete && catalog.PlanKind(inst.PlanKind) != catalog.PlanSharedDatabase {
		err = unsupportedPlan(inst.PlanKind, entry.Kind)
	}
	if err != nil {
		o.finish(ctx, w, &WorkflowError{Kind: KindUnsupported, Err: err})
		return nil
	}

	logger.Info("resuming operation", "phases", phases)
	w.phases = phases
	o.launch(w)
	return nil
}

// Wait blocks until every running workflow has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown waits for running workflows. When ctx expires first, the
// workflows are cancelled and left in progress for the next Start.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

// PoolStatus reports how many internal identifiers are in use.
func (o *Orchestrator) PoolStatus() (allocated, capacity int) {
	return o.pool.Allocated(), o.pool.Capacity()
}

func (o *Orchestrator) reportPool() {
	o.metrics.SetPool(o.pool.Allocated(), o.pool.Capacity())
}

func unsupportedPlan(kind string, op ledger.Kind) error {
	if op == ledger.KindCreate {
		return fmt.Errorf("plan kind %s is not implemented", kind)
	}
	return fmt.Errorf("plan kind %s does not support %s", kind, op)
}
