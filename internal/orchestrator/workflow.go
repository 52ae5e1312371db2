package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aliuygur/analytics-broker/internal/appctx"
	"github.com/aliuygur/analytics-broker/internal/deploy"
	"github.com/aliuygur/analytics-broker/internal/installer"
	"github.com/aliuygur/analytics-broker/internal/ledger"
	"github.com/aliuygur/analytics-broker/internal/store"
	"github.com/aliuygur/analytics-broker/pkg/domainutils"
)

// workflow is one generation of an operation on one instance.
type workflow struct {
	key    store.InstanceKey
	kind   ledger.Kind
	token  ledger.Token
	phases []Phase
}

// launch runs w in the background. The ledger entry must already be in
// progress under w.token.
func (o *Orchestrator) launch(w workflow) {
	o.wg.Add(1)
	o.metrics.WorkflowStarted()
	go func() {
		defer o.wg.Done()
		defer o.metrics.WorkflowFinished()
		o.run(w)
	}()
}

func (o *Orchestrator) run(w workflow) {
	ctx, span := o.tracer.Start(o.ctx, "workflow."+string(w.kind), trace.WithAttributes(
		attribute.String("platform_id", w.key.PlatformID),
		attribute.String("instance_id", w.key.InstanceID),
	))
	defer span.End()

	logger := o.logger.With(
		"platform_id", w.key.PlatformID,
		"instance_id", w.key.InstanceID,
		"operation", string(w.kind),
	)
	if sc := span.SpanContext(); sc.HasTraceID() {
		logger = logger.With("trace_id", sc.TraceID().String())
	}
	ctx = appctx.WithLogger(ctx, logger)
	logger.Info("workflow started", "phases", w.phases)

	for _, phase := range w.phases {
		if err := o.runPhase(ctx, w, phase); err != nil {
			if o.ctx.Err() != nil {
				logger.Warn("workflow interrupted, it will resume on next start", "phase", phase)
				return
			}
			span.SetStatus(codes.Error, err.Error())
			o.finish(ctx, w, err)
			return
		}
		err := o.ledger.Checkpoint(ctx, w.key, w.token, string(phase), fmt.Sprintf("%s completed", phase))
		if err != nil {
			o.abandon(ctx, w, err)
			return
		}
	}

	if w.kind == ledger.KindDelete {
		if err := o.completeDelete(ctx, w); err != nil {
			if errors.Is(err, ledger.ErrStaleToken) {
				o.abandon(ctx, w, err)
				return
			}
			span.SetStatus(codes.Error, err.Error())
			o.finish(ctx, w, &WorkflowError{Kind: KindInternal, Err: err})
		}
		return
	}
	o.finish(ctx, w, nil)
}

func (o *Orchestrator) runPhase(ctx context.Context, w workflow, phase Phase) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PhaseTimeout)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "phase."+string(phase))
	defer span.End()

	start := time.Now()
	err := o.phaseFunc(phase)(ctx, w.key)
	o.metrics.ObservePhase(string(phase), err, time.Since(start))
	if err == nil {
		appctx.GetLogger(ctx).Info("phase completed", "phase", phase, "duration", time.Since(start))
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	kind := phase.errorKind()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &WorkflowError{Kind: kind, Phase: phase, Err: err}
}

// finish records the outcome of w. A nil err means success.
func (o *Orchestrator) finish(ctx context.Context, w workflow, err error) {
	ctx = context.WithoutCancel(ctx)
	logger := appctx.GetLogger(ctx)

	message := ""
	state := ledger.StateSucceeded
	if err != nil {
		message = err.Error()
		state = ledger.StateFailed
	}
	if ferr := o.ledger.Finish(ctx, w.key, w.token, err == nil, message); ferr != nil {
		o.abandon(ctx, w, ferr)
		return
	}
	o.metrics.OperationCompleted(string(w.kind), string(state))

	if err != nil {
		logger.Error("workflow failed", "error", err)
		return
	}
	logger.Info("workflow succeeded")
}

// abandon stops a workflow whose ledger writes are no longer accepted.
func (o *Orchestrator) abandon(ctx context.Context, w workflow, err error) {
	logger := appctx.GetLogger(ctx)
	if errors.Is(err, ledger.ErrStaleToken) {
		logger.Warn("workflow superseded, dropping its result", "token", w.token)
		return
	}
	logger.Error("failed to record workflow progress", "error", err)
}

func (o *Orchestrator) phaseFunc(p Phase) func(context.Context, store.InstanceKey) error {
	switch p {
	case PhaseDeploy:
		return o.deployPhase
	case PhaseInstall:
		return o.installPhase
	case PhaseFetchConfig:
		return o.fetchConfigPhase
	case PhaseRedeploy, PhaseUpgradeRedeploy:
		return o.redeployPhase
	case PhaseUpgrade:
		return o.upgradePhase
	case PhaseTeardown:
		return o.teardownPhase
	case PhaseDropTables:
		return o.dropTablesPhase
	}
	return func(context.Context, store.InstanceKey) error {
		return fmt.Errorf("unknown phase %q", p)
	}
}

// Phase A: bind the shared store and deploy the application.
func (o *Orchestrator) deployPhase(ctx context.Context, key store.InstanceKey) error {
	inst, spec, err := o.loadSpec(ctx, key)
	if err != nil {
		return err
	}
	creds := o.data.Credentials(domainutils.TablePrefix(o.cfg.NamePrefix, internalID(inst)))
	if err := o.driver.CreateBinding(ctx, spec.Name, creds); err != nil {
		return fmt.Errorf("failed to bind shared store: %w", err)
	}
	spec.ConfigArtifact = nil
	if err := o.driver.Deploy(ctx, spec); err != nil {
		return fmt.Errorf("failed to deploy: %w", err)
	}
	return nil
}

// Phase B: run the first-run wizard against the new route.
func (o *Orchestrator) installPhase(ctx context.Context, key store.InstanceKey) error {
	inst, spec, err := o.loadSpec(ctx, key)
	if err != nil {
		return err
	}
	id := internalID(inst)
	appURL := domainutils.AppURL(o.cfg.NamePrefix, id, o.cfg.AppDomain)
	siteName := inst.Name
	if siteName == "" {
		siteName = spec.Name
	}

	res, err := o.installer.RunFirstInstall(ctx, installer.InstallRequest{
		BaseURL:       appURL,
		Store:         o.data.Credentials(domainutils.TablePrefix(o.cfg.NamePrefix, id)),
		AdminUser:     inst.AdminUser,
		AdminPassword: inst.AdminPassword,
		AdminEmail:    inst.AdminEmail,
		SiteName:      siteName,
		SiteURL:       appURL,
		Timezone:      o.cfg.Timezone,
	})
	if err != nil {
		return fmt.Errorf("failed to run first install: %w", err)
	}
	return o.store.Queries().UpdateInstanceInstall(ctx, key, res.SiteID, res.Token)
}

// Phase C: keep the configuration the install generated.
func (o *Orchestrator) fetchConfigPhase(ctx context.Context, key store.InstanceKey) error {
	_, spec, err := o.loadSpec(ctx, key)
	if err != nil {
		return err
	}
	artifact, err := o.driver.FetchConfigArtifact(ctx, spec.Name)
	if err != nil {
		return fmt.Errorf("failed to fetch config artifact: %w", err)
	}
	if len(artifact) == 0 {
		return errors.New("config artifact is empty")
	}
	return o.store.Queries().UpdateInstanceConfigArtifact(ctx, key, artifact)
}

// Phase D, and the first step of an update: roll out with the artifact
// mounted so restarts reuse the generated secrets.
func (o *Orchestrator) redeployPhase(ctx context.Context, key store.InstanceKey) error {
	_, spec, err := o.loadSpec(ctx, key)
	if err != nil {
		return err
	}
	if len(spec.ConfigArtifact) == 0 {
		return errors.New("instance has no config artifact")
	}
	if err := o.driver.Redeploy(ctx, spec); err != nil {
		return fmt.Errorf("failed to redeploy: %w", err)
	}
	return nil
}

func (o *Orchestrator) upgradePhase(ctx context.Context, key store.InstanceKey) error {
	inst, err := o.store.Queries().GetInstance(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load instance: %w", err)
	}
	t, err := o.target(inst)
	if err != nil {
		return err
	}
	if err := o.installer.RunUpgrade(ctx, t); err != nil {
		return fmt.Errorf("failed to upgrade: %w", err)
	}
	return nil
}

func (o *Orchestrator) teardownPhase(ctx context.Context, key store.InstanceKey) error {
	inst, err := o.store.Queries().GetInstance(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load instance: %w", err)
	}
	// exhausted creates never deployed anything
	if !inst.InternalID.Valid {
		return nil
	}
	name := domainutils.AppName(o.cfg.NamePrefix, internalID(inst))
	if err := o.driver.DeleteBinding(ctx, name); err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	if err := o.driver.Delete(ctx, name); err != nil {
		return fmt.Errorf("failed to delete deployment: %w", err)
	}
	return nil
}

func (o *Orchestrator) dropTablesPhase(ctx context.Context, key store.InstanceKey) error {
	inst, err := o.store.Queries().GetInstance(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load instance: %w", err)
	}
	if !inst.InternalID.Valid {
		return nil
	}
	dropped, err := o.data.DropTables(ctx, domainutils.TablePrefix(o.cfg.NamePrefix, internalID(inst)))
	if err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	appctx.GetLogger(ctx).Info("dropped instance tables", "count", len(dropped))
	return nil
}

// completeDelete removes the instance from the store and records success
// in one transaction, then returns the internal id to the pool.
func (o *Orchestrator) completeDelete(ctx context.Context, w workflow) error {
	inst, err := o.store.Queries().GetInstance(ctx, w.key)
	if err != nil {
		return fmt.Errorf("failed to load instance: %w", err)
	}

	err = o.store.RunInTransaction(ctx, func(q *store.Queries) error {
		if _, err := q.DeleteBindingsByInstance(ctx, w.key); err != nil {
			return err
		}
		if err := q.TombstoneInstance(ctx, w.key); err != nil {
			return err
		}
		return o.ledger.WithTx(q).Finish(ctx, w.key, w.token, true, "")
	})
	if err != nil {
		return err
	}

	logger := appctx.GetLogger(ctx)
	if inst.InternalID.Valid {
		if err := o.pool.Release(int(inst.InternalID.Int64)); err != nil {
			logger.Error("failed to release internal id", "internal_id", inst.InternalID.Int64, "error", err)
		}
		o.reportPool()
	}
	o.metrics.OperationCompleted(string(w.kind), string(ledger.StateSucceeded))
	logger.Info("workflow succeeded")
	return nil
}

func (o *Orchestrator) loadSpec(ctx context.Context, key store.InstanceKey) (store.Instance, deploy.DeploySpec, error) {
	inst, err := o.store.Queries().GetInstance(ctx, key)
	if err != nil {
		return inst, deploy.DeploySpec{}, fmt.Errorf("failed to load instance: %w", err)
	}
	spec, err := o.deploySpec(inst)
	return inst, spec, err
}

func (o *Orchestrator) deploySpec(inst store.Instance) (deploy.DeploySpec, error) {
	if !inst.InternalID.Valid {
		return deploy.DeploySpec{}, errors.New("instance has no internal id")
	}
	release, ok := o.catalog.Release(inst.Version)
	if !ok {
		return deploy.DeploySpec{}, fmt.Errorf("version %s is not in the catalog", inst.Version)
	}
	id := internalID(inst)
	host := domainutils.AppHost(o.cfg.NamePrefix, id, o.cfg.AppDomain)
	return deploy.DeploySpec{
		Name:      domainutils.AppName(o.cfg.NamePrefix, id),
		Host:      host,
		Image:     release.Image,
		Memory:    o.cfg.Memory,
		Instances: o.cfg.Instances,
		Env: map[string]string{
			"ANALYTICS_PLATFORM_ID":  inst.PlatformID,
			"ANALYTICS_INSTANCE_ID":  inst.ID,
			"ANALYTICS_TRUSTED_HOST": host,
		},
		ConfigArtifact: inst.ConfigArtifact,
	}, nil
}

// target addresses the reporting API of an installed instance.
func (o *Orchestrator) target(inst store.Instance) (installer.Target, error) {
	if !inst.InternalID.Valid || !inst.AccessToken.Valid {
		return installer.Target{}, errors.New("instance has not been installed")
	}
	return installer.Target{
		BaseURL: domainutils.AppURL(o.cfg.NamePrefix, internalID(inst), o.cfg.AppDomain),
		Token:   inst.AccessToken.String,
	}, nil
}

func internalID(inst store.Instance) int {
	return int(inst.InternalID.Int64)
}
