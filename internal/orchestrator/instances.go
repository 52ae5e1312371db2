package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/samber/lo"

	"github.com/aliuygur/analytics-broker/internal/appctx"
	"github.com/aliuygur/analytics-broker/internal/apperrs"
	"github.com/aliuygur/analytics-broker/internal/catalog"
	"github.com/aliuygur/analytics-broker/internal/idpool"
	"github.com/aliuygur/analytics-broker/internal/ledger"
	"github.com/aliuygur/analytics-broker/internal/store"
	"github.com/aliuygur/analytics-broker/pkg/domainutils"
)

const adminUser = "admin"

type CreateRequest struct {
	PlatformID string
	InstanceID string
	PlanID     string
	// Version may be empty, "default" or "latest".
	Version    string
	Name       string
	AdminEmail string
}

type UpdateRequest struct {
	PlatformID string
	InstanceID string
	Version    string
	Name       string
}

// InstanceView is an instance together with its last operation.
type InstanceView struct {
	Instance store.Instance
	// URL is empty until the application has been deployed.
	URL          string
	Operation    ledger.Entry
	HasOperation bool
}

// Create validates req, records the instance with create in progress and
// starts the create workflow. Only validation errors are returned; every
// later failure ends up in the ledger.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) error {
	logger := appctx.GetLogger(ctx)
	key := store.InstanceKey{PlatformID: req.PlatformID, InstanceID: req.InstanceID}
	if req.InstanceID == "" {
		return errInvalid("instance id is required")
	}
	if err := o.checkPlatform(ctx, req.PlatformID); err != nil {
		return err
	}

	q := o.store.Queries()
	tombstone := false
	existing, err := q.GetInstance(ctx, key)
	switch {
	case err == nil && !existing.Deleted():
		return alreadyExists(req.InstanceID)
	case err == nil:
		tombstone = true
	case !store.IsNotFoundError(err):
		return apperrs.Server("failed to look up instance", err)
	}

	plan, ok := o.catalog.PlanByID(req.PlanID)
	if !ok {
		return errInvalid("unknown plan").SetMeta("plan_id", req.PlanID)
	}
	release, ok := o.catalog.Resolve(req.Version)
	if !ok {
		return errInvalid("unknown version").SetMeta("version", req.Version)
	}
	if req.Name != "" {
		if err := domainutils.ValidateSiteName(req.Name); err != nil {
			return errInvalid(err.Error())
		}
	}
	email := req.AdminEmail
	if email == "" {
		email = adminUser + "@" + o.cfg.AppDomain
	}

	id, allocErr := o.pool.Allocate()
	if allocErr != nil && !errors.Is(allocErr, idpool.ErrExhausted) {
		return apperrs.Server("failed to allocate internal id", allocErr)
	}
	supported := plan.Kind == catalog.PlanSharedDatabase

	now := time.Now().UTC()
	inst := store.Instance{
		PlatformID:    req.PlatformID,
		ID:            req.InstanceID,
		InternalID:    sql.NullInt64{Int64: int64(id), Valid: allocErr == nil},
		Name:          req.Name,
		PlanKind:      string(plan.Kind),
		Version:       release.Version,
		AdminUser:     adminUser,
		AdminPassword: lo.RandomString(24, lo.AlphanumericCharset),
		AdminEmail:    email,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var token ledger.Token
	err = o.store.RunInTransaction(ctx, func(q *store.Queries) error {
		if tombstone {
			if err := q.PurgeInstance(ctx, key); err != nil {
				return err
			}
		}
		if err := q.CreateInstance(ctx, inst); err != nil {
			return err
		}
		l := o.ledger.WithTx(q)
		var err error
		if token, err = l.Start(ctx, key, ledger.KindCreate); err != nil {
			return err
		}
		switch {
		case allocErr != nil:
			return l.Finish(ctx, key, token, false, (&WorkflowError{Kind: KindExhausted, Err: allocErr}).Error())
		case !supported:
			return l.Finish(ctx, key, token, false,
				(&WorkflowError{Kind: KindUnsupported, Err: unsupportedPlan(inst.PlanKind, ledger.KindCreate)}).Error())
		}
		return nil
	})
	if err != nil {
		if allocErr == nil {
			_ = o.pool.Release(id)
		}
		if apperrs.IsClient(err) {
			return err
		}
		// a concurrent create of the same key won the insert
		if again, gerr := q.GetInstance(ctx, key); gerr == nil && !again.Deleted() {
			return alreadyExists(req.InstanceID)
		}
		return apperrs.Server("failed to create instance", err)
	}

	o.reportPool()
	o.metrics.OperationStarted(string(ledger.KindCreate))
	if allocErr != nil || !supported {
		o.metrics.OperationCompleted(string(ledger.KindCreate), string(ledger.StateFailed))
		logger.Warn("create recorded as failed", "instance_id", req.InstanceID,
			"exhausted", allocErr != nil, "plan_kind", plan.Kind)
		return nil
	}

	logger.Info("create accepted", "instance_id", req.InstanceID, "internal_id", id, "version", release.Version)
	o.launch(workflow{key: key, kind: ledger.KindCreate, token: token, phases: createPhases})
	return nil
}

// Update changes the version (and display name) of a provisioned instance.
func (o *Orchestrator) Update(ctx context.Context, req UpdateRequest) error {
	key := store.InstanceKey{PlatformID: req.PlatformID, InstanceID: req.InstanceID}
	inst, err := o.lookupLive(ctx, key)
	if err != nil {
		return err
	}

	version := req.Version
	if version == "" {
		version = inst.Version
	}
	release, ok := o.catalog.Resolve(version)
	if !ok {
		return errInvalid("unknown version").SetMeta("version", req.Version)
	}
	name := inst.Name
	if req.Name != "" {
		if err := domainutils.ValidateSiteName(req.Name); err != nil {
			return errInvalid(err.Error())
		}
		name = req.Name
	}

	entry, err := o.ledger.Query(ctx, key)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return apperrs.Server("failed to query operation", err)
	}
	if err == nil {
		if entry.State == ledger.StateInProgress {
			return inProgress(req.InstanceID)
		}
		if entry.Kind == ledger.KindDelete {
			return errInvalid("instance is being deleted")
		}
	}

	supported := catalog.PlanKind(inst.PlanKind) == catalog.PlanSharedDatabase
	if supported && len(inst.ConfigArtifact) == 0 {
		return errInvalid("instance has not finished provisioning")
	}

	var token ledger.Token
	err = o.store.RunInTransaction(ctx, func(q *store.Queries) error {
		l := o.ledger.WithTx(q)
		var err error
		if token, err = l.Start(ctx, key, ledger.KindUpdate); err != nil {
			return err
		}
		if !supported {
			return l.Finish(ctx, key, token, false,
				(&WorkflowError{Kind: KindUnsupported, Err: unsupportedPlan(inst.PlanKind, ledger.KindUpdate)}).Error())
		}
		return q.UpdateInstanceRelease(ctx, key, release.Version, name)
	})
	if err != nil {
		if apperrs.IsClient(err) {
			return err
		}
		return apperrs.Server("failed to start update", err)
	}

	o.metrics.OperationStarted(string(ledger.KindUpdate))
	if !supported {
		o.metrics.OperationCompleted(string(ledger.KindUpdate), string(ledger.StateFailed))
		return nil
	}
	appctx.GetLogger(ctx).Info("update accepted", "instance_id", req.InstanceID,
		"from_version", inst.Version, "to_version", release.Version)
	o.launch(workflow{key: key, kind: ledger.KindUpdate, token: token, phases: updatePhases})
	return nil
}

// Delete starts the delete workflow. It may be re-run after any terminal
// state, including a failed delete.
func (o *Orchestrator) Delete(ctx context.Context, platformID, instanceID string) error {
	key := store.InstanceKey{PlatformID: platformID, InstanceID: instanceID}
	if _, err := o.lookupLive(ctx, key); err != nil {
		return err
	}

	token, err := o.ledger.Start(ctx, key, ledger.KindDelete)
	if err != nil {
		if apperrs.IsClient(err) {
			return err
		}
		return apperrs.Server("failed to start delete", err)
	}

	o.metrics.OperationStarted(string(ledger.KindDelete))
	appctx.GetLogger(ctx).Info("delete accepted", "instance_id", instanceID)
	o.launch(workflow{key: key, kind: ledger.KindDelete, token: token, phases: deletePhases})
	return nil
}

// Read returns a live instance and its last operation.
func (o *Orchestrator) Read(ctx context.Context, platformID, instanceID string) (InstanceView, error) {
	key := store.InstanceKey{PlatformID: platformID, InstanceID: instanceID}
	inst, err := o.lookupLive(ctx, key)
	if err != nil {
		return InstanceView{}, err
	}
	return o.view(ctx, inst)
}

// LastOperation answers polling. Tombstones are included, so a finished
// delete can still be observed.
func (o *Orchestrator) LastOperation(ctx context.Context, platformID, instanceID string) (ledger.Entry, error) {
	key := store.InstanceKey{PlatformID: platformID, InstanceID: instanceID}
	if _, err := o.lookup(ctx, key); err != nil {
		return ledger.Entry{}, err
	}
	entry, err := o.ledger.Query(ctx, key)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Entry{}, errUnknownInstance(instanceID)
	}
	if err != nil {
		return ledger.Entry{}, apperrs.Server("failed to query operation", err)
	}
	return entry, nil
}

// List returns the live instances of a platform.
func (o *Orchestrator) List(ctx context.Context, platformID string) ([]InstanceView, error) {
	if err := o.checkPlatform(ctx, platformID); err != nil {
		return nil, err
	}
	instances, err := o.store.Queries().ListInstancesByPlatform(ctx, platformID)
	if err != nil {
		return nil, apperrs.Server("failed to list instances", err)
	}
	views := make([]InstanceView, 0, len(instances))
	for _, inst := range instances {
		v, err := o.view(ctx, inst)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func (o *Orchestrator) view(ctx context.Context, inst store.Instance) (InstanceView, error) {
	v := InstanceView{Instance: inst}
	entry, err := o.ledger.Query(ctx, inst.Key())
	switch {
	case err == nil:
		v.Operation = entry
		v.HasOperation = true
	case !errors.Is(err, ledger.ErrNotFound):
		return v, apperrs.Server("failed to query operation", err)
	}

	// a URL is only handed out once phase A has completed
	deployed := inst.AccessToken.Valid ||
		(entry.Kind == ledger.KindCreate && entry.Phase != "") ||
		entry.Kind == ledger.KindUpdate
	if inst.InternalID.Valid && deployed {
		v.URL = domainutils.AppURL(o.cfg.NamePrefix, internalID(inst), o.cfg.AppDomain)
	}
	return v, nil
}

func (o *Orchestrator) checkPlatform(ctx context.Context, platformID string) error {
	if platformID == "" {
		return errUnknownPlatform(platformID)
	}
	_, err := o.store.Queries().GetPlatform(ctx, platformID)
	if store.IsNotFoundError(err) {
		return errUnknownPlatform(platformID)
	}
	if err != nil {
		return apperrs.Server("failed to look up platform", err)
	}
	return nil
}

// lookup finds the instance of a platform, tombstones included.
func (o *Orchestrator) lookup(ctx context.Context, key store.InstanceKey) (store.Instance, error) {
	if err := o.checkPlatform(ctx, key.PlatformID); err != nil {
		return store.Instance{}, err
	}
	q := o.store.Queries()
	inst, err := q.GetInstance(ctx, key)
	if err == nil {
		return inst, nil
	}
	if !store.IsNotFoundError(err) {
		return inst, apperrs.Server("failed to look up instance", err)
	}

	others, err := q.ListInstancesByID(ctx, key.InstanceID)
	if err != nil {
		return store.Instance{}, apperrs.Server("failed to look up instance", err)
	}
	for _, other := range others {
		if !other.Deleted() {
			return store.Instance{}, errWrongPlatform(key.InstanceID)
		}
	}
	return store.Instance{}, errUnknownInstance(key.InstanceID)
}

func (o *Orchestrator) lookupLive(ctx context.Context, key store.InstanceKey) (store.Instance, error) {
	inst, err := o.lookup(ctx, key)
	if err != nil {
		return inst, err
	}
	if inst.Deleted() {
		return inst, errDeleted(key.InstanceID)
	}
	return inst, nil
}

func alreadyExists(id string) error {
	return apperrs.Client(apperrs.CodeAlreadyExists, "instance already exists").SetMeta("instance_id", id)
}

func inProgress(id string) error {
	return apperrs.Client(apperrs.CodeOperationInProgress,
		"another operation is in progress for this instance").SetMeta("instance_id", id)
}
