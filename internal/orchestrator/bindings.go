package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/samber/lo"

	"github.com/aliuygur/analytics-broker/internal/appctx"
	"github.com/aliuygur/analytics-broker/internal/apperrs"
	"github.com/aliuygur/analytics-broker/internal/installer"
	"github.com/aliuygur/analytics-broker/internal/ledger"
	"github.com/aliuygur/analytics-broker/internal/store"
	"github.com/aliuygur/analytics-broker/pkg/domainutils"
)

type BindRequest struct {
	PlatformID string
	InstanceID string
	BindingID  string
	SiteName   string
	SiteURL    string
	Email      string
}

// BindingCredentials grant view access to one site of an instance.
type BindingCredentials struct {
	URL      string `json:"url"`
	SiteID   int64  `json:"site_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Bind registers a site and a user allowed to view it. Unlike instance
// operations it runs synchronously.
func (o *Orchestrator) Bind(ctx context.Context, req BindRequest) (BindingCredentials, error) {
	logger := appctx.GetLogger(ctx)
	key := store.InstanceKey{PlatformID: req.PlatformID, InstanceID: req.InstanceID}
	inst, err := o.lookupLive(ctx, key)
	if err != nil {
		return BindingCredentials{}, err
	}

	if req.BindingID == "" {
		return BindingCredentials{}, errInvalid("binding id is required")
	}
	if err := domainutils.ValidateSiteName(req.SiteName); err != nil {
		return BindingCredentials{}, errInvalid(err.Error())
	}
	if err := domainutils.ValidateSiteURL(req.SiteURL); err != nil {
		return BindingCredentials{}, errInvalid(err.Error())
	}
	if err := checkReady(ctx, o.ledger, key); err != nil {
		return BindingCredentials{}, err
	}

	q := o.store.Queries()
	_, err = q.GetBinding(ctx, key, req.BindingID)
	if err == nil {
		return BindingCredentials{}, bindingExists(req.BindingID)
	}
	if !store.IsNotFoundError(err) {
		return BindingCredentials{}, apperrs.Server("failed to look up binding", err)
	}

	t, err := o.target(inst)
	if err != nil {
		return BindingCredentials{}, apperrs.Server("instance is not reachable", err)
	}
	email := req.Email
	if email == "" {
		email = inst.AdminEmail
	}
	username := "site" + lo.RandomString(10, append(lo.LowerCaseLettersCharset, lo.NumbersCharset...))
	password := lo.RandomString(24, lo.AlphanumericCharset)

	siteID, err := o.installer.AddSite(ctx, t, req.SiteName, req.SiteURL)
	if err != nil {
		return BindingCredentials{}, apperrs.Server("failed to register site", err)
	}
	if err := o.installer.AddUser(ctx, t, username, password, email); err != nil {
		o.undoBind(ctx, t, "", siteID)
		return BindingCredentials{}, apperrs.Server("failed to create site user", err)
	}
	if err := o.installer.SetUserAccess(ctx, t, username, installer.AccessView, siteID); err != nil {
		o.undoBind(ctx, t, username, siteID)
		return BindingCredentials{}, apperrs.Server("failed to grant site access", err)
	}

	binding := store.Binding{
		PlatformID: req.PlatformID,
		InstanceID: req.InstanceID,
		ID:         req.BindingID,
		SiteName:   req.SiteName,
		SiteURL:    req.SiteURL,
		Email:      email,
		Username:   username,
		Password:   password,
		SiteID:     sql.NullInt64{Int64: siteID, Valid: true},
		CreatedAt:  time.Now().UTC(),
	}
	// The instance may have been deleted or handed to another operation
	// while the site and user were created.
	err = o.store.RunInTransaction(ctx, func(tq *store.Queries) error {
		cur, err := tq.GetInstance(ctx, key)
		if err != nil {
			if store.IsNotFoundError(err) {
				return errDeleted(req.InstanceID)
			}
			return err
		}
		if cur.Deleted() || !cur.CreatedAt.Equal(inst.CreatedAt) {
			return errDeleted(req.InstanceID)
		}
		if err := checkReady(ctx, o.ledger.WithTx(tq), key); err != nil {
			return err
		}
		return tq.CreateBinding(ctx, binding)
	})
	if err != nil {
		o.undoBind(ctx, t, username, siteID)
		if apperrs.IsClient(err) {
			return BindingCredentials{}, err
		}
		// a concurrent bind with the same id won the insert
		if _, gerr := q.GetBinding(ctx, key, req.BindingID); gerr == nil {
			return BindingCredentials{}, bindingExists(req.BindingID)
		}
		return BindingCredentials{}, apperrs.Server("failed to persist binding", err)
	}

	logger.Info("binding created", "instance_id", req.InstanceID, "binding_id", req.BindingID, "site_id", siteID)
	return BindingCredentials{
		URL:      t.BaseURL,
		SiteID:   siteID,
		Username: username,
		Password: password,
	}, nil
}

// Unbind removes the user and site a binding created.
func (o *Orchestrator) Unbind(ctx context.Context, platformID, instanceID, bindingID string) error {
	key := store.InstanceKey{PlatformID: platformID, InstanceID: instanceID}
	inst, err := o.lookupLive(ctx, key)
	if err != nil {
		return err
	}

	q := o.store.Queries()
	b, err := q.GetBinding(ctx, key, bindingID)
	if store.IsNotFoundError(err) {
		return apperrs.Client(apperrs.CodeUnknownBinding, "unknown binding").SetMeta("binding_id", bindingID)
	}
	if err != nil {
		return apperrs.Server("failed to look up binding", err)
	}

	t, err := o.target(inst)
	if err != nil {
		return apperrs.Server("instance is not reachable", err)
	}
	if err := o.installer.DeleteUser(ctx, t, b.Username); err != nil {
		return apperrs.Server("failed to delete site user", err)
	}
	if b.SiteID.Valid {
		if err := o.installer.DeleteSite(ctx, t, b.SiteID.Int64); err != nil {
			return apperrs.Server("failed to delete site", err)
		}
	}
	if err := q.DeleteBinding(ctx, key, bindingID); err != nil && !store.IsNotFoundError(err) {
		return apperrs.Server("failed to delete binding", err)
	}

	appctx.GetLogger(ctx).Info("binding deleted", "instance_id", instanceID, "binding_id", bindingID)
	return nil
}

// checkReady accepts bindings only after a create or update succeeded.
func checkReady(ctx context.Context, l *ledger.Ledger, key store.InstanceKey) error {
	entry, err := l.Query(ctx, key)
	if errors.Is(err, ledger.ErrNotFound) {
		return errInvalid("instance is not ready")
	}
	if err != nil {
		return apperrs.Server("failed to query operation", err)
	}
	if entry.State == ledger.StateInProgress {
		return inProgress(key.InstanceID)
	}
	if entry.State != ledger.StateSucceeded || (entry.Kind != ledger.KindCreate && entry.Kind != ledger.KindUpdate) {
		return errInvalid("instance is not ready").SetMeta("operation", string(entry.Kind)).SetMeta("state", string(entry.State))
	}
	return nil
}

// undoBind removes what a failed Bind created. Errors are only logged; the
// caller already reports the original failure.
func (o *Orchestrator) undoBind(ctx context.Context, t installer.Target, username string, siteID int64) {
	logger := appctx.GetLogger(ctx)
	if username != "" {
		if err := o.installer.DeleteUser(ctx, t, username); err != nil {
			logger.Warn("failed to remove site user", "username", username, "error", err)
		}
	}
	if err := o.installer.DeleteSite(ctx, t, siteID); err != nil {
		logger.Warn("failed to remove site", "site_id", siteID, "error", err)
	}
}

func bindingExists(id string) error {
	return apperrs.Client(apperrs.CodeAlreadyExists, "binding already exists").SetMeta("binding_id", id)
}
