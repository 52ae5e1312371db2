package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/aliuygur/analytics-broker/internal/apperrs"
	"github.com/aliuygur/analytics-broker/internal/catalog"
	"github.com/aliuygur/analytics-broker/internal/idpool"
	"github.com/aliuygur/analytics-broker/internal/ledger"
	"github.com/aliuygur/analytics-broker/internal/store"
)

const poolCapacity = 3

type orchestratorTestSuite struct {
	ctx     context.Context
	store   *store.Store
	pool    *idpool.Pool
	catalog *catalog.Catalog

	driver *fakeDriver
	inst   *fakeInstaller
	data   *fakeData

	orch *Orchestrator

	sharedPlan    string
	dedicatedPlan string

	suite.Suite
}

func TestOrchestratorTestSuite(t *testing.T) {
	suite.Run(t, new(orchestratorTestSuite))
}

func (s *orchestratorTestSuite) SetupTest() {
	s.ctx = context.Background()

	st, err := store.Open(s.ctx, store.Config{Driver: store.DriverSQLite, URL: ":memory:"})
	s.Require().NoError(err)
	s.Require().NoError(st.Migrate(s.ctx))
	for _, id := range []string{"p1", "p2"} {
		s.Require().NoError(st.Queries().CreatePlatform(s.ctx, store.Platform{ID: id, Name: id, CreatedAt: time.Now()}))
	}
	s.store = st

	s.catalog, err = catalog.Load("")
	s.Require().NoError(err)
	shared, _ := s.catalog.PlanByKind(catalog.PlanSharedDatabase)
	dedicated, _ := s.catalog.PlanByKind(catalog.PlanDedicatedDatabase)
	s.sharedPlan, s.dedicatedPlan = shared.ID, dedicated.ID

	s.driver = newFakeDriver()
	s.inst = newFakeInstaller()
	s.data = newFakeData()
	s.orch = s.newOrchestrator(2 * time.Second)
}

func (s *orchestratorTestSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.orch.Shutdown(ctx)
	s.Require().NoError(s.store.Close())
}

// newOrchestrator starts over with an empty pool, like a restarted process.
func (s *orchestratorTestSuite) newOrchestrator(phaseTimeout time.Duration) *Orchestrator {
	pool, err := idpool.New(poolCapacity)
	s.Require().NoError(err)
	s.pool = pool
	return New(s.store, pool, s.catalog, s.driver, s.inst, s.data, Config{
		NamePrefix:   "analytics",
		AppDomain:    "apps.example.com",
		Memory:       "512Mi",
		Instances:    1,
		Timezone:     "Europe/Istanbul",
		PhaseTimeout: phaseTimeout,
	}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func (s *orchestratorTestSuite) create(platformID, instanceID string) error {
	return s.orch.Create(s.ctx, CreateRequest{PlatformID: platformID, InstanceID: instanceID, PlanID: s.sharedPlan})
}

// provision creates an instance and waits for the workflow to succeed.
func (s *orchestratorTestSuite) provision(instanceID string) store.Instance {
	s.Require().NoError(s.create("p1", instanceID))
	s.orch.Wait()
	s.requireEntry("p1", instanceID, ledger.KindCreate, ledger.StateSucceeded)
	return s.instance("p1", instanceID)
}

func (s *orchestratorTestSuite) entry(platformID, instanceID string) ledger.Entry {
	e, err := s.orch.LastOperation(s.ctx, platformID, instanceID)
	s.Require().NoError(err)
	return e
}

func (s *orchestratorTestSuite) requireEntry(platformID, instanceID string, kind ledger.Kind, state ledger.State) ledger.Entry {
	e := s.entry(platformID, instanceID)
	s.Require().Equal(kind, e.Kind, e.Description)
	s.Require().Equal(state, e.State, e.Description)
	return e
}

func (s *orchestratorTestSuite) instance(platformID, instanceID string) store.Instance {
	inst, err := s.store.Queries().GetInstance(s.ctx, store.InstanceKey{PlatformID: platformID, InstanceID: instanceID})
	s.Require().NoError(err)
	return inst
}

func (s *orchestratorTestSuite) requireCode(err error, code string) {
	s.Require().Error(err)
	s.Require().True(apperrs.CodeIs(err, code), "want %s, got %v", code, err)
}

func (s *orchestratorTestSuite) TestCreate_UnknownPlatform() {
	err := s.create("nope", "i1")
	s.requireCode(err, apperrs.CodeUnknownPlatform)

	_, err = s.store.Queries().GetInstance(s.ctx, store.InstanceKey{PlatformID: "nope", InstanceID: "i1"})
	s.True(store.IsNotFoundError(err))
	_, err = ledger.New(s.store.Queries()).Query(s.ctx, store.InstanceKey{PlatformID: "nope", InstanceID: "i1"})
	s.ErrorIs(err, ledger.ErrNotFound)
	s.Zero(s.pool.Allocated())
}

func (s *orchestratorTestSuite) TestCreate_InvalidPlanOrVersion() {
	err := s.orch.Create(s.ctx, CreateRequest{PlatformID: "p1", InstanceID: "i1", PlanID: "nope"})
	s.requireCode(err, apperrs.CodeInvalidInput)

	err = s.orch.Create(s.ctx, CreateRequest{PlatformID: "p1", InstanceID: "i1", PlanID: s.sharedPlan, Version: "0.0.1"})
	s.requireCode(err, apperrs.CodeInvalidInput)

	_, err = s.store.Queries().GetInstance(s.ctx, store.InstanceKey{PlatformID: "p1", InstanceID: "i1"})
	s.True(store.IsNotFoundError(err))
	s.Zero(s.pool.Allocated())
}

func (s *orchestratorTestSuite) TestCreate_Succeeds() {
	inst := s.provision("i1")

	s.Require().True(inst.InternalID.Valid)
	id := int(inst.InternalID.Int64)
	s.True(s.pool.IsAllocated(id))
	s.NotEmpty(inst.ConfigArtifact)
	s.True(inst.AccessToken.Valid)
	s.Equal("5.1.2", inst.Version)

	s.Equal([]string{"CreateBinding", "Deploy", "FetchConfigArtifact", "Redeploy"}, s.driver.Calls())
	s.Equal(inst.ConfigArtifact, s.driver.lastSpec().ConfigArtifact)
	s.Equal("ghcr.io/aliuygur/analytics-app:5.1.2", s.driver.lastSpec().Image)

	req := s.inst.lastInstall()
	s.Equal(inst.AdminPassword, req.AdminPassword)
	s.True(strings.HasPrefix(req.BaseURL, "https://analytics-"))
	s.True(strings.HasSuffix(req.BaseURL, ".apps.example.com"))
	s.True(strings.HasPrefix(req.Store.TablePrefix, "analytics"))
	s.Equal("Europe/Istanbul", req.Timezone)

	e := s.entry("p1", "i1")
	s.Equal(string(PhaseRedeploy), e.Phase)

	view, err := s.orch.Read(s.ctx, "p1", "i1")
	s.Require().NoError(err)
	s.Equal(req.BaseURL, view.URL)
}

func (s *orchestratorTestSuite) TestCreate_AlreadyExists() {
	s.Require().NoError(s.create("p1", "i1"))
	s.requireCode(s.create("p1", "i1"), apperrs.CodeAlreadyExists)

	// same external id under another platform is independent
	s.Require().NoError(s.create("p2", "i1"))
	s.orch.Wait()

	s.requireEntry("p1", "i1", ledger.KindCreate, ledger.StateSucceeded)
	s.requireEntry("p2", "i1", ledger.KindCreate, ledger.StateSucceeded)
	s.Equal(2, s.pool.Allocated())
}

func (s *orchestratorTestSuite) TestCreate_InstallFailureKeepsID() {
	s.inst.setFail("RunFirstInstall", errors.New("wizard rejected the database"))

	s.Require().NoError(s.create("p1", "i1"))
	s.orch.Wait()

	e := s.requireEntry("p1", "i1", ledger.KindCreate, ledger.StateFailed)
	s.Equal("InstallFailure: install: failed to run first install: wizard rejected the database", e.Description)
	s.Equal(string(PhaseDeploy), e.Phase)

	inst := s.instance("p1", "i1")
	s.Empty(inst.ConfigArtifact)
	s.Require().True(inst.InternalID.Valid)
	s.True(s.pool.IsAllocated(int(inst.InternalID.Int64)))
	s.NotContains(s.driver.Calls(), "FetchConfigArtifact")
}

func (s *orchestratorTestSuite) TestCreate_ConfigFetchFailure() {
	s.driver.setFail("FetchConfigArtifact", errors.New("connection refused"))

	s.Require().NoError(s.create("p1", "i1"))
	s.orch.Wait()

	e := s.requireEntry("p1", "i1", ledger.KindCreate, ledger.StateFailed)
	s.True(strings.HasPrefix(e.Description, "ConfigFetchFailure: fetch-config: "), e.Description)
	s.NotContains(s.driver.Calls(), "Redeploy")
}

func (s *orchestratorTestSuite) TestCreate_PoolExhausted() {
	for _, id := range []string{"i1", "i2", "i3"} {
		s.Require().NoError(s.create("p1", id))
	}
	s.orch.Wait()
	s.Equal(poolCapacity, s.pool.Allocated())

	s.Require().NoError(s.create("p1", "i4"))

	e := s.requireEntry("p1", "i4", ledger.KindCreate, ledger.StateFailed)
	s.Equal("Exhausted: identifier pool exhausted", e.Description)
	s.False(s.instance("p1", "i4").InternalID.Valid)

	// deleting the exhausted instance needs no teardown
	s.driver.reset()
	s.Require().NoError(s.orch.Delete(s.ctx, "p1", "i4"))
	s.orch.Wait()
	s.requireEntry("p1", "i4", ledger.KindDelete, ledger.StateSucceeded)
	s.Empty(s.driver.Calls())
	s.Equal(poolCapacity, s.pool.Allocated())
}

func (s *orchestratorTestSuite) TestCreate_UnsupportedPlan() {
	err := s.orch.Create(s.ctx, CreateRequest{PlatformID: "p1", InstanceID: "i1", PlanID: s.dedicatedPlan})
	s.Require().NoError(err)

	e := s.requireEntry("p1", "i1", ledger.KindCreate, ledger.StateFailed)
	s.Equal("Unsupported: plan kind dedicated-database is not implemented", e.Description)
	s.Equal(1, s.pool.Allocated())
	s.Empty(s.driver.Calls())

	// updates reach a terminal state too
	s.Require().NoError(s.orch.Update(s.ctx, UpdateRequest{PlatformID: "p1", InstanceID: "i1", Version: "5.0.3"}))
	e = s.requireEntry("p1", "i1", ledger.KindUpdate, ledger.StateFailed)
	s.Equal("Unsupported: plan kind dedicated-database does not support update", e.Description)
}

func (s *orchestratorTestSuite) TestCreate_ReplacesTombstone() {
	s.provision("i1")
	s.Require().NoError(s.orch.Delete(s.ctx, "p1", "i1"))
	s.orch.Wait()

	s.provision("i1")
	s.False(s.instance("p1", "i1").Deleted())
}

func (s *orchestratorTestSuite) TestDelete_WhileCreateInProgress() {
	gate := s.driver.hold("Deploy")
	s.Require().NoError(s.create("p1", "i1"))

	s.requireCode(s.orch.Delete(s.ctx, "p1", "i1"), apperrs.CodeOperationInProgress)
	s.requireCode(s.orch.Update(s.ctx, UpdateRequest{PlatformID: "p1", InstanceID: "i1"}), apperrs.CodeOperationInProgress)
	s.requireEntry("p1", "i1", ledger.KindCreate, ledger.StateInProgress)

	close(gate)
	s.orch.Wait()
	s.requireEntry("p1", "i1", ledger.KindCreate, ledger.StateSucceeded)
}

func (s *orchestratorTestSuite) TestDelete_ReleasesID() {
	inst := s.provision("i1")
	id := int(inst.InternalID.Int64)

	s.Require().NoError(s.orch.Delete(s.ctx, "p1", "i1"))
	s.orch.Wait()

	s.requireEntry("p1", "i1", ledger.KindDelete, ledger.StateSucceeded)
	s.False(s.pool.IsAllocated(id))
	s.Zero(s.pool.Allocated())
	s.Contains(s.driver.Calls(), "DeleteBinding")
	s.Contains(s.driver.Calls(), "Delete")
	s.Equal([]string{"analytics" + strconv.Itoa(id) + "_"}, s.data.Dropped())

	deleted := s.instance("p1", "i1")
	s.True(deleted.Deleted())
	s.False(deleted.InternalID.Valid)

	_, err := s.orch.Read(s.ctx, "p1", "i1")
	s.True(IsDeleted(err))
	s.requireCode(err, apperrs.CodeUnknownInstance)
	err = s.orch.Delete(s.ctx, "p1", "i1")
	s.True(IsDeleted(err))

	// the released id is allocatable again
	for range poolCapacity {
		_, err := s.pool.Allocate()
		s.Require().NoError(err)
	}
}

func (s *orchestratorTestSuite) TestDelete_FailureKeepsIDThenRetry() {
	inst := s.provision("i1")
	id := int(inst.InternalID.Int64)

	s.driver.setFail("Delete", errors.New("namespace is stuck"))
	s.Require().NoError(s.orch.Delete(s.ctx, "p1", "i1"))
	s.orch.Wait()

	e := s.requireEntry("p1", "i1", ledger.KindDelete, ledger.StateFailed)
	s.Equal("DeploymentFailure: teardown: failed to delete deployment: namespace is stuck", e.Description)
	s.True(s.pool.IsAllocated(id))
	s.False(s.instance("p1", "i1").Deleted())

	// updates are refused after a failed delete
	s.requireCode(s.orch.Update(s.ctx, UpdateRequest{PlatformID: "p1", InstanceID: "i1"}), apperrs.CodeInvalidInput)

	s.driver.setFail("Delete", nil)
	s.Require().NoError(s.orch.Delete(s.ctx, "p1", "i1"))
	s.orch.Wait()

	s.requireEntry("p1", "i1", ledger.KindDelete, ledger.StateSucceeded)
	s.False(s.pool.IsAllocated(id))
}

func (s *orchestratorTestSuite) TestDelete_DropTablesFailure() {
	inst := s.provision("i1")
	s.data.setFail("DropTables", errors.New("permission denied"))

	s.Require().NoError(s.orch.Delete(s.ctx, "p1", "i1"))
	s.orch.Wait()

	e := s.requireEntry("p1", "i1", ledger.KindDelete, ledger.StateFailed)
	s.True(strings.HasPrefix(e.Description, "DataStoreFailure: drop-tables: "), e.Description)
	s.True(s.pool.IsAllocated(int(inst.InternalID.Int64)))
}

func (s *orchestratorTestSuite) TestLookupErrors() {
	s.provision("i1")

	s.requireCode(s.orch.Delete(s.ctx, "p1", "missing"), apperrs.CodeUnknownInstance)
	s.requireCode(s.orch.Delete(s.ctx, "p2", "i1"), apperrs.CodeWrongPlatform)
	s.requireCode(s.orch.Delete(s.ctx, "nope", "i1"), apperrs.CodeUnknownPlatform)

	_, err := s.orch.Read(s.ctx, "p2", "i1")
	s.requireCode(err, apperrs.CodeWrongPlatform)
	_, err = s.orch.Read(s.ctx, "p1", "missing")
	s.requireCode(err, apperrs.CodeUnknownInstance)
	s.False(IsDeleted(err))
	_, err = s.orch.LastOperation(s.ctx, "p2", "i1")
	s.requireCode(err, apperrs.CodeWrongPlatform)
}

func (s *orchestratorTestSuite) TestUpdate_Succeeds() {
	s.provision("i1")
	s.driver.reset()

	err := s.orch.Update(s.ctx, UpdateRequest{PlatformID: "p1", InstanceID: "i1", Version: "5.0.3", Name: "Marketing"})
	s.Require().NoError(err)
	s.orch.Wait()

	e := s.requireEntry("p1", "i1", ledger.KindUpdate, ledger.StateSucceeded)
	s.Equal(string(PhaseUpgrade), e.Phase)

	inst := s.instance("p1", "i1")
	s.Equal("5.0.3", inst.Version)
	s.Equal("Marketing", inst.Name)
	s.Equal([]string{"Redeploy"}, s.driver.Calls())
	s.Equal("ghcr.io/aliuygur/analytics-app:5.0.3", s.driver.lastSpec().Image)
	s.Contains(s.inst.Calls(), "RunUpgrade")
}

func (s *orchestratorTestSuite) TestUpdate_Validation() {
	s.inst.setFail("RunFirstInstall", errors.New("boom"))
	s.Require().NoError(s.create("p1", "i1"))
	s.orch.Wait()

	s.requireCode(s.orch.Update(s.ctx, UpdateRequest{PlatformID: "p1", InstanceID: "i1"}), apperrs.CodeInvalidInput)

	s.inst.setFail("RunFirstInstall", nil)
	s.provision("i2")
	s.requireCode(s.orch.Update(s.ctx, UpdateRequest{PlatformID: "p1", InstanceID: "i2", Version: "9.9.9"}),
		apperrs.CodeInvalidInput)
	s.requireCode(s.orch.Update(s.ctx, UpdateRequest{PlatformID: "p2", InstanceID: "i2"}), apperrs.CodeWrongPlatform)
}

func (s *orchestratorTestSuite) TestUpgradeFailure() {
	s.provision("i1")
	s.inst.setFail("RunUpgrade", errors.New("core updater returned 500"))

	s.Require().NoError(s.orch.Update(s.ctx, UpdateRequest{PlatformID: "p1", InstanceID: "i1", Version: "latest"}))
	s.orch.Wait()

	e := s.requireEntry("p1", "i1", ledger.KindUpdate, ledger.StateFailed)
	s.True(strings.HasPrefix(e.Description, "InstallFailure: upgrade: "), e.Description)
	s.Equal(string(PhaseUpgradeRedeploy), e.Phase)
}

func (s *orchestratorTestSuite) TestPhaseTimeout() {
	s.orch = s.newOrchestrator(50 * time.Millisecond)
	s.driver.hold("Deploy")

	s.Require().NoError(s.create("p1", "i1"))
	s.orch.Wait()

	e := s.requireEntry("p1", "i1", ledger.KindCreate, ledger.StateFailed)
	s.Equal("Timeout: deploy: failed to deploy: context deadline exceeded", e.Description)
	s.True(s.pool.IsAllocated(int(s.instance("p1", "i1").InternalID.Int64)))
}

func (s *orchestratorTestSuite) TestStaleWorkflowIsIgnored() {
	gate := s.driver.hold("Deploy")
	s.Require().NoError(s.create("p1", "i1"))

	// another generation takes the entry over
	key := store.InstanceKey{PlatformID: "p1", InstanceID: "i1"}
	token, _, err := ledger.New(s.store.Queries()).Reclaim(s.ctx, key)
	s.Require().NoError(err)

	close(gate)
	s.orch.Wait()

	e := s.requireEntry("p1", "i1", ledger.KindCreate, ledger.StateInProgress)
	s.Equal(token, e.Token)
	s.Empty(e.Phase)
	s.NotContains(s.inst.Calls(), "RunFirstInstall")
}

func (s *orchestratorTestSuite) TestStart_RebuildsPool() {
	q := s.store.Queries()
	now := time.Now().UTC()
	for i, id := range []string{"i1", "i2"} {
		s.Require().NoError(q.CreateInstance(s.ctx, store.Instance{
			PlatformID: "p1", ID: id, InternalID: sql.NullInt64{Int64: int64(i), Valid: true},
			PlanKind: string(catalog.PlanSharedDatabase), Version: "5.1.2",
			AdminUser: "admin", AdminPassword: "secret", CreatedAt: now, UpdatedAt: now,
		}))
	}
	s.Require().NoError(q.TombstoneInstance(s.ctx, store.InstanceKey{PlatformID: "p1", InstanceID: "i2"}))

	s.Require().NoError(s.orch.Start(s.ctx))
	s.Equal(1, s.pool.Allocated())
	s.True(s.pool.IsAllocated(0))
	s.False(s.pool.IsAllocated(1))
}

func (s *orchestratorTestSuite) TestStart_ResumesFromCheckpoint() {
	q := s.store.Queries()
	key := store.InstanceKey{PlatformID: "p1", InstanceID: "i1"}
	now := time.Now().UTC()
	s.Require().NoError(q.CreateInstance(s.ctx, store.Instance{
		PlatformID: "p1", ID: "i1", InternalID: sql.NullInt64{Int64: 2, Valid: true},
		PlanKind: string(catalog.PlanSharedDatabase), Version: "5.1.2",
		AdminUser: "admin", AdminPassword: "secret", CreatedAt: now, UpdatedAt: now,
	}))
	s.Require().NoError(q.UpdateInstanceInstall(s.ctx, key, 1, "token"))

	l := ledger.New(q)
	token, err := l.Start(s.ctx, key, ledger.KindCreate)
	s.Require().NoError(err)
	s.Require().NoError(l.Checkpoint(s.ctx, key, token, string(PhaseDeploy), ""))
	s.Require().NoError(l.Checkpoint(s.ctx, key, token, string(PhaseInstall), ""))

	s.Require().NoError(s.orch.Start(s.ctx))
	s.orch.Wait()

	s.requireEntry("p1", "i1", ledger.KindCreate, ledger.StateSucceeded)
	s.Equal([]string{"FetchConfigArtifact", "Redeploy"}, s.driver.Calls())
	s.Empty(s.inst.Calls())
	s.True(s.pool.IsAllocated(2))
	s.NotEmpty(s.instance("p1", "i1").ConfigArtifact)

	// the interrupted generation can no longer write
	s.ErrorIs(l.Finish(s.ctx, key, token, false, "late"), ledger.ErrStaleToken)
}

func (s *orchestratorTestSuite) TestShutdown_LeavesWorkInProgress() {
	gate := s.driver.hold("Deploy")
	s.Require().NoError(s.create("p1", "i1"))

	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	s.ErrorIs(s.orch.Shutdown(ctx), context.DeadlineExceeded)
	s.requireEntry("p1", "i1", ledger.KindCreate, ledger.StateInProgress)

	// a new process picks the workflow up again
	close(gate)
	s.orch = s.newOrchestrator(2 * time.Second)
	s.Require().NoError(s.orch.Start(s.ctx))
	s.orch.Wait()
	s.requireEntry("p1", "i1", ledger.KindCreate, ledger.StateSucceeded)
	s.Equal(1, s.pool.Allocated())
}

func (s *orchestratorTestSuite) TestBind() {
	s.provision("i1")

	creds, err := s.orch.Bind(s.ctx, BindRequest{
		PlatformID: "p1", InstanceID: "i1", BindingID: "b1",
		SiteName: "Shop", SiteURL: "https://shop.example.com",
	})
	s.Require().NoError(err)
	s.True(strings.HasPrefix(creds.Username, "site"))
	s.Len(creds.Password, 24)
	s.NotZero(creds.SiteID)
	s.True(strings.HasPrefix(creds.URL, "https://analytics-"))
	s.Equal(1, s.inst.userCount())
	s.Equal(1, s.inst.siteCount())

	_, err = s.orch.Bind(s.ctx, BindRequest{
		PlatformID: "p1", InstanceID: "i1", BindingID: "b1",
		SiteName: "Shop", SiteURL: "https://shop.example.com",
	})
	s.requireCode(err, apperrs.CodeAlreadyExists)

	_, err = s.orch.Bind(s.ctx, BindRequest{
		PlatformID: "p1", InstanceID: "i1", BindingID: "b2",
		SiteName: "Shop", SiteURL: "ftp://shop.example.com",
	})
	s.requireCode(err, apperrs.CodeInvalidInput)

	s.Require().NoError(s.orch.Unbind(s.ctx, "p1", "i1", "b1"))
	s.Zero(s.inst.userCount())
	s.Zero(s.inst.siteCount())
	s.requireCode(s.orch.Unbind(s.ctx, "p1", "i1", "b1"), apperrs.CodeUnknownBinding)
}

func (s *orchestratorTestSuite) TestBind_RequiresReadyInstance() {
	gate := s.driver.hold("Deploy")
	s.Require().NoError(s.create("p1", "i1"))

	_, err := s.orch.Bind(s.ctx, BindRequest{
		PlatformID: "p1", InstanceID: "i1", BindingID: "b1",
		SiteName: "Shop", SiteURL: "https://shop.example.com",
	})
	s.requireCode(err, apperrs.CodeOperationInProgress)
	close(gate)
	s.orch.Wait()

	s.inst.setFail("RunFirstInstall", errors.New("boom"))
	s.Require().NoError(s.create("p1", "i2"))
	s.orch.Wait()
	_, err = s.orch.Bind(s.ctx, BindRequest{
		PlatformID: "p1", InstanceID: "i2", BindingID: "b1",
		SiteName: "Shop", SiteURL: "https://shop.example.com",
	})
	s.requireCode(err, apperrs.CodeInvalidInput)
}

func (s *orchestratorTestSuite) TestBind_UndoesSiteOnFailure() {
	s.provision("i1")
	s.inst.setFail("SetUserAccess", errors.New("forbidden"))

	_, err := s.orch.Bind(s.ctx, BindRequest{
		PlatformID: "p1", InstanceID: "i1", BindingID: "b1",
		SiteName: "Shop", SiteURL: "https://shop.example.com",
	})
	s.Require().Error(err)
	s.False(apperrs.IsClient(err))
	s.Zero(s.inst.siteCount())
	s.Zero(s.inst.userCount())

	_, err = s.store.Queries().GetBinding(s.ctx, store.InstanceKey{PlatformID: "p1", InstanceID: "i1"}, "b1")
	s.True(store.IsNotFoundError(err))
}

func (s *orchestratorTestSuite) TestBind_InstanceDeletedMeanwhile() {
	s.provision("i1")
	gate := s.inst.hold("AddUser")

	type result struct {
		creds BindingCredentials
		err   error
	}
	done := make(chan result, 1)
	go func() {
		creds, err := s.orch.Bind(s.ctx, BindRequest{
			PlatformID: "p1", InstanceID: "i1", BindingID: "b1",
			SiteName: "Shop", SiteURL: "https://shop.example.com",
		})
		done <- result{creds, err}
	}()
	s.Eventually(func() bool { return slices.Contains(s.inst.Calls(), "AddUser") }, time.Second, 5*time.Millisecond)

	s.Require().NoError(s.orch.Delete(s.ctx, "p1", "i1"))
	s.orch.Wait()
	s.requireEntry("p1", "i1", ledger.KindDelete, ledger.StateSucceeded)

	close(gate)
	res := <-done
	s.requireCode(res.err, apperrs.CodeUnknownInstance)
	s.True(IsDeleted(res.err))
	s.Empty(res.creds.Password)
	s.Zero(s.inst.userCount())
	s.Zero(s.inst.siteCount())

	bindings, err := s.store.Queries().ListBindingsByInstance(s.ctx, store.InstanceKey{PlatformID: "p1", InstanceID: "i1"})
	s.Require().NoError(err)
	s.Empty(bindings)
}

func (s *orchestratorTestSuite) TestBind_DeleteStartedMeanwhile() {
	s.provision("i1")
	bindGate := s.inst.hold("AddUser")
	deleteGate := s.driver.hold("Delete")

	done := make(chan error, 1)
	go func() {
		_, err := s.orch.Bind(s.ctx, BindRequest{
			PlatformID: "p1", InstanceID: "i1", BindingID: "b1",
			SiteName: "Shop", SiteURL: "https://shop.example.com",
		})
		done <- err
	}()
	s.Eventually(func() bool { return slices.Contains(s.inst.Calls(), "AddUser") }, time.Second, 5*time.Millisecond)

	s.Require().NoError(s.orch.Delete(s.ctx, "p1", "i1"))
	close(bindGate)
	s.requireCode(<-done, apperrs.CodeOperationInProgress)
	s.Zero(s.inst.userCount())

	close(deleteGate)
	s.orch.Wait()
	s.requireEntry("p1", "i1", ledger.KindDelete, ledger.StateSucceeded)
}

func (s *orchestratorTestSuite) TestDelete_RemovesBindings() {
	s.provision("i1")
	_, err := s.orch.Bind(s.ctx, BindRequest{
		PlatformID: "p1", InstanceID: "i1", BindingID: "b1",
		SiteName: "Shop", SiteURL: "https://shop.example.com",
	})
	s.Require().NoError(err)

	s.Require().NoError(s.orch.Delete(s.ctx, "p1", "i1"))
	s.orch.Wait()

	bindings, err := s.store.Queries().ListBindingsByInstance(s.ctx, store.InstanceKey{PlatformID: "p1", InstanceID: "i1"})
	s.Require().NoError(err)
	s.Empty(bindings)
}

func (s *orchestratorTestSuite) TestList() {
	s.provision("i1")
	gate := s.driver.hold("Deploy")
	s.Require().NoError(s.create("p1", "i2"))

	views, err := s.orch.List(s.ctx, "p1")
	s.Require().NoError(err)
	s.Require().Len(views, 2)
	s.NotEmpty(views[0].URL)
	s.Empty(views[1].URL, "no URL before the deploy phase completes")
	s.Equal(ledger.StateInProgress, views[1].Operation.State)

	close(gate)
	s.orch.Wait()

	_, err = s.orch.List(s.ctx, "nope")
	s.requireCode(err, apperrs.CodeUnknownPlatform)
}

func TestWorkflowError(t *testing.T) {
	cause := errors.New("refused")
	err := error(&WorkflowError{Kind: KindDeploymentFailure, Phase: PhaseDeploy, Err: cause})

	if got, want := err.Error(), "DeploymentFailure: deploy: refused"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Fatal("WorkflowError does not unwrap to its cause")
	}
	if got := (&WorkflowError{Kind: KindExhausted, Err: cause}).Error(); got != "Exhausted: refused" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestRemaining(t *testing.T) {
	got, err := remaining(createPhases, "")
	if err != nil || len(got) != 4 {
		t.Fatalf("remaining(empty) = %v, %v", got, err)
	}
	got, err = remaining(createPhases, string(PhaseFetchConfig))
	if err != nil || len(got) != 1 || got[0] != PhaseRedeploy {
		t.Fatalf("remaining(fetch-config) = %v, %v", got, err)
	}
	got, err = remaining(createPhases, string(PhaseRedeploy))
	if err != nil || len(got) != 0 {
		t.Fatalf("remaining(redeploy) = %v, %v", got, err)
	}
	if _, err := remaining(createPhases, "scale"); err == nil {
		t.Fatal("expected an error for an unknown checkpoint")
	}
}
