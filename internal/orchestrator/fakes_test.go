package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/aliuygur/analytics-broker/internal/deploy"
	"github.com/aliuygur/analytics-broker/internal/installer"
	"github.com/aliuygur/analytics-broker/internal/sharedstore"
)

// recorder notes calls by method name and lets tests fail or hold them.
type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	gates map[string]chan struct{}
}

func newRecorder() *recorder {
	return &recorder{fail: map[string]error{}, gates: map[string]chan struct{}{}}
}

func (r *recorder) call(ctx context.Context, method string) error {
	r.mu.Lock()
	r.calls = append(r.calls, method)
	err := r.fail[method]
	gate := r.gates[method]
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (r *recorder) setFail(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, method)
		return
	}
	r.fail[method] = err
}

// hold makes method block until the returned channel is closed or the
// call's context ends.
func (r *recorder) hold(method string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	gate := make(chan struct{})
	r.gates[method] = gate
	return gate
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

type fakeDriver struct {
	*recorder
	artifact []byte

	mu    sync.Mutex
	specs []deploy.DeploySpec
	creds []sharedstore.Credentials
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{recorder: newRecorder(), artifact: []byte("[database]\nhost = db\n")}
}

func (d *fakeDriver) Deploy(ctx context.Context, spec deploy.DeploySpec) error {
	d.keep(spec)
	return d.call(ctx, "Deploy")
}

func (d *fakeDriver) Redeploy(ctx context.Context, spec deploy.DeploySpec) error {
	d.keep(spec)
	return d.call(ctx, "Redeploy")
}

func (d *fakeDriver) Delete(ctx context.Context, _ string) error {
	return d.call(ctx, "Delete")
}

func (d *fakeDriver) CreateBinding(ctx context.Context, _ string, creds sharedstore.Credentials) error {
	d.mu.Lock()
	d.creds = append(d.creds, creds)
	d.mu.Unlock()
	return d.call(ctx, "CreateBinding")
}

func (d *fakeDriver) DeleteBinding(ctx context.Context, _ string) error {
	return d.call(ctx, "DeleteBinding")
}

func (d *fakeDriver) FetchConfigArtifact(ctx context.Context, _ string) ([]byte, error) {
	if err := d.call(ctx, "FetchConfigArtifact"); err != nil {
		return nil, err
	}
	return d.artifact, nil
}

func (d *fakeDriver) keep(spec deploy.DeploySpec) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.specs = append(d.specs, spec)
}

func (d *fakeDriver) lastSpec() deploy.DeploySpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.specs) == 0 {
		return deploy.DeploySpec{}
	}
	return d.specs[len(d.specs)-1]
}

type fakeInstaller struct {
	*recorder

	mu       sync.Mutex
	installs []installer.InstallRequest
	nextSite int64
	sites    map[int64]string
	users    map[string]string // login -> access
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{
		recorder: newRecorder(),
		nextSite: 1,
		sites:    map[int64]string{},
		users:    map[string]string{},
	}
}

func (f *fakeInstaller) RunFirstInstall(ctx context.Context, req installer.InstallRequest) (installer.InstallResult, error) {
	f.mu.Lock()
	f.installs = append(f.installs, req)
	f.mu.Unlock()
	if err := f.call(ctx, "RunFirstInstall"); err != nil {
		return installer.InstallResult{}, err
	}
	return installer.InstallResult{SiteID: 1, Token: "token-" + req.AdminUser}, nil
}

func (f *fakeInstaller) RunUpgrade(ctx context.Context, _ installer.Target) error {
	return f.call(ctx, "RunUpgrade")
}

func (f *fakeInstaller) AddSite(ctx context.Context, _ installer.Target, name, _ string) (int64, error) {
	if err := f.call(ctx, "AddSite"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSite++
	f.sites[f.nextSite] = name
	return f.nextSite, nil
}

func (f *fakeInstaller) DeleteSite(ctx context.Context, _ installer.Target, siteID int64) error {
	if err := f.call(ctx, "DeleteSite"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sites[siteID]; !ok {
		return fmt.Errorf("no site %d", siteID)
	}
	delete(f.sites, siteID)
	return nil
}

func (f *fakeInstaller) AddUser(ctx context.Context, _ installer.Target, login, _, _ string) error {
	if err := f.call(ctx, "AddUser"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[login] = ""
	return nil
}

func (f *fakeInstaller) SetUserAccess(ctx context.Context, _ installer.Target, login, access string, _ int64) error {
	if err := f.call(ctx, "SetUserAccess"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[login] = access
	return nil
}

func (f *fakeInstaller) DeleteUser(ctx context.Context, _ installer.Target, login string) error {
	if err := f.call(ctx, "DeleteUser"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, login)
	return nil
}

func (f *fakeInstaller) lastInstall() installer.InstallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.installs) == 0 {
		return installer.InstallRequest{}
	}
	return f.installs[len(f.installs)-1]
}

func (f *fakeInstaller) userCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

func (f *fakeInstaller) siteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sites)
}

type fakeData struct {
	*recorder

	mu      sync.Mutex
	dropped []string
}

func newFakeData() *fakeData {
	return &fakeData{recorder: newRecorder()}
}

func (f *fakeData) Credentials(prefix string) sharedstore.Credentials {
	return sharedstore.Credentials{Host: "db", Port: 5432, Name: "analytics", User: "analytics", TablePrefix: prefix}
}

func (f *fakeData) DropTables(ctx context.Context, prefix string) ([]string, error) {
	if err := f.call(ctx, "DropTables"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, prefix)
	return []string{prefix + "log_visit"}, nil
}

func (f *fakeData) Dropped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.dropped)
}
