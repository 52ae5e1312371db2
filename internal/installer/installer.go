// Package installer drives the HTTP surface of a running analytics
// instance: the first-run install wizard, the core upgrade and the
// reporting API used to manage sites and users.
package installer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aliuygur/analytics-broker/internal/appctx"
	"github.com/aliuygur/analytics-broker/internal/sharedstore"
)

// errorMarker is present in wizard pages that report a failed step.
const errorMarker = "alert-danger"

const maxBody = 1 << 20

type Client struct {
	transport http.RoundTripper
	timeout   time.Duration
}

type Option func(*Client)

func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func New(opts ...Option) *Client {
	c := &Client{
		transport: http.DefaultTransport,
		timeout:   60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InstallRequest carries everything the wizard asks for.
type InstallRequest struct {
	BaseURL       string
	Store         sharedstore.Credentials
	AdminUser     string
	AdminPassword string
	AdminEmail    string
	SiteName      string
	SiteURL       string
	Timezone      string
}

type InstallResult struct {
	SiteID int64
	Token  string
}

// Target addresses the reporting API of an installed instance.
type Target struct {
	BaseURL string
	Token   string
}

// session is one wizard run; the wizard keeps state in a cookie.
type session struct {
	http    *http.Client
	baseURL string
}

func (c *Client) newSession(baseURL string) (*session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &session{
		http:    &http.Client{Transport: c.transport, Jar: jar, Timeout: c.timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// RunFirstInstall walks the install wizard, then creates an API token for
// the super user and resolves the id of the first site.
func (c *Client) RunFirstInstall(ctx context.Context, req InstallRequest) (InstallResult, error) {
	s, err := c.newSession(req.BaseURL)
	if err != nil {
		return InstallResult{}, err
	}
	logger := appctx.GetLogger(ctx).With("base_url", req.BaseURL)

	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	steps := []struct {
		action string
		form   url.Values
	}{
		{action: "systemCheck"},
		{action: "databaseSetup", form: url.Values{
			"host":          {req.Store.Host + ":" + strconv.Itoa(req.Store.Port)},
			"username":      {req.Store.User},
			"password":      {req.Store.Password},
			"dbname":        {req.Store.Name},
			"tables_prefix": {req.Store.TablePrefix},
			"adapter":       {"PDO\\PGSQL"},
		}},
		{action: "tablesCreation"},
		{action: "setupSuperUser", form: url.Values{
			"login":        {req.AdminUser},
			"password":     {req.AdminPassword},
			"password_bis": {req.AdminPassword},
			"email":        {req.AdminEmail},
		}},
		{action: "firstWebsiteSetup", form: url.Values{
			"siteName":  {req.SiteName},
			"url":       {req.SiteURL},
			"timezone":  {timezone},
			"ecommerce": {"0"},
		}},
		{action: "trackingCode"},
		{action: "finished", form: url.Values{
			"do_not_track": {"1"},
			"anonymise_ip": {"1"},
		}},
	}

	for _, step := range steps {
		if err := s.wizardStep(ctx, step.action, step.form); err != nil {
			return InstallResult{}, fmt.Errorf("install step %s: %w", step.action, err)
		}
		logger.Debug("install step completed", "step", step.action)
	}

	token, err := c.createToken(ctx, s.baseURL, req.AdminUser, req.AdminPassword)
	if err != nil {
		return InstallResult{}, fmt.Errorf("failed to create API token: %w", err)
	}

	siteID, err := c.siteIDFromURL(ctx, Target{BaseURL: s.baseURL, Token: token}, req.SiteURL)
	if err != nil {
		return InstallResult{}, fmt.Errorf("failed to resolve first site: %w", err)
	}

	logger.Info("first-run install completed", "site_id", siteID)
	return InstallResult{SiteID: siteID, Token: token}, nil
}

func (s *session) wizardStep(ctx context.Context, action string, form url.Values) error {
	u := s.baseURL + "/index.php?action=" + url.QueryEscape(action)

	method, body := http.MethodGet, io.Reader(nil)
	if form != nil {
		method, body = http.MethodPost, strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	page, err := do(s.http, req)
	if err != nil {
		return err
	}
	if strings.Contains(string(page), errorMarker) {
		return fmt.Errorf("wizard reported an error")
	}
	return nil
}

// RunUpgrade runs the pending core and plugin database updates.
func (c *Client) RunUpgrade(ctx context.Context, t Target) error {
	s, err := c.newSession(t.BaseURL)
	if err != nil {
		return err
	}

	form := url.Values{"token_auth": {t.Token}}
	u := s.baseURL + "/index.php?module=CoreUpdater&action=oneClickResults&updateCorePlugins=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := do(s.http, req)
	if err != nil {
		return fmt.Errorf("upgrade failed: %w", err)
	}
	if strings.Contains(string(body), errorMarker) {
		return fmt.Errorf("upgrade failed: updater reported an error")
	}

	appctx.GetLogger(ctx).Info("upgrade completed", "base_url", t.BaseURL)
	return nil
}

func do(hc *http.Client, req *http.Request) ([]byte, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
