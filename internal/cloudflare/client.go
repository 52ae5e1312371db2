// Package cloudflare publishes instance hosts through a Cloudflare tunnel:
// an ingress rule on the tunnel configuration plus a proxied CNAME record.
package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aliuygur/analytics-broker/internal/appctx"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

// catchAllService answers requests that match no hostname rule.
const catchAllService = "http_status:404"

// Config holds Cloudflare configuration
type Config struct {
	APIToken  string
	TunnelID  string
	AccountID string
	ZoneID    string
}

// Client represents a Cloudflare API client
type Client struct {
	config     Config
	httpClient *http.Client
	baseURL    string

	// tunnelMu serialises read-modify-write cycles of the tunnel config.
	tunnelMu sync.Mutex
}

type Option func(*Client)

// WithBaseURL points the client at another API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new Cloudflare client with the provided configuration
func NewClient(config Config, opts ...Option) *Client {
	c := &Client{
		config:     config,
		httpClient: &http.Client{},
		baseURL:    defaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IngressRule is one entry of the tunnel ingress list.
type IngressRule struct {
	Hostname string `json:"hostname,omitempty"`
	Service  string `json:"service"`
}

// DNSRecord represents a Cloudflare DNS record
type DNSRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
	TTL     int    `json:"ttl,omitempty"`
}

type envelope struct {
	Success bool            `json:"success"`
	Errors  []any           `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

// AddRoute routes hostname to service through the tunnel and creates the
// DNS record. Both steps are no-ops when already present.
func (c *Client) AddRoute(ctx context.Context, hostname, service string) error {
	if c.config.TunnelID == "" {
		return fmt.Errorf("tunnel ID not configured")
	}
	hostname = cleanHostname(hostname)

	err := c.updateTunnelConfig(ctx, func(cfg map[string]any) (map[string]any, bool) {
		return withRoute(cfg, IngressRule{Hostname: hostname, Service: service})
	})
	if err != nil {
		return err
	}

	if err := c.ensureCNAME(ctx, hostname); err != nil {
		return fmt.Errorf("failed to create DNS record: %w", err)
	}

	appctx.GetLogger(ctx).Info("tunnel route registered",
		"hostname", hostname,
		"service", service,
		"tunnel_id", c.config.TunnelID)
	return nil
}

// RemoveRoute drops the ingress rule and the DNS record of hostname.
// A missing DNS record is not an error.
func (c *Client) RemoveRoute(ctx context.Context, hostname string) error {
	hostname = cleanHostname(hostname)

	err := c.updateTunnelConfig(ctx, func(cfg map[string]any) (map[string]any, bool) {
		return withoutRoute(cfg, hostname)
	})
	if err != nil {
		return err
	}

	if err := c.deleteCNAME(ctx, hostname); err != nil {
		return fmt.Errorf("failed to delete DNS record: %w", err)
	}

	appctx.GetLogger(ctx).Info("tunnel route removed", "hostname", hostname)
	return nil
}

// Routes lists the hostnames routed through the tunnel, without the
// catch-all rule.
func (c *Client) Routes(ctx context.Context) ([]IngressRule, error) {
	cfg, err := c.getTunnelConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current tunnel config: %w", err)
	}
	var routes []IngressRule
	for _, r := range ingressRules(cfg) {
		if r.Hostname != "" {
			routes = append(routes, r)
		}
	}
	return routes, nil
}

// updateTunnelConfig applies change to the current tunnel config and writes
// it back when it reports a change.
func (c *Client) updateTunnelConfig(ctx context.Context, change func(map[string]any) (map[string]any, bool)) error {
	c.tunnelMu.Lock()
	defer c.tunnelMu.Unlock()

	cfg, err := c.getTunnelConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current tunnel config: %w", err)
	}
	updated, changed := change(cfg)
	if !changed {
		return nil
	}
	if err := c.putTunnelConfig(ctx, updated); err != nil {
		return fmt.Errorf("failed to update tunnel config: %w", err)
	}
	return nil
}

func (c *Client) tunnelConfigPath() string {
	return fmt.Sprintf("/accounts/%s/cfd_tunnel/%s/configurations", c.config.AccountID, c.config.TunnelID)
}

// getTunnelConfig returns the "config" object of the tunnel, keeping
// fields other than ingress untouched.
func (c *Client) getTunnelConfig(ctx context.Context) (map[string]any, error) {
	var result struct {
		Config map[string]any `json:"config"`
	}
	if err := c.do(ctx, http.MethodGet, c.tunnelConfigPath(), nil, &result); err != nil {
		return nil, err
	}
	if result.Config == nil {
		return map[string]any{}, nil
	}
	return result.Config, nil
}

func (c *Client) putTunnelConfig(ctx context.Context, cfg map[string]any) error {
	return c.do(ctx, http.MethodPut, c.tunnelConfigPath(), map[string]any{"config": cfg}, nil)
}

func (c *Client) ensureCNAME(ctx context.Context, hostname string) error {
	if c.config.ZoneID == "" {
		return fmt.Errorf("zone ID not configured")
	}

	existing, err := c.findDNSRecord(ctx, hostname)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	record := DNSRecord{
		Type:    "CNAME",
		Name:    hostname,
		Content: c.config.TunnelID + ".cfargotunnel.com",
		Proxied: true,
		TTL:     1, // automatic when proxied
	}
	return c.do(ctx, http.MethodPost, "/zones/"+c.config.ZoneID+"/dns_records", record, nil)
}

func (c *Client) deleteCNAME(ctx context.Context, hostname string) error {
	if c.config.ZoneID == "" {
		return fmt.Errorf("zone ID not configured")
	}

	record, err := c.findDNSRecord(ctx, hostname)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	return c.do(ctx, http.MethodDelete, "/zones/"+c.config.ZoneID+"/dns_records/"+record.ID, nil, nil)
}

func (c *Client) findDNSRecord(ctx context.Context, hostname string) (*DNSRecord, error) {
	var records []DNSRecord
	path := "/zones/" + c.config.ZoneID + "/dns_records?name=" + url.QueryEscape(hostname)
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// do sends one API request and decodes the result field of the response
// envelope into out when out is not nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cloudflare API error (%d): %s", resp.StatusCode, string(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode cloudflare response: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("cloudflare API returned success=false: %v", env.Errors)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("failed to decode cloudflare result: %w", err)
		}
	}
	return nil
}

func ingressRules(cfg map[string]any) []IngressRule {
	raw, ok := cfg["ingress"].([]any)
	if !ok {
		return nil
	}
	rules := make([]IngressRule, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		host, _ := m["hostname"].(string)
		svc, _ := m["service"].(string)
		rules = append(rules, IngressRule{Hostname: host, Service: svc})
	}
	return rules
}

func setIngress(cfg map[string]any, rules []IngressRule) map[string]any {
	out := make(map[string]any, len(cfg)+1)
	for k, v := range cfg {
		out[k] = v
	}
	list := make([]any, 0, len(rules))
	for _, r := range rules {
		m := map[string]any{"service": r.Service}
		if r.Hostname != "" {
			m["hostname"] = r.Hostname
		}
		list = append(list, m)
	}
	out["ingress"] = list
	return out
}

// withRoute inserts rule before the catch-all rule, adding a catch-all when
// the list has none.
func withRoute(cfg map[string]any, rule IngressRule) (map[string]any, bool) {
	rules := ingressRules(cfg)
	for _, r := range rules {
		if r.Hostname == rule.Hostname {
			return cfg, false
		}
	}

	catchAll := -1
	for i, r := range rules {
		if r.Hostname == "" {
			catchAll = i
			break
		}
	}

	if catchAll < 0 {
		rules = append(rules, rule, IngressRule{Service: catchAllService})
	} else {
		rules = append(rules[:catchAll], append([]IngressRule{rule}, rules[catchAll:]...)...)
	}
	return setIngress(cfg, rules), true
}

func withoutRoute(cfg map[string]any, hostname string) (map[string]any, bool) {
	rules := ingressRules(cfg)
	kept := rules[:0]
	for _, r := range rules {
		if r.Hostname != hostname {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(rules) {
		return cfg, false
	}
	return setIngress(cfg, kept), true
}

func cleanHostname(hostname string) string {
	hostname = strings.TrimPrefix(hostname, "https://")
	hostname = strings.TrimPrefix(hostname, "http://")
	return strings.TrimSuffix(hostname, "/")
}
