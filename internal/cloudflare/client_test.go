package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI keeps one tunnel configuration and a set of DNS records.
type fakeAPI struct {
	mu      sync.Mutex
	config  map[string]any
	records map[string]DNSRecord
	puts    int
	nextID  int
}

func (f *fakeAPI) reply(w http.ResponseWriter, result any) {
	raw, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "result": json.RawMessage(raw)})
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/configurations") && r.Method == http.MethodGet:
		f.reply(w, map[string]any{"config": f.config})
	case strings.HasSuffix(r.URL.Path, "/configurations") && r.Method == http.MethodPut:
		var body struct {
			Config map[string]any `json:"config"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.config = body.Config
		f.puts++
		f.reply(w, nil)
	case strings.HasSuffix(r.URL.Path, "/dns_records") && r.Method == http.MethodGet:
		var out []DNSRecord
		if rec, ok := f.records[r.URL.Query().Get("name")]; ok {
			out = append(out, rec)
		}
		f.reply(w, out)
	case strings.HasSuffix(r.URL.Path, "/dns_records") && r.Method == http.MethodPost:
		var rec DNSRecord
		_ = json.NewDecoder(r.Body).Decode(&rec)
		f.nextID++
		rec.ID = fmt.Sprintf("rec-%d", f.nextID)
		f.records[rec.Name] = rec
		f.reply(w, rec)
	case strings.Contains(r.URL.Path, "/dns_records/") && r.Method == http.MethodDelete:
		id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		for name, rec := range f.records {
			if rec.ID == id {
				delete(f.records, name)
			}
		}
		f.reply(w, map[string]string{"id": id})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIToken: "token", TunnelID: "tun", AccountID: "acc", ZoneID: "zone"}, WithBaseURL(srv.URL))
}

func TestAddRoute_InsertsBeforeCatchAll(t *testing.T) {
	api := &fakeAPI{
		config: map[string]any{
			"ingress":      []any{map[string]any{"service": catchAllService}},
			"warp-routing": map[string]any{"enabled": false},
		},
		records: map[string]DNSRecord{},
	}
	c := newTestClient(t, api)

	require.NoError(t, c.AddRoute(context.Background(), "https://analytics-3.example.com", "http://ingress.local:80"))

	rules := ingressRules(api.config)
	require.Len(t, rules, 2)
	assert.Equal(t, "analytics-3.example.com", rules[0].Hostname)
	assert.Equal(t, catchAllService, rules[1].Service)
	assert.Contains(t, api.config, "warp-routing")

	rec, ok := api.records["analytics-3.example.com"]
	require.True(t, ok)
	assert.Equal(t, "tun.cfargotunnel.com", rec.Content)
	assert.True(t, rec.Proxied)

	// second call changes nothing
	require.NoError(t, c.AddRoute(context.Background(), "analytics-3.example.com", "http://ingress.local:80"))
	assert.Equal(t, 1, api.puts)
	assert.Len(t, api.records, 1)
}

func TestRemoveRoute(t *testing.T) {
	api := &fakeAPI{config: map[string]any{}, records: map[string]DNSRecord{}}
	c := newTestClient(t, api)
	ctx := context.Background()

	require.NoError(t, c.AddRoute(ctx, "a.example.com", "http://svc"))
	require.NoError(t, c.AddRoute(ctx, "b.example.com", "http://svc"))
	require.NoError(t, c.RemoveRoute(ctx, "a.example.com"))

	rules := ingressRules(api.config)
	require.Len(t, rules, 2)
	assert.Equal(t, "b.example.com", rules[0].Hostname)
	assert.NotContains(t, api.records, "a.example.com")
	assert.Contains(t, api.records, "b.example.com")

	// removing an unknown host is fine
	require.NoError(t, c.RemoveRoute(ctx, "missing.example.com"))
}

func TestAddRoute_ConcurrentKeepsEveryRoute(t *testing.T) {
	api := &fakeAPI{config: map[string]any{}, records: map[string]DNSRecord{}}
	// a slow config read widens the window between read and write
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/configurations") {
			time.Sleep(20 * time.Millisecond)
		}
		api.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(slow)
	t.Cleanup(srv.Close)
	c := NewClient(Config{APIToken: "token", TunnelID: "tun", AccountID: "acc", ZoneID: "zone"}, WithBaseURL(srv.URL))

	hosts := []string{"analytics-1.example.com", "analytics-2.example.com", "analytics-3.example.com", "analytics-4.example.com"}
	var wg sync.WaitGroup
	errs := make([]error, len(hosts))
	for i, host := range hosts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.AddRoute(context.Background(), host, "http://svc")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	routes, err := c.Routes(context.Background())
	require.NoError(t, err)
	var got []string
	for _, r := range routes {
		got = append(got, r.Hostname)
	}
	assert.ElementsMatch(t, hosts, got)

	wg.Add(2)
	go func() { defer wg.Done(); assert.NoError(t, c.RemoveRoute(context.Background(), hosts[0])) }()
	go func() { defer wg.Done(); assert.NoError(t, c.RemoveRoute(context.Background(), hosts[1])) }()
	wg.Wait()

	routes, err = c.Routes(context.Background())
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.ElementsMatch(t, hosts[2:], []string{routes[0].Hostname, routes[1].Hostname})
}

func TestAddRoute_RequiresTunnel(t *testing.T) {
	c := NewClient(Config{APIToken: "token"})
	require.Error(t, c.AddRoute(context.Background(), "a.example.com", "http://svc"))
}

func TestDo_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"errors":[{"code":1000,"message":"bad"}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIToken: "token", TunnelID: "tun", ZoneID: "zone"}, WithBaseURL(srv.URL))
	err := c.AddRoute(context.Background(), "a.example.com", "http://svc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "success=false")
}

func TestWithoutRoute_Unchanged(t *testing.T) {
	cfg := map[string]any{"ingress": []any{map[string]any{"hostname": "x", "service": "y"}}}
	out, changed := withoutRoute(cfg, "z")
	assert.False(t, changed)
	assert.Equal(t, cfg, out)
}

func TestRoutes_SkipsCatchAll(t *testing.T) {
	api := &fakeAPI{config: map[string]any{}, records: map[string]DNSRecord{}}
	c := newTestClient(t, api)
	ctx := context.Background()

	routes, err := c.Routes(ctx)
	require.NoError(t, err)
	assert.Empty(t, routes)

	require.NoError(t, c.AddRoute(ctx, "a.example.com", "http://svc"))
	require.NoError(t, c.AddRoute(ctx, "b.example.com", "http://svc"))

	routes, err = c.Routes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []IngressRule{
		{Hostname: "a.example.com", Service: "http://svc"},
		{Hostname: "b.example.com", Service: "http://svc"},
	}, routes)
}
