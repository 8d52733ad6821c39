package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/marketsync/auth"
	"github.com/c0deZ3R0/marketsync/logging"
	"github.com/c0deZ3R0/marketsync/synckit"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRulesValidate(t *testing.T) {
	path := writeFile(t, "rules.yaml", `
rules:
  - id: price-sync
    entityType: product
    sourceMarketplace: amazon
    targetMarketplaces: [ebay, etsy]
    direction: source_to_target
    enabled: true
    transformations:
      - type: calculate
        field: price
        expression: "{price} * 1.1"
  - id: stock-mirror
    entityType: inventory
    sourceMarketplace: any
    targetMarketplaces: [amazon]
    direction: bidirectional
`)
	out, err := execute(t, "rules", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "price-sync")
	assert.Contains(t, out, "2 rules OK, 1 enabled")

	bad := writeFile(t, "bad.yaml", `
rules:
  - id: broken
    entityType: product
    targetMarketplaces: []
    direction: sideways
`)
	_, err = execute(t, "rules", "validate", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sourceMarketplace is required")
	assert.Contains(t, err.Error(), "unknown direction")

	_, err = execute(t, "rules", "validate")
	assert.Error(t, err, "file argument is required")
}

func TestToken(t *testing.T) {
	t.Setenv(EnvJWTSecret, testSecret)
	out, err := execute(t, "token", "--subject", "dashboard", "-m", "amazon,ebay", "--ttl", "1h")
	require.NoError(t, err)

	m, err := auth.NewJWTManager(testSecret, time.Hour)
	require.NoError(t, err)
	p, err := m.ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "dashboard", p.Subject())
	assert.Equal(t, []string{"amazon", "ebay"}, p.Marketplaces())

	_, err = execute(t, "token", "--subject", "x")
	assert.Error(t, err, "a marketplace is required")

	t.Setenv(EnvJWTSecret, "")
	_, err = execute(t, "token", "--subject", "x", "-m", "amazon")
	assert.ErrorContains(t, err, EnvJWTSecret)
}

func TestServe_InvalidConfig(t *testing.T) {
	path := writeFile(t, "marketsync.yaml", "storage:\n  driver: oracle\n")
	_, err := execute(t, "--config", path, "serve")
	assert.ErrorContains(t, err, "oracle")
}

// marketplace records the requests an httpadapter sends it.
type marketplace struct {
	mu     sync.Mutex
	paths  []string
	status int
}

func (m *marketplace) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.paths = append(m.paths, r.Method+" "+r.URL.Path)
	status := m.status
	m.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (m *marketplace) Respond(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

func (m *marketplace) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paths...)
}

func newTestDaemon(t *testing.T, storage, secret string) (*daemon, *marketplace) {
	t.Helper()
	ebay := &marketplace{}
	server := httptest.NewServer(ebay)
	t.Cleanup(server.Close)

	cfg, err := synckit.ParseConfig([]byte(fmt.Sprintf(`
marketplaces:
  - id: amazon
    baseUrl: http://amazon.invalid
  - id: ebay
    baseUrl: %s/v1
    rateLimit:
      limit: 50
      window: 1s
rules:
  - id: amazon-to-ebay
    entityType: product
    sourceMarketplace: amazon
    targetMarketplaces: [ebay]
    direction: source_to_target
    enabled: true
%s
`, server.URL, storage)), "yaml")
	require.NoError(t, err)

	d, err := newDaemon(cfg, logging.Nop(), secret)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.close() })
	require.NoError(t, d.start(context.Background()))
	return d, ebay
}

func TestDaemon_EndToEnd(t *testing.T) {
	d, ebay := newTestDaemon(t, "", "")
	server := httptest.NewServer(d.handler())
	defer server.Close()

	body := `{"entityId":"P1","entityType":"product","action":"update","sourceMarketplace":"amazon","data":{"title":"lamp"}}`
	resp, err := http.Post(server.URL+"/api/changes", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(ebay.Paths()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "PUT /v1/products/P1", ebay.Paths()[0])

	resp, err = http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, int64(1), health.Metrics.TotalEvents)

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	metrics, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `marketsync_operations_total{action="update",marketplace="ebay",status="completed"} 1`)
	assert.Contains(t, string(metrics), `marketsync_http_requests_total{endpoint="/api",method="POST",status="2xx"} 1`)
}

func TestDaemon_HealthUsesEffectiveThresholds(t *testing.T) {
	d, ebay := newTestDaemon(t, "", "")
	ebay.Respond(http.StatusBadRequest)
	// Thresholds left unset in the file still get the engine's defaults.
	d.cfg.Engine.Health = synckit.HealthThresholds{}
	server := httptest.NewServer(d.handler())
	defer server.Close()

	body := `{"entityId":"P1","entityType":"product","action":"update","sourceMarketplace":"amazon","data":{"title":"lamp"}}`
	resp, err := http.Post(server.URL+"/api/changes", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Eventually(t, func() bool {
		return d.engine.GetMetrics().Failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	resp, err = http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "degraded", health.Status)
	require.NotEmpty(t, health.Alerts)
	assert.Equal(t, synckit.AlertFailureRatio, health.Alerts[0].Kind)
}

func TestDaemon_RequiresTokens(t *testing.T) {
	d, _ := newTestDaemon(t, "", testSecret)
	server := httptest.NewServer(d.handler())
	defer server.Close()

	for _, path := range []string{"/api/metrics", "/events", "/ws"} {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	token, err := d.jwt.GenerateToken("ops", auth.AllMarketplaces)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/rules", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rules []synckit.SyncRule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rules))
	require.Len(t, rules, 1)
	assert.Equal(t, "amazon-to-ebay", rules[0].ID)
}

func TestDaemon_SQLiteKeepsRulesAcrossRestarts(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "state.db")
	storage := "storage:\n  driver: sqlite\n  dsn: " + dsn

	d, _ := newTestDaemon(t, storage, "")
	_, err := d.engine.AddSyncRule(context.Background(), synckit.SyncRule{
		ID:                 "extra",
		EntityType:         synckit.EntityOrder,
		SourceMarketplace:  "ebay",
		TargetMarketplaces: []string{"amazon"},
		Direction:          synckit.DirectionSourceToTarget,
		Enabled:            true,
	})
	require.NoError(t, err)
	require.NoError(t, d.close())

	again, _ := newTestDaemon(t, storage, "")
	ids := []string{}
	for _, r := range again.engine.Rules() {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"amazon-to-ebay", "extra"}, ids)
}
