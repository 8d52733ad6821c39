package httpadapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
	"github.com/c0deZ3R0/marketsync/logging"
	"github.com/c0deZ3R0/marketsync/synckit"
)

type recorded struct {
	method string
	path   string
	header http.Header
	body   synckit.AdapterRequest
}

type fakeMarketplace struct {
	mu       sync.Mutex
	requests []recorded
	status   int
	header   http.Header
	body     string
}

func (f *fakeMarketplace) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var req synckit.AdapterRequest
	_ = json.Unmarshal(raw, &req)

	f.mu.Lock()
	f.requests = append(f.requests, recorded{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), body: req})
	status, body := f.status, f.body
	for k, v := range f.header {
		w.Header()[k] = v
	}
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func (f *fakeMarketplace) last(t *testing.T) recorded {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newAdapter(t *testing.T, fake *fakeMarketplace, mutate func(*Config)) *Adapter {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	cfg := Config{
		MarketplaceID: "amazon",
		BaseURL:       server.URL + "/api/",
		Logger:        logging.Nop().Logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func request(action synckit.Action, id string) synckit.AdapterRequest {
	return synckit.AdapterRequest{
		OperationID:   "op-" + id,
		MarketplaceID: "amazon",
		Action:        action,
		EntityType:    synckit.EntityProduct,
		EntityID:      id,
		Data:          synckit.Data{"price": 10.5},
	}
}

func TestAdapter_Routes(t *testing.T) {
	tests := []struct {
		action synckit.Action
		method string
		path   string
	}{
		{synckit.ActionCreate, http.MethodPost, "/api/products"},
		{synckit.ActionUpdate, http.MethodPut, "/api/products/P1"},
		{synckit.ActionSync, http.MethodPut, "/api/products/P1"},
		{synckit.ActionDelete, http.MethodDelete, "/api/products/P1"},
	}
	for _, tt := range tests {
		t.Run(tt.action.String(), func(t *testing.T) {
			fake := &fakeMarketplace{}
			a := newAdapter(t, fake, nil)

			_, err := a.Execute(context.Background(), request(tt.action, "P1"))
			require.NoError(t, err)

			got := fake.last(t)
			assert.Equal(t, tt.method, got.method)
			assert.Equal(t, tt.path, got.path)
			assert.Equal(t, "op-P1", got.header.Get("Idempotency-Key"))
			assert.Equal(t, "application/json", got.header.Get("Content-Type"))
			assert.Equal(t, tt.action, got.body.Action)
			assert.Equal(t, 10.5, got.body.Data["price"])
		})
	}
}

func TestAdapter_HeadersExpandEnvironment(t *testing.T) {
	t.Setenv("MARKETSYNC_TEST_TOKEN", "s3cret")
	fake := &fakeMarketplace{}
	a := newAdapter(t, fake, func(c *Config) {
		c.Headers = map[string]string{"Authorization": "Bearer ${MARKETSYNC_TEST_TOKEN}", "X-Seller": "42"}
	})

	_, err := a.Execute(context.Background(), request(synckit.ActionCreate, "P1"))
	require.NoError(t, err)
	got := fake.last(t)
	assert.Equal(t, "Bearer s3cret", got.header.Get("Authorization"))
	assert.Equal(t, "42", got.header.Get("X-Seller"))
}

func TestAdapter_DecodesResult(t *testing.T) {
	fake := &fakeMarketplace{status: http.StatusCreated, body: `{"externalId":"AMZ-9","data":{"asin":"B0001"}}`}
	a := newAdapter(t, fake, nil)

	res, err := a.Execute(context.Background(), request(synckit.ActionCreate, "P1"))
	require.NoError(t, err)
	assert.Equal(t, "AMZ-9", res.ExternalID)
	assert.Equal(t, "B0001", res.Data["asin"])

	for name, body := range map[string]string{"empty": "", "not json": "OK"} {
		t.Run(name, func(t *testing.T) {
			fake.mu.Lock()
			fake.status, fake.body = http.StatusNoContent, body
			if name == "not json" {
				fake.status = http.StatusOK
			}
			fake.mu.Unlock()

			res, err := a.Execute(context.Background(), request(synckit.ActionUpdate, "P1"))
			require.NoError(t, err)
			assert.Equal(t, synckit.AdapterResult{}, res)
		})
	}
}

func TestAdapter_DeleteOfMissingEntitySucceeds(t *testing.T) {
	fake := &fakeMarketplace{status: http.StatusNotFound}
	a := newAdapter(t, fake, nil)

	res, err := a.Execute(context.Background(), request(synckit.ActionDelete, "P1"))
	require.NoError(t, err)
	assert.Equal(t, "P1", res.ExternalID)

	_, err = a.Execute(context.Background(), request(synckit.ActionUpdate, "P1"))
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindPermanent), "404 on update is permanent")
}

func TestAdapter_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   syncErrors.Kind
	}{
		{"bad request", http.StatusBadRequest, syncErrors.KindPermanent},
		{"unprocessable", http.StatusUnprocessableEntity, syncErrors.KindPermanent},
		{"unauthorized", http.StatusUnauthorized, syncErrors.KindPermanent},
		{"server error", http.StatusInternalServerError, syncErrors.KindTransient},
		{"unavailable", http.StatusServiceUnavailable, syncErrors.KindTransient},
		{"too many requests", http.StatusTooManyRequests, syncErrors.KindRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeMarketplace{status: tt.status, body: "nope"}
			a := newAdapter(t, fake, nil)

			_, err := a.Execute(context.Background(), request(synckit.ActionUpdate, "P1"))
			require.Error(t, err)
			assert.True(t, syncErrors.IsKind(err, tt.kind), "got %v", err)
			assert.Equal(t, tt.kind != syncErrors.KindPermanent, syncErrors.IsRetryable(err))

			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, "nope", se.Body)

			var syncErr *syncErrors.SyncError
			require.ErrorAs(t, err, &syncErr)
			assert.Equal(t, "amazon", syncErr.Metadata["marketplace_id"])
		})
	}
}

func TestAdapter_RetryAfter(t *testing.T) {
	fake := &fakeMarketplace{status: http.StatusTooManyRequests, header: http.Header{"Retry-After": {"7"}}}
	a := newAdapter(t, fake, nil)

	_, err := a.Execute(context.Background(), request(synckit.ActionUpdate, "P1"))
	var syncErr *syncErrors.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, syncErrors.KindRateLimited, syncErr.Kind)
	assert.Equal(t, 7*time.Second, syncErrors.RetryAfter(err))

	fake.mu.Lock()
	fake.header = nil
	fake.mu.Unlock()
	_, err = a.Execute(context.Background(), request(synckit.ActionUpdate, "P1"))
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindRateLimited))
	assert.Zero(t, syncErrors.RetryAfter(err))

	assert.Zero(t, retryAfter(""))
	assert.Zero(t, retryAfter("soon"))
	assert.InDelta(t, float64(time.Minute), float64(retryAfter(time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))), float64(2*time.Second))
}

func TestAdapter_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	a, err := New(Config{MarketplaceID: "ebay", BaseURL: url, Logger: logging.Nop().Logger})
	require.NoError(t, err)
	_, err = a.Execute(context.Background(), request(synckit.ActionCreate, "P1"))
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindTransient))
	assert.True(t, syncErrors.IsRetryable(err))
}

func TestAdapter_RejectsInvalidRequests(t *testing.T) {
	fake := &fakeMarketplace{}
	a := newAdapter(t, fake, nil)

	req := request(synckit.ActionCreate, "P1")
	req.EntityType = synckit.EntityType(99)
	_, err := a.Execute(context.Background(), req)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindPermanent))

	req = request(synckit.Action(99), "P1")
	_, err = a.Execute(context.Background(), req)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindPermanent))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.requests)
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := map[string]Config{
		"no id":        {BaseURL: "https://api.example.com"},
		"no base url":  {MarketplaceID: "amazon"},
		"relative url": {MarketplaceID: "amazon", BaseURL: "/api"},
		"bad url":      {MarketplaceID: "amazon", BaseURL: "http://[::1"},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(cfg)
			assert.True(t, syncErrors.IsKind(err, syncErrors.KindConfig), "got %v", err)
		})
	}
}

func TestFromMarketplaceConfig(t *testing.T) {
	a, err := FromMarketplaceConfig(synckit.MarketplaceConfig{
		ID:        "etsy",
		BaseURL:   "https://openapi.etsy.com/v3",
		RateLimit: synckit.RateLimit{Limit: 10, Window: time.Second},
		Headers:   map[string]string{"X-Api-Key": "k"},
	}, logging.Nop().Logger)
	require.NoError(t, err)
	assert.Equal(t, "etsy", a.id)
	require.NotNil(t, a.limiter)
	assert.Equal(t, 10, a.limiter.Burst())
	assert.Equal(t, "k", a.headers.Get("X-Api-Key"))
}

func TestAdapter_LimiterPacesRequests(t *testing.T) {
	fake := &fakeMarketplace{}
	a := newAdapter(t, fake, func(c *Config) {
		c.RateLimit = synckit.RateLimit{Limit: 2, Window: 100 * time.Millisecond}
	})

	start := time.Now()
	for i := 0; i < 4; i++ {
		_, err := a.Execute(context.Background(), request(synckit.ActionUpdate, "P1"))
		require.NoError(t, err)
	}
	// burst of 2, then one token every 50ms
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Execute(ctx, request(synckit.ActionUpdate, "P1"))
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindTransient))
}
