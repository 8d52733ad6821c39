// Package httpadapter is a generic JSON-over-HTTP marketplace adapter.
//
// Operations map onto a REST layout below BaseURL:
//
//	create        POST   {base}/{entityType}s
//	update, sync  PUT    {base}/{entityType}s/{id}
//	delete        DELETE {base}/{entityType}s/{id}
//
// The body is the synckit.AdapterRequest as JSON. A JSON response body is
// decoded into synckit.AdapterResult; an empty body is accepted.
package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
	"github.com/c0deZ3R0/marketsync/logging"
	"github.com/c0deZ3R0/marketsync/synckit"
)

const maxResponseBody = 1 << 20

// Config configures one marketplace endpoint.
type Config struct {
	MarketplaceID string
	BaseURL       string
	Headers       map[string]string
	Timeout       time.Duration // per request, default 30s

	// Requests are spread evenly: Limit per Window with bursts of up to Limit.
	// A zero Limit disables client-side pacing.
	RateLimit synckit.RateLimit

	Client *http.Client
	Logger *slog.Logger
}

// Adapter implements synckit.MarketplaceAdapter over HTTP.
type Adapter struct {
	id      string
	base    *url.URL
	headers http.Header
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ synckit.MarketplaceAdapter = (*Adapter)(nil)

// New validates cfg and returns an adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.MarketplaceID == "" {
		return nil, configError(errors.New("marketplace id is required"))
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, configError(fmt.Errorf("invalid base url %q", cfg.BaseURL))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.WithComponent(logging.Component("httpadapter")).Logger
	}
	// Header values may reference the environment, e.g. "Bearer ${EBAY_TOKEN}".
	headers := http.Header{}
	for k, v := range cfg.Headers {
		headers.Set(k, os.ExpandEnv(v))
	}

	a := &Adapter{
		id:      cfg.MarketplaceID,
		base:    base,
		headers: headers,
		client:  client,
		logger:  logger.With("marketplace_id", cfg.MarketplaceID),
	}
	if rl := cfg.RateLimit; rl.Limit > 0 && rl.Window > 0 {
		a.limiter = rate.NewLimiter(rate.Every(rl.Window/time.Duration(rl.Limit)), rl.Limit)
	}
	return a, nil
}

// FromMarketplaceConfig builds an adapter from a config file entry.
func FromMarketplaceConfig(mc synckit.MarketplaceConfig, logger *slog.Logger) (*Adapter, error) {
	return New(Config{
		MarketplaceID: mc.ID,
		BaseURL:       mc.BaseURL,
		Headers:       mc.Headers,
		Timeout:       mc.Timeout,
		RateLimit:     mc.RateLimit,
		Logger:        logger,
	})
}

func configError(err error) error {
	return syncErrors.E(syncErrors.OpConfig, syncErrors.Component("httpadapter"), syncErrors.KindConfig, err)
}

// Execute performs req. 5xx, 429 and network failures are transient; other
// 4xx responses are permanent. Deleting an entity the marketplace no longer
// has succeeds.
func (a *Adapter) Execute(ctx context.Context, req synckit.AdapterRequest) (synckit.AdapterResult, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return synckit.AdapterResult{}, syncErrors.NewTransientError(a.id, fmt.Errorf("rate limiter: %w", err))
		}
	}

	method, target, err := a.route(req)
	if err != nil {
		return synckit.AdapterResult{}, syncErrors.NewPermanentError(a.id, err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return synckit.AdapterResult{}, syncErrors.NewPermanentError(a.id, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return synckit.AdapterResult{}, syncErrors.NewPermanentError(a.id, err)
	}
	for k, v := range a.headers {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.OperationID)

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return synckit.AdapterResult{}, syncErrors.NewTransientError(a.id, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return synckit.AdapterResult{}, syncErrors.NewTransientError(a.id, fmt.Errorf("read response: %w", err))
	}
	a.logger.Debug("marketplace call",
		"method", method, "url", target, "status", resp.StatusCode, "duration", time.Since(start))

	switch {
	case resp.StatusCode == http.StatusNotFound && req.Action == synckit.ActionDelete:
		return synckit.AdapterResult{ExternalID: req.EntityID}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decodeResult(raw)
	case resp.StatusCode == http.StatusTooManyRequests:
		return synckit.AdapterResult{}, syncErrors.NewRateLimitedError(a.id,
			retryAfter(resp.Header.Get("Retry-After")), statusError(resp.StatusCode, raw))
	case resp.StatusCode >= 500:
		return synckit.AdapterResult{}, syncErrors.NewTransientError(a.id, statusError(resp.StatusCode, raw))
	default:
		return synckit.AdapterResult{}, syncErrors.NewPermanentError(a.id, statusError(resp.StatusCode, raw))
	}
}

func (a *Adapter) route(req synckit.AdapterRequest) (method, target string, err error) {
	if !req.EntityType.Valid() {
		return "", "", fmt.Errorf("invalid entity type %d", req.EntityType)
	}
	collection := a.base.JoinPath(req.EntityType.String() + "s")
	switch req.Action {
	case synckit.ActionCreate:
		return http.MethodPost, collection.String(), nil
	case synckit.ActionUpdate, synckit.ActionSync:
		return http.MethodPut, collection.JoinPath(req.EntityID).String(), nil
	case synckit.ActionDelete:
		return http.MethodDelete, collection.JoinPath(req.EntityID).String(), nil
	default:
		return "", "", fmt.Errorf("unsupported action %q", req.Action)
	}
}

func decodeResult(raw []byte) (synckit.AdapterResult, error) {
	var res synckit.AdapterResult
	if len(bytes.TrimSpace(raw)) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		// non-JSON success bodies are ignored
		return synckit.AdapterResult{}, nil
	}
	return res, nil
}

// StatusError is the cause attached to non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("marketplace returned %d", e.StatusCode)
	}
	return fmt.Sprintf("marketplace returned %d: %s", e.StatusCode, e.Body)
}

func statusError(code int, raw []byte) error {
	body := strings.TrimSpace(string(raw))
	if len(body) > 512 {
		body = body[:512]
	}
	return &StatusError{StatusCode: code, Body: body}
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
