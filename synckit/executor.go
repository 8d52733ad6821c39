package synckit

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
	"github.com/c0deZ3R0/marketsync/logging"
)

// DefaultExecTimeout bounds every marketplace call.
const DefaultExecTimeout = 30 * time.Second

// AdapterRequest is one call to a marketplace.
type AdapterRequest struct {
	OperationID   string     `json:"operationId"`
	MarketplaceID string     `json:"marketplaceId"`
	Action        Action     `json:"action"`
	EntityType    EntityType `json:"entityType"`
	EntityID      string     `json:"entityId"`
	Data          Data       `json:"data,omitempty"`
}

// AdapterResult is what a marketplace returned.
type AdapterResult struct {
	ExternalID string `json:"externalId,omitempty"`
	Data       Data   `json:"data,omitempty"`
}

// MarketplaceAdapter talks to one external marketplace. Implementations classify
// failures with errors.NewTransientError / errors.NewPermanentError; unclassified
// errors are treated as transient.
type MarketplaceAdapter interface {
	Execute(ctx context.Context, req AdapterRequest) (AdapterResult, error)
}

// AdapterFunc adapts a function to MarketplaceAdapter.
type AdapterFunc func(ctx context.Context, req AdapterRequest) (AdapterResult, error)

func (f AdapterFunc) Execute(ctx context.Context, req AdapterRequest) (AdapterResult, error) {
	return f(ctx, req)
}

// executor performs one operation against one marketplace: rate limit, then a
// bounded adapter call.
type executor struct {
	mu       sync.RWMutex
	adapters map[string]MarketplaceAdapter
	limiter  *RateLimiter
	timeout  time.Duration
	metrics  MetricsCollector
	logger   *logging.Logger
}

func newExecutor(limiter *RateLimiter, timeout time.Duration, metrics MetricsCollector, logger *logging.Logger) *executor {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	return &executor{
		adapters: make(map[string]MarketplaceAdapter),
		limiter:  limiter,
		timeout:  timeout,
		metrics:  metrics,
		logger:   logger,
	}
}

func (x *executor) register(marketplaceID string, adapter MarketplaceAdapter) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.adapters[marketplaceID] = adapter
}

func (x *executor) adapter(marketplaceID string) (MarketplaceAdapter, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	a, ok := x.adapters[marketplaceID]
	return a, ok
}

func (x *executor) marketplaces() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.adapters))
	for id := range x.adapters {
		out = append(out, id)
	}
	return out
}

type adapterOutcome struct {
	result AdapterResult
	err    error
}

// Execute runs op. The call is abandoned after the timeout even if the adapter
// ignores its context; the abandoned goroutine finishes on its own.
func (x *executor) Execute(ctx context.Context, op *SyncOperation) (AdapterResult, error) {
	adapter, ok := x.adapter(op.MarketplaceID)
	if !ok {
		return AdapterResult{}, syncErrors.E(syncErrors.OpExecute, syncErrors.Component("executor"),
			syncErrors.KindConfig, "marketplace "+op.MarketplaceID, syncErrors.ErrNoAdapter)
	}

	log := x.logger.WithMarketplace(op.MarketplaceID)
	waited, err := x.limiter.Wait(ctx, op.MarketplaceID)
	if waited > 0 {
		x.metrics.RecordRateLimitWait(op.MarketplaceID, waited)
		log.Debug("rate limited", "waited", waited)
	}
	if err != nil {
		return AdapterResult{}, syncErrors.E(syncErrors.OpExecute, syncErrors.Component("executor"), syncErrors.KindTransient, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	done := make(chan adapterOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("adapter panic", "operation_id", op.ID,
					"panic", r, "stack", string(debug.Stack()))
				done <- adapterOutcome{err: syncErrors.E(syncErrors.OpExecute, syncErrors.Component("executor"),
					syncErrors.KindInternal, fmt.Errorf("adapter panic: %v", r))}
			}
		}()
		res, err := adapter.Execute(callCtx, AdapterRequest{
			OperationID:   op.ID,
			MarketplaceID: op.MarketplaceID,
			Action:        op.Action,
			EntityType:    op.EntityType,
			EntityID:      op.EntityID,
			Data:          op.Data,
		})
		done <- adapterOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		return AdapterResult{}, syncErrors.NewTransientError(op.MarketplaceID,
			fmt.Errorf("call abandoned after %s: %w", x.timeout, callCtx.Err()))
	}
}
