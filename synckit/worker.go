package synckit

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
)

// worker pulls operations until ctx is cancelled or the queue is closed.
func (e *Engine) worker(ctx context.Context, id int) error {
	log := e.logger.With("worker", id)
	log.Debug("worker started")
	defer log.Debug("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if op, ok := e.queue.TryDequeue(); ok {
			e.logger.Trace(ctx, "operation dequeued", "worker", id, "operation_id", op.ID, "priority", op.Priority)
			e.process(ctx, op)
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-e.queue.Wait():
			if !ok {
				return nil
			}
		}
	}
}

// process runs one attempt of op. Nothing escapes: every outcome becomes a status
// transition, and a panic fails the operation permanently.
func (e *Engine) process(ctx context.Context, op *SyncOperation) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("operation panicked",
				"operation_id", op.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			e.fail(ctx, op, syncErrors.E(syncErrors.OpExecute, syncErrors.Component("worker"),
				syncErrors.KindInternal, fmt.Errorf("panic: %v", r)))
		}
	}()

	op.Status = StatusProcessing
	op.UpdatedAt = e.now()
	e.checkpoint(ctx, op)
	e.bus.Publish(operationEvent(EventProcessing, op))

	start := time.Now()
	_, err := e.exec.Execute(ctx, op)
	if err == nil {
		err = e.applyDelivered(ctx, op)
	}
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the attempt; it does not count against the budget.
			op.Status = StatusPending
			op.UpdatedAt = e.now()
			e.checkpoint(context.WithoutCancel(ctx), op)
			e.logger.Info("operation interrupted by shutdown", "operation_id", op.ID)
			return
		}
		e.metrics.RecordOperation(op.MarketplaceID, op.Action, StatusFailed, elapsed)
		e.handleFailure(ctx, op, err)
		return
	}

	now := e.now()
	op.Status = StatusCompleted
	op.Error = ""
	op.UpdatedAt = now
	op.CompletedAt = &now
	e.checkpoint(ctx, op)
	e.stats.processed.Add(1)
	e.stats.processingNanos.Add(int64(elapsed))
	e.metrics.RecordOperation(op.MarketplaceID, op.Action, StatusCompleted, elapsed)
	e.bus.Publish(operationEvent(EventProcessed, op))
	e.logger.Debug("operation completed",
		"operation_id", op.ID,
		"marketplace_id", op.MarketplaceID,
		"entity", op.Key().String(),
		"duration", elapsed)
}

// applyDelivered writes the delivered state to the target key. A conflict there
// does not fail the operation: the marketplace already accepted the write, so the
// disagreement is handed to the resolver under the operation's policy.
func (e *Engine) applyDelivered(ctx context.Context, op *SyncOperation) error {
	w := entityWrite{
		key:       op.Key(),
		action:    op.Action,
		data:      op.Data,
		timestamp: e.now(),
		origin:    op.SourceMarketplace,
		changeID:  op.ChangeID,
		opID:      op.ID,
	}
	_, conflict, err := e.detector.apply(ctx, w)
	if err != nil {
		return err
	}
	if conflict != nil {
		policy := op.Policy
		if policy == "" {
			policy = e.cfg.DefaultPolicy
		}
		if _, err := e.handleConflict(ctx, conflict, policy); err != nil {
			e.logger.Error("failed to record delivery conflict", "operation_id", op.ID, "error", err)
		}
	}
	return nil
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	switch syncErrors.KindOf(err) {
	case syncErrors.KindPermanent, syncErrors.KindInvalid, syncErrors.KindUnauthorized,
		syncErrors.KindInternal, syncErrors.KindConfig:
		return false
	}
	return true
}

// handleFailure schedules another attempt or fails op. A rate-limited call is a
// scheduled wait: it does not use up an attempt.
func (e *Engine) handleFailure(ctx context.Context, op *SyncOperation, err error) {
	throttled := syncErrors.IsKind(err, syncErrors.KindRateLimited)
	if !throttled {
		op.Attempts++
	}
	op.Error = err.Error()
	op.UpdatedAt = e.now()

	if !retryable(err) || (!throttled && op.Attempts >= op.MaxRetries) {
		if op.Attempts > op.MaxRetries {
			op.Attempts = op.MaxRetries
		}
		e.fail(ctx, op, err)
		return
	}

	op.Status = StatusRetrying
	e.checkpoint(ctx, op)
	delay := e.retries.Delay(op.Attempts, syncErrors.RetryAfter(err))
	retrying := operationEvent(EventRetrying, op)
	log := e.logger.WithMarketplace(op.MarketplaceID).With(
		"operation_id", op.ID,
		"attempt", op.Attempts,
		"max_retries", op.MaxRetries,
		"delay", delay,
		"error", err)

	if !e.retries.Schedule(op, delay) {
		// Scheduler closed; the checkpoint leaves the operation for Recover.
		return
	}
	e.bus.Publish(retrying)
	if throttled {
		e.metrics.RecordRateLimitWait(retrying.MarketplaceID, delay)
		log.Info("marketplace rate limited, waiting")
		return
	}
	e.stats.retried.Add(1)
	e.metrics.RecordRetry(retrying.MarketplaceID, delay)
	log.Info("operation retrying")
}

// fail moves op to its terminal failed state. It reports a given operation once.
func (e *Engine) fail(ctx context.Context, op *SyncOperation, err error) {
	if op.Status == StatusFailed {
		return
	}
	now := e.now()
	op.Status = StatusFailed
	op.Error = err.Error()
	op.UpdatedAt = now
	op.CompletedAt = &now
	e.checkpoint(ctx, op)
	e.stats.failed.Add(1)
	e.bus.Publish(operationEvent(EventFailed, op))
	e.logger.WithMarketplace(op.MarketplaceID).LogError(ctx, err, "operation failed",
		slog.String("operation_id", op.ID),
		slog.String("entity", op.Key().String()),
		slog.Int("attempts", op.Attempts))
}

// checkpoint saves op's current state. Failures are logged; the in-memory state
// stays authoritative for the running engine.
func (e *Engine) checkpoint(ctx context.Context, op *SyncOperation) {
	if err := e.store.SaveOperation(ctx, op); err != nil {
		e.logger.Error("failed to checkpoint operation", "operation_id", op.ID, "status", op.Status, "error", err)
	}
}
