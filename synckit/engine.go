package synckit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
	"github.com/c0deZ3R0/marketsync/logging"
)

// Engine is the synchronization orchestrator. It accepts changes, runs them
// through the rule engine and conflict detector, and delivers the resulting
// operations to marketplaces through a bounded worker pool.
type Engine struct {
	cfg     Config
	store   Store
	logger  *logging.Logger
	metrics MetricsCollector
	now     func() time.Time

	versions *VersionStore
	detector *ConflictDetector
	rules    *RuleEngine
	resolver *ConflictResolver
	queue    *operationQueue
	limiter  *RateLimiter
	exec     *executor
	retries  *retryScheduler
	bus      *EventBus
	monitor  *monitor
	stats    *engineStats

	seedRules []SyncRule

	mu      sync.Mutex
	started bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds an engine. It performs no I/O; call Start to load rules and run workers.
func New(opts ...Option) (*Engine, error) {
	o := &options{
		config:   DefaultConfig(),
		adapters: make(map[string]MarketplaceAdapter),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, syncErrors.E(syncErrors.OpConfig, syncErrors.Component("synckit"), syncErrors.KindConfig, err)
		}
	}
	cfg := o.config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.store == nil {
		o.store = NewMemoryStore()
	}
	if o.logger == nil {
		o.logger = logging.Default().WithComponent("synckit").Logger
	}
	if o.metrics == nil {
		o.metrics = NoOpMetricsCollector{}
	}
	if o.now == nil {
		o.now = time.Now
	}

	e := &Engine{
		cfg:       cfg,
		store:     o.store,
		logger:    &logging.Logger{Logger: o.logger},
		metrics:   o.metrics,
		now:       o.now,
		seedRules: o.rules,
		stats:     &engineStats{startedAt: o.now()},
	}
	e.versions = NewVersionStore(o.store)
	e.detector = NewConflictDetector(e.versions, cfg.ConflictWindow, e.now)
	e.rules = NewRuleEngine(o.store)
	resolverOpts := append([]ResolverOption{WithResolverClock(e.now), WithResolverMetrics(e.metrics)}, o.resolverOpts...)
	e.resolver = NewConflictResolver(o.store, e.versions, e.logger.WithComponent("resolver").Logger, resolverOpts...)
	e.queue = newOperationQueue(cfg.MaxQueueSize, e.now)
	e.limiter = NewRateLimiter(cfg.DefaultRateLimit, nil)
	for id, rl := range cfg.RateLimits {
		e.limiter.SetLimit(id, rl)
	}
	e.exec = newExecutor(e.limiter, cfg.ExecTimeout, e.metrics, e.logger.WithComponent("executor"))
	for id, a := range o.adapters {
		e.exec.register(id, a)
	}
	e.retries = newRetryScheduler(exponentialBackoff{baseDelay: cfg.BaseDelay, maxDelay: cfg.MaxDelay}, e.requeue)
	e.bus = NewEventBus(cfg.SubscriberBuffer, e.now)
	e.bus.onDrop = func(s *Subscription) {
		e.logger.Warn("dropped slow subscriber", "subscription_id", s.ID)
	}
	e.monitor = newMonitor(e.logger.WithComponent("monitor").Logger)
	return e, nil
}

// Start loads rules, seeds configured rules, and starts the workers and periodic
// jobs. Workers stop when ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return syncErrors.E(syncErrors.Op("engine.Start"), syncErrors.Component("synckit"), syncErrors.KindInternal, syncErrors.ErrEngineClosed)
	}
	if e.started {
		return syncErrors.E(syncErrors.Op("engine.Start"), syncErrors.Component("synckit"), syncErrors.KindInvalid, "engine already started")
	}

	if err := e.rules.Load(ctx); err != nil {
		return err
	}
	for _, r := range e.seedRules {
		if _, err := e.rules.Add(ctx, r); err != nil {
			return err
		}
	}
	open, err := e.resolver.Unresolved(ctx)
	if err != nil {
		return err
	}
	e.stats.unresolved.Store(int64(len(open)))

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	if err := e.monitor.every("health", e.cfg.MonitorInterval, func() { e.CheckHealth() }); err != nil {
		cancel()
		return err
	}
	if err := e.monitor.every("conflict-sweep", e.cfg.SweepInterval, func() {
		if _, err := e.SweepConflicts(gctx); err != nil {
			e.logger.Error("conflict sweep failed", "error", err)
		}
	}); err != nil {
		cancel()
		return err
	}

	e.cancel, e.group = cancel, g
	for i := 0; i < e.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error { return e.worker(gctx, id) })
	}
	e.monitor.start()
	e.started = true

	e.logger.Info("sync engine started",
		"workers", e.cfg.Concurrency,
		"rules", len(e.rules.Rules()),
		"marketplaces", e.exec.marketplaces(),
		"unresolved_conflicts", len(open))
	return nil
}

// Close stops the workers and periodic jobs and ends every subscription.
// Queued and retrying operations stay in the operation store for Recover.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	started := e.started
	cancel, group := e.cancel, e.group
	e.mu.Unlock()

	var err error
	if started {
		cancel()
		e.queue.Close()
		err = group.Wait()
		e.monitor.stop()
	} else {
		e.queue.Close()
	}
	e.retries.Close()
	e.bus.Close()
	e.logger.Info("sync engine stopped")
	return err
}

func (e *Engine) checkOpen(op syncErrors.Operation) error {
	if e.closed.Load() {
		return syncErrors.E(op, syncErrors.Component("synckit"), syncErrors.KindInternal, syncErrors.ErrEngineClosed)
	}
	return nil
}

// RegisterAdapter adds or replaces the adapter for a marketplace.
func (e *Engine) RegisterAdapter(marketplaceID string, adapter MarketplaceAdapter) {
	e.exec.register(marketplaceID, adapter)
}

// SetRateLimit changes one marketplace's quota at runtime.
func (e *Engine) SetRateLimit(marketplaceID string, limit RateLimit) {
	e.limiter.SetLimit(marketplaceID, limit)
}

// SubmitChange accepts a change from a source marketplace. A clean change is
// written and propagated to every target of the matching rules; a conflicting
// change is recorded and, unless its policy is manual, resolved immediately.
func (e *Engine) SubmitChange(ctx context.Context, auth AuthContext, change Change) (*SubmitResult, error) {
	if err := e.checkOpen(syncErrors.OpSubmit); err != nil {
		return nil, err
	}
	if auth != nil && !auth.Authorized(change.SourceMarketplace) {
		return nil, syncErrors.E(syncErrors.OpSubmit, syncErrors.Component("synckit"), syncErrors.KindUnauthorized,
			fmt.Errorf("%s may not submit changes for marketplace %q", auth.Subject(), change.SourceMarketplace))
	}
	if err := validateChange(change); err != nil {
		return nil, err
	}
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = e.now()
	}
	change.Priority = change.Priority.orDefault()

	rules := e.rules.ApplicableRules(change)
	policy := e.cfg.DefaultPolicy
	if len(rules) > 0 && rules[0].ConflictResolution != "" {
		policy = rules[0].ConflictResolution
	}

	log := e.logger.With("change_id", change.ID, "entity", change.Key().String())
	entity, conflict, err := e.detector.apply(ctx, writeFromChange(change))
	if err != nil {
		return nil, err
	}

	result := &SubmitResult{ChangeID: change.ID}
	if conflict != nil {
		result.ConflictID = conflict.ID
		resolved, err := e.handleConflict(ctx, conflict, policy)
		if err != nil {
			return result, err
		}
		result.Entity = resolved
		return result, nil
	}

	result.Entity = entity.Clone()
	log.Debug("change applied", "version", entity.Version, "rules", len(rules))
	result.OperationIDs, result.Errors = e.propagate(ctx, change, rules)
	return result, nil
}

func validateChange(c Change) error {
	var problem string
	switch {
	case c.EntityID == "":
		problem = "entityId is required"
	case !c.EntityType.Valid():
		problem = "entityType is required"
	case !c.Action.Valid():
		problem = "action is required"
	case c.SourceMarketplace == "" || c.SourceMarketplace == AnyMarketplace:
		problem = "sourceMarketplace must name a marketplace"
	case c.Version < 0:
		problem = "version must not be negative"
	default:
		return nil
	}
	return syncErrors.NewValidationError(syncErrors.OpSubmit, errors.New(problem))
}

// propagate enqueues one operation per target of every rule that lets the change
// flow away from its source. Rule evaluation failures skip only that rule.
func (e *Engine) propagate(ctx context.Context, change Change, rules []SyncRule) ([]string, []error) {
	var ids []string
	var errs []error
	for _, rule := range rules {
		if !rule.Direction.propagatesFromSource() {
			continue
		}
		data, err := Transform(change.Data, rule.Transformations)
		if err != nil {
			e.logger.Warn("rule skipped", "rule_id", rule.ID, "change_id", change.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		policy := rule.ConflictResolution
		if policy == "" {
			policy = e.cfg.DefaultPolicy
		}
		action := ActionSync
		if change.Action == ActionDelete {
			action = ActionDelete
		}
		for _, target := range rule.TargetMarketplaces {
			if target == change.SourceMarketplace || target == AnyMarketplace {
				continue
			}
			id, err := e.Enqueue(ctx, &SyncOperation{
				EntityID:          change.EntityID,
				EntityType:        change.EntityType,
				Action:            action,
				MarketplaceID:     target,
				SourceMarketplace: change.SourceMarketplace,
				Data:              data.Clone(),
				Priority:          change.Priority,
				RuleID:            rule.ID,
				Policy:            policy,
				ChangeID:          change.ID,
			})
			if err != nil {
				e.logger.Warn("propagation rejected", "rule_id", rule.ID, "target", target, "error", err)
				errs = append(errs, err)
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids, errs
}

// Enqueue admits a copy of op and returns its id. It fails fast when no adapter
// serves the target marketplace or the queue is full.
func (e *Engine) Enqueue(ctx context.Context, op *SyncOperation) (string, error) {
	if err := e.checkOpen(syncErrors.OpEnqueue); err != nil {
		return "", err
	}
	op = op.Clone()
	if _, ok := e.exec.adapter(op.MarketplaceID); !ok {
		return "", syncErrors.E(syncErrors.OpEnqueue, syncErrors.Component("queue"), syncErrors.KindConfig,
			"marketplace "+op.MarketplaceID, syncErrors.ErrNoAdapter)
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = e.cfg.MaxRetries
	}
	now := e.now()
	op.Priority = op.Priority.orDefault()
	op.Status = StatusPending
	op.Attempts = 0
	op.CreatedAt, op.UpdatedAt = now, now

	// Saved before it becomes visible to workers so a worker's checkpoint is never
	// overwritten by this one.
	if err := e.store.SaveOperation(ctx, op); err != nil {
		return "", syncErrors.WrapOpComponent(err, "engine.Enqueue", "synckit")
	}
	queued := operationEvent(EventQueued, op)
	if err := e.queue.Enqueue(op, false); err != nil {
		op.Status = StatusFailed
		op.Error = err.Error()
		op.CompletedAt = &now
		if saveErr := e.store.SaveOperation(ctx, op); saveErr != nil {
			e.logger.Error("failed to record rejected operation", "operation_id", op.ID, "error", saveErr)
		}
		return "", err
	}
	e.stats.totalEvents.Add(1)
	e.metrics.RecordQueueDepth(e.queue.Len())
	e.bus.Publish(queued)
	return queued.Operation.ID, nil
}

// requeue is the retry scheduler's callback. The wait is over, so op is pending
// again before a worker can see it.
func (e *Engine) requeue(op *SyncOperation) {
	op.Status = StatusPending
	op.UpdatedAt = e.now()
	e.checkpoint(context.Background(), op)
	if err := e.queue.Enqueue(op, true); err != nil {
		e.logger.Debug("retry not requeued", "operation_id", op.ID, "error", err)
	}
}

// CancelOperation stops a queued or retrying operation. In-flight operations
// cannot be cancelled.
func (e *Engine) CancelOperation(ctx context.Context, id string) error {
	op, err := e.store.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return syncErrors.E(syncErrors.Op("engine.CancelOperation"), syncErrors.Component("synckit"), syncErrors.KindInvalid,
			fmt.Sprintf("operation %s is already %s", id, op.Status))
	}
	_, removed := e.queue.Remove(id)
	if !removed && !e.retries.Cancel(id) {
		return syncErrors.E(syncErrors.Op("engine.CancelOperation"), syncErrors.Component("synckit"), syncErrors.KindInvalid,
			fmt.Sprintf("operation %s is %s and cannot be cancelled", id, op.Status))
	}
	now := e.now()
	op.Status = StatusFailed
	op.Error = "canceled"
	op.UpdatedAt = now
	op.CompletedAt = &now
	if err := e.store.SaveOperation(ctx, op); err != nil {
		return syncErrors.WrapOpComponent(err, "engine.CancelOperation", "synckit")
	}
	e.stats.failed.Add(1)
	e.bus.Publish(operationEvent(EventFailed, op))
	e.logger.Info("operation canceled", "operation_id", id)
	return nil
}

// Recover re-enqueues operations that were pending, retrying or processing when
// the engine last stopped. Call it once after Start.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if err := e.checkOpen(syncErrors.Op("engine.Recover")); err != nil {
		return 0, err
	}
	ops, err := e.store.ListOperations(ctx, StatusPending, StatusRetrying, StatusProcessing)
	if err != nil {
		return 0, syncErrors.WrapOpComponent(err, "engine.Recover", "synckit")
	}
	n := 0
	for _, op := range ops {
		op.Status = StatusPending
		op.UpdatedAt = e.now()
		if err := e.store.SaveOperation(ctx, op); err != nil {
			return n, syncErrors.WrapOpComponent(err, "engine.Recover", "synckit")
		}
		if err := e.queue.Enqueue(op, true); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		e.logger.Info("recovered operations", "count", n)
	}
	return n, nil
}

// GetOperation returns an operation's latest checkpoint.
func (e *Engine) GetOperation(ctx context.Context, id string) (*SyncOperation, error) {
	return e.store.GetOperation(ctx, id)
}

// GetQueueStatus reports the queue length and the age of its oldest item.
func (e *Engine) GetQueueStatus() QueueStatus {
	return e.queue.Status()
}

// handleConflict records c and applies its policy. It returns the resolved
// entity when the policy resolved it automatically.
func (e *Engine) handleConflict(ctx context.Context, c *SyncConflict, policy Policy) (*SyncEntity, error) {
	if err := e.resolver.Record(ctx, c, policy); err != nil {
		return nil, err
	}
	e.stats.conflictsDetected.Add(1)
	e.stats.unresolved.Add(1)
	e.metrics.RecordConflict(c.EntityType, c.ConflictType)
	e.bus.Publish(conflictEvent(EventConflictDetected, c))
	e.logger.Warn("conflict detected",
		"conflict_id", c.ID,
		"entity", c.Key().String(),
		"type", c.ConflictType,
		"source", c.SourceMarketplace,
		"policy", policy)

	if policy == PolicyManual {
		return nil, nil
	}
	_, entity, err := e.resolve(ctx, c.ID, Resolution{Policy: policy}, "system:policy")
	if err != nil {
		// Left for manual resolution or the timeout sweep.
		e.logger.Error("automatic resolution failed", "conflict_id", c.ID, "error", err)
		return nil, nil
	}
	return entity, nil
}

// ResolveConflict applies an explicit resolution. A conflict can be resolved once;
// later calls fail with errors.ErrAlreadyResolved.
func (e *Engine) ResolveConflict(ctx context.Context, auth AuthContext, id string, res Resolution, resolvedBy string) (*SyncConflict, error) {
	if err := e.checkOpen(syncErrors.OpConflictResolve); err != nil {
		return nil, err
	}
	if res.Policy != "" && (!res.Policy.Valid() || res.Policy == PolicyTimeout) {
		return nil, syncErrors.E(syncErrors.OpConflictResolve, syncErrors.Component("synckit"), syncErrors.KindInvalid,
			fmt.Sprintf("unknown policy %q", res.Policy))
	}
	if auth != nil {
		c, err := e.resolver.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !auth.Authorized(c.TargetMarketplace) {
			return nil, syncErrors.E(syncErrors.OpConflictResolve, syncErrors.Component("synckit"), syncErrors.KindUnauthorized,
				fmt.Errorf("%s may not resolve conflicts for marketplace %q", auth.Subject(), c.TargetMarketplace))
		}
		if resolvedBy == "" {
			resolvedBy = auth.Subject()
		}
	}
	if resolvedBy == "" {
		resolvedBy = "api"
	}
	c, _, err := e.resolve(ctx, id, res, resolvedBy)
	return c, err
}

func (e *Engine) resolve(ctx context.Context, id string, res Resolution, resolvedBy string) (*SyncConflict, *SyncEntity, error) {
	c, entity, err := e.resolver.Resolve(ctx, id, res, resolvedBy)
	if err != nil {
		return nil, nil, err
	}
	e.stats.conflictsResolved.Add(1)
	e.stats.unresolved.Add(-1)
	e.metrics.RecordResolution(c.Resolution)
	e.bus.Publish(conflictEvent(EventConflictResolved, c))
	e.converge(ctx, c, entity)
	return c, entity, nil
}

// converge pushes a resolution outward. The marketplace that owns the key gets
// the resolved state if it differs from what that marketplace last sent, and a
// conflict raised by a submitted change propagates through the rules when the
// resolution changed the stored content.
func (e *Engine) converge(ctx context.Context, c *SyncConflict, entity *SyncEntity) {
	if e.closed.Load() {
		return
	}
	resolvedSum := entity.Checksum
	action := ActionSync
	if entity.Deleted {
		action = ActionDelete
	}

	if sum, err := Checksum(c.SourceData); err == nil && sum != resolvedSum {
		if _, ok := e.exec.adapter(c.TargetMarketplace); ok {
			_, err := e.Enqueue(ctx, &SyncOperation{
				EntityID:          c.EntityID,
				EntityType:        c.EntityType,
				Action:            action,
				MarketplaceID:     c.TargetMarketplace,
				SourceMarketplace: c.TargetMarketplace,
				Data:              entity.Data.Clone(),
				Priority:          PriorityHigh,
				Policy:            PolicyOverride,
				ChangeID:          c.ChangeID,
			})
			if err != nil {
				e.logger.Warn("resolution delivery rejected", "conflict_id", c.ID, "error", err)
			}
		}
	}

	if c.fromOperation() {
		return
	}
	if sum, err := Checksum(c.TargetData); err == nil && sum == resolvedSum {
		return
	}
	change := Change{
		ID:                c.ChangeID,
		EntityID:          c.EntityID,
		EntityType:        c.EntityType,
		Action:            ActionUpdate,
		SourceMarketplace: c.TargetMarketplace,
		Data:              entity.Data,
		Timestamp:         entity.LastModified,
		Priority:          PriorityMedium,
	}
	if entity.Deleted {
		change.Action = ActionDelete
	}
	_, errs := e.propagate(ctx, change, e.rules.ApplicableRules(change))
	for _, err := range errs {
		e.logger.Debug("resolution propagation incomplete", "conflict_id", c.ID, "error", err)
	}
}

// SweepConflicts force-resolves every conflict older than the conflict timeout
// with source-wins semantics. It returns how many it resolved.
func (e *Engine) SweepConflicts(ctx context.Context) (int, error) {
	expired, err := e.resolver.Expired(ctx, e.cfg.ConflictTimeout)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range expired {
		e.logger.Warn("conflict timed out, forcing resolution",
			"conflict_id", c.ID,
			"entity", c.Key().String(),
			"detected_at", c.DetectedAt,
			"policy", c.Policy)
		if _, _, err := e.resolve(ctx, c.ID, Resolution{Policy: PolicyTimeout}, "system:timeout"); err != nil {
			if syncErrors.Is(err, syncErrors.ErrAlreadyResolved) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// GetConflict returns one conflict.
func (e *Engine) GetConflict(ctx context.Context, id string) (*SyncConflict, error) {
	return e.resolver.Get(ctx, id)
}

// ListConflicts returns conflicts, optionally only unresolved ones.
func (e *Engine) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]*SyncConflict, error) {
	return e.store.ListConflicts(ctx, unresolvedOnly)
}

// GetEntity returns the stored entity for key, tombstones included.
func (e *Engine) GetEntity(ctx context.Context, key EntityKey) (*SyncEntity, error) {
	entity, ok, err := e.versions.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("engine.GetEntity", "entity "+key.String())
	}
	return entity, nil
}

// PurgeEntity removes a key entirely. A later write to it starts again at version 1.
func (e *Engine) PurgeEntity(ctx context.Context, key EntityKey) error {
	if err := e.versions.Purge(ctx, key); err != nil {
		return err
	}
	e.logger.Info("entity purged", "entity", key.String())
	return nil
}

// Subscribe registers an event subscriber. Subscribers that fall behind by more
// than the buffer are dropped.
func (e *Engine) Subscribe(filter EventFilter) *Subscription {
	return e.bus.Subscribe(filter)
}

// AddSyncRule validates and installs a rule atomically.
func (e *Engine) AddSyncRule(ctx context.Context, rule SyncRule) (SyncRule, error) {
	added, err := e.rules.Add(ctx, rule)
	if err != nil {
		return SyncRule{}, err
	}
	e.logger.Info("sync rule added", "rule_id", added.ID, "entity_type", added.EntityType, "priority", added.Priority)
	return added, nil
}

// RemoveSyncRule uninstalls a rule atomically.
func (e *Engine) RemoveSyncRule(ctx context.Context, id string) error {
	if err := e.rules.Remove(ctx, id); err != nil {
		return err
	}
	e.logger.Info("sync rule removed", "rule_id", id)
	return nil
}

// ReloadRules replaces the rule snapshot with the rules in the store. It is
// used when another process changed the shared rule set.
func (e *Engine) ReloadRules(ctx context.Context) error {
	if err := e.checkOpen(syncErrors.Op("engine.ReloadRules")); err != nil {
		return err
	}
	return e.logger.LogOperation(ctx, "engine.ReloadRules", "rules", func() error {
		if err := e.rules.Load(ctx); err != nil {
			return err
		}
		e.logger.Info("sync rules reloaded", "rules", len(e.rules.Rules()))
		return nil
	})
}

// Config returns the effective configuration, defaults included.
func (e *Engine) Config() Config {
	return e.cfg
}

// Rules returns the current rule snapshot.
func (e *Engine) Rules() []SyncRule {
	return e.rules.Rules()
}

// GetMetrics returns a point-in-time metrics snapshot.
func (e *Engine) GetMetrics() SyncMetrics {
	m := e.stats.snapshot(e.now())
	m.QueueSize = e.queue.Len()
	m.ActiveConnections = e.bus.Count()
	m.PendingRetries = e.retries.Pending()
	return m
}

// CheckHealth publishes a metrics event and an alert for each exceeded threshold.
func (e *Engine) CheckHealth() []HealthAlert {
	m := e.GetMetrics()
	e.metrics.RecordQueueDepth(m.QueueSize)
	e.bus.Publish(Event{Type: EventMetrics, Metrics: &m})
	alerts := e.cfg.Health.Check(m)
	for i := range alerts {
		a := alerts[i]
		e.logger.Warn("health threshold exceeded", "kind", a.Kind, "value", a.Value, "threshold", a.Threshold)
		e.bus.Publish(Event{Type: EventHealthAlert, Alert: &a})
	}
	return alerts
}
