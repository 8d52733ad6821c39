package synckit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
)

// DefaultConflictTimeout is how long a conflict may stay unresolved before the
// sweep forces it.
const DefaultConflictTimeout = 5 * time.Minute

// ResolverOption implements the functional options pattern for ConflictResolver.
type ResolverOption interface{ apply(*ConflictResolver) }

type resolverOptionFn func(*ConflictResolver)

func (f resolverOptionFn) apply(r *ConflictResolver) { f(r) }

// WithStrategy replaces the strategy used for a policy.
func WithStrategy(policy Policy, s ResolutionStrategy) ResolverOption {
	return resolverOptionFn(func(r *ConflictResolver) { r.strategies[policy] = s })
}

// WithResolverHooks sets observability hooks. Zero-value safe.
func WithResolverHooks(h ResolverHooks) ResolverOption {
	return resolverOptionFn(func(r *ConflictResolver) { r.hooks = h })
}

// WithResolverMetrics sets the collector that observes strategy runs.
func WithResolverMetrics(m MetricsCollector) ResolverOption {
	return resolverOptionFn(func(r *ConflictResolver) { r.metrics = m })
}

// WithResolverClock overrides time.Now.
func WithResolverClock(now func() time.Time) ResolverOption {
	return resolverOptionFn(func(r *ConflictResolver) { r.now = now })
}

// ConflictResolver drives each conflict through detected -> resolving -> resolved.
// A conflict is resolved at most once; the entity write happens under the key lock.
type ConflictResolver struct {
	conflicts  ConflictStore
	versions   *VersionStore
	strategies map[Policy]ResolutionStrategy
	locks      *keyedMutex[string]
	hooks      ResolverHooks
	metrics    MetricsCollector
	now        func() time.Time
	logger     *slog.Logger
}

// NewConflictResolver builds a resolver with the default policy strategies.
func NewConflictResolver(conflicts ConflictStore, versions *VersionStore, logger *slog.Logger, opts ...ResolverOption) *ConflictResolver {
	r := &ConflictResolver{
		conflicts: conflicts,
		versions:  versions,
		locks:     newKeyedMutex[string](),
		now:       time.Now,
		logger:    logger,
	}
	r.strategies = defaultStrategies(func() time.Time { return r.now() })
	for _, opt := range opts {
		opt.apply(r)
	}
	return r
}

// Record persists a newly detected conflict under the policy that governs it.
func (r *ConflictResolver) Record(ctx context.Context, c *SyncConflict, policy Policy) error {
	c.Policy = policy
	c.State = StateDetected
	if err := r.conflicts.SaveConflict(ctx, c); err != nil {
		return syncErrors.WrapOpComponent(err, "resolver.Record", "resolver")
	}
	if r.hooks.OnDetected != nil {
		r.hooks.OnDetected(c.Clone())
	}
	return nil
}

// Get loads a conflict.
func (r *ConflictResolver) Get(ctx context.Context, id string) (*SyncConflict, error) {
	c, err := r.conflicts.GetConflict(ctx, id)
	if err != nil {
		if syncErrors.Is(err, syncErrors.ErrNotFound) {
			return nil, syncErrors.E(syncErrors.OpConflictResolve, syncErrors.Component("resolver"),
				syncErrors.KindNotFound, "conflict "+id, syncErrors.ErrConflictNotFound)
		}
		return nil, err
	}
	return c, nil
}

// Resolve applies res to conflict id and writes the resulting entity. An empty
// res.Policy uses the conflict's own policy; res.Data, when set, is adopted as is.
// A second call for the same conflict fails with ErrAlreadyResolved and writes nothing.
func (r *ConflictResolver) Resolve(ctx context.Context, id string, res Resolution, resolvedBy string) (*SyncConflict, *SyncEntity, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	c, err := r.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if c.Resolved {
		return nil, nil, syncErrors.NewConflictError(syncErrors.OpConflictResolve, syncErrors.KindAlreadyResolved,
			fmt.Errorf("conflict %s: %w", id, syncErrors.ErrAlreadyResolved))
	}

	policy := res.Policy
	if policy == "" {
		policy = c.Policy
	}
	strategy, err := r.strategyFor(policy, res)
	if err != nil {
		return nil, nil, err
	}

	c.State = StateResolving
	if err := r.conflicts.SaveConflict(ctx, c); err != nil {
		return nil, nil, syncErrors.WrapOpComponent(err, "resolver.Resolve", "resolver")
	}

	entity, err := r.write(ctx, c, strategy, policy)
	if err != nil {
		c.State = StateDetected
		if saveErr := r.conflicts.SaveConflict(ctx, c); saveErr != nil {
			r.logger.Error("failed to roll back conflict state", "conflict_id", c.ID, "error", saveErr)
		}
		if r.hooks.OnError != nil {
			r.hooks.OnError(c.Clone(), err)
		}
		return nil, nil, err
	}

	now := r.now()
	c.State = StateResolved
	c.Resolved = true
	c.Resolution = policy
	c.ResolvedData = entity.Data.Clone()
	c.ResolvedAt = &now
	c.ResolvedBy = resolvedBy
	if err := r.conflicts.SaveConflict(ctx, c); err != nil {
		return nil, nil, syncErrors.WrapOpComponent(err, "resolver.Resolve", "resolver")
	}

	r.logger.Info("conflict resolved",
		"conflict_id", c.ID,
		"entity", c.Key().String(),
		"policy", policy,
		"resolved_by", resolvedBy,
		"version", entity.Version)
	if r.hooks.OnResolved != nil {
		r.hooks.OnResolved(c.Clone(), entity.Clone())
	}
	return c, entity, nil
}

func (r *ConflictResolver) strategyFor(policy Policy, res Resolution) (ResolutionStrategy, error) {
	if res.Data != nil {
		data := res.Data.Clone()
		return NewObservableStrategy(StrategyFunc(func(context.Context, *SyncConflict, *SyncEntity) (Outcome, error) {
			return Outcome{Data: data, Decision: "explicit"}, nil
		}), policy, r.metrics, r.logger), nil
	}
	if policy == PolicyManual {
		return nil, syncErrors.E(syncErrors.OpConflictResolve, syncErrors.Component("resolver"),
			syncErrors.KindInvalid, errors.New("manual resolution requires data or an automatic policy"))
	}
	s, ok := r.strategies[policy]
	if !ok {
		return nil, syncErrors.E(syncErrors.OpConflictResolve, syncErrors.Component("resolver"),
			syncErrors.KindInvalid, errors.New("unknown policy "+string(policy)))
	}
	return NewObservableStrategy(s, policy, r.metrics, r.logger), nil
}

func (r *ConflictResolver) write(ctx context.Context, c *SyncConflict, strategy ResolutionStrategy, policy Policy) (*SyncEntity, error) {
	unlock := r.versions.Lock(c.Key())
	defer unlock()

	current, _, err := r.versions.Get(ctx, c.Key())
	if err != nil {
		return nil, err
	}
	outcome, err := strategy.Resolve(ctx, c.Clone(), current.Clone())
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, "resolver.strategy", "resolver")
	}

	entity := &SyncEntity{
		ID:            c.EntityID,
		Type:          c.EntityType,
		MarketplaceID: c.TargetMarketplace,
		Data:          outcome.Data,
		Version:       1,
		LastModified:  r.now(),
		Deleted:       outcome.Deleted,
	}
	md := map[string]any{}
	if current != nil {
		entity.Version = current.Version + 1
		md = cloneMap(current.Metadata)
		if md == nil {
			md = map[string]any{}
		}
	}
	for k, v := range outcome.Metadata {
		md[k] = v
	}
	md["resolvedConflictId"] = c.ID
	md["resolution"] = string(policy)
	md["decision"] = outcome.Decision
	entity.Metadata = md

	if err := r.versions.Put(ctx, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// Expired lists unresolved conflicts detected at least timeout ago.
func (r *ConflictResolver) Expired(ctx context.Context, timeout time.Duration) ([]*SyncConflict, error) {
	open, err := r.conflicts.ListConflicts(ctx, true)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, "resolver.Expired", "resolver")
	}
	cutoff := r.now().Add(-timeout)
	var out []*SyncConflict
	for _, c := range open {
		if !c.DetectedAt.After(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Unresolved lists conflicts still awaiting resolution.
func (r *ConflictResolver) Unresolved(ctx context.Context) ([]*SyncConflict, error) {
	return r.conflicts.ListConflicts(ctx, true)
}
