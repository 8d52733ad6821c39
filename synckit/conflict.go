package synckit

import (
	"context"
)

// Outcome is what a resolution strategy decided the entity should become.
type Outcome struct {
	Data     Data
	Deleted  bool
	Metadata map[string]any
	// Decision is a short audit label such as "keep_source" or "merge".
	Decision string
}

// ResolutionStrategy is the Strategy interface for conflict resolution. current is
// the entity as stored at resolution time, which may have moved on since detection;
// it is nil if the key was purged.
type ResolutionStrategy interface {
	Resolve(ctx context.Context, c *SyncConflict, current *SyncEntity) (Outcome, error)
}

// StrategyFunc adapts a function to ResolutionStrategy.
type StrategyFunc func(ctx context.Context, c *SyncConflict, current *SyncEntity) (Outcome, error)

func (f StrategyFunc) Resolve(ctx context.Context, c *SyncConflict, current *SyncEntity) (Outcome, error) {
	return f(ctx, c, current)
}

// ResolverHooks observe the resolver. Nil functions are skipped.
type ResolverHooks struct {
	OnDetected func(c *SyncConflict)
	OnResolved func(c *SyncConflict, entity *SyncEntity)
	OnError    func(c *SyncConflict, err error)
}
