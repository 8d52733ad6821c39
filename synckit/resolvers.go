package synckit

import (
	"context"
	"time"
)

var (
	_ ResolutionStrategy = SourceWinsStrategy{}
	_ ResolutionStrategy = TargetWinsStrategy{}
	_ ResolutionStrategy = LatestWinsStrategy{}
	_ ResolutionStrategy = MergeStrategy{}
)

// SourceWinsStrategy adopts the incoming data. Used for override, source_wins and
// the timeout sweep.
type SourceWinsStrategy struct{}

func (SourceWinsStrategy) Resolve(_ context.Context, c *SyncConflict, _ *SyncEntity) (Outcome, error) {
	return Outcome{
		Data:     c.SourceData.Clone(),
		Deleted:  c.Action == ActionDelete,
		Decision: "keep_source",
	}, nil
}

// TargetWinsStrategy keeps the stored data; the resolver still bumps the version
// and refreshes lastModified. Used for ignore and target_wins.
type TargetWinsStrategy struct{}

func (TargetWinsStrategy) Resolve(_ context.Context, c *SyncConflict, current *SyncEntity) (Outcome, error) {
	if current == nil {
		return Outcome{Data: c.TargetData.Clone(), Decision: "keep_target"}, nil
	}
	return Outcome{Data: current.Data.Clone(), Deleted: current.Deleted, Decision: "keep_target"}, nil
}

// LatestWinsStrategy adopts whichever write is more recent. Ties keep the target.
type LatestWinsStrategy struct{}

func (LatestWinsStrategy) Resolve(ctx context.Context, c *SyncConflict, current *SyncEntity) (Outcome, error) {
	if c.SourceTimestamp.After(c.TargetTimestamp) {
		return SourceWinsStrategy{}.Resolve(ctx, c, current)
	}
	return TargetWinsStrategy{}.Resolve(ctx, c, current)
}

// MergeStrategy shallow-merges target then source, so source fields win on
// collision, and records merge provenance.
type MergeStrategy struct {
	Now func() time.Time
}

func (m MergeStrategy) Resolve(_ context.Context, c *SyncConflict, current *SyncEntity) (Outcome, error) {
	base := c.TargetData
	if current != nil {
		base = current.Data
	}
	merged := base.Clone()
	if merged == nil {
		merged = Data{}
	}
	for k, v := range c.SourceData {
		merged[k] = cloneValue(v)
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	return Outcome{
		Data: merged,
		Metadata: map[string]any{
			"mergedFrom": []any{c.TargetMarketplace, c.SourceMarketplace},
			"mergedAt":   now().UTC().Format(time.RFC3339Nano),
		},
		Decision: "merge",
	}, nil
}

// defaultStrategies maps every automatic policy to its strategy. Manual has none.
func defaultStrategies(now func() time.Time) map[Policy]ResolutionStrategy {
	return map[Policy]ResolutionStrategy{
		PolicyOverride:   SourceWinsStrategy{},
		PolicySourceWins: SourceWinsStrategy{},
		PolicyTimeout:    SourceWinsStrategy{},
		PolicyIgnore:     TargetWinsStrategy{},
		PolicyTargetWins: TargetWinsStrategy{},
		PolicyLatestWins: LatestWinsStrategy{},
		PolicyMerge:      MergeStrategy{Now: now},
	}
}
