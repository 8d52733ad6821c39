// Package storetest is a conformance suite for synckit.Store implementations.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
	"github.com/c0deZ3R0/marketsync/synckit"
)

// Run exercises every Store method against stores produced by newStore. Each
// subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) synckit.Store) {
	t.Run("Entities", func(t *testing.T) { testEntities(t, newStore(t)) })
	t.Run("Operations", func(t *testing.T) { testOperations(t, newStore(t)) })
	t.Run("Conflicts", func(t *testing.T) { testConflicts(t, newStore(t)) })
	t.Run("Rules", func(t *testing.T) { testRules(t, newStore(t)) })
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testEntities(t *testing.T, s synckit.Store) {
	ctx := context.Background()
	key := synckit.EntityKey{Type: synckit.EntityProduct, ID: "P1", Marketplace: "amazon"}

	_, err := s.GetEntity(ctx, key)
	require.ErrorIs(t, err, syncErrors.ErrNotFound)

	entity := &synckit.SyncEntity{
		ID:            "P1",
		Type:          synckit.EntityProduct,
		MarketplaceID: "amazon",
		Data:          synckit.Data{"title": "Lamp", "price": 19.5, "tags": []any{"home"}},
		Version:       1,
		Checksum:      "abc",
		LastModified:  base,
		Metadata:      map[string]any{"origin": "amazon"},
	}
	require.NoError(t, s.PutEntity(ctx, entity))

	got, err := s.GetEntity(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "Lamp", got.Data["title"])
	assert.Equal(t, 19.5, got.Data["price"])
	assert.Equal(t, "amazon", got.Metadata["origin"])
	assert.True(t, base.Equal(got.LastModified))

	got.Data["title"] = "mutated"
	again, err := s.GetEntity(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "Lamp", again.Data["title"], "stores hand out copies")

	entity.Version = 2
	entity.Deleted = true
	require.NoError(t, s.PutEntity(ctx, entity))
	got, err = s.GetEntity(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, got.Deleted)

	other := &synckit.SyncEntity{ID: "P1", Type: synckit.EntityProduct, MarketplaceID: "ebay", Version: 1, LastModified: base}
	order := &synckit.SyncEntity{ID: "O1", Type: synckit.EntityOrder, MarketplaceID: "ebay", Version: 1, LastModified: base}
	require.NoError(t, s.PutEntity(ctx, other))
	require.NoError(t, s.PutEntity(ctx, order))

	all, err := s.ListEntities(ctx, synckit.EntityFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	products, err := s.ListEntities(ctx, synckit.EntityFilter{Type: synckit.EntityProduct, ID: "P1"})
	require.NoError(t, err)
	assert.Len(t, products, 2)
	ebay, err := s.ListEntities(ctx, synckit.EntityFilter{Marketplace: "ebay"})
	require.NoError(t, err)
	assert.Len(t, ebay, 2)

	require.NoError(t, s.DeleteEntity(ctx, key))
	_, err = s.GetEntity(ctx, key)
	assert.ErrorIs(t, err, syncErrors.ErrNotFound)
	assert.ErrorIs(t, s.DeleteEntity(ctx, key), syncErrors.ErrNotFound)
}

func testOperations(t *testing.T, s synckit.Store) {
	ctx := context.Background()
	_, err := s.GetOperation(ctx, "missing")
	require.ErrorIs(t, err, syncErrors.ErrNotFound)

	statuses := []synckit.OperationStatus{
		synckit.StatusPending, synckit.StatusRetrying, synckit.StatusCompleted, synckit.StatusFailed,
	}
	for i, st := range statuses {
		require.NoError(t, s.SaveOperation(ctx, &synckit.SyncOperation{
			ID:            string(st),
			EntityID:      "P1",
			EntityType:    synckit.EntityProduct,
			Action:        synckit.ActionSync,
			MarketplaceID: "ebay",
			Data:          synckit.Data{"n": float64(i)},
			Priority:      synckit.PriorityHigh,
			Status:        st,
			MaxRetries:    3,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
			UpdatedAt:     base.Add(time.Duration(i) * time.Second),
		}))
	}

	op, err := s.GetOperation(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, synckit.ActionSync, op.Action)
	assert.Equal(t, synckit.PriorityHigh, op.Priority)
	assert.Nil(t, op.CompletedAt)

	done := base.Add(time.Minute)
	op.Status = synckit.StatusCompleted
	op.Attempts = 2
	op.CompletedAt = &done
	require.NoError(t, s.SaveOperation(ctx, op))
	op, err = s.GetOperation(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, synckit.StatusCompleted, op.Status)
	assert.Equal(t, 2, op.Attempts)
	require.NotNil(t, op.CompletedAt)
	assert.True(t, done.Equal(*op.CompletedAt))

	open, err := s.ListOperations(ctx, synckit.StatusRetrying, synckit.StatusPending)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "retrying", open[0].ID)

	all, err := s.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt), "operations are listed oldest first")
	}
}

func testConflicts(t *testing.T, s synckit.Store) {
	ctx := context.Background()
	_, err := s.GetConflict(ctx, "missing")
	require.ErrorIs(t, err, syncErrors.ErrNotFound)

	c := &synckit.SyncConflict{
		ID:                "c1",
		EntityID:          "P1",
		EntityType:        synckit.EntityProduct,
		ConflictType:      synckit.ConflictData,
		SourceData:        synckit.Data{"stock": float64(7)},
		TargetData:        synckit.Data{"stock": float64(3)},
		SourceMarketplace: "amazon",
		TargetMarketplace: "ebay",
		DetectedAt:        base,
		State:             synckit.StateDetected,
		Policy:            synckit.PolicyManual,
	}
	require.NoError(t, s.SaveConflict(ctx, c))
	second := *c
	second.ID = "c2"
	second.DetectedAt = base.Add(time.Second)
	require.NoError(t, s.SaveConflict(ctx, &second))

	got, err := s.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, synckit.ConflictData, got.ConflictType)
	assert.Equal(t, float64(7), got.SourceData["stock"])

	now := base.Add(time.Minute)
	got.Resolved = true
	got.State = synckit.StateResolved
	got.Resolution = synckit.PolicySourceWins
	got.ResolvedAt = &now
	got.ResolvedBy = "alice"
	require.NoError(t, s.SaveConflict(ctx, got))

	open, err := s.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "c2", open[0].ID)

	all, err := s.ListConflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c1", all[0].ID)
	assert.Equal(t, "alice", all[0].ResolvedBy)
}

func testRules(t *testing.T, s synckit.Store) {
	ctx := context.Background()
	rule := synckit.SyncRule{
		ID:                 "r1",
		EntityType:         synckit.EntityInventory,
		SourceMarketplace:  synckit.AnyMarketplace,
		TargetMarketplaces: []string{"amazon", "ebay"},
		Direction:          synckit.DirectionBidirectional,
		Priority:           3,
		Conditions:         []synckit.Condition{{Field: "stock", Operator: synckit.OpGreaterThan, Value: float64(0)}},
		ConflictResolution: synckit.PolicyLatestWins,
		Enabled:            true,
	}
	require.NoError(t, s.PutRule(ctx, rule))
	rule.Priority = 9
	require.NoError(t, s.PutRule(ctx, rule))

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 9, rules[0].Priority)
	assert.Equal(t, []string{"amazon", "ebay"}, rules[0].TargetMarketplaces)
	assert.Equal(t, synckit.OpGreaterThan, rules[0].Conditions[0].Operator)

	require.NoError(t, s.DeleteRule(ctx, "r1"))
	assert.ErrorIs(t, s.DeleteRule(ctx, "r1"), syncErrors.ErrNotFound)
	rules, err = s.ListRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}
