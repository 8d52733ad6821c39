package synckit

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
)

func TestSubmitChange_CreateStoresFirstVersion(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithClock(newSteppingClock(2*time.Second).Now))

	data := Data{"name": "Widget", "price": 19.9}
	change := productChange("P1", "marketplaceA", 1, data)
	change.Action = ActionCreate

	res, err := e.SubmitChange(ctx, nil, change)
	require.NoError(t, err)
	require.NotNil(t, res.Entity)
	assert.Empty(t, res.ConflictID)
	assert.NotEmpty(t, res.ChangeID)

	sum, err := Checksum(data)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Entity.Version)
	assert.Equal(t, sum, res.Entity.Checksum)

	stored, err := e.GetEntity(ctx, EntityKey{Type: EntityProduct, ID: "P1", Marketplace: "marketplaceA"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, "Widget", stored.Data["name"])
	assert.Equal(t, "marketplaceA", stored.Metadata["origin"])
}

func TestSubmitChange_StaleVersionRaisesConflict(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithClock(newSteppingClock(2*time.Second).Now))
	key := EntityKey{Type: EntityProduct, ID: "P1", Marketplace: "A"}

	_, err := e.SubmitChange(ctx, nil, productChange("P1", "A", 1, Data{"price": 10}))
	require.NoError(t, err)
	_, err = e.SubmitChange(ctx, nil, productChange("P1", "A", 2, Data{"price": 12}))
	require.NoError(t, err)

	res, err := e.SubmitChange(ctx, nil, productChange("P1", "A", 1, Data{"price": 11}))
	require.NoError(t, err)
	require.NotEmpty(t, res.ConflictID)
	assert.Nil(t, res.Entity, "manual policy leaves the conflict open")

	c, err := e.GetConflict(ctx, res.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, ConflictVersion, c.ConflictType)
	assert.Equal(t, StateDetected, c.State)
	assert.False(t, c.Resolved)
	assert.Equal(t, int64(1), c.SourceVersion)
	assert.Equal(t, int64(2), c.TargetVersion)
	assert.Equal(t, Data{"price": 11}, c.SourceData)

	stored, err := e.GetEntity(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version, "conflicting change must not be applied")
	assert.Equal(t, 12, stored.Data["price"])

	m := e.GetMetrics()
	assert.Equal(t, int64(1), m.ConflictsDetected)
	assert.Equal(t, 1, m.UnresolvedConflicts)
}

func TestSubmitChange_RuleFansOutToTargetsOnly(t *testing.T) {
	ctx := context.Background()
	a, b, c := &recordingAdapter{}, &recordingAdapter{}, &recordingAdapter{}
	e := newTestEngine(t,
		WithClock(newSteppingClock(2*time.Second).Now),
		WithAdapter("A", a), WithAdapter("B", b), WithAdapter("C", c),
	)
	startRulesOnly(t, e)

	_, err := e.AddSyncRule(ctx, SyncRule{
		ID:                 "r1",
		EntityType:         EntityProduct,
		SourceMarketplace:  "A",
		TargetMarketplaces: []string{"A", "B", "C"},
		Direction:          DirectionSourceToTarget,
		Enabled:            true,
	})
	require.NoError(t, err)

	res, err := e.SubmitChange(ctx, nil, productChange("P1", "A", 0, Data{"price": 10}))
	require.NoError(t, err)
	require.Len(t, res.OperationIDs, 2)

	var targets []string
	for _, id := range res.OperationIDs {
		op, err := e.GetOperation(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ActionSync, op.Action)
		assert.Equal(t, StatusPending, op.Status)
		assert.Equal(t, "A", op.SourceMarketplace)
		assert.Equal(t, "r1", op.RuleID)
		targets = append(targets, op.MarketplaceID)
	}
	sort.Strings(targets)
	assert.Equal(t, []string{"B", "C"}, targets)
	assert.Equal(t, 2, e.GetQueueStatus().Size)
}

// startRulesOnly loads rules without running workers, so queued operations stay put.
func startRulesOnly(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.rules.Load(context.Background()))
}

func TestWorker_RateLimitDelaysThirdCall(t *testing.T) {
	ctx := context.Background()
	const window = 300 * time.Millisecond
	b := &recordingAdapter{}
	e := newTestEngine(t,
		WithAdapter("B", b),
		WithConcurrency(1),
		WithRateLimit("B", RateLimit{Limit: 2, Window: window}),
	)

	sub := e.Subscribe(EventFilter{Types: []EventType{EventProcessed}})
	for i := 0; i < 3; i++ {
		_, err := e.Enqueue(ctx, &SyncOperation{EntityID: "P1", EntityType: EntityProduct, Action: ActionSync, MarketplaceID: "B"})
		require.NoError(t, err)
	}
	startEngine(t, e)
	for i := 0; i < 3; i++ {
		nextEvent(t, sub, 5*time.Second, EventProcessed)
	}

	times := b.Times()
	require.Len(t, times, 3)
	assert.Less(t, times[1].Sub(times[0]), window)
	assert.GreaterOrEqual(t, times[2].Sub(times[0]), window-50*time.Millisecond)
}

func TestWorker_RetriesUntilBudgetThenFailsOnce(t *testing.T) {
	ctx := context.Background()
	b := &recordingAdapter{fn: func(int, AdapterRequest) error {
		return syncErrors.NewTransientError("B", assert.AnError)
	}}
	e := newTestEngine(t,
		WithAdapter("B", b),
		WithRetry(3, 10*time.Millisecond, 50*time.Millisecond),
	)
	sub := e.Subscribe(EventFilter{Types: []EventType{EventRetrying, EventFailed}})
	startEngine(t, e)

	id, err := e.Enqueue(ctx, &SyncOperation{
		EntityID: "P1", EntityType: EntityProduct, Action: ActionSync, MarketplaceID: "B", MaxRetries: 2,
	})
	require.NoError(t, err)

	retry := nextEvent(t, sub, 5*time.Second, EventRetrying)
	assert.Equal(t, 1, retry.Operation.Attempts)
	failed := nextEvent(t, sub, 5*time.Second, EventFailed)
	assert.Equal(t, id, failed.Operation.ID)

	// No further retry or failure may follow.
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event after terminal failure: %s", ev.Type)
	case <-time.After(300 * time.Millisecond):
	}

	op, err := e.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, 2, op.Attempts)
	assert.NotNil(t, op.CompletedAt)
	assert.Len(t, b.Calls(), 2)
	assert.Zero(t, e.retries.Pending())

	m := e.GetMetrics()
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(1), m.Retried)
}

func TestWorker_RateLimitedWaitsWithoutSpendingAttempts(t *testing.T) {
	ctx := context.Background()
	b := &recordingAdapter{fn: func(n int, _ AdapterRequest) error {
		switch n {
		case 1:
			return syncErrors.NewRateLimitedError("B", 60*time.Millisecond, assert.AnError)
		case 2:
			return syncErrors.NewRateLimitedError("B", 0, assert.AnError)
		}
		return nil
	}}
	e := newTestEngine(t,
		WithAdapter("B", b),
		WithRetry(2, 10*time.Millisecond, 20*time.Millisecond),
	)
	sub := e.Subscribe(EventFilter{Types: []EventType{EventRetrying, EventProcessed, EventFailed}})
	startEngine(t, e)

	id, err := e.Enqueue(ctx, &SyncOperation{EntityID: "P1", EntityType: EntityProduct, Action: ActionSync, MarketplaceID: "B"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ev := nextEvent(t, sub, 5*time.Second, EventRetrying, EventFailed)
		require.Equal(t, EventRetrying, ev.Type)
		assert.Equal(t, StatusRetrying, ev.Operation.Status)
		assert.Zero(t, ev.Operation.Attempts)
	}
	done := nextEvent(t, sub, 5*time.Second, EventProcessed, EventFailed)
	require.Equal(t, EventProcessed, done.Type)

	op, err := e.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, op.Status)
	assert.Zero(t, op.Attempts)

	times := b.Times()
	require.Len(t, times, 3)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 60*time.Millisecond, "Retry-After sets the minimum wait")

	m := e.GetMetrics()
	assert.Zero(t, m.Retried)
	assert.Zero(t, m.Failed)
}

func TestWorker_AbandonsCallsThatIgnoreTheirContext(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	b := &recordingAdapter{fn: func(int, AdapterRequest) error {
		<-release
		return nil
	}}
	cfg := DefaultConfig()
	cfg.ExecTimeout = 50 * time.Millisecond
	e := newTestEngine(t, WithConfig(cfg), WithAdapter("B", b))
	sub := e.Subscribe(EventFilter{Types: []EventType{EventRetrying, EventFailed}})
	startEngine(t, e)

	start := time.Now()
	id, err := e.Enqueue(ctx, &SyncOperation{
		EntityID: "P1", EntityType: EntityProduct, Action: ActionSync, MarketplaceID: "B", MaxRetries: 1,
	})
	require.NoError(t, err)

	failed := nextEvent(t, sub, 5*time.Second, EventRetrying, EventFailed)
	require.Equal(t, EventFailed, failed.Type)
	assert.Equal(t, id, failed.Operation.ID)
	assert.Less(t, time.Since(start), 2*time.Second)

	op, err := e.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, 1, op.Attempts)
	assert.Contains(t, op.Error, "call abandoned after 50ms")
	assert.Len(t, b.Calls(), 1)
}

func TestWorker_PermanentErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	b := &recordingAdapter{fn: func(int, AdapterRequest) error {
		return syncErrors.NewPermanentError("B", assert.AnError)
	}}
	e := newTestEngine(t, WithAdapter("B", b), WithRetry(5, 10*time.Millisecond, 50*time.Millisecond))
	sub := e.Subscribe(EventFilter{Types: []EventType{EventFailed}})
	startEngine(t, e)

	id, err := e.Enqueue(ctx, &SyncOperation{EntityID: "P1", EntityType: EntityProduct, Action: ActionSync, MarketplaceID: "B"})
	require.NoError(t, err)
	nextEvent(t, sub, 5*time.Second, EventFailed)

	op, err := e.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, 1, op.Attempts)
	assert.Len(t, b.Calls(), 1)
}

func TestWorker_AdapterPanicFailsOperation(t *testing.T) {
	ctx := context.Background()
	b := AdapterFunc(func(context.Context, AdapterRequest) (AdapterResult, error) {
		panic("boom")
	})
	e := newTestEngine(t, WithAdapter("B", b))
	sub := e.Subscribe(EventFilter{Types: []EventType{EventFailed}})
	startEngine(t, e)

	id, err := e.Enqueue(ctx, &SyncOperation{EntityID: "P1", EntityType: EntityProduct, Action: ActionSync, MarketplaceID: "B"})
	require.NoError(t, err)
	ev := nextEvent(t, sub, 5*time.Second, EventFailed)
	assert.Equal(t, id, ev.Operation.ID)
	assert.Contains(t, ev.Operation.Error, "boom")
}

func TestWorker_DeliveryWritesTargetEntity(t *testing.T) {
	ctx := context.Background()
	b := &recordingAdapter{}
	e := newTestEngine(t,
		WithClock(newSteppingClock(2*time.Second).Now),
		WithAdapter("B", b),
		WithRules(SyncRule{
			ID:                 "to-b",
			EntityType:         EntityProduct,
			SourceMarketplace:  "A",
			TargetMarketplaces: []string{"B"},
			Direction:          DirectionBidirectional,
			Enabled:            true,
			Transformations: []Transformation{
				{Type: TransformFormat, Field: "title", Format: FormatUppercase},
				{Type: TransformCalculate, Field: "price", Expression: "{price} * 2"},
			},
		}),
	)
	sub := e.Subscribe(EventFilter{EntityID: "P1", MarketplaceID: "B", Types: []EventType{EventProcessed}})
	startEngine(t, e)

	res, err := e.SubmitChange(ctx, nil, productChange("P1", "A", 0, Data{"title": "lamp", "price": 10}))
	require.NoError(t, err)
	require.Len(t, res.OperationIDs, 1)
	nextEvent(t, sub, 5*time.Second, EventProcessed)

	calls := b.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "LAMP", calls[0].Data["title"])
	assert.Equal(t, 20.0, calls[0].Data["price"])

	target, err := e.GetEntity(ctx, EntityKey{Type: EntityProduct, ID: "P1", Marketplace: "B"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), target.Version)
	assert.Equal(t, "LAMP", target.Data["title"])
	assert.Equal(t, res.OperationIDs[0], target.Metadata["lastOperationId"])

	source, err := e.GetEntity(ctx, EntityKey{Type: EntityProduct, ID: "P1", Marketplace: "A"})
	require.NoError(t, err)
	assert.Equal(t, "lamp", source.Data["title"], "the source copy is never transformed")
}

func TestWorker_DeliveryConflictResolvedByRulePolicy(t *testing.T) {
	ctx := context.Background()
	b := &recordingAdapter{}
	cfg := DefaultConfig()
	cfg.ConflictWindow = time.Hour
	e := newTestEngine(t,
		WithConfig(cfg),
		WithClock(newSteppingClock(2*time.Second).Now),
		WithAdapter("B", b),
		WithRules(SyncRule{
			ID:                 "to-b",
			EntityType:         EntityProduct,
			SourceMarketplace:  "A",
			TargetMarketplaces: []string{"B"},
			Direction:          DirectionSourceToTarget,
			ConflictResolution: PolicySourceWins,
			Enabled:            true,
		}),
	)
	sub := e.Subscribe(EventFilter{Types: []EventType{EventConflictResolved}})
	startEngine(t, e)

	_, err := e.SubmitChange(ctx, nil, productChange("P1", "B", 0, Data{"stock": 3}))
	require.NoError(t, err)
	_, err = e.SubmitChange(ctx, nil, productChange("P1", "A", 0, Data{"stock": 7}))
	require.NoError(t, err)

	ev := nextEvent(t, sub, 5*time.Second, EventConflictResolved)
	assert.Equal(t, PolicySourceWins, ev.Conflict.Resolution)
	assert.Equal(t, "system:policy", ev.Conflict.ResolvedBy)
	assert.NotEmpty(t, ev.Conflict.OperationID)

	target, err := e.GetEntity(ctx, EntityKey{Type: EntityProduct, ID: "P1", Marketplace: "B"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), target.Version)
	assert.Equal(t, 7, target.Data["stock"])

	m := e.GetMetrics()
	assert.Equal(t, int64(1), m.ConflictsDetected)
	assert.Equal(t, int64(1), m.ConflictsResolved)
	assert.Zero(t, m.UnresolvedConflicts)
}

func TestResolveConflict_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithClock(newSteppingClock(2*time.Second).Now))
	key := EntityKey{Type: EntityProduct, ID: "P1", Marketplace: "A"}

	_, err := e.SubmitChange(ctx, nil, productChange("P1", "A", 1, Data{"price": 10}))
	require.NoError(t, err)
	res, err := e.SubmitChange(ctx, nil, productChange("P1", "A", 1, Data{"price": 15}))
	require.NoError(t, err)
	require.NotEmpty(t, res.ConflictID)

	resolved, err := e.ResolveConflict(ctx, nil, res.ConflictID, Resolution{Policy: PolicySourceWins}, "alice")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, StateResolved, resolved.State)
	assert.Equal(t, PolicySourceWins, resolved.Resolution)
	assert.Equal(t, "alice", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	entity, err := e.GetEntity(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entity.Version)
	assert.Equal(t, 15, entity.Data["price"])

	_, err = e.ResolveConflict(ctx, nil, res.ConflictID, Resolution{Policy: PolicyTargetWins}, "bob")
	require.Error(t, err)
	assert.ErrorIs(t, err, syncErrors.ErrAlreadyResolved)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindAlreadyResolved))

	again, err := e.GetEntity(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version, "a rejected second resolution writes nothing")

	stored, err := e.GetConflict(ctx, res.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.ResolvedBy)
}

func TestResolveConflict_ManualNeedsData(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithClock(newSteppingClock(2*time.Second).Now))

	_, err := e.SubmitChange(ctx, nil, productChange("P1", "A", 1, Data{"price": 10}))
	require.NoError(t, err)
	res, err := e.SubmitChange(ctx, nil, productChange("P1", "A", 1, Data{"price": 15}))
	require.NoError(t, err)

	_, err = e.ResolveConflict(ctx, nil, res.ConflictID, Resolution{Policy: PolicyManual}, "alice")
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))

	c, err := e.GetConflict(ctx, res.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, StateDetected, c.State)

	_, err = e.ResolveConflict(ctx, nil, res.ConflictID, Resolution{Policy: PolicyManual, Data: Data{"price": 12}}, "alice")
	require.NoError(t, err)
	entity, err := e.GetEntity(ctx, EntityKey{Type: EntityProduct, ID: "P1", Marketplace: "A"})
	require.NoError(t, err)
	assert.Equal(t, Data{"price": 12}, entity.Data)
}

func TestResolveConflict_UnknownID(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ResolveConflict(context.Background(), nil, "missing", Resolution{Policy: PolicyOverride}, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, syncErrors.ErrConflictNotFound)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound))
}

func TestSweepConflicts_ForcesStaleConflicts(t *testing.T) {
	ctx := context.Background()
	clock := newSteppingClock(2 * time.Second)
	e := newTestEngine(t, WithClock(clock.Now))

	_, err := e.SubmitChange(ctx, nil, productChange("P1", "A", 1, Data{"price": 10}))
	require.NoError(t, err)
	res, err := e.SubmitChange(ctx, nil, productChange("P1", "A", 1, Data{"price": 99}))
	require.NoError(t, err)

	n, err := e.SweepConflicts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh conflicts are left alone")

	clock.Advance(DefaultConflictTimeout + time.Minute)
	n, err = e.SweepConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := e.GetConflict(ctx, res.ConflictID)
	require.NoError(t, err)
	assert.True(t, c.Resolved)
	assert.Equal(t, PolicyTimeout, c.Resolution)
	assert.Equal(t, "system:timeout", c.ResolvedBy)

	entity, err := e.GetEntity(ctx, EntityKey{Type: EntityProduct, ID: "P1", Marketplace: "A"})
	require.NoError(t, err)
	assert.Equal(t, 99, entity.Data["price"])
}

func TestSubmitChange_Unauthorized(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.SubmitChange(context.Background(), newAuth("seller-1", "A"), productChange("P1", "B", 0, Data{}))
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindUnauthorized))

	_, err = e.SubmitChange(context.Background(), newAuth("seller-1", "A"), productChange("P1", "A", 0, Data{}))
	require.NoError(t, err)
}

func TestSubmitChange_Validation(t *testing.T) {
	e := newTestEngine(t)
	cases := map[string]Change{
		"missing id":      {EntityType: EntityProduct, Action: ActionCreate, SourceMarketplace: "A"},
		"missing type":    {EntityID: "P1", Action: ActionCreate, SourceMarketplace: "A"},
		"missing action":  {EntityID: "P1", EntityType: EntityProduct, SourceMarketplace: "A"},
		"any marketplace": {EntityID: "P1", EntityType: EntityProduct, Action: ActionCreate, SourceMarketplace: AnyMarketplace},
		"negative":        {EntityID: "P1", EntityType: EntityProduct, Action: ActionCreate, SourceMarketplace: "A", Version: -1},
	}
	for name, change := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.SubmitChange(context.Background(), nil, change)
			require.Error(t, err)
			assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
		})
	}
}

func TestSubmitChange_DeleteLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithClock(newSteppingClock(2*time.Second).Now))
	key := EntityKey{Type: EntityProduct, ID: "P1", Marketplace: "A"}

	create := productChange("P1", "A", 0, Data{"price": 10})
	create.Action = ActionCreate
	_, err := e.SubmitChange(ctx, nil, create)
	require.NoError(t, err)

	del := productChange("P1", "A", 0, nil)
	del.Action = ActionDelete
	res, err := e.SubmitChange(ctx, nil, del)
	require.NoError(t, err)
	require.NotNil(t, res.Entity)
	assert.True(t, res.Entity.Deleted)
	assert.Equal(t, int64(2), res.Entity.Version)

	late, err := e.SubmitChange(ctx, nil, productChange("P1", "A", 0, Data{"price": 11}))
	require.NoError(t, err)
	assert.NotEmpty(t, late.ConflictID, "an unversioned update must not resurrect a tombstone")

	require.NoError(t, e.PurgeEntity(ctx, key))
	_, err = e.GetEntity(ctx, key)
	assert.ErrorIs(t, err, syncErrors.ErrNotFound)

	again, err := e.SubmitChange(ctx, nil, create)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Entity.Version)
}

func TestVersionsIncreaseByOnePerWrite(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithClock(newSteppingClock(2*time.Second).Now))
	for i := 1; i <= 5; i++ {
		res, err := e.SubmitChange(ctx, nil, productChange("P1", "A", 0, Data{"n": i}))
		require.NoError(t, err)
		require.NotNil(t, res.Entity)
		assert.Equal(t, int64(i), res.Entity.Version)
	}
}

func TestEnqueue_Rejections(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 1
	e := newTestEngine(t, WithConfig(cfg), WithAdapter("B", &recordingAdapter{}))

	_, err := e.Enqueue(ctx, &SyncOperation{EntityID: "P1", EntityType: EntityProduct, Action: ActionSync, MarketplaceID: "Z"})
	assert.ErrorIs(t, err, syncErrors.ErrNoAdapter)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindConfig))

	_, err = e.Enqueue(ctx, &SyncOperation{EntityID: "P1", EntityType: EntityProduct, Action: ActionSync, MarketplaceID: "B"})
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, &SyncOperation{EntityID: "P2", EntityType: EntityProduct, Action: ActionSync, MarketplaceID: "B"})
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindCapacity))
	assert.ErrorIs(t, err, syncErrors.ErrQueueFull)
}

func TestCancelOperation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithAdapter("B", &recordingAdapter{}))
	sub := e.Subscribe(EventFilter{Types: []EventType{EventFailed}})

	id, err := e.Enqueue(ctx, &SyncOperation{EntityID: "P1", EntityType: EntityProduct, Action: ActionSync, MarketplaceID: "B"})
	require.NoError(t, err)
	require.NoError(t, e.CancelOperation(ctx, id))

	op, err := e.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, "canceled", op.Error)
	assert.Zero(t, e.GetQueueStatus().Size)
	nextEvent(t, sub, time.Second, EventFailed)

	err = e.CancelOperation(ctx, id)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
}

func TestRecover_RequeuesUnfinishedOperations(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	for id, status := range map[string]OperationStatus{
		"pending": StatusPending, "retrying": StatusRetrying, "processing": StatusProcessing, "done": StatusCompleted,
	} {
		require.NoError(t, store.SaveOperation(ctx, &SyncOperation{
			ID: id, EntityID: "P1", EntityType: EntityProduct, Action: ActionSync, MarketplaceID: "B",
			Status: status, MaxRetries: 3, CreatedAt: now,
		}))
	}
	e := newTestEngine(t, WithStore(store), WithAdapter("B", &recordingAdapter{}))

	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, e.GetQueueStatus().Size)

	op, err := e.GetOperation(ctx, "retrying")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, op.Status)
}

func TestCheckHealth_PublishesAlerts(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Health = HealthThresholds{MaxQueueDepth: 1}
	e := newTestEngine(t, WithConfig(cfg), WithAdapter("B", &recordingAdapter{}))
	sub := e.Subscribe(EventFilter{EntityID: "P1", Types: []EventType{EventMetrics, EventHealthAlert}})

	for _, id := range []string{"P1", "P2"} {
		_, err := e.Enqueue(ctx, &SyncOperation{EntityID: id, EntityType: EntityProduct, Action: ActionSync, MarketplaceID: "B"})
		require.NoError(t, err)
	}
	alerts := e.CheckHealth()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertQueueDepth, alerts[0].Kind)

	metrics := nextEvent(t, sub, time.Second, EventMetrics)
	require.NotNil(t, metrics.Metrics)
	assert.Equal(t, 2, metrics.Metrics.QueueSize)
	assert.Equal(t, int64(2), metrics.Metrics.TotalEvents)
	alert := nextEvent(t, sub, time.Second, EventHealthAlert)
	require.NotNil(t, alert.Alert)
	assert.Equal(t, float64(2), alert.Alert.Value)
}

func TestEngine_ClosedRejectsWork(t *testing.T) {
	e := newTestEngine(t)
	startEngine(t, e)
	sub := e.Subscribe(EventFilter{})
	require.NoError(t, e.Close())

	_, err := e.SubmitChange(context.Background(), nil, productChange("P1", "A", 0, Data{}))
	assert.ErrorIs(t, err, syncErrors.ErrEngineClosed)

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.NoError(t, e.Close(), "Close is idempotent")
}

func TestEngine_RuleManagement(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	startEngine(t, e)

	rule, err := e.AddSyncRule(ctx, SyncRule{
		EntityType:         EntityInventory,
		SourceMarketplace:  AnyMarketplace,
		TargetMarketplaces: []string{"B"},
		Direction:          DirectionBidirectional,
		Enabled:            true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
	assert.Len(t, e.Rules(), 1)

	_, err = e.AddSyncRule(ctx, SyncRule{ID: "bad", EntityType: EntityInventory})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))

	require.NoError(t, e.RemoveSyncRule(ctx, rule.ID))
	assert.Empty(t, e.Rules())
	assert.True(t, syncErrors.IsKind(e.RemoveSyncRule(ctx, rule.ID), syncErrors.KindNotFound))
}

func TestEngine_ReloadRulesPicksUpStoreChanges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	e := newTestEngine(t, WithStore(store))
	startEngine(t, e)
	assert.Empty(t, e.Rules())

	require.NoError(t, store.PutRule(ctx, SyncRule{
		ID:                 "external",
		EntityType:         EntityOrder,
		SourceMarketplace:  AnyMarketplace,
		TargetMarketplaces: []string{"B"},
		Direction:          DirectionBidirectional,
		Enabled:            true,
	}))
	assert.Empty(t, e.Rules(), "the snapshot only changes on reload")

	require.NoError(t, e.ReloadRules(ctx))
	require.Len(t, e.Rules(), 1)
	assert.Equal(t, "external", e.Rules()[0].ID)

	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.ReloadRules(ctx), syncErrors.ErrEngineClosed)
}

func TestRequeue_ReturnsOperationToPending(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithAdapter("B", &recordingAdapter{}))

	id, err := e.Enqueue(ctx, &SyncOperation{EntityID: "P1", EntityType: EntityProduct, Action: ActionSync, MarketplaceID: "B"})
	require.NoError(t, err)
	op, ok := e.queue.TryDequeue()
	require.True(t, ok)
	op.Status = StatusRetrying
	op.Attempts = 1

	e.requeue(op)

	stored, err := e.GetOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, 1, e.queue.Len())
}
