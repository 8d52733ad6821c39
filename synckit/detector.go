package synckit

import (
	"context"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
)

// DefaultConflictWindow is how close two differing writes must be to count as a race.
const DefaultConflictWindow = time.Second

// entityWrite is one attempted write to one key, from a submitted change or a
// completed operation.
type entityWrite struct {
	key       EntityKey
	action    Action
	data      Data
	version   int64
	timestamp time.Time
	origin    string
	changeID  string
	opID      string
	metadata  map[string]any
}

func writeFromChange(c Change) entityWrite {
	return entityWrite{
		key:       c.Key(),
		action:    c.Action,
		data:      c.Data,
		version:   c.Version,
		timestamp: c.Timestamp,
		origin:    c.SourceMarketplace,
		changeID:  c.ID,
		metadata:  c.Metadata,
	}
}

// ConflictDetector classifies writes against the version store.
type ConflictDetector struct {
	versions *VersionStore
	window   time.Duration
	now      func() time.Time
}

// NewConflictDetector creates a detector with the given race window.
func NewConflictDetector(versions *VersionStore, window time.Duration, now func() time.Time) *ConflictDetector {
	if window <= 0 {
		window = DefaultConflictWindow
	}
	if now == nil {
		now = time.Now
	}
	return &ConflictDetector{versions: versions, window: window, now: now}
}

// Classify decides whether w conflicts with stored. It returns false for a clean write.
//
//  1. nothing stored: clean
//  2. w.version <= stored.version: version conflict (stale or replayed)
//  3. within the window with a different checksum: data conflict
//  4. otherwise clean
//
// An unversioned non-create write to a tombstone is a version conflict so a late
// update cannot silently resurrect a deleted entity.
func (d *ConflictDetector) Classify(w entityWrite, stored *SyncEntity) (ConflictType, bool) {
	if stored == nil {
		return "", false
	}
	if w.version > 0 && w.version <= stored.Version {
		return ConflictVersion, true
	}
	if stored.Deleted && w.version == 0 && w.action != ActionCreate && w.action != ActionDelete {
		return ConflictVersion, true
	}
	if absDuration(w.timestamp.Sub(stored.LastModified)) < d.window {
		sum, err := Checksum(w.data)
		if err != nil || sum != stored.Checksum {
			return ConflictData, true
		}
	}
	return "", false
}

// Detect checks a change against stored state without writing anything.
func (d *ConflictDetector) Detect(ctx context.Context, change Change) (*SyncConflict, error) {
	w := writeFromChange(change)
	if w.timestamp.IsZero() {
		w.timestamp = d.now()
	}
	stored, _, err := d.versions.Get(ctx, w.key)
	if err != nil {
		return nil, err
	}
	ct, conflict := d.Classify(w, stored)
	if !conflict {
		return nil, nil
	}
	return d.newConflict(w, stored, ct), nil
}

// apply writes w if it is clean. On conflict nothing is written and the conflict
// (not yet persisted) is returned instead.
func (d *ConflictDetector) apply(ctx context.Context, w entityWrite) (*SyncEntity, *SyncConflict, error) {
	unlock := d.versions.Lock(w.key)
	defer unlock()

	stored, _, err := d.versions.Get(ctx, w.key)
	if err != nil {
		return nil, nil, err
	}
	if ct, conflict := d.Classify(w, stored); conflict {
		return nil, d.newConflict(w, stored, ct), nil
	}

	next := &SyncEntity{
		ID:            w.key.ID,
		Type:          w.key.Type,
		MarketplaceID: w.key.Marketplace,
		Data:          w.data.Clone(),
		Version:       1,
		LastModified:  w.timestamp,
		Metadata:      writeMetadata(w),
		Deleted:       w.action == ActionDelete,
	}
	if stored != nil {
		next.Version = stored.Version + 1
	}
	if next.Deleted && next.Data == nil && stored != nil {
		next.Data = stored.Data
	}
	if err := d.versions.Put(ctx, next); err != nil {
		return nil, nil, syncErrors.WrapOpComponent(err, "detector.apply", "detector")
	}
	return next, nil, nil
}

func writeMetadata(w entityWrite) map[string]any {
	md := cloneMap(w.metadata)
	if md == nil {
		md = map[string]any{}
	}
	md["origin"] = w.origin
	if w.changeID != "" {
		md["lastEventId"] = w.changeID
	}
	if w.opID != "" {
		md["lastOperationId"] = w.opID
	}
	return md
}

func (d *ConflictDetector) newConflict(w entityWrite, stored *SyncEntity, ct ConflictType) *SyncConflict {
	return &SyncConflict{
		ID:                uuid.NewString(),
		EntityID:          w.key.ID,
		EntityType:        w.key.Type,
		ConflictType:      ct,
		Action:            w.action,
		SourceData:        w.data.Clone(),
		TargetData:        stored.Data.Clone(),
		SourceMarketplace: w.origin,
		TargetMarketplace: w.key.Marketplace,
		SourceVersion:     w.version,
		TargetVersion:     stored.Version,
		SourceTimestamp:   w.timestamp,
		TargetTimestamp:   stored.LastModified,
		DetectedAt:        d.now(),
		State:             StateDetected,
		ChangeID:          w.changeID,
		OperationID:       w.opID,
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
