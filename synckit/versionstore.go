package synckit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
)

// checksumDomain separates entity checksums from any other sha256 use.
const checksumDomain = "marketsync/entity/v1"

// Checksum hashes a payload's canonical JSON form. encoding/json sorts map keys,
// so equal payloads always hash the same.
func Checksum(data Data) (string, error) {
	canonical, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("checksum: failed to marshal: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(checksumDomain))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// keyedMutex hands out one mutex per key and forgets it once nobody holds it.
type keyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex[K comparable]() *keyedMutex[K] {
	return &keyedMutex[K]{locks: make(map[K]*refMutex)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *keyedMutex[K]) Lock(key K) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// VersionStore wraps an EntityStore with single-writer-per-key locking and
// checksum maintenance. Different keys proceed in parallel.
type VersionStore struct {
	store EntityStore
	locks *keyedMutex[EntityKey]
}

// NewVersionStore wraps store.
func NewVersionStore(store EntityStore) *VersionStore {
	return &VersionStore{store: store, locks: newKeyedMutex[EntityKey]()}
}

// Lock takes the per-key write lock.
func (v *VersionStore) Lock(key EntityKey) (unlock func()) {
	return v.locks.Lock(key)
}

// Get returns the stored entity, or (nil, false, nil) when the key is absent.
func (v *VersionStore) Get(ctx context.Context, key EntityKey) (*SyncEntity, bool, error) {
	e, err := v.store.GetEntity(ctx, key)
	if err != nil {
		if syncErrors.Is(err, syncErrors.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return e, true, nil
}

// Put recomputes the checksum and writes the entity. Callers hold the key lock;
// version policy lives in the detector and resolver.
func (v *VersionStore) Put(ctx context.Context, e *SyncEntity) error {
	sum, err := Checksum(e.Data)
	if err != nil {
		return syncErrors.E(syncErrors.OpStore, syncErrors.Component("versionstore"), syncErrors.KindInvalid, err)
	}
	e.Checksum = sum
	return v.store.PutEntity(ctx, e)
}

// Purge removes a key entirely, tombstone included.
func (v *VersionStore) Purge(ctx context.Context, key EntityKey) error {
	unlock := v.Lock(key)
	defer unlock()
	return v.store.DeleteEntity(ctx, key)
}

// List returns stored entities matching filter.
func (v *VersionStore) List(ctx context.Context, filter EntityFilter) ([]*SyncEntity, error) {
	return v.store.ListEntities(ctx, filter)
}
