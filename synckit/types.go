package synckit

import (
	"fmt"
	"time"
)

// EntityType is the closed set of business records the engine tracks.
type EntityType uint8

const (
	EntityUnknown EntityType = iota
	EntityProduct
	EntityOrder
	EntityInventory
	EntityCategory
	EntityCustomer
)

var entityTypeNames = []string{"", "product", "order", "inventory", "category", "customer"}

func (t EntityType) String() string               { return enumName(entityTypeNames, t) }
func (t EntityType) Valid() bool                  { return t > EntityUnknown && int(t) < len(entityTypeNames) }
func (t EntityType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }
func (t *EntityType) UnmarshalText(b []byte) error {
	return parseEnum("entity type", entityTypeNames, string(b), t)
}

// ParseEntityType parses a lower-case entity type name.
func ParseEntityType(s string) (EntityType, error) {
	var t EntityType
	err := t.UnmarshalText([]byte(s))
	return t, err
}

// Action is what an operation does at a marketplace.
type Action uint8

const (
	ActionUnknown Action = iota
	ActionCreate
	ActionUpdate
	ActionDelete
	ActionSync
)

var actionNames = []string{"", "create", "update", "delete", "sync"}

func (a Action) String() string               { return enumName(actionNames, a) }
func (a Action) Valid() bool                  { return a > ActionUnknown && int(a) < len(actionNames) }
func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }
func (a *Action) UnmarshalText(b []byte) error {
	return parseEnum("action", actionNames, string(b), a)
}

// Priority orders work in the queue. The zero value is treated as medium.
type Priority uint8

const (
	PriorityUnset Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = []string{"", "low", "medium", "high", "critical"}

func (p Priority) String() string               { return enumName(priorityNames, p) }
func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }
func (p *Priority) UnmarshalText(b []byte) error {
	return parseEnum("priority", priorityNames, string(b), p)
}

func (p Priority) orDefault() Priority {
	if p == PriorityUnset || int(p) >= len(priorityNames) {
		return PriorityMedium
	}
	return p
}

func enumName[T ~uint8](names []string, v T) string {
	if int(v) < len(names) {
		return names[v]
	}
	return fmt.Sprintf("unknown(%d)", v)
}

func parseEnum[T ~uint8](kind string, names []string, s string, out *T) error {
	for i, name := range names {
		if name == s {
			*out = T(i)
			return nil
		}
	}
	return fmt.Errorf("unknown %s %q", kind, s)
}

// OperationStatus tracks an operation through the queue.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusProcessing OperationStatus = "processing"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusRetrying   OperationStatus = "retrying"
)

// Terminal reports whether no further automatic transition can happen.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ConflictType classifies a detected conflict.
type ConflictType string

const (
	ConflictVersion     ConflictType = "version"
	ConflictData        ConflictType = "data"
	ConflictTimestamp   ConflictType = "timestamp"
	ConflictMarketplace ConflictType = "marketplace"
)

// ConflictState is the resolver state machine: detected -> resolving -> resolved.
type ConflictState string

const (
	StateDetected  ConflictState = "detected"
	StateResolving ConflictState = "resolving"
	StateResolved  ConflictState = "resolved"
)

// Direction controls which way a rule lets changes flow.
type Direction string

const (
	DirectionBidirectional  Direction = "bidirectional"
	DirectionSourceToTarget Direction = "source_to_target"
	DirectionTargetToSource Direction = "target_to_source"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionBidirectional, DirectionSourceToTarget, DirectionTargetToSource:
		return true
	}
	return false
}

// propagatesFromSource reports whether a change at the rule's source may flow to its targets.
func (d Direction) propagatesFromSource() bool {
	return d == DirectionBidirectional || d == DirectionSourceToTarget
}

// Policy is a conflict resolution policy.
type Policy string

const (
	PolicyOverride   Policy = "override"
	PolicyIgnore     Policy = "ignore"
	PolicyMerge      Policy = "merge"
	PolicyManual     Policy = "manual"
	PolicySourceWins Policy = "source_wins"
	PolicyTargetWins Policy = "target_wins"
	PolicyLatestWins Policy = "latest_wins"
	// PolicyTimeout is recorded when the sweep force-resolves a stale conflict.
	PolicyTimeout Policy = "timeout"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyOverride, PolicyIgnore, PolicyMerge, PolicyManual,
		PolicySourceWins, PolicyTargetWins, PolicyLatestWins, PolicyTimeout:
		return true
	}
	return false
}

// AnyMarketplace matches every source marketplace in a rule.
const AnyMarketplace = "any"

// EntityKey identifies one entity at one marketplace.
type EntityKey struct {
	Type        EntityType `json:"type"`
	ID          string     `json:"id"`
	Marketplace string     `json:"marketplaceId"`
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s:%s@%s", k.Type, k.ID, k.Marketplace)
}

// SyncEntity is a versioned snapshot of one record at one marketplace.
type SyncEntity struct {
	ID            string         `json:"id"`
	Type          EntityType     `json:"type"`
	MarketplaceID string         `json:"marketplaceId"`
	Data          Data           `json:"data"`
	Version       int64          `json:"version"`
	Checksum      string         `json:"checksum"`
	LastModified  time.Time      `json:"lastModified"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Deleted       bool           `json:"deleted,omitempty"`
}

// Key returns the entity's store key.
func (e *SyncEntity) Key() EntityKey {
	return EntityKey{Type: e.Type, ID: e.ID, Marketplace: e.MarketplaceID}
}

// Clone returns a deep copy.
func (e *SyncEntity) Clone() *SyncEntity {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Data = e.Data.Clone()
	cp.Metadata = cloneMap(e.Metadata)
	return &cp
}

// SyncOperation applies a change at one marketplace.
type SyncOperation struct {
	ID                string          `json:"id"`
	EntityID          string          `json:"entityId"`
	EntityType        EntityType      `json:"entityType"`
	Action            Action          `json:"action"`
	MarketplaceID     string          `json:"marketplaceId"`
	SourceMarketplace string          `json:"sourceMarketplace"`
	Data              Data            `json:"data"`
	Priority          Priority        `json:"priority"`
	Status            OperationStatus `json:"status"`
	Attempts          int             `json:"attempts"`
	MaxRetries        int             `json:"maxRetries"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	Error             string          `json:"error,omitempty"`
	RuleID            string          `json:"ruleId,omitempty"`
	Policy            Policy          `json:"policy,omitempty"`
	ChangeID          string          `json:"changeId,omitempty"`
}

// Key returns the entity key this operation writes.
func (op *SyncOperation) Key() EntityKey {
	return EntityKey{Type: op.EntityType, ID: op.EntityID, Marketplace: op.MarketplaceID}
}

// Clone returns a copy that shares no mutable state with op.
func (op *SyncOperation) Clone() *SyncOperation {
	if op == nil {
		return nil
	}
	cp := *op
	cp.Data = op.Data.Clone()
	if op.CompletedAt != nil {
		t := *op.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// SyncConflict is a disagreement between an incoming write and stored state.
type SyncConflict struct {
	ID                string        `json:"id"`
	EntityID          string        `json:"entityId"`
	EntityType        EntityType    `json:"entityType"`
	ConflictType      ConflictType  `json:"conflictType"`
	Action            Action        `json:"action"`
	SourceData        Data          `json:"sourceData"`
	TargetData        Data          `json:"targetData"`
	SourceMarketplace string        `json:"sourceMarketplace"`
	TargetMarketplace string        `json:"targetMarketplace"`
	SourceVersion     int64         `json:"sourceVersion"`
	TargetVersion     int64         `json:"targetVersion"`
	SourceTimestamp   time.Time     `json:"sourceTimestamp"`
	TargetTimestamp   time.Time     `json:"targetTimestamp"`
	DetectedAt        time.Time     `json:"detectedAt"`
	State             ConflictState `json:"state"`
	Policy            Policy        `json:"policy"`
	ChangeID          string        `json:"changeId,omitempty"`
	OperationID       string        `json:"operationId,omitempty"`
	Resolved          bool          `json:"resolved"`
	Resolution        Policy        `json:"resolution,omitempty"`
	ResolvedData      Data          `json:"resolvedData,omitempty"`
	ResolvedAt        *time.Time    `json:"resolvedAt,omitempty"`
	ResolvedBy        string        `json:"resolvedBy,omitempty"`
}

// Key returns the key of the entity in conflict.
func (c *SyncConflict) Key() EntityKey {
	return EntityKey{Type: c.EntityType, ID: c.EntityID, Marketplace: c.TargetMarketplace}
}

// fromOperation reports whether the conflict was raised by a propagated operation
// rather than by a submitted change.
func (c *SyncConflict) fromOperation() bool { return c.OperationID != "" }

// Clone returns a deep copy.
func (c *SyncConflict) Clone() *SyncConflict {
	if c == nil {
		return nil
	}
	cp := *c
	cp.SourceData = c.SourceData.Clone()
	cp.TargetData = c.TargetData.Clone()
	cp.ResolvedData = c.ResolvedData.Clone()
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Change is a write reported by a source marketplace.
type Change struct {
	ID                string         `json:"id"`
	EntityID          string         `json:"entityId"`
	EntityType        EntityType     `json:"entityType"`
	Action            Action         `json:"action"`
	SourceMarketplace string         `json:"sourceMarketplace"`
	Data              Data           `json:"data"`
	// Version is the version the source claims to write. Zero means "next" and
	// skips the staleness check.
	Version   int64          `json:"version,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Priority  Priority       `json:"priority,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Key returns the source-side entity key.
func (c Change) Key() EntityKey {
	return EntityKey{Type: c.EntityType, ID: c.EntityID, Marketplace: c.SourceMarketplace}
}

// Resolution is an explicit decision for a conflict.
type Resolution struct {
	Policy Policy `json:"policy"`
	// Data, when set, becomes the entity state regardless of policy.
	Data Data `json:"data,omitempty"`
}

// AuthContext is the caller's authorization as asserted by an outer gateway.
// A nil AuthContext is a trusted in-process caller.
type AuthContext interface {
	Subject() string
	Authorized(marketplaceID string) bool
}

// QueueStatus is a snapshot of the operation queue.
type QueueStatus struct {
	Size   int       `json:"size"`
	Oldest time.Time `json:"oldest,omitempty"`
}

// SubmitResult reports what SubmitChange did with a change.
type SubmitResult struct {
	ChangeID     string      `json:"changeId"`
	Entity       *SyncEntity `json:"entity,omitempty"`
	ConflictID   string      `json:"conflictId,omitempty"`
	OperationIDs []string    `json:"operationIds,omitempty"`
	// Errors holds non-fatal failures: skipped rules and rejected propagations.
	Errors []error `json:"-"`
}
