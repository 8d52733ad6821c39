package synckit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
)

// Operator is a condition comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// Condition is one predicate over a change's data.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// Evaluate reports whether data satisfies the condition. Ordering operators only
// compare numbers; anything else is false.
func (c Condition) Evaluate(data Data) bool {
	actual, ok := data.Lookup(c.Field)
	switch c.Operator {
	case OpEquals:
		return ok && valuesEqual(actual, c.Value)
	case OpNotEquals:
		return !ok || !valuesEqual(actual, c.Value)
	case OpContains:
		if !ok {
			return false
		}
		if s, isStr := actual.(string); isStr {
			sub, subIsStr := c.Value.(string)
			return subIsStr && strings.Contains(s, sub)
		}
		if items, isSlice := actual.([]any); isSlice {
			for _, item := range items {
				if valuesEqual(item, c.Value) {
					return true
				}
			}
		}
		return false
	case OpGreaterThan, OpLessThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(c.Value)
		if !ok || !okA || !okB {
			return false
		}
		if c.Operator == OpGreaterThan {
			return a > b
		}
		return a < b
	}
	return false
}

// SyncRule is a declarative propagation policy.
type SyncRule struct {
	ID                 string           `json:"id" yaml:"id"`
	Name               string           `json:"name,omitempty" yaml:"name,omitempty"`
	EntityType         EntityType       `json:"entityType" yaml:"entityType"`
	SourceMarketplace  string           `json:"sourceMarketplace" yaml:"sourceMarketplace"`
	TargetMarketplaces []string         `json:"targetMarketplaces" yaml:"targetMarketplaces"`
	Direction          Direction        `json:"direction" yaml:"direction"`
	Priority           int              `json:"priority" yaml:"priority"`
	Conditions         []Condition      `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Transformations    []Transformation `json:"transformations,omitempty" yaml:"transformations,omitempty"`
	ConflictResolution Policy           `json:"conflictResolution" yaml:"conflictResolution"`
	Enabled            bool             `json:"enabled" yaml:"enabled"`
}

// Clone copies the rule's slices so snapshots cannot be mutated through it.
func (r SyncRule) Clone() SyncRule {
	r.TargetMarketplaces = append([]string(nil), r.TargetMarketplaces...)
	r.Conditions = append([]Condition(nil), r.Conditions...)
	r.Transformations = append([]Transformation(nil), r.Transformations...)
	return r
}

// Validate checks the rule's static shape, including calculate expressions.
func (r SyncRule) Validate() error {
	var problems []string
	if !r.EntityType.Valid() {
		problems = append(problems, "entityType is required")
	}
	if r.SourceMarketplace == "" {
		problems = append(problems, `sourceMarketplace is required (use "any" for every marketplace)`)
	}
	if len(r.TargetMarketplaces) == 0 {
		problems = append(problems, "at least one target marketplace is required")
	}
	if !r.Direction.Valid() {
		problems = append(problems, fmt.Sprintf("unknown direction %q", r.Direction))
	}
	if r.ConflictResolution != "" && (!r.ConflictResolution.Valid() || r.ConflictResolution == PolicyTimeout) {
		problems = append(problems, fmt.Sprintf("unknown conflict resolution %q", r.ConflictResolution))
	}
	for i, c := range r.Conditions {
		switch c.Operator {
		case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan:
		default:
			problems = append(problems, fmt.Sprintf("condition %d: unknown operator %q", i, c.Operator))
		}
		if c.Field == "" {
			problems = append(problems, fmt.Sprintf("condition %d: field is required", i))
		}
	}
	for i, t := range r.Transformations {
		if err := t.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("transformation %d: %v", i, err))
		}
	}
	if len(problems) > 0 {
		return syncErrors.E(syncErrors.OpConfig, syncErrors.Component("rules"), syncErrors.KindInvalid,
			fmt.Sprintf("rule %q: %s", r.ID, strings.Join(problems, "; ")))
	}
	return nil
}

// Matches reports whether the rule applies to change.
func (r SyncRule) Matches(change Change) bool {
	if !r.Enabled || r.EntityType != change.EntityType {
		return false
	}
	if r.SourceMarketplace != AnyMarketplace && r.SourceMarketplace != change.SourceMarketplace {
		return false
	}
	for _, c := range r.Conditions {
		if !c.Evaluate(change.Data) {
			return false
		}
	}
	return true
}

// ApplicableRules filters rules to those matching change, highest priority first
// and by id within a priority. It depends only on its arguments.
func ApplicableRules(rules []SyncRule, change Change) []SyncRule {
	var out []SyncRule
	for _, r := range rules {
		if r.Matches(change) {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out
}

func sortRules(rules []SyncRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// RuleEngine holds the live rule set. Readers work on an immutable snapshot;
// writers swap in a new one.
type RuleEngine struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[[]SyncRule]
	store    RuleStore
}

// NewRuleEngine creates an engine backed by store, which may be nil.
func NewRuleEngine(store RuleStore) *RuleEngine {
	re := &RuleEngine{store: store}
	empty := []SyncRule{}
	re.snapshot.Store(&empty)
	return re
}

// Load replaces the snapshot with the store's rules.
func (re *RuleEngine) Load(ctx context.Context) error {
	if re.store == nil {
		return nil
	}
	rules, err := re.store.ListRules(ctx)
	if err != nil {
		return syncErrors.WrapOpComponent(err, "rules.Load", "rules")
	}
	re.mu.Lock()
	defer re.mu.Unlock()
	sortRules(rules)
	re.snapshot.Store(&rules)
	return nil
}

// Rules returns the current snapshot in evaluation order.
func (re *RuleEngine) Rules() []SyncRule {
	return *re.snapshot.Load()
}

// ApplicableRules evaluates change against the current snapshot.
func (re *RuleEngine) ApplicableRules(change Change) []SyncRule {
	return ApplicableRules(re.Rules(), change)
}

// Add validates and stores rule, replacing any rule with the same id.
// An empty id is filled in.
func (re *RuleEngine) Add(ctx context.Context, rule SyncRule) (SyncRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := rule.Validate(); err != nil {
		return SyncRule{}, err
	}
	rule = rule.Clone()

	re.mu.Lock()
	defer re.mu.Unlock()
	if re.store != nil {
		if err := re.store.PutRule(ctx, rule); err != nil {
			return SyncRule{}, syncErrors.WrapOpComponent(err, "rules.Add", "rules")
		}
	}
	current := re.Rules()
	next := make([]SyncRule, 0, len(current)+1)
	for _, r := range current {
		if r.ID != rule.ID {
			next = append(next, r)
		}
	}
	next = append(next, rule)
	sortRules(next)
	re.snapshot.Store(&next)
	return rule, nil
}

// Remove deletes a rule by id.
func (re *RuleEngine) Remove(ctx context.Context, id string) error {
	re.mu.Lock()
	defer re.mu.Unlock()
	current := re.Rules()
	next := make([]SyncRule, 0, len(current))
	for _, r := range current {
		if r.ID != id {
			next = append(next, r)
		}
	}
	if len(next) == len(current) {
		return syncErrors.E(syncErrors.OpConfig, syncErrors.Component("rules"), syncErrors.KindNotFound,
			"rule "+id, syncErrors.ErrNotFound)
	}
	if re.store != nil {
		if err := re.store.DeleteRule(ctx, id); err != nil && !syncErrors.Is(err, syncErrors.ErrNotFound) {
			return syncErrors.WrapOpComponent(err, "rules.Remove", "rules")
		}
	}
	re.snapshot.Store(&next)
	return nil
}
