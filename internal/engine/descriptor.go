package engine

import (
	"fmt"
	"sort"
)

// MergePolicy selects how conflicting rows of a table are reconciled.
type MergePolicy string

const (
	// MergePolicyLastWriteWins resolves conflicts by the larger update timestamp.
	MergePolicyLastWriteWins MergePolicy = "last-write-wins"
	// MergePolicyAppendOnly marks immutable event tables whose rows are only ever inserted.
	MergePolicyAppendOnly MergePolicy = "append-only"
)

const (
	defaultUpdatedAtColumn = "UpdatedAt"
	defaultDeletedColumn   = "IsDeleted"
)

// TableDescriptor is the static sync metadata for one table.
type TableDescriptor struct {
	// Name is the table name as it appears in snapshots and statements.
	Name string
	// PrimaryKey is the primary key column name.
	PrimaryKey string
	// ForeignKeys maps foreign-key column names to the referenced table name.
	// Only references between syncable tables matter for ordering.
	ForeignKeys map[string]string
	// Policy selects the merge policy; zero value means last-write-wins.
	Policy MergePolicy
	// UpdatedAtColumn overrides the update timestamp column name.
	UpdatedAtColumn string
	// DeletedColumn overrides the tombstone flag column name.
	DeletedColumn string
}

func (d TableDescriptor) normalized() TableDescriptor {
	if d.Policy == "" {
		d.Policy = MergePolicyLastWriteWins
	}
	if d.UpdatedAtColumn == "" {
		d.UpdatedAtColumn = defaultUpdatedAtColumn
	}
	if d.DeletedColumn == "" {
		d.DeletedColumn = defaultDeletedColumn
	}
	return d
}

// Registry holds the descriptor set for a vault schema together with the
// cached dependency order. It is computed once at startup and shared across
// merge calls; it is immutable after construction.
type Registry struct {
	descriptors map[string]TableDescriptor
	order       []string
}

// NewRegistry validates the descriptor set and computes the topological
// order (referenced tables before referencing tables). Foreign keys pointing
// outside the set and dependency cycles are construction errors.
func NewRegistry(descriptors []TableDescriptor) (*Registry, error) {
	byName := make(map[string]TableDescriptor, len(descriptors))
	for _, descriptor := range descriptors {
		if descriptor.Name == "" || descriptor.PrimaryKey == "" {
			return nil, fmt.Errorf("%w: descriptor needs name and primary key", ErrMalformedRow)
		}
		if _, exists := byName[descriptor.Name]; exists {
			return nil, fmt.Errorf("engine: duplicate table descriptor %s", descriptor.Name)
		}
		byName[descriptor.Name] = descriptor.normalized()
	}

	for _, descriptor := range byName {
		for column, referenced := range descriptor.ForeignKeys {
			if _, exists := byName[referenced]; !exists {
				return nil, fmt.Errorf("%w: %s.%s references %s", ErrUnknownReference, descriptor.Name, column, referenced)
			}
		}
	}

	order, err := dependencyOrder(byName)
	if err != nil {
		return nil, err
	}

	return &Registry{descriptors: byName, order: order}, nil
}

// Descriptor returns the descriptor for the named table.
func (r *Registry) Descriptor(name string) (TableDescriptor, error) {
	descriptor, exists := r.descriptors[name]
	if !exists {
		return TableDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return descriptor, nil
}

// Order returns the table names in dependency order, referenced tables
// first. The returned slice must not be modified.
func (r *Registry) Order() []string {
	return r.order
}

// dependencyOrder runs Kahn's algorithm over the foreign-key graph. The
// ready set is drained in name order so the result is deterministic for a
// given schema regardless of map iteration.
func dependencyOrder(descriptors map[string]TableDescriptor) ([]string, error) {
	pending := make(map[string]int, len(descriptors))
	dependents := make(map[string][]string, len(descriptors))
	for name, descriptor := range descriptors {
		if _, exists := pending[name]; !exists {
			pending[name] = 0
		}
		for _, referenced := range descriptor.ForeignKeys {
			if referenced == name {
				return nil, fmt.Errorf("%w: %s references itself", ErrDependencyCycle, name)
			}
			pending[name]++
			dependents[referenced] = append(dependents[referenced], name)
		}
	}

	ready := make([]string, 0, len(pending))
	for name, count := range pending {
		if count == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(descriptors))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		released := make([]string, 0, len(dependents[name]))
		for _, dependent := range dependents[name] {
			pending[dependent]--
			if pending[dependent] == 0 {
				released = append(released, dependent)
			}
		}
		sort.Strings(released)
		ready = mergeSorted(ready, released)
	}

	if len(order) != len(descriptors) {
		remaining := make([]string, 0)
		for name := range descriptors {
			if pending[name] > 0 {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		return nil, fmt.Errorf("%w: %v", ErrDependencyCycle, remaining)
	}

	return order, nil
}

func mergeSorted(left, right []string) []string {
	merged := make([]string, 0, len(left)+len(right))
	i, j := 0, 0
	for i < len(left) && j < len(right) {
		if left[i] <= right[j] {
			merged = append(merged, left[i])
			i++
		} else {
			merged = append(merged, right[j])
			j++
		}
	}
	merged = append(merged, left[i:]...)
	merged = append(merged, right[j:]...)
	return merged
}
