package engine

import (
	"fmt"
	"sort"
)

// SnapshotInput is one table's rows from a single vault copy, used by the
// retention pruner.
type SnapshotInput struct {
	Name string
	Rows []Row
}

// PruneOutput mirrors Output for retention pruning; Stats counts purged rows
// per table.
type PruneOutput struct {
	Success    bool
	Error      string
	Statements []Statement
	Stats      map[string]int
}

// PruneExpired walks soft-deleted rows and emits a purge statement for every
// tombstone strictly older than the retention window. A tombstone aged
// exactly the window is kept. Tables are processed children before parents so
// replaying the statements never violates a foreign key.
func PruneExpired(registry *Registry, tables []SnapshotInput, retentionSeconds int64, now int64) PruneOutput {
	byName := make(map[string]SnapshotInput, len(tables))
	for _, table := range tables {
		if _, err := registry.Descriptor(table.Name); err != nil {
			return failedPruneOutput(err)
		}
		if _, duplicate := byName[table.Name]; duplicate {
			return failedPruneOutput(fmt.Errorf("engine: table %s supplied twice", table.Name))
		}
		byName[table.Name] = table
	}

	statements := make([]Statement, 0)
	stats := make(map[string]int, len(tables))

	order := registry.Order()
	for i := len(order) - 1; i >= 0; i-- {
		table, present := byName[order[i]]
		if !present {
			continue
		}
		descriptor, err := registry.Descriptor(table.Name)
		if err != nil {
			return failedPruneOutput(err)
		}

		expired, err := expiredKeys(descriptor, table.Rows, retentionSeconds, now)
		if err != nil {
			return failedPruneOutput(err)
		}
		for _, key := range expired {
			statements = append(statements, Statement{
				Table:      table.Name,
				Op:         OpPurge,
				PrimaryKey: key,
			})
		}
		stats[table.Name] = len(expired)
	}

	for name := range byName {
		if _, present := stats[name]; !present {
			stats[name] = 0
		}
	}

	return PruneOutput{
		Success:    true,
		Statements: statements,
		Stats:      stats,
	}
}

func expiredKeys(descriptor TableDescriptor, rows []Row, retentionSeconds, now int64) ([]string, error) {
	index, err := indexRows(descriptor, rows)
	if err != nil {
		return nil, err
	}

	expired := make([]string, 0)
	for key, row := range index {
		if !row.Deleted(descriptor) {
			continue
		}
		updatedAt, err := row.UpdatedAt(descriptor)
		if err != nil {
			return nil, err
		}
		if now-updatedAt > retentionSeconds {
			expired = append(expired, key)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

func failedPruneOutput(err error) PruneOutput {
	return PruneOutput{
		Success:    false,
		Error:      err.Error(),
		Statements: []Statement{},
		Stats:      map[string]int{},
	}
}
