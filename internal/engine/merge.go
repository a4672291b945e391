// Package engine implements the vault synchronization and conflict
// resolution core: a pure computation that takes two divergent copies of the
// same relational vault plus the last agreed baseline and produces the
// dependency-ordered mutation statements that reconcile both sides.
//
// The engine holds no state, performs no I/O and never touches a database;
// callers read snapshots, execute the returned statements inside their own
// transaction and ship the remote-targeted statements to the other side.
// Identical inputs always produce byte-identical outputs so the engine
// behaves the same from every host boundary.
package engine

import (
	"fmt"
	"sync"
)

// TableInput is one table's worth of merge input. A nil Baseline means no
// prior sync baseline exists for the table.
type TableInput struct {
	Name     string
	Local    []Row
	Server   []Row
	Baseline []Row
}

// TableStats counts the work done for one table. Inserted, Updated and
// Deleted count emitted statements across both targets; Conflicts counts
// conflicting classifications regardless of how many statements they need.
type TableStats struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Conflicts int `json:"conflicts"`
}

// Output is the sole return contract of a merge. On failure Error is set and
// Statements is empty; a partially merged vault is never returned.
type Output struct {
	Success    bool
	Error      string
	Statements []Statement
	Stats      map[string]TableStats
}

type tableResult struct {
	decisions []Decision
	conflicts int
}

// MergeVaults drives the table-by-table merge across the schema.
// Classification and resolution of independent tables fan out to one
// goroutine per table; results are aggregated by table name before the
// single-threaded planning phase, so the output is deterministic.
func MergeVaults(registry *Registry, tables []TableInput) Output {
	results := make(map[string]tableResult, len(tables))
	seen := make(map[string]struct{}, len(tables))

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)

	for _, table := range tables {
		descriptor, err := registry.Descriptor(table.Name)
		if err != nil {
			return failedOutput(err)
		}
		if _, duplicate := seen[table.Name]; duplicate {
			return failedOutput(fmt.Errorf("engine: table %s supplied twice", table.Name))
		}
		seen[table.Name] = struct{}{}

		wg.Add(1)
		go func(descriptor TableDescriptor, input TableInput) {
			defer wg.Done()
			result, err := mergeTable(descriptor, input)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			results[input.Name] = result
		}(descriptor, table)
	}
	wg.Wait()

	if firstErr != nil {
		return failedOutput(firstErr)
	}

	stats := make(map[string]TableStats, len(tables))
	decisionsByTable := make(map[string][]Decision, len(results))
	for name, result := range results {
		decisionsByTable[name] = result.decisions
		stats[name] = TableStats{Conflicts: result.conflicts}
	}
	for name := range seen {
		if _, present := stats[name]; !present {
			stats[name] = TableStats{}
		}
	}

	statements := Plan(registry, decisionsByTable)
	for _, statement := range statements {
		entry := stats[statement.Table]
		switch statement.Op {
		case OpInsert:
			entry.Inserted++
		case OpUpdate:
			entry.Updated++
		case OpDelete:
			entry.Deleted++
		}
		stats[statement.Table] = entry
	}

	return Output{
		Success:    true,
		Statements: statements,
		Stats:      stats,
	}
}

func mergeTable(descriptor TableDescriptor, input TableInput) (tableResult, error) {
	classifications, err := Classify(descriptor, input.Local, input.Server, input.Baseline)
	if err != nil {
		return tableResult{}, fmt.Errorf("classify %s: %w", descriptor.Name, err)
	}

	decisions, err := Resolve(descriptor, classifications, input.Local, input.Server, input.Baseline)
	if err != nil {
		return tableResult{}, fmt.Errorf("resolve %s: %w", descriptor.Name, err)
	}

	conflicts := 0
	for _, classification := range classifications {
		if classification.IsConflict() {
			conflicts++
		}
	}

	return tableResult{decisions: decisions, conflicts: conflicts}, nil
}

func failedOutput(err error) Output {
	return Output{
		Success:    false,
		Error:      err.Error(),
		Statements: []Statement{},
		Stats:      map[string]TableStats{},
	}
}
