package engine

import (
	"fmt"
	"sort"
)

// The request and response shapes below are the engine's host-neutral call
// surface. Every host boundary (HTTP, WASM, native bindings) speaks exactly
// this contract, which is why the engine behaves identically in all of them.

// MergeRequestTable is one table's snapshots in a merge request. Baseline is
// null on first sync.
type MergeRequestTable struct {
	Name       string `json:"name"`
	PrimaryKey string `json:"primaryKey"`
	Local      []Row  `json:"local"`
	Server     []Row  `json:"server"`
	Baseline   []Row  `json:"baseline"`
}

// MergeRequest is the external merge call surface.
type MergeRequest struct {
	Tables []MergeRequestTable `json:"tables"`
}

// StatementPayload is the wire form of a Statement.
type StatementPayload struct {
	Table  string `json:"table"`
	Op     string `json:"op"`
	PK     string `json:"pk"`
	Target string `json:"target,omitempty"`
	Values Row    `json:"values"`
}

// MergeResponse is the external merge return contract.
type MergeResponse struct {
	Success    bool                  `json:"success"`
	Error      *string               `json:"error"`
	Statements []StatementPayload    `json:"statements"`
	Stats      map[string]TableStats `json:"stats"`
}

// PruneRequestTable is one table's snapshot in a prune request.
type PruneRequestTable struct {
	Name       string `json:"name"`
	PrimaryKey string `json:"primaryKey"`
	Rows       []Row  `json:"rows"`
}

// PruneRequest is the external prune call surface. Now is unix seconds;
// a zero value is rejected so hosts cannot accidentally prune everything.
type PruneRequest struct {
	Tables           []PruneRequestTable `json:"tables"`
	RetentionSeconds int64               `json:"retentionSeconds"`
	Now              int64               `json:"now"`
}

// PruneResponse is the external prune return contract.
type PruneResponse struct {
	Success    bool               `json:"success"`
	Error      *string            `json:"error"`
	Statements []StatementPayload `json:"statements"`
	Stats      map[string]int     `json:"stats"`
}

// HandleMerge validates a merge request against the registry and runs the
// merge. Validation failures surface in the response rather than as Go
// errors so every host reports them the same way.
func HandleMerge(registry *Registry, request MergeRequest) MergeResponse {
	inputs := make([]TableInput, 0, len(request.Tables))
	for _, table := range request.Tables {
		descriptor, err := registry.Descriptor(table.Name)
		if err != nil {
			return mergeFailure(err)
		}
		if table.PrimaryKey != "" && table.PrimaryKey != descriptor.PrimaryKey {
			return mergeFailure(fmt.Errorf("%w: table %s declares primary key %s, schema uses %s",
				ErrMalformedRow, table.Name, table.PrimaryKey, descriptor.PrimaryKey))
		}
		inputs = append(inputs, TableInput{
			Name:     table.Name,
			Local:    table.Local,
			Server:   table.Server,
			Baseline: table.Baseline,
		})
	}

	output := MergeVaults(registry, inputs)
	response := MergeResponse{
		Success:    output.Success,
		Statements: statementPayloads(output.Statements),
		Stats:      output.Stats,
	}
	if output.Error != "" {
		message := output.Error
		response.Error = &message
	}
	return response
}

// HandlePrune validates a prune request against the registry and runs the
// retention pruner.
func HandlePrune(registry *Registry, request PruneRequest) PruneResponse {
	if request.RetentionSeconds <= 0 {
		return pruneFailure(fmt.Errorf("engine: retention window must be positive, got %d", request.RetentionSeconds))
	}
	if request.Now <= 0 {
		return pruneFailure(fmt.Errorf("engine: prune request needs a positive now timestamp"))
	}

	inputs := make([]SnapshotInput, 0, len(request.Tables))
	for _, table := range request.Tables {
		descriptor, err := registry.Descriptor(table.Name)
		if err != nil {
			return pruneFailure(err)
		}
		if table.PrimaryKey != "" && table.PrimaryKey != descriptor.PrimaryKey {
			return pruneFailure(fmt.Errorf("%w: table %s declares primary key %s, schema uses %s",
				ErrMalformedRow, table.Name, table.PrimaryKey, descriptor.PrimaryKey))
		}
		inputs = append(inputs, SnapshotInput{Name: table.Name, Rows: table.Rows})
	}

	output := PruneExpired(registry, inputs, request.RetentionSeconds, request.Now)
	response := PruneResponse{
		Success:    output.Success,
		Statements: statementPayloads(output.Statements),
		Stats:      output.Stats,
	}
	if output.Error != "" {
		message := output.Error
		response.Error = &message
	}
	return response
}

func statementPayloads(statements []Statement) []StatementPayload {
	payloads := make([]StatementPayload, 0, len(statements))
	for _, statement := range statements {
		payloads = append(payloads, StatementPayload{
			Table:  statement.Table,
			Op:     string(statement.Op),
			PK:     statement.PrimaryKey,
			Target: string(statement.Target),
			Values: statement.Values,
		})
	}
	return payloads
}

// SortedTableNames is a small helper for hosts that log per-table stats in a
// stable order.
func SortedTableNames[V any](stats map[string]V) []string {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func mergeFailure(err error) MergeResponse {
	message := err.Error()
	return MergeResponse{
		Success:    false,
		Error:      &message,
		Statements: []StatementPayload{},
		Stats:      map[string]TableStats{},
	}
}

func pruneFailure(err error) PruneResponse {
	message := err.Error()
	return PruneResponse{
		Success:    false,
		Error:      &message,
		Statements: []StatementPayload{},
		Stats:      map[string]int{},
	}
}
