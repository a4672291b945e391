package engine

import "testing"

// The test schema mirrors the smallest interesting vault: credentials
// reference folders, history references credentials and is append-only.

func testDescriptors() []TableDescriptor {
	return []TableDescriptor{
		{Name: "folders", PrimaryKey: "id"},
		{Name: "credentials", PrimaryKey: "id", ForeignKeys: map[string]string{"folder_id": "folders"}},
		{Name: "credential_history", PrimaryKey: "id", ForeignKeys: map[string]string{"credential_id": "credentials"}, Policy: MergePolicyAppendOnly},
	}
}

func mustRegistry(t *testing.T, descriptors []TableDescriptor) *Registry {
	t.Helper()
	registry, err := NewRegistry(descriptors)
	if err != nil {
		t.Fatalf("unexpected registry error: %v", err)
	}
	return registry
}

func mustDescriptor(t *testing.T, registry *Registry, name string) TableDescriptor {
	t.Helper()
	descriptor, err := registry.Descriptor(name)
	if err != nil {
		t.Fatalf("unexpected descriptor error: %v", err)
	}
	return descriptor
}

func credentialRow(id string, updatedAt int64, deleted bool, username string) Row {
	return Row{
		"id":        id,
		"UpdatedAt": updatedAt,
		"IsDeleted": deleted,
		"Username":  username,
	}
}

func folderRow(id string, updatedAt int64, deleted bool, name string) Row {
	return Row{
		"id":        id,
		"UpdatedAt": updatedAt,
		"IsDeleted": deleted,
		"Name":      name,
	}
}

func historyRow(id, credentialID string, updatedAt int64) Row {
	return Row{
		"id":            id,
		"credential_id": credentialID,
		"UpdatedAt":     updatedAt,
		"IsDeleted":     false,
	}
}

func mustClassify(t *testing.T, descriptor TableDescriptor, local, server, baseline []Row) map[string]Classification {
	t.Helper()
	classifications, err := Classify(descriptor, local, server, baseline)
	if err != nil {
		t.Fatalf("unexpected classify error: %v", err)
	}
	return classifications
}

func mustResolve(t *testing.T, descriptor TableDescriptor, local, server, baseline []Row) []Decision {
	t.Helper()
	classifications := mustClassify(t, descriptor, local, server, baseline)
	decisions, err := Resolve(descriptor, classifications, local, server, baseline)
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	return decisions
}

// applyStatements replays one side's statements against an indexed snapshot,
// enforcing the same contract as a real applier: inserts need an absent row,
// updates and soft deletes need a present one.
func applyStatements(t *testing.T, registry *Registry, snapshots map[string]map[string]Row, statements []Statement, target Side) {
	t.Helper()
	for _, statement := range statements {
		if statement.Target != target {
			continue
		}
		table := snapshots[statement.Table]
		if table == nil {
			table = make(map[string]Row)
			snapshots[statement.Table] = table
		}
		_, present := table[statement.PrimaryKey]
		switch statement.Op {
		case OpInsert:
			if present {
				t.Fatalf("insert %s/%s targets an existing row", statement.Table, statement.PrimaryKey)
			}
			table[statement.PrimaryKey] = statement.Values
		case OpUpdate, OpDelete:
			if !present {
				t.Fatalf("%s %s/%s targets a missing row", statement.Op, statement.Table, statement.PrimaryKey)
			}
			table[statement.PrimaryKey] = statement.Values
		case OpPurge:
			delete(table, statement.PrimaryKey)
		default:
			t.Fatalf("unexpected op %q", statement.Op)
		}
	}
}

func indexSnapshot(t *testing.T, descriptor TableDescriptor, rows []Row) map[string]Row {
	t.Helper()
	index, err := indexRows(descriptor.normalized(), rows)
	if err != nil {
		t.Fatalf("unexpected index error: %v", err)
	}
	return index
}
