package engine

// Statement is one atomic mutation in the merge output. Once returned the
// engine keeps no reference to it.
type Statement struct {
	Table      string
	Op         Operation
	PrimaryKey string
	// Target is the side the statement patches; empty for prune output,
	// which operates on a single database.
	Target Side
	// Values carries the full winning row for insert/update and the winning
	// tombstone for delete; nil for purge.
	Values Row
}

// Plan flattens per-table decisions into one dependency-ordered statement
// list. Inserts and updates run in registry order so parent rows exist before
// children reference them; deletes run afterwards in reverse order so
// children disappear before their parents.
func Plan(registry *Registry, decisionsByTable map[string][]Decision) []Statement {
	order := registry.Order()
	statements := make([]Statement, 0)

	for _, table := range order {
		for _, decision := range decisionsByTable[table] {
			statements = appendSideStatements(statements, decision, false)
		}
	}

	for i := len(order) - 1; i >= 0; i-- {
		for _, decision := range decisionsByTable[order[i]] {
			statements = appendSideStatements(statements, decision, true)
		}
	}

	return statements
}

func appendSideStatements(statements []Statement, decision Decision, deletePhase bool) []Statement {
	for _, side := range []Side{SideLocal, SideServer} {
		operation := decision.LocalOp
		if side == SideServer {
			operation = decision.ServerOp
		}
		if operation == opNone {
			continue
		}
		if (operation == OpDelete) != deletePhase {
			continue
		}
		statements = append(statements, Statement{
			Table:      decision.Table,
			Op:         operation,
			PrimaryKey: decision.PrimaryKey,
			Target:     side,
			Values:     decision.Winner,
		})
	}
	return statements
}
