package engine

import (
	"bytes"
	"fmt"
)

// Operation is one mutation kind in the engine's output.
type Operation string

const (
	// OpInsert inserts a full row on the target side.
	OpInsert Operation = "insert"
	// OpUpdate replaces a row's columns on the target side.
	OpUpdate Operation = "update"
	// OpDelete propagates a soft delete; values carry the winning tombstone
	// so the target ends up byte-identical to the winner.
	OpDelete Operation = "delete"
	// OpPurge physically removes an expired tombstone. Only the retention
	// pruner emits this.
	OpPurge Operation = "purge"
	// opNone marks a side that already matches the winner.
	opNone Operation = ""
)

// Side addresses which copy of the vault a statement patches.
type Side string

const (
	// SideLocal targets the vault copy held by the caller.
	SideLocal Side = "local"
	// SideServer targets the remote vault copy.
	SideServer Side = "server"
)

// Decision is the resolved outcome for one classified row. It is produced by
// Resolve, consumed by Plan, and not retained afterwards.
type Decision struct {
	Table          string
	PrimaryKey     string
	Classification Classification
	// Winner is the materialized merged row. For deletions it is the
	// winning tombstone.
	Winner Row
	// Deleted reports whether the winner is a tombstone.
	Deleted bool
	// LocalOp and ServerOp are the statements each side needs to reach the
	// winner; empty when the side already matches.
	LocalOp  Operation
	ServerOp Operation
	Reason   string
}

// Resolve applies the table's merge policy to every non-unchanged
// classification and materializes one decision per row, ordered by primary
// key for determinism.
func Resolve(descriptor TableDescriptor, classifications map[string]Classification, local, server, baseline []Row) ([]Decision, error) {
	descriptor = descriptor.normalized()
	pairs, keys, err := buildPairs(descriptor, local, server, baseline)
	if err != nil {
		return nil, err
	}

	decisions := make([]Decision, 0, len(classifications))
	for _, key := range keys {
		classification, known := classifications[key]
		if !known || classification == ClassUnchanged {
			continue
		}

		decision, err := resolvePair(descriptor, key, classification, pairs[key])
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, decision)
	}
	return decisions, nil
}

func resolvePair(descriptor TableDescriptor, key string, classification Classification, pair rowPair) (Decision, error) {
	decision := Decision{
		Table:          descriptor.Name,
		PrimaryKey:     key,
		Classification: classification,
	}

	switch classification {
	case ClassInsertedLocal:
		decision.Winner = pair.local
		decision.Reason = "inserted locally; missing on server"
	case ClassInsertedServer:
		decision.Winner = pair.server
		decision.Reason = "inserted on server; missing locally"
	case ClassUpdatedLocal:
		decision.Winner = pair.local
		decision.Reason = "updated locally only"
	case ClassUpdatedServer:
		decision.Winner = pair.server
		decision.Reason = "updated on server only"
	case ClassDeletedLocal:
		decision.Winner = pair.local
		decision.Reason = "deleted locally; propagating tombstone"
	case ClassDeletedServer:
		decision.Winner = pair.server
		decision.Reason = "deleted on server; propagating tombstone"
	case ClassConflictDeleted:
		winner, reason, err := pickWinner(descriptor, pair)
		if err != nil {
			return Decision{}, err
		}
		decision.Winner = winner
		decision.Reason = "both sides deleted; " + reason
	case ClassConflictUpdated:
		winner, reason, err := pickWinner(descriptor, pair)
		if err != nil {
			return Decision{}, err
		}
		decision.Winner = winner
		decision.Reason = reason
	default:
		return Decision{}, fmt.Errorf("engine: unexpected classification %s for table %s key %s", classification, descriptor.Name, key)
	}

	if descriptor.Policy == MergePolicyAppendOnly {
		switch classification {
		case ClassInsertedLocal, ClassInsertedServer:
			// Expected: append-only rows only ever appear.
		default:
			decision.Reason = "unexpected mutation of append-only row; " + decision.Reason
		}
	}

	decision.Deleted = decision.Winner.Deleted(descriptor)
	decision.LocalOp = sideOperation(pair.local, pair.localSynthetic, decision)
	decision.ServerOp = sideOperation(pair.server, pair.serverSynthetic, decision)
	return decision, nil
}

// pickWinner runs last-write-wins over the two sides. Ties favor a deletion
// over a non-delete update; a tie between two non-delete updates is broken by
// comparing the canonical encodings so both sides elect the same winner no
// matter which one runs the merge.
func pickWinner(descriptor TableDescriptor, pair rowPair) (Row, string, error) {
	localTime, err := pair.local.UpdatedAt(descriptor)
	if err != nil {
		return nil, "", err
	}
	serverTime, err := pair.server.UpdatedAt(descriptor)
	if err != nil {
		return nil, "", err
	}

	switch {
	case localTime > serverTime:
		return pair.local, "local write is newer", nil
	case serverTime > localTime:
		return pair.server, "server write is newer", nil
	}

	localDeleted := pair.local.Deleted(descriptor)
	serverDeleted := pair.server.Deleted(descriptor)
	if localDeleted != serverDeleted {
		if localDeleted {
			return pair.local, "delete wins timestamp tie", nil
		}
		return pair.server, "delete wins timestamp tie", nil
	}

	localEncoded, err := canonicalEncoding(pair.local)
	if err != nil {
		return nil, "", fmt.Errorf("engine: encode row for tie-break: %w", err)
	}
	serverEncoded, err := canonicalEncoding(pair.server)
	if err != nil {
		return nil, "", fmt.Errorf("engine: encode row for tie-break: %w", err)
	}
	if bytes.Compare(localEncoded, serverEncoded) <= 0 {
		return pair.local, "timestamp tie broken by content order", nil
	}
	return pair.server, "timestamp tie broken by content order", nil
}

// sideOperation decides what the given side needs to reach the winner. A
// synthetic side holds no physical row, so a non-delete winner must be
// inserted there, and a winning tombstone needs no statement at all: physical
// absence already satisfies it.
func sideOperation(current Row, synthetic bool, decision Decision) Operation {
	if equalRows(current, decision.Winner) {
		return opNone
	}
	switch {
	case current == nil:
		return OpInsert
	case synthetic:
		if decision.Deleted {
			return opNone
		}
		return OpInsert
	case decision.Deleted:
		return OpDelete
	default:
		return OpUpdate
	}
}
