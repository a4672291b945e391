package engine

import "sort"

// Classification is the per-row outcome of comparing local and server
// snapshots against the sync baseline.
type Classification int

const (
	// ClassUnchanged means no statement is needed for the row.
	ClassUnchanged Classification = iota
	// ClassInsertedLocal means the row exists only on the local side.
	ClassInsertedLocal
	// ClassInsertedServer means the row exists only on the server side.
	ClassInsertedServer
	// ClassUpdatedLocal means only the local side changed since baseline.
	ClassUpdatedLocal
	// ClassUpdatedServer means only the server side changed since baseline.
	ClassUpdatedServer
	// ClassConflictUpdated means both sides changed with different results.
	// A delete racing a non-delete update also lands here.
	ClassConflictUpdated
	// ClassDeletedLocal means only the local side soft-deleted the row.
	ClassDeletedLocal
	// ClassDeletedServer means only the server side soft-deleted the row.
	ClassDeletedServer
	// ClassConflictDeleted means both sides soft-deleted the row with
	// different timestamps.
	ClassConflictDeleted
)

// String names the classification for decision reasons and logs.
func (c Classification) String() string {
	switch c {
	case ClassUnchanged:
		return "unchanged"
	case ClassInsertedLocal:
		return "inserted-local"
	case ClassInsertedServer:
		return "inserted-server"
	case ClassUpdatedLocal:
		return "updated-local"
	case ClassUpdatedServer:
		return "updated-server"
	case ClassConflictUpdated:
		return "conflict-updated"
	case ClassDeletedLocal:
		return "deleted-local"
	case ClassDeletedServer:
		return "deleted-server"
	case ClassConflictDeleted:
		return "conflict-deleted"
	default:
		return "unknown"
	}
}

// IsConflict reports whether the classification counts toward conflict stats.
func (c Classification) IsConflict() bool {
	return c == ClassConflictUpdated || c == ClassConflictDeleted
}

// rowPair is the per-key view the classifier and resolver share. Local and
// server are synthesized tombstones when the key exists in the baseline but
// has been physically pruned from that side; the synthetic flags record that
// the side holds no physical row, so the resolver never aims an update or a
// soft delete at it.
type rowPair struct {
	local           Row
	server          Row
	baseline        Row
	localSynthetic  bool
	serverSynthetic bool
}

// buildPairs indexes the three snapshots and returns the union of local and
// server keys in sorted order. A key present in the baseline but missing on
// exactly one side is given an implicit tombstone carrying the baseline's
// timestamp, so a prune on one side propagates as a deletion rather than a
// resurrection.
func buildPairs(descriptor TableDescriptor, local, server, baseline []Row) (map[string]rowPair, []string, error) {
	localIndex, err := indexRows(descriptor, local)
	if err != nil {
		return nil, nil, err
	}
	serverIndex, err := indexRows(descriptor, server)
	if err != nil {
		return nil, nil, err
	}
	baselineIndex, err := indexRows(descriptor, baseline)
	if err != nil {
		return nil, nil, err
	}

	keySet := make(map[string]struct{}, len(localIndex)+len(serverIndex))
	for key := range localIndex {
		keySet[key] = struct{}{}
	}
	for key := range serverIndex {
		keySet[key] = struct{}{}
	}

	keys := make([]string, 0, len(keySet))
	pairs := make(map[string]rowPair, len(keySet))
	for key := range keySet {
		pair := rowPair{
			local:    localIndex[key],
			server:   serverIndex[key],
			baseline: baselineIndex[key],
		}
		if pair.baseline != nil {
			if pair.local == nil {
				pair.local = syntheticTombstone(descriptor, pair.baseline)
				pair.localSynthetic = true
			}
			if pair.server == nil {
				pair.server = syntheticTombstone(descriptor, pair.baseline)
				pair.serverSynthetic = true
			}
		}
		pairs[key] = pair
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return pairs, keys, nil
}

func syntheticTombstone(descriptor TableDescriptor, baseline Row) Row {
	tombstone := make(Row, len(baseline))
	for column, value := range baseline {
		tombstone[column] = value
	}
	tombstone[descriptor.DeletedColumn] = true
	return tombstone
}

// Classify compares the local and server snapshots of one table against the
// last agreed baseline and assigns a classification to every primary key in
// the union of local and server. A nil baseline means first sync: single
// sided keys are inserts, double-sided keys are compared directly by content.
func Classify(descriptor TableDescriptor, local, server, baseline []Row) (map[string]Classification, error) {
	descriptor = descriptor.normalized()
	pairs, keys, err := buildPairs(descriptor, local, server, baseline)
	if err != nil {
		return nil, err
	}

	classifications := make(map[string]Classification, len(keys))
	for _, key := range keys {
		classification, err := classifyPair(descriptor, pairs[key])
		if err != nil {
			return nil, err
		}
		classifications[key] = classification
	}
	return classifications, nil
}

func classifyPair(descriptor TableDescriptor, pair rowPair) (Classification, error) {
	if pair.local == nil && pair.server != nil {
		return ClassInsertedServer, nil
	}
	if pair.server == nil && pair.local != nil {
		return ClassInsertedLocal, nil
	}

	if equalRows(pair.local, pair.server) {
		return ClassUnchanged, nil
	}

	localDeleted := pair.local.Deleted(descriptor)
	serverDeleted := pair.server.Deleted(descriptor)
	localTime, err := pair.local.UpdatedAt(descriptor)
	if err != nil {
		return ClassUnchanged, err
	}
	serverTime, err := pair.server.UpdatedAt(descriptor)
	if err != nil {
		return ClassUnchanged, err
	}

	if pair.baseline == nil {
		// First sync: both sides hold the key with differing content.
		if localDeleted && serverDeleted {
			if localTime == serverTime {
				return ClassUnchanged, nil
			}
			return ClassConflictDeleted, nil
		}
		return ClassConflictUpdated, nil
	}

	baselineDeleted := pair.baseline.Deleted(descriptor)
	localFlipped := localDeleted && !baselineDeleted
	serverFlipped := serverDeleted && !baselineDeleted
	localChanged := !equalRows(pair.local, pair.baseline)
	serverChanged := !equalRows(pair.server, pair.baseline)

	switch {
	case localFlipped && serverFlipped:
		if localTime == serverTime {
			return ClassUnchanged, nil
		}
		return ClassConflictDeleted, nil
	case localFlipped:
		if serverChanged {
			return ClassConflictUpdated, nil
		}
		return ClassDeletedLocal, nil
	case serverFlipped:
		if localChanged {
			return ClassConflictUpdated, nil
		}
		return ClassDeletedServer, nil
	case localChanged && serverChanged:
		return ClassConflictUpdated, nil
	case localChanged:
		return ClassUpdatedLocal, nil
	case serverChanged:
		return ClassUpdatedServer, nil
	default:
		return ClassUnchanged, nil
	}
}
