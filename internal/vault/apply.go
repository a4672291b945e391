package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/lockbox/internal/engine"
	"gorm.io/gorm"
)

// loadTable reads one syncable table into engine rows. Column values are
// normalized so a row read from SQLite compares equal to the same row decoded
// from client JSON: blobs become strings, the tombstone flag becomes a real
// bool and the update timestamp becomes an int64.
func (s *Service) loadTable(ctx context.Context, name string) ([]engine.Row, error) {
	descriptor, err := s.registry.Descriptor(name)
	if err != nil {
		return nil, err
	}

	var raw []map[string]any
	if err := s.db.WithContext(ctx).Table(name).Find(&raw).Error; err != nil {
		return nil, fmt.Errorf("load table %s: %w", name, err)
	}

	rows := make([]engine.Row, 0, len(raw))
	for _, columns := range raw {
		rows = append(rows, normalizeRow(descriptor, columns))
	}
	return rows, nil
}

func normalizeRow(descriptor engine.TableDescriptor, columns map[string]any) engine.Row {
	row := make(engine.Row, len(columns))
	for column, value := range columns {
		if blob, ok := value.([]byte); ok {
			value = string(blob)
		}
		row[column] = value
	}

	row[descriptor.DeletedColumn] = row.Deleted(descriptor)
	if updatedAt, err := row.UpdatedAt(descriptor); err == nil {
		row[descriptor.UpdatedAtColumn] = updatedAt
	}
	return row
}

// applyStatements replays engine statements against the server vault inside
// the caller's transaction. Statement order is the engine's dependency order
// and must not be changed here.
func (s *Service) applyStatements(tx *gorm.DB, statements []engine.Statement) error {
	for _, statement := range statements {
		descriptor, err := s.registry.Descriptor(statement.Table)
		if err != nil {
			return err
		}

		switch statement.Op {
		case engine.OpInsert:
			if err := tx.Table(statement.Table).Create(map[string]any(statement.Values)).Error; err != nil {
				return fmt.Errorf("insert %s/%s: %w", statement.Table, statement.PrimaryKey, err)
			}
		case engine.OpUpdate, engine.OpDelete:
			result := tx.Table(statement.Table).
				Where(fmt.Sprintf("%s = ?", descriptor.PrimaryKey), statement.PrimaryKey).
				Updates(map[string]any(statement.Values))
			if result.Error != nil {
				return fmt.Errorf("update %s/%s: %w", statement.Table, statement.PrimaryKey, result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("update %s/%s: %w", statement.Table, statement.PrimaryKey, errRowVanished)
			}
		case engine.OpPurge:
			query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", statement.Table, descriptor.PrimaryKey)
			if err := tx.Exec(query, statement.PrimaryKey).Error; err != nil {
				return fmt.Errorf("purge %s/%s: %w", statement.Table, statement.PrimaryKey, err)
			}
		default:
			return fmt.Errorf("apply %s/%s: unsupported op %q", statement.Table, statement.PrimaryKey, statement.Op)
		}
	}
	return nil
}

var errRowVanished = errors.New("row disappeared between snapshot and apply")

// syncState loads the single bookkeeping row, creating it lazily so older
// databases migrate transparently.
func (s *Service) syncState(tx *gorm.DB) (SyncState, error) {
	var state SyncState
	err := tx.Where("id = ?", 1).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = SyncState{ID: 1}
		if err := tx.Create(&state).Error; err != nil {
			return SyncState{}, fmt.Errorf("seed sync state: %w", err)
		}
		return state, nil
	}
	if err != nil {
		return SyncState{}, fmt.Errorf("load sync state: %w", err)
	}
	return state, nil
}

// markDirty flags the vault as mid-merge before statements are applied. The
// successful revision bump clears it; a failed apply leaves it set so the
// next sync attempt is visibly pending.
func (s *Service) markDirty(tx *gorm.DB) error {
	state, err := s.syncState(tx)
	if err != nil {
		return err
	}
	if state.Dirty {
		return nil
	}
	state.Dirty = true
	state.UpdatedAtSeconds = s.clock().UTC().Unix()
	if err := tx.Save(&state).Error; err != nil {
		return fmt.Errorf("mark sync state dirty: %w", err)
	}
	return nil
}

func (s *Service) bumpRevision(tx *gorm.DB) (int64, error) {
	state, err := s.syncState(tx)
	if err != nil {
		return 0, err
	}

	state.Revision++
	state.Dirty = false
	state.UpdatedAtSeconds = s.clock().UTC().Unix()
	if err := tx.Save(&state).Error; err != nil {
		return 0, fmt.Errorf("save sync state: %w", err)
	}
	return state.Revision, nil
}
