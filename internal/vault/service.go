package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/lockbox/internal/engine"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMergeRejected     = errors.New("merge engine rejected the snapshots")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "vault.service.new"
	opSnapshot   = "vault.snapshot"
	opMerge      = "vault.merge"
	opSync       = "vault.sync"
	opPrune      = "vault.prune"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for sync operations.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig wires the service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns the server-side vault copy: it loads snapshots, invokes the
// merge engine and applies the resulting statements transactionally.
// Concurrent syncs against the same vault are serialized by the service, as
// the engine itself is a pure function and expects the caller to do so.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	registry   *engine.Registry

	syncMu sync.Mutex
}

// NewService validates the configuration and builds the vault service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	registry, err := NewRegistry()
	if err != nil {
		return nil, newServiceError(opServiceNew, "invalid_schema", err)
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		registry:   registry,
	}, nil
}

// Registry exposes the vault schema registry for stateless engine calls.
func (s *Service) Registry() *engine.Registry {
	return s.registry
}

// Merge runs the pure merge engine over caller-supplied snapshots. No vault
// state is read or written; this is the host adapter for callers that manage
// their own storage.
func (s *Service) Merge(ctx context.Context, request engine.MergeRequest) engine.MergeResponse {
	_ = ctx
	response := engine.HandleMerge(s.registry, request)
	if !response.Success && response.Error != nil {
		s.logger.Warn("merge rejected",
			zap.String("operation", opMerge),
			zap.String("reason", *response.Error))
		return response
	}

	s.logger.Info("merge computed",
		zap.String("operation", opMerge),
		zap.Int("statements", len(response.Statements)),
		zap.Int("tables", len(response.Stats)))
	return response
}

// ClientTable is one table's worth of rows uploaded by a syncing client,
// together with the baseline both sides last agreed on.
type ClientTable struct {
	Name     string
	Rows     []engine.Row
	Baseline []engine.Row
}

// SyncResult is the outcome of a stateful sync: the statements the client
// must apply to its own copy, per-table stats, and the vault revision after
// the server applied its share.
type SyncResult struct {
	OperationID string
	Statements  []engine.Statement
	Stats       map[string]engine.TableStats
	Revision    int64
}

// Sync merges the uploaded client snapshots against the server vault,
// applies the server-targeted statements in one transaction, bumps the
// revision counter and returns the client-targeted statements. From the
// engine's perspective the server vault is the "local" side and the client
// upload is the "server" side.
func (s *Service) Sync(ctx context.Context, tables []ClientTable) (SyncResult, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	operationID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSync, "id_generation_failed", err)
		return SyncResult{}, newServiceError(opSync, "id_generation_failed", err)
	}

	inputs := make([]engine.TableInput, 0, len(tables))
	for _, table := range tables {
		ownRows, err := s.loadTable(ctx, table.Name)
		if err != nil {
			s.logError(opSync, "snapshot_failed", err, zap.String("table", table.Name))
			return SyncResult{}, newServiceError(opSync, "snapshot_failed", err)
		}
		inputs = append(inputs, engine.TableInput{
			Name:     table.Name,
			Local:    ownRows,
			Server:   table.Rows,
			Baseline: table.Baseline,
		})
	}

	output := engine.MergeVaults(s.registry, inputs)
	if !output.Success {
		mergeErr := fmt.Errorf("%w: %s", errMergeRejected, output.Error)
		s.logError(opSync, "merge_failed", mergeErr, zap.String("sync_op_id", operationID))
		return SyncResult{}, newServiceError(opSync, "merge_failed", mergeErr)
	}

	ownStatements := make([]engine.Statement, 0, len(output.Statements))
	clientStatements := make([]engine.Statement, 0, len(output.Statements))
	for _, statement := range output.Statements {
		if statement.Target == engine.SideLocal {
			ownStatements = append(ownStatements, statement)
		} else {
			clientStatements = append(clientStatements, statement)
		}
	}

	if err := s.markDirty(s.db.WithContext(ctx)); err != nil {
		s.logError(opSync, "state_failed", err, zap.String("sync_op_id", operationID))
		return SyncResult{}, newServiceError(opSync, "state_failed", err)
	}

	var revision int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.applyStatements(tx, ownStatements); err != nil {
			return err
		}
		next, err := s.bumpRevision(tx)
		if err != nil {
			return err
		}
		revision = next
		return nil
	})
	if txErr != nil {
		s.logError(opSync, "apply_failed", txErr, zap.String("sync_op_id", operationID))
		return SyncResult{}, newServiceError(opSync, "apply_failed", txErr)
	}

	s.logger.Info("vault synced",
		zap.String("operation", opSync),
		zap.String("sync_op_id", operationID),
		zap.Int64("revision", revision),
		zap.Int("applied_statements", len(ownStatements)),
		zap.Int("client_statements", len(clientStatements)))

	return SyncResult{
		OperationID: operationID,
		Statements:  clientStatements,
		Stats:       output.Stats,
		Revision:    revision,
	}, nil
}

// Snapshot loads every syncable table as engine rows plus the current
// revision. Clients call this to seed a fresh device.
func (s *Service) Snapshot(ctx context.Context) (map[string][]engine.Row, int64, error) {
	snapshot := make(map[string][]engine.Row, len(s.registry.Order()))
	for _, name := range s.registry.Order() {
		rows, err := s.loadTable(ctx, name)
		if err != nil {
			s.logError(opSnapshot, "query_failed", err, zap.String("table", name))
			return nil, 0, newServiceError(opSnapshot, "query_failed", err)
		}
		snapshot[name] = rows
	}

	state, err := s.syncState(s.db.WithContext(ctx))
	if err != nil {
		s.logError(opSnapshot, "state_failed", err)
		return nil, 0, newServiceError(opSnapshot, "state_failed", err)
	}

	return snapshot, state.Revision, nil
}

// PruneResult reports rows physically removed per table.
type PruneResult struct {
	Stats map[string]int
}

// Prune hard-deletes tombstones older than the retention window from the
// server vault, children before parents, inside one transaction.
func (s *Service) Prune(ctx context.Context, retentionSeconds int64) (PruneResult, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	snapshots := make([]engine.SnapshotInput, 0, len(s.registry.Order()))
	for _, name := range s.registry.Order() {
		rows, err := s.loadTable(ctx, name)
		if err != nil {
			s.logError(opPrune, "snapshot_failed", err, zap.String("table", name))
			return PruneResult{}, newServiceError(opPrune, "snapshot_failed", err)
		}
		snapshots = append(snapshots, engine.SnapshotInput{Name: name, Rows: rows})
	}

	output := engine.PruneExpired(s.registry, snapshots, retentionSeconds, s.clock().UTC().Unix())
	if !output.Success {
		pruneErr := fmt.Errorf("%w: %s", errMergeRejected, output.Error)
		s.logError(opPrune, "prune_failed", pruneErr)
		return PruneResult{}, newServiceError(opPrune, "prune_failed", pruneErr)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.applyStatements(tx, output.Statements)
	})
	if txErr != nil {
		s.logError(opPrune, "apply_failed", txErr)
		return PruneResult{}, newServiceError(opPrune, "apply_failed", txErr)
	}

	total := 0
	for _, count := range output.Stats {
		total += count
	}
	s.logger.Info("vault pruned",
		zap.String("operation", opPrune),
		zap.Int64("retention_s", retentionSeconds),
		zap.Int("rows_purged", total))

	return PruneResult{Stats: output.Stats}, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("vault service error", attrs...)
}
