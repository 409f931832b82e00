package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/conductor/internal/core/checkpoint"
	"github.com/artpar/conductor/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sqlx.DB
	cfg settings
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string, opts ...Option) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// One connection serializes writers, which keeps version assignment
	// race-free and lets ":memory:" databases survive across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db, cfg: newSettings(opts)}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Checkpoint Operations
// =============================================================================

// checkpointRow represents a checkpoint row in the database.
type checkpointRow struct {
	ExecutionID string `db:"execution_id"`
	Phase       string `db:"phase"`
	Version     int64  `db:"version"`
	Payload     []byte `db:"payload"`
	Checksum    string `db:"checksum"`
	CreatedAt   string `db:"created_at"`
}

// SaveCheckpoint assigns the next version inside a transaction.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, executionID string, phase domain.Phase, payload []byte) (checkpoint.Checkpoint, error) {
	var saved checkpoint.Checkpoint
	err := s.WithTx(ctx, func(tx Store) error {
		var err error
		saved, err = tx.SaveCheckpoint(ctx, executionID, phase, payload)
		return err
	})
	return saved, err
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, executionID string, phase domain.Phase) (*checkpoint.Checkpoint, error) {
	return loadCheckpoint(ctx, s.db, s.cfg, executionID, phase)
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, executionID string) ([]checkpoint.Checkpoint, error) {
	return listCheckpoints(ctx, s.db, executionID)
}

// =============================================================================
// Execution Operations
// =============================================================================

// executionRow represents an execution row in the database.
type executionRow struct {
	ID              string  `db:"id"`
	Service         string  `db:"service"`
	Environment     string  `db:"environment"`
	Address         string  `db:"address"`
	Profile         string  `db:"profile"`
	Status          string  `db:"status"`
	CurrentPhase    string  `db:"current_phase"`
	ContinueOnError bool    `db:"continue_on_error"`
	Results         string  `db:"results"`
	FailureReason   string  `db:"failure_reason"`
	Rollback        *string `db:"rollback"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
}

func (s *SQLiteStore) SaveExecution(ctx context.Context, e *domain.DeploymentExecution) error {
	return saveExecution(ctx, s.db, e)
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*domain.DeploymentExecution, error) {
	return getExecution(ctx, s.db, id)
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, opts ListOptions) ([]domain.DeploymentExecution, error) {
	return listExecutions(ctx, s.db, opts)
}

// =============================================================================
// Audit Operations
// =============================================================================

// auditRow represents an audit_events row in the database.
type auditRow struct {
	ID          string  `db:"id"`
	ExecutionID string  `db:"execution_id"`
	Phase       string  `db:"phase"`
	Capability  string  `db:"capability"`
	Status      string  `db:"status"`
	TimestampMs int64   `db:"timestamp_ms"`
	DurationMs  int64   `db:"duration_ms"`
	Message     string  `db:"message"`
	ReportedAt  *string `db:"reported_at"`
}

func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, e *domain.AuditEvent) error {
	return appendAuditEvent(ctx, s.db, e)
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, executionID string) ([]domain.AuditEvent, error) {
	return listAuditEvents(ctx, s.db, executionID)
}

func (s *SQLiteStore) GetUnreportedAuditEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	return getUnreportedAuditEvents(ctx, s.db, limit)
}

func (s *SQLiteStore) MarkAuditEventsReported(ctx context.Context, ids []string, reportedAt time.Time) error {
	return markAuditEventsReported(ctx, s.db, ids, reportedAt)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx, cfg: s.cfg}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx  *sqlx.Tx
	cfg settings
}

func (s *txSQLiteStore) SaveCheckpoint(ctx context.Context, executionID string, phase domain.Phase, payload []byte) (checkpoint.Checkpoint, error) {
	return saveCheckpoint(ctx, s.tx, s.cfg, executionID, phase, payload)
}

func (s *txSQLiteStore) LoadCheckpoint(ctx context.Context, executionID string, phase domain.Phase) (*checkpoint.Checkpoint, error) {
	return loadCheckpoint(ctx, s.tx, s.cfg, executionID, phase)
}

func (s *txSQLiteStore) ListCheckpoints(ctx context.Context, executionID string) ([]checkpoint.Checkpoint, error) {
	return listCheckpoints(ctx, s.tx, executionID)
}

func (s *txSQLiteStore) SaveExecution(ctx context.Context, e *domain.DeploymentExecution) error {
	return saveExecution(ctx, s.tx, e)
}

func (s *txSQLiteStore) GetExecution(ctx context.Context, id string) (*domain.DeploymentExecution, error) {
	return getExecution(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListExecutions(ctx context.Context, opts ListOptions) ([]domain.DeploymentExecution, error) {
	return listExecutions(ctx, s.tx, opts)
}

func (s *txSQLiteStore) AppendAuditEvent(ctx context.Context, e *domain.AuditEvent) error {
	return appendAuditEvent(ctx, s.tx, e)
}

func (s *txSQLiteStore) ListAuditEvents(ctx context.Context, executionID string) ([]domain.AuditEvent, error) {
	return listAuditEvents(ctx, s.tx, executionID)
}

func (s *txSQLiteStore) GetUnreportedAuditEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	return getUnreportedAuditEvents(ctx, s.tx, limit)
}

func (s *txSQLiteStore) MarkAuditEventsReported(ctx context.Context, ids []string, reportedAt time.Time) error {
	return markAuditEventsReported(ctx, s.tx, ids, reportedAt)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func saveCheckpoint(ctx context.Context, exec executor, cfg settings, executionID string, phase domain.Phase, payload []byte) (checkpoint.Checkpoint, error) {
	if err := validateKey("SaveCheckpoint", executionID, phase); err != nil {
		return checkpoint.Checkpoint{}, err
	}

	var prev int64
	err := exec.GetContext(ctx, &prev,
		`SELECT COALESCE(MAX(version), 0) FROM checkpoints WHERE execution_id = ? AND phase = ?`,
		executionID, string(phase))
	if err != nil {
		return checkpoint.Checkpoint{}, NewStoreError("SaveCheckpoint", "checkpoint", executionID, err.Error(), err)
	}

	cp := checkpoint.New(executionID, phase, checkpoint.NextVersion(prev), payload, cfg.now())

	query := `
		INSERT INTO checkpoints (execution_id, phase, version, payload, checksum, created_at)
		VALUES (:execution_id, :phase, :version, :payload, :checksum, :created_at)`

	row := checkpointRow{
		ExecutionID: cp.ExecutionID,
		Phase:       string(cp.Phase),
		Version:     cp.Version,
		Payload:     cp.Payload,
		Checksum:    cp.Checksum,
		CreatedAt:   cp.CreatedAt.Format(time.RFC3339Nano),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return checkpoint.Checkpoint{}, NewStoreError("SaveCheckpoint", "checkpoint", executionID, "version already written", ErrVersionConflict)
		}
		return checkpoint.Checkpoint{}, NewStoreError("SaveCheckpoint", "checkpoint", executionID, err.Error(), err)
	}
	return cp, nil
}

func loadCheckpoint(ctx context.Context, exec executor, cfg settings, executionID string, phase domain.Phase) (*checkpoint.Checkpoint, error) {
	if err := validateKey("LoadCheckpoint", executionID, phase); err != nil {
		return nil, err
	}

	query := `
		SELECT * FROM checkpoints
		WHERE execution_id = ? AND phase = ?
		ORDER BY version DESC LIMIT 1`

	var row checkpointRow
	err := exec.GetContext(ctx, &row, query, executionID, string(phase))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("LoadCheckpoint", "checkpoint", executionID+"/"+string(phase), "checkpoint not found", ErrNotFound)
		}
		return nil, NewStoreError("LoadCheckpoint", "checkpoint", executionID, err.Error(), err)
	}

	cp, err := rowToCheckpoint(&row)
	if err != nil {
		return nil, err
	}
	return verified(cfg.logger, "LoadCheckpoint", cp)
}

func listCheckpoints(ctx context.Context, exec executor, executionID string) ([]checkpoint.Checkpoint, error) {
	query := `SELECT * FROM checkpoints WHERE execution_id = ? ORDER BY version`

	var rows []checkpointRow
	if err := exec.SelectContext(ctx, &rows, query, executionID); err != nil {
		return nil, NewStoreError("ListCheckpoints", "checkpoint", executionID, err.Error(), err)
	}

	out := make([]checkpoint.Checkpoint, 0, len(rows))
	for i := range rows {
		cp, err := rowToCheckpoint(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Phase.Index() < out[j].Phase.Index()
	})
	return out, nil
}

func rowToCheckpoint(row *checkpointRow) (*checkpoint.Checkpoint, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return nil, NewStoreError("rowToCheckpoint", "checkpoint", row.ExecutionID, "invalid created_at", ErrInvalidData)
	}
	return &checkpoint.Checkpoint{
		ExecutionID: row.ExecutionID,
		Phase:       domain.Phase(row.Phase),
		Version:     row.Version,
		Payload:     row.Payload,
		Checksum:    row.Checksum,
		CreatedAt:   createdAt,
	}, nil
}

func saveExecution(ctx context.Context, exec executor, e *domain.DeploymentExecution) error {
	if e.ID == "" {
		return NewStoreError("SaveExecution", "execution", "", "execution id is required", ErrInvalidData)
	}

	results := e.Results
	if results == nil {
		results = []domain.PhaseResult{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return NewStoreError("SaveExecution", "execution", e.ID, "failed to serialize results", ErrInvalidData)
	}

	var rollback *string
	if e.Rollback != nil {
		data, err := json.Marshal(e.Rollback)
		if err != nil {
			return NewStoreError("SaveExecution", "execution", e.ID, "failed to serialize rollback summary", ErrInvalidData)
		}
		s := string(data)
		rollback = &s
	}

	query := `
		INSERT INTO executions (
			id, service, environment, address, profile, status, current_phase,
			continue_on_error, results, failure_reason, rollback, created_at, updated_at
		) VALUES (
			:id, :service, :environment, :address, :profile, :status, :current_phase,
			:continue_on_error, :results, :failure_reason, :rollback, :created_at, :updated_at
		)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_phase = excluded.current_phase,
			continue_on_error = excluded.continue_on_error,
			results = excluded.results,
			failure_reason = excluded.failure_reason,
			rollback = excluded.rollback,
			updated_at = excluded.updated_at`

	row := executionRow{
		ID:              e.ID,
		Service:         e.Target.Service,
		Environment:     e.Target.Environment,
		Address:         e.Target.Address,
		Profile:         e.Profile,
		Status:          string(e.Status),
		CurrentPhase:    string(e.CurrentPhase),
		ContinueOnError: e.ContinueOnError,
		Results:         string(resultsJSON),
		FailureReason:   e.FailureReason,
		Rollback:        rollback,
		CreatedAt:       e.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:       e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("SaveExecution", "execution", e.ID, err.Error(), err)
	}
	return nil
}

func getExecution(ctx context.Context, exec executor, id string) (*domain.DeploymentExecution, error) {
	query := `SELECT * FROM executions WHERE id = ?`

	var row executionRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetExecution", "execution", id, "execution not found", ErrNotFound)
		}
		return nil, NewStoreError("GetExecution", "execution", id, err.Error(), err)
	}

	return rowToExecution(&row)
}

func listExecutions(ctx context.Context, exec executor, opts ListOptions) ([]domain.DeploymentExecution, error) {
	opts = opts.Normalize()

	var rows []executionRow
	var err error
	if opts.Status != "" {
		err = exec.SelectContext(ctx, &rows,
			`SELECT * FROM executions WHERE status = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
			string(opts.Status), opts.Limit, opts.Offset)
	} else {
		err = exec.SelectContext(ctx, &rows,
			`SELECT * FROM executions ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
			opts.Limit, opts.Offset)
	}
	if err != nil {
		return nil, NewStoreError("ListExecutions", "execution", "", err.Error(), err)
	}

	out := make([]domain.DeploymentExecution, 0, len(rows))
	for i := range rows {
		e, err := rowToExecution(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

func rowToExecution(row *executionRow) (*domain.DeploymentExecution, error) {
	e := &domain.DeploymentExecution{
		ID: row.ID,
		Target: domain.Target{
			Service:     row.Service,
			Environment: row.Environment,
			Address:     row.Address,
		},
		Profile:         row.Profile,
		Status:          domain.ExecutionStatus(row.Status),
		CurrentPhase:    domain.Phase(row.CurrentPhase),
		ContinueOnError: row.ContinueOnError,
		FailureReason:   row.FailureReason,
	}

	if err := json.Unmarshal([]byte(row.Results), &e.Results); err != nil {
		return nil, NewStoreError("rowToExecution", "execution", row.ID, "failed to parse results", ErrInvalidData)
	}
	if row.Rollback != nil {
		e.Rollback = &domain.RollbackSummary{}
		if err := json.Unmarshal([]byte(*row.Rollback), e.Rollback); err != nil {
			return nil, NewStoreError("rowToExecution", "execution", row.ID, "failed to parse rollback summary", ErrInvalidData)
		}
	}

	var err error
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, row.CreatedAt); err != nil {
		return nil, NewStoreError("rowToExecution", "execution", row.ID, "invalid created_at", ErrInvalidData)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, row.UpdatedAt); err != nil {
		return nil, NewStoreError("rowToExecution", "execution", row.ID, "invalid updated_at", ErrInvalidData)
	}
	return e, nil
}

func appendAuditEvent(ctx context.Context, exec executor, e *domain.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	query := `
		INSERT INTO audit_events (
			id, execution_id, phase, capability, status, timestamp_ms, duration_ms, message
		) VALUES (
			:id, :execution_id, :phase, :capability, :status, :timestamp_ms, :duration_ms, :message
		)`

	row := auditRow{
		ID:          e.ID,
		ExecutionID: e.ExecutionID,
		Phase:       string(e.Phase),
		Capability:  e.Capability,
		Status:      e.Status,
		TimestampMs: e.TimestampMs,
		DurationMs:  e.DurationMs,
		Message:     e.Message,
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: audit_events.id") {
			return NewStoreError("AppendAuditEvent", "audit_event", e.ID, "audit event with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("AppendAuditEvent", "audit_event", e.ID, err.Error(), err)
	}
	return nil
}

func listAuditEvents(ctx context.Context, exec executor, executionID string) ([]domain.AuditEvent, error) {
	var rows []auditRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM audit_events WHERE execution_id = ? ORDER BY timestamp_ms, rowid`, executionID)
	if err != nil {
		return nil, NewStoreError("ListAuditEvents", "audit_event", executionID, err.Error(), err)
	}
	return rowsToAuditEvents(rows), nil
}

func getUnreportedAuditEvents(ctx context.Context, exec executor, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM audit_events WHERE reported_at IS NULL ORDER BY timestamp_ms, rowid LIMIT ?`, limit)
	if err != nil {
		return nil, NewStoreError("GetUnreportedAuditEvents", "audit_event", "", err.Error(), err)
	}
	return rowsToAuditEvents(rows), nil
}

func markAuditEventsReported(ctx context.Context, exec executor, ids []string, reportedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE audit_events SET reported_at = ? WHERE id IN (?)`,
		reportedAt.UTC().Format(time.RFC3339), ids)
	if err != nil {
		return NewStoreError("MarkAuditEventsReported", "audit_event", "", err.Error(), err)
	}
	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		return NewStoreError("MarkAuditEventsReported", "audit_event", "", err.Error(), err)
	}
	return nil
}

func rowsToAuditEvents(rows []auditRow) []domain.AuditEvent {
	out := make([]domain.AuditEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.AuditEvent{
			ID:          r.ID,
			ExecutionID: r.ExecutionID,
			Phase:       domain.Phase(r.Phase),
			Capability:  r.Capability,
			Status:      r.Status,
			TimestampMs: r.TimestampMs,
			DurationMs:  r.DurationMs,
			Message:     r.Message,
		})
	}
	return out
}
