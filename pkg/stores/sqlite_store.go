package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/impactsim/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore is the execution journal. It records every submission and each
// distinct status observed while polling.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.Path == memoryPath {
		// Every connection to :memory: opens a separate database.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	} else {
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = 4
		}
		if cfg.MaxIdleConns == 0 {
			cfg.MaxIdleConns = 2
		}
		if cfg.ConnMaxLifetime == 0 {
			cfg.ConnMaxLifetime = 5 * time.Minute
		}
	}

	return &SQLiteStore{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// dsn builds the modernc connection string.
func (s *SQLiteStore) dsn() string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_txlock=immediate",
	}
	if s.cfg.Path != memoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return "file:" + s.cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// RecordSubmission journals a submitted document. Submitting an id that is
// already known replaces its document and case list.
func (s *SQLiteStore) RecordSubmission(ctx context.Context, executionID string, document []byte, caseIDs []string) error {
	if caseIDs == nil {
		caseIDs = []string{}
	}
	ids, err := json.Marshal(caseIDs)
	if err != nil {
		return fmt.Errorf("failed to encode case ids: %w", err)
	}

	now := s.now()
	query := `
		INSERT INTO executions (id, journal_id, document, case_ids, case_count, last_state, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			document = excluded.document,
			case_ids = excluded.case_ids,
			case_count = excluded.case_count,
			submitted_at = excluded.submitted_at,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		executionID,
		uuid.NewString(),
		string(document),
		string(ids),
		len(caseIDs),
		engine.ExecutionStateNotStarted,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to record submission: %w", err)
	}

	return nil
}

// RecordObservation journals a polled status. The observation is stored only
// when its state or case counts differ from the previous one; the execution's
// last state is always updated. Executions never submitted through the journal
// are created on first observation.
func (s *SQLiteStore) RecordObservation(ctx context.Context, executionID string, status *engine.ExecutionStatus) error {
	if status == nil {
		return fmt.Errorf("status is required")
	}

	report := status.Report()
	obs := Observation{
		ID:              uuid.NewString(),
		ExecutionID:     executionID,
		State:           status.Status,
		TotalCases:      report.TotalCases(),
		CompilationDone: report.CompilationDone(),
		SimulationDone:  report.SimulationDone(),
		Raw:             string(status.Raw),
		ObservedAt:      s.now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, journal_id, last_state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, executionID, uuid.NewString(), obs.State, obs.ObservedAt)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	var (
		lastState                      string
		lastTotal, lastComp, lastSimul int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT state, total_cases, compilation_done, simulation_done
		FROM observations
		WHERE execution_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, executionID).Scan(&lastState, &lastTotal, &lastComp, &lastSimul)

	changed := true
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read last observation: %w", err)
	default:
		changed = lastState != string(obs.State) ||
			lastTotal != obs.TotalCases ||
			lastComp != obs.CompilationDone ||
			lastSimul != obs.SimulationDone
	}

	if changed {
		var raw *string
		if obs.Raw != "" {
			raw = &obs.Raw
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO observations (id, execution_id, state, total_cases, compilation_done, simulation_done, raw, observed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, obs.ID, executionID, obs.State, obs.TotalCases, obs.CompilationDone, obs.SimulationDone, raw, obs.ObservedAt)
		if err != nil {
			return fmt.Errorf("failed to insert observation: %w", err)
		}
	}

	var finishedAt *time.Time
	if obs.State.IsTerminal() {
		finishedAt = &obs.ObservedAt
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE executions
		SET last_state = ?, updated_at = ?, finished_at = COALESCE(finished_at, ?)
		WHERE id = ?
	`, obs.State, obs.ObservedAt, finishedAt, executionID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit observation: %w", err)
	}
	return nil
}

const executionColumns = `id, journal_id, document, case_ids, last_state, submitted_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	var (
		rec      ExecutionRecord
		document sql.NullString
		caseIDs  string
	)
	err := row.Scan(
		&rec.ID,
		&rec.JournalID,
		&document,
		&caseIDs,
		&rec.LastState,
		&rec.SubmittedAt,
		&rec.UpdatedAt,
		&rec.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Document = document.String
	if err := json.Unmarshal([]byte(caseIDs), &rec.CaseIDs); err != nil {
		return nil, fmt.Errorf("failed to decode case ids of %s: %w", rec.ID, err)
	}
	return &rec, nil
}

// GetExecution retrieves an execution by id.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = ?`

	rec, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return rec, nil
}

// ListExecutions lists executions, most recently updated first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, opts ListOptions) ([]*ExecutionRecord, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	args := []any{}
	if opts.State != "" {
		query += ` WHERE last_state = ?`
		args = append(args, opts.State)
	}
	query += ` ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	records := []*ExecutionRecord{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return records, nil
}

// ListObservations returns the observations of an execution in the order
// they were recorded.
func (s *SQLiteStore) ListObservations(ctx context.Context, executionID string) ([]*Observation, error) {
	query := `
		SELECT id, execution_id, state, total_cases, compilation_done, simulation_done, raw, observed_at
		FROM observations
		WHERE execution_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer rows.Close()

	observations := []*Observation{}
	for rows.Next() {
		var (
			obs Observation
			raw sql.NullString
		)
		err := rows.Scan(
			&obs.ID,
			&obs.ExecutionID,
			&obs.State,
			&obs.TotalCases,
			&obs.CompilationDone,
			&obs.SimulationDone,
			&raw,
			&obs.ObservedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		obs.Raw = raw.String
		observations = append(observations, &obs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating observations: %w", err)
	}

	return observations, nil
}

// DeleteExecution deletes an execution and its observations.
func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}

	return nil
}

// PruneFinished deletes executions that reached a terminal state before
// cutoff and returns how many were removed.
func (s *SQLiteStore) PruneFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}
