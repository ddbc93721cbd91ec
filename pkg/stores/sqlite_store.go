package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
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

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path
	if s.path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)
	}

	db, err := sql.Open("sqlite", dsn)
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

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, status, policy, started_at, metadata)
		VALUES (?, ?, ?, ?, ?)
	`

	metadata := run.Metadata
	if metadata == "" {
		metadata = "{}"
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.Policy,
		run.StartedAt.Unix(),
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// FinishRun records the final status and counters of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *Run) error {
	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, error = ?,
		    kept = ?, repaired = ?, not_kept = ?, failed = ?, denied = ?
		WHERE id = ?
	`

	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	result, err := s.db.ExecContext(ctx, query,
		run.Status,
		completedAt.Unix(),
		run.Error,
		run.Kept,
		run.Repaired,
		run.NotKept,
		run.Failed,
		run.Denied,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}

	return nil
}

const runColumns = `id, status, policy, started_at, completed_at, error, kept, repaired, not_kept, failed, denied, metadata`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run       Run
		started   int64
		completed sql.NullInt64
	)
	err := row.Scan(
		&run.ID,
		&run.Status,
		&run.Policy,
		&started,
		&completed,
		&run.Error,
		&run.Kept,
		&run.Repaired,
		&run.NotKept,
		&run.Failed,
		&run.Denied,
		&run.Metadata,
	)
	if err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(started, 0)
	if completed.Valid {
		t := time.Unix(completed.Int64, 0)
		run.CompletedAt = &t
	}
	return &run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs with pagination, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// PutPersistentClass stores a persistent class. An existing unexpired
// class with the preserve policy keeps its expiry.
func (s *SQLiteStore) PutPersistentClass(ctx context.Context, class *PersistentClass) error {
	query := `
		INSERT INTO persistent_classes (name, tags, policy, set_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			tags = excluded.tags,
			policy = excluded.policy,
			set_at = CASE
				WHEN persistent_classes.policy = 'preserve' AND persistent_classes.expires_at > excluded.set_at
				THEN persistent_classes.set_at ELSE excluded.set_at END,
			expires_at = CASE
				WHEN persistent_classes.policy = 'preserve' AND persistent_classes.expires_at > excluded.set_at
				THEN persistent_classes.expires_at ELSE excluded.expires_at END
	`

	policy := class.Policy
	if policy == "" {
		policy = PersistReset
	}

	_, err := s.db.ExecContext(ctx, query,
		class.Name,
		class.Tags,
		policy,
		class.SetAt.Unix(),
		class.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store persistent class: %w", err)
	}

	return nil
}

const classColumns = `name, tags, policy, set_at, expires_at`

func scanClass(row scanner) (*PersistentClass, error) {
	var (
		c            PersistentClass
		set, expires int64
	)
	if err := row.Scan(&c.Name, &c.Tags, &c.Policy, &set, &expires); err != nil {
		return nil, err
	}
	c.SetAt = time.Unix(set, 0)
	c.ExpiresAt = time.Unix(expires, 0)
	return &c, nil
}

// GetPersistentClass retrieves a persistent class by name, expired or not.
func (s *SQLiteStore) GetPersistentClass(ctx context.Context, name string) (*PersistentClass, error) {
	query := `SELECT ` + classColumns + ` FROM persistent_classes WHERE name = ?`

	c, err := scanClass(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("persistent class %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get persistent class: %w", err)
	}

	return c, nil
}

// ListPersistentClasses lists the classes unexpired at now, by name.
func (s *SQLiteStore) ListPersistentClasses(ctx context.Context, now time.Time) ([]*PersistentClass, error) {
	query := `SELECT ` + classColumns + ` FROM persistent_classes WHERE expires_at > ? ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list persistent classes: %w", err)
	}
	defer rows.Close()

	classes := []*PersistentClass{}
	for rows.Next() {
		c, err := scanClass(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan persistent class: %w", err)
		}
		classes = append(classes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating persistent classes: %w", err)
	}

	return classes, nil
}

// DeletePersistentClass removes one persistent class.
func (s *SQLiteStore) DeletePersistentClass(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM persistent_classes WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete persistent class: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("persistent class %s: %w", name, ErrNotFound)
	}

	return nil
}

// DeleteExpiredClasses removes classes expired at now.
func (s *SQLiteStore) DeleteExpiredClasses(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM persistent_classes WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired classes: %w", err)
	}
	return result.RowsAffected()
}

// PurgePersistentClasses removes every persistent class.
func (s *SQLiteStore) PurgePersistentClasses(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM persistent_classes`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge persistent classes: %w", err)
	}
	return result.RowsAffected()
}

// GetLock retrieves the lock record of a promise instance.
func (s *SQLiteStore) GetLock(ctx context.Context, id string) (*PromiseLock, error) {
	query := `
		SELECT id, promise_type, bundle, promiser, outcome, run_id, last_run_at
		FROM promise_locks
		WHERE id = ?
	`

	var (
		lock PromiseLock
		last int64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&lock.ID,
		&lock.PromiseType,
		&lock.Bundle,
		&lock.Promiser,
		&lock.Outcome,
		&lock.RunID,
		&last,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("promise lock %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get promise lock: %w", err)
	}
	lock.LastRunAt = time.Unix(last, 0)

	return &lock, nil
}

// UpsertLock records the latest evaluation of a promise instance.
func (s *SQLiteStore) UpsertLock(ctx context.Context, lock *PromiseLock) error {
	query := `
		INSERT INTO promise_locks (id, promise_type, bundle, promiser, outcome, run_id, last_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			run_id = excluded.run_id,
			last_run_at = excluded.last_run_at
	`

	_, err := s.db.ExecContext(ctx, query,
		lock.ID,
		lock.PromiseType,
		lock.Bundle,
		lock.Promiser,
		lock.Outcome,
		lock.RunID,
		lock.LastRunAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert promise lock: %w", err)
	}

	return nil
}

// PurgeLocks removes every promise lock.
func (s *SQLiteStore) PurgeLocks(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM promise_locks`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge promise locks: %w", err)
	}
	return result.RowsAffected()
}
