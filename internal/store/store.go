package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/throw-if-null/catalyst/internal/api"
	"github.com/throw-if-null/catalyst/internal/paths"
)

type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *zap.Logger
	now     func() time.Time
}

var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a run id is reused for a different task.
var ErrConflict = errors.New("run id already used")

// timestamps are stored as fixed-width UTC text so they sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000Z"

const interruptedMsg = "interrupted: server restart"

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect, log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return tagErr(s.db.PingContext(ctx))
}

func (s *Store) stamp() string { return s.now().UTC().Format(tsLayout) }

// Init runs migrations. SQLite tracks the version with PRAGMA user_version,
// postgres with a one-row catalyst_schema table.
func (s *Store) Init(ctx context.Context) error {
	ver, err := s.schemaVersion(ctx)
	if err != nil {
		return tagErr(err)
	}
	if ver >= schemaVersion {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tagErr(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	if ver < 1 {
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  task TEXT NOT NULL,
  status TEXT NOT NULL,
  provider TEXT NOT NULL,
  model TEXT NOT NULL,
  input TEXT NOT NULL,
  output TEXT,
  used_fallback INTEGER NOT NULL DEFAULT 0,
  error_summary TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  finished_at TEXT,
  duration_ms BIGINT
);
`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS runs_task_created ON runs (task, created_at)`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS runs_status_finished ON runs (status, finished_at)`); err != nil {
			return err
		}
	}

	if ver < 2 {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE runs ADD COLUMN user_id TEXT`); err != nil {
			return err
		}
	}

	if err := s.setSchemaVersion(ctx, tx, schemaVersion); err != nil {
		return err
	}
	return tx.Commit()
}

const schemaVersion = 2

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var ver int
	if s.dialect == DialectSQLite {
		err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&ver)
		return ver, err
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS catalyst_schema (version INTEGER NOT NULL)`); err != nil {
		return 0, err
	}
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM catalyst_schema`).Scan(&ver)
	return ver, err
}

func (s *Store) setSchemaVersion(ctx context.Context, tx *sql.Tx, v int) error {
	if s.dialect == DialectSQLite {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, v))
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM catalyst_schema`); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO catalyst_schema (version) VALUES ($1)`, v)
	return err
}

const runColumns = `id, task, status, provider, model, input, output, used_fallback, error_summary, created_at, updated_at, finished_at, duration_ms, user_id`

// CreateRun inserts a running row. Reusing an id for the same task returns the
// existing run with existed=true; reusing it for another task is ErrConflict.
func (s *Store) CreateRun(ctx context.Context, r *api.Run) (*api.Run, bool, error) {
	if err := paths.ValidateRunID(r.ID); err != nil {
		return nil, false, err
	}
	if err := paths.ValidateTaskName(r.Task); err != nil {
		return nil, false, err
	}
	input := string(r.Input)
	if input == "" {
		input = "null"
	}
	var userID any
	if r.UserID != "" {
		userID = r.UserID
	}
	now := s.stamp()

	err := s.retryBusy(ctx, "CreateRun", func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO runs (id, task, status, provider, model, user_id, input, used_fallback, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`),
			r.ID, r.Task, string(api.RunRunning), r.Provider, r.Model, userID, input, now, now)
		return err
	})
	if err == nil {
		run, err := s.GetRun(ctx, r.ID)
		return run, false, err
	}
	if !isUniqueConstraintError(err) {
		return nil, false, tagErr(err)
	}

	existing, getErr := s.GetRun(ctx, r.ID)
	if getErr != nil {
		return nil, true, getErr
	}
	if existing.Task != r.Task {
		return nil, true, fmt.Errorf("run %s belongs to task %s: %w", r.ID, existing.Task, ErrConflict)
	}
	return existing, true, nil
}

// Outcome is the terminal state recorded by FinishRun.
type Outcome struct {
	Status       api.RunStatus
	Output       json.RawMessage
	UsedFallback bool
	Error        string
}

// FinishRun moves a running run to a terminal status. It reports false when
// the run was no longer running (for example cancelled first).
func (s *Store) FinishRun(ctx context.Context, id string, o Outcome) (bool, error) {
	if !o.Status.Valid() || !o.Status.Terminal() {
		return false, fmt.Errorf("invalid terminal status %q", o.Status)
	}
	var output any
	if len(o.Output) > 0 {
		output = string(o.Output)
	}
	var errSummary any
	if o.Error != "" {
		errSummary = truncate(o.Error, 2000)
	}

	var n int64
	err := s.retryBusy(ctx, "FinishRun", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var createdAt string
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT created_at FROM runs WHERE id = ?`), id).Scan(&createdAt); err != nil {
			return err
		}
		now := s.now().UTC()
		var dur int64
		if started, perr := time.Parse(tsLayout, createdAt); perr == nil {
			dur = now.Sub(started).Milliseconds()
		}
		fallback := 0
		if o.UsedFallback {
			fallback = 1
		}
		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE runs SET status = ?, output = ?, used_fallback = ?, error_summary = ?, updated_at = ?, finished_at = ?, duration_ms = ? WHERE id = ? AND status = ?`),
			string(o.Status), output, fallback, errSummary, now.Format(tsLayout), now.Format(tsLayout), dur, id, string(api.RunRunning))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return tx.Commit()
	})
	if isNotFound(err) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, tagErr(err)
	}
	return n > 0, nil
}

// CancelRun marks a running run cancelled. It returns false, nil when the run
// already finished.
func (s *Store) CancelRun(ctx context.Context, id string) (bool, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return false, err
	}
	if run.Status.Terminal() {
		return false, nil
	}
	ok, err := s.FinishRun(ctx, id, Outcome{Status: api.RunCancelled, Error: "cancelled by request"})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*api.Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, tagErr(err)
	}
	return run, nil
}

type ListFilter struct {
	Task   string
	Status api.RunStatus
	// Limit <= 0 returns every matching run.
	Limit int
}

// ListRuns returns runs ordered newest first.
func (s *Store) ListRuns(ctx context.Context, f ListFilter) ([]*api.Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs`
	var where []string
	var args []any
	if f.Task != "" {
		where = append(where, `task = ?`)
		args = append(args, f.Task)
	}
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(f.Status))
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, tagErr(err)
	}
	defer rows.Close()

	out := []*api.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, tagErr(rows.Err())
}

// PruneFinishedBefore deletes terminal runs that finished before cutoff.
func (s *Store) PruneFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.retryBusy(ctx, "PruneFinishedBefore", func() error {
		res, err := s.db.ExecContext(ctx, s.rebind(
			`DELETE FROM runs WHERE status <> ? AND finished_at IS NOT NULL AND finished_at < ?`),
			string(api.RunRunning), cutoff.UTC().Format(tsLayout))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, tagErr(err)
}

// ReconcileInFlightRuns marks runs left running by a previous process as
// failed. It is idempotent.
func (s *Store) ReconcileInFlightRuns(ctx context.Context) (int64, error) {
	now := s.stamp()
	var n int64
	err := s.retryBusy(ctx, "ReconcileInFlightRuns", func() error {
		res, err := s.db.ExecContext(ctx, s.rebind(
			`UPDATE runs SET status = ?, error_summary = ?, updated_at = ?, finished_at = ? WHERE status = ?`),
			string(api.RunFailed), interruptedMsg, now, now, string(api.RunRunning))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, tagErr(err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*api.Run, error) {
	var (
		run        api.Run
		status     string
		input      string
		output     sql.NullString
		fallback   int64
		errSummary sql.NullString
		finishedAt sql.NullString
		duration   sql.NullInt64
		userID     sql.NullString
	)
	if err := sc.Scan(&run.ID, &run.Task, &status, &run.Provider, &run.Model, &input, &output, &fallback, &errSummary, &run.CreatedAt, &run.UpdatedAt, &finishedAt, &duration, &userID); err != nil {
		return nil, err
	}
	run.Status = api.RunStatus(status)
	run.Input = json.RawMessage(input)
	if output.Valid {
		run.Output = json.RawMessage(output.String)
	}
	run.UsedFallback = fallback != 0
	run.Error = errSummary.String
	run.FinishedAt = finishedAt.String
	run.DurationMS = duration.Int64
	run.UserID = userID.String
	return &run, nil
}

// retryBusy retries op while SQLite reports the database as busy or locked.
func (s *Store) retryBusy(ctx context.Context, name string, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, 5), ctx)
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !isSqliteBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.log.Debug("database busy, retrying", zap.String("op", name), zap.Duration("wait", wait), zap.Error(err))
	})
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy") || strings.Contains(msg, "SQLITE_BUSY")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (s *Store) String() string {
	return fmt.Sprintf("store(%s)", s.dialect)
}
