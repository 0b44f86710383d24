// ============================================================================
// SQL task store
// ============================================================================
//
// Package: internal/store/sqlstore
// File: sqlstore.go
// Purpose: store.Store over database/sql for SQLite and PostgreSQL.
//
// Claims:
//   A single UPDATE ... WHERE id IN (SELECT ... LIMIT n) RETURNING statement
//   moves due tasks to running. PostgreSQL adds FOR UPDATE SKIP LOCKED so
//   concurrent pollers on several nodes pass over each other's rows. SQLite
//   serialises writers and runs on one connection.
//
// Times are stored as Unix milliseconds and intervals as milliseconds so
// one schema serves both databases.
//
// ============================================================================

package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ChuLiYu/maga-orchestrator/internal/store"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

// Dialect selects the SQL flavour.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id          TEXT PRIMARY KEY,
	action      TEXT NOT NULL,
	payload     TEXT NOT NULL DEFAULT 'null',
	session_id  TEXT NOT NULL DEFAULT '',
	next_run_at BIGINT NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL,
	interval_ms BIGINT NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	last_error  TEXT NOT NULL DEFAULT '',
	claimed_by  TEXT NOT NULL DEFAULT '',
	created_at  BIGINT NOT NULL,
	updated_at  BIGINT NOT NULL
)`

const dueIndex = `CREATE INDEX IF NOT EXISTS scheduled_tasks_due ON scheduled_tasks (status, next_run_at)`

const columns = `id, action, payload, session_id, next_run_at, attempt, max_retries, interval_ms, status, last_error, claimed_by, created_at, updated_at`

// Store is the SQL store.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Store = (*Store)(nil)

// Open connects, pings and migrates. driver is "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlstore: dsn is required")
	}

	var (
		dialect Dialect
		sqlName string
	)
	switch driver {
	case "sqlite":
		dialect, sqlName = SQLite, "sqlite"
	case "postgres", "pgx":
		dialect, sqlName = Postgres, "pgx"
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	db, err := sql.Open(sqlName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, q := range []string{schema, dueIndex} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *Store) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Create(ctx context.Context, t *types.ScheduledTask) error {
	if err := store.Validate(t); err != nil {
		return err
	}
	status := t.Status
	if status == "" {
		status = types.TaskPending
	}
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("%w: payload: %v", store.ErrInvalidTask, err)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO scheduled_tasks (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		string(t.ID), t.Action, string(payload), t.SessionID, millis(t.NextRunAt),
		t.Attempt, t.MaxRetries, t.Interval.Milliseconds(), string(status),
		t.LastError, t.ClaimedBy, millis(t.CreatedAt), millis(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", store.ErrDuplicateTask, t.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id types.TaskID) (*types.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+columns+` FROM scheduled_tasks WHERE id = ?`), string(id))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	return t, err
}

func (s *Store) ClaimDue(ctx context.Context, now time.Time, owner string, limit int) ([]*types.ScheduledTask, error) {
	if limit <= 0 {
		limit = 1
	}
	lock := ""
	if s.dialect == Postgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	q := `UPDATE scheduled_tasks
		SET status = 'running', claimed_by = ?, updated_at = ?
		WHERE status IN ('pending', 'failed') AND id IN (
			SELECT id FROM scheduled_tasks
			WHERE status IN ('pending', 'failed') AND next_run_at <= ?
			ORDER BY next_run_at, id
			LIMIT ?` + lock + `
		)
		RETURNING ` + columns

	rows, err := s.db.QueryContext(ctx, s.rebind(q), owner, millis(now), millis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	tasks, err := scanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	sortByNextRun(tasks)
	return tasks, nil
}

func (s *Store) Release(ctx context.Context, owner string, t *types.ScheduledTask) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("%w: release needs a task id", store.ErrInvalidTask)
	}
	if !t.Status.Claimable() && !t.Status.Terminal() {
		return fmt.Errorf("%w: cannot release task %s as %q", store.ErrInvalidTask, t.ID, t.Status)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE scheduled_tasks
		SET status = ?, attempt = ?, next_run_at = ?, last_error = ?, updated_at = ?, claimed_by = ''
		WHERE id = ? AND status = 'running' AND claimed_by = ?`),
		string(t.Status), t.Attempt, millis(t.NextRunAt), t.LastError, millis(t.UpdatedAt),
		string(t.ID), owner)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	if _, err := s.Get(ctx, t.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", store.ErrNotClaimed, t.ID)
}

func (s *Store) Remove(ctx context.Context, id types.TaskID) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM scheduled_tasks WHERE id = ? AND status <> 'running'`), string(id))
	if err != nil {
		return fmt.Errorf("remove task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", store.ErrTaskRunning, id)
}

func (s *Store) List(ctx context.Context, status types.TaskStatus) ([]*types.ScheduledTask, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+columns+` FROM scheduled_tasks ORDER BY next_run_at, id`)
	} else {
		rows, err = s.db.QueryContext(ctx, s.rebind(`SELECT `+columns+` FROM scheduled_tasks WHERE status = ? ORDER BY next_run_at, id`), string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return scanAll(rows)
}

func (s *Store) RequeueRunning(ctx context.Context, now time.Time, owner string, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE scheduled_tasks
		SET status = 'pending', claimed_by = '', updated_at = ?
		WHERE status = 'running' AND ((claimed_by = ? AND claimed_by <> '') OR updated_at < ?)`),
		millis(now), owner, millis(staleBefore))
	if err != nil {
		return 0, fmt.Errorf("requeue running: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) Counts(ctx context.Context) (map[types.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scheduled_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[types.TaskStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[types.TaskStatus(status)] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*types.ScheduledTask, error) {
	var (
		t                    types.ScheduledTask
		id, payload, status  string
		nextRun, interval    int64
		createdAt, updatedAt int64
	)
	err := row.Scan(&id, &t.Action, &payload, &t.SessionID, &nextRun, &t.Attempt, &t.MaxRetries,
		&interval, &status, &t.LastError, &t.ClaimedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return nil, fmt.Errorf("task %s: decode payload: %w", id, err)
	}
	t.ID = types.TaskID(id)
	t.Status = types.TaskStatus(status)
	t.NextRunAt = fromMillis(nextRun)
	t.Interval = time.Duration(interval) * time.Millisecond
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

func scanAll(rows *sql.Rows) ([]*types.ScheduledTask, error) {
	defer rows.Close()
	var out []*types.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func sortByNextRun(tasks []*types.ScheduledTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].NextRunAt.Equal(tasks[j].NextRunAt) {
			return tasks[i].NextRunAt.Before(tasks[j].NextRunAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
