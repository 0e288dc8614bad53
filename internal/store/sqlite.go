package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"taskpilot/internal/domain"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyClaimed = errors.New("task already claimed")
)

// Open opens the SQLite database at path and applies the schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
// Timestamps are stored as unix milliseconds so range comparisons stay numeric.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  task_type TEXT NOT NULL CHECK(task_type IN ('web_search','data_analysis','report_generation','agent_interaction')),
  frequency TEXT NOT NULL CHECK(frequency IN ('minutely','hourly','daily','weekly','monthly')),
  schedule_time TEXT NOT NULL DEFAULT '',
  schedule_days TEXT NOT NULL DEFAULT '[]',
  task_config BLOB NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1,
  last_run INTEGER,
  next_run INTEGER,
  retry_attempts INTEGER NOT NULL DEFAULT 0,
  consecutive_failures INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(is_active, next_run, id);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON scheduled_tasks(owner_id, created_at);
CREATE TABLE IF NOT EXISTS task_executions (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  started_at INTEGER NOT NULL,
  finished_at INTEGER,
  status TEXT NOT NULL CHECK(status IN ('pending','running','success','failed','retrying','cancelled')),
  attempt INTEGER NOT NULL DEFAULT 1,
  result_summary BLOB,
  error TEXT,
  trigger TEXT NOT NULL DEFAULT 'schedule',
  FOREIGN KEY(task_id) REFERENCES scheduled_tasks(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_single_flight ON task_executions(task_id) WHERE status='running';
CREATE INDEX IF NOT EXISTS idx_executions_task ON task_executions(task_id, started_at DESC);
CREATE TABLE IF NOT EXISTS dedup_fingerprints (
  seq INTEGER PRIMARY KEY,
  fingerprint TEXT NOT NULL UNIQUE
);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	// Dispatcher contract
	ListDueTasks(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error)
	TryClaim(ctx context.Context, taskID string, now time.Time, trigger domain.Trigger) (domain.TaskExecution, error)
	UpdateExecution(ctx context.Context, e domain.TaskExecution) error
	UpdateTask(ctx context.Context, t domain.ScheduledTask) error
	FinishExecution(ctx context.Context, e domain.TaskExecution, u domain.RunUpdate) error

	// Task operations
	CreateTask(ctx context.Context, t domain.ScheduledTask) (string, error)
	GetTask(ctx context.Context, id string) (domain.ScheduledTask, error)
	ListTasks(ctx context.Context, ownerID string) ([]domain.ScheduledTask, error)
	UpdateDefinition(ctx context.Context, t domain.ScheduledTask, reschedule bool) error
	DeleteTask(ctx context.Context, id string) error
	ListUnscheduledTasks(ctx context.Context) ([]domain.ScheduledTask, error)
	RepairNextRun(ctx context.Context, id string, next time.Time) (bool, error)

	// Execution history
	GetExecution(ctx context.Context, id string) (domain.TaskExecution, error)
	ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]domain.TaskExecution, error)
	RecoverStale(ctx context.Context, startedBefore, now time.Time) (int, error)
	PruneExecutions(ctx context.Context, finishedBefore time.Time) (int, error)

	// Dedup snapshot
	LoadFingerprints(ctx context.Context) ([]string, error)
	SaveFingerprints(ctx context.Context, fps []string) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const taskColumns = `id,owner_id,name,description,task_type,frequency,schedule_time,schedule_days,task_config,is_active,last_run,next_run,retry_attempts,consecutive_failures,created_at,updated_at`

const executionColumns = `id,task_id,started_at,finished_at,status,attempt,result_summary,error,trigger`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (domain.ScheduledTask, error) {
	var (
		t                domain.ScheduledTask
		days             string
		lastRun, nextRun sql.NullInt64
		created, updated int64
		taskType, freq   string
		config           []byte
	)
	err := s.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Description, &taskType, &freq, &t.ScheduleTime, &days,
		&config, &t.IsActive, &lastRun, &nextRun, &t.RetryAttempts, &t.ConsecutiveFailures, &created, &updated)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	t.TaskType = domain.TaskType(taskType)
	t.Frequency = domain.Frequency(freq)
	t.TaskConfig = json.RawMessage(config)
	if days != "" {
		if err := json.Unmarshal([]byte(days), &t.ScheduleDays); err != nil {
			return domain.ScheduledTask{}, fmt.Errorf("decode schedule_days for %s: %w", t.ID, err)
		}
	}
	t.LastRun = fromNullMillis(lastRun)
	t.NextRun = fromNullMillis(nextRun)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

func scanExecution(s scanner) (domain.TaskExecution, error) {
	var (
		e        domain.TaskExecution
		started  int64
		finished sql.NullInt64
		status   string
		trigger  string
		summary  []byte
		errMsg   sql.NullString
	)
	if err := s.Scan(&e.ID, &e.TaskID, &started, &finished, &status, &e.Attempt, &summary, &errMsg, &trigger); err != nil {
		return domain.TaskExecution{}, err
	}
	e.StartedAt = fromMillis(started)
	e.FinishedAt = fromNullMillis(finished)
	e.Status = domain.ExecutionStatus(status)
	e.Trigger = domain.Trigger(trigger)
	if len(summary) > 0 {
		e.ResultSummary = json.RawMessage(summary)
	}
	if errMsg.Valid {
		msg := errMsg.String
		e.Error = &msg
	}
	return e, nil
}

func (r *sqliteRepo) CreateTask(ctx context.Context, t domain.ScheduledTask) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	days, err := encodeDays(t.ScheduleDays)
	if err != nil {
		return "", err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, id, t.OwnerID, t.Name, t.Description, string(t.TaskType), string(t.Frequency), t.ScheduleTime, days,
		configBytes(t.TaskConfig), t.IsActive, nullMillis(t.LastRun), nullMillis(t.NextRun),
		t.RetryAttempts, t.ConsecutiveFailures, toMillis(t.CreatedAt), toMillis(now))
	return id, err
}

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.ScheduledTask, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledTask{}, ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) ListTasks(ctx context.Context, ownerID string) ([]domain.ScheduledTask, error) {
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC, id`
	return r.queryTasks(ctx, query, args...)
}

// ListDueTasks returns active tasks whose next_run has passed and that have no
// running execution, oldest next_run first with id as tie-break.
func (r *sqliteRepo) ListDueTasks(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	return r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM scheduled_tasks t
WHERE t.is_active=1 AND t.next_run IS NOT NULL AND t.next_run <= ?
  AND NOT EXISTS (SELECT 1 FROM task_executions e WHERE e.task_id=t.id AND e.status='running')
ORDER BY t.next_run ASC, t.id ASC`, toMillis(now))
}

// ListUnscheduledTasks returns active tasks that lost their next_run.
func (r *sqliteRepo) ListUnscheduledTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	return r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM scheduled_tasks WHERE is_active=1 AND next_run IS NULL ORDER BY id`)
}

// RepairNextRun sets next_run on an active task that has none. It reports
// false when the task changed in between.
func (r *sqliteRepo) RepairNextRun(ctx context.Context, id string, next time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET next_run=?,updated_at=? WHERE id=? AND is_active=1 AND next_run IS NULL`,
		toMillis(next), toMillis(time.Now().UTC()), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *sqliteRepo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.ScheduledTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) UpdateTask(ctx context.Context, t domain.ScheduledTask) error {
	days, err := encodeDays(t.ScheduleDays)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET owner_id=?,name=?,description=?,task_type=?,frequency=?,schedule_time=?,schedule_days=?,
  task_config=?,is_active=?,last_run=?,next_run=?,retry_attempts=?,consecutive_failures=?,updated_at=?
WHERE id=?`, t.OwnerID, t.Name, t.Description, string(t.TaskType), string(t.Frequency), t.ScheduleTime, days,
		configBytes(t.TaskConfig), t.IsActive, nullMillis(t.LastRun), nullMillis(t.NextRun),
		t.RetryAttempts, t.ConsecutiveFailures, toMillis(time.Now().UTC()), t.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// UpdateDefinition writes the owner-editable columns of t. With reschedule it
// also writes is_active and next_run and resets retry_attempts. last_run and
// consecutive_failures belong to the dispatcher and are never touched.
func (r *sqliteRepo) UpdateDefinition(ctx context.Context, t domain.ScheduledTask, reschedule bool) error {
	days, err := encodeDays(t.ScheduleDays)
	if err != nil {
		return err
	}
	query := `
UPDATE scheduled_tasks SET owner_id=?,name=?,description=?,task_type=?,frequency=?,schedule_time=?,schedule_days=?,
  task_config=?,updated_at=?`
	args := []any{t.OwnerID, t.Name, t.Description, string(t.TaskType), string(t.Frequency), t.ScheduleTime, days,
		configBytes(t.TaskConfig), toMillis(time.Now().UTC())}
	if reschedule {
		query += `,is_active=?,next_run=?,retry_attempts=0`
		args = append(args, t.IsActive, nullMillis(t.NextRun))
	}
	query += ` WHERE id=?`
	args = append(args, t.ID)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *sqliteRepo) DeleteTask(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_executions WHERE task_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	return tx.Commit()
}

// TryClaim atomically creates a running execution for the task. The insert is
// conditional on no running execution existing, and the partial unique index
// rejects a concurrent winner from another connection or process.
func (r *sqliteRepo) TryClaim(ctx context.Context, taskID string, now time.Time, trigger domain.Trigger) (domain.TaskExecution, error) {
	if trigger == "" {
		trigger = domain.TriggerSchedule
	}
	id := "exe_" + uuid.NewString()
	res, err := r.db.ExecContext(ctx, `
INSERT INTO task_executions (id,task_id,started_at,status,attempt,trigger)
SELECT ?, t.id, ?, 'running', t.retry_attempts + 1, ?
FROM scheduled_tasks t
WHERE t.id = ?
  AND NOT EXISTS (SELECT 1 FROM task_executions e WHERE e.task_id=t.id AND e.status='running')
`, id, toMillis(now), string(trigger), taskID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.TaskExecution{}, ErrAlreadyClaimed
		}
		return domain.TaskExecution{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.TaskExecution{}, err
	}
	if n == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM scheduled_tasks WHERE id=?`, taskID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TaskExecution{}, ErrNotFound
		}
		if err != nil {
			return domain.TaskExecution{}, err
		}
		return domain.TaskExecution{}, ErrAlreadyClaimed
	}
	return r.GetExecution(ctx, id)
}

func (r *sqliteRepo) UpdateExecution(ctx context.Context, e domain.TaskExecution) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE task_executions SET finished_at=?,status=?,attempt=?,result_summary=?,error=? WHERE id=?`,
		nullMillis(e.FinishedAt), string(e.Status), e.Attempt, nullBytes(e.ResultSummary), e.Error, e.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// FinishExecution records an execution outcome and the task's new run state in
// one transaction. next_run is only written while the task is still active, so a
// concurrent deactivation is never undone.
func (r *sqliteRepo) FinishExecution(ctx context.Context, e domain.TaskExecution, u domain.RunUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE task_executions SET finished_at=?,status=?,result_summary=?,error=? WHERE id=? AND status='running'`,
		nullMillis(e.FinishedAt), string(e.Status), nullBytes(e.ResultSummary), e.Error, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Recovered as stale by maintenance while we were running.
		return fmt.Errorf("execution %s is no longer running: %w", e.ID, ErrNotFound)
	}

	active := 1
	if u.Deactivate {
		active = 0
	}
	_, err = tx.ExecContext(ctx, `
UPDATE scheduled_tasks
SET last_run=?,
    is_active=CASE WHEN ?=0 THEN 0 ELSE is_active END,
    next_run=CASE WHEN ?=1 AND is_active=1 THEN ? ELSE NULL END,
    retry_attempts=?,
    consecutive_failures=?,
    updated_at=?
WHERE id=?`, toMillis(u.LastRun), active, active, nullMillis(u.NextRun),
		u.RetryAttempts, u.ConsecutiveFailures, toMillis(time.Now().UTC()), u.TaskID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) GetExecution(ctx context.Context, id string) (domain.TaskExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM task_executions WHERE id=?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskExecution{}, ErrNotFound
	}
	return e, err
}

func (r *sqliteRepo) ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]domain.TaskExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+executionColumns+` FROM task_executions WHERE task_id=?
ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`, taskID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecoverStale fails running executions that started before the cutoff, which
// frees the single-flight slot held by a crashed process.
func (r *sqliteRepo) RecoverStale(ctx context.Context, startedBefore, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE task_executions SET status='failed', error='abandoned', finished_at=?
WHERE status='running' AND started_at < ?`, toMillis(now), toMillis(startedBefore))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) PruneExecutions(ctx context.Context, finishedBefore time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM task_executions WHERE finished_at IS NOT NULL AND finished_at < ?`, toMillis(finishedBefore))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) LoadFingerprints(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT fingerprint FROM dedup_fingerprints ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fps []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		fps = append(fps, fp)
	}
	return fps, rows.Err()
}

// SaveFingerprints replaces the stored snapshot; fps must be oldest first.
func (r *sqliteRepo) SaveFingerprints(ctx context.Context, fps []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dedup_fingerprints`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO dedup_fingerprints (seq, fingerprint) VALUES (?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, fp := range fps {
		if _, err := stmt.ExecContext(ctx, i, fp); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func encodeDays(days []int) (string, error) {
	if len(days) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(days)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func configBytes(c json.RawMessage) []byte {
	if len(c) == 0 {
		return []byte("{}")
	}
	return c
}

func nullBytes(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
