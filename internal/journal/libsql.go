package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// LibSQLJournal implements the Journal interface using libSQL (embedded
// SQLite fork).
type LibSQLJournal struct {
	db *sql.DB
}

var _ Journal = (*LibSQLJournal)(nil)

// Open opens a libSQL database at the given path. The path should be a
// file URI, e.g. "file:/var/lib/reactor/journal.db".
func Open(dbPath string) (*LibSQLJournal, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. QueryRow because some of them return a row.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLJournal{db: db}, nil
}

// Migrate runs all pending database migrations.
func (j *LibSQLJournal) Migrate(ctx context.Context) error {
	return runMigrations(ctx, j.db)
}

// Close closes the database.
func (j *LibSQLJournal) Close() error { return j.db.Close() }

// --- Entries ---

func (j *LibSQLJournal) AppendEntry(ctx context.Context, entry *Entry) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this execution.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM entries WHERE execution_id = ?`, entry.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	entry.Sequence = seq

	payload, err := nullableMap(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries (execution_id, step, event, payload, sequence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, nullStr(entry.Step), entry.Event, payload, seq, timeOrNow(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entry: %w", err)
	}
	return nil
}

func (j *LibSQLJournal) ListEntries(ctx context.Context, executionID string, since int64) ([]*Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, execution_id, step, event, payload, sequence, created_at
		 FROM entries WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var step, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &step, &e.Event, &payload, &e.Sequence, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Step = step.String
		m, err := mapOrNil(payload)
		if err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		e.Payload = m
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Steps ---

func (j *LibSQLJournal) RecordStep(ctx context.Context, rec *StepRecord) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO steps (execution_id, step, step_type, status, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step) DO UPDATE SET
		   status=excluded.status, error=excluded.error, finished_at=excluded.finished_at`,
		rec.ExecutionID, rec.Step, rec.Type, rec.Status, rec.Error,
		timeOrNow(rec.StartedAt), nullTime(rec.FinishedAt),
	)
	return err
}

func (j *LibSQLJournal) ListSteps(ctx context.Context, executionID string) ([]*StepRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT execution_id, step, step_type, status, error, started_at, finished_at
		 FROM steps WHERE execution_id = ? ORDER BY started_at ASC`,
		executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*StepRecord
	for rows.Next() {
		r := &StepRecord{}
		var finished sql.NullTime
		if err := rows.Scan(&r.ExecutionID, &r.Step, &r.Type, &r.Status, &r.Error, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// --- Schedules ---

func (j *LibSQLJournal) SaveSchedule(ctx context.Context, sched *Schedule) error {
	goal, err := nullableMap(sched.Goal)
	if err != nil {
		return fmt.Errorf("marshal goal: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO schedules (id, name, cron_expression, target, command, goal, timeout_ns, enabled,
		                        last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, cron_expression=excluded.cron_expression, target=excluded.target,
		   command=excluded.command, goal=excluded.goal, timeout_ns=excluded.timeout_ns,
		   enabled=excluded.enabled, next_run_at=excluded.next_run_at`,
		sched.ID, sched.Name, sched.CronExpression, sched.Target, sched.Command, goal,
		int64(sched.Timeout), sched.Enabled, nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		nullStr(sched.LastRunStatus), timeOrNow(sched.CreatedAt),
	)
	return err
}

func (j *LibSQLJournal) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expression, target, command, goal, timeout_ns, enabled,
		        last_run_at, next_run_at, last_run_status, created_at
		 FROM schedules WHERE id = ?`, id,
	)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, journalNotFound("schedule", id)
	}
	return sched, err
}

func (j *LibSQLJournal) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	query := `SELECT id, name, cron_expression, target, command, goal, timeout_ns, enabled,
	                 last_run_at, next_run_at, last_run_status, created_at
	          FROM schedules`
	var conds []string
	var args []any
	if filter.Enabled != nil {
		conds = append(conds, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.Target != "" {
		conds = append(conds, "target = ?")
		args = append(args, filter.Target)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY name ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scheds []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, s)
	}
	return scheds, rows.Err()
}

func (j *LibSQLJournal) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := j.db.ExecContext(ctx,
		`UPDATE schedules SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (j *LibSQLJournal) DeleteSchedule(ctx context.Context, id string) error {
	res, err := j.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (*Schedule, error) {
	s := &Schedule{}
	var goal, status sql.NullString
	var lastRun, nextRun sql.NullTime
	var timeoutNS int64
	err := row.Scan(&s.ID, &s.Name, &s.CronExpression, &s.Target, &s.Command, &goal, &timeoutNS,
		&s.Enabled, &lastRun, &nextRun, &status, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	m, err := mapOrNil(goal)
	if err != nil {
		return nil, fmt.Errorf("unmarshal goal: %w", err)
	}
	s.Goal = m
	s.Timeout = time.Duration(timeoutNS)
	s.LastRunStatus = status.String
	if lastRun.Valid {
		s.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		s.NextRunAt = &nextRun.Time
	}
	return s, nil
}

// --- Helpers ---

func journalNotFound(resource, id string) *schema.ReactorError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return journalNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func mapOrNil(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
