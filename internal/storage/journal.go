package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PrzemekSekula/laser-train/internal/queue"
)

// StatusLost marks rows left non-terminal by a previous process. Tasks are
// not replayed across restarts.
const StatusLost = "lost"

const maxResultBytes = 64 * 1024

// timeLayout keeps a fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var ErrRecordNotFound = errors.New("task record not found")

// TaskRecord is one row of the task journal.
type TaskRecord struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Args         json.RawMessage `json:"args,omitempty"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Journal is an append-mostly audit trail of task lifecycles.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

func (j *Journal) stamp() string {
	return j.now().UTC().Format(timeLayout)
}

// Enqueued inserts the row for a freshly submitted task.
func (j *Journal) Enqueued(ctx context.Context, t queue.Task) error {
	args, err := json.Marshal(t.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
INSERT INTO task_log(id, name, args, status, submitted_at)
VALUES(?, ?, ?, ?, ?);
`, t.ID, t.Name, string(args), string(queue.StateQueued), t.SubmittedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert task_log: %w", err)
	}
	return nil
}

// Dispatched records that the task was handed to the agent.
func (j *Journal) Dispatched(ctx context.Context, taskID string) error {
	return j.update(ctx, `
UPDATE task_log SET status = ?, dispatched_at = ? WHERE id = ?;
`, string(queue.StateDispatched), j.stamp(), taskID)
}

// Resolved records the reported result.
func (j *Journal) Resolved(ctx context.Context, taskID string, result json.RawMessage) error {
	var res any
	if len(result) > 0 {
		r := result
		if len(r) > maxResultBytes {
			r, _ = json.Marshal(string(r[:maxResultBytes]))
		}
		res = string(r)
	}
	return j.update(ctx, `
UPDATE task_log SET status = ?, result = ?, finished_at = ? WHERE id = ?;
`, string(queue.StateResolved), res, j.stamp(), taskID)
}

// Finished records a terminal state without a result (dropped, abandoned).
func (j *Journal) Finished(ctx context.Context, taskID string, state queue.State, reason string) error {
	return j.update(ctx, `
UPDATE task_log SET status = ?, reason = ?, finished_at = ? WHERE id = ?;
`, string(state), reason, j.stamp(), taskID)
}

func (j *Journal) update(ctx context.Context, stmt string, args ...any) error {
	res, err := j.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update task_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task_log: %w", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkLost closes out rows a previous process left queued or dispatched.
func (j *Journal) MarkLost(ctx context.Context) (int64, error) {
	res, err := j.db.ExecContext(ctx, `
UPDATE task_log SET status = ?, reason = 'server restarted', finished_at = ?
WHERE status IN (?, ?);
`, StatusLost, j.stamp(), string(queue.StateQueued), string(queue.StateDispatched))
	if err != nil {
		return 0, fmt.Errorf("mark lost tasks: %w", err)
	}
	return res.RowsAffected()
}

// Recent returns the newest records first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, name, args, status, result, reason, submitted_at, dispatched_at, finished_at
FROM task_log
ORDER BY submitted_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query task_log: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task_log: %w", err)
	}
	return out, nil
}

// Get returns one record by task id.
func (j *Journal) Get(ctx context.Context, taskID string) (*TaskRecord, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, name, args, status, result, reason, submitted_at, dispatched_at, finished_at
FROM task_log
WHERE id = ?;
`, taskID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*TaskRecord, error) {
	var (
		rec          TaskRecord
		args         sql.NullString
		result       sql.NullString
		reason       sql.NullString
		submittedAt  string
		dispatchedAt sql.NullString
		finishedAt   sql.NullString
	)
	if err := s.Scan(&rec.ID, &rec.Name, &args, &rec.Status, &result, &reason, &submittedAt, &dispatchedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task_log: %w", err)
	}

	if args.Valid {
		rec.Args = json.RawMessage(args.String)
	}
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	rec.Reason = reason.String
	if t, err := time.Parse(time.RFC3339Nano, submittedAt); err == nil {
		rec.SubmittedAt = t
	}
	rec.DispatchedAt = parseNullTime(dispatchedAt)
	rec.FinishedAt = parseNullTime(finishedAt)
	return &rec, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
