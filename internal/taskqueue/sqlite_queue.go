package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// SQLiteQueue is a persistent queue backed by SQLite, using simple
// earliest-eligible-first semantics based on not_before and an
// auto-incrementing id. Tasks are deleted as they are claimed; the pause
// flags are per-process state.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration

	mu       sync.Mutex
	paused   map[Kind]bool
	onStatus StatusFunc
}

// NewSQLiteQueue initializes the queue tables in the given DB and returns a
// new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
		paused:       make(map[Kind]bool),
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			workflow_id TEXT,
			run_id TEXT,
			item_id TEXT,
			payload BLOB,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_kind ON tasks(kind, not_before);
		CREATE TABLE IF NOT EXISTS repeatables (
			workflow_id TEXT PRIMARY KEY,
			spec TEXT NOT NULL,
			next_at INTEGER NOT NULL,
			template BLOB NOT NULL
		);
	`)
	return err
}

// OnStatusChange registers a callback fired when a kind's pause state flips.
func (q *SQLiteQueue) OnStatusChange(fn StatusFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onStatus = fn
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	now := time.Now()
	enqueuedAt := now.UnixNano()
	if !t.EnqueuedAt.IsZero() {
		enqueuedAt = t.EnqueuedAt.UnixNano()
	}

	notBefore := enqueuedAt
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (kind, workflow_id, run_id, item_id, payload, enqueued_at, not_before, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.Kind), t.WorkflowID, t.WorkflowRunID, t.ItemID,
		t.Payload, enqueuedAt, notBefore, t.Attempts,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, kind Kind) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now()
		if err := q.fireDueRepeatables(ctx, now); err != nil {
			return nil, err
		}

		if !q.Paused(kind) {
			t, err := q.claim(ctx, kind, now)
			if err != nil {
				return nil, err
			}
			if t != nil {
				return t, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQLiteQueue) claim(ctx context.Context, kind Kind, now time.Time) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		id          int64
		workflowID  sql.NullString
		runID       sql.NullString
		itemID      sql.NullString
		payload     []byte
		enqueuedInt int64
		notBefore   int64
		attempts    int
	)

	row := tx.QueryRowContext(ctx, `
		SELECT id, workflow_id, run_id, item_id, payload, enqueued_at, not_before, attempts
		FROM tasks
		WHERE kind = ? AND not_before <= ?
		ORDER BY not_before, id
		LIMIT 1`, string(kind), now.UnixNano())
	if err := row.Scan(&id, &workflowID, &runID, &itemID, &payload, &enqueuedInt, &notBefore, &attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Task{
		Kind:          kind,
		WorkflowID:    workflowID.String,
		WorkflowRunID: runID.String,
		ItemID:        itemID.String,
		Payload:       payload,
		EnqueuedAt:    time.Unix(0, enqueuedInt),
		NotBefore:     time.Unix(0, notBefore),
		Attempts:      attempts,
	}, nil
}

// fireDueRepeatables materializes due repeatable registrations into tasks
// and advances their next fire time.
func (q *SQLiteQueue) fireDueRepeatables(ctx context.Context, now time.Time) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT workflow_id, spec, template FROM repeatables WHERE next_at <= ?`, now.UnixNano())
	if err != nil {
		return err
	}

	type due struct {
		workflowID string
		spec       string
		template   []byte
	}
	var fired []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.workflowID, &d.spec, &d.template); err != nil {
			rows.Close()
			return err
		}
		fired = append(fired, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, d := range fired {
		var t Task
		if err := json.Unmarshal(d.template, &t); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (kind, workflow_id, run_id, item_id, payload, enqueued_at, not_before, attempts)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
			string(t.Kind), t.WorkflowID, t.WorkflowRunID, t.ItemID,
			t.Payload, now.UnixNano(), now.UnixNano(),
		); err != nil {
			return err
		}

		next, err := NextAfter(d.spec, now)
		if err != nil {
			next = now.Add(24 * time.Hour)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE repeatables SET next_at = ? WHERE workflow_id = ?`,
			next.UnixNano(), d.workflowID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (q *SQLiteQueue) Len(kind Kind) int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE kind = ?`, string(kind)).Scan(&n); err != nil {
		return 0
	}
	return n
}

func (q *SQLiteQueue) Pause(kind Kind)  { q.setPaused(kind, true) }
func (q *SQLiteQueue) Resume(kind Kind) { q.setPaused(kind, false) }

func (q *SQLiteQueue) setPaused(kind Kind, paused bool) {
	q.mu.Lock()
	changed := q.paused[kind] != paused
	q.paused[kind] = paused
	fn := q.onStatus
	q.mu.Unlock()

	if changed && fn != nil {
		fn(kind, paused)
	}
}

func (q *SQLiteQueue) Paused(kind Kind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused[kind]
}

func (q *SQLiteQueue) UpsertRepeatable(ctx context.Context, workflowID, cronSpec string, t Task) error {
	next, err := NextAfter(cronSpec, time.Now())
	if err != nil {
		return err
	}
	template, err := json.Marshal(t)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO repeatables (workflow_id, spec, next_at, template)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET spec = excluded.spec, next_at = excluded.next_at, template = excluded.template`,
		workflowID, cronSpec, next.UnixNano(), template,
	)
	return err
}

func (q *SQLiteQueue) RemoveRepeatable(ctx context.Context, workflowID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM repeatables WHERE workflow_id = ?`, workflowID)
	return err
}

func (q *SQLiteQueue) Repeatables(ctx context.Context) (map[string]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT workflow_id, spec FROM repeatables`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, spec string
		if err := rows.Scan(&id, &spec); err != nil {
			return nil, err
		}
		out[id] = spec
	}
	return out, rows.Err()
}
