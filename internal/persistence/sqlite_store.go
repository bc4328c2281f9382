package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ScriptedAlchemy/conveyor/pkg/api"
)

// SQLiteStore implements all four stores on a SQLite database.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ WorkflowStore  = (*SQLiteStore)(nil)
	_ RunStore       = (*SQLiteStore)(nil)
	_ ItemStore      = (*SQLiteStore)(nil)
	_ PluginRunStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the schema in the given database and returns
// a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Stores bundles a SQLiteStore into a Persistence value.
func (s *SQLiteStore) Stores() Persistence {
	return Persistence{Workflows: s, Runs: s, Items: s, PluginRuns: s}
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_by TEXT NOT NULL,
			schedule TEXT NOT NULL DEFAULT '',
			source BLOB NOT NULL,
			pipeline BLOB NOT NULL,
			status TEXT NOT NULL,
			state BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			triggered_by TEXT NOT NULL,
			status TEXT NOT NULL,
			items_processed INTEGER NOT NULL DEFAULT 0,
			items_failed INTEGER NOT NULL DEFAULT 0,
			items_total INTEGER NOT NULL DEFAULT 0,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			completed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id, status);
		CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			external_id TEXT NOT NULL,
			data BLOB,
			processed_at INTEGER,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_items_workflow ON items(workflow_id, created_at);
		CREATE TABLE IF NOT EXISTS plugin_runs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			item_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			plugin_id TEXT NOT NULL,
			config BLOB,
			input BLOB,
			output BLOB,
			error TEXT NOT NULL DEFAULT '',
			retryable INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_plugin_runs_run ON plugin_runs(run_id, item_id, step_id);
	`)
	return err
}

func encodeTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func decodeTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64)
}

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, wf *api.Workflow) error {
	source, err := json.Marshal(wf.Source)
	if err != nil {
		return err
	}
	pipeline, err := json.Marshal(wf.Pipeline)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, created_by, schedule, source, pipeline, status, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, wf.CreatedBy, wf.Schedule, source, pipeline,
		string(wf.Status), wf.State, wf.CreatedAt.UnixNano(), wf.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, wf *api.Workflow) error {
	source, err := json.Marshal(wf.Source)
	if err != nil {
		return err
	}
	pipeline, err := json.Marshal(wf.Pipeline)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET name = ?, created_by = ?, schedule = ?, source = ?, pipeline = ?, status = ?, state = ?, updated_at = ?
		WHERE id = ?`,
		wf.Name, wf.CreatedBy, wf.Schedule, source, pipeline,
		string(wf.Status), wf.State, time.Now().UnixNano(), wf.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

func (s *SQLiteStore) scanWorkflow(row interface{ Scan(...any) error }) (*api.Workflow, error) {
	var wf api.Workflow
	var statusStr string
	var source, pipeline []byte
	var createdAt, updatedAt int64

	err := row.Scan(&wf.ID, &wf.Name, &wf.CreatedBy, &wf.Schedule, &source, &pipeline, &statusStr, &wf.State, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(source, &wf.Source); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(pipeline, &wf.Pipeline); err != nil {
		return nil, err
	}
	wf.Status = api.WorkflowStatus(statusStr)
	wf.CreatedAt = time.Unix(0, createdAt)
	wf.UpdatedAt = time.Unix(0, updatedAt)
	return &wf, nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_by, schedule, source, pipeline, status, state, created_at, updated_at
		FROM workflows WHERE id = ?`, id)
	return s.scanWorkflow(row)
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, filter api.WorkflowFilter) ([]*api.Workflow, error) {
	query := `
		SELECT id, name, created_by, schedule, source, pipeline, status, state, created_at, updated_at
		FROM workflows`
	var args []any
	var clauses []string

	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.CreatedBy != "" {
		clauses = append(clauses, "created_by = ?")
		args = append(args, filter.CreatedBy)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*api.Workflow
	for rows.Next() {
		wf, err := s.scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *SQLiteStore) SaveSourceState(ctx context.Context, workflowID string, state []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().UnixNano(), workflowID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Explicit cascade: foreign_keys pragma may be off on the connection.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM plugin_runs WHERE run_id IN (SELECT id FROM runs WHERE workflow_id = ?)`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE workflow_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE workflow_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorkflowNotFound
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *api.WorkflowRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, triggered_by, status, items_processed, items_failed, items_total, cancel_requested, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.TriggeredBy, string(run.Status),
		run.ItemsProcessed, run.ItemsFailed, run.ItemsTotal,
		boolInt(run.CancelRequested), run.Error,
		run.StartedAt.UnixNano(), encodeTime(run.CompletedAt),
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) scanRun(row interface{ Scan(...any) error }) (*api.WorkflowRun, error) {
	var run api.WorkflowRun
	var statusStr string
	var cancelRequested int
	var startedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(&run.ID, &run.WorkflowID, &run.TriggeredBy, &statusStr,
		&run.ItemsProcessed, &run.ItemsFailed, &run.ItemsTotal,
		&cancelRequested, &run.Error, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}

	run.Status = api.RunStatus(statusStr)
	run.CancelRequested = cancelRequested != 0
	run.StartedAt = time.Unix(0, startedAt)
	run.CompletedAt = decodeTime(completedAt)
	return &run, nil
}

const runColumns = `id, workflow_id, triggered_by, status, items_processed, items_failed, items_total, cancel_requested, error, started_at, completed_at`

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*api.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return s.scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.WorkflowRun
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) FindOpenRun(ctx context.Context, workflowID string) (*api.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE workflow_id = ? AND status IN (?, ?)
		LIMIT 1`,
		workflowID, string(api.RunPending), string(api.RunRunning),
	)
	return s.scanRun(row)
}

func (s *SQLiteStore) SetRunStatus(ctx context.Context, runID string, status api.RunStatus, errMsg string, completedAt time.Time) error {
	var completed any
	if status.Terminal() {
		completed = encodeTime(completedAt)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), errMsg, completed, runID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *SQLiteStore) AddItemsTotal(ctx context.Context, runID string, delta int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET items_total = items_total + ? WHERE id = ?`, delta, runID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *SQLiteStore) AddItemsFailed(ctx context.Context, runID string, delta int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET items_failed = items_failed + ? WHERE id = ?`, delta, runID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *SQLiteStore) IncrementItemsProcessed(ctx context.Context, runID string, failed bool) (int, int, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET items_processed = items_processed + 1, items_failed = items_failed + ? WHERE id = ?`,
		boolInt(failed), runID,
	)
	if err != nil {
		return 0, 0, 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, 0, 0, err
	}
	if affected == 0 {
		return 0, 0, 0, ErrRunNotFound
	}

	var processed, failedCount, total int
	if err := tx.QueryRowContext(ctx, `
		SELECT items_processed, items_failed, items_total FROM runs WHERE id = ?`, runID,
	).Scan(&processed, &failedCount, &total); err != nil {
		return 0, 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, 0, err
	}
	return processed, failedCount, total, nil
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET cancel_requested = 1 WHERE id = ?`, runID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *SQLiteStore) UpsertItem(ctx context.Context, item *api.SourceItem) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, workflow_id, external_id, data, processed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		item.ID, item.WorkflowID, item.ExternalID, item.Data,
		encodeTime(item.ProcessedAt), item.CreatedAt.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) scanItem(row interface{ Scan(...any) error }) (*api.SourceItem, error) {
	var item api.SourceItem
	var processedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&item.ID, &item.WorkflowID, &item.ExternalID, &item.Data, &processedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	item.ProcessedAt = decodeTime(processedAt)
	item.CreatedAt = time.Unix(0, createdAt)
	return &item, nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*api.SourceItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, external_id, data, processed_at, created_at
		FROM items WHERE id = ?`, id)
	return s.scanItem(row)
}

func (s *SQLiteStore) ListItems(ctx context.Context, workflowID string) ([]*api.SourceItem, error) {
	query := `SELECT id, workflow_id, external_id, data, processed_at, created_at FROM items`
	var args []any
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*api.SourceItem
	for rows.Next() {
		item, err := s.scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) MarkItemProcessed(ctx context.Context, itemID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE items SET processed_at = ? WHERE id = ?`, at.UnixNano(), itemID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrItemNotFound
	}
	return nil
}

const pluginRunColumns = `id, run_id, item_id, step_id, step_index, plugin_id, config, input, output, error, retryable, status, started_at, completed_at`

func (s *SQLiteStore) SavePluginRun(ctx context.Context, pr *api.PluginRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_runs (`+pluginRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pr.ID, pr.WorkflowRunID, pr.SourceItemID, pr.StepID, pr.StepIndex, pr.PluginID,
		pr.Config, pr.Input, pr.Output, pr.Error, boolInt(pr.Retryable),
		string(pr.Status), pr.StartedAt.UnixNano(), encodeTime(pr.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) UpdatePluginRun(ctx context.Context, pr *api.PluginRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plugin_runs
		SET output = ?, error = ?, retryable = ?, status = ?, completed_at = ?
		WHERE id = ?`,
		pr.Output, pr.Error, boolInt(pr.Retryable), string(pr.Status),
		encodeTime(pr.CompletedAt), pr.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPluginRunNotFound
	}
	return nil
}

func (s *SQLiteStore) scanPluginRun(row interface{ Scan(...any) error }) (*api.PluginRun, error) {
	var pr api.PluginRun
	var statusStr string
	var retryable int
	var startedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(&pr.ID, &pr.WorkflowRunID, &pr.SourceItemID, &pr.StepID, &pr.StepIndex,
		&pr.PluginID, &pr.Config, &pr.Input, &pr.Output, &pr.Error, &retryable,
		&statusStr, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPluginRunNotFound
		}
		return nil, err
	}

	pr.Retryable = retryable != 0
	pr.Status = api.StepStatus(statusStr)
	pr.StartedAt = time.Unix(0, startedAt)
	pr.CompletedAt = decodeTime(completedAt)
	return &pr, nil
}

func (s *SQLiteStore) GetPluginRun(ctx context.Context, id string) (*api.PluginRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pluginRunColumns+` FROM plugin_runs WHERE id = ?`, id)
	return s.scanPluginRun(row)
}

func (s *SQLiteStore) ListPluginRuns(ctx context.Context, runID, itemID string) ([]*api.PluginRun, error) {
	query := `SELECT ` + pluginRunColumns + ` FROM plugin_runs WHERE run_id = ?`
	args := []any{runID}
	if itemID != "" {
		query += ` AND item_id = ?`
		args = append(args, itemID)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.PluginRun
	for rows.Next() {
		pr, err := s.scanPluginRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pr)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) LatestCompleted(ctx context.Context, runID, itemID, stepID string) (*api.PluginRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pluginRunColumns+` FROM plugin_runs
		WHERE run_id = ? AND item_id = ? AND step_id = ? AND status = ?
		ORDER BY seq DESC LIMIT 1`,
		runID, itemID, stepID, string(api.StepCompleted),
	)
	return s.scanPluginRun(row)
}
