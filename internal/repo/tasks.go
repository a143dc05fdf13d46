package repo

import (
	"context"
	"database/sql"

	"lexeval/internal/domain"
)

const taskCols = `id,campaign_id,kind,required_annotations,batch_no,batch_name,` + lifecycleCols

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(campaign_id,kind,required_annotations,batch_no,batch_name,`+lifecycleCols+`) VALUES (?,?,?,?,?,`+lifecyclePlaceholders+`)`,
		append([]any{t.CampaignID, t.Kind, t.RequiredAnnotations, t.BatchNo, nullable(t.BatchName)}, lifecycleArgs(t.Lifecycle)...)...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanTaskDest(t *domain.Task, batchName *sql.NullString, lr *lifecycleRow) []any {
	return append([]any{&t.ID, &t.CampaignID, &t.Kind, &t.RequiredAnnotations, &t.BatchNo, batchName}, lr.dest(&t.Lifecycle)...)
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	var t domain.Task
	var batchName sql.NullString
	var lr lifecycleRow
	err := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id).
		Scan(scanTaskDest(&t, &batchName, &lr)...)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if batchName.Valid {
		t.BatchName = batchName.String
	}
	lr.apply(&t.Lifecycle)
	return t, nil
}

func (r Repo) listTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var batchName sql.NullString
		var lr lifecycleRow
		if err := rows.Scan(scanTaskDest(&t, &batchName, &lr)...); err != nil {
			return nil, err
		}
		if batchName.Valid {
			t.BatchName = batchName.String
		}
		lr.apply(&t.Lifecycle)
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTasks(ctx context.Context, campaignID int64) ([]domain.Task, error) {
	if campaignID > 0 {
		return r.listTasks(ctx, `SELECT `+taskCols+` FROM tasks WHERE campaign_id=? ORDER BY id ASC`, campaignID)
	}
	return r.listTasks(ctx, `SELECT `+taskCols+` FROM tasks ORDER BY id ASC`)
}

// ListTasksAssignedTo returns the user's activated, incomplete tasks,
// most recent first (session continuity prefers the latest task).
func (r Repo) ListTasksAssignedTo(ctx context.Context, username string) ([]domain.Task, error) {
	return r.listTasks(ctx, `SELECT `+taskCols+` FROM tasks
WHERE activated=1 AND completed=0
AND id IN (SELECT task_id FROM task_assignees WHERE username=?)
ORDER BY id DESC`, username)
}

// ListOpenTasksForLanguage returns activated, incomplete tasks whose items
// belong to markets with the given target language, in creation (id) order.
func (r Repo) ListOpenTasksForLanguage(ctx context.Context, code string, campaignID int64) ([]domain.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks t
WHERE t.activated=1 AND t.completed=0
AND EXISTS (
    SELECT 1 FROM task_items ti
    JOIN items i ON i.id=ti.item_row
    JOIN corpora c ON c.id=i.corpus_id
    JOIN markets m ON m.id=c.market_id
    WHERE ti.task_id=t.id AND m.target_language_code=?
)`
	args := []any{code}
	if campaignID > 0 {
		query += ` AND t.campaign_id=?`
		args = append(args, campaignID)
	}
	query += ` ORDER BY t.id ASC`
	return r.listTasks(ctx, query, args...)
}

func (r Repo) AddTaskItem(ctx context.Context, tx *sql.Tx, taskID, itemRow int64, position int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_items(task_id,item_row,position) VALUES (?,?,?)`, taskID, itemRow, position)
	return err
}

func (r Repo) CountTaskItems(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_items WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}

func (r Repo) ListTaskItemIDs(ctx context.Context, taskID int64) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT item_row FROM task_items WHERE task_id=? ORDER BY position ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NextItemForUser returns the first task item, in position order, without a
// completed, non-reactivated result by the user. The result match is by item
// alone, so judgments submitted through a different task still count.
func (r Repo) NextItemForUser(ctx context.Context, taskID int64, username string) (domain.TextPair, error) {
	var it domain.TextPair
	var sourceURL, targetURL, imageURL sql.NullString
	var lr lifecycleRow
	err := r.DB.QueryRowContext(ctx, `SELECT `+qualifiedItemCols("i")+` FROM task_items ti
JOIN items i ON i.id=ti.item_row
WHERE ti.task_id=?
AND NOT EXISTS (
    SELECT 1 FROM results r
    WHERE r.item_row=i.id AND r.created_by=? AND r.completed=1 AND r.activated=0
)
ORDER BY ti.position ASC LIMIT 1`, taskID, username).
		Scan(scanItemDest(&it, &sourceURL, &targetURL, &imageURL, &lr)...)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	applyItem(&it, sourceURL, targetURL, imageURL, &lr)
	return it, nil
}

// CountFullCoverageAnnotators counts distinct users holding a completed,
// non-reactivated result for every item of the task.
func (r Repo) CountFullCoverageAnnotators(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM (
    SELECT r.created_by FROM results r
    JOIN task_items ti ON ti.item_row=r.item_row AND ti.task_id=?
    WHERE r.completed=1 AND r.activated=0
    GROUP BY r.created_by
    HAVING COUNT(DISTINCT r.item_row) = (SELECT COUNT(*) FROM task_items WHERE task_id=?)
)`, taskID, taskID).Scan(&n)
	return n, err
}

// --- assignees ---

func (r Repo) CountAssigneesTx(ctx context.Context, tx *sql.Tx, taskID int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_assignees WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}

func (r Repo) IsAssignedTx(ctx context.Context, tx *sql.Tx, taskID int64, username string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM task_assignees WHERE task_id=? AND username=? LIMIT 1`, taskID, username).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) AddAssignee(ctx context.Context, tx *sql.Tx, taskID int64, username, at string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_assignees(task_id,username,assigned_at) VALUES (?,?,?)`, taskID, username, at)
	return err
}

func (r Repo) ListAssignees(ctx context.Context, taskID int64) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT username FROM task_assignees WHERE task_id=? ORDER BY assigned_at ASC, username ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// TaskMarket resolves the market of a task's first item, mirroring how the
// task's language pair is derived everywhere else.
func (r Repo) TaskMarket(ctx context.Context, taskID int64) (domain.Market, error) {
	return scanMarket(r.DB.QueryRowContext(ctx, `SELECT m.id,m.source_language_code,m.target_language_code,m.domain_name,
m.created_by,m.created_at,m.activated,m.activated_by,m.activated_at,m.completed,m.completed_by,m.completed_at,m.retired,m.retired_by,m.retired_at
FROM task_items ti
JOIN items i ON i.id=ti.item_row
JOIN corpora c ON c.id=i.corpus_id
JOIN markets m ON m.id=c.market_id
WHERE ti.task_id=? ORDER BY ti.position ASC LIMIT 1`, taskID))
}
