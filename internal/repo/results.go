package repo

import (
	"context"
	"database/sql"

	"lexeval/internal/domain"
)

const resultCols = `id,item_row,task_id,score,reference_errors,translation_errors,start_time,end_time,` + lifecycleCols

func (r Repo) InsertResult(ctx context.Context, tx *sql.Tx, res domain.Result) (int64, error) {
	out, err := tx.ExecContext(ctx, `INSERT INTO results(item_row,task_id,score,reference_errors,translation_errors,start_time,end_time,`+lifecycleCols+`) VALUES (?,?,?,?,?,?,?,`+lifecyclePlaceholders+`)`,
		append([]any{res.ItemRow, nullableID(res.TaskID), res.Score, res.ReferenceErrors, res.TranslationErrors, res.StartTime, res.EndTime}, lifecycleArgs(res.Lifecycle)...)...)
	if err != nil {
		return 0, err
	}
	return out.LastInsertId()
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func scanResultDest(res *domain.Result, taskID *sql.NullInt64, lr *lifecycleRow) []any {
	return append([]any{&res.ID, &res.ItemRow, taskID, &res.Score, &res.ReferenceErrors, &res.TranslationErrors, &res.StartTime, &res.EndTime}, lr.dest(&res.Lifecycle)...)
}

func (r Repo) GetResult(ctx context.Context, id int64) (domain.Result, error) {
	var res domain.Result
	var taskID sql.NullInt64
	var lr lifecycleRow
	err := r.DB.QueryRowContext(ctx, `SELECT `+resultCols+` FROM results WHERE id=?`, id).
		Scan(scanResultDest(&res, &taskID, &lr)...)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	res.TaskID = taskID.Int64
	lr.apply(&res.Lifecycle)
	return res, nil
}

// CountCompletedForUser counts the user's completed, non-reactivated results.
// With uniqueOnly, repeat judgments of the same item collapse to one.
func (r Repo) CountCompletedForUser(ctx context.Context, username string, uniqueOnly bool) (int, error) {
	expr := `COUNT(*)`
	if uniqueOnly {
		expr = `COUNT(DISTINCT item_row)`
	}
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT `+expr+` FROM results WHERE created_by=? AND completed=1 AND activated=0`, username).Scan(&n)
	return n, err
}

// TaskItemType pairs a judged item's type with the task it was judged under.
type TaskItemType struct {
	TaskID   int64
	ItemType string
}

// UserTaskItemTypes lists the (task, item type) pairs of the user's completed
// results, one row per result. Ungrouped judgments (no task) are skipped.
func (r Repo) UserTaskItemTypes(ctx context.Context, username string) ([]TaskItemType, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT r.task_id, i.item_type FROM results r
JOIN items i ON i.id=r.item_row
WHERE r.created_by=? AND r.completed=1 AND r.activated=0 AND r.task_id IS NOT NULL
ORDER BY r.id ASC`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskItemType
	for rows.Next() {
		var tt TaskItemType
		if err := rows.Scan(&tt.TaskID, &tt.ItemType); err != nil {
			return nil, err
		}
		out = append(out, tt)
	}
	return out, rows.Err()
}

// UserDurations lists per-result annotation durations in seconds for the
// user's completed results, in submission order.
func (r Repo) UserDurations(ctx context.Context, username string) ([]float64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT start_time, end_time FROM results WHERE created_by=? AND completed=1 AND activated=0 ORDER BY id ASC`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var start, end float64
		if err := rows.Scan(&start, &end); err != nil {
			return nil, err
		}
		out = append(out, end-start)
	}
	return out, rows.Err()
}

// GroupStatusRow is one completed judgment attributed to a user, carrying
// just enough to bucket per-group progress.
type GroupStatusRow struct {
	CreatedBy string
	ItemType  string
	TaskID    int64
}

func (r Repo) GroupStatusRows(ctx context.Context) ([]GroupStatusRow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT r.created_by, i.item_type, COALESCE(r.task_id, 0) FROM results r
JOIN items i ON i.id=r.item_row
WHERE r.completed=1 AND r.activated=0
ORDER BY r.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GroupStatusRow
	for rows.Next() {
		var g GroupStatusRow
		if err := rows.Scan(&g.CreatedBy, &g.ItemType, &g.TaskID); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// AnnotationRow is one completed judgment joined with its item and market,
// keyed for per-language-pair system score collection.
type AnnotationRow struct {
	TargetID   string
	Score      int
	CreatedBy  string
	ItemID     int64
	ItemType   string
	SourceCode string
	TargetCode string
}

func (r Repo) AnnotationRows(ctx context.Context, campaignID int64) ([]AnnotationRow, error) {
	query := `SELECT i.target_id, r.score, r.created_by, i.item_id, i.item_type, m.source_language_code, m.target_language_code
FROM results r
JOIN items i ON i.id=r.item_row
JOIN corpora c ON c.id=i.corpus_id
JOIN markets m ON m.id=c.market_id
WHERE r.completed=1 AND r.activated=0`
	args := []any{}
	if campaignID > 0 {
		query += ` AND r.task_id IN (SELECT id FROM tasks WHERE campaign_id=?)`
		args = append(args, campaignID)
	}
	query += ` ORDER BY r.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AnnotationRow
	for rows.Next() {
		var a AnnotationRow
		if err := rows.Scan(&a.TargetID, &a.Score, &a.CreatedBy, &a.ItemID, &a.ItemType, &a.SourceCode, &a.TargetCode); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CompletedRow is the flattened view of one completed judgment used by the
// CSV and score-dump writers.
type CompletedRow struct {
	ID                int64
	TaskID            int64
	TargetID          string
	CreatedBy         string
	Email             string
	ItemID            int64
	ItemType          string
	Score             int
	ReferenceErrors   string
	TranslationErrors string
	StartTime         float64
	EndTime           float64
	CreatedAt         string
	SourceID          string
	SourceText        string
	TargetText        string
	SourceCode        string
	TargetCode        string
	DomainName        string
	CampaignName      string
}

const completedRowQuery = `SELECT r.id, COALESCE(r.task_id, 0), i.target_id, r.created_by, COALESCE(a.email, ''),
i.item_id, i.item_type, r.score, r.reference_errors, r.translation_errors, r.start_time, r.end_time, r.created_at,
i.source_id, i.source_text, i.target_text,
m.source_language_code, m.target_language_code, m.domain_name,
COALESCE(cam.name, '')
FROM results r
JOIN items i ON i.id=r.item_row
JOIN corpora c ON c.id=i.corpus_id
JOIN markets m ON m.id=c.market_id
LEFT JOIN annotators a ON a.username=r.created_by
LEFT JOIN tasks t ON t.id=r.task_id
LEFT JOIN campaigns cam ON cam.id=t.campaign_id
WHERE r.completed=1 AND r.activated=0`

func (r Repo) scanCompletedRows(rows *sql.Rows) ([]CompletedRow, error) {
	defer rows.Close()
	var out []CompletedRow
	for rows.Next() {
		var cr CompletedRow
		if err := rows.Scan(&cr.ID, &cr.TaskID, &cr.TargetID, &cr.CreatedBy, &cr.Email,
			&cr.ItemID, &cr.ItemType, &cr.Score, &cr.ReferenceErrors, &cr.TranslationErrors,
			&cr.StartTime, &cr.EndTime, &cr.CreatedAt,
			&cr.SourceID, &cr.SourceText, &cr.TargetText,
			&cr.SourceCode, &cr.TargetCode, &cr.DomainName, &cr.CampaignName); err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

// CompletedRowsAsc returns all completed judgments in submission order.
func (r Repo) CompletedRowsAsc(ctx context.Context) ([]CompletedRow, error) {
	rows, err := r.DB.QueryContext(ctx, completedRowQuery+` ORDER BY r.id ASC`)
	if err != nil {
		return nil, err
	}
	return r.scanCompletedRows(rows)
}

// CompletedRowsDesc returns all completed judgments newest first.
func (r Repo) CompletedRowsDesc(ctx context.Context) ([]CompletedRow, error) {
	rows, err := r.DB.QueryContext(ctx, completedRowQuery+` ORDER BY r.id DESC`)
	if err != nil {
		return nil, err
	}
	return r.scanCompletedRows(rows)
}

// CompletedRowsForMarket filters completed judgments to one language pair
// and content domain, in submission order.
func (r Repo) CompletedRowsForMarket(ctx context.Context, srcCode, tgtCode, domainName string) ([]CompletedRow, error) {
	rows, err := r.DB.QueryContext(ctx, completedRowQuery+` AND m.source_language_code=? AND m.target_language_code=? AND m.domain_name=? ORDER BY r.id ASC`,
		srcCode, tgtCode, domainName)
	if err != nil {
		return nil, err
	}
	return r.scanCompletedRows(rows)
}
