package repo

import (
	"context"
	"database/sql"

	"lexeval/internal/domain"
)

// EnsureAnnotator inserts the username if unknown, leaving existing rows alone.
func (r Repo) EnsureAnnotator(ctx context.Context, tx *sql.Tx, username, at string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO annotators(username,email,created_at) VALUES (?,'',?)`, username, at)
	return err
}

// UpsertAnnotator writes the annotator's profile and replaces their group set.
func (r Repo) UpsertAnnotator(ctx context.Context, tx *sql.Tx, a domain.Annotator) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO annotators(username,email,created_at) VALUES (?,?,?)
ON CONFLICT(username) DO UPDATE SET email=excluded.email`, a.Username, a.Email, a.CreatedAt)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM annotator_groups WHERE username=?`, a.Username); err != nil {
		return err
	}
	for _, g := range a.Groups {
		if _, err := tx.ExecContext(ctx, `INSERT INTO annotator_groups(username,group_name) VALUES (?,?)`, a.Username, g); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetAnnotator(ctx context.Context, username string) (domain.Annotator, error) {
	var a domain.Annotator
	err := r.DB.QueryRowContext(ctx, `SELECT username,email,created_at FROM annotators WHERE username=?`, username).
		Scan(&a.Username, &a.Email, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Groups, err = r.AnnotatorGroups(ctx, username)
	return a, err
}

func (r Repo) AnnotatorGroups(ctx context.Context, username string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT group_name FROM annotator_groups WHERE username=? ORDER BY group_name ASC`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r Repo) ListAnnotators(ctx context.Context) ([]domain.Annotator, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT username,email,created_at FROM annotators ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Annotator
	for rows.Next() {
		var a domain.Annotator
		if err := rows.Scan(&a.Username, &a.Email, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Groups, err = r.AnnotatorGroups(ctx, out[i].Username); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// --- trusted users ---

func (r Repo) AddTrustedUser(ctx context.Context, tx *sql.Tx, campaignID int64, username, at string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO trusted_users(campaign_id,username,created_at) VALUES (?,?,?)`, campaignID, username, at)
	return err
}

func (r Repo) IsTrustedUser(ctx context.Context, campaignID int64, username string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM trusted_users WHERE campaign_id=? AND username=? LIMIT 1`, campaignID, username).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListTrustedUsers(ctx context.Context, campaignID int64) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT username FROM trusted_users WHERE campaign_id=? ORDER BY username ASC`, campaignID)
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
