package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lexeval/internal/config"
	"lexeval/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// lifecycleCols is the shared column tail carried by every core table.
const lifecycleCols = `created_by,created_at,activated,activated_by,activated_at,completed,completed_by,completed_at,retired,retired_by,retired_at`

type lifecycleRow struct {
	activated, completed, retired                                         int
	activatedBy, activatedAt, completedBy, completedAt, retiredBy, retiredAt sql.NullString
}

func (lr *lifecycleRow) dest(l *domain.Lifecycle) []any {
	return []any{
		&l.CreatedBy, &l.CreatedAt,
		&lr.activated, &lr.activatedBy, &lr.activatedAt,
		&lr.completed, &lr.completedBy, &lr.completedAt,
		&lr.retired, &lr.retiredBy, &lr.retiredAt,
	}
}

func (lr *lifecycleRow) apply(l *domain.Lifecycle) {
	l.Activated = lr.activated != 0
	l.Completed = lr.completed != 0
	l.Retired = lr.retired != 0
	if lr.activatedBy.Valid {
		l.ActivatedBy = lr.activatedBy.String
	}
	if lr.activatedAt.Valid {
		l.ActivatedAt = lr.activatedAt.String
	}
	if lr.completedBy.Valid {
		l.CompletedBy = lr.completedBy.String
	}
	if lr.completedAt.Valid {
		l.CompletedAt = lr.completedAt.String
	}
	if lr.retiredBy.Valid {
		l.RetiredBy = lr.retiredBy.String
	}
	if lr.retiredAt.Valid {
		l.RetiredAt = lr.retiredAt.String
	}
}

func lifecycleArgs(l domain.Lifecycle) []any {
	return []any{
		l.CreatedBy, l.CreatedAt,
		boolInt(l.Activated), nullable(l.ActivatedBy), nullable(l.ActivatedAt),
		boolInt(l.Completed), nullable(l.CompletedBy), nullable(l.CompletedAt),
		boolInt(l.Retired), nullable(l.RetiredBy), nullable(l.RetiredAt),
	}
}

const lifecyclePlaceholders = `?,?,?,?,?,?,?,?,?,?,?`

// UpdateLifecycle writes the full lifecycle column set for one row of table.
// Set-once semantics are enforced by the domain type before the write.
func (r Repo) UpdateLifecycle(ctx context.Context, tx *sql.Tx, table string, id int64, l domain.Lifecycle) error {
	query := fmt.Sprintf(`UPDATE %s SET created_by=?,created_at=?,activated=?,activated_by=?,activated_at=?,completed=?,completed_by=?,completed_at=?,retired=?,retired_by=?,retired_at=? WHERE id=?`, table)
	args := append(lifecycleArgs(l), id)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- campaigns ---

func (r Repo) InsertCampaign(ctx context.Context, tx *sql.Tx, c domain.Campaign) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO campaigns(name,`+lifecycleCols+`) VALUES (?,`+lifecyclePlaceholders+`)`,
		append([]any{c.Name}, lifecycleArgs(c.Lifecycle)...)...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) scanCampaign(row *sql.Row) (domain.Campaign, error) {
	var c domain.Campaign
	var lr lifecycleRow
	err := row.Scan(append([]any{&c.ID, &c.Name}, lr.dest(&c.Lifecycle)...)...)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	lr.apply(&c.Lifecycle)
	return c, nil
}

func (r Repo) GetCampaign(ctx context.Context, id int64) (domain.Campaign, error) {
	return r.scanCampaign(r.DB.QueryRowContext(ctx, `SELECT id,name,`+lifecycleCols+` FROM campaigns WHERE id=?`, id))
}

func (r Repo) GetCampaignByName(ctx context.Context, name string) (domain.Campaign, error) {
	return r.scanCampaign(r.DB.QueryRowContext(ctx, `SELECT id,name,`+lifecycleCols+` FROM campaigns WHERE name=?`, name))
}

// SingleCampaign returns the only campaign, or an error when zero or many exist.
func (r Repo) SingleCampaign(ctx context.Context) (domain.Campaign, error) {
	campaigns, err := r.ListCampaigns(ctx)
	if err != nil {
		return domain.Campaign{}, err
	}
	if len(campaigns) == 0 {
		return domain.Campaign{}, ErrNotFound
	}
	if len(campaigns) > 1 {
		return domain.Campaign{}, fmt.Errorf("multiple campaigns exist; specify --campaign")
	}
	return campaigns[0], nil
}

func (r Repo) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,`+lifecycleCols+` FROM campaigns ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		var lr lifecycleRow
		if err := rows.Scan(append([]any{&c.ID, &c.Name}, lr.dest(&c.Lifecycle)...)...); err != nil {
			return nil, err
		}
		lr.apply(&c.Lifecycle)
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpsertCampaignConfig(ctx context.Context, campaignID int64, cfg *config.Config) error {
	return upsertCampaignConfig(ctx, r.DB, nil, campaignID, cfg)
}

func (r Repo) UpsertCampaignConfigTx(ctx context.Context, tx *sql.Tx, campaignID int64, cfg *config.Config) error {
	return upsertCampaignConfig(ctx, nil, tx, campaignID, cfg)
}

func upsertCampaignConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, campaignID int64, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO campaign_configs(campaign_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(campaign_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, campaignID, string(payload), now, now)
	return err
}

func (r Repo) GetCampaignConfig(ctx context.Context, campaignID int64) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM campaign_configs WHERE campaign_id=?`, campaignID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// --- markets ---

// EnsureMarket returns the market for the triple, inserting it if missing.
func (r Repo) EnsureMarket(ctx context.Context, tx *sql.Tx, m domain.Market) (domain.Market, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,source_language_code,target_language_code,domain_name,`+lifecycleCols+` FROM markets WHERE source_language_code=? AND target_language_code=? AND domain_name=?`,
		m.SourceLanguageCode, m.TargetLanguageCode, m.DomainName)
	existing, err := scanMarket(row)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.Market{}, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO markets(source_language_code,target_language_code,domain_name,`+lifecycleCols+`) VALUES (?,?,?,`+lifecyclePlaceholders+`)`,
		append([]any{m.SourceLanguageCode, m.TargetLanguageCode, m.DomainName}, lifecycleArgs(m.Lifecycle)...)...)
	if err != nil {
		return domain.Market{}, err
	}
	m.ID, err = res.LastInsertId()
	return m, err
}

func scanMarket(row *sql.Row) (domain.Market, error) {
	var m domain.Market
	var lr lifecycleRow
	err := row.Scan(append([]any{&m.ID, &m.SourceLanguageCode, &m.TargetLanguageCode, &m.DomainName}, lr.dest(&m.Lifecycle)...)...)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	lr.apply(&m.Lifecycle)
	return m, nil
}

func (r Repo) GetMarket(ctx context.Context, id int64) (domain.Market, error) {
	return scanMarket(r.DB.QueryRowContext(ctx, `SELECT id,source_language_code,target_language_code,domain_name,`+lifecycleCols+` FROM markets WHERE id=?`, id))
}

// --- corpora ---

func (r Repo) InsertCorpus(ctx context.Context, tx *sql.Tx, c domain.Corpus) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO corpora(market_id,corpus_name,version_info,source,`+lifecycleCols+`) VALUES (?,?,?,?,`+lifecyclePlaceholders+`)`,
		append([]any{c.MarketID, c.CorpusName, c.VersionInfo, nullable(c.Source)}, lifecycleArgs(c.Lifecycle)...)...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetCorpus(ctx context.Context, id int64) (domain.Corpus, error) {
	var c domain.Corpus
	var source sql.NullString
	var lr lifecycleRow
	err := r.DB.QueryRowContext(ctx, `SELECT id,market_id,corpus_name,version_info,source,`+lifecycleCols+` FROM corpora WHERE id=?`, id).
		Scan(append([]any{&c.ID, &c.MarketID, &c.CorpusName, &c.VersionInfo, &source}, lr.dest(&c.Lifecycle)...)...)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if source.Valid {
		c.Source = source.String
	}
	lr.apply(&c.Lifecycle)
	return c, nil
}

// --- items ---

const itemCols = `id,corpus_id,item_id,item_type,source_id,source_text,source_url,target_id,target_text,target_url,image_url,` + lifecycleCols

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.TextPair) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO items(corpus_id,item_id,item_type,source_id,source_text,source_url,target_id,target_text,target_url,image_url,`+lifecycleCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,`+lifecyclePlaceholders+`)`,
		append([]any{it.CorpusID, it.ItemID, it.ItemType, it.SourceID, it.SourceText, nullable(it.SourceURL), it.TargetID, it.TargetText, nullable(it.TargetURL), nullable(it.ImageURL)}, lifecycleArgs(it.Lifecycle)...)...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanItemDest(it *domain.TextPair, sourceURL, targetURL, imageURL *sql.NullString, lr *lifecycleRow) []any {
	return append([]any{&it.ID, &it.CorpusID, &it.ItemID, &it.ItemType, &it.SourceID, &it.SourceText, sourceURL, &it.TargetID, &it.TargetText, targetURL, imageURL}, lr.dest(&it.Lifecycle)...)
}

func applyItem(it *domain.TextPair, sourceURL, targetURL, imageURL sql.NullString, lr *lifecycleRow) {
	if sourceURL.Valid {
		it.SourceURL = sourceURL.String
	}
	if targetURL.Valid {
		it.TargetURL = targetURL.String
	}
	if imageURL.Valid {
		it.ImageURL = imageURL.String
	}
	lr.apply(&it.Lifecycle)
}

func (r Repo) GetItem(ctx context.Context, id int64) (domain.TextPair, error) {
	var it domain.TextPair
	var sourceURL, targetURL, imageURL sql.NullString
	var lr lifecycleRow
	err := r.DB.QueryRowContext(ctx, `SELECT `+itemCols+` FROM items WHERE id=?`, id).
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

// ListTaskItems returns a task's items in assignment (position) order.
func (r Repo) ListTaskItems(ctx context.Context, taskID int64) ([]domain.TextPair, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+qualifiedItemCols("i")+` FROM task_items ti JOIN items i ON i.id=ti.item_row WHERE ti.task_id=? ORDER BY ti.position ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TextPair
	for rows.Next() {
		var it domain.TextPair
		var sourceURL, targetURL, imageURL sql.NullString
		var lr lifecycleRow
		if err := rows.Scan(scanItemDest(&it, &sourceURL, &targetURL, &imageURL, &lr)...); err != nil {
			return nil, err
		}
		applyItem(&it, sourceURL, targetURL, imageURL, &lr)
		res = append(res, it)
	}
	return res, rows.Err()
}

func qualifiedItemCols(alias string) string {
	return alias + `.id,` + alias + `.corpus_id,` + alias + `.item_id,` + alias + `.item_type,` +
		alias + `.source_id,` + alias + `.source_text,` + alias + `.source_url,` +
		alias + `.target_id,` + alias + `.target_text,` + alias + `.target_url,` + alias + `.image_url,` +
		alias + `.created_by,` + alias + `.created_at,` +
		alias + `.activated,` + alias + `.activated_by,` + alias + `.activated_at,` +
		alias + `.completed,` + alias + `.completed_by,` + alias + `.completed_at,` +
		alias + `.retired,` + alias + `.retired_by,` + alias + `.retired_at`
}
