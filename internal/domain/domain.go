package domain

import "fmt"

// Lifecycle is the metadata mixin shared by every persisted entity.
// Each transition is stamped at most once, by the first actor to perform it.
type Lifecycle struct {
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	Activated   bool   `json:"activated"`
	ActivatedBy string `json:"activated_by,omitempty"`
	ActivatedAt string `json:"activated_at,omitempty" format:"date-time"`
	Completed   bool   `json:"completed"`
	CompletedBy string `json:"completed_by,omitempty"`
	CompletedAt string `json:"completed_at,omitempty" format:"date-time"`
	Retired     bool   `json:"retired"`
	RetiredBy   string `json:"retired_by,omitempty"`
	RetiredAt   string `json:"retired_at,omitempty" format:"date-time"`
}

// Activate stamps the activated transition once. Later calls are no-ops.
func (l *Lifecycle) Activate(actor, at string) {
	if l.Activated {
		return
	}
	l.Activated = true
	l.ActivatedBy = actor
	l.ActivatedAt = at
}

// Complete stamps the completed transition once. Later calls are no-ops.
func (l *Lifecycle) Complete(actor, at string) {
	if l.Completed {
		return
	}
	l.Completed = true
	l.CompletedBy = actor
	l.CompletedAt = at
}

// Retire stamps the retired transition once. Later calls are no-ops.
func (l *Lifecycle) Retire(actor, at string) {
	if l.Retired {
		return
	}
	l.Retired = true
	l.RetiredBy = actor
	l.RetiredAt = at
}

type Campaign struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Lifecycle
}

func (c Campaign) DisplayName() string {
	return fmt.Sprintf("Campaign.%s[%d]", c.Name, c.ID)
}

// Market identifies an evaluation language pair plus domain.
// The (source, target, domain) triple is unique.
type Market struct {
	ID                 int64  `json:"id"`
	SourceLanguageCode string `json:"source_language_code"`
	TargetLanguageCode string `json:"target_language_code"`
	DomainName         string `json:"domain_name"`
	Lifecycle
}

func (m Market) DisplayName() string {
	return fmt.Sprintf("%s_%s_%s", m.SourceLanguageCode, m.TargetLanguageCode, m.DomainName)
}

// Corpus groups a named, versioned set of items under a Market.
type Corpus struct {
	ID          int64  `json:"id"`
	MarketID    int64  `json:"market_id"`
	CorpusName  string `json:"corpus_name"`
	VersionInfo string `json:"version_info"`
	Source      string `json:"source,omitempty"`
	Lifecycle
}

func (c Corpus) DisplayName() string {
	return fmt.Sprintf("%s v%s", c.CorpusName, c.VersionInfo)
}

// Assessment kinds supported by the generic task/result pair.
const (
	KindScoring       = "scoring"
	KindScoringErrors = "scoring+errors"
	KindScoringImage  = "scoring+image"
)

// TextPair is an immutable source/target item to be judged. Items are owned
// by their corpus and shared read-only by any number of tasks.
type TextPair struct {
	ID         int64  `json:"id"`
	CorpusID   int64  `json:"corpus_id"`
	ItemID     int64  `json:"item_id"`
	ItemType   string `json:"item_type"`
	SourceID   string `json:"source_id"`
	SourceText string `json:"source_text"`
	SourceURL  string `json:"source_url,omitempty"`
	TargetID   string `json:"target_id"`
	TargetText string `json:"target_text"`
	TargetURL  string `json:"target_url,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
	Lifecycle
}

func (t TextPair) DisplayName() string {
	return fmt.Sprintf("TextPair.%d/%s", t.ItemID, t.ItemType)
}

// MaxRequiredAnnotations caps the per-task annotation quota.
const MaxRequiredAnnotations = 50

// Task is a batch of items assigned for annotation under one campaign.
type Task struct {
	ID                  int64  `json:"id"`
	CampaignID          int64  `json:"campaign_id"`
	Kind                string `json:"kind" enum:"scoring,scoring+errors,scoring+image"`
	RequiredAnnotations int    `json:"required_annotations"`
	BatchNo             int    `json:"batch_no"`
	BatchName           string `json:"batch_name,omitempty"`
	Lifecycle

	// Populated on reads that ask for them; not columns on the tasks row.
	ItemIDs    []int64  `json:"item_ids,omitempty"`
	AssignedTo []string `json:"assigned_to,omitempty"`
}

func (t Task) DisplayName() string {
	return fmt.Sprintf("Task.%d[campaign=%d,batch=%d]", t.ID, t.CampaignID, t.BatchNo)
}

// Result is one annotator's judgment on one item under one task.
// Completed results are final and immutable.
type Result struct {
	ID                int64   `json:"id"`
	ItemRow           int64   `json:"item_row"`
	TaskID            int64   `json:"task_id,omitempty"`
	Score             int     `json:"score"`
	ReferenceErrors   string  `json:"reference_errors"`
	TranslationErrors string  `json:"translation_errors"`
	StartTime         float64 `json:"start_time"`
	EndTime           float64 `json:"end_time"`
	Lifecycle
}

func (r Result) DisplayName() string {
	return fmt.Sprintf("Result.%d=%d", r.ItemRow, r.Score)
}

// Duration is the client-reported wall-clock seconds, rounded to one decimal.
func (r Result) Duration() float64 {
	d := r.EndTime - r.StartTime
	return float64(int64(d*10+0.5)) / 10
}

// Annotator is a user submitting judgments. Groups carry reporting group
// membership; names matching a language code are ignored for reporting.
type Annotator struct {
	Username  string   `json:"username"`
	Email     string   `json:"email"`
	Groups    []string `json:"groups,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// APIKey authenticates an annotator on the HTTP API. KeyHash stores the
// SHA-256 digest of the key; the plaintext is never persisted.
type APIKey struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CampaignID int64  `json:"campaign_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
