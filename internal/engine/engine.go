package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"lexeval/internal/config"
	"lexeval/internal/domain"
	"lexeval/internal/events"
	"lexeval/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateCampaign creates and activates a campaign with its default config.
func (e Engine) CreateCampaign(ctx context.Context, name, actorID string) (domain.Campaign, error) {
	if name == "" {
		return domain.Campaign{}, errors.New("campaign name is required")
	}
	now := e.nowStr()
	c := domain.Campaign{Name: name}
	c.CreatedBy = actorID
	c.CreatedAt = now
	c.Activate(actorID, now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Campaign{}, err
	}
	defer tx.Rollback()

	c.ID, err = e.Repo.InsertCampaign(ctx, tx, c)
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}
	if err := e.Repo.UpsertCampaignConfigTx(ctx, tx, c.ID, config.Default(name)); err != nil {
		return domain.Campaign{}, fmt.Errorf("insert campaign config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "campaign.created", c.ID, "campaign", name, actorID, nil); err != nil {
		return domain.Campaign{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Campaign{}, err
	}
	return c, nil
}

// CorpusCreateOptions are parameters for creating a corpus under a market.
type CorpusCreateOptions struct {
	SourceLanguageCode string
	TargetLanguageCode string
	DomainName         string
	CorpusName         string
	VersionInfo        string
	Source             string
	ActorID            string
}

// CreateCorpus ensures the market triple and creates an activated corpus in it.
func (e Engine) CreateCorpus(ctx context.Context, opts CorpusCreateOptions) (domain.Corpus, error) {
	if e.Config == nil {
		return domain.Corpus{}, errors.New("config not loaded")
	}
	if opts.SourceLanguageCode == "" || opts.TargetLanguageCode == "" || opts.DomainName == "" {
		return domain.Corpus{}, errors.New("source, target and domain are required")
	}
	if opts.CorpusName == "" {
		return domain.Corpus{}, errors.New("corpus name is required")
	}
	if !e.Config.IsLanguageCode(opts.SourceLanguageCode) {
		return domain.Corpus{}, fmt.Errorf("unknown source language code %s", opts.SourceLanguageCode)
	}
	if !e.Config.IsLanguageCode(opts.TargetLanguageCode) {
		return domain.Corpus{}, fmt.Errorf("unknown target language code %s", opts.TargetLanguageCode)
	}
	now := e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Corpus{}, err
	}
	defer tx.Rollback()

	m := domain.Market{
		SourceLanguageCode: opts.SourceLanguageCode,
		TargetLanguageCode: opts.TargetLanguageCode,
		DomainName:         opts.DomainName,
	}
	m.CreatedBy = opts.ActorID
	m.CreatedAt = now
	m.Activate(opts.ActorID, now)
	m, err = e.Repo.EnsureMarket(ctx, tx, m)
	if err != nil {
		return domain.Corpus{}, fmt.Errorf("ensure market: %w", err)
	}

	c := domain.Corpus{
		MarketID:    m.ID,
		CorpusName:  opts.CorpusName,
		VersionInfo: opts.VersionInfo,
		Source:      opts.Source,
	}
	c.CreatedBy = opts.ActorID
	c.CreatedAt = now
	c.Activate(opts.ActorID, now)
	c.ID, err = e.Repo.InsertCorpus(ctx, tx, c)
	if err != nil {
		return domain.Corpus{}, fmt.Errorf("insert corpus: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "corpus.created", 0, "corpus", c.CorpusName, opts.ActorID, events.EventPayload{
		"market": m.DisplayName(),
	}); err != nil {
		return domain.Corpus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Corpus{}, err
	}
	return c, nil
}

// batchDescriptor is one entry of the JSON import format: a task header plus
// its ordered items.
type batchDescriptor struct {
	Task struct {
		BatchNo             int    `json:"batchNo"`
		RequiredAnnotations int    `json:"requiredAnnotations"`
		Kind                string `json:"kind,omitempty"`
	} `json:"task"`
	Items []struct {
		SourceID   string `json:"sourceID"`
		SourceText string `json:"sourceText"`
		SourceURL  string `json:"sourceURL"`
		TargetID   string `json:"targetID"`
		TargetText string `json:"targetText"`
		TargetURL  string `json:"targetURL"`
		ImageURL   string `json:"imageURL,omitempty"`
		ItemID     int64  `json:"itemID"`
		ItemType   string `json:"itemType"`
	} `json:"items"`
}

// ImportOptions are parameters for a batch import run.
type ImportOptions struct {
	CampaignID int64
	CorpusID   int64
	BatchName  string
	MaxTasks   int
	ActorID    string
}

// ImportBatches reads a JSON array of task descriptors and creates one task
// per descriptor: items first, then the task with its ordered item set, then
// activation. Each descriptor runs in its own transaction, so a failure rolls
// back the current task but keeps the ones already committed. MaxTasks > 0
// stops the run after that many tasks.
func (e Engine) ImportBatches(ctx context.Context, r io.Reader, opts ImportOptions) ([]domain.Task, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	if _, err := e.Repo.GetCampaign(ctx, opts.CampaignID); err != nil {
		return nil, fmt.Errorf("campaign %d: %w", opts.CampaignID, err)
	}
	corpus, err := e.Repo.GetCorpus(ctx, opts.CorpusID)
	if err != nil {
		return nil, fmt.Errorf("corpus %d: %w", opts.CorpusID, err)
	}

	var batch []batchDescriptor
	if err := json.NewDecoder(r).Decode(&batch); err != nil {
		return nil, fmt.Errorf("parse batch json: %w", err)
	}

	var created []domain.Task
	for i, desc := range batch {
		if opts.MaxTasks > 0 && len(created) >= opts.MaxTasks {
			break
		}
		t, err := e.importOne(ctx, corpus, desc, opts)
		if err != nil {
			return created, fmt.Errorf("import task %d (batchNo %d): %w", i, desc.Task.BatchNo, err)
		}
		created = append(created, t)
	}
	return created, nil
}

func (e Engine) importOne(ctx context.Context, corpus domain.Corpus, desc batchDescriptor, opts ImportOptions) (domain.Task, error) {
	if len(desc.Items) == 0 {
		return domain.Task{}, errors.New("descriptor has no items")
	}
	required := desc.Task.RequiredAnnotations
	if required == 0 {
		required = e.Config.Import.DefaultRequiredAnnotations
	}
	if required < 1 || required > domain.MaxRequiredAnnotations {
		return domain.Task{}, fmt.Errorf("requiredAnnotations %d out of range 1..%d", required, domain.MaxRequiredAnnotations)
	}
	kind := desc.Task.Kind
	if kind == "" {
		kind = domain.KindScoringErrors
	}
	switch kind {
	case domain.KindScoring, domain.KindScoringErrors, domain.KindScoringImage:
	default:
		return domain.Task{}, fmt.Errorf("unknown assessment kind %q", kind)
	}
	now := e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t := domain.Task{
		CampaignID:          opts.CampaignID,
		Kind:                kind,
		RequiredAnnotations: required,
		BatchNo:             desc.Task.BatchNo,
		BatchName:           opts.BatchName,
	}
	t.CreatedBy = opts.ActorID
	t.CreatedAt = now
	t.ID, err = e.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}

	for pos, src := range desc.Items {
		it := domain.TextPair{
			CorpusID:   corpus.ID,
			ItemID:     src.ItemID,
			ItemType:   src.ItemType,
			SourceID:   src.SourceID,
			SourceText: src.SourceText,
			SourceURL:  src.SourceURL,
			TargetID:   src.TargetID,
			TargetText: src.TargetText,
			TargetURL:  src.TargetURL,
			ImageURL:   src.ImageURL,
		}
		it.CreatedBy = opts.ActorID
		it.CreatedAt = now
		it.Activate(opts.ActorID, now)
		row, err := e.Repo.InsertItem(ctx, tx, it)
		if err != nil {
			return domain.Task{}, fmt.Errorf("insert item %d: %w", src.ItemID, err)
		}
		if err := e.Repo.AddTaskItem(ctx, tx, t.ID, row, pos); err != nil {
			return domain.Task{}, fmt.Errorf("attach item %d: %w", src.ItemID, err)
		}
		t.ItemIDs = append(t.ItemIDs, row)
	}

	if err := e.Events.Append(ctx, tx, "task.created", opts.CampaignID, "task", t.DisplayName(), opts.ActorID, events.EventPayload{
		"batch_no": t.BatchNo,
		"items":    len(desc.Items),
	}); err != nil {
		return domain.Task{}, err
	}

	// Import complete: the task goes live in the same transaction.
	t.Activate(opts.ActorID, now)
	if err := e.Repo.UpdateLifecycle(ctx, tx, "tasks", t.ID, t.Lifecycle); err != nil {
		return domain.Task{}, fmt.Errorf("activate task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.activated", opts.CampaignID, "task", t.DisplayName(), opts.ActorID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// NextItemForUser returns the first of the task's items, in import order, the
// user has not yet judged, or nil when none remains. Exhaustion triggers the
// completion check: once enough distinct users have judged every item, the
// task is marked completed. The check runs here, not on submit, so completion
// is detected no later than the next assignment attempt on the task.
func (e Engine) NextItemForUser(ctx context.Context, taskID int64, username string) (*domain.TextPair, error) {
	it, err := e.Repo.NextItemForUser(ctx, taskID, username)
	if err == nil {
		return &it, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if err := e.completeIfCovered(ctx, taskID); err != nil {
		return nil, err
	}
	return nil, nil
}

// completeIfCovered recounts full-coverage annotators and completes the task
// when the quota is met. Idempotent: an already-completed task is left alone.
func (e Engine) completeIfCovered(ctx context.Context, taskID int64) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Completed {
		return nil
	}
	n, err := e.Repo.CountFullCoverageAnnotators(ctx, taskID)
	if err != nil {
		return err
	}
	if n < t.RequiredAnnotations {
		return nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t.Complete("system", e.nowStr())
	if err := e.Repo.UpdateLifecycle(ctx, tx, "tasks", t.ID, t.Lifecycle); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.completed", t.CampaignID, "task", t.DisplayName(), "system", events.EventPayload{
		"annotators": n,
		"required":   t.RequiredAnnotations,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// TaskForUser returns the user's most recently created open task that still
// has an item for them, keeping a mid-task user on their current batch.
func (e Engine) TaskForUser(ctx context.Context, username string) (*domain.Task, error) {
	tasks, err := e.Repo.ListTasksAssignedTo(ctx, username)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		it, err := e.NextItemForUser(ctx, tasks[i].ID, username)
		if err != nil {
			return nil, err
		}
		if it != nil {
			return &tasks[i], nil
		}
	}
	return nil, nil
}

// NextFreeTaskForLanguage finds the oldest open task for the target language
// with assignment room and assigns the user to it. Tasks at quota or already
// holding the user are skipped. Returns nil when no task qualifies.
func (e Engine) NextFreeTaskForLanguage(ctx context.Context, code string, campaignID int64, username string) (*domain.Task, error) {
	tasks, err := e.Repo.ListOpenTasksForLanguage(ctx, code, campaignID)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		assigned, err := e.AssignTask(ctx, tasks[i].ID, username)
		if err != nil {
			return nil, err
		}
		if assigned {
			return &tasks[i], nil
		}
	}
	return nil, nil
}

// AssignTask adds the user to the task's assignee set, holding the quota
// check and the insert in one transaction so the assignee count never
// exceeds requiredAnnotations under concurrent requests. Returns false when
// the task is full or the user is already assigned.
func (e Engine) AssignTask(ctx context.Context, taskID int64, username string) (bool, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	already, err := e.Repo.IsAssignedTx(ctx, tx, taskID, username)
	if err != nil {
		return false, err
	}
	if already {
		return false, nil
	}
	n, err := e.Repo.CountAssigneesTx(ctx, tx, taskID)
	if err != nil {
		return false, err
	}
	if n >= t.RequiredAnnotations {
		return false, nil
	}
	now := e.nowStr()
	if err := e.Repo.EnsureAnnotator(ctx, tx, username, now); err != nil {
		return false, err
	}
	if err := e.Repo.AddAssignee(ctx, tx, taskID, username, now); err != nil {
		return false, err
	}
	trusted, err := e.Repo.IsTrustedUser(ctx, t.CampaignID, username)
	if err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "task.assigned", t.CampaignID, "task", t.DisplayName(), username, events.EventPayload{
		"assignees": n + 1,
		"required":  t.RequiredAnnotations,
		"trusted":   trusted,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// IsTrustedUser reports the campaign-scoped trust flag. Trust does not
// change assignment order or quota; it only annotates the assignment event.
func (e Engine) IsTrustedUser(ctx context.Context, campaignID int64, username string) (bool, error) {
	return e.Repo.IsTrustedUser(ctx, campaignID, username)
}

// AddTrustedUser grants the campaign trust flag to the user.
func (e Engine) AddTrustedUser(ctx context.Context, campaignID int64, username, actorID string) error {
	if _, err := e.Repo.GetCampaign(ctx, campaignID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowStr()
	if err := e.Repo.EnsureAnnotator(ctx, tx, username, now); err != nil {
		return err
	}
	if err := e.Repo.AddTrustedUser(ctx, tx, campaignID, username, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "annotator.trusted", campaignID, "annotator", username, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ResultSubmission is one annotator judgment ready to persist.
type ResultSubmission struct {
	TaskID            int64
	ItemRow           int64
	Username          string
	Score             int
	ReferenceErrors   string
	TranslationErrors string
	StartTime         float64
	EndTime           float64
}

// SubmitResult stores a completed judgment. Completed results are final;
// an annotation abandoned before submit simply never produces a row.
func (e Engine) SubmitResult(ctx context.Context, sub ResultSubmission) (domain.Result, error) {
	if sub.Username == "" {
		return domain.Result{}, errors.New("username is required")
	}
	if sub.Score < 1 || sub.Score > 100 {
		return domain.Result{}, fmt.Errorf("score %d out of range 1..100", sub.Score)
	}
	if _, err := e.Repo.GetItem(ctx, sub.ItemRow); err != nil {
		return domain.Result{}, fmt.Errorf("item %d: %w", sub.ItemRow, err)
	}
	var campaignID int64
	if sub.TaskID != 0 {
		t, err := e.Repo.GetTask(ctx, sub.TaskID)
		if err != nil {
			return domain.Result{}, fmt.Errorf("task %d: %w", sub.TaskID, err)
		}
		campaignID = t.CampaignID
	}
	now := e.nowStr()
	res := domain.Result{
		ItemRow:           sub.ItemRow,
		TaskID:            sub.TaskID,
		Score:             sub.Score,
		ReferenceErrors:   sub.ReferenceErrors,
		TranslationErrors: sub.TranslationErrors,
		StartTime:         sub.StartTime,
		EndTime:           sub.EndTime,
	}
	res.CreatedBy = sub.Username
	res.CreatedAt = now
	res.Complete(sub.Username, now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Result{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureAnnotator(ctx, tx, sub.Username, now); err != nil {
		return domain.Result{}, err
	}
	res.ID, err = e.Repo.InsertResult(ctx, tx, res)
	if err != nil {
		return domain.Result{}, fmt.Errorf("insert result: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "result.submitted", campaignID, "result", res.DisplayName(), sub.Username, events.EventPayload{
		"task_id": sub.TaskID,
		"score":   sub.Score,
	}); err != nil {
		return domain.Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Result{}, err
	}
	return res, nil
}

// Validate reports whether a task is fit to serve work: its campaign exists
// and it references at least one item. Invalid state is reported, not raised.
func (e Engine) Validate(ctx context.Context, t domain.Task) bool {
	if t.ID == 0 || t.CampaignID == 0 {
		return false
	}
	if _, err := e.Repo.GetCampaign(ctx, t.CampaignID); err != nil {
		return false
	}
	n, err := e.Repo.CountTaskItems(ctx, t.ID)
	if err != nil || n == 0 {
		return false
	}
	return true
}

// UpsertAnnotator writes an annotator profile with its reporting groups.
func (e Engine) UpsertAnnotator(ctx context.Context, a domain.Annotator, actorID string) error {
	if a.Username == "" {
		return errors.New("username is required")
	}
	if a.CreatedAt == "" {
		a.CreatedAt = e.nowStr()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertAnnotator(ctx, tx, a); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "annotator.upserted", 0, "annotator", a.Username, actorID, events.EventPayload{
		"groups": a.Groups,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey mints an API key for an annotator and returns the plaintext
// once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, username, name string) (domain.APIKey, string, error) {
	if _, err := e.Repo.GetAnnotator(ctx, username); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("annotator %s: %w", username, err)
	}
	plaintext := uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		Username:  username,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.nowStr(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}
