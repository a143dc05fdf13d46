package report_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"lexeval/internal/config"
	"lexeval/internal/db"
	"lexeval/internal/domain"
	"lexeval/internal/engine"
	"lexeval/internal/migrate"
	"lexeval/internal/report"
)

type testEnv struct {
	Engine   engine.Engine
	Reporter report.Reporter
	Ctx      context.Context
	Campaign domain.Campaign
	Corpus   domain.Corpus
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("camp-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	c, err := eng.CreateCampaign(ctx, "camp-1", "tester")
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	corpus, err := eng.CreateCorpus(ctx, engine.CorpusCreateOptions{
		SourceLanguageCode: "eng",
		TargetLanguageCode: "deu",
		DomainName:         "news",
		CorpusName:         "newstest",
		VersionInfo:        "1.0",
		ActorID:            "tester",
	})
	if err != nil {
		t.Fatalf("create corpus: %v", err)
	}
	return testEnv{
		Engine:   eng,
		Reporter: report.New(conn, cfg),
		Ctx:      ctx,
		Campaign: c,
		Corpus:   corpus,
	}
}

type itemSpec struct {
	ItemID   int64
	ItemType string
	TargetID string
}

// importTask imports one task with the given items and quota, returning it.
func importTask(t *testing.T, env testEnv, batchNo, required int, items []itemSpec) domain.Task {
	t.Helper()
	var parts []string
	for _, it := range items {
		targetID := it.TargetID
		if targetID == "" {
			targetID = "sysA"
		}
		parts = append(parts, fmt.Sprintf(
			`{"itemID":%d,"itemType":%q,"sourceID":"src-%d","sourceText":"source %d","targetID":%q,"targetText":"target %d"}`,
			it.ItemID, it.ItemType, it.ItemID, it.ItemID, targetID, it.ItemID))
	}
	payload := fmt.Sprintf(`[{"task":{"batchNo":%d,"requiredAnnotations":%d},"items":[%s]}]`,
		batchNo, required, strings.Join(parts, ","))
	tasks, err := env.Engine.ImportBatches(env.Ctx, strings.NewReader(payload), engine.ImportOptions{
		CampaignID: env.Campaign.ID,
		CorpusID:   env.Corpus.ID,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	return tasks[0]
}

func tgtItems(n int) []itemSpec {
	items := make([]itemSpec, n)
	for i := range items {
		items[i] = itemSpec{ItemID: int64(i + 1), ItemType: "TGT"}
	}
	return items
}

// judgeAll submits a score for every item the user has not yet judged.
func judgeAll(t *testing.T, env testEnv, taskID int64, username string, score int) {
	t.Helper()
	for {
		it, err := env.Engine.NextItemForUser(env.Ctx, taskID, username)
		if err != nil {
			t.Fatalf("next item: %v", err)
		}
		if it == nil {
			return
		}
		if _, err := env.Engine.SubmitResult(env.Ctx, engine.ResultSubmission{
			TaskID: taskID, ItemRow: it.ID, Username: username, Score: score,
			StartTime: 100, EndTime: 105,
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
}

func TestCompletedForUserCollapsesRepeats(t *testing.T) {
	env := newTestEnv(t)
	task := importTask(t, env, 1, 2, tgtItems(2))
	judgeAll(t, env, task.ID, "anno1", 80)
	// a direct resubmission on an already-judged item still stores a row
	ids, err := env.Engine.Repo.ListTaskItemIDs(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitResult(env.Ctx, engine.ResultSubmission{
		TaskID: task.ID, ItemRow: ids[0], Username: "anno1", Score: 60,
		StartTime: 200, EndTime: 203,
	}); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	total, err := env.Reporter.CompletedForUser(env.Ctx, "anno1", false)
	if err != nil || total != 3 {
		t.Fatalf("expected 3 results, got %d (%v)", total, err)
	}
	unique, err := env.Reporter.CompletedForUser(env.Ctx, "anno1", true)
	if err != nil || unique != 2 {
		t.Fatalf("expected 2 unique items, got %d (%v)", unique, err)
	}
}

func TestHitStatusCountsFullBatches(t *testing.T) {
	env := newTestEnv(t)
	full := importTask(t, env, 1, 2, tgtItems(70))
	partial := importTask(t, env, 2, 2, tgtItems(5))
	judgeAll(t, env, full.ID, "anno1", 75)
	judgeAll(t, env, partial.ID, "anno1", 75)

	completed, total, err := env.Reporter.HitStatusForUser(env.Ctx, "anno1")
	if err != nil {
		t.Fatalf("hit status: %v", err)
	}
	if completed != 1 || total != 2 {
		t.Fatalf("expected 1/2, got %d/%d", completed, total)
	}
}

func TestHitStatusItemTypeCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	items := tgtItems(70)
	for i := range items {
		items[i].ItemType = "tgt"
	}
	task := importTask(t, env, 1, 1, items)
	judgeAll(t, env, task.ID, "anno1", 75)

	completed, total, err := env.Reporter.HitStatusForUser(env.Ctx, "anno1")
	if err != nil || completed != 1 || total != 1 {
		t.Fatalf("expected lowercase tgt counted, got %d/%d (%v)", completed, total, err)
	}
}

func TestHitStatusIgnoresCheckItems(t *testing.T) {
	env := newTestEnv(t)
	items := tgtItems(70)
	items[0].ItemType = "CHK"
	task := importTask(t, env, 1, 1, items)
	judgeAll(t, env, task.ID, "anno1", 75)

	completed, total, err := env.Reporter.HitStatusForUser(env.Ctx, "anno1")
	if err != nil {
		t.Fatal(err)
	}
	// 69 TGT judgments: the task is touched but the batch is short one
	if completed != 0 || total != 1 {
		t.Fatalf("expected 0/1, got %d/%d", completed, total)
	}
}

func TestTimeForUser(t *testing.T) {
	env := newTestEnv(t)
	task := importTask(t, env, 1, 1, tgtItems(3))
	judgeAll(t, env, task.ID, "anno1", 50)

	spent, err := env.Reporter.TimeForUser(env.Ctx, "anno1")
	if err != nil {
		t.Fatal(err)
	}
	if spent != 15*time.Second {
		t.Fatalf("expected 15s, got %v", spent)
	}
	if got := report.FormatDuration(spent); got != "0:00:15" {
		t.Fatalf("expected 0:00:15, got %q", got)
	}
	if got := report.FormatDuration(3*time.Hour + 7*time.Minute + 9*time.Second); got != "3:07:09" {
		t.Fatalf("expected 3:07:09, got %q", got)
	}
}

func TestSystemAnnotationsGroupedByLanguagePair(t *testing.T) {
	env := newTestEnv(t)
	task := importTask(t, env, 1, 1, []itemSpec{
		{ItemID: 1, ItemType: "TGT", TargetID: "sysA"},
		{ItemID: 2, ItemType: "CHK", TargetID: "sysB"},
		{ItemID: 3, ItemType: "BAD", TargetID: "sysC"},
	})
	judgeAll(t, env, task.ID, "anno1", 42)

	byPair, err := env.Reporter.SystemAnnotations(env.Ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	rows, ok := byPair["eng-deu"]
	if !ok {
		t.Fatalf("missing eng-deu key, got %v", byPair)
	}
	// only TGT and CHK rows qualify
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %+v", rows)
	}
	for _, row := range rows {
		if row.AnnotatorID != "anno1" || row.Score != 42 {
			t.Fatalf("unexpected row %+v", row)
		}
		if row.SystemID != "sysA" && row.SystemID != "sysB" {
			t.Fatalf("unexpected system %+v", row)
		}
	}
}

func TestAccurateGroupStatus(t *testing.T) {
	env := newTestEnv(t)
	// TeamA's two members together produce a full batch of judgments
	for _, u := range []string{"anno1", "anno2"} {
		if err := env.Engine.UpsertAnnotator(env.Ctx, domain.Annotator{
			Username: u, Groups: []string{"TeamA", "deu"},
		}, "tester"); err != nil {
			t.Fatal(err)
		}
	}
	task := importTask(t, env, 1, 2, tgtItems(35))
	judgeAll(t, env, task.ID, "anno1", 70)
	judgeAll(t, env, task.ID, "anno2", 70)
	// a user without reporting groups lands in NoGroupInfo
	small := importTask(t, env, 2, 1, tgtItems(2))
	judgeAll(t, env, small.ID, "anno3", 70)

	statuses, err := env.Reporter.AccurateGroupStatus(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 groups, got %+v", statuses)
	}
	// sorted by group name
	if statuses[0].Group != "NoGroupInfo" || statuses[0].Completed != 0 || statuses[0].Total != 1 {
		t.Fatalf("unexpected NoGroupInfo status %+v", statuses[0])
	}
	// the language-code group name is dropped from the key
	if statuses[1].Group != "TeamA" || statuses[1].Completed != 1 || statuses[1].Total != 1 {
		t.Fatalf("unexpected TeamA status %+v", statuses[1])
	}
}
