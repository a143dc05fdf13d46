package engine_test

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
)

type testEnv struct {
	Engine   engine.Engine
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
	return testEnv{Engine: eng, Ctx: ctx, Campaign: c, Corpus: corpus}
}

// batchJSON builds a one-descriptor import payload with n TGT items.
func batchJSON(batchNo, required, n int) string {
	var items []string
	for i := 1; i <= n; i++ {
		items = append(items, fmt.Sprintf(
			`{"itemID":%d,"itemType":"TGT","sourceID":"src-%d","sourceText":"source %d","targetID":"sysA","targetText":"target %d"}`,
			i, i, i, i))
	}
	return fmt.Sprintf(`{"task":{"batchNo":%d,"requiredAnnotations":%d},"items":[%s]}`,
		batchNo, required, strings.Join(items, ","))
}

func importTasks(t *testing.T, env testEnv, descriptors ...string) []domain.Task {
	t.Helper()
	payload := "[" + strings.Join(descriptors, ",") + "]"
	tasks, err := env.Engine.ImportBatches(env.Ctx, strings.NewReader(payload), engine.ImportOptions{
		CampaignID: env.Campaign.ID,
		CorpusID:   env.Corpus.ID,
		BatchName:  "wave-1",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	return tasks
}

func submitItem(t *testing.T, env testEnv, taskID int64, username string, score int) *domain.TextPair {
	t.Helper()
	it, err := env.Engine.NextItemForUser(env.Ctx, taskID, username)
	if err != nil {
		t.Fatalf("next item: %v", err)
	}
	if it == nil {
		return nil
	}
	if _, err := env.Engine.SubmitResult(env.Ctx, engine.ResultSubmission{
		TaskID:    taskID,
		ItemRow:   it.ID,
		Username:  username,
		Score:     score,
		StartTime: 100,
		EndTime:   105,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return it
}

func TestImportActivatesTasks(t *testing.T) {
	env := newTestEnv(t)
	tasks := importTasks(t, env, batchJSON(1, 2, 3), batchJSON(2, 2, 3))
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if !got.Activated || got.Completed {
			t.Fatalf("expected activated open task, got %+v", got.Lifecycle)
		}
		n, err := env.Engine.Repo.CountTaskItems(env.Ctx, task.ID)
		if err != nil || n != 3 {
			t.Fatalf("expected 3 items, got %d (%v)", n, err)
		}
	}
}

func TestImportMaxTasksStopsEarly(t *testing.T) {
	env := newTestEnv(t)
	payload := "[" + batchJSON(1, 1, 1) + "," + batchJSON(2, 1, 1) + "," + batchJSON(3, 1, 1) + "]"
	tasks, err := env.Engine.ImportBatches(env.Ctx, strings.NewReader(payload), engine.ImportOptions{
		CampaignID: env.Campaign.ID,
		CorpusID:   env.Corpus.ID,
		MaxTasks:   2,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestImportKeepsCommittedTasksOnFailure(t *testing.T) {
	env := newTestEnv(t)
	payload := "[" + batchJSON(1, 1, 1) + "," + batchJSON(2, 999, 1) + "]"
	tasks, err := env.Engine.ImportBatches(env.Ctx, strings.NewReader(payload), engine.ImportOptions{
		CampaignID: env.Campaign.ID,
		CorpusID:   env.Corpus.ID,
		ActorID:    "tester",
	})
	if err == nil {
		t.Fatalf("expected out-of-range quota error")
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 committed task before failure, got %d", len(tasks))
	}
	all, err := env.Engine.Repo.ListTasks(env.Ctx, env.Campaign.ID)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected 1 persisted task, got %d (%v)", len(all), err)
	}
}

func TestAssignTaskEnforcesQuota(t *testing.T) {
	env := newTestEnv(t)
	task := importTasks(t, env, batchJSON(1, 2, 1))[0]
	for _, u := range []string{"anno1", "anno2"} {
		ok, err := env.Engine.AssignTask(env.Ctx, task.ID, u)
		if err != nil || !ok {
			t.Fatalf("assign %s: ok=%v err=%v", u, ok, err)
		}
	}
	// full task rejects a third annotator
	ok, err := env.Engine.AssignTask(env.Ctx, task.ID, "anno3")
	if err != nil || ok {
		t.Fatalf("expected full task, got ok=%v err=%v", ok, err)
	}
	// repeat assignment is a no-op
	ok, err = env.Engine.AssignTask(env.Ctx, task.ID, "anno1")
	if err != nil || ok {
		t.Fatalf("expected duplicate skip, got ok=%v err=%v", ok, err)
	}
	assignees, err := env.Engine.Repo.ListAssignees(env.Ctx, task.ID)
	if err != nil || len(assignees) != 2 {
		t.Fatalf("expected 2 assignees, got %v (%v)", assignees, err)
	}
}

func TestNextItemServesImportOrderUntilExhausted(t *testing.T) {
	env := newTestEnv(t)
	task := importTasks(t, env, batchJSON(1, 1, 3))[0]
	if _, err := env.Engine.AssignTask(env.Ctx, task.ID, "anno1"); err != nil {
		t.Fatal(err)
	}
	var seen []int64
	for {
		it := submitItem(t, env, task.ID, "anno1", 80)
		if it == nil {
			break
		}
		seen = append(seen, it.ItemID)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 items, got %v", seen)
	}
	for i, id := range seen {
		if id != int64(i+1) {
			t.Fatalf("expected import order, got %v", seen)
		}
	}
}

func TestTaskCompletesWhenQuotaCovered(t *testing.T) {
	env := newTestEnv(t)
	task := importTasks(t, env, batchJSON(1, 2, 2))[0]
	for _, u := range []string{"anno1", "anno2"} {
		if _, err := env.Engine.AssignTask(env.Ctx, task.ID, u); err != nil {
			t.Fatal(err)
		}
		for submitItem(t, env, task.ID, u, 50) != nil {
		}
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !got.Completed {
		t.Fatalf("expected completed task")
	}
	if got.CompletedBy != "system" {
		t.Fatalf("expected system completion, got %q", got.CompletedBy)
	}
	stampedAt := got.CompletedAt
	// exhaustion check on a completed task is a no-op
	if _, err := env.Engine.NextItemForUser(env.Ctx, task.ID, "anno1"); err != nil {
		t.Fatalf("next item on completed task: %v", err)
	}
	got, _ = env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.CompletedAt != stampedAt {
		t.Fatalf("completion stamp changed on recheck")
	}
}

func TestTaskStaysOpenBelowQuota(t *testing.T) {
	env := newTestEnv(t)
	task := importTasks(t, env, batchJSON(1, 2, 2))[0]
	if _, err := env.Engine.AssignTask(env.Ctx, task.ID, "anno1"); err != nil {
		t.Fatal(err)
	}
	for submitItem(t, env, task.ID, "anno1", 50) != nil {
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil || got.Completed {
		t.Fatalf("expected open task with 1 of 2 annotators, err=%v", err)
	}
}

func TestTaskForUserResumesOpenTask(t *testing.T) {
	env := newTestEnv(t)
	task := importTasks(t, env, batchJSON(1, 2, 2))[0]
	if _, err := env.Engine.AssignTask(env.Ctx, task.ID, "anno1"); err != nil {
		t.Fatal(err)
	}
	submitItem(t, env, task.ID, "anno1", 70)

	got, err := env.Engine.TaskForUser(env.Ctx, "anno1")
	if err != nil {
		t.Fatalf("task for user: %v", err)
	}
	if got == nil || got.ID != task.ID {
		t.Fatalf("expected resumed task %d, got %+v", task.ID, got)
	}
	// nothing left once the user judged every item
	submitItem(t, env, task.ID, "anno1", 70)
	got, err = env.Engine.TaskForUser(env.Ctx, "anno1")
	if err != nil || got != nil {
		t.Fatalf("expected no task, got %+v (%v)", got, err)
	}
}

func TestNextFreeTaskForLanguage(t *testing.T) {
	env := newTestEnv(t)
	tasks := importTasks(t, env, batchJSON(1, 1, 1), batchJSON(2, 1, 1))

	first, err := env.Engine.NextFreeTaskForLanguage(env.Ctx, "deu", env.Campaign.ID, "anno1")
	if err != nil || first == nil || first.ID != tasks[0].ID {
		t.Fatalf("expected oldest task %d, got %+v (%v)", tasks[0].ID, first, err)
	}
	// the first task is now at quota, so the next user lands on the second
	second, err := env.Engine.NextFreeTaskForLanguage(env.Ctx, "deu", env.Campaign.ID, "anno2")
	if err != nil || second == nil || second.ID != tasks[1].ID {
		t.Fatalf("expected task %d, got %+v (%v)", tasks[1].ID, second, err)
	}
	none, err := env.Engine.NextFreeTaskForLanguage(env.Ctx, "deu", env.Campaign.ID, "anno3")
	if err != nil || none != nil {
		t.Fatalf("expected no free task, got %+v (%v)", none, err)
	}
	// no market serves this target language
	none, err = env.Engine.NextFreeTaskForLanguage(env.Ctx, "fra", env.Campaign.ID, "anno1")
	if err != nil || none != nil {
		t.Fatalf("expected no task for fra, got %+v (%v)", none, err)
	}
}

func TestSubmitResultValidatesScore(t *testing.T) {
	env := newTestEnv(t)
	task := importTasks(t, env, batchJSON(1, 1, 1))[0]
	it, err := env.Engine.NextItemForUser(env.Ctx, task.ID, "anno1")
	if err != nil || it == nil {
		t.Fatalf("next item: %v", err)
	}
	for _, score := range []int{0, 101, -5} {
		_, err := env.Engine.SubmitResult(env.Ctx, engine.ResultSubmission{
			TaskID: task.ID, ItemRow: it.ID, Username: "anno1", Score: score,
		})
		if err == nil {
			t.Fatalf("expected range error for score %d", score)
		}
	}
	res, err := env.Engine.SubmitResult(env.Ctx, engine.ResultSubmission{
		TaskID: task.ID, ItemRow: it.ID, Username: "anno1", Score: 1,
		StartTime: 10, EndTime: 12.34,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Completed || res.CompletedBy != "anno1" {
		t.Fatalf("expected completed result by anno1, got %+v", res.Lifecycle)
	}
	if res.Duration() != 2.3 {
		t.Fatalf("expected duration 2.3, got %v", res.Duration())
	}
}

func TestTrustedUserFlag(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.AddTrustedUser(env.Ctx, env.Campaign.ID, "anno1", "tester"); err != nil {
		t.Fatalf("add trusted: %v", err)
	}
	trusted, err := env.Engine.IsTrustedUser(env.Ctx, env.Campaign.ID, "anno1")
	if err != nil || !trusted {
		t.Fatalf("expected trusted, got %v (%v)", trusted, err)
	}
	trusted, err = env.Engine.IsTrustedUser(env.Ctx, env.Campaign.ID, "anno2")
	if err != nil || trusted {
		t.Fatalf("expected untrusted, got %v (%v)", trusted, err)
	}
}

func TestCreateAPIKeyStoresOnlyHash(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.UpsertAnnotator(env.Ctx, domain.Annotator{Username: "anno1", Email: "a@example.com"}, "tester"); err != nil {
		t.Fatalf("upsert annotator: %v", err)
	}
	key, plaintext, err := env.Engine.CreateAPIKey(env.Ctx, "anno1", "cli")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if plaintext == "" || key.KeyHash == plaintext {
		t.Fatalf("expected hashed storage, got %+v", key)
	}
	keys, err := env.Engine.Repo.ListAPIKeys(env.Ctx, "anno1")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list keys: %v (%d)", err, len(keys))
	}
	if keys[0].KeyHash != key.KeyHash {
		t.Fatalf("hash mismatch")
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	task := importTasks(t, env, batchJSON(1, 1, 1))[0]
	if _, err := env.Engine.AssignTask(env.Ctx, task.ID, "anno1"); err != nil {
		t.Fatal(err)
	}
	for submitItem(t, env, task.ID, "anno1", 90) != nil {
	}
	events, err := env.Engine.Repo.ListEvents(env.Ctx, 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := map[string]bool{}
	for _, ev := range events {
		types[ev.Type] = true
	}
	for _, want := range []string{"campaign.created", "task.created", "task.activated", "task.assigned", "result.submitted", "task.completed"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
