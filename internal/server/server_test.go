package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"lexeval/internal/config"
	"lexeval/internal/db"
	"lexeval/internal/domain"
	"lexeval/internal/engine"
	"lexeval/internal/migrate"
	"lexeval/internal/report"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	TaskID int64
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("camp-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	c, err := e.CreateCampaign(ctx, "camp-1", "tester")
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	corpus, err := e.CreateCorpus(ctx, engine.CorpusCreateOptions{
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
	payload := `[{"task":{"batchNo":1,"requiredAnnotations":1},"items":[
		{"itemID":1,"itemType":"TGT","sourceID":"src-1","sourceText":"hello","targetID":"sysA","targetText":"hallo"},
		{"itemID":2,"itemType":"TGT","sourceID":"src-2","sourceText":"world","targetID":"sysA","targetText":"welt"}
	]}]`
	tasks, err := e.ImportBatches(ctx, strings.NewReader(payload), engine.ImportOptions{
		CampaignID: c.ID,
		CorpusID:   corpus.ID,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	handler, err := New(Config{
		Engine:   e,
		Reporter: report.New(conn, cfg),
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		TaskID: tasks[0].ID,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearerHeaders(t *testing.T, username string) map[string]string {
	t.Helper()
	token, err := MintToken(testSecret, username)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/next", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "unauthorized" {
		t.Fatalf("unexpected error body %s (%v)", string(data), err)
	}

	// a garbage bearer token is rejected
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/next", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open health, got %d", res.StatusCode)
	}
}

func TestAnnotationFlowWithJWT(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := bearerHeaders(t, "anno1")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/next?language=deu", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("next task: %d %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.ID != srv.TaskID {
		t.Fatalf("expected task %d, got %d", srv.TaskID, task.ID)
	}

	taskURL := srv.URL + "/v0/tasks/" + strconv.FormatInt(task.ID, 10)
	for i := 0; i < 2; i++ {
		res, data = doJSON(t, client, http.MethodGet, taskURL+"/next-item", nil, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("next item %d: %d %s", i, res.StatusCode, string(data))
		}
		var item ItemResponse
		if err := json.Unmarshal(data, &item); err != nil {
			t.Fatalf("unmarshal item: %v", err)
		}
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/results", SubmitResultRequest{
			TaskID:    task.ID,
			ItemRow:   item.ID,
			Score:     80,
			StartTime: 100,
			EndTime:   104,
		}, headers)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("submit %d: %d %s", i, res.StatusCode, string(data))
		}
	}

	// exhausted task: 404 and, with quota 1, completion
	res, data = doJSON(t, client, http.MethodGet, taskURL+"/next-item", nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on exhausted task, got %d %s", res.StatusCode, string(data))
	}
	got, err := srv.Engine.Repo.GetTask(context.Background(), task.ID)
	if err != nil || !got.Completed {
		t.Fatalf("expected completed task, got %+v (%v)", got.Lifecycle, err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status/me", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var status StatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Username != "anno1" || status.CompletedTotal != 2 || status.CompletedUnique != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.TimeSpent != "0:00:08" {
		t.Fatalf("unexpected time spent %q", status.TimeSpent)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	if err := srv.Engine.UpsertAnnotator(ctx, domain.Annotator{Username: "anno2"}, "tester"); err != nil {
		t.Fatalf("upsert annotator: %v", err)
	}
	_, plaintext, err := srv.Engine.CreateAPIKey(ctx, "anno2", "test")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/status/me", nil, map[string]string{"X-Api-Key": plaintext})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status with key: %d %s", res.StatusCode, string(data))
	}
	var status StatusResponse
	if err := json.Unmarshal(data, &status); err != nil || status.Username != "anno2" {
		t.Fatalf("unexpected status %s (%v)", string(data), err)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status/me", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", res.StatusCode)
	}
}

func TestSubmitResultScoreRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := bearerHeaders(t, "anno1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/results", map[string]any{
		"task_id":  srv.TaskID,
		"item_row": 1,
		"score":    0,
	}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := bearerHeaders(t, "anno1")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/9999", nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "not_found" {
		t.Fatalf("unexpected body %s (%v)", string(data), err)
	}
}
