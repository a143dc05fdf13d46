package lexevalsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Lexeval annotator API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID                  int64    `json:"id"`
	CampaignID          int64    `json:"campaign_id"`
	Kind                string   `json:"kind"`
	RequiredAnnotations int      `json:"required_annotations"`
	BatchNo             int      `json:"batch_no"`
	BatchName           string   `json:"batch_name"`
	Activated           bool     `json:"activated"`
	Completed           bool     `json:"completed"`
	AssignedTo          []string `json:"assigned_to"`
}

// Item is one source/target pair to judge.
type Item struct {
	ID         int64  `json:"id"`
	ItemID     int64  `json:"item_id"`
	ItemType   string `json:"item_type"`
	SourceID   string `json:"source_id"`
	SourceText string `json:"source_text"`
	SourceURL  string `json:"source_url"`
	TargetID   string `json:"target_id"`
	TargetText string `json:"target_text"`
	TargetURL  string `json:"target_url"`
	ImageURL   string `json:"image_url"`
}

// Result is a stored judgment.
type Result struct {
	ID       int64   `json:"id"`
	ItemRow  int64   `json:"item_row"`
	TaskID   int64   `json:"task_id"`
	Score    int     `json:"score"`
	Duration float64 `json:"duration_seconds"`
}

// Submission is one judgment ready to send.
type Submission struct {
	TaskID            int64   `json:"task_id"`
	ItemRow           int64   `json:"item_row"`
	Score             int     `json:"score"`
	ReferenceErrors   string  `json:"reference_errors,omitempty"`
	TranslationErrors string  `json:"translation_errors,omitempty"`
	StartTime         float64 `json:"start_time"`
	EndTime           float64 `json:"end_time"`
}

// Status is the annotator's progress rollup.
type Status struct {
	Username        string `json:"username"`
	CompletedTotal  int    `json:"completed_total"`
	CompletedUnique int    `json:"completed_unique"`
	CompletedHits   int    `json:"completed_hits"`
	TotalHits       int    `json:"total_hits"`
	TimeSpent       string `json:"time_spent"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// NextTask returns the annotator's current task, requesting new work for the
// target language when none is open. language may be empty to only resume.
func (c *Client) NextTask(ctx context.Context, language string) (Task, error) {
	endpoint := "v0/tasks/next"
	if language != "" {
		endpoint += "?language=" + language
	}
	var resp Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/tasks/%d", id), nil, &resp)
	return resp, err
}

// NextItem returns the next unjudged item of a task. A 404 means the task has
// no item left for this annotator.
func (c *Client) NextItem(ctx context.Context, taskID int64) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/tasks/%d/next-item", taskID), nil, &resp)
	return resp, err
}

// SubmitResult stores a completed judgment.
func (c *Client) SubmitResult(ctx context.Context, sub Submission) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, "v0/results", sub, &resp)
	return resp, err
}

// Status returns the annotator's progress.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status/me", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
