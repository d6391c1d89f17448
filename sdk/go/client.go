package stagecraftsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stagecraft HTTP API client.
type Client struct {
	BaseURL     string
	CompanyID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, companyID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		CompanyID: companyID,
		Timeout:   10 * time.Second,
	}
}

// Job represents the API job model (partial).
type Job struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
}

// JobState is a job's position in the stage graph.
type JobState struct {
	JobID          string `json:"job_id"`
	CurrentStageID string `json:"current_stage_id"`
	StageEnteredAt string `json:"stage_entered_at"`
}

// Stage represents one step of the workflow.
type Stage struct {
	ID            string `json:"id"`
	CompanyID     string `json:"company_id"`
	Name          string `json:"name"`
	SequenceOrder int    `json:"sequence_order"`
	StageType     string `json:"stage_type"`
	MapsToStatus  string `json:"maps_to_status"`
	Archived      bool   `json:"archived"`
}

// JobDetail pairs a job with its state and stage.
type JobDetail struct {
	Job   Job       `json:"job"`
	State *JobState `json:"state,omitempty"`
	Stage *Stage    `json:"stage,omitempty"`
}

// Response is a recorded answer.
type Response struct {
	ID              string `json:"id"`
	JobID           string `json:"job_id"`
	QuestionID      string `json:"question_id"`
	RawValue        string `json:"raw_value"`
	NormalizedValue string `json:"normalized_value"`
	IsCurrent       bool   `json:"is_current"`
	SubmittedBy     string `json:"submitted_by"`
	SubmittedAt     string `json:"submitted_at"`
}

// Decision is the evaluator's verdict for a submitted answer.
type Decision struct {
	Outcome          string   `json:"outcome"`
	RuleID           string   `json:"rule_id,omitempty"`
	FromStageID      string   `json:"from_stage_id,omitempty"`
	ToStageID        string   `json:"to_stage_id,omitempty"`
	Automatic        bool     `json:"automatic"`
	RequiresOverride bool     `json:"requires_override"`
	Ambiguous        bool     `json:"ambiguous"`
	Diagnostics      []string `json:"diagnostics,omitempty"`
}

// ApplyResult describes what happened after evaluation.
type ApplyResult struct {
	Status   string    `json:"status"`
	State    JobState  `json:"state"`
	Decision *Decision `json:"decision,omitempty"`
}

// SubmitResult pairs the stored response with the evaluation outcome.
type SubmitResult struct {
	Response Response     `json:"response"`
	Result   *ApplyResult `json:"result,omitempty"`
}

// AuditEntry is one recorded stage transition.
type AuditEntry struct {
	ID                   string `json:"id"`
	JobID                string `json:"job_id"`
	FromStageID          string `json:"from_stage_id"`
	ToStageID            string `json:"to_stage_id"`
	AppliedAutomatically bool   `json:"applied_automatically"`
	AppliedBy            string `json:"applied_by"`
	AppliedAt            string `json:"applied_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	CompanyID  string `json:"company_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateJob creates a job; it enters the company's lowest stage.
func (c *Client) CreateJob(ctx context.Context, title string) (JobDetail, error) {
	body := map[string]any{"title": title}
	var resp JobDetail
	err := c.do(ctx, http.MethodPost, c.companyPath("jobs"), body, &resp)
	return resp, err
}

// GetJob fetches a job with its current stage.
func (c *Client) GetJob(ctx context.Context, jobID string) (JobDetail, error) {
	var resp JobDetail
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/jobs/%s", url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

// ListStages returns the company's active stages in sequence order.
func (c *Client) ListStages(ctx context.Context) ([]Stage, error) {
	var resp []Stage
	err := c.do(ctx, http.MethodGet, c.companyPath("stages"), nil, &resp)
	return resp, err
}

// SubmitResponse records an answer and runs the stage's transition rules.
func (c *Client) SubmitResponse(ctx context.Context, jobID, questionID, value string) (SubmitResult, error) {
	body := map[string]any{
		"question_id": questionID,
		"value":       value,
	}
	var resp SubmitResult
	endpoint := fmt.Sprintf("v0/jobs/%s/responses", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Evaluate dry-runs rule evaluation without recording an answer.
func (c *Client) Evaluate(ctx context.Context, jobID, questionID, value string) (Decision, error) {
	body := map[string]any{
		"question_id": questionID,
		"value":       value,
	}
	var resp Decision
	endpoint := fmt.Sprintf("v0/jobs/%s/evaluate", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Audit returns the job's transition history.
func (c *Client) Audit(ctx context.Context, jobID string) ([]AuditEntry, error) {
	var resp []AuditEntry
	endpoint := fmt.Sprintf("v0/jobs/%s/audit", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApprovePending approves a parked transition (admin token required).
func (c *Client) ApprovePending(ctx context.Context, pendingID string) (ApplyResult, error) {
	var resp ApplyResult
	endpoint := fmt.Sprintf("v0/pending/%s/approve", url.PathEscape(pendingID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.companyPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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

func (c *Client) companyPath(p string) string {
	company := url.PathEscape(c.CompanyID)
	return fmt.Sprintf("v0/companies/%s/%s", company, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
