package pmolinesdk

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

// Client is a minimal Pmoline HTTP API client.
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

// Initiative represents the API initiative model (partial).
type Initiative struct {
	ID              string `json:"id"`
	Code            string `json:"code"`
	Title           string `json:"title"`
	Area            string `json:"area"`
	RequestedAmount int64  `json:"requested_amount"`
	Classification  string `json:"classification"`
	Status          string `json:"status"`
	ReserveExpiry   string `json:"reserve_expiry,omitempty"`
	Version         int64  `json:"version"`
}

// Phase represents one implementation phase of a project.
type Phase struct {
	Seq           int    `json:"seq"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	CompletionPct int    `json:"completion_pct"`
}

// Project represents the API project model (partial).
type Project struct {
	ID             string  `json:"id"`
	Code           string  `json:"code"`
	InitiativeID   string  `json:"initiative_id"`
	Name           string  `json:"name"`
	BudgetApproved int64   `json:"budget_approved"`
	Status         string  `json:"status"`
	CurrentPhase   int     `json:"current_phase"`
	Progress       int     `json:"progress"`
	Phases         []Phase `json:"phases,omitempty"`
	Version        int64   `json:"version"`
}

// Session represents a committee session.
type Session struct {
	ID            string   `json:"id"`
	ScheduledDate string   `json:"scheduled_date"`
	Status        string   `json:"status"`
	Reviewers     []string `json:"reviewers"`
	Agenda        []string `json:"agenda"`
}

// Outcome represents a resolved agenda item.
type Outcome struct {
	SessionID    string `json:"session_id"`
	InitiativeID string `json:"initiative_id"`
	Result       string `json:"result"`
	Approvals    int    `json:"approvals"`
	Rejections   int    `json:"rejections"`
	Vetoes       int    `json:"vetoes"`
}

// BudgetLine represents one category of an owner's ledger.
type BudgetLine struct {
	OwnerID   string `json:"owner_id"`
	Category  string `json:"category"`
	Approved  int64  `json:"approved"`
	Committed int64  `json:"committed"`
	Executed  int64  `json:"executed"`
	Frozen    bool   `json:"frozen"`
}

// AuditEvent represents a trail entry.
type AuditEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	ActorID    string `json:"actor_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	Reason     string `json:"reason,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TransitionOptions carries the optional fields of a lifecycle command.
type TransitionOptions struct {
	Reason          string `json:"reason,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

// CreateInitiative creates an initiative draft.
func (c *Client) CreateInitiative(ctx context.Context, title, area string, requestedAmount int64) (Initiative, error) {
	body := map[string]any{
		"title":            title,
		"area":             area,
		"requested_amount": requestedAmount,
	}
	var resp Initiative
	err := c.do(ctx, http.MethodPost, "v0/initiatives", body, &resp)
	return resp, err
}

// GetInitiative fetches an initiative by id.
func (c *Client) GetInitiative(ctx context.Context, id string) (Initiative, error) {
	var resp Initiative
	err := c.do(ctx, http.MethodGet, "v0/initiatives/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Transition applies a lifecycle command, e.g. "submit" or "activate".
func (c *Client) Transition(ctx context.Context, initiativeID, command string, opts TransitionOptions) (Initiative, error) {
	var resp Initiative
	endpoint := fmt.Sprintf("v0/initiatives/%s/%s", url.PathEscape(initiativeID), url.PathEscape(command))
	err := c.do(ctx, http.MethodPost, endpoint, opts, &resp)
	return resp, err
}

// SubmitScore submits sub-scores for a feasibility dimension.
func (c *Client) SubmitScore(ctx context.Context, initiativeID, dimension string, subScores []int) error {
	body := map[string]any{"sub_scores": subScores}
	endpoint := fmt.Sprintf("v0/initiatives/%s/feasibility/%s", url.PathEscape(initiativeID), url.PathEscape(dimension))
	return c.do(ctx, http.MethodPut, endpoint, body, nil)
}

// FinalizeDimension records a viable/not_viable verdict.
func (c *Client) FinalizeDimension(ctx context.Context, initiativeID, dimension, verdict string) error {
	body := map[string]any{"verdict": verdict}
	endpoint := fmt.Sprintf("v0/initiatives/%s/feasibility/%s/finalize", url.PathEscape(initiativeID), url.PathEscape(dimension))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// ScheduleSession schedules a committee session.
func (c *Client) ScheduleSession(ctx context.Context, scheduledDate string, reviewers, agenda []string) (Session, error) {
	body := map[string]any{
		"scheduled_date": scheduledDate,
		"reviewers":      reviewers,
		"agenda":         agenda,
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp)
	return resp, err
}

// OpenSession opens a scheduled session for voting.
func (c *Client) OpenSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions/"+url.PathEscape(sessionID)+"/open", nil, &resp)
	return resp, err
}

// CloseSession closes a session.
func (c *Client) CloseSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions/"+url.PathEscape(sessionID)+"/close", nil, &resp)
	return resp, err
}

// CastVote casts the authenticated reviewer's vote on an agenda item.
func (c *Client) CastVote(ctx context.Context, sessionID, initiativeID, choice string) error {
	body := map[string]any{
		"initiative_id": initiativeID,
		"choice":        choice,
	}
	return c.do(ctx, http.MethodPost, "v0/sessions/"+url.PathEscape(sessionID)+"/votes", body, nil)
}

// Resolve tallies votes for an agenda item after the session closed.
func (c *Client) Resolve(ctx context.Context, sessionID, initiativeID string) (Outcome, error) {
	var resp Outcome
	endpoint := fmt.Sprintf("v0/sessions/%s/items/%s/resolve", url.PathEscape(sessionID), url.PathEscape(initiativeID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// GetProject fetches a project with its phases.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "v0/projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdatePhaseProgress sets the completion percentage of an in-progress phase.
func (c *Client) UpdatePhaseProgress(ctx context.Context, projectID string, seq, pct int) error {
	body := map[string]any{"completion_pct": pct}
	endpoint := fmt.Sprintf("v0/projects/%s/phases/%d", url.PathEscape(projectID), seq)
	return c.do(ctx, http.MethodPatch, endpoint, body, nil)
}

// SignOffPhase marks a fully progressed phase as completed.
func (c *Client) SignOffPhase(ctx context.Context, projectID string, seq int) error {
	endpoint := fmt.Sprintf("v0/projects/%s/phases/%d/signoff", url.PathEscape(projectID), seq)
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// Budget returns the budget lines of an owner (initiative or project).
func (c *Client) Budget(ctx context.Context, ownerID string) ([]BudgetLine, error) {
	var resp []BudgetLine
	err := c.do(ctx, http.MethodGet, "v0/budget/"+url.PathEscape(ownerID), nil, &resp)
	return resp, err
}

// PostBudget applies approve, commit, or execute to a category ledger.
func (c *Client) PostBudget(ctx context.Context, ownerID, category, op string, amount int64) (BudgetLine, error) {
	body := map[string]any{"amount": amount}
	var resp BudgetLine
	endpoint := fmt.Sprintf("v0/budget/%s/%s/%s", url.PathEscape(ownerID), url.PathEscape(category), url.PathEscape(op))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AuditTrail returns audit events, newest first.
func (c *Client) AuditTrail(ctx context.Context, entityID string, limit int) ([]AuditEvent, error) {
	endpoint := "v0/audit"
	params := url.Values{}
	if entityID != "" {
		params.Set("entity_id", entityID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []AuditEvent
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
