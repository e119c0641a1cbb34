// Package proposalflowsdk is a small client for the proposalflow HTTP API.
package proposalflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to one proposalflow server.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Submission describes a new RFP.
type Submission struct {
	Title       string     `json:"title"`
	ClientName  string     `json:"client_name"`
	ClientEmail string     `json:"client_email"`
	LeadEmail   string     `json:"lead_email,omitempty"`
	RFP         string     `json:"rfp,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	Priority    string     `json:"priority,omitempty"`
}

// Project is the API project model (partial).
type Project struct {
	ID               string         `json:"id"`
	Status           string         `json:"status"`
	Meta             map[string]any `json:"meta"`
	Priority         string         `json:"priority"`
	Attempts         int            `json:"attempts"`
	LastError        string         `json:"last_error,omitempty"`
	BlockedFrom      string         `json:"blocked_from,omitempty"`
	Escalated        bool           `json:"escalated"`
	EscalationReason string         `json:"escalation_reason,omitempty"`
	LockOwner        string         `json:"lock_owner,omitempty"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ProjectSummary is one row of a project listing.
type ProjectSummary struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	ClientName string    `json:"client_name"`
	Status     string    `json:"status"`
	Priority   string    `json:"priority"`
	Escalated  bool      `json:"escalated"`
	CreatedAt  time.Time `json:"created_at"`
}

type Transition struct {
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ActorKind  string    `json:"actor_kind"`
	ActorID    string    `json:"actor_id"`
	Reasoning  string    `json:"reasoning,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Round summarizes the current validation round.
type Round struct {
	ID               string   `json:"id"`
	Status           string   `json:"status"`
	Total            int      `json:"total"`
	Answered         int      `json:"answered"`
	TimedOut         int      `json:"timed_out"`
	CriticalTimedOut int      `json:"critical_timed_out"`
	Caveats          []string `json:"caveats,omitempty"`
}

// Snapshot is a project with its history and validation round.
type Snapshot struct {
	Project Project      `json:"project"`
	History []Transition `json:"history"`
	Round   *Round       `json:"validation_round,omitempty"`
}

// ResponseResult tells what a recorded reply resolved to.
type ResponseResult struct {
	Kind      string `json:"kind"`
	ProjectID string `json:"project_id"`
	Accepted  bool   `json:"accepted"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// ListOptions filters project listings.
type ListOptions struct {
	Status []string
	Active bool
	Limit  int
	Cursor string
}

type ProjectPage struct {
	Items      []ProjectSummary `json:"items"`
	NextCursor string           `json:"next_cursor"`
}

type EventPage struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Submit(ctx context.Context, s Submission) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", s, &resp)
	return resp, err
}

func (c *Client) Get(ctx context.Context, id string) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) List(ctx context.Context, opts ListOptions) (ProjectPage, error) {
	q := url.Values{}
	if len(opts.Status) > 0 {
		q.Set("status", strings.Join(opts.Status, ","))
	}
	if opts.Active {
		q.Set("active", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	var resp ProjectPage
	err := c.do(ctx, http.MethodGet, withQuery("projects", q), nil, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context, id string) ([]Transition, error) {
	var resp []Transition
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id)+"/history", nil, &resp)
	return resp, err
}

// Respond records a reply by correlation token.
func (c *Client) Respond(ctx context.Context, token string, payload map[string]any) (ResponseResult, error) {
	var resp ResponseResult
	err := c.do(ctx, http.MethodPost, "responses", map[string]any{"token": token, "payload": payload}, &resp)
	return resp, err
}

func (c *Client) Unblock(ctx context.Context, id, reason string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(id)+"/unblock", map[string]string{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) Abandon(ctx context.Context, id, reason string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(id)+"/abandon", map[string]string{"reason": reason}, &resp)
	return resp, err
}

// Events lists events after cursor; an empty cursor starts at the beginning.
func (c *Client) Events(ctx context.Context, projectID string, limit int, cursor string) (EventPage, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp EventPage
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
