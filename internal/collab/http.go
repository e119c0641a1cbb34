package collab

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

// HTTPClient talks to a collaborator sidecar that hosts the model, search,
// rendering and mail transports. It implements Reasoner, Notifier,
// ResourceSearcher, Renderer and DocumentSource.
// HTTPClient is safe for concurrent use; fields must not change after the first call.
type HTTPClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

const defaultHTTPTimeout = 2 * time.Minute

// NewHTTPClient builds a client whose requests give up after timeout. A zero
// timeout uses two minutes.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPClient{BaseURL: baseURL, Token: token, HTTPClient: &http.Client{Timeout: timeout}}
}

type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("collaborator status=%d body=%s", e.StatusCode, e.Body)
}

func (c *HTTPClient) Infer(ctx context.Context, kind string, input any) (json.RawMessage, error) {
	var resp struct {
		Output json.RawMessage `json:"output"`
	}
	if err := c.post(ctx, "infer", map[string]any{"kind": kind, "input": input}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Output) == 0 {
		return nil, Permanent("infer "+kind, fmt.Errorf("empty output"))
	}
	return resp.Output, nil
}

func (c *HTTPClient) Send(ctx context.Context, m Message) (string, error) {
	var resp struct {
		DispatchID string `json:"dispatch_id"`
	}
	if err := c.post(ctx, "notify", m, &resp); err != nil {
		return "", err
	}
	return resp.DispatchID, nil
}

func (c *HTTPClient) FindCandidates(ctx context.Context, query string, topK int) ([]Candidate, error) {
	var resp struct {
		Candidates []Candidate `json:"candidates"`
	}
	if err := c.post(ctx, "search", map[string]any{"query": query, "top_k": topK}, &resp); err != nil {
		return nil, err
	}
	return resp.Candidates, nil
}

func (c *HTTPClient) Render(ctx context.Context, projectID string, proposal json.RawMessage) (string, error) {
	var resp struct {
		Ref string `json:"ref"`
	}
	if err := c.post(ctx, "render", map[string]any{"project_id": projectID, "proposal": proposal}, &resp); err != nil {
		return "", err
	}
	if resp.Ref == "" {
		return "", Permanent("render", fmt.Errorf("empty document ref"))
	}
	return resp.Ref, nil
}

func (c *HTTPClient) RenderDocument(ctx context.Context, projectID string, proposal json.RawMessage) (Document, error) {
	resp, err := c.send(ctx, "render/document", map[string]any{"project_id": projectID, "proposal": proposal})
	if err != nil {
		return Document{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Document{}, Transient("render/document", err)
	}
	return Document{ContentType: resp.Header.Get("Content-Type"), Body: body}, nil
}

func (c *HTTPClient) post(ctx context.Context, endpoint string, body, out any) error {
	resp, err := c.send(ctx, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Permanent(endpoint, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// send returns the response for a 2xx status; the caller closes the body.
func (c *HTTPClient) send(ctx context.Context, endpoint string, body any) (*http.Response, error) {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, Permanent(endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, Permanent(endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, Transient(endpoint, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		serr := &statusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500 {
			return nil, Transient(endpoint, serr)
		}
		return nil, Permanent(endpoint, serr)
	}
	return resp, nil
}
