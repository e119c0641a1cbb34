package proposalflowsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsTokenAndDecodes(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		if r.Method == http.MethodPost {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/projects":
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(`{"id":"p1","status":"received","priority":"high","version":1}`))
				return
			}
			_, _ = w.Write([]byte(`{"items":[{"id":"p1","title":"CRM","status":"received"}],"next_cursor":"c2"}`))
		case "/v1/responses":
			_, _ = w.Write([]byte(`{"kind":"validation","project_id":"p1","accepted":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"project not found"}}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	ctx := context.Background()

	p, err := c.Submit(ctx, Submission{Title: "CRM", ClientName: "Acme", ClientEmail: "buyer@acme.test", Priority: "high"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/v1/projects", gotPath)
	assert.Equal(t, "CRM", gotBody["title"])
	assert.Equal(t, Project{ID: "p1", Status: "received", Priority: "high", Version: 1}, p)

	page, err := c.List(ctx, ListOptions{Status: []string{"received", "analyzing"}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, "limit=10&status=received%2Canalyzing", gotQuery)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "c2", page.NextCursor)

	res, err := c.Respond(ctx, "task-token", map[string]any{"answer": "yes"})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "task-token", gotBody["token"])

	_, err = c.Get(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Equal(t, "/v1/projects/missing", gotPath)
}
