package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proposalflow/internal/config"
	"proposalflow/internal/coord"
	"proposalflow/internal/db"
	"proposalflow/internal/domain"
	"proposalflow/internal/engine"
	"proposalflow/internal/events"
	"proposalflow/internal/migrate"
	"proposalflow/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Coord  *coord.SQL
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(conn, dialect)
	require.NoError(t, err)

	cfg := config.Default()
	r := repo.Repo{DB: conn, Dialect: dialect, Events: events.Writer{Dialect: dialect}}
	co := &coord.SQL{DB: conn, Dialect: dialect}
	e, err := engine.New(cfg, r, co, engine.Collaborators{}, nil, nil)
	require.NoError(t, err)
	handler, err := New(Config{
		Engine: e,
		Events: events.Reader{DB: conn, Dialect: dialect},
		Auth:   AuthConfig{JWTSecret: testSecret},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, Coord: co, client: srv.Client()}
}

func token(t *testing.T, subject string, perms ...string) string {
	t.Helper()
	tok, err := SignToken(testSecret, subject, perms, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, tok string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, data
}

type envelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

var submission = map[string]any{
	"title":        "CRM migration",
	"client_name":  "Acme",
	"client_email": "buyer@acme.test",
	"priority":     "high",
}

func TestHealthNeedsNoAuth(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, http.MethodGet, "/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestAuthErrorsUseEnvelope(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, http.MethodGet, "/v1/projects", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", errorCode(t, body))

	status, body = s.do(t, http.MethodGet, "/v1/projects", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", errorCode(t, body))

	forged, err := SignToken("other-secret", "mallory", nil, time.Hour)
	require.NoError(t, err)
	status, _ = s.do(t, http.MethodGet, "/v1/projects", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = s.do(t, http.MethodPost, "/v1/projects", token(t, "reader", PermRead), submission)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", errorCode(t, body))
}

func TestSubmitGetListHistory(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "sales")

	status, body := s.do(t, http.MethodPost, "/v1/projects", tok, submission)
	require.Equal(t, http.StatusCreated, status, string(body))
	var created ProjectResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "received", created.Status)
	assert.Equal(t, "high", created.Priority)

	status, body = s.do(t, http.MethodPost, "/v1/projects", tok, map[string]any{"title": "x", "client_email": "nope"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", errorCode(t, body))

	status, body = s.do(t, http.MethodGet, "/v1/projects/"+created.ID, tok, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var snap SnapshotResponse
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, created.ID, snap.Project.ID)
	assert.Empty(t, snap.Project.LockOwner)

	status, body = s.do(t, http.MethodGet, "/v1/projects/missing", tok, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", errorCode(t, body))

	status, body = s.do(t, http.MethodGet, "/v1/projects?active=true", tok, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var list paginatedProjects
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, created.ID, list.Items[0].ID)

	status, body = s.do(t, http.MethodGet, "/v1/projects/"+created.ID+"/history", tok, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.JSONEq(t, `[]`, string(body))
}

func TestListPaginates(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "sales")
	for i := 0; i < 3; i++ {
		status, body := s.do(t, http.MethodPost, "/v1/projects", tok, submission)
		require.Equal(t, http.StatusCreated, status, string(body))
	}
	seen := map[string]bool{}
	cursor := ""
	for page := 0; page < 3; page++ {
		path := "/v1/projects?limit=2"
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		status, body := s.do(t, http.MethodGet, path, tok, nil)
		require.Equal(t, http.StatusOK, status, string(body))
		var list paginatedProjects
		require.NoError(t, json.Unmarshal(body, &list))
		for _, p := range list.Items {
			seen[p.ID] = true
		}
		if list.NextCursor == "" {
			break
		}
		cursor = list.NextCursor
	}
	assert.Len(t, seen, 3)
}

func TestRecordResponse(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "mailer", PermRespond, PermSubmit)
	status, body := s.do(t, http.MethodPost, "/v1/projects", tok, submission)
	require.Equal(t, http.StatusCreated, status, string(body))
	var created ProjectResponse
	require.NoError(t, json.Unmarshal(body, &created))
	require.NoError(t, s.Engine.Repo.ExpectSignal(context.Background(), "tok-1", created.ID, domain.SignalClarification))

	reply := map[string]any{"token": "tok-1", "payload": map[string]any{"text": "We use Salesforce."}}
	status, body = s.do(t, http.MethodPost, "/v1/responses", tok, reply)
	require.Equal(t, http.StatusOK, status, string(body))
	var res engine.ResponseResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, engine.ResponseResult{Kind: "clarification", ProjectID: created.ID, Accepted: true}, res)

	status, body = s.do(t, http.MethodPost, "/v1/responses", tok, reply)
	require.Equal(t, http.StatusOK, status, string(body))
	require.NoError(t, json.Unmarshal(body, &res))
	assert.False(t, res.Accepted)

	status, body = s.do(t, http.MethodPost, "/v1/responses", tok, map[string]any{"token": "nobody"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "unknown_token", errorCode(t, body))
}

func TestOperationsMapErrors(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "ops")
	status, body := s.do(t, http.MethodPost, "/v1/projects", tok, submission)
	require.Equal(t, http.StatusCreated, status, string(body))
	var created ProjectResponse
	require.NoError(t, json.Unmarshal(body, &created))

	status, body = s.do(t, http.MethodPost, "/v1/projects/"+created.ID+"/unblock", tok, map[string]any{"reason": "retry"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "illegal_transition", errorCode(t, body))

	ok, err := s.Coord.AcquireLock(context.Background(), created.ID, "worker-1/0", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	status, body = s.do(t, http.MethodPost, "/v1/projects/"+created.ID+"/abandon", tok, map[string]any{"reason": "lost"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "locked", errorCode(t, body))

	status, body = s.do(t, http.MethodPost, "/v1/projects/missing/abandon", tok, map[string]any{"reason": "lost"})
	assert.Equal(t, http.StatusNotFound, status, string(body))
}

func TestEventsEndpoint(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "sales")
	status, body := s.do(t, http.MethodPost, "/v1/projects", tok, submission)
	require.Equal(t, http.StatusCreated, status, string(body))

	status, body = s.do(t, http.MethodGet, "/v1/events?type="+events.ProjectSubmitted, tok, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, events.ProjectSubmitted, page.Items[0].Type)

	status, _ = s.do(t, http.MethodGet, "/v1/events?cursor=abc", tok, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPrincipalCan(t *testing.T) {
	assert.True(t, Principal{ActorID: "a"}.Can(PermOperate))
	assert.True(t, Principal{ActorID: "a", Permissions: []string{"*"}}.Can(PermOperate))
	assert.True(t, Principal{ActorID: "a", Permissions: []string{PermRead, PermOperate}}.Can(PermOperate))
	assert.False(t, Principal{ActorID: "a", Permissions: []string{PermRead}}.Can(PermOperate))
}

func TestActorHeaderOnlyWithoutSecret(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/projects", nil)
	req.Header.Set("X-Actor-Id", "ops")

	open := AuthConfig{AllowActorHeader: true}
	p, authErr := open.authenticate(newVerifier(""), req)
	require.Nil(t, authErr)
	assert.Equal(t, Principal{ActorID: "ops", Source: "header"}, p)

	secured := AuthConfig{JWTSecret: testSecret, AllowActorHeader: true}
	_, authErr = secured.authenticate(newVerifier(testSecret), req)
	require.NotNil(t, authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.GetStatus())
}
