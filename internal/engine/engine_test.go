package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proposalflow/internal/collab"
	"proposalflow/internal/config"
	"proposalflow/internal/coord"
	"proposalflow/internal/db"
	"proposalflow/internal/domain"
	"proposalflow/internal/engine"
	"proposalflow/internal/events"
	"proposalflow/internal/migrate"
	"proposalflow/internal/repo"
)

const (
	completeRequirements = `{"summary":"CRM migration","scope":["data migration","training"],"deliverables":["migration plan"],"estimated_value":{"min":40000,"max":60000,"currency":"EUR"}}`
	partialRequirements  = `{"summary":"CRM migration","scope":["data migration"],"open_questions":["Which CRM do you use today?"]}`
	twoCritical          = `{"attributes":[{"key":"security","question":"Is SSO required?","tier":"critical","capability":"security review"},{"key":"pricing","question":"Is the day rate approved?","tier":"critical","capability":"pricing"}]}`
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type reply struct {
	out string
	err error
}

// fakeReasoner replays scripted replies per kind; the last reply repeats.
type fakeReasoner struct {
	mu     sync.Mutex
	script map[string][]reply
	calls  map[string]int
}

func (f *fakeReasoner) set(kind string, replies ...reply) {
	f.mu.Lock()
	f.script[kind] = replies
	f.mu.Unlock()
}

func (f *fakeReasoner) Infer(ctx context.Context, kind string, input any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[kind]++
	q := f.script[kind]
	if len(q) == 0 {
		return nil, collab.Permanent(kind, errors.New("unscripted"))
	}
	r := q[0]
	if len(q) > 1 {
		f.script[kind] = q[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	return json.RawMessage(r.out), nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []collab.Message
}

func (n *fakeNotifier) Send(ctx context.Context, m collab.Message) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m)
	return "msg-" + m.Kind, nil
}

func (n *fakeNotifier) byKind(kind string) []collab.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []collab.Message
	for _, m := range n.sent {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type fakeSearch struct{}

func (fakeSearch) FindCandidates(ctx context.Context, query string, topK int) ([]collab.Candidate, error) {
	switch query {
	case "security review":
		return []collab.Candidate{{ResourceRef: domain.ResourceRef{ID: "r1", Name: "Sam", Email: "sam@firm.test"}, Score: 0.9}}, nil
	case "pricing":
		return []collab.Candidate{{ResourceRef: domain.ResourceRef{ID: "r2", Name: "Kim", Email: "kim@firm.test"}, Score: 0.8}}, nil
	}
	return nil, nil
}

type fakeRenderer struct{}

func (fakeRenderer) Render(ctx context.Context, projectID string, proposal json.RawMessage) (string, error) {
	return "mem://" + projectID + "/proposal.pdf", nil
}

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Clock    *clock
	Reasoner *fakeReasoner
	Notifier *fakeNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(conn, dialect)
	require.NoError(t, err)

	c := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	cfg := config.Default()
	cfg.Notify.EscalationTo = "ops@firm.test"
	r := repo.Repo{DB: conn, Dialect: dialect, Events: events.Writer{Dialect: dialect, Now: c.Now}, Now: c.Now}
	co := &coord.SQL{DB: conn, Dialect: dialect, AgingPerMinute: cfg.Queue.AgingPerMinute, Now: c.Now}
	reasoner := &fakeReasoner{script: map[string][]reply{}, calls: map[string]int{}}
	notifier := &fakeNotifier{}
	eng, err := engine.New(cfg, r, co, engine.Collaborators{
		Reasoner: reasoner,
		Search:   fakeSearch{},
		Renderer: fakeRenderer{},
		Notifier: notifier,
	}, nil, nil)
	require.NoError(t, err)

	reasoner.set(collab.InferRequirements, reply{out: completeRequirements})
	reasoner.set(collab.InferValidations, reply{out: twoCritical})
	reasoner.set(collab.InferPlan, reply{out: `{"phases":["discovery","migration"],"estimated_value":{"min":45000,"max":55000}}`})
	reasoner.set(collab.InferProposal, reply{out: `{"sections":["summary","approach","pricing"]}`})
	return &testEnv{Engine: eng, Ctx: context.Background(), Clock: c, Reasoner: reasoner, Notifier: notifier}
}

func (env *testEnv) submit(t *testing.T) domain.Project {
	t.Helper()
	p, err := env.Engine.SubmitProject(env.Ctx, domain.ProjectMeta{
		Title:       "CRM migration",
		ClientName:  "Acme",
		ClientEmail: "buyer@acme.test",
		LeadEmail:   "lead@firm.test",
		RFP:         "We need our CRM migrated by summer.",
	}, "tester")
	require.NoError(t, err)
	return p
}

// drain visits projects until nothing is eligible at the current clock.
func (env *testEnv) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		worked, err := env.Engine.RunOnce(env.Ctx, "test-worker/0")
		require.NoError(t, err)
		if !worked {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func (env *testEnv) project(t *testing.T, id string) domain.Project {
	t.Helper()
	p, err := env.Engine.Repo.GetProject(env.Ctx, id)
	require.NoError(t, err)
	return p
}

func (env *testEnv) respond(t *testing.T, token, payload string) engine.ResponseResult {
	t.Helper()
	res, err := env.Engine.RecordExternalResponse(env.Ctx, token, json.RawMessage(payload))
	require.NoError(t, err)
	return res
}

func statuses(t *testing.T, env *testEnv, id string) []domain.Status {
	t.Helper()
	history, err := env.Engine.History(env.Ctx, id)
	require.NoError(t, err)
	out := []domain.Status{}
	for i, rec := range history {
		if i == 0 {
			out = append(out, rec.FromStatus)
		}
		out = append(out, rec.ToStatus)
	}
	return out
}

func TestHappyPathReachesSent(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t)
	assert.Equal(t, domain.StatusReceived, p.Status)

	env.drain(t)
	p = env.project(t, p.ID)
	require.Equal(t, domain.StatusValidating, p.Status)
	assert.NotEmpty(t, p.Requirements)
	require.NotNil(t, p.EstimatedValue)
	assert.Equal(t, 40000.0, p.EstimatedValue.Min)

	asks := env.Notifier.byKind("validation")
	require.Len(t, asks, 2)
	for _, m := range asks {
		res := env.respond(t, m.Token, `{"confirmed":true}`)
		assert.Equal(t, "validation", res.Kind)
		assert.True(t, res.Accepted)
	}

	env.drain(t)
	p = env.project(t, p.ID)
	require.Equal(t, domain.StatusReviewReady, p.Status)
	require.NotNil(t, p.TimeoutAt)
	assert.True(t, p.TimeoutAt.Equal(env.Clock.Now().Add(48*time.Hour)))
	reviews := env.Notifier.byKind("approval")
	require.Len(t, reviews, 1)
	assert.Equal(t, "lead@firm.test", reviews[0].To)

	res := env.respond(t, reviews[0].Token, `{"approved":true,"comments":"ship it"}`)
	assert.Equal(t, "approval", res.Kind)
	env.drain(t)

	p = env.project(t, p.ID)
	assert.Equal(t, domain.StatusSent, p.Status)
	assert.Equal(t, "mem://"+p.ID+"/proposal.pdf", p.StateString("document_ref"))
	require.Len(t, env.Notifier.byKind("proposal"), 1)

	assert.Equal(t, []domain.Status{
		domain.StatusReceived, domain.StatusAnalyzing, domain.StatusRequirementsReady, domain.StatusValidating,
		domain.StatusPlanning, domain.StatusDraftReady, domain.StatusReviewReady, domain.StatusApproved,
		domain.StatusGenerating, domain.StatusFinalReady, domain.StatusSent,
	}, statuses(t, env, p.ID))

	// A late duplicate reply changes nothing.
	dup := env.respond(t, reviews[0].Token, `{"approved":false}`)
	assert.False(t, dup.Accepted)
	env.drain(t)
	assert.Equal(t, domain.StatusSent, env.project(t, p.ID).Status)
}

func TestClarificationRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.Reasoner.set(collab.InferRequirements, reply{out: partialRequirements}, reply{out: completeRequirements})
	p := env.submit(t)

	env.drain(t)
	p = env.project(t, p.ID)
	require.Equal(t, domain.StatusNeedsClarification, p.Status)
	asks := env.Notifier.byKind("clarification")
	require.Len(t, asks, 1)
	assert.Equal(t, "buyer@acme.test", asks[0].To)
	assert.Contains(t, asks[0].Body, "Which CRM do you use today?")

	env.respond(t, asks[0].Token, `{"answer":"Salesforce"}`)
	env.drain(t)
	p = env.project(t, p.ID)
	assert.Equal(t, domain.StatusValidating, p.Status)
	assert.Equal(t, `{"answer":"Salesforce"}`, p.StateString("clarification"))
	assert.Equal(t, 2, env.Reasoner.calls[collab.InferRequirements])
}

func TestClarificationTimeoutProceedsWithCaveats(t *testing.T) {
	env := newTestEnv(t)
	env.Reasoner.set(collab.InferRequirements, reply{out: partialRequirements})
	p := env.submit(t)
	env.drain(t)
	require.Equal(t, domain.StatusNeedsClarification, env.project(t, p.ID).Status)

	env.Clock.Advance(72 * time.Hour)
	env.drain(t)
	p = env.project(t, p.ID)
	assert.Equal(t, domain.StatusValidating, p.Status)
	assert.True(t, p.StateBool("clarification_timed_out"))
	assert.NotEmpty(t, p.State["requirements_caveats"])
}

func TestTransientFailuresRetryThenBlock(t *testing.T) {
	env := newTestEnv(t)
	env.Reasoner.set(collab.InferRequirements, reply{err: collab.Transient("infer", errors.New("503 service unavailable"))})
	p := env.submit(t)

	env.drain(t)
	p = env.project(t, p.ID)
	assert.Equal(t, domain.StatusAnalyzing, p.Status)
	assert.Equal(t, 1, p.Attempts)
	assert.Contains(t, p.LastError, "503")

	// Not eligible before the backoff elapses.
	env.drain(t)
	assert.Equal(t, 1, env.Reasoner.calls[collab.InferRequirements])

	env.Clock.Advance(2 * time.Minute)
	env.drain(t)
	assert.Equal(t, 2, env.project(t, p.ID).Attempts)

	env.Clock.Advance(5 * time.Minute)
	env.drain(t)
	p = env.project(t, p.ID)
	assert.Equal(t, domain.StatusBlocked, p.Status)
	assert.Equal(t, domain.StatusAnalyzing, p.BlockedFrom)
	assert.True(t, p.Escalated)
	assert.Contains(t, p.LastError, "extract_requirements failed")
	require.Len(t, env.Notifier.byKind("escalation"), 1)
	assert.Equal(t, 3, env.Reasoner.calls[collab.InferRequirements])

	env.Reasoner.set(collab.InferRequirements, reply{out: completeRequirements})
	p, err := env.Engine.Unblock(env.Ctx, p.ID, "alice", "provider back")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAnalyzing, p.Status)
	assert.Zero(t, p.Attempts)
	assert.False(t, p.Escalated)
	env.drain(t)
	assert.Equal(t, domain.StatusValidating, env.project(t, p.ID).Status)
}

func TestPermanentFailureBlocksImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.Reasoner.set(collab.InferRequirements, reply{out: `["not","an","object"]`})
	p := env.submit(t)
	env.drain(t)
	p = env.project(t, p.ID)
	assert.Equal(t, domain.StatusBlocked, p.Status)
	assert.Equal(t, 1, env.Reasoner.calls[collab.InferRequirements])

	p, err := env.Engine.Abandon(env.Ctx, p.ID, "alice", "client withdrew")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, p.Status)
	history, err := env.Engine.History(env.Ctx, p.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, domain.ActorHuman, last.ActorKind)
	assert.Equal(t, "alice", last.ActorID)
}

func TestCriticalValidationTimeoutBlocksUntilOverridden(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t)
	env.drain(t)
	asks := env.Notifier.byKind("validation")
	require.Len(t, asks, 2)
	env.respond(t, asks[0].Token, `{"confirmed":true}`)
	env.drain(t)

	env.Clock.Advance(72 * time.Hour)
	env.drain(t)
	p = env.project(t, p.ID)
	require.Equal(t, domain.StatusBlocked, p.Status)
	assert.Equal(t, domain.StatusValidating, p.BlockedFrom)
	assert.Contains(t, p.LastError, "critical validation unanswered")
	assert.True(t, p.Escalated)

	_, err := env.Engine.Unblock(env.Ctx, p.ID, "alice", "proceed without answer")
	require.NoError(t, err)
	env.drain(t)
	p = env.project(t, p.ID)
	assert.Equal(t, domain.StatusReviewReady, p.Status)
	assert.Equal(t, "blocked", p.State["validation_outcome"])
}

type rejectingNotifier struct{}

func (rejectingNotifier) Send(ctx context.Context, m collab.Message) (string, error) {
	return "", collab.Permanent("notify", errors.New("mailbox rejected"))
}

func TestUnblockAfterDispatchFailureKeepsCriticalTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Validation.Notifier = rejectingNotifier{}
	p := env.submit(t)
	env.drain(t)
	p = env.project(t, p.ID)
	require.Equal(t, domain.StatusBlocked, p.Status)
	require.Equal(t, domain.StatusValidating, p.BlockedFrom)
	round, err := env.Engine.Repo.GetRound(env.Ctx, p.RoundID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundOpen, round.Status)

	env.Engine.Validation.Notifier = env.Notifier
	p, err = env.Engine.Unblock(env.Ctx, p.ID, "alice", "mailbox fixed")
	require.NoError(t, err)
	assert.NotContains(t, p.State, "override_round")
	env.drain(t)
	require.Len(t, env.Notifier.byKind("validation"), 2)

	env.Clock.Advance(73 * time.Hour)
	env.drain(t)
	p = env.project(t, p.ID)
	assert.Equal(t, domain.StatusBlocked, p.Status)
	assert.Equal(t, domain.StatusValidating, p.BlockedFrom)
	assert.Contains(t, p.LastError, "critical validation unanswered")
}

func TestRejectedReviewEscalates(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t)
	env.drain(t)
	for _, m := range env.Notifier.byKind("validation") {
		env.respond(t, m.Token, `{"confirmed":true}`)
	}
	env.drain(t)
	reviews := env.Notifier.byKind("approval")
	require.Len(t, reviews, 1)

	_, err := env.Engine.RecordExternalResponse(env.Ctx, reviews[0].Token, json.RawMessage(`{"comments":"no verdict"}`))
	assert.ErrorIs(t, err, engine.ErrInvalid)

	env.respond(t, reviews[0].Token, `{"approved":false,"comments":"pricing too high"}`)
	env.drain(t)
	p = env.project(t, p.ID)
	assert.Equal(t, domain.StatusBlocked, p.Status)
	assert.Contains(t, p.LastError, "pricing too high")

	_, err = env.Engine.Unblock(env.Ctx, p.ID, "alice", "priced again")
	require.NoError(t, err)
	env.drain(t)
	assert.Len(t, env.Notifier.byKind("approval"), 2)
}

func TestLockContentionSkipsProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t)
	ok, err := env.Engine.Coord.AcquireLock(env.Ctx, p.ID, "other/0", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	worked, err := env.Engine.RunOnce(env.Ctx, "test-worker/0")
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, domain.StatusReceived, env.project(t, p.ID).Status)
	queued, err := env.Engine.Coord.Queued(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, queued)

	_, err = env.Engine.Unblock(env.Ctx, p.ID, "alice", "x")
	assert.ErrorIs(t, err, coord.ErrLockContention)
}

func TestSubmitValidatesAndSnapshotReads(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitProject(env.Ctx, domain.ProjectMeta{Title: "x", ClientEmail: "not-an-address"}, "tester")
	assert.ErrorIs(t, err, engine.ErrInvalid)
	_, err = env.Engine.SubmitProject(env.Ctx, domain.ProjectMeta{ClientEmail: "a@b.test"}, "tester")
	assert.ErrorIs(t, err, engine.ErrInvalid)

	p := env.submit(t)
	env.drain(t)
	snap, err := env.Engine.GetProject(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusValidating, snap.Project.Status)
	require.NotNil(t, snap.Round)
	assert.Equal(t, 2, snap.Round.Sent)
	assert.Len(t, snap.Tasks, 2)
	assert.Len(t, snap.History, 3)
	assert.Empty(t, snap.Project.LockOwner)

	_, err = env.Engine.RecordExternalResponse(env.Ctx, "unknown", nil)
	assert.ErrorIs(t, err, engine.ErrUnknownToken)
	_, err = env.Engine.GetProject(env.Ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
