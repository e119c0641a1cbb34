package engine

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proposalflow/internal/collab"
	"proposalflow/internal/domain"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	v := t0.Add(d)
	return &v
}

func TestNextActionTable(t *testing.T) {
	received := &domain.Signal{Token: "s1", Payload: json.RawMessage(`{"approved":true}`), ReceivedAt: at(0)}
	rejected := &domain.Signal{Token: "s2", Payload: json.RawMessage(`{"approved":false,"comments":"too expensive"}`), ReceivedAt: at(0)}
	waiting := &domain.Signal{Token: "s3"}

	cases := []struct {
		name string
		in   Input
		kind ActionKind
		step Step
		to   domain.Status
	}{
		{"received advances", Input{Project: domain.Project{Status: domain.StatusReceived}}, ActAdvance, "", domain.StatusAnalyzing},
		{"analyzing extracts", Input{Project: domain.Project{Status: domain.StatusAnalyzing}}, ActInvoke, StepExtractRequirements, ""},
		{"attempts exhausted", Input{Project: domain.Project{Status: domain.StatusAnalyzing, Attempts: 3}, MaxAttempts: 3}, ActEscalate, "", ""},
		{"clarification requested", Input{Project: domain.Project{Status: domain.StatusNeedsClarification, TimeoutAt: at(time.Hour)}, Now: t0}, ActInvoke, StepRequestClarification, ""},
		{"clarification waiting", Input{Project: domain.Project{Status: domain.StatusNeedsClarification, TimeoutAt: at(time.Hour)}, Signal: waiting, Now: t0}, ActNoop, "", ""},
		{"clarification answered", Input{Project: domain.Project{Status: domain.StatusNeedsClarification, TimeoutAt: at(time.Hour)}, Signal: received, Now: t0}, ActAdvance, "", domain.StatusAnalyzing},
		{"clarification timed out", Input{Project: domain.Project{Status: domain.StatusNeedsClarification, TimeoutAt: at(time.Hour)}, Signal: waiting, Now: t0.Add(time.Hour)}, ActAdvance, "", domain.StatusAnalyzing},
		{"plan validations", Input{Project: domain.Project{Status: domain.StatusRequirementsReady}}, ActInvoke, StepPlanValidations, ""},
		{"round missing", Input{Project: domain.Project{Status: domain.StatusValidating}}, ActEscalate, "", ""},
		{"round pending dispatch", Input{Project: domain.Project{Status: domain.StatusValidating}, Round: &domain.RoundPoll{Status: domain.RoundOpen, Pending: 1}}, ActInvoke, StepDispatchValidations, ""},
		{"round waiting", Input{Project: domain.Project{Status: domain.StatusValidating}, Round: &domain.RoundPoll{Status: domain.RoundOpen, Sent: 2, NextTimeout: at(time.Hour)}}, ActNoop, "", ""},
		{"round caveats", Input{Project: domain.Project{Status: domain.StatusValidating}, Round: &domain.RoundPoll{Status: domain.RoundResolvedWithCaveats, Caveats: []string{"x"}}}, ActAdvance, "", domain.StatusPlanning},
		{"round blocked", Input{Project: domain.Project{Status: domain.StatusValidating, RoundID: "r1"}, Round: &domain.RoundPoll{RoundID: "r1", Status: domain.RoundBlocked}}, ActEscalate, "", ""},
		{"round blocked overridden", Input{Project: domain.Project{Status: domain.StatusValidating, RoundID: "r1", State: map[string]any{keyOverrideRound: "r1"}}, Round: &domain.RoundPoll{RoundID: "r1", Status: domain.RoundBlocked}}, ActAdvance, "", domain.StatusPlanning},
		{"planning", Input{Project: domain.Project{Status: domain.StatusPlanning}}, ActInvoke, StepBuildPlan, ""},
		{"draft", Input{Project: domain.Project{Status: domain.StatusDraftReady}}, ActInvoke, StepDraftProposal, ""},
		{"review requested", Input{Project: domain.Project{Status: domain.StatusReviewReady}}, ActInvoke, StepRequestReview, ""},
		{"review waiting", Input{Project: domain.Project{Status: domain.StatusReviewReady, TimeoutAt: at(time.Hour)}, Signal: waiting, Now: t0}, ActNoop, "", ""},
		{"review overdue", Input{Project: domain.Project{Status: domain.StatusReviewReady, TimeoutAt: at(time.Hour)}, Signal: waiting, Now: t0.Add(2 * time.Hour)}, ActNoop, "", ""},
		{"review approved", Input{Project: domain.Project{Status: domain.StatusReviewReady}, Signal: received}, ActAdvance, "", domain.StatusApproved},
		{"review rejected", Input{Project: domain.Project{Status: domain.StatusReviewReady}, Signal: rejected}, ActEscalate, "", ""},
		{"approved", Input{Project: domain.Project{Status: domain.StatusApproved}}, ActAdvance, "", domain.StatusGenerating},
		{"generating", Input{Project: domain.Project{Status: domain.StatusGenerating}}, ActInvoke, StepRenderDocument, ""},
		{"final", Input{Project: domain.Project{Status: domain.StatusFinalReady}}, ActInvoke, StepDeliverProposal, ""},
		{"blocked", Input{Project: domain.Project{Status: domain.StatusBlocked}}, ActNoop, "", ""},
		{"sent", Input{Project: domain.Project{Status: domain.StatusSent}}, ActNoop, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NextAction(tc.in)
			assert.Equal(t, tc.kind, got.Kind)
			assert.Equal(t, tc.step, got.Step)
			assert.Equal(t, tc.to, got.To)
		})
	}
}

func TestRejectedReviewConsumesSignal(t *testing.T) {
	got := NextAction(Input{Project: domain.Project{Status: domain.StatusReviewReady}, Signal: &domain.Signal{Token: "s", Payload: json.RawMessage(`{"approved":false,"comments":"too expensive"}`), ReceivedAt: at(0)}})
	assert.Equal(t, "s", got.Patch.ConsumeSignal)
	assert.Contains(t, got.Reason, "too expensive")
}

// stepTargets is the commit each step makes on success.
var stepTargets = map[Step][]domain.Status{
	StepExtractRequirements:  {domain.StatusRequirementsReady, domain.StatusNeedsClarification},
	StepPlanValidations:      {domain.StatusValidating},
	StepBuildPlan:            {domain.StatusDraftReady},
	StepDraftProposal:        {domain.StatusReviewReady},
	StepRenderDocument:       {domain.StatusFinalReady},
	StepDeliverProposal:      {domain.StatusSent},
	StepRequestClarification: nil,
	StepRequestReview:        nil,
	StepDispatchValidations:  nil,
}

func TestRandomDrivesFollowTheGraph(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every status change is a legal edge and NextAction is deterministic", prop.ForAll(
		func(choices []int) bool {
			p := domain.Project{ID: "p", Status: domain.StatusReceived}
			now := t0
			for _, c := range choices {
				in := Input{Project: p, Now: now, MaxAttempts: 3}
				switch {
				case p.Status == domain.StatusValidating:
					in.Round = &domain.RoundPoll{RoundID: "r", Status: []domain.RoundStatus{domain.RoundOpen, domain.RoundResolved, domain.RoundResolvedWithCaveats, domain.RoundBlocked}[c%4], Pending: c % 2}
				case p.Status == domain.StatusNeedsClarification || p.Status == domain.StatusReviewReady:
					if c%3 > 0 {
						verdict := []string{`{"approved":true}`, `{"approved":false}`}[c%2]
						in.Signal = &domain.Signal{Token: "s", Payload: json.RawMessage(verdict), ReceivedAt: at(0)}
					}
				}
				act := NextAction(in)
				if !reflect.DeepEqual(act, NextAction(in)) {
					return false
				}
				var to domain.Status
				switch act.Kind {
				case ActAdvance:
					to = act.To
				case ActEscalate:
					to = domain.StatusBlocked
				case ActInvoke:
					targets := stepTargets[act.Step]
					if len(targets) == 0 || c%5 == 0 {
						p.Attempts++
						continue
					}
					to = targets[c%len(targets)]
				case ActNoop:
					if p.Status == domain.StatusBlocked {
						to = []domain.Status{p.BlockedFrom, domain.StatusAbandoned}[c%2]
					} else {
						now = now.Add(time.Hour)
						continue
					}
				}
				if !domain.CanTransition(p.Status, to, p.BlockedFrom) {
					return false
				}
				switch {
				case to == domain.StatusBlocked:
					p.BlockedFrom = p.Status
				case p.Status == domain.StatusBlocked:
					p.BlockedFrom = ""
				}
				p.Status, p.Attempts = to, 0
				if p.Status.Terminal() {
					return true
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 59)),
	))

	properties.TestingRun(t)
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{Max: 3, Base: time.Minute, Cap: 30 * time.Minute}
	assert.Equal(t, time.Minute, p.Backoff("p", 1))
	assert.Equal(t, 2*time.Minute, p.Backoff("p", 2))
	assert.Equal(t, 16*time.Minute, p.Backoff("p", 5))
	assert.Equal(t, 30*time.Minute, p.Backoff("p", 6))
	assert.Equal(t, 30*time.Minute, p.Backoff("p", 80))

	j := RetryPolicy{Max: 3, Base: time.Minute, Cap: time.Hour, Jitter: 10 * time.Second}
	d := j.Backoff("p1", 1)
	assert.Equal(t, d, j.Backoff("p1", 1))
	assert.GreaterOrEqual(t, d, time.Minute)
	assert.Less(t, d, time.Minute+10*time.Second)

	dec := p.Decide("p", 0, collab.Transient("infer", assert.AnError))
	assert.True(t, dec.Retry)
	assert.Equal(t, 1, dec.Attempts)
	assert.Equal(t, time.Minute, dec.Delay)

	assert.False(t, p.Decide("p", 2, collab.Transient("infer", assert.AnError)).Retry)
	assert.False(t, p.Decide("p", 0, collab.Permanent("infer", assert.AnError)).Retry)
}

func TestRequirementsChecker(t *testing.T) {
	c, err := NewRequirementsChecker()
	require.NoError(t, err)

	req, gaps, err := c.Check(json.RawMessage(`{"summary":"s","scope":["a"],"deliverables":["d"],"estimated_value":{"min":1,"max":2}}`))
	require.NoError(t, err)
	assert.Empty(t, gaps)
	require.NotNil(t, req.EstimatedValue)
	assert.Equal(t, 2.0, req.EstimatedValue.Max)

	_, gaps, err = c.Check(json.RawMessage(`{"summary":"s","scope":["a"]}`))
	require.NoError(t, err)
	assert.NotEmpty(t, gaps)

	_, gaps, err = c.Check(json.RawMessage(`{"summary":"s","scope":["a"],"deliverables":["d"],"open_questions":["Budget?"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"Budget?"}, gaps)

	_, _, err = c.Check(json.RawMessage(`[1,2]`))
	assert.Equal(t, collab.KindPermanent, collab.Classify(err))
}
