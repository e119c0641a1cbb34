package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"proposalflow/internal/domain"
)

type ActionKind string

const (
	ActInvoke   ActionKind = "invoke"
	ActAdvance  ActionKind = "advance"
	ActNoop     ActionKind = "noop"
	ActEscalate ActionKind = "escalate"
)

// Step names one collaborator-backed unit of work.
type Step string

const (
	StepExtractRequirements  Step = "extract_requirements"
	StepRequestClarification Step = "request_clarification"
	StepPlanValidations      Step = "plan_validations"
	StepDispatchValidations  Step = "dispatch_validations"
	StepBuildPlan            Step = "build_plan"
	StepDraftProposal        Step = "draft_proposal"
	StepRequestReview        Step = "request_review"
	StepRenderDocument       Step = "render_document"
	StepDeliverProposal      Step = "deliver_proposal"
)

// State keys written by the engine.
const (
	keyClarification         = "clarification"
	keyClarificationTimedOut = "clarification_timed_out"
	keyOpenQuestions         = "open_questions"
	keyRequirementsCaveats   = "requirements_caveats"
	keyValidationOutcome     = "validation_outcome"
	keyValidationCaveats     = "validation_caveats"
	keyOverrideRound         = "override_round"
	keyUnblockReason         = "unblock_reason"
	keyReviewComments        = "review_comments"
	keyDocumentRef           = "document_ref"
	keyDeliveryID            = "delivery_id"
)

type Action struct {
	Kind   ActionKind
	Step   Step
	To     domain.Status
	Patch  domain.Patch
	Reason string
	// RecheckAt is when a noop project wants its next visit. Nil means the default.
	RecheckAt *time.Time
}

// Input is everything NextAction looks at.
type Input struct {
	Project domain.Project
	// Round is the poll of the project's current validation round, if any.
	Round *domain.RoundPoll
	// Signal is the newest unconsumed signal of the kind the status waits for.
	Signal      *domain.Signal
	Now         time.Time
	MaxAttempts int
}

// Approval is the payload a reviewer sends back.
type Approval struct {
	Approved bool   `json:"approved"`
	Comments string `json:"comments,omitempty"`
}

// SignalKindFor returns the signal kind a status waits on.
func SignalKindFor(s domain.Status) (domain.SignalKind, bool) {
	switch s {
	case domain.StatusNeedsClarification:
		return domain.SignalClarification, true
	case domain.StatusReviewReady:
		return domain.SignalApproval, true
	}
	return "", false
}

// NextAction chooses what to do with a project. It depends only on in.
func NextAction(in Input) Action {
	p := in.Project
	if !p.Status.Active() {
		return Action{Kind: ActNoop, Reason: "inactive"}
	}
	invoke := func(step Step) Action {
		if in.MaxAttempts > 0 && p.Attempts >= in.MaxAttempts {
			return Action{Kind: ActEscalate, Reason: fmt.Sprintf("%s failed %d times: %s", step, p.Attempts, p.LastError)}
		}
		return Action{Kind: ActInvoke, Step: step}
	}
	switch p.Status {
	case domain.StatusReceived:
		return Action{Kind: ActAdvance, To: domain.StatusAnalyzing, Reason: "intake accepted"}

	case domain.StatusAnalyzing:
		return invoke(StepExtractRequirements)

	case domain.StatusNeedsClarification:
		if in.Signal != nil && in.Signal.Received() {
			return Action{Kind: ActAdvance, To: domain.StatusAnalyzing, Reason: "client clarification received",
				Patch: domain.Patch{ConsumeSignal: in.Signal.Token, State: map[string]any{keyClarification: string(in.Signal.Payload)}}}
		}
		if deadlinePassed(p.TimeoutAt, in.Now) {
			patch := domain.Patch{State: map[string]any{keyClarificationTimedOut: true}}
			if in.Signal != nil {
				patch.ConsumeSignal = in.Signal.Token
			}
			return Action{Kind: ActAdvance, To: domain.StatusAnalyzing, Reason: "clarification window elapsed", Patch: patch}
		}
		if in.Signal == nil {
			return invoke(StepRequestClarification)
		}
		return Action{Kind: ActNoop, Reason: "awaiting clarification", RecheckAt: p.TimeoutAt}

	case domain.StatusRequirementsReady:
		return invoke(StepPlanValidations)

	case domain.StatusValidating:
		return validatingAction(in, invoke)

	case domain.StatusPlanning:
		return invoke(StepBuildPlan)

	case domain.StatusDraftReady:
		return invoke(StepDraftProposal)

	case domain.StatusReviewReady:
		if in.Signal != nil && in.Signal.Received() {
			var a Approval
			if err := json.Unmarshal(in.Signal.Payload, &a); err != nil || !a.Approved {
				reason := "proposal rejected by reviewer"
				if a.Comments != "" {
					reason += ": " + a.Comments
				}
				return Action{Kind: ActEscalate, Reason: reason, Patch: domain.Patch{ConsumeSignal: in.Signal.Token}}
			}
			return Action{Kind: ActAdvance, To: domain.StatusApproved, Reason: "proposal approved",
				Patch: domain.Patch{ConsumeSignal: in.Signal.Token, State: map[string]any{keyReviewComments: a.Comments}}}
		}
		if in.Signal == nil {
			return invoke(StepRequestReview)
		}
		if deadlinePassed(p.TimeoutAt, in.Now) {
			return Action{Kind: ActNoop, Reason: "review overdue"}
		}
		return Action{Kind: ActNoop, Reason: "awaiting review", RecheckAt: p.TimeoutAt}

	case domain.StatusApproved:
		return Action{Kind: ActAdvance, To: domain.StatusGenerating, Reason: "generation scheduled"}

	case domain.StatusGenerating:
		return invoke(StepRenderDocument)

	case domain.StatusFinalReady:
		return invoke(StepDeliverProposal)
	}
	return Action{Kind: ActEscalate, Reason: fmt.Sprintf("no rule for status %s", p.Status)}
}

func validatingAction(in Input, invoke func(Step) Action) Action {
	p := in.Project
	if in.Round == nil {
		return Action{Kind: ActEscalate, Reason: "validation round missing"}
	}
	r := *in.Round
	switch r.Status {
	case domain.RoundOpen:
		if r.Pending > 0 {
			return invoke(StepDispatchValidations)
		}
		next := r.NextTimeout
		if next == nil {
			next = &r.Deadline
		}
		return Action{Kind: ActNoop, Reason: fmt.Sprintf("awaiting %d validation replies", r.Outstanding()), RecheckAt: next}
	case domain.RoundResolved, domain.RoundResolvedWithCaveats:
		return advancePlanning(r, "validation round resolved")
	case domain.RoundBlocked:
		if p.StateString(keyOverrideRound) == r.RoundID {
			return advancePlanning(r, "critical validation timeout overridden")
		}
		return Action{Kind: ActEscalate, Reason: "critical validation unanswered: " + strings.Join(r.Caveats, "; ")}
	}
	return Action{Kind: ActEscalate, Reason: fmt.Sprintf("validation round %s is %s", r.RoundID, r.Status)}
}

func advancePlanning(r domain.RoundPoll, reason string) Action {
	caveats := make([]any, 0, len(r.Caveats))
	for _, c := range r.Caveats {
		caveats = append(caveats, c)
	}
	if len(caveats) > 0 {
		reason = fmt.Sprintf("%s with %d caveats", reason, len(caveats))
	}
	return Action{Kind: ActAdvance, To: domain.StatusPlanning, Reason: reason, Patch: domain.Patch{State: map[string]any{
		keyValidationOutcome: string(r.Status),
		keyValidationCaveats: caveats,
	}}}
}

func deadlinePassed(at *time.Time, now time.Time) bool {
	return at != nil && !now.Before(*at)
}
