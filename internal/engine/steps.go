package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"proposalflow/internal/collab"
	"proposalflow/internal/domain"
	"proposalflow/internal/events"
)

var automatic = domain.System("engine")

func (e Engine) run(ctx context.Context, p domain.Project, step Step) error {
	ctx, span := e.Metrics.Span(ctx, "step."+string(step), attribute.String("project.id", p.ID))
	defer span.End()
	switch step {
	case StepExtractRequirements:
		return e.extractRequirements(ctx, p)
	case StepRequestClarification:
		return e.requestClarification(ctx, p)
	case StepPlanValidations:
		return e.planValidations(ctx, p)
	case StepDispatchValidations:
		return e.dispatchValidations(ctx, p)
	case StepBuildPlan:
		return e.buildPlan(ctx, p)
	case StepDraftProposal:
		return e.draftProposal(ctx, p)
	case StepRequestReview:
		return e.requestReview(ctx, p)
	case StepRenderDocument:
		return e.renderDocument(ctx, p)
	case StepDeliverProposal:
		return e.deliverProposal(ctx, p)
	}
	return collab.Permanent(string(step), errors.New("unknown step"))
}

func (e Engine) extractRequirements(ctx context.Context, p domain.Project) error {
	out, err := e.infer(ctx, collab.InferRequirements, map[string]any{
		"project_id":    p.ID,
		"meta":          p.Meta,
		"clarification": p.StateString(keyClarification),
		"previous":      p.Requirements,
	})
	if err != nil {
		return err
	}
	req, gaps, err := e.Checker.Check(out)
	if err != nil {
		return err
	}
	patch := domain.Patch{Requirements: out, EstimatedValue: req.EstimatedValue}
	switch {
	case len(gaps) == 0:
		_, err = e.commit(ctx, p, domain.StatusRequirementsReady, patch, "requirements complete", automatic)
	case p.StateBool(keyClarificationTimedOut):
		patch.State = map[string]any{keyRequirementsCaveats: toAny(gaps)}
		_, err = e.commit(ctx, p, domain.StatusRequirementsReady, patch,
			fmt.Sprintf("requirements accepted with %d gaps after clarification timeout", len(gaps)), automatic)
	default:
		deadline := e.now().Add(e.Config.Timeouts.Clarification.D())
		patch.TimeoutAt = &deadline
		patch.State = map[string]any{keyOpenQuestions: toAny(gaps)}
		_, err = e.commit(ctx, p, domain.StatusNeedsClarification, patch,
			fmt.Sprintf("%d open questions for the client", len(gaps)), automatic)
	}
	return err
}

func (e Engine) requestClarification(ctx context.Context, p domain.Project) error {
	if p.Meta.ClientEmail == "" {
		return collab.Permanent(string(StepRequestClarification), errors.New("project has no client email"))
	}
	var questions []string
	if raw, ok := p.State[keyOpenQuestions].([]any); ok {
		for _, q := range raw {
			questions = append(questions, fmt.Sprint("- ", q))
		}
	}
	token := signalToken(p)
	dispatchID, _, err := e.notifyOnce(ctx, collab.Message{
		ProjectID: p.ID,
		Kind:      string(domain.SignalClarification),
		To:        p.Meta.ClientEmail,
		Subject:   "Questions about your request: " + p.Meta.Title,
		Body:      "Before we can prepare a proposal we need a few details:\n" + strings.Join(questions, "\n"),
		Token:     token,
	}, "clarification:"+token)
	if err != nil {
		return err
	}
	return e.expect(ctx, p, token, domain.SignalClarification, dispatchID)
}

type plannedValidation struct {
	Key        string      `json:"key"`
	Question   string      `json:"question"`
	Tier       domain.Tier `json:"tier"`
	Capability string      `json:"capability"`
}

func (e Engine) planValidations(ctx context.Context, p domain.Project) error {
	out, err := e.infer(ctx, collab.InferValidations, map[string]any{
		"project_id":   p.ID,
		"meta":         p.Meta,
		"requirements": p.Requirements,
	})
	if err != nil {
		return err
	}
	var plan struct {
		Attributes []plannedValidation `json:"attributes"`
	}
	if err := json.Unmarshal(out, &plan); err != nil {
		return collab.Permanent(string(StepPlanValidations), fmt.Errorf("decode validation plan: %w", err))
	}
	client := domain.ResourceRef{ID: "client", Name: p.Meta.ClientName, Email: p.Meta.ClientEmail}
	var attrs []domain.Attribute
	for _, pv := range plan.Attributes {
		if pv.Key == "" || pv.Question == "" {
			continue
		}
		tier := pv.Tier
		if !tier.Valid() {
			tier = domain.TierMedium
		}
		resource, err := e.resourceFor(ctx, pv, client)
		if err != nil {
			return err
		}
		if resource.Email == "" {
			e.logger().WarnContext(ctx, "no one to ask; dropping validation", "project_id", p.ID, "attribute", pv.Key)
			continue
		}
		attrs = append(attrs, domain.Attribute{Key: pv.Key, Question: pv.Question, Tier: tier, Resource: resource})
	}
	round, err := e.Validation.StartRound(ctx, p.ID, attrs)
	if err != nil {
		return err
	}
	_, err = e.commit(ctx, p, domain.StatusValidating, domain.Patch{RoundID: &round.ID},
		fmt.Sprintf("validation round with %d questions", len(attrs)), automatic)
	return err
}

func (e Engine) resourceFor(ctx context.Context, pv plannedValidation, fallback domain.ResourceRef) (domain.ResourceRef, error) {
	if e.Collab.Search == nil || pv.Capability == "" {
		return fallback, nil
	}
	topK := e.Config.Validation.CandidatesPerQuestion
	cands, err := collab.WithDeadline(ctx, "search", e.Config.Timeouts.Call.D(), func(ctx context.Context) ([]collab.Candidate, error) {
		return e.Collab.Search.FindCandidates(ctx, pv.Capability, topK)
	})
	if err != nil {
		return domain.ResourceRef{}, err
	}
	for _, c := range cands {
		if c.Email != "" {
			return c.ResourceRef, nil
		}
	}
	return fallback, nil
}

func (e Engine) dispatchValidations(ctx context.Context, p domain.Project) error {
	res, err := e.Validation.DispatchPending(ctx, p.RoundID)
	e.logger().InfoContext(ctx, "validation dispatch", "project_id", p.ID, "round_id", p.RoundID,
		"sent", res.Sent, "skipped", res.Skipped, "failed", res.Failed)
	return err
}

func (e Engine) buildPlan(ctx context.Context, p domain.Project) error {
	var answers []map[string]any
	if p.RoundID != "" {
		tasks, err := e.Repo.ListTasks(ctx, p.RoundID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			answers = append(answers, map[string]any{
				"attribute": t.Attribute,
				"tier":      t.Tier,
				"status":    t.Status,
				"result":    t.Result,
			})
		}
	}
	out, err := e.infer(ctx, collab.InferPlan, map[string]any{
		"project_id":   p.ID,
		"meta":         p.Meta,
		"requirements": p.Requirements,
		"validations":  answers,
		"caveats":      p.State[keyValidationCaveats],
	})
	if err != nil {
		return err
	}
	var est struct {
		EstimatedValue *domain.ValueRange `json:"estimated_value"`
	}
	_ = json.Unmarshal(out, &est)
	patch := domain.Patch{Plan: out, EstimatedValue: est.EstimatedValue}
	_, err = e.commit(ctx, p, domain.StatusDraftReady, patch, "delivery plan built", automatic)
	return err
}

func (e Engine) draftProposal(ctx context.Context, p domain.Project) error {
	out, err := e.infer(ctx, collab.InferProposal, map[string]any{
		"project_id":      p.ID,
		"meta":            p.Meta,
		"requirements":    p.Requirements,
		"plan":            p.Plan,
		"estimated_value": p.EstimatedValue,
	})
	if err != nil {
		return err
	}
	deadline := e.now().Add(e.Config.Timeouts.LeadReview.D())
	_, err = e.commit(ctx, p, domain.StatusReviewReady, domain.Patch{Proposal: out, TimeoutAt: &deadline}, "proposal drafted", automatic)
	return err
}

func (e Engine) requestReview(ctx context.Context, p domain.Project) error {
	to := p.Meta.LeadEmail
	if to == "" {
		to = e.Config.Notify.EscalationTo
	}
	if to == "" {
		return collab.Permanent(string(StepRequestReview), errors.New("no reviewer address"))
	}
	token := signalToken(p)
	dispatchID, _, err := e.notifyOnce(ctx, collab.Message{
		ProjectID: p.ID,
		Kind:      string(domain.SignalApproval),
		To:        to,
		Subject:   "Proposal ready for review: " + p.Meta.Title,
		Body:      fmt.Sprintf("The proposal for %s is ready. Reply with {\"approved\": true} or {\"approved\": false, \"comments\": \"...\"}.", p.Meta.ClientName),
		Token:     token,
	}, "approval:"+token)
	if err != nil {
		return err
	}
	return e.expect(ctx, p, token, domain.SignalApproval, dispatchID)
}

// expect registers the reply token after the request went out.
func (e Engine) expect(ctx context.Context, p domain.Project, token string, kind domain.SignalKind, dispatchID string) error {
	if err := e.Repo.ExpectSignal(ctx, token, p.ID, kind); err != nil {
		return err
	}
	if err := e.Repo.Events.Append(ctx, e.Repo.DB, events.SignalRequested, p.ID, "signal", token, "engine", events.EventPayload{
		"kind":        kind,
		"dispatch_id": dispatchID,
	}); err != nil {
		e.logger().ErrorContext(ctx, "append event", "error", err)
	}
	return nil
}

func (e Engine) renderDocument(ctx context.Context, p domain.Project) error {
	ctx, span := e.Metrics.Span(ctx, "collab.render")
	defer span.End()
	ref, err := collab.WithDeadline(ctx, "render", e.Config.Timeouts.Call.D(), func(ctx context.Context) (string, error) {
		return e.Collab.Renderer.Render(ctx, p.ID, p.Proposal)
	})
	if err != nil {
		return err
	}
	_, err = e.commit(ctx, p, domain.StatusFinalReady, domain.Patch{State: map[string]any{keyDocumentRef: ref}}, "document rendered", automatic)
	return err
}

func (e Engine) deliverProposal(ctx context.Context, p domain.Project) error {
	if p.Meta.ClientEmail == "" {
		return collab.Permanent(string(StepDeliverProposal), errors.New("project has no client email"))
	}
	ref := p.StateString(keyDocumentRef)
	id, sent, err := e.notifyOnce(ctx, collab.Message{
		ProjectID: p.ID,
		Kind:      "proposal",
		To:        p.Meta.ClientEmail,
		Subject:   "Proposal: " + p.Meta.Title,
		Body:      "Please find our proposal attached: " + ref,
	}, "proposal:"+p.ID)
	if err != nil {
		return err
	}
	reason := "proposal sent to client"
	if !sent {
		reason = "proposal already sent to client"
	}
	_, err = e.commit(ctx, p, domain.StatusSent, domain.Patch{State: map[string]any{keyDeliveryID: id}}, reason, automatic)
	return err
}
