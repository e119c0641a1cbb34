package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"proposalflow/internal/coord"
	"proposalflow/internal/domain"
	"proposalflow/internal/events"
	"proposalflow/internal/repo"
	"proposalflow/internal/validation"
)

var (
	ErrInvalid      = errors.New("invalid input")
	ErrUnknownToken = validation.ErrUnknownToken
)

// SubmitProject stores a new project and queues it.
func (e Engine) SubmitProject(ctx context.Context, meta domain.ProjectMeta, actorID string) (domain.Project, error) {
	meta.Title = strings.TrimSpace(meta.Title)
	if meta.Title == "" {
		return domain.Project{}, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if _, err := mail.ParseAddress(meta.ClientEmail); err != nil {
		return domain.Project{}, fmt.Errorf("%w: client_email: %v", ErrInvalid, err)
	}
	if meta.LeadEmail != "" {
		if _, err := mail.ParseAddress(meta.LeadEmail); err != nil {
			return domain.Project{}, fmt.Errorf("%w: lead_email: %v", ErrInvalid, err)
		}
	}
	switch meta.Priority {
	case "", domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow:
	default:
		return domain.Project{}, fmt.Errorf("%w: priority must be high, medium or low", ErrInvalid)
	}
	p, err := e.Repo.CreateProject(ctx, meta, actorID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.Coord.Enqueue(ctx, e.entry(p, e.now())); err != nil {
		// Recovery queues active projects that are missing from the queue.
		e.logger().WarnContext(ctx, "enqueue new project", "project_id", p.ID, "error", err)
	}
	e.logger().InfoContext(ctx, "project submitted", "project_id", p.ID, "client", meta.ClientName, "priority", p.Priority)
	return p, nil
}

// Snapshot is a read-only view of one project.
type Snapshot struct {
	Project domain.Project            `json:"project"`
	History []domain.TransitionRecord `json:"history"`
	Round   *domain.RoundPoll         `json:"validation_round,omitempty"`
	Tasks   []domain.ValidationTask   `json:"validation_tasks,omitempty"`
}

// GetProject reads a project with its lock holder, history and current round.
// It never takes the lock.
func (e Engine) GetProject(ctx context.Context, id string) (Snapshot, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	if info, ok, err := e.Coord.InspectLock(ctx, id); err != nil {
		return Snapshot{}, err
	} else if ok {
		p.LockOwner = info.Owner
		exp := info.ExpiresAt
		p.LockExpiresAt = &exp
	}
	history, err := e.Repo.ListTransitions(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Project: p, History: history}
	if p.RoundID != "" {
		round, err := e.Repo.GetRound(ctx, p.RoundID)
		if err != nil {
			return Snapshot{}, err
		}
		tasks, err := e.Repo.ListTasks(ctx, p.RoundID)
		if err != nil {
			return Snapshot{}, err
		}
		poll := validation.Summarize(round, tasks, e.now())
		snap.Round = &poll
		snap.Tasks = tasks
	}
	return snap, nil
}

func (e Engine) ListProjects(ctx context.Context, f repo.ProjectFilter) ([]domain.ProjectSummary, error) {
	return e.Repo.ListProjects(ctx, f)
}

func (e Engine) History(ctx context.Context, id string) ([]domain.TransitionRecord, error) {
	if _, err := e.Repo.GetProject(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListTransitions(ctx, id)
}

// ResponseResult tells the caller what a reply resolved to.
type ResponseResult struct {
	Kind      string `json:"kind"`
	ProjectID string `json:"project_id"`
	Accepted  bool   `json:"accepted"`
}

// RecordExternalResponse is the single entry point for asynchronous replies:
// validation answers, client clarifications and review decisions. Repeated
// replies are accepted and ignored.
func (e Engine) RecordExternalResponse(ctx context.Context, token string, payload json.RawMessage) (ResponseResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return ResponseResult{}, fmt.Errorf("%w: token is required", ErrInvalid)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return ResponseResult{}, fmt.Errorf("%w: payload is not JSON", ErrInvalid)
	}
	res, err := e.Validation.RecordResponse(ctx, token, payload)
	if err == nil {
		return ResponseResult{Kind: "validation", ProjectID: res.ProjectID, Accepted: res.Accepted}, nil
	}
	if !errors.Is(err, validation.ErrUnknownToken) {
		return ResponseResult{}, err
	}
	sig, err := e.Repo.GetSignal(ctx, token)
	if errors.Is(err, repo.ErrNotFound) {
		return ResponseResult{}, ErrUnknownToken
	}
	if err != nil {
		return ResponseResult{}, err
	}
	if sig.Kind == domain.SignalApproval {
		var a struct {
			Approved *bool `json:"approved"`
		}
		if err := json.Unmarshal(payload, &a); err != nil || a.Approved == nil {
			return ResponseResult{}, fmt.Errorf("%w: approval reply needs a boolean \"approved\"", ErrInvalid)
		}
	}
	sig, recorded, err := e.Repo.RecordSignal(ctx, token, payload)
	if err != nil {
		return ResponseResult{}, err
	}
	out := ResponseResult{Kind: string(sig.Kind), ProjectID: sig.ProjectID, Accepted: recorded}
	typ := events.ResponseRecorded
	if !recorded {
		typ = events.ResponseIgnored
	}
	if err := e.Repo.Events.Append(ctx, e.Repo.DB, typ, sig.ProjectID, "signal", token, "external", events.EventPayload{"kind": sig.Kind}); err != nil {
		e.logger().ErrorContext(ctx, "append event", "error", err)
	}
	if recorded {
		if err := e.Wake(ctx, sig.ProjectID); err != nil {
			e.logger().WarnContext(ctx, "wake after reply", "project_id", sig.ProjectID, "error", err)
		}
	}
	return out, nil
}

// Unblock returns a blocked project to the status it was blocked from. A round
// that blocked on a critical timeout is treated as resolved afterwards; any other
// round keeps its own outcome.
func (e Engine) Unblock(ctx context.Context, id, actorID, reason string) (domain.Project, error) {
	return e.withLock(ctx, id, actorID, func(p domain.Project) (domain.Project, error) {
		if p.Status != domain.StatusBlocked {
			return domain.Project{}, fmt.Errorf("%w: project is %s, not blocked", repo.ErrIllegalTransition, p.Status)
		}
		patch := domain.Patch{State: map[string]any{keyUnblockReason: reason}}
		if p.BlockedFrom == domain.StatusValidating && p.RoundID != "" {
			round, err := e.Repo.GetRound(ctx, p.RoundID)
			if err != nil {
				return domain.Project{}, err
			}
			// Only a round that itself blocked is overridden; a block raised while
			// the round was still open leaves it to run its course.
			if round.Status == domain.RoundBlocked {
				patch.State[keyOverrideRound] = p.RoundID
			}
		}
		if window := e.window(p.BlockedFrom); window > 0 {
			deadline := e.now().Add(window)
			patch.TimeoutAt = &deadline
		}
		next, err := e.commit(ctx, p, p.BlockedFrom, patch, "unblocked: "+reason, domain.Human(actorID))
		if err != nil {
			return domain.Project{}, err
		}
		if err := e.Coord.Enqueue(ctx, e.entry(next, e.now())); err != nil {
			e.logger().WarnContext(ctx, "enqueue unblocked project", "project_id", id, "error", err)
		}
		return next, nil
	})
}

// Abandon writes off a blocked project.
func (e Engine) Abandon(ctx context.Context, id, actorID, reason string) (domain.Project, error) {
	return e.withLock(ctx, id, actorID, func(p domain.Project) (domain.Project, error) {
		return e.commit(ctx, p, domain.StatusAbandoned, domain.Patch{}, "abandoned: "+reason, domain.Human(actorID))
	})
}

// window is the reply window a waiting status gets on re-entry.
func (e Engine) window(s domain.Status) time.Duration {
	switch s {
	case domain.StatusNeedsClarification:
		return e.Config.Timeouts.Clarification.D()
	case domain.StatusReviewReady:
		return e.Config.Timeouts.LeadReview.D()
	}
	return 0
}

func (e Engine) withLock(ctx context.Context, id, actorID string, fn func(domain.Project) (domain.Project, error)) (domain.Project, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.Project{}, fmt.Errorf("%w: actor is required", ErrInvalid)
	}
	owner := "human:" + actorID + "/" + uuid.NewString()
	ok, err := e.Coord.AcquireLock(ctx, id, owner, e.Config.Locks.TTL.D())
	if err != nil {
		return domain.Project{}, err
	}
	if !ok {
		return domain.Project{}, coord.ErrLockContention
	}
	defer func() {
		if err := e.Coord.ReleaseLock(context.WithoutCancel(ctx), id, owner); err != nil {
			e.logger().WarnContext(ctx, "release lock", "project_id", id, "error", err)
		}
	}()
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	return fn(p)
}
