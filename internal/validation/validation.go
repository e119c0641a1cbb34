// Package validation fans a project's open requirement questions out to the
// people who can answer them and folds the answers back into a round result.
// Nothing here takes the project lock.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"proposalflow/internal/collab"
	"proposalflow/internal/coord"
	"proposalflow/internal/domain"
	"proposalflow/internal/events"
	"proposalflow/internal/repo"
	"proposalflow/internal/telemetry"
)

const threadPrefix = "validation:"

var ErrUnknownToken = errors.New("unknown correlation token")

// Waker schedules a prompt visit of a project.
type Waker interface {
	Wake(ctx context.Context, projectID string) error
}

type Orchestrator struct {
	Repo     repo.Repo
	Coord    coord.Coordinator
	Notifier collab.Notifier
	Waker    Waker
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Now      func() time.Time

	AnswerWindow  time.Duration
	DedupTTL      time.Duration
	ThreadTTL     time.Duration
	CallTimeout   time.Duration
	MaxConcurrent int
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default().With("component", "validation")
}

// ThreadRef is the thread reference stored for a validation task token.
func ThreadRef(taskID string) string { return threadPrefix + taskID }

// DedupKey identifies one question to one recipient.
func DedupKey(t domain.ValidationTask) string {
	return strings.ToLower(strings.TrimSpace(t.Resource.Email)) + "|validation:" + t.ProjectID + ":" + t.Attribute
}

// StartRound creates one pending task per attribute. Attributes are keyed by Key;
// repeated keys keep the first entry. A round without attributes is resolved at once.
func (o *Orchestrator) StartRound(ctx context.Context, projectID string, attrs []domain.Attribute) (domain.ValidationRound, error) {
	now := o.now()
	round := domain.ValidationRound{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    domain.RoundOpen,
		Deadline:  now.Add(o.AnswerWindow),
		CreatedAt: now,
	}
	seen := map[string]bool{}
	var tasks []domain.ValidationTask
	for _, a := range attrs {
		if a.Key == "" || seen[a.Key] {
			continue
		}
		if !a.Tier.Valid() {
			return domain.ValidationRound{}, fmt.Errorf("attribute %s: unknown tier %q", a.Key, a.Tier)
		}
		if a.Resource.Email == "" {
			return domain.ValidationRound{}, fmt.Errorf("attribute %s: resource without email", a.Key)
		}
		seen[a.Key] = true
		tasks = append(tasks, domain.ValidationTask{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			RoundID:   round.ID,
			Attribute: a.Key,
			Resource:  a.Resource,
			Question:  a.Question,
			Tier:      a.Tier,
			Status:    domain.TaskPending,
			Token:     uuid.NewString(),
			CreatedAt: now,
			TimeoutAt: round.Deadline,
		})
	}
	if len(tasks) == 0 {
		round.Status = domain.RoundResolved
		round.ResolvedAt = &now
	}
	if err := o.Repo.InsertRound(ctx, round, tasks); err != nil {
		return domain.ValidationRound{}, fmt.Errorf("start round: %w", err)
	}
	if round.Status != domain.RoundOpen {
		if _, err := o.Repo.ResolveRound(ctx, round.ID, round.Status, now); err != nil {
			return domain.ValidationRound{}, err
		}
	}
	o.logger().InfoContext(ctx, "validation round started", "project_id", projectID, "round_id", round.ID, "tasks", len(tasks))
	return round, nil
}

type DispatchResult struct {
	Sent    int
	Skipped int
	Failed  int
}

// DispatchPending sends every pending task of the round. Failed sends leave the
// task pending; the first failure is returned after all tasks were tried.
func (o *Orchestrator) DispatchPending(ctx context.Context, roundID string) (DispatchResult, error) {
	tasks, err := o.Repo.ListTasks(ctx, roundID)
	if err != nil {
		return DispatchResult{}, err
	}
	var (
		mu  sync.Mutex
		res DispatchResult
		g   errgroup.Group
	)
	limit := o.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, t := range tasks {
		if t.Status != domain.TaskPending {
			continue
		}
		g.Go(func() error {
			outcome, err := o.dispatch(ctx, t)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case domain.TaskSent:
				res.Sent++
			case domain.TaskSkippedDuplicate:
				res.Skipped++
			default:
				res.Failed++
			}
			return err
		})
	}
	return res, g.Wait()
}

func (o *Orchestrator) dispatch(ctx context.Context, t domain.ValidationTask) (domain.TaskStatus, error) {
	log := o.logger().With("project_id", t.ProjectID, "task_id", t.ID, "attribute", t.Attribute)
	key := DedupKey(t)
	marked, err := o.Coord.MarkSent(ctx, key, o.DedupTTL)
	if err != nil {
		return domain.TaskPending, collab.Transient("mark sent", err)
	}
	if !marked {
		// A thread for our own token means this task placed the marker before a crash.
		if ref, err := o.Coord.ResolveThread(ctx, t.Token); err == nil && ref == ThreadRef(t.ID) {
			if _, err := o.Repo.MarkTaskSent(ctx, t.ID, "", o.now()); err != nil {
				return domain.TaskPending, err
			}
			log.WarnContext(ctx, "validation marker found after restart; not resending")
			return domain.TaskSent, nil
		}
		if _, err := o.Repo.MarkTaskSkipped(ctx, t.ID); err != nil {
			return domain.TaskPending, err
		}
		o.Metrics.Dispatch(ctx, "skipped")
		o.appendEvent(ctx, events.TaskSkipped, t, events.EventPayload{"dedup_key": key})
		log.InfoContext(ctx, "validation skipped as duplicate", "dedup_key", key)
		return domain.TaskSkippedDuplicate, nil
	}
	if err := o.Coord.RegisterThread(ctx, t.Token, ThreadRef(t.ID), o.ThreadTTL); err != nil {
		_ = o.Coord.ClearSent(ctx, key)
		return domain.TaskPending, collab.Transient("register thread", err)
	}
	msg := collab.Message{
		ProjectID: t.ProjectID,
		Kind:      "validation",
		To:        t.Resource.Email,
		Subject:   "Validation request: " + t.Attribute,
		Body:      t.Question,
		Token:     t.Token,
	}
	dispatchID, err := collab.WithDeadline(ctx, "notify", o.callTimeout(), func(ctx context.Context) (string, error) {
		return o.Notifier.Send(ctx, msg)
	})
	if err != nil {
		if cerr := o.Coord.ClearSent(ctx, key); cerr != nil {
			log.ErrorContext(ctx, "clear dedup marker", "error", cerr)
		}
		if _, ferr := o.Repo.RecordTaskFailure(ctx, t.ID); ferr != nil {
			log.ErrorContext(ctx, "record dispatch failure", "error", ferr)
		}
		kind := collab.Classify(err)
		o.Metrics.Dispatch(ctx, "failed")
		o.Metrics.Failure(ctx, "notify", kind.String())
		o.appendEvent(ctx, events.TaskDispatchFail, t, events.EventPayload{"error": err.Error(), "kind": kind.String()})
		log.WarnContext(ctx, "validation dispatch failed", "error", err, "kind", kind.String())
		return domain.TaskPending, fmt.Errorf("dispatch %s: %w", t.Attribute, err)
	}
	if _, err := o.Repo.MarkTaskSent(ctx, t.ID, dispatchID, o.now()); err != nil {
		return domain.TaskPending, err
	}
	o.Metrics.Dispatch(ctx, "sent")
	o.appendEvent(ctx, events.TaskDispatched, t, events.EventPayload{"dispatch_id": dispatchID, "to": t.Resource.Email})
	return domain.TaskSent, nil
}

func (o *Orchestrator) callTimeout() time.Duration {
	if o.CallTimeout > 0 {
		return o.CallTimeout
	}
	return time.Minute
}

// Response is the outcome of an inbound validation reply.
type Response struct {
	ProjectID string
	TaskID    string
	Accepted  bool
}

// RecordResponse stores the first answer for a task token. Duplicate and late
// replies are accepted without error and change nothing.
func (o *Orchestrator) RecordResponse(ctx context.Context, token string, payload json.RawMessage) (Response, error) {
	task, err := o.taskForToken(ctx, token)
	if err != nil {
		return Response{}, err
	}
	accepted, err := o.Repo.AnswerTask(ctx, task.ID, payload, o.now())
	if err != nil {
		return Response{}, err
	}
	res := Response{ProjectID: task.ProjectID, TaskID: task.ID, Accepted: accepted}
	if !accepted {
		o.appendEvent(ctx, events.ResponseIgnored, task, events.EventPayload{"status": task.Status})
		o.logger().InfoContext(ctx, "validation reply ignored", "task_id", task.ID, "status", task.Status)
		return res, nil
	}
	o.appendEvent(ctx, events.ResponseRecorded, task, nil)
	if o.Waker != nil {
		if err := o.Waker.Wake(ctx, task.ProjectID); err != nil {
			o.logger().WarnContext(ctx, "wake after answer", "project_id", task.ProjectID, "error", err)
		}
	}
	return res, nil
}

// OwnsToken reports whether token belongs to a validation task.
func (o *Orchestrator) OwnsToken(ctx context.Context, token string) (bool, error) {
	_, err := o.taskForToken(ctx, token)
	if errors.Is(err, ErrUnknownToken) {
		return false, nil
	}
	return err == nil, err
}

func (o *Orchestrator) taskForToken(ctx context.Context, token string) (domain.ValidationTask, error) {
	ref, err := o.Coord.ResolveThread(ctx, token)
	switch {
	case err == nil && strings.HasPrefix(ref, threadPrefix):
		t, err := o.Repo.GetTask(ctx, strings.TrimPrefix(ref, threadPrefix))
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.ValidationTask{}, err
		}
	case err == nil:
		return domain.ValidationTask{}, ErrUnknownToken
	case !errors.Is(err, coord.ErrNotFound):
		o.logger().WarnContext(ctx, "thread lookup failed; using durable token index", "error", err)
	}
	t, err := o.Repo.GetTaskByToken(ctx, token)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ValidationTask{}, ErrUnknownToken
	}
	return t, err
}

// PollRound summarizes a round and persists its resolution once reached.
func (o *Orchestrator) PollRound(ctx context.Context, roundID string) (domain.RoundPoll, error) {
	round, err := o.Repo.GetRound(ctx, roundID)
	if err != nil {
		return domain.RoundPoll{}, err
	}
	tasks, err := o.Repo.ListTasks(ctx, roundID)
	if err != nil {
		return domain.RoundPoll{}, err
	}
	now := o.now()
	poll := Summarize(round, tasks, now)
	if round.Status == domain.RoundOpen && poll.Status != domain.RoundOpen {
		if _, err := o.Repo.ResolveRound(ctx, roundID, poll.Status, now); err != nil {
			return domain.RoundPoll{}, err
		}
		o.logger().InfoContext(ctx, "validation round resolved", "project_id", round.ProjectID, "round_id", roundID, "status", poll.Status)
	}
	return poll, nil
}

// ExpireOverdue times out waiting tasks past their timeout and wakes the affected
// projects. It returns the ids of those projects.
func (o *Orchestrator) ExpireOverdue(ctx context.Context) ([]string, error) {
	overdue, err := o.Repo.ListOverdueTasks(ctx, o.now())
	if err != nil {
		return nil, err
	}
	affected := map[string]bool{}
	for _, t := range overdue {
		ok, err := o.Repo.ExpireTask(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		affected[t.ProjectID] = true
		o.appendEvent(ctx, events.TaskTimedOut, t, events.EventPayload{"tier": t.Tier})
	}
	ids := make([]string, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if o.Waker != nil {
			if err := o.Waker.Wake(ctx, id); err != nil {
				o.logger().WarnContext(ctx, "wake after timeout", "project_id", id, "error", err)
			}
		}
	}
	return ids, nil
}

func (o *Orchestrator) appendEvent(ctx context.Context, typ string, t domain.ValidationTask, payload events.EventPayload) {
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["attribute"] = t.Attribute
	payload["round_id"] = t.RoundID
	if err := o.Repo.Events.Append(ctx, o.Repo.DB, typ, t.ProjectID, "validation_task", t.ID, "validation", payload); err != nil {
		o.logger().ErrorContext(ctx, "append event", "type", typ, "error", err)
	}
}
