// Package engine drives projects through the proposal pipeline. A visit takes the
// project lock, asks NextAction what to do, runs the step and commits the result.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"proposalflow/internal/collab"
	"proposalflow/internal/config"
	"proposalflow/internal/coord"
	"proposalflow/internal/domain"
	"proposalflow/internal/events"
	"proposalflow/internal/repo"
	"proposalflow/internal/telemetry"
	"proposalflow/internal/validation"
)

// Collaborators are the external services a visit may call.
type Collaborators struct {
	Reasoner collab.Reasoner
	Search   collab.ResourceSearcher
	Renderer collab.Renderer
	Notifier collab.Notifier
}

type Engine struct {
	Repo       repo.Repo
	Coord      coord.Coordinator
	Validation *validation.Orchestrator
	Collab     Collaborators
	Checker    *RequirementsChecker
	Config     *config.Config
	Retry      RetryPolicy
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// New wires an engine and its validation orchestrator from cfg.
func New(cfg *config.Config, r repo.Repo, c coord.Coordinator, col Collaborators, logger *slog.Logger, metrics *telemetry.Metrics) (Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	checker, err := NewRequirementsChecker()
	if err != nil {
		return Engine{}, err
	}
	e := Engine{
		Repo:    r,
		Coord:   c,
		Collab:  col,
		Checker: checker,
		Config:  cfg,
		Retry: RetryPolicy{
			Max:    cfg.Retry.Max,
			Base:   cfg.Retry.Base.D(),
			Cap:    cfg.Retry.Cap.D(),
			Jitter: cfg.Retry.Base.D() / 4,
		},
		Metrics: metrics,
		Logger:  logger.With("component", "engine"),
		Now:     r.Now,
	}
	e.Validation = &validation.Orchestrator{
		Repo:          r,
		Coord:         c,
		Notifier:      col.Notifier,
		Logger:        logger.With("component", "validation"),
		Metrics:       metrics,
		Now:           r.Now,
		AnswerWindow:  cfg.Timeouts.Validation.D(),
		DedupTTL:      cfg.Dedup.TTL.D(),
		ThreadTTL:     cfg.Threads.TTL.D(),
		CallTimeout:   cfg.Timeouts.Call.D(),
		MaxConcurrent: cfg.Validation.MaxConcurrentDispatch,
	}
	e.Validation.Waker = e
	return e, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Score ranks a project in the queue: its class weight plus a share of the
// deadline boost that grows as the due date approaches.
func Score(p domain.Project, now time.Time, cfg *config.Config) float64 {
	score := cfg.Queue.Weights[p.Priority]
	window := cfg.Queue.DeadlineWindow.D()
	if p.Meta.DueAt == nil || window <= 0 {
		return score
	}
	left := p.Meta.DueAt.Sub(now)
	switch {
	case left <= 0:
		score += cfg.Queue.DeadlineBoost
	case left < window:
		score += cfg.Queue.DeadlineBoost * (1 - float64(left)/float64(window))
	}
	return score
}

func (e Engine) entry(p domain.Project, notBefore time.Time) coord.Entry {
	return coord.Entry{ProjectID: p.ID, Priority: Score(p, e.now(), e.Config), NotBefore: notBefore}
}

// Wake queues an active project for an immediate visit.
func (e Engine) Wake(ctx context.Context, projectID string) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if !p.Status.Active() {
		return nil
	}
	return e.Coord.Enqueue(ctx, e.entry(p, e.now()))
}

// EnsureQueued queues an active project unless it already has an entry.
func (e Engine) EnsureQueued(ctx context.Context, p domain.Project) (bool, error) {
	if !p.Status.Active() {
		return false, nil
	}
	return e.Coord.EnsureQueued(ctx, e.entry(p, e.now()))
}

// RunOnce dequeues one project and visits it under owner. It reports false when
// the queue had nothing eligible.
func (e Engine) RunOnce(ctx context.Context, owner string) (bool, error) {
	id, err := e.Coord.DequeueNext(ctx)
	if errors.Is(err, coord.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	log := e.logger().With("project_id", id, "owner", owner)
	ok, err := e.Coord.AcquireLock(ctx, id, owner, e.Config.Locks.TTL.D())
	if err != nil {
		e.requeue(ctx, id, e.Config.Worker.PollInterval.D())
		return true, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		log.DebugContext(ctx, "skipping project", "error", coord.ErrLockContention)
		e.requeue(ctx, id, e.Config.Worker.PollInterval.D())
		return true, nil
	}
	defer func() {
		if err := e.Coord.ReleaseLock(context.WithoutCancel(ctx), id, owner); err != nil {
			log.WarnContext(ctx, "release lock", "error", err)
		}
	}()
	outcome, err := e.Visit(ctx, id, owner)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			log.WarnContext(ctx, "queued project no longer exists")
			return true, nil
		}
		e.requeue(ctx, id, e.Retry.Base)
		return true, err
	}
	log.DebugContext(ctx, "visit finished", "outcome", outcome)
	return true, nil
}

func (e Engine) requeue(ctx context.Context, id string, after time.Duration) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil || !p.Status.Active() {
		return
	}
	if err := e.Coord.Enqueue(ctx, e.entry(p, e.now().Add(after))); err != nil {
		e.logger().ErrorContext(ctx, "requeue", "project_id", id, "error", err)
	}
}

// Visit runs steps for a project while owner holds its lock. It returns a short
// outcome label.
func (e Engine) Visit(ctx context.Context, projectID, owner string) (string, error) {
	ctx, end := e.Metrics.StartVisit(ctx, projectID)
	outcome, err := e.visit(ctx, projectID, owner)
	end(outcome, err)
	return outcome, err
}

func (e Engine) visit(ctx context.Context, projectID, owner string) (string, error) {
	log := e.logger().With("project_id", projectID)
	steps := e.Config.Worker.MaxStepsPerVisit
	if steps < 1 {
		steps = 1
	}
	for i := 0; i < steps; i++ {
		if i > 0 {
			ok, err := e.Coord.RenewLock(ctx, projectID, owner, e.Config.Locks.TTL.D())
			if err != nil {
				return "error", fmt.Errorf("renew lock: %w", err)
			}
			if !ok {
				log.WarnContext(ctx, "lock lost during visit")
				return "lock_lost", nil
			}
		}
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return "error", err
		}
		in, err := e.input(ctx, p)
		if err != nil {
			return "error", err
		}
		act := NextAction(in)
		log.DebugContext(ctx, "next action", "status", p.Status, "kind", act.Kind, "step", act.Step, "reason", act.Reason)
		switch act.Kind {
		case ActNoop:
			return "noop", e.schedule(ctx, p, act.RecheckAt)
		case ActEscalate:
			if err := e.escalate(ctx, p, act.Reason, act.Patch); err != nil {
				return e.dropOnConflict(ctx, p, err)
			}
			return "escalated", nil
		case ActAdvance:
			if _, err := e.commit(ctx, p, act.To, act.Patch, act.Reason, automatic); err != nil {
				return e.dropOnConflict(ctx, p, err)
			}
		case ActInvoke:
			if err := e.run(ctx, p, act.Step); err != nil {
				return e.failed(ctx, p, act.Step, err)
			}
		}
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return "error", err
	}
	now := e.now()
	return "yielded", e.schedule(ctx, p, &now)
}

func (e Engine) schedule(ctx context.Context, p domain.Project, at *time.Time) error {
	if !p.Status.Active() {
		return nil
	}
	now := e.now()
	next := now.Add(e.Config.Queue.RecheckInterval.D())
	if at != nil {
		next = *at
		if next.Before(now) {
			next = now
		}
	}
	return e.Coord.Enqueue(ctx, e.entry(p, next))
}

func (e Engine) dropOnConflict(ctx context.Context, p domain.Project, err error) (string, error) {
	if errors.Is(err, repo.ErrConflict) {
		e.logger().InfoContext(ctx, "project advanced elsewhere; dropping work", "project_id", p.ID, "error", err)
		return "conflict", nil
	}
	return "error", err
}

func (e Engine) input(ctx context.Context, p domain.Project) (Input, error) {
	in := Input{Project: p, Now: e.now(), MaxAttempts: e.Retry.Max}
	if p.Status == domain.StatusValidating && p.RoundID != "" {
		poll, err := e.Validation.PollRound(ctx, p.RoundID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return Input{}, err
		}
		if err == nil {
			in.Round = &poll
		}
	}
	if kind, ok := SignalKindFor(p.Status); ok {
		s, err := e.Repo.OpenSignal(ctx, p.ID, kind)
		switch {
		case err == nil:
			in.Signal = &s
		case !errors.Is(err, repo.ErrNotFound):
			return Input{}, err
		}
	}
	return in, nil
}

func (e Engine) commit(ctx context.Context, p domain.Project, to domain.Status, patch domain.Patch, reason string, actor domain.Actor) (domain.Project, error) {
	next, err := e.Repo.CommitTransition(ctx, repo.Commit{
		ProjectID:       p.ID,
		From:            p.Status,
		To:              to,
		ExpectedVersion: p.Version,
		Patch:           patch,
		Actor:           actor,
		Reasoning:       reason,
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.Metrics.Transition(ctx, string(p.Status), string(to))
	e.logger().InfoContext(ctx, "transition", "project_id", p.ID, "from", p.Status, "to", to, "actor", actor.ID, "reason", reason)
	return next, nil
}

// failed applies the retry policy to a failed step.
func (e Engine) failed(ctx context.Context, p domain.Project, step Step, err error) (string, error) {
	if errors.Is(err, repo.ErrConflict) {
		return e.dropOnConflict(ctx, p, err)
	}
	d := e.Retry.Decide(p.ID, p.Attempts, err)
	e.Metrics.Failure(ctx, string(step), d.Kind.String())
	log := e.logger().With("project_id", p.ID, "step", step, "kind", d.Kind.String(), "attempt", d.Attempts)
	if !d.Retry {
		reason := fmt.Sprintf("%s failed (%s) after %d attempts: %v", step, d.Kind, d.Attempts, err)
		log.WarnContext(ctx, "step failed; blocking project", "error", err)
		if err := e.escalate(ctx, p, reason, domain.Patch{}); err != nil {
			return e.dropOnConflict(ctx, p, err)
		}
		return "escalated", nil
	}
	if err := e.Repo.RecordAttempt(ctx, p.ID, p.Status, d.Attempts, err.Error()); err != nil {
		return e.dropOnConflict(ctx, p, err)
	}
	if aerr := e.Repo.Events.Append(ctx, e.Repo.DB, events.ProjectRetried, p.ID, "project", p.ID, "engine", events.EventPayload{
		"step":     step,
		"attempt":  d.Attempts,
		"delay_ms": d.Delay.Milliseconds(),
		"error":    err.Error(),
	}); aerr != nil {
		log.ErrorContext(ctx, "append event", "error", aerr)
	}
	log.WarnContext(ctx, "step failed; retrying", "error", err, "delay", d.Delay)
	return "retry", e.Coord.Enqueue(ctx, e.entry(p, e.now().Add(d.Delay)))
}

// escalate moves the project to blocked and annotates it for a human.
func (e Engine) escalate(ctx context.Context, p domain.Project, reason string, patch domain.Patch) error {
	blocked, err := e.commit(ctx, p, domain.StatusBlocked, patch, reason, automatic)
	if err != nil {
		return err
	}
	_, err = e.Annotate(ctx, blocked, reason, "engine")
	return err
}

// Annotate marks a project escalated without changing its status and notifies the
// escalation contact once per status. It reports whether the mark was new.
func (e Engine) Annotate(ctx context.Context, p domain.Project, reason, source string) (bool, error) {
	marked, err := e.Repo.MarkEscalated(ctx, p.ID, p.Status, reason, source)
	if err != nil || !marked {
		return marked, err
	}
	e.Metrics.Escalation(ctx, source)
	e.logger().WarnContext(ctx, "project escalated", "project_id", p.ID, "status", p.Status, "source", source, "reason", reason)
	to := e.Config.Notify.EscalationTo
	if to == "" {
		return true, nil
	}
	topic := fmt.Sprintf("escalation:%s:%s:%d", p.ID, p.Status, p.Version)
	_, _, err = e.notifyOnce(ctx, collab.Message{
		ProjectID: p.ID,
		Kind:      "escalation",
		To:        to,
		Subject:   "Project needs attention: " + p.Meta.Title,
		Body:      fmt.Sprintf("Project %s (%s) is %s.\n\n%s", p.ID, p.Meta.ClientName, p.Status, reason),
	}, topic)
	if err != nil {
		e.logger().WarnContext(ctx, "escalation notice not sent", "project_id", p.ID, "error", err)
	}
	return true, nil
}

// notifyOnce sends m unless a marker for (recipient, topic) exists. It reports
// whether this call sent.
func (e Engine) notifyOnce(ctx context.Context, m collab.Message, topic string) (string, bool, error) {
	key := strings.ToLower(strings.TrimSpace(m.To)) + "|" + topic
	marked, err := e.Coord.MarkSent(ctx, key, e.Config.Dedup.TTL.D())
	if err != nil {
		return "", false, collab.Transient("mark sent", err)
	}
	if !marked {
		return "", false, nil
	}
	id, err := collab.WithDeadline(ctx, "notify", e.Config.Timeouts.Call.D(), func(ctx context.Context) (string, error) {
		return e.Collab.Notifier.Send(ctx, m)
	})
	if err != nil {
		if cerr := e.Coord.ClearSent(ctx, key); cerr != nil {
			e.logger().ErrorContext(ctx, "clear dedup marker", "key", key, "error", cerr)
		}
		return "", false, err
	}
	return id, true, nil
}

var tokenSpace = uuid.MustParse("6f1d0c52-6a4e-4d55-9b7c-2f4b1c83a0de")

// signalToken is stable for one entry into a waiting status.
func signalToken(p domain.Project) string {
	return uuid.NewSHA1(tokenSpace, []byte(fmt.Sprintf("%s:%s:%d", p.ID, p.Status, p.Version))).String()
}

func (e Engine) infer(ctx context.Context, kind string, input any) (json.RawMessage, error) {
	ctx, span := e.Metrics.Span(ctx, "collab.infer", attribute.String("kind", kind))
	defer span.End()
	out, err := collab.WithDeadline(ctx, kind, e.Config.Timeouts.Call.D(), func(ctx context.Context) (json.RawMessage, error) {
		return e.Collab.Reasoner.Infer(ctx, kind, input)
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 || !json.Valid(out) {
		return nil, collab.Permanent(kind, errors.New("reasoner returned invalid JSON"))
	}
	return out, nil
}

func toAny(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}
