package server

import (
	"encoding/json"
	"time"

	"proposalflow/internal/domain"
	"proposalflow/internal/engine"
)

// Request payloads

type SubmitProjectRequest struct {
	Title       string     `json:"title" minLength:"1"`
	ClientName  string     `json:"client_name"`
	ClientEmail string     `json:"client_email" format:"email"`
	LeadEmail   string     `json:"lead_email,omitempty"`
	RFP         string     `json:"rfp,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	Priority    string     `json:"priority,omitempty" enum:"high,medium,low"`
}

type RecordResponseRequest struct {
	Token string `json:"token" minLength:"1"`
	// Payload is the reply body; replies to review requests need "approved".
	Payload map[string]any `json:"payload,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason" minLength:"1"`
}

// Response payloads

type ProjectResponse struct {
	ID               string             `json:"id"`
	Status           string             `json:"status"`
	Meta             domain.ProjectMeta `json:"meta"`
	Priority         string             `json:"priority"`
	Requirements     any                `json:"requirements,omitempty"`
	Plan             any                `json:"plan,omitempty"`
	Proposal         any                `json:"proposal,omitempty"`
	EstimatedValue   *domain.ValueRange `json:"estimated_value,omitempty"`
	State            map[string]any     `json:"state,omitempty"`
	RoundID          string             `json:"validation_round_id,omitempty"`
	TimeoutAt        *time.Time         `json:"timeout_at,omitempty"`
	Attempts         int                `json:"attempts"`
	LastError        string             `json:"last_error,omitempty"`
	BlockedFrom      string             `json:"blocked_from,omitempty"`
	Escalated        bool               `json:"escalated"`
	EscalationReason string             `json:"escalation_reason,omitempty"`
	LockOwner        string             `json:"lock_owner,omitempty"`
	LockExpiresAt    *time.Time         `json:"lock_expires_at,omitempty"`
	Version          int64              `json:"version"`
	StatusSince      time.Time          `json:"status_since"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

type TransitionResponse struct {
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ActorKind  string    `json:"actor_kind"`
	ActorID    string    `json:"actor_id"`
	Reasoning  string    `json:"reasoning,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type TaskResponse struct {
	ID        string     `json:"id"`
	Attribute string     `json:"attribute"`
	Tier      string     `json:"tier"`
	Status    string     `json:"status"`
	Recipient string     `json:"recipient"`
	Attempts  int        `json:"attempts"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	TimeoutAt time.Time  `json:"timeout_at"`
	Result    any        `json:"result,omitempty"`
}

type RoundResponse struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	Total            int        `json:"total"`
	Pending          int        `json:"pending"`
	Sent             int        `json:"sent"`
	Answered         int        `json:"answered"`
	TimedOut         int        `json:"timed_out"`
	Skipped          int        `json:"skipped"`
	CriticalTimedOut int        `json:"critical_timed_out"`
	Deadline         time.Time  `json:"deadline"`
	Caveats          []string   `json:"caveats,omitempty"`
	NextTimeout      *time.Time `json:"next_timeout,omitempty"`
}

type SnapshotResponse struct {
	Project ProjectResponse      `json:"project"`
	History []TransitionResponse `json:"history"`
	Round   *RoundResponse       `json:"validation_round,omitempty"`
	Tasks   []TaskResponse       `json:"validation_tasks,omitempty"`
}

type paginatedProjects struct {
	Items      []domain.ProjectSummary `json:"items"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func rawValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:               p.ID,
		Status:           string(p.Status),
		Meta:             p.Meta,
		Priority:         string(p.Priority),
		Requirements:     rawValue(p.Requirements),
		Plan:             rawValue(p.Plan),
		Proposal:         rawValue(p.Proposal),
		EstimatedValue:   p.EstimatedValue,
		State:            p.State,
		RoundID:          p.RoundID,
		TimeoutAt:        p.TimeoutAt,
		Attempts:         p.Attempts,
		LastError:        p.LastError,
		BlockedFrom:      string(p.BlockedFrom),
		Escalated:        p.Escalated,
		EscalationReason: p.EscalationReason,
		LockOwner:        p.LockOwner,
		LockExpiresAt:    p.LockExpiresAt,
		Version:          p.Version,
		StatusSince:      p.StatusSince,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func transitionResponses(items []domain.TransitionRecord) []TransitionResponse {
	out := make([]TransitionResponse, 0, len(items))
	for _, t := range items {
		out = append(out, TransitionResponse{
			FromStatus: string(t.FromStatus),
			ToStatus:   string(t.ToStatus),
			ActorKind:  string(t.ActorKind),
			ActorID:    t.ActorID,
			Reasoning:  t.Reasoning,
			CreatedAt:  t.CreatedAt,
		})
	}
	return out
}

func snapshotResponse(s engine.Snapshot) SnapshotResponse {
	out := SnapshotResponse{Project: projectResponse(s.Project), History: transitionResponses(s.History)}
	if s.Round != nil {
		out.Round = &RoundResponse{
			ID:               s.Round.RoundID,
			Status:           string(s.Round.Status),
			Total:            s.Round.Total,
			Pending:          s.Round.Pending,
			Sent:             s.Round.Sent,
			Answered:         s.Round.Answered,
			TimedOut:         s.Round.TimedOut,
			Skipped:          s.Round.Skipped,
			CriticalTimedOut: s.Round.CriticalTimedOut,
			Deadline:         s.Round.Deadline,
			Caveats:          s.Round.Caveats,
			NextTimeout:      s.Round.NextTimeout,
		}
	}
	for _, t := range s.Tasks {
		out.Tasks = append(out.Tasks, TaskResponse{
			ID:        t.ID,
			Attribute: t.Attribute,
			Tier:      string(t.Tier),
			Status:    string(t.Status),
			Recipient: t.Resource.Email,
			Attempts:  t.Attempts,
			SentAt:    t.SentAt,
			TimeoutAt: t.TimeoutAt,
			Result:    rawValue(t.Result),
		})
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	out := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &out.Payload)
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
