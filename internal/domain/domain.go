package domain

import (
	"encoding/json"
	"time"
)

type PriorityClass string

const (
	PriorityHigh   PriorityClass = "high"
	PriorityMedium PriorityClass = "medium"
	PriorityLow    PriorityClass = "low"
)

// Tier is the criticality of a validation question. Only critical timeouts block.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierLow      Tier = "low"
)

func (t Tier) Valid() bool {
	switch t {
	case TierCritical, TierHigh, TierMedium, TierLow:
		return true
	}
	return false
}

type ActorKind string

const (
	ActorAutomatic ActorKind = "automatic"
	ActorHuman     ActorKind = "human"
)

// ProjectMeta is what a submitter provides.
type ProjectMeta struct {
	Title       string        `json:"title" yaml:"title"`
	ClientName  string        `json:"client_name" yaml:"client_name"`
	ClientEmail string        `json:"client_email" yaml:"client_email"`
	LeadEmail   string        `json:"lead_email,omitempty" yaml:"lead_email"`
	RFP         string        `json:"rfp,omitempty" yaml:"rfp"`
	DueAt       *time.Time    `json:"due_at,omitempty" yaml:"due_at"`
	Priority    PriorityClass `json:"priority,omitempty" yaml:"priority"`
}

type ValueRange struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Currency string  `json:"currency,omitempty"`
}

type Project struct {
	ID               string          `json:"id"`
	Status           Status          `json:"status"`
	Meta             ProjectMeta     `json:"meta"`
	Priority         PriorityClass   `json:"priority"`
	Requirements     json.RawMessage `json:"requirements,omitempty"`
	Plan             json.RawMessage `json:"plan,omitempty"`
	Proposal         json.RawMessage `json:"proposal,omitempty"`
	EstimatedValue   *ValueRange     `json:"estimated_value,omitempty"`
	State            map[string]any  `json:"state,omitempty"`
	RoundID          string          `json:"validation_round_id,omitempty"`
	TimeoutAt        *time.Time      `json:"timeout_at,omitempty"`
	Attempts         int             `json:"attempts"`
	LastError        string          `json:"last_error,omitempty"`
	BlockedFrom      Status          `json:"blocked_from,omitempty"`
	Escalated        bool            `json:"escalated"`
	EscalationReason string          `json:"escalation_reason,omitempty"`
	EscalatedAt      *time.Time      `json:"escalated_at,omitempty"`
	LockOwner        string          `json:"lock_owner,omitempty"`
	LockExpiresAt    *time.Time      `json:"lock_expires_at,omitempty"`
	Version          int64           `json:"version"`
	StatusSince      time.Time       `json:"status_since" format:"date-time"`
	CreatedAt        time.Time       `json:"created_at" format:"date-time"`
	UpdatedAt        time.Time       `json:"updated_at" format:"date-time"`
}

// StateString returns a string value from the free-form state map.
func (p Project) StateString(key string) string {
	if p.State == nil {
		return ""
	}
	s, _ := p.State[key].(string)
	return s
}

// StateBool returns a bool value from the free-form state map.
func (p Project) StateBool(key string) bool {
	if p.State == nil {
		return false
	}
	b, _ := p.State[key].(bool)
	return b
}

// ProjectSummary is the row shape of listProjects.
type ProjectSummary struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	ClientName string        `json:"client_name"`
	Status     Status        `json:"status"`
	Priority   PriorityClass `json:"priority"`
	Escalated  bool          `json:"escalated"`
	Attempts   int           `json:"attempts"`
	CreatedAt  time.Time     `json:"created_at" format:"date-time"`
	UpdatedAt  time.Time     `json:"updated_at" format:"date-time"`
}

// Patch is applied to a project by a committed transition. Nil fields are left alone.
// State keys are merged shallowly; a nil value removes the key.
type Patch struct {
	Requirements   json.RawMessage `json:"requirements,omitempty"`
	Plan           json.RawMessage `json:"plan,omitempty"`
	Proposal       json.RawMessage `json:"proposal,omitempty"`
	EstimatedValue *ValueRange     `json:"estimated_value,omitempty"`
	RoundID        *string         `json:"validation_round_id,omitempty"`
	TimeoutAt      *time.Time      `json:"timeout_at,omitempty"`
	State          map[string]any  `json:"state,omitempty"`
	ConsumeSignal  string          `json:"consume_signal,omitempty"`
}

type TransitionRecord struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	FromStatus    Status    `json:"from_status"`
	ToStatus      Status    `json:"to_status"`
	ActorKind     ActorKind `json:"actor_kind"`
	ActorID       string    `json:"actor_id"`
	Reasoning     string    `json:"reasoning,omitempty"`
	PayloadDigest string    `json:"payload_digest,omitempty"`
	CreatedAt     time.Time `json:"created_at" format:"date-time"`
}

// Actor identifies who triggered a transition.
type Actor struct {
	Kind ActorKind
	ID   string
}

func System(id string) Actor { return Actor{Kind: ActorAutomatic, ID: id} }

func Human(id string) Actor { return Actor{Kind: ActorHuman, ID: id} }

type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts" format:"date-time"`
	Type       string    `json:"type"`
	ProjectID  string    `json:"project_id,omitempty"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id,omitempty"`
	ActorID    string    `json:"actor_id"`
	Payload    string    `json:"payload_json"`
}
