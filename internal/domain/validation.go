package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskSent             TaskStatus = "sent"
	TaskAnswered         TaskStatus = "answered"
	TaskTimedOut         TaskStatus = "timed_out"
	TaskSkippedDuplicate TaskStatus = "skipped_duplicate"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskAnswered || s == TaskTimedOut || s == TaskSkippedDuplicate
}

type RoundStatus string

const (
	RoundOpen                RoundStatus = "open"
	RoundResolved            RoundStatus = "resolved"
	RoundResolvedWithCaveats RoundStatus = "resolved_with_caveats"
	RoundBlocked             RoundStatus = "blocked"
	RoundAbandoned           RoundStatus = "abandoned"
)

// ResourceRef points at the person who can answer a validation question.
type ResourceRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Attribute is one requirement attribute that needs confirmation.
type Attribute struct {
	Key      string      `json:"key"`
	Question string      `json:"question"`
	Tier     Tier        `json:"tier"`
	Resource ResourceRef `json:"resource"`
}

type ValidationTask struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	RoundID    string          `json:"round_id"`
	Attribute  string          `json:"attribute"`
	Resource   ResourceRef     `json:"resource"`
	Question   string          `json:"question"`
	Tier       Tier            `json:"tier"`
	Status     TaskStatus      `json:"status"`
	Token      string          `json:"correlation_token"`
	Attempts   int             `json:"attempts"`
	DispatchID string          `json:"dispatch_id,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at" format:"date-time"`
	SentAt     *time.Time      `json:"sent_at,omitempty"`
	AnsweredAt *time.Time      `json:"answered_at,omitempty"`
	TimeoutAt  time.Time       `json:"timeout_at" format:"date-time"`
}

type ValidationRound struct {
	ID         string      `json:"id"`
	ProjectID  string      `json:"project_id"`
	Status     RoundStatus `json:"status"`
	Deadline   time.Time   `json:"deadline" format:"date-time"`
	CreatedAt  time.Time   `json:"created_at" format:"date-time"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}

// RoundPoll summarizes task states of one round.
type RoundPoll struct {
	RoundID          string      `json:"round_id"`
	Status           RoundStatus `json:"status"`
	Total            int         `json:"total"`
	Pending          int         `json:"pending"`
	Sent             int         `json:"sent"`
	Answered         int         `json:"answered"`
	TimedOut         int         `json:"timed_out"`
	Skipped          int         `json:"skipped"`
	CriticalTimedOut int         `json:"critical_timed_out"`
	Deadline         time.Time   `json:"deadline" format:"date-time"`
	NextTimeout      *time.Time  `json:"next_timeout,omitempty"`
	Caveats          []string    `json:"caveats,omitempty"`
}

// Outstanding reports tasks still waiting for a dispatch or an answer.
func (p RoundPoll) Outstanding() int { return p.Pending + p.Sent }

type SignalKind string

const (
	SignalClarification SignalKind = "clarification"
	SignalApproval      SignalKind = "approval"
)

// Signal is an expected asynchronous reply that is not a validation answer.
type Signal struct {
	Token      string          `json:"token"`
	ProjectID  string          `json:"project_id"`
	Kind       SignalKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at" format:"date-time"`
	ReceivedAt *time.Time      `json:"received_at,omitempty"`
	ConsumedAt *time.Time      `json:"consumed_at,omitempty"`
}

func (s Signal) Received() bool { return s.ReceivedAt != nil }
