package domain

import "fmt"

type Status string

const (
	StatusReceived           Status = "received"
	StatusAnalyzing          Status = "analyzing"
	StatusNeedsClarification Status = "needs_clarification"
	StatusRequirementsReady  Status = "requirements_ready"
	StatusValidating         Status = "validating"
	StatusPlanning           Status = "planning"
	StatusDraftReady         Status = "draft_ready"
	StatusReviewReady        Status = "review_ready"
	StatusApproved           Status = "approved"
	StatusGenerating         Status = "generating"
	StatusFinalReady         Status = "final_ready"
	StatusSent               Status = "sent"
	StatusBlocked            Status = "blocked"
	StatusAbandoned          Status = "abandoned"
)

// AllStatuses lists every status in pipeline order, followed by blocked and abandoned.
var AllStatuses = []Status{
	StatusReceived,
	StatusAnalyzing,
	StatusNeedsClarification,
	StatusRequirementsReady,
	StatusValidating,
	StatusPlanning,
	StatusDraftReady,
	StatusReviewReady,
	StatusApproved,
	StatusGenerating,
	StatusFinalReady,
	StatusSent,
	StatusBlocked,
	StatusAbandoned,
}

var forward = map[Status][]Status{
	StatusReceived:           {StatusAnalyzing},
	StatusAnalyzing:          {StatusRequirementsReady, StatusNeedsClarification},
	StatusNeedsClarification: {StatusAnalyzing},
	StatusRequirementsReady:  {StatusValidating},
	StatusValidating:         {StatusPlanning},
	StatusPlanning:           {StatusDraftReady},
	StatusDraftReady:         {StatusReviewReady},
	StatusReviewReady:        {StatusApproved},
	StatusApproved:           {StatusGenerating},
	StatusGenerating:         {StatusFinalReady},
	StatusFinalReady:         {StatusSent},
}

// stage orders statuses for payload consistency checks. Blocked and abandoned have no stage.
var stage = map[Status]int{
	StatusReceived:           0,
	StatusAnalyzing:          1,
	StatusNeedsClarification: 1,
	StatusRequirementsReady:  2,
	StatusValidating:         3,
	StatusPlanning:           4,
	StatusDraftReady:         5,
	StatusReviewReady:        6,
	StatusApproved:           7,
	StatusGenerating:         8,
	StatusFinalReady:         9,
	StatusSent:               10,
}

func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusAbandoned
}

// Active reports whether the orchestrator loop should keep visiting the project.
func (s Status) Active() bool {
	return s.Valid() && !s.Terminal() && s != StatusBlocked
}

// Successors returns the allowed targets from s. From blocked the only targets are
// blockedFrom and abandoned.
func Successors(s, blockedFrom Status) []Status {
	switch {
	case s.Terminal():
		return nil
	case s == StatusBlocked:
		out := []Status{StatusAbandoned}
		if blockedFrom != "" && blockedFrom != StatusBlocked && !blockedFrom.Terminal() {
			out = append([]Status{blockedFrom}, out...)
		}
		return out
	}
	out := append([]Status{}, forward[s]...)
	return append(out, StatusBlocked)
}

func CanTransition(from, to, blockedFrom Status) bool {
	for _, s := range Successors(from, blockedFrom) {
		if s == to {
			return true
		}
	}
	return false
}

// CheckPayloads verifies that payload presence matches status. For blocked projects
// the check is made against the status they were blocked from.
func CheckPayloads(p Project) error {
	status := p.Status
	if status == StatusBlocked {
		status = p.BlockedFrom
	}
	if status == StatusAbandoned || status == "" {
		return nil
	}
	n, ok := stage[status]
	if !ok {
		return fmt.Errorf("unknown status %q", status)
	}
	if n >= stage[StatusRequirementsReady] && len(p.Requirements) == 0 {
		return fmt.Errorf("status %s requires requirements", status)
	}
	if n >= stage[StatusDraftReady] && len(p.Plan) == 0 {
		return fmt.Errorf("status %s requires a plan", status)
	}
	if n >= stage[StatusReviewReady] && len(p.Proposal) == 0 {
		return fmt.Errorf("status %s requires a proposal", status)
	}
	return nil
}
