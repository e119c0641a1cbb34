package validation

import (
	"fmt"
	"time"

	"proposalflow/internal/domain"
)

// Evaluate decides the status of a round from its tasks. A round resolves once
// every task is terminal or the deadline has passed; tasks still waiting at the
// deadline count as timed out.
func Evaluate(round domain.ValidationRound, tasks []domain.ValidationTask, now time.Time) domain.RoundStatus {
	if round.Status != domain.RoundOpen {
		return round.Status
	}
	expired := !now.Before(round.Deadline)
	timedOut, critical := 0, 0
	for _, t := range tasks {
		missed := t.Status == domain.TaskTimedOut || (expired && !t.Status.Terminal())
		if !t.Status.Terminal() && !expired {
			return domain.RoundOpen
		}
		if missed {
			timedOut++
			if t.Tier == domain.TierCritical {
				critical++
			}
		}
	}
	switch {
	case critical > 0:
		return domain.RoundBlocked
	case timedOut > 0:
		return domain.RoundResolvedWithCaveats
	default:
		return domain.RoundResolved
	}
}

// Summarize counts task states and evaluates the round at now.
func Summarize(round domain.ValidationRound, tasks []domain.ValidationTask, now time.Time) domain.RoundPoll {
	poll := domain.RoundPoll{
		RoundID:  round.ID,
		Status:   Evaluate(round, tasks, now),
		Total:    len(tasks),
		Deadline: round.Deadline,
	}
	expired := !now.Before(round.Deadline)
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskPending:
			poll.Pending++
		case domain.TaskSent:
			poll.Sent++
		case domain.TaskAnswered:
			poll.Answered++
		case domain.TaskTimedOut:
			poll.TimedOut++
		case domain.TaskSkippedDuplicate:
			poll.Skipped++
		}
		missed := t.Status == domain.TaskTimedOut || (expired && !t.Status.Terminal())
		if missed {
			if t.Tier == domain.TierCritical {
				poll.CriticalTimedOut++
			}
			poll.Caveats = append(poll.Caveats, fmt.Sprintf("%s (%s) unanswered by %s", t.Attribute, t.Tier, t.Resource.Email))
		}
		if !t.Status.Terminal() {
			at := t.TimeoutAt
			if poll.NextTimeout == nil || at.Before(*poll.NextTimeout) {
				poll.NextTimeout = &at
			}
		}
	}
	return poll
}
