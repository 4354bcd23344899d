// Package scheduling decides whether a reminder is due for a conversation's
// schedule right now.
//
// Each policy defines the scenario it applies to through preconditions on
// past messages, the current time and the schedule. A policy whose
// preconditions do not hold declines instead of returning a wrong answer, so
// the processor can try the next candidate. Policies answer deterministically
// where they can and defer to the scheduling oracle where they cannot.
package scheduling

import (
	"time"

	"acp-backend/internal/conversation/domain"
)

// Verdict is a policy's answer for a due schedule.
type Verdict int

const (
	// VerdictRespond means a reminder should go out now.
	VerdictRespond Verdict = iota
	// VerdictWait means nothing should be sent; keep waiting.
	VerdictWait
	// VerdictAskOracle defers the decision to the scheduling oracle.
	VerdictAskOracle
)

func (v Verdict) String() string {
	switch v {
	case VerdictRespond:
		return "respond"
	case VerdictWait:
		return "wait"
	case VerdictAskOracle:
		return "ask-oracle"
	default:
		return "unknown"
	}
}

// Input is everything a policy may consider for one schedule.
type Input struct {
	ConversationID string
	DueAt          time.Time
	Emails         []domain.ThreadEmail
	Now            time.Time
	RemindersSent  int
	LastPolicy     string
}

// Result is a policy's evaluation. A non-applicable result carries the
// precondition that failed; the verdict is only meaningful when Applicable
// is set.
type Result struct {
	Applicable bool
	Reason     string
	Verdict    Verdict
}

func applicable(v Verdict) Result {
	return Result{Applicable: true, Verdict: v}
}

func notApplicable(reason string) Result {
	return Result{Applicable: false, Reason: reason}
}

// Policy is one stateless reminder decision rule.
type Policy interface {
	Name() string
	Evaluate(in Input) Result
}

// lastUserTimezone derives the user's timezone from the UTC offset of the
// most recent user message. Returns nil when the thread has no user message
// to derive it from.
func lastUserTimezone(emails []domain.ThreadEmail) *time.Location {
	for i := len(emails) - 1; i >= 0; i-- {
		if emails[i].Role == domain.RoleUser {
			return emails[i].Date.Location()
		}
	}
	return nil
}
