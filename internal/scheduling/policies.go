package scheduling

import "time"

// Default thresholds for the canonical policy chain.
const (
	DefaultReminderHour = 9
	DefaultLateWait     = 1 * time.Hour
	DefaultSecondWait   = 3 * time.Hour
	DefaultMaxDelay     = 6 * time.Hour
)

// BestPolicy is a reserved placeholder for a future unified policy that
// would subsume the chain below. It never applies.
type BestPolicy struct{}

func (BestPolicy) Name() string { return "BestPolicy" }

func (BestPolicy) Evaluate(in Input) Result {
	return notApplicable("not implemented")
}

// WaitForSchedulePolicy avoids untimely responses: once too much time has
// passed since the last message, an unscheduled response would come out of
// nowhere, so wait for the next scheduled check-in instead. With nothing
// scheduled ahead, let the oracle decide.
type WaitForSchedulePolicy struct {
	// MaxDelay is how stale the conversation must be before this policy
	// applies. Zero means DefaultMaxDelay, so it cannot be disabled this way.
	MaxDelay time.Duration
}

func (WaitForSchedulePolicy) Name() string { return "WaitForSchedulePolicy" }

func (p WaitForSchedulePolicy) Evaluate(in Input) Result {
	maxDelay := p.MaxDelay
	if maxDelay == 0 {
		maxDelay = DefaultMaxDelay
	}
	if len(in.Emails) == 0 {
		return notApplicable("no messages in conversation")
	}
	lastContact := in.Emails[len(in.Emails)-1].Date
	if in.Now.Sub(lastContact) <= maxDelay {
		return notApplicable("not too late to respond now")
	}
	if laterCalendarDay(in.DueAt, in.Now) {
		return applicable(VerdictWait)
	}
	return applicable(VerdictAskOracle)
}

// laterCalendarDay reports whether due falls on a later calendar day than
// now, both viewed in now's location.
func laterCalendarDay(due, now time.Time) bool {
	due = due.In(now.Location())
	dy, dm, dd := due.Date()
	ny, nm, nd := now.Date()
	if dy != ny {
		return dy > ny
	}
	if dm != nm {
		return dm > nm
	}
	return dd > nd
}

// EarlyReminderPolicy sends the day's first reminder at a fixed hour in the
// user's own timezone, derived from the offset on their last message.
type EarlyReminderPolicy struct {
	// Hour is the local hour (1-23) at which the reminder becomes due.
	// Zero means DefaultReminderHour; a midnight reminder hour is not
	// configurable.
	Hour int
}

func (EarlyReminderPolicy) Name() string { return "EarlyReminderPolicy" }

func (p EarlyReminderPolicy) Evaluate(in Input) Result {
	hour := p.Hour
	if hour == 0 {
		hour = DefaultReminderHour
	}
	tz := lastUserTimezone(in.Emails)
	if tz == nil {
		return notApplicable("no user message to derive timezone from")
	}
	nowLocal := in.Now.In(tz)
	dueLocal := in.DueAt.In(tz)
	if !sameDate(dueLocal, nowLocal) {
		return notApplicable("scheduled time is not today")
	}
	if in.RemindersSent != 0 {
		return notApplicable("first reminder already sent")
	}
	if nowLocal.Hour() >= hour {
		return applicable(VerdictRespond)
	}
	return applicable(VerdictWait)
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// LateReminderPolicy sends a first reminder once the user has been silent
// for a waiting period past the scheduled check-in.
type LateReminderPolicy struct {
	// WaitingTime past the due time before the reminder goes out. Zero
	// means DefaultLateWait.
	WaitingTime time.Duration
}

func (LateReminderPolicy) Name() string { return "LateReminderPolicy" }

func (p LateReminderPolicy) Evaluate(in Input) Result {
	wait := p.WaitingTime
	if wait == 0 {
		wait = DefaultLateWait
	}
	if in.Now.Sub(in.DueAt) < wait {
		return notApplicable("continue waiting for user")
	}
	if in.RemindersSent != 0 {
		return notApplicable("first reminder already sent")
	}
	return applicable(VerdictRespond)
}

// SecondReminderPolicy sends one more reminder after a longer waiting
// period, but never a third.
type SecondReminderPolicy struct {
	// WaitingTime past the due time before the second reminder goes out.
	// Zero means DefaultSecondWait.
	WaitingTime time.Duration
}

func (SecondReminderPolicy) Name() string { return "SecondReminderPolicy" }

func (p SecondReminderPolicy) Evaluate(in Input) Result {
	wait := p.WaitingTime
	if wait == 0 {
		wait = DefaultSecondWait
	}
	if in.Now.Sub(in.DueAt) < wait {
		return notApplicable("continue waiting for user")
	}
	if in.RemindersSent >= 2 {
		return notApplicable("second reminder already sent")
	}
	return applicable(VerdictRespond)
}

// AskAgentPolicy leaves the decision to the scheduling oracle. Always
// applies.
type AskAgentPolicy struct{}

func (AskAgentPolicy) Name() string { return "AskAgentPolicy" }

func (AskAgentPolicy) Evaluate(in Input) Result {
	return applicable(VerdictAskOracle)
}

// DefaultPolicy responds now. Always applies; the last resort of the chain.
type DefaultPolicy struct{}

func (DefaultPolicy) Name() string { return "DefaultPolicy" }

func (DefaultPolicy) Evaluate(in Input) Result {
	return applicable(VerdictRespond)
}
