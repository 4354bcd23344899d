package llm

import (
	"context"
	"time"
)

// Message is one conversation email projected for a prompt. Role is "user"
// or "assistant" from the bot's point of view.
type Message struct {
	Role string
	Date time.Time
	Body string
}

// ScheduleDecision is the scheduling oracle's answer for a conversation.
type ScheduleDecision struct {
	// ResponseIsDue is the oracle's verdict on responding right now.
	ResponseIsDue bool
	// ScheduledFor is the next check-in the oracle inferred from the
	// conversation, if any.
	ScheduledFor *time.Time
	// Probability is the likelihood that the user expects a response or
	// reminder by now, clamped to [0.05, 0.95].
	Probability float64
}

// Oracle decides whether a response is due when deterministic policies
// cannot. Consulted synchronously with a short timeout; callers degrade to
// a fixed fallback on error instead of retrying.
type Oracle interface {
	ScheduleResponse(ctx context.Context, msgs []Message, now time.Time) (*ScheduleDecision, error)
}

// Generator writes reply text from the conversation history. An empty
// result or an error signals generation failure.
type Generator interface {
	GenerateReply(ctx context.Context, msgs []Message, userName string) (string, error)
}

// Validator classifies an inbound email as legitimate or spam/abuse.
// Verdict is "pass", "block" or "error"; detail carries diagnostics for the
// error case.
type Validator interface {
	ValidateEmail(ctx context.Context, sender, subject, body string) (verdict, detail string)
}

// Moderator checks email content for inappropriate material. The reason
// names the flagged categories when ok is false.
type Moderator interface {
	ModerateEmail(ctx context.Context, body string) (ok bool, reason string, err error)
}
