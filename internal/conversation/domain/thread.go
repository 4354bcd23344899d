package domain

import "time"

// Role classifies who authored a thread email, relative to the bot's own
// addresses.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleUnknown   Role = "unknown"
)

// ThreadEmail is one email projected into a conversation thread, ordered by
// sorting timestamp.
type ThreadEmail struct {
	ID               string
	Date             time.Time
	Role             Role
	Body             string
	SortingTimestamp time.Time
}

// Thread is a conversation with its emails assembled in model-context order.
type Thread struct {
	ConversationID string
	UserID         string
	UserName       string
	UserEmail      string
	Subject        string
	Emails         []ThreadEmail
}

// LastEmail returns the most recent thread email, or nil for an empty thread.
func (t *Thread) LastEmail() *ThreadEmail {
	if len(t.Emails) == 0 {
		return nil
	}
	return &t.Emails[len(t.Emails)-1]
}

// ScheduledThread is a thread joined with its due schedule for the reminder
// phase.
type ScheduledThread struct {
	Thread
	DueAt        time.Time
	NumReminders int
	LastPolicy   string
}
