package repository

import (
	"errors"
	"time"

	"acp-backend/internal/conversation/domain"
)

// Guard errors surfaced by store operations. Callers match with errors.Is;
// the store logs full row detail before returning any of them.
var (
	// ErrProcessConflict means at least one selected conversation already has
	// an active process. Tracking is all-or-nothing: nothing was written.
	ErrProcessConflict = errors.New("conversation already has an active process")

	// ErrNoActiveProcess means a status transition found no open process
	// record for the conversation.
	ErrNoActiveProcess = errors.New("conversation has no active process")

	// ErrMultipleProcesses means the single-open-record invariant is broken.
	ErrMultipleProcesses = errors.New("conversation has more than one active process")

	// ErrMultipleSchedules means the single-schedule invariant is broken.
	ErrMultipleSchedules = errors.New("conversation has more than one schedule")

	// ErrConversationNotFound means the referenced conversation row is gone.
	ErrConversationNotFound = errors.New("conversation not found")
)

// OutboxItem is one prepared reply joined with the address it must be
// delivered to.
type OutboxItem struct {
	Reply     domain.PreparedReply
	Recipient string
}

// ScheduleUpdate carries the optional writeback fields of the reminder
// phase. Nil/empty fields are left untouched; the process record is closed
// regardless.
type ScheduleUpdate struct {
	Timestamp    *time.Time
	ReplyBody    string
	Awareness    *time.Time
	NumReminders *int
	LastPolicy   string
}

// ConversationStore is the authoritative per-conversation state machine.
//
// Every compound operation runs inside a single database transaction, so a
// crash mid-operation leaves either the old state or the new state, never a
// partially applied one. Operations never retry internally; they return an
// error and leave diagnostics in the log for the operator.
type ConversationStore interface {
	// EmailExists reports whether an email with the given Message-ID is
	// already stored.
	EmailExists(messageID string) (bool, error)

	// SaveInbound attaches an inbound email to its user and conversation,
	// creating both on first contact. Quarantined emails are stored
	// pre-analyzed and pre-processed so the pipeline never picks them up.
	SaveInbound(in domain.InboundEmail, quarantined bool) error

	// AllProcessesCompleted reports whether no process record is open,
	// logging every incomplete record it finds.
	AllProcessesCompleted() (bool, error)

	// PendingReplies returns the prepared-reply outbox, oldest first, with
	// each reply's recipient resolved through its conversation.
	PendingReplies() ([]OutboxItem, error)

	// MarkReplyDispatched records the sent reply in the emails table (with
	// the reply's awareness timestamp as sorting timestamp) and removes it
	// from the outbox, as one transaction.
	MarkReplyDispatched(reply domain.PreparedReply, sentMessageID string) error

	// GetUnanalyzedConversations returns every conversation holding at least
	// one unanalyzed email, emails ordered by sorting timestamp. With track
	// set it also opens a not_started process record per conversation,
	// all-or-nothing: any conflict returns ErrProcessConflict with nothing
	// written.
	GetUnanalyzedConversations(track bool) ([]domain.Thread, error)

	// GetConversationsNeedingReply returns conversations flagged
	// reply_needed. Read-only with respect to tracking.
	GetConversationsNeedingReply() ([]domain.Thread, error)

	// GetScheduledConversations returns conversations whose schedule is due
	// before now, with the same tracking semantics as
	// GetUnanalyzedConversations (source "reminders").
	GetScheduledConversations(now time.Time, track bool) ([]domain.ScheduledThread, error)

	// UpdateAfterAnalysis persists a phase-1 outcome: optional schedule
	// upsert, emails marked analyzed, reply_needed set. With replyNeeded the
	// process moves to "analyzed" and emails stay unprocessed; without it
	// the process completes and emails are marked processed.
	UpdateAfterAnalysis(conversationID string, newSchedule *time.Time, replyNeeded bool) error

	// UpdateAfterReply persists a phase-2 outcome: appends a prepared reply
	// (subject taken from the conversation, awareness defaulting to now),
	// clears reply_needed, marks emails processed and completes the process.
	UpdateAfterReply(conversationID string, body string, awareness *time.Time) error

	// UpdateSchedule persists a phase-3 outcome. All fields of the update
	// are optional, but the process record is always closed: a no-op policy
	// decision is still a terminal outcome for that phase iteration.
	UpdateSchedule(conversationID string, update ScheduleUpdate) error
}
