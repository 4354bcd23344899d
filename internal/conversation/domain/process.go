package domain

import "time"

// ProcessStatus is the lifecycle of a tracked pipeline process.
type ProcessStatus string

const (
	ProcessNotStarted ProcessStatus = "not_started"
	ProcessAnalyzed   ProcessStatus = "analyzed"
	ProcessCompleted  ProcessStatus = "completed"
)

// ProcessSource identifies which pipeline phase started tracking.
type ProcessSource string

const (
	SourceAnalysis  ProcessSource = "analysis"
	SourceReminders ProcessSource = "reminders"
)

// ProcessRecord marks a conversation as being worked on by a pipeline phase.
// The crash-recovery guard of the whole system: at most one non-completed
// record may exist per conversation at any time, acting as a per-conversation
// advisory lock held in the database rather than in memory.
type ProcessRecord struct {
	ID             string        `json:"id" gorm:"primaryKey"`
	ConversationID string        `json:"conversation_id" gorm:"index;not null"`
	Status         ProcessStatus `json:"status" gorm:"default:not_started"`
	Source         ProcessSource `json:"source" gorm:"not null"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// TableName keeps the historical table name.
func (ProcessRecord) TableName() string {
	return "ps_list"
}

// Open reports whether the record still holds the conversation.
func (p *ProcessRecord) Open() bool {
	return p.Status != ProcessCompleted || p.CompletedAt == nil
}
