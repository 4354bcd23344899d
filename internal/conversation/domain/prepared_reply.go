package domain

import "time"

// PreparedReply is a generated-but-not-yet-sent reply. Rows live in the
// outbox until the dispatcher delivers them; AwarenessTimestamp is the
// sorting timestamp the reply was generated with, carried over to the
// emails table on dispatch so the reply sorts right after the last message
// the model saw.
type PreparedReply struct {
	ID                 string    `json:"id" gorm:"primaryKey"`
	ConversationID     string    `json:"conversation_id" gorm:"index;not null"`
	Subject            string    `json:"subject"`
	Body               string    `json:"body"`
	CreatedAt          time.Time `json:"created_at"`
	AwarenessTimestamp time.Time `json:"awareness_timestamp"`
}
