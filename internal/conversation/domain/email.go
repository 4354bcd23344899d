package domain

import "time"

// Email is one stored message, inbound or bot-authored.
//
// SentAt is the wall-clock send time from the Date header. TzOffsetSeconds
// keeps the header's UTC offset separately, because the database stores
// timestamps as normalized instants and would otherwise lose the sender's
// timezone. SortingTimestamp is the ordering key used when a thread is
// assembled for the LLM: a bot reply gets the sorting timestamp it was
// generated with, so it slots in immediately after the last email the model
// saw even if real delivery happened later.
//
// Analyzed and Processed only ever move false -> true within a pipeline
// cycle; they are never reset.
type Email struct {
	ID               string    `json:"id" gorm:"primaryKey"`
	MessageID        string    `json:"message_id" gorm:"uniqueIndex;not null"` // RFC 5322 Message-ID
	ConversationID   string    `json:"conversation_id" gorm:"index;not null"`
	FromEmail        string    `json:"from_email" gorm:"not null"`
	ToEmail          string    `json:"to_email" gorm:"not null"`
	Subject          string    `json:"subject"`
	Body             string    `json:"body"`
	SentAt           time.Time `json:"sent_at"`
	TzOffsetSeconds  int       `json:"tz_offset_seconds"`
	SortingTimestamp time.Time `json:"sorting_timestamp" gorm:"index"`
	Analyzed         bool      `json:"analyzed" gorm:"default:false"`
	Processed        bool      `json:"processed" gorm:"default:false"`
	CreatedAt        time.Time `json:"created_at"`
}
