package domain

import "time"

// Schedule is the next check-in for a conversation. At most one row per
// conversation; more than one is a reportable anomaly, and the absence of a
// row means no future reminder is pending.
type Schedule struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"index;not null"`
	Timestamp      time.Time `json:"timestamp"`
	NumReminders   int       `json:"num_reminders" gorm:"default:0"`
	LastPolicy     string    `json:"last_policy"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
