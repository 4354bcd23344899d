package domain

import "time"

// Conversation is a user+subject email thread. The surrogate ID is the
// identity; (user_id, subject) is only a lookup index used when routing a
// new inbound email, since subjects are not guaranteed unique or stable
// over a long-running relationship.
type Conversation struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	UserID      string    `json:"user_id" gorm:"index:idx_user_subject;not null"`
	Subject     string    `json:"subject" gorm:"index:idx_user_subject"`
	ReplyNeeded bool      `json:"reply_needed" gorm:"default:false"`
	CreatedAt   time.Time `json:"created_at"`
}
