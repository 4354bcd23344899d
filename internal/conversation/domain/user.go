package domain

import "time"

// User is one accountability-partner participant, created the first time a
// valid email arrives from their address. Users are never updated or deleted.
type User struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Email     string    `json:"email" gorm:"uniqueIndex;not null"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
