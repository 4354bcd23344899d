package domain

import "time"

// InboundEmail is a parsed email handed over by the mail transport, before
// it has been attached to a user and conversation.
type InboundEmail struct {
	MessageID string
	FromEmail string
	FromName  string
	ToEmail   string
	Subject   string
	Body      string
	SentAt    time.Time
}
