package model

import "time"

// NotificationStatus tracks delivery of a queued notification. Transitions
// away from pending are owned by the sender, not by this module.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// NotificationQueueItem is one pending notice to a CC recipient of a bounced message.
type NotificationQueueItem struct {
	ID             int64              `db:"id"`
	BounceID       int64              `db:"bounce_id"`
	RecipientEmail string             `db:"recipient_email"`
	OriginalTo     string             `db:"original_to"`
	Status         NotificationStatus `db:"status"`
	CreatedAt      time.Time          `db:"created_at"`
}
