package notif

import (
	"context"
	"errors"
	"time"
)

// Notification types carried in send_notification payloads; each maps to an
// email template of the same name.
const (
	TypeSubmissionGraded = "submission_graded"
	TypeSubmissionError  = "submission_error"
)

var (
	// errors
	ErrDuplicate = errors.New("notification already exists")
)

type (
	// Notification is the in-app record, always written regardless of the
	// user's email preference.
	Notification struct {
		ID                string     `json:"id"`
		UserID            int        `json:"user_id"`
		Type              string     `json:"type"`
		Content           string     `json:"content"`
		RelatedResourceID string     `json:"related_resource_id"`
		ReadAt            *time.Time `json:"read_at,omitempty"`
		CreatedAt         time.Time  `json:"created_at"` // UTC
	}

	// SendPayload is the send_notification task payload.
	SendPayload struct {
		UserID            int    `json:"user_id" validate:"required"`
		Type              string `json:"type" validate:"required"`
		Content           string `json:"content" validate:"required"`
		RelatedResourceID string `json:"related_resource_id"`
	}

	Repository interface {
		// CreateNotification returns ErrDuplicate when a record with the
		// same (user, type, related resource) already exists; this is the
		// fan-out's idempotency guard for redelivered tasks.
		CreateNotification(ctx context.Context, n Notification) (Notification, error)
		ListNotificationsByUser(ctx context.Context, userID int) ([]Notification, error)
	}
)
