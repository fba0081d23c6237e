package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Topics carried on the task broker. Dead-letter subjects mirror these under
// the "dlq." prefix.
const (
	TopicProcessSubmission = "tasks.submission.process"
	TopicSendNotification  = "tasks.notification.send"
)

const (
	TaskProcessSubmission = "process_submission"
	TaskSendNotification  = "send_notification"
)

// Task is the message envelope carried on the broker. The payload is opaque
// to the broker and type-specific to the handler.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	// Deliveries and MaxDeliveries are set by the broker on delivery; they
	// are not part of the wire envelope.
	Deliveries    int `json:"-"`
	MaxDeliveries int `json:"-"`
}

// NewTask builds a task envelope with a fresh ID.
func NewTask(typ string, payload interface{}) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, err
	}
	return Task{
		ID:         uuid.New().String(),
		Type:       typ,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// TaskHandler processes one delivered task. A nil return acknowledges the
// message; a transient error (per KindOf) requests redelivery with backoff;
// any other error dead-letters the message immediately. Handlers must be
// idempotent: delivery is at-least-once.
type TaskHandler func(ctx context.Context, task Task) error

type PublishOptions struct {
	// MsgID enables broker-side duplicate suppression; defaults to the
	// task ID when empty.
	MsgID string
}

type SubscribeOptions struct {
	// Concurrency bounds how many handlers may run at once within this
	// consumer instance.
	Concurrency int
	// Prefetch bounds how many unacknowledged messages the consumer holds.
	Prefetch int
}

// DeadLetter is a message that exhausted its retry budget (or failed
// fatally), annotated for operator triage.
type DeadLetter struct {
	Task    Task      `json:"task"`
	Topic   string    `json:"topic"`
	Reason  string    `json:"reason"`
	MovedAt time.Time `json:"moved_at"`
}

// Broker is the durable, topic-routed task queue contract.
type Broker interface {
	Publish(ctx context.Context, topic string, task Task, opts ...PublishOptions) error
	Subscribe(topic, group string, handler TaskHandler, opts SubscribeOptions) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	RequeueDeadLetters(ctx context.Context, limit int) (int, error)
	Close() error
}
