package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/rotafood/rotafood/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueNotifications carries customer and courier messages.
	QueueNotifications = "notifications"

	// TaskNotifyOrderStatus renders WhatsApp messages after a status change.
	TaskNotifyOrderStatus = "notify:order-status"
	// TaskIdempotencyCleanup removes expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency-cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// OrderStatusPayload identifies the change to notify about.
type OrderStatusPayload struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// NewOrderStatusTask constructs a notification task.
func NewOrderStatusTask(payload OrderStatusPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotifyOrderStatus, data,
		asynq.Queue(QueueNotifications),
		asynq.MaxRetry(5),
	), nil
}

// IdempotencyCleanupPayload controls how old a key must be before removal.
type IdempotencyCleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewIdempotencyCleanupTask constructs the maintenance task.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
