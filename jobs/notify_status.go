package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/rotafood/rotafood/internal/delivery"
	jobmetrics "github.com/rotafood/rotafood/internal/jobs"
)

// Dispatcher renders and stores messages for one status change.
type Dispatcher interface {
	Dispatch(ctx context.Context, orderID string, status delivery.OrderStatus) (int, error)
}

// NotifyStatusJob handles TaskNotifyOrderStatus.
type NotifyStatusJob struct {
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewNotifyStatusJob initialises the notification handler.
func NewNotifyStatusJob(dispatcher Dispatcher, logger *slog.Logger, metrics *jobmetrics.Metrics) *NotifyStatusJob {
	return &NotifyStatusJob{Dispatcher: dispatcher, Logger: logger, Metrics: metrics}
}

// Handle renders the messages for the change carried by t.
func (j *NotifyStatusJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Dispatcher == nil {
		return errors.New("notify status: handler not configured")
	}
	var payload OrderStatusPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", asynq.SkipRetry)
	}
	status := delivery.OrderStatus(payload.Status)
	if payload.OrderID == "" || !status.IsValid() {
		return fmt.Errorf("invalid payload %q/%q: %w", payload.OrderID, payload.Status, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskNotifyOrderStatus)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("order_id", payload.OrderID), slog.String("status", payload.Status))
	sent, err := j.Dispatcher.Dispatch(ctx, payload.OrderID, status)
	if err != nil {
		logger.Error("dispatch notifications", slog.Any("error", err))
		return err
	}
	j.metrics().AddNotifications(payload.Status, sent)
	logger.Info("notifications queued", slog.Int("messages", sent))
	return nil
}

func (j *NotifyStatusJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskNotifyOrderStatus))
	}
	return slog.Default().With(slog.String("job", TaskNotifyOrderStatus))
}

func (j *NotifyStatusJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
