package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rotafood/rotafood/internal/delivery"
	jobmetrics "github.com/rotafood/rotafood/internal/jobs"
)

type fakeDispatcher struct {
	calls []OrderStatusPayload
	sent  int
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, orderID string, status delivery.OrderStatus) (int, error) {
	f.calls = append(f.calls, OrderStatusPayload{OrderID: orderID, Status: string(status)})
	return f.sent, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewOrderStatusTask(t *testing.T) {
	task, err := NewOrderStatusTask(OrderStatusPayload{OrderID: "o1", Status: "assigned"})
	require.NoError(t, err)
	assert.Equal(t, TaskNotifyOrderStatus, task.Type())

	var payload OrderStatusPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, OrderStatusPayload{OrderID: "o1", Status: "assigned"}, payload)
}

func TestNotifyStatusJob_Handle(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	dispatcher := &fakeDispatcher{sent: 2}
	job := NewNotifyStatusJob(dispatcher, quietLogger(), metrics)

	task, err := NewOrderStatusTask(OrderStatusPayload{OrderID: "o1", Status: "assigned"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, dispatcher.calls, 1)
	assert.Equal(t, "o1", dispatcher.calls[0].OrderID)

	count, err := testutil.GatherAndCount(registry, "rotafood_notifications_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNotifyStatusJob_RejectsBadPayloads(t *testing.T) {
	job := NewNotifyStatusJob(&fakeDispatcher{}, quietLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	err := job.Handle(context.Background(), asynq.NewTask(TaskNotifyOrderStatus, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	bad, _ := json.Marshal(OrderStatusPayload{OrderID: "o1", Status: "teleported"})
	err = job.Handle(context.Background(), asynq.NewTask(TaskNotifyOrderStatus, bad))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNotifyStatusJob_RetriesDispatchFailures(t *testing.T) {
	down := errors.New("db down")
	job := NewNotifyStatusJob(&fakeDispatcher{err: down}, quietLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewOrderStatusTask(OrderStatusPayload{OrderID: "o1", Status: "pending"})
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	require.ErrorIs(t, err, down)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	var nilJob *NotifyStatusJob
	assert.Error(t, nilJob.Handle(context.Background(), task))
}

type fakeCleaner struct {
	olderThan time.Duration
	removed   int64
	err       error
}

func (f *fakeCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	f.olderThan = olderThan
	return f.removed, f.err
}

func TestIdempotencyCleanupJob(t *testing.T) {
	cleaner := &fakeCleaner{removed: 3}
	job := NewIdempotencyCleanupJob(cleaner, quietLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewIdempotencyCleanupTask(48 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 48*time.Hour, cleaner.olderThan)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	assert.Equal(t, defaultKeyRetention, cleaner.olderThan)

	cleaner.err = errors.New("db down")
	assert.Error(t, job.Handle(context.Background(), task))
}

func TestNewWorkerRegistersCron(t *testing.T) {
	cleanup, err := NewIdempotencyCleanupTask(time.Hour)
	require.NoError(t, err)
	w, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"},
		Logger:    quietLogger(),
		Handlers: []TaskHandler{
			{Type: TaskIdempotencyCleanup, Handler: NewIdempotencyCleanupJob(&fakeCleaner{}, nil, nil).Handle},
			{Type: "", Handler: nil},
		},
		Cron: []CronRegistration{{Spec: "@every 1h", Task: cleanup}},
	})
	require.NoError(t, err)
	assert.NotNil(t, w.scheduler)

	_, err = NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"},
		Cron:      []CronRegistration{{Spec: "not a cron", Task: cleanup}},
	})
	assert.Error(t, err)
}

func TestHandler_HealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, quietLogger()).MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out []QueueHealth
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out, 2)
	assert.Equal(t, QueueNotifications, out[0].Queue)
	assert.Zero(t, out[0].Pending)
}

func TestRedisOptions(t *testing.T) {
	opts, err := RedisOptions("127.0.0.1:6379")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6379", opts.Addr)

	opts, err = RedisOptions("redis://worker:pw@cache:6380/3")
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "worker", opts.Username)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 3, opts.DB)
}
