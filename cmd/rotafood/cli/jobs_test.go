package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rotafood/rotafood/jobs"
)

type recordingClient struct {
	tasks []*asynq.Task
}

func (r *recordingClient) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	r.tasks = append(r.tasks, task)
	queue := jobs.QueueDefault
	if task.Type() == jobs.TaskNotifyOrderStatus {
		queue = jobs.QueueNotifications
	}
	return &asynq.TaskInfo{ID: "t1", Type: task.Type(), Queue: queue}, nil
}

func (r *recordingClient) Close() error { return nil }

type stubInspector struct {
	infos map[string]*asynq.QueueInfo
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	info, ok := s.infos[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func (stubInspector) Close() error { return nil }

func TestTriggerCleanupUsesRetention(t *testing.T) {
	client := &recordingClient{}
	c := &JobsCLI{client: client, retention: 48 * time.Hour}

	info, err := c.Trigger(context.Background(), jobs.TaskIdempotencyCleanup)
	require.NoError(t, err)
	assert.Equal(t, jobs.TaskIdempotencyCleanup, info.Type)

	var payload jobs.IdempotencyCleanupPayload
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &payload))
	assert.Equal(t, 48*time.Hour, payload.OlderThan)

	_, err = c.Trigger(context.Background(), "report:nightly")
	assert.Error(t, err)
}

func TestRenotifyValidatesInput(t *testing.T) {
	client := &recordingClient{}
	c := &JobsCLI{client: client}

	_, err := c.Renotify(context.Background(), "", "pending")
	assert.Error(t, err)
	_, err = c.Renotify(context.Background(), "o1", "lost")
	assert.Error(t, err)
	assert.Empty(t, client.tasks)

	info, err := c.Renotify(context.Background(), "o1", "assigned")
	require.NoError(t, err)
	assert.Equal(t, jobs.QueueNotifications, info.Queue)
}

func TestRunSubcommands(t *testing.T) {
	c := &JobsCLI{
		client: &recordingClient{},
		inspector: stubInspector{infos: map[string]*asynq.QueueInfo{
			jobs.QueueNotifications: {Queue: jobs.QueueNotifications, Pending: 4, Retry: 1},
		}},
	}
	var out bytes.Buffer

	require.NoError(t, c.Run(context.Background(), []string{"stats"}, &out))
	assert.Contains(t, out.String(), "notifications  pending=4 active=0 scheduled=0 retry=1")
	assert.Contains(t, out.String(), "default        pending=0")

	out.Reset()
	require.NoError(t, c.Run(context.Background(), []string{"renotify", "o1", "delivering"}, &out))
	assert.Equal(t, "enqueued notify:order-status as t1 on notifications\n", out.String())

	assert.Error(t, c.Run(context.Background(), nil, &out))
	assert.Error(t, c.Run(context.Background(), []string{"trigger"}, &out))
	assert.Error(t, c.Run(context.Background(), []string{"purge"}, &out))
}
