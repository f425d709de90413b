package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/hueshift/internal/config"
)

var ErrAlreadyQueued = errors.New("job is already queued")

const (
	maxRetry    = 5
	taskTimeout = 3 * time.Minute
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(cfg config.QueueConfig) *Client {
	return &Client{
		client: asynq.NewClient(cfg.RedisClientOpt()),
		queue:  cfg.Name,
	}
}

// EnqueueProcessImage queues the job once; the job id doubles as the task id.
func (c *Client) EnqueueProcessImage(ctx context.Context, payload ProcessImagePayload) (*asynq.TaskInfo, error) {
	task, err := NewProcessImageTask(payload)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(ctx, task, enqueueOptions(c.queue, payload.JobID)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyQueued, payload.JobID)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", payload.JobID, err)
	}
	return info, nil
}

func enqueueOptions(queueName, jobID string) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(queueName),
		asynq.TaskID(jobID),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(taskTimeout),
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}
