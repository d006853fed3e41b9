package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	timeout  time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, maxRetry int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	if maxRetry < 0 {
		maxRetry = 0
	}
	return &Client{
		client:   asynq.NewClient(redisOpt),
		queue:    queueName,
		maxRetry: maxRetry,
		timeout:  timeout,
	}
}

// Enqueue hands one job to asynq. The task ID is derived from the job ID, so a
// second enqueue of a job that is still queued is treated as already done.
func (c *Client) Enqueue(ctx context.Context, payload ProcessImagePayload) error {
	task, err := NewProcessImageTask(payload)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(TaskID(payload.JobID)),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(c.timeout),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue job %d: %w", payload.JobID, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func TaskID(jobID int64) string {
	return fmt.Sprintf("image-job-%d", jobID)
}
