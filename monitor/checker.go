package monitor

import (
	"context"

	"github.com/glimte/mailqueue/health"
)

// QueueChecker reports a queue as degraded when its backlog passes a
// threshold or nothing consumes it
type QueueChecker struct {
	client    *ManagementClient
	queue     string
	threshold int
}

// NewQueueChecker creates a checker for queue. threshold <= 0 disables the
// backlog check.
func NewQueueChecker(client *ManagementClient, queue string, threshold int) *QueueChecker {
	return &QueueChecker{client: client, queue: queue, threshold: threshold}
}

func (c *QueueChecker) Name() string {
	return "queue:" + c.queue
}

func (c *QueueChecker) Check(ctx context.Context) health.CheckResult {
	q, err := c.client.Queue(ctx, c.queue)
	if err != nil {
		return health.CheckResult{
			Status:  health.StatusUnhealthy,
			Message: "Failed to read queue statistics",
			Error:   err.Error(),
		}
	}

	result := health.CheckResult{
		Details: map[string]any{
			"messages":  q.Messages,
			"unacked":   q.MessagesUnacked,
			"consumers": q.Consumers,
		},
	}

	switch {
	case c.threshold > 0 && q.Messages > c.threshold:
		result.Status = health.StatusDegraded
		result.Message = "Queue backlog above threshold"
	case q.Consumers == 0:
		result.Status = health.StatusDegraded
		result.Message = "Queue has no consumers"
	default:
		result.Status = health.StatusHealthy
		result.Message = "Queue is draining"
	}
	return result
}
