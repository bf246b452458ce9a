package worker

import (
	"context"
	"time"

	"github.com/glimte/mailqueue/contracts"
)

// DefaultLatency is the simulated time it takes to send one email
const DefaultLatency = time.Second

// Sender delivers one email
type Sender interface {
	Send(ctx context.Context, env contracts.Envelope) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, env contracts.Envelope) error

// Send implements Sender
func (f SenderFunc) Send(ctx context.Context, env contracts.Envelope) error {
	return f(ctx, env)
}

// SimulatedSender stands in for a real mail transport: it waits Latency
// and reports success
type SimulatedSender struct {
	Latency time.Duration
}

// Send waits for the configured latency or until ctx is done
func (s SimulatedSender) Send(ctx context.Context, _ contracts.Envelope) error {
	if s.Latency <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(s.Latency)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
