// Package poller fetches the offline delivery queue on a cron schedule and
// hands the messages to the session.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tinyland-inc/chatsync/pkg/chat"
	"github.com/tinyland-inc/chatsync/pkg/logger"
	"github.com/tinyland-inc/chatsync/pkg/metrics"
)

type FetchFunc func(ctx context.Context) ([]chat.Message, error)

type DeliverFunc func(ctx context.Context, msgs []chat.Message) error

type Poller struct {
	schedule string
	fetch    FetchFunc
	deliver  DeliverFunc
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
}

// New validates schedule, a standard five-field cron expression (a leading
// seconds field is also accepted).
func New(schedule string, fetch FetchFunc, deliver DeliverFunc) (*Poller, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid queue schedule %q", schedule)
	}
	return &Poller{
		schedule: schedule,
		fetch:    fetch,
		deliver:  deliver,
		now:      time.Now,
		after:    time.After,
	}, nil
}

// Run polls on every tick until ctx is done. Poll errors are logged and do
// not stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	logger.InfoCF("poller", "Queue poller started", map[string]any{"schedule": p.schedule})
	for {
		next, err := gronx.NextTickAfter(p.schedule, p.now(), false)
		if err != nil {
			return fmt.Errorf("next queue tick: %w", err)
		}

		select {
		case <-ctx.Done():
			logger.InfoC("poller", "Queue poller stopped")
			return nil
		case <-p.after(time.Until(next)):
		}

		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			logger.WarnCF("poller", "Queue poll failed", map[string]any{"error": err.Error()})
		}
	}
}

// PollOnce fetches the queue and delivers whatever it returned. It returns
// the number of messages delivered.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	start := time.Now()
	msgs, err := p.fetch(ctx)
	metrics.QueuePollDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.QueuePolls.WithLabelValues("error").Inc()
		return 0, err
	}
	if len(msgs) == 0 {
		metrics.QueuePolls.WithLabelValues("empty").Inc()
		return 0, nil
	}

	if err := p.deliver(ctx, msgs); err != nil {
		metrics.QueuePolls.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("deliver queued messages: %w", err)
	}
	metrics.QueuePolls.WithLabelValues("delivered").Inc()
	logger.DebugCF("poller", "Queued messages delivered", map[string]any{"count": len(msgs)})
	return len(msgs), nil
}
