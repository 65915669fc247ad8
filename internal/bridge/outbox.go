package bridge

import (
	"context"
	"log/slog"
)

// defaultQueueSize is the outbox capacity used when Config.QueueSize is zero.
const defaultQueueSize = 256

// outbox serialises sends on one leg; a single goroutine performs the writes
// in enqueue order. push never blocks and drops when full; send waits for
// room.
type outbox struct {
	leg  string
	jobs chan func(context.Context) error
	log  *slog.Logger
}

func newOutbox(leg string, size int, log *slog.Logger) *outbox {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &outbox{
		leg:  leg,
		jobs: make(chan func(context.Context) error, size),
		log:  log,
	}
}

// push enqueues job. It reports false, dropping the job, when the queue is
// full.
func (o *outbox) push(job func(context.Context) error) bool {
	select {
	case o.jobs <- job:
		return true
	default:
		return false
	}
}

// send enqueues job, waiting for room while ctx is live. It reports false
// only when ctx is done first.
func (o *outbox) send(ctx context.Context, job func(context.Context) error) bool {
	select {
	case o.jobs <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

// run executes queued jobs until ctx is done. Send failures are logged and
// otherwise ignored.
func (o *outbox) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-o.jobs:
			if err := job(ctx); err != nil && ctx.Err() == nil {
				o.log.Debug("send failed", "leg", o.leg, "err", err)
			}
		}
	}
}
