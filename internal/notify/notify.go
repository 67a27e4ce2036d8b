// Package notify fans lifecycle events out to per-agent channels without
// ever blocking the scheduler.
package notify

import (
	"context"
	"sync"
	"time"

	"maestro/internal/async"
	"maestro/internal/errors"
	"maestro/internal/logging"
)

// Message is one notification in flight.
type Message struct {
	Agent   string         `json:"agent,omitempty"`
	Event   string         `json:"event"`
	RunID   string         `json:"run_id,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	Title   string         `json:"title,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Backend delivers a message over one concrete channel.
type Backend interface {
	Deliver(ctx context.Context, msg Message) error
	Name() string
}

// Notifier queues messages and drains them on a background worker. The
// queue is bounded; overflow drops the message with a warning rather than
// stall the caller.
type Notifier struct {
	resolver *Resolver
	queue    chan Message
	logger   logging.Logger
	retry    errors.RetryConfig

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
}

// Options tunes the notifier.
type Options struct {
	QueueSize int
	Retry     *errors.RetryConfig
	Logger    logging.Logger
}

// New starts a notifier draining into the resolver's backends.
func New(resolver *Resolver, opts Options) *Notifier {
	size := opts.QueueSize
	if size <= 0 {
		size = 256
	}
	// Delivery failures get one retry after a short delay.
	retry := errors.RetryConfig{MaxAttempts: 2, BaseDelay: 3 * time.Second, MaxDelay: 3 * time.Second}
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	n := &Notifier{
		resolver: resolver,
		queue:    make(chan Message, size),
		logger:   logging.OrNop(opts.Logger),
		retry:    retry,
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
	}
	async.Go(n.logger, "notify-drain", n.drain)
	return n
}

// Notify implements the executor's notifier handle.
func (n *Notifier) Notify(event string, payload map[string]any) {
	msg := Message{Event: event, Payload: payload}
	if v, ok := payload["agent"].(string); ok {
		msg.Agent = v
	}
	if v, ok := payload["run_id"].(string); ok {
		msg.RunID = v
	}
	if v, ok := payload["task_id"].(string); ok {
		msg.TaskID = v
	}
	if v, ok := payload["title"].(string); ok {
		msg.Title = v
	}
	n.Enqueue(msg)
}

// Enqueue adds a message to the queue, dropping it when full.
func (n *Notifier) Enqueue(msg Message) {
	select {
	case <-n.done:
		n.logger.Warn("notify: dropping %s for %s, notifier closed", msg.Event, msg.Agent)
	default:
		select {
		case n.queue <- msg:
		default:
			n.logger.Warn("notify: queue full, dropping %s for %s", msg.Event, msg.Agent)
		}
	}
}

func (n *Notifier) drain() {
	defer close(n.drained)
	for {
		select {
		case msg := <-n.queue:
			n.deliver(msg)
		case <-n.done:
			// Flush whatever is left.
			for {
				select {
				case msg := <-n.queue:
					n.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliver(msg Message) {
	backend := n.resolver.Resolve(msg.Agent)
	if backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := errors.RetryWithLog(ctx, n.retry, func(ctx context.Context) error {
		return backend.Deliver(ctx, msg)
	}, n.logger)
	if err != nil {
		n.logger.Warn("notify: %s delivery of %s failed: %v", backend.Name(), msg.Event, err)
	}
}

// Close stops intake and flushes the queue, waiting at most timeout.
func (n *Notifier) Close(timeout time.Duration) {
	n.closeOnce.Do(func() { close(n.done) })
	select {
	case <-n.drained:
	case <-time.After(timeout):
		n.logger.Warn("notify: close timed out with messages still queued")
	}
}
