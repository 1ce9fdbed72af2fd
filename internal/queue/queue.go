// Package queue holds the bounded FIFO of pending user requests and the
// worker that drains it.
//
// Fairness is per user: a user may have at most one non-terminal request at
// any instant, so one person spamming !ask cannot monopolize the agent. The
// queue is the only component that transitions request status; the worker is
// the only consumer.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/feldrow/engram/internal/observe"
)

// DefaultCapacity bounds how many requests may wait at once.
const DefaultCapacity = 50

// RequestType distinguishes what the worker should do with a request.
type RequestType string

const (
	// TypeChat asks the agent a question.
	TypeChat RequestType = "chat"

	// TypeVoice starts a voice capture session.
	TypeVoice RequestType = "voice"
)

// RequestStatus is the lifecycle state of a request.
type RequestStatus string

const (
	StatusQueued     RequestStatus = "queued"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
)

// Request is one pending unit of work. Fields are set by the enqueueing
// command handler; Status and EnqueuedAt are owned by the queue.
type Request struct {
	UserID   string
	ServerID string

	// Message is the question text for chat requests; unused for voice.
	Message string

	Type       RequestType
	EnqueuedAt time.Time
	Status     RequestStatus

	// OriginChannelID is the DM channel the request came from; status
	// updates and the final answer go there.
	OriginChannelID string

	// StatusMessageID is the bot's status message in the origin channel,
	// edited in place as the request progresses. The notifier records it on
	// the first send, which Enqueue performs before the request becomes
	// visible to the worker; after that the worker goroutine is the only
	// accessor.
	StatusMessageID string
}

// EnqueueResult is the outcome of an Enqueue call.
type EnqueueResult int

const (
	// Accepted means the request was queued.
	Accepted EnqueueResult = iota

	// RejectedFull means the queue is at capacity.
	RejectedFull

	// RejectedDuplicateUser means the user already has a live request.
	RejectedDuplicateUser
)

// Notifier delivers status text for a request back to its origin channel,
// editing the previous status message when one exists. Implementations are
// best-effort; delivery failures must not propagate.
type Notifier interface {
	UpdateStatus(req *Request, text string)
}

// Stats is a point-in-time view of queue counters.
type Stats struct {
	Queued    int
	Active    int
	Completed int64
	Failed    int64
}

// Queue is the bounded per-user-fair FIFO. Construct with New; the zero
// value is not usable.
type Queue struct {
	mu       sync.Mutex
	pending  []*Request
	active   map[string]struct{} // user IDs with a live request
	capacity int

	completed int64
	failed    int64

	// signal wakes one blocked Next call when a request arrives.
	signal chan struct{}

	notifier Notifier
	metrics  *observe.Metrics
}

// Option configures a [Queue].
type Option func(*Queue)

// WithCapacity overrides the queue capacity. Default 50.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithNotifier sets the status notifier. Without one, UpdateStatus is a
// no-op.
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates an empty [Queue].
func New(opts ...Option) *Queue {
	q := &Queue{
		active:   make(map[string]struct{}),
		capacity: DefaultCapacity,
		signal:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	return q
}

// Enqueue adds req to the tail of the queue. The user becomes active
// immediately so a second request is rejected even before the first is
// popped.
//
// The queued status message is sent after the user's slot is reserved but
// before the request is appended to the pending list: the worker cannot pop
// a request whose status message does not exist yet, so all later status
// access is worker-only.
func (q *Queue) Enqueue(req *Request) EnqueueResult {
	q.mu.Lock()

	if _, live := q.active[req.UserID]; live {
		q.mu.Unlock()
		return RejectedDuplicateUser
	}
	if len(q.pending) >= q.capacity {
		q.mu.Unlock()
		return RejectedFull
	}

	req.Status = StatusQueued
	req.EnqueuedAt = time.Now()
	q.active[req.UserID] = struct{}{}
	position := len(q.pending) + 1
	q.mu.Unlock()

	q.UpdateStatus(req, fmt.Sprintf(QueuedTextFormat, position))

	q.mu.Lock()
	q.pending = append(q.pending, req)
	q.mu.Unlock()

	q.metrics.QueueDepth.Add(context.Background(), 1)

	// Wake a waiting Next, if any.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return Accepted
}

// Next blocks until a request is available or ctx is done, then removes the
// head of the queue and transitions it to processing. Returns nil once ctx
// is done, even when requests are still pending, so a stopped consumer never
// picks up new work.
func (q *Queue) Next(ctx context.Context) *Request {
	for {
		if ctx.Err() != nil {
			return nil
		}
		q.mu.Lock()
		if len(q.pending) > 0 {
			req := q.pending[0]
			q.pending = q.pending[1:]
			req.Status = StatusProcessing
			q.mu.Unlock()
			q.metrics.QueueDepth.Add(ctx, -1)
			return req
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-q.signal:
		}
	}
}

// Complete marks req terminal, frees the user's single-flight slot, and
// bumps the counters. Completing the same request twice is a no-op.
func (q *Queue) Complete(req *Request, success bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, live := q.active[req.UserID]; !live {
		return
	}
	delete(q.active, req.UserID)

	if success {
		req.Status = StatusCompleted
		q.completed++
	} else {
		req.Status = StatusFailed
		q.failed++
	}
}

// Position returns the 1-based queue position of the user's pending request,
// or 0 when the user has nothing waiting.
func (q *Queue) Position(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, req := range q.pending {
		if req.UserID == userID {
			return i + 1
		}
	}
	return 0
}

// UpdateStatus pushes status text for req to its origin channel, best
// effort.
func (q *Queue) UpdateStatus(req *Request, text string) {
	if q.notifier == nil {
		return
	}
	q.notifier.UpdateStatus(req, text)
}

// Len returns the number of waiting requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:    len(q.pending),
		Active:    len(q.active),
		Completed: q.completed,
		Failed:    q.failed,
	}
}
