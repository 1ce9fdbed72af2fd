package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/feldrow/engram/internal/observe"
	"github.com/feldrow/engram/pkg/store"
)

// DefaultWorkerTimeout bounds one chat request end to end inside the worker.
const DefaultWorkerTimeout = 60 * time.Second

// Canonical user-visible strings. These exact texts are also persisted as
// assistant turns so the audit log matches what the user saw.
const (
	QueuedTextFormat = "⏳ **Queued** — position %d."
	ProcessingText   = "⏳ **Processing** — working on your request…"
	TimeoutText    = "⏰ **Request Timeout** — the answer took too long. Please try again."
	ErrorText      = "❌ **Processing Error** — something went wrong while answering. Please try again."
	VoiceErrorText = "❌ **Voice Error** — could not start the voice session. Please try again."
)

// Agent answers chat requests. User-visible failures (agent timeouts, tool
// errors) come back as canonical answer strings, not errors; an error here
// means the infrastructure itself failed.
type Agent interface {
	Respond(ctx context.Context, userID, serverID, question string) (string, error)
}

// VoiceStarter begins a voice session for a request. On success the voice
// manager owns the request's queue slot and must Complete it exactly once on
// cleanup entry.
type VoiceStarter interface {
	BeginSession(ctx context.Context, req *Request) error
}

// Responder delivers the final answer to the request's origin channel.
type Responder interface {
	SendResponse(req *Request, text string)
}

// Worker is the single long-running queue consumer. Construct with
// NewWorker; the zero value is not usable.
type Worker struct {
	queue         *Queue
	agent         Agent
	voice         VoiceStarter
	conversations store.ConversationStore
	responder     Responder
	timeout       time.Duration
	metrics       *observe.Metrics
	log           *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}

	mu         sync.Mutex
	cancelNext context.CancelFunc
}

// WorkerOption configures a [Worker].
type WorkerOption func(*Worker)

// WithWorkerTimeout bounds one chat dispatch. Default 60s.
func WithWorkerTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithVoice attaches the voice manager. Without one, voice requests fail
// with the canonical voice error.
func WithVoice(v VoiceStarter) WorkerOption {
	return func(w *Worker) { w.voice = v }
}

// WithWorkerMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithWorkerMetrics(m *observe.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithWorkerLogger sets the logger. Defaults to [slog.Default].
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.log = l }
}

// NewWorker creates a [Worker] draining q.
func NewWorker(q *Queue, agent Agent, conversations store.ConversationStore, responder Responder, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:         q,
		agent:         agent,
		conversations: conversations,
		responder:     responder,
		timeout:       DefaultWorkerTimeout,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	return w
}

// Start launches the consumer goroutine. Stop ends it gracefully; cancelling
// ctx is the hard abort that also interrupts the in-flight dispatch.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		// nextCtx gates intake only. Dispatches run on ctx, so Stop lets the
		// in-flight request finish while no new one is picked up.
		nextCtx, cancelNext := context.WithCancel(ctx)
		w.mu.Lock()
		w.cancelNext = cancelNext
		w.mu.Unlock()
		select {
		case <-w.stop: // stopped before started
			cancelNext()
		default:
		}
		go func() {
			defer close(w.done)
			defer cancelNext()
			for {
				req := w.queue.Next(nextCtx)
				if req == nil {
					return
				}
				w.dispatch(ctx, req)
			}
		}()
	})
}

// Stop ends intake: the worker finishes the request it is working on, if
// any, then exits instead of waiting for more. Once Stop returns, no new
// request will be picked up. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.mu.Lock()
		if w.cancelNext != nil {
			w.cancelNext()
		}
		w.mu.Unlock()
	})
}

// Wait blocks until the consumer goroutine has exited.
func (w *Worker) Wait() {
	<-w.done
}

// dispatch routes one request by type.
func (w *Worker) dispatch(ctx context.Context, req *Request) {
	w.queue.UpdateStatus(req, ProcessingText)

	switch req.Type {
	case TypeVoice:
		w.dispatchVoice(ctx, req)
	default:
		w.dispatchChat(ctx, req)
	}
}

// dispatchVoice hands the request to the voice manager. On success the
// manager owns the queue slot; on failure the worker frees it here.
func (w *Worker) dispatchVoice(ctx context.Context, req *Request) {
	if w.voice == nil {
		w.responder.SendResponse(req, VoiceErrorText)
		w.queue.Complete(req, false)
		return
	}
	if err := w.voice.BeginSession(ctx, req); err != nil {
		w.log.Error("voice session start failed",
			"user_id", req.UserID,
			"server_id", req.ServerID,
			"error", err,
		)
		w.responder.SendResponse(req, VoiceErrorText)
		w.queue.Complete(req, false)
	}
}

// dispatchChat runs the agent under the worker timeout and persists the turn
// pair. The user turn is appended even when the agent fails, paired with the
// canonical error assistant turn, so the audit log stays complete.
func (w *Worker) dispatchChat(ctx context.Context, req *Request) {
	reqCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	answer, err := w.agent.Respond(reqCtx, req.UserID, req.ServerID, req.Message)
	elapsed := time.Since(start)

	w.appendTurn(ctx, req, store.RoleUser, req.Message)

	if err != nil {
		status := "error"
		text := ErrorText
		// A dead request context means the deadline hit or the dispatch was
		// cancelled out from under us during shutdown; both surface as the
		// timeout, not a processing error.
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() != nil {
			status = "timeout"
			text = TimeoutText
		}
		w.log.Error("chat request failed",
			"user_id", req.UserID,
			"server_id", req.ServerID,
			"elapsed", elapsed,
			"error", err,
		)
		w.appendTurn(ctx, req, store.RoleAssistant, text)
		w.responder.SendResponse(req, text)
		w.queue.Complete(req, false)
		w.metrics.RecordQuestionAnswered(ctx, status)
		return
	}

	w.appendTurn(ctx, req, store.RoleAssistant, answer)
	w.responder.SendResponse(req, answer)
	w.queue.Complete(req, true)
	w.metrics.RecordQuestionAnswered(ctx, "ok")

	w.log.Info("chat request answered",
		"user_id", req.UserID,
		"server_id", req.ServerID,
		"elapsed", elapsed,
	)
}

// appendTurn persists one conversation turn, logging failures. Uses the
// parent context so a timed-out request still gets its audit rows.
func (w *Worker) appendTurn(ctx context.Context, req *Request, role store.Role, content string) {
	turn := store.ConvTurn{
		UserID:   req.UserID,
		ServerID: req.ServerID,
		Role:     role,
		Content:  content,
	}
	if err := w.conversations.AppendTurn(context.WithoutCancel(ctx), turn); err != nil {
		w.log.Error("conversation turn not persisted",
			"user_id", req.UserID,
			"role", string(role),
			"error", err,
		)
	}
}
