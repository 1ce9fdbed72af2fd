package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/feldrow/engram/internal/observe"
)

// recordingNotifier captures status updates plus the queue length observed
// at delivery time, and records a message ID on first send the way the real
// notifier does.
type recordingNotifier struct {
	q *Queue

	mu    sync.Mutex
	texts []string
	lenAt []int
}

func (n *recordingNotifier) UpdateStatus(req *Request, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if req.StatusMessageID == "" {
		req.StatusMessageID = fmt.Sprintf("status-%d", len(n.texts)+1)
	}
	n.texts = append(n.texts, text)
	n.lenAt = append(n.lenAt, n.q.Len())
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func chatRequest(userID string) *Request {
	return &Request{
		UserID:          userID,
		ServerID:        "guild-1",
		Message:         "what happened to the deploy?",
		Type:            TypeChat,
		OriginChannelID: "dm-1",
	}
}

func TestEnqueue_Accepted(t *testing.T) {
	t.Parallel()

	q := New(WithMetrics(testMetrics(t)))
	req := chatRequest("u1")

	if got := q.Enqueue(req); got != Accepted {
		t.Fatalf("Enqueue = %v, want Accepted", got)
	}
	if req.Status != StatusQueued {
		t.Errorf("status = %q, want queued", req.Status)
	}
	if req.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt not set")
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestEnqueue_RejectsDuplicateUser(t *testing.T) {
	t.Parallel()

	q := New(WithMetrics(testMetrics(t)))
	q.Enqueue(chatRequest("u1"))

	if got := q.Enqueue(chatRequest("u1")); got != RejectedDuplicateUser {
		t.Errorf("second enqueue = %v, want RejectedDuplicateUser", got)
	}

	// Still live after pop: the slot is released only by Complete.
	req := q.Next(context.Background())
	if got := q.Enqueue(chatRequest("u1")); got != RejectedDuplicateUser {
		t.Errorf("enqueue while processing = %v, want RejectedDuplicateUser", got)
	}

	q.Complete(req, true)
	if got := q.Enqueue(chatRequest("u1")); got != Accepted {
		t.Errorf("enqueue after complete = %v, want Accepted", got)
	}
}

func TestEnqueue_RejectsFull(t *testing.T) {
	t.Parallel()

	q := New(WithCapacity(2), WithMetrics(testMetrics(t)))
	q.Enqueue(chatRequest("u1"))
	q.Enqueue(chatRequest("u2"))

	if got := q.Enqueue(chatRequest("u3")); got != RejectedFull {
		t.Errorf("Enqueue = %v, want RejectedFull", got)
	}
}

func TestEnqueue_StatusMessagePrecedesVisibility(t *testing.T) {
	t.Parallel()

	n := &recordingNotifier{}
	q := New(WithMetrics(testMetrics(t)), WithNotifier(n))
	n.q = q

	req := chatRequest("u1")
	if got := q.Enqueue(req); got != Accepted {
		t.Fatalf("Enqueue = %v", got)
	}

	if len(n.texts) != 1 || n.texts[0] != fmt.Sprintf(QueuedTextFormat, 1) {
		t.Fatalf("status texts = %q, want position 1", n.texts)
	}
	// The queued text went out while the request was still invisible to
	// Next: a concurrent worker can never race the initial send, and the
	// position shown is never 0.
	if n.lenAt[0] != 0 {
		t.Errorf("queue length at first send = %d, want 0", n.lenAt[0])
	}
	if req.StatusMessageID == "" {
		t.Error("status message ID not recorded before Enqueue returned")
	}

	if q.Enqueue(chatRequest("u2")); n.texts[1] != fmt.Sprintf(QueuedTextFormat, 2) {
		t.Errorf("second status text = %q, want position 2", n.texts[1])
	}
}

func TestNext_FIFOOrder(t *testing.T) {
	t.Parallel()

	q := New(WithMetrics(testMetrics(t)))
	q.Enqueue(chatRequest("u1"))
	q.Enqueue(chatRequest("u2"))

	first := q.Next(context.Background())
	second := q.Next(context.Background())
	if first.UserID != "u1" || second.UserID != "u2" {
		t.Errorf("pop order = [%s %s], want [u1 u2]", first.UserID, second.UserID)
	}
	if first.Status != StatusProcessing {
		t.Errorf("status = %q, want processing", first.Status)
	}
}

func TestNext_BlocksUntilEnqueue(t *testing.T) {
	t.Parallel()

	q := New(WithMetrics(testMetrics(t)))

	got := make(chan *Request, 1)
	go func() {
		got <- q.Next(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(chatRequest("u1"))

	select {
	case req := <-got:
		if req.UserID != "u1" {
			t.Errorf("popped %q, want u1", req.UserID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not wake up after Enqueue")
	}
}

func TestNext_ContextCancelled(t *testing.T) {
	t.Parallel()

	q := New(WithMetrics(testMetrics(t)))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if req := q.Next(ctx); req != nil {
		t.Errorf("Next on cancelled context = %+v, want nil", req)
	}
}

func TestNext_CancelledLeavesPending(t *testing.T) {
	t.Parallel()

	q := New(WithMetrics(testMetrics(t)))
	q.Enqueue(chatRequest("u1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A stopped consumer must not pick up waiting work.
	if req := q.Next(ctx); req != nil {
		t.Errorf("Next on cancelled context = %+v, want nil", req)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want the pending request untouched", q.Len())
	}
}

func TestPosition(t *testing.T) {
	t.Parallel()

	q := New(WithMetrics(testMetrics(t)))
	q.Enqueue(chatRequest("u1"))
	q.Enqueue(chatRequest("u2"))

	if got := q.Position("u2"); got != 2 {
		t.Errorf("Position(u2) = %d, want 2", got)
	}
	if got := q.Position("missing"); got != 0 {
		t.Errorf("Position(missing) = %d, want 0", got)
	}

	q.Next(context.Background())
	if got := q.Position("u2"); got != 1 {
		t.Errorf("Position(u2) after pop = %d, want 1", got)
	}
	// u1 is processing, not waiting.
	if got := q.Position("u1"); got != 0 {
		t.Errorf("Position(u1) while processing = %d, want 0", got)
	}
}

func TestComplete_Counters(t *testing.T) {
	t.Parallel()

	q := New(WithMetrics(testMetrics(t)))
	q.Enqueue(chatRequest("u1"))
	q.Enqueue(chatRequest("u2"))

	a := q.Next(context.Background())
	b := q.Next(context.Background())
	q.Complete(a, true)
	q.Complete(b, false)
	q.Complete(b, false) // double-complete is a no-op

	stats := q.Stats()
	if stats.Completed != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 completed / 1 failed", stats)
	}
	if a.Status != StatusCompleted || b.Status != StatusFailed {
		t.Errorf("statuses = %q/%q", a.Status, b.Status)
	}
}

func TestUpdateStatus_NoNotifier(t *testing.T) {
	t.Parallel()

	q := New(WithMetrics(testMetrics(t)))
	q.UpdateStatus(chatRequest("u1"), "text") // must not panic
}
