// Package mock provides in-memory test doubles for the store interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	conv := &mock.ConversationStore{}
//	conv.HistoryResult = []store.ConvTurn{{Role: store.RoleUser, Content: "hi"}}
//
//	// inject conv into the system under test …
//
//	if got := conv.CallCount("AppendTurn"); got != 2 {
//	    t.Errorf("expected 2 AppendTurn calls, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/feldrow/engram/pkg/store"
)

// Compile-time interface checks.
var (
	_ store.ConversationStore = (*ConversationStore)(nil)
	_ store.VoiceStore        = (*VoiceStore)(nil)
	_ store.VectorStore       = (*VectorStore)(nil)
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// recorder is the shared call log embedded in every mock.
type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (r *recorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// ConversationStore is a configurable test double for [store.ConversationStore].
type ConversationStore struct {
	recorder

	// AppendTurnErr is returned by AppendTurn when non-nil.
	AppendTurnErr error

	// HistoryResult is returned by History. When nil, History returns an
	// empty non-nil slice.
	HistoryResult []store.ConvTurn

	// HistoryErr is returned by History when non-nil.
	HistoryErr error

	// ClearHistoryResult is the row count returned by ClearHistory.
	ClearHistoryResult int64

	// ClearHistoryErr is returned by ClearHistory when non-nil.
	ClearHistoryErr error
}

// AppendTurn implements [store.ConversationStore].
func (m *ConversationStore) AppendTurn(_ context.Context, turn store.ConvTurn) error {
	m.record("AppendTurn", turn)
	return m.AppendTurnErr
}

// History implements [store.ConversationStore].
func (m *ConversationStore) History(_ context.Context, userID, serverID string, limit int) ([]store.ConvTurn, error) {
	m.record("History", userID, serverID, limit)
	if m.HistoryResult == nil {
		return []store.ConvTurn{}, m.HistoryErr
	}
	out := make([]store.ConvTurn, len(m.HistoryResult))
	copy(out, m.HistoryResult)
	return out, m.HistoryErr
}

// ClearHistory implements [store.ConversationStore].
func (m *ConversationStore) ClearHistory(_ context.Context, userID, serverID string) (int64, error) {
	m.record("ClearHistory", userID, serverID)
	return m.ClearHistoryResult, m.ClearHistoryErr
}

// VoiceStore is a configurable test double for [store.VoiceStore].
type VoiceStore struct {
	recorder

	// CreateSessionErr is returned by CreateSession when non-nil.
	CreateSessionErr error

	// EndSessionErr is returned by EndSession when non-nil.
	EndSessionErr error

	// OpenSessionsResult is returned by OpenSessions. When nil, an empty
	// non-nil slice is returned.
	OpenSessionsResult []store.VoiceSession

	// OpenSessionsErr is returned by OpenSessions when non-nil.
	OpenSessionsErr error

	// AppendTranscriptionErr is returned by AppendTranscription when non-nil.
	AppendTranscriptionErr error

	// TranscriptionsResult is returned by Transcriptions. When nil, an empty
	// non-nil slice is returned.
	TranscriptionsResult []store.Transcription

	// TranscriptionsErr is returned by Transcriptions when non-nil.
	TranscriptionsErr error
}

// CreateSession implements [store.VoiceStore].
func (m *VoiceStore) CreateSession(_ context.Context, session store.VoiceSession) error {
	m.record("CreateSession", session)
	return m.CreateSessionErr
}

// EndSession implements [store.VoiceStore].
func (m *VoiceStore) EndSession(_ context.Context, sessionID string, endedAt time.Time) error {
	m.record("EndSession", sessionID, endedAt)
	return m.EndSessionErr
}

// OpenSessions implements [store.VoiceStore].
func (m *VoiceStore) OpenSessions(_ context.Context) ([]store.VoiceSession, error) {
	m.record("OpenSessions")
	if m.OpenSessionsResult == nil {
		return []store.VoiceSession{}, m.OpenSessionsErr
	}
	out := make([]store.VoiceSession, len(m.OpenSessionsResult))
	copy(out, m.OpenSessionsResult)
	return out, m.OpenSessionsErr
}

// AppendTranscription implements [store.VoiceStore].
func (m *VoiceStore) AppendTranscription(_ context.Context, t store.Transcription) error {
	m.record("AppendTranscription", t)
	return m.AppendTranscriptionErr
}

// Transcriptions implements [store.VoiceStore].
func (m *VoiceStore) Transcriptions(_ context.Context, sessionID string) ([]store.Transcription, error) {
	m.record("Transcriptions", sessionID)
	if m.TranscriptionsResult == nil {
		return []store.Transcription{}, m.TranscriptionsErr
	}
	out := make([]store.Transcription, len(m.TranscriptionsResult))
	copy(out, m.TranscriptionsResult)
	return out, m.TranscriptionsErr
}

// VectorStore is a configurable test double for [store.VectorStore].
type VectorStore struct {
	recorder

	// EnsureCollectionErr is returned by EnsureCollection when non-nil.
	EnsureCollectionErr error

	// UpsertErr is returned by Upsert when non-nil.
	UpsertErr error

	// SearchResult is returned by Search. When nil, an empty non-nil slice is
	// returned.
	SearchResult []store.Hit

	// SearchErr is returned by Search when non-nil.
	SearchErr error

	// CountResult is returned by Count.
	CountResult int64

	// CountErr is returned by Count when non-nil.
	CountErr error

	// LatestTimestampResult and LatestTimestampOK are returned by
	// LatestTimestamp.
	LatestTimestampResult time.Time
	LatestTimestampOK     bool

	// LatestTimestampErr is returned by LatestTimestamp when non-nil.
	LatestTimestampErr error
}

// EnsureCollection implements [store.VectorStore].
func (m *VectorStore) EnsureCollection(_ context.Context, serverID string, dims int) error {
	m.record("EnsureCollection", serverID, dims)
	return m.EnsureCollectionErr
}

// Upsert implements [store.VectorStore].
func (m *VectorStore) Upsert(_ context.Context, serverID string, doc store.Document) error {
	m.record("Upsert", serverID, doc)
	return m.UpsertErr
}

// Search implements [store.VectorStore].
func (m *VectorStore) Search(_ context.Context, serverID string, vector []float32, k int) ([]store.Hit, error) {
	m.record("Search", serverID, vector, k)
	if m.SearchResult == nil {
		return []store.Hit{}, m.SearchErr
	}
	out := make([]store.Hit, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, m.SearchErr
}

// Count implements [store.VectorStore].
func (m *VectorStore) Count(_ context.Context, serverID string) (int64, error) {
	m.record("Count", serverID)
	return m.CountResult, m.CountErr
}

// LatestTimestamp implements [store.VectorStore].
func (m *VectorStore) LatestTimestamp(_ context.Context, serverID string) (time.Time, bool, error) {
	m.record("LatestTimestamp", serverID)
	return m.LatestTimestampResult, m.LatestTimestampOK, m.LatestTimestampErr
}
