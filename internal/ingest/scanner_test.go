package ingest

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	embmock "github.com/feldrow/engram/pkg/provider/embeddings/mock"
	storemock "github.com/feldrow/engram/pkg/store/mock"
)

// fakeHistory serves scripted channel listings and message pages.
type fakeHistory struct {
	channels map[string][]ChannelRef
	// messages per channel ID, in chronological order.
	messages map[string][]RawMessage

	fetchCalls []string // "channelID:afterID" per call
}

func (f *fakeHistory) TextChannels(guildID string) ([]ChannelRef, error) {
	chs, ok := f.channels[guildID]
	if !ok {
		return nil, fmt.Errorf("unknown guild %s", guildID)
	}
	return chs, nil
}

func (f *fakeHistory) MessagesAfter(_ context.Context, _ string, ch ChannelRef, afterID string, limit int) ([]RawMessage, error) {
	f.fetchCalls = append(f.fetchCalls, ch.ID+":"+afterID)

	after, _ := strconv.ParseInt(afterID, 10, 64)
	var page []RawMessage
	for _, msg := range f.messages[ch.ID] {
		id, _ := strconv.ParseInt(msg.MessageID, 10, 64)
		if id > after {
			page = append(page, msg)
		}
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func historyMessage(id int64) RawMessage {
	msg := guildMessage(fmt.Sprintf("message %d", id))
	msg.MessageID = strconv.FormatInt(id, 10)
	return msg
}

func TestScanner_FullScanPaginates(t *testing.T) {
	t.Parallel()

	vectors := &storemock.VectorStore{} // LatestTimestampOK false: full scan
	gw := &fakeGateway{emb: &embmock.Provider{EmbedResult: []float32{1}, DimensionsValue: 1}}
	p := newTestPipeline(t, newTestRegistry(t, skipConfig()), vectors, gw, &fakeExtractor{})

	history := &fakeHistory{
		channels: map[string][]ChannelRef{"guild-1": {{ID: "42", Name: "general"}}},
		messages: map[string][]RawMessage{"42": {
			historyMessage(10), historyMessage(20), historyMessage(30),
		}},
	}

	s := NewScanner(p, history)
	s.pageSize = 2 // force pagination

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if vectors.CallCount("Upsert") != 3 {
		t.Errorf("Upsert calls = %d, want 3", vectors.CallCount("Upsert"))
	}
	// Page 1 from "0", page 2 after message 20.
	want := []string{"42:0", "42:20"}
	if len(history.fetchCalls) != len(want) {
		t.Fatalf("fetch calls = %v, want %v", history.fetchCalls, want)
	}
	for i := range want {
		if history.fetchCalls[i] != want[i] {
			t.Errorf("fetch call %d = %q, want %q", i, history.fetchCalls[i], want[i])
		}
	}
}

func TestScanner_ResumesAfterLatestTimestamp(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	vectors := &storemock.VectorStore{
		LatestTimestampResult: ts,
		LatestTimestampOK:     true,
	}
	gw := &fakeGateway{emb: &embmock.Provider{EmbedResult: []float32{1}, DimensionsValue: 1}}
	p := newTestPipeline(t, newTestRegistry(t, skipConfig()), vectors, gw, &fakeExtractor{})

	history := &fakeHistory{
		channels: map[string][]ChannelRef{"guild-1": {{ID: "42", Name: "general"}}},
		messages: map[string][]RawMessage{"42": nil},
	}

	s := NewScanner(p, history)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantCursor := snowflakeFromTime(ts)
	if len(history.fetchCalls) != 1 || history.fetchCalls[0] != "42:"+wantCursor {
		t.Errorf("fetch calls = %v, want one from cursor %s", history.fetchCalls, wantCursor)
	}
}

func TestScanner_SkipsPausedServer(t *testing.T) {
	t.Parallel()

	vectors := &storemock.VectorStore{}
	gw := &fakeGateway{emb: &embmock.Provider{EmbedResult: []float32{1}}}
	registry := newTestRegistry(t, skipConfig())
	registry.Pause("guild-1")
	p := newTestPipeline(t, registry, vectors, gw, &fakeExtractor{})

	history := &fakeHistory{channels: map[string][]ChannelRef{"guild-1": {{ID: "42"}}}}
	s := NewScanner(p, history)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(history.fetchCalls) != 0 {
		t.Errorf("paused server was scanned: %v", history.fetchCalls)
	}
}

func TestScanner_CancelledContext(t *testing.T) {
	t.Parallel()

	vectors := &storemock.VectorStore{}
	gw := &fakeGateway{emb: &embmock.Provider{EmbedResult: []float32{1}}}
	p := newTestPipeline(t, newTestRegistry(t, skipConfig()), vectors, gw, &fakeExtractor{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScanner(p, &fakeHistory{channels: map[string][]ChannelRef{"guild-1": nil}})
	if err := s.Run(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestSnowflakeFromTime(t *testing.T) {
	t.Parallel()

	// 2015-01-01T00:00:01Z is 1000 ms past the Discord epoch.
	got := snowflakeFromTime(time.Date(2015, 1, 1, 0, 0, 1, 0, time.UTC))
	if want := strconv.FormatInt(1000<<22, 10); got != want {
		t.Errorf("snowflake = %s, want %s", got, want)
	}

	if got := snowflakeFromTime(time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)); got != "0" {
		t.Errorf("pre-epoch snowflake = %s, want 0", got)
	}
}
