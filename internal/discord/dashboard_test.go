package discord

import (
	"strings"
	"testing"
	"time"

	discordmock "github.com/feldrow/engram/internal/discord/mock"
	"github.com/feldrow/engram/internal/ingest"
	"github.com/feldrow/engram/internal/queue"
)

type staticVoiceCounter int

func (c staticVoiceCounter) ActiveSessions() int { return int(c) }

func newTestDashboard(t *testing.T, session *discordmock.Session) *Dashboard {
	t.Helper()
	stats := ingest.NewStats()
	stats.RecordOutcome("guild-1", ingest.StatusIndexed)
	stats.RecordStage("embed", 40*time.Millisecond)

	q := queue.New(queue.WithMetrics(testMetrics(t)))
	reg := testRegistry(t, map[string]string{"guild-1": "alpha"})
	d := NewDashboard(session, "dash-chan", q, stats, staticVoiceCounter(2), reg, quietLogger())
	d.startedAt = time.Now()
	return d
}

func TestDashboard_PostsThenEditsInPlace(t *testing.T) {
	t.Parallel()

	session := &discordmock.Session{}
	d := newTestDashboard(t, session)

	d.refresh()
	d.refresh()

	if len(session.Embeds) != 1 {
		t.Fatalf("embed sends = %d, want 1", len(session.Embeds))
	}
	if len(session.EmbedEdits) != 1 {
		t.Fatalf("embed edits = %d, want 1", len(session.EmbedEdits))
	}
}

func TestDashboard_RendersCounters(t *testing.T) {
	t.Parallel()

	d := newTestDashboard(t, &discordmock.Session{})
	embed := d.render()

	var all strings.Builder
	for _, f := range embed.Fields {
		all.WriteString(f.Name)
		all.WriteString(" ")
		all.WriteString(f.Value)
		all.WriteString("\n")
	}
	text := all.String()

	for _, want := range []string{"indexed 1", "1 configured", "2 active sessions", "embed:"} {
		if !strings.Contains(text, want) {
			t.Errorf("embed missing %q:\n%s", want, text)
		}
	}
}

func TestDashboard_RepostsAfterEditFailure(t *testing.T) {
	t.Parallel()

	session := &discordmock.Session{}
	d := newTestDashboard(t, session)

	d.refresh() // post
	session.SendErr = errForTest
	d.refresh() // edit fails, message ID dropped
	session.SendErr = nil
	d.refresh() // reposts

	if len(session.Embeds) != 2 {
		t.Errorf("embed sends = %d, want 2 (initial + repost)", len(session.Embeds))
	}
}

func TestDashboard_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	d := newTestDashboard(t, &discordmock.Session{})
	d.Stop()
	d.Stop()
}

func TestRenderStages_Empty(t *testing.T) {
	t.Parallel()

	if got := renderStages(nil); got != "" {
		t.Errorf("renderStages(nil) = %q", got)
	}
}
