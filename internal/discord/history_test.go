package discord

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	discordmock "github.com/feldrow/engram/internal/discord/mock"
	"github.com/feldrow/engram/internal/ingest"
)

func TestHistory_TextChannelsFiltersNonText(t *testing.T) {
	t.Parallel()

	session := &discordmock.Session{
		GuildChannelsResult: []*discordgo.Channel{
			{ID: "c1", Name: "general", Type: discordgo.ChannelTypeGuildText},
			{ID: "c2", Name: "voice-lobby", Type: discordgo.ChannelTypeGuildVoice},
			{ID: "c3", Name: "ops", Type: discordgo.ChannelTypeGuildText},
			{ID: "c4", Name: "rules", Type: discordgo.ChannelTypeGuildCategory},
		},
	}
	h := NewHistory(session)

	refs, err := h.TextChannels("guild-1")
	if err != nil {
		t.Fatalf("TextChannels: %v", err)
	}
	if len(refs) != 2 || refs[0].Name != "general" || refs[1].Name != "ops" {
		t.Errorf("refs = %+v", refs)
	}
}

func TestHistory_TextChannelsError(t *testing.T) {
	t.Parallel()

	session := &discordmock.Session{GuildChannelsErr: errForTest}
	h := NewHistory(session)

	if _, err := h.TextChannels("guild-1"); err == nil {
		t.Error("err = nil, want wrapped listing error")
	}
}

func TestHistory_MessagesAfterSortsBySnowflake(t *testing.T) {
	t.Parallel()

	// Pages come back in API order, which is not the scanner's order; note
	// "900" > "1000" as strings but not as snowflakes.
	session := &discordmock.Session{
		Messages: []*discordgo.Message{
			{ID: "1000", Content: "third", Author: &discordgo.User{ID: "a"}},
			{ID: "900", Content: "second", Author: &discordgo.User{ID: "a"}},
			{ID: "20", Content: "first", Author: &discordgo.User{ID: "a"}},
		},
	}
	h := NewHistory(session)

	msgs, err := h.MessagesAfter(context.Background(), "guild-1",
		ingest.ChannelRef{ID: "c1", Name: "general"}, "0", 100)
	if err != nil {
		t.Fatalf("MessagesAfter: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if msgs[i].Content != want {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, want)
		}
	}
}

func TestHistory_MapsMessageFields(t *testing.T) {
	t.Parallel()

	posted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	edited := posted.Add(time.Minute)
	session := &discordmock.Session{
		Messages: []*discordgo.Message{{
			ID:      "555",
			Content: "look at this <@42>",
			Author: &discordgo.User{
				ID:         "42",
				Username:   "moss",
				GlobalName: "Moss",
			},
			Member:           &discordgo.Member{Nick: "mossy"},
			Timestamp:        posted,
			EditedTimestamp:  &edited,
			Pinned:           true,
			MessageReference: &discordgo.MessageReference{MessageID: "111"},
			Attachments: []*discordgo.MessageAttachment{{
				URL:         "https://cdn.example/map.png",
				ContentType: "image/png",
				Size:        2048,
			}},
		}},
	}
	h := NewHistory(session)

	msgs, err := h.MessagesAfter(context.Background(), "guild-1",
		ingest.ChannelRef{ID: "c1", Name: "general"}, "0", 100)
	if err != nil {
		t.Fatalf("MessagesAfter: %v", err)
	}
	got := msgs[0]

	if got.MessageID != "555" || got.ServerID != "guild-1" || got.Channel.Name != "general" {
		t.Errorf("identity = %s/%s/%s", got.MessageID, got.ServerID, got.Channel.Name)
	}
	if got.Author.Username != "moss" || got.Author.GlobalName != "Moss" || got.Author.Nick != "mossy" {
		t.Errorf("author = %+v", got.Author)
	}
	if !got.Timestamp.Equal(posted) || !got.Edited || !got.Pinned {
		t.Errorf("flags = ts %v edited %v pinned %v", got.Timestamp, got.Edited, got.Pinned)
	}
	if got.ReplyToID != "111" {
		t.Errorf("reply = %q", got.ReplyToID)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].ContentType != "image/png" {
		t.Errorf("attachments = %+v", got.Attachments)
	}
}

func TestHistory_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := NewHistory(&discordmock.Session{})
	if _, err := h.MessagesAfter(ctx, "guild-1", ingest.ChannelRef{ID: "c1"}, "0", 100); err == nil {
		t.Error("err = nil, want context error")
	}
}
