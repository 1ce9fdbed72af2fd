package discord

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/bwmarrin/discordgo"

	"github.com/feldrow/engram/internal/extract"
	"github.com/feldrow/engram/internal/ingest"
)

// History serves channel listings and message history pages to the backfill
// scanner over the REST API.
type History struct {
	session Session
}

var _ ingest.HistorySource = (*History)(nil)

// NewHistory creates a History backed by session.
func NewHistory(session Session) *History {
	return &History{session: session}
}

// TextChannels lists the guild's text channels.
func (h *History) TextChannels(guildID string) ([]ingest.ChannelRef, error) {
	channels, err := h.session.GuildChannels(guildID)
	if err != nil {
		return nil, fmt.Errorf("discord: list channels for guild %s: %w", guildID, err)
	}

	var refs []ingest.ChannelRef
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		refs = append(refs, ingest.ChannelRef{ID: ch.ID, Name: ch.Name})
	}
	return refs, nil
}

// MessagesAfter fetches up to limit messages posted strictly after the
// afterID snowflake, oldest first.
func (h *History) MessagesAfter(ctx context.Context, guildID string, channel ingest.ChannelRef, afterID string, limit int) ([]ingest.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	page, err := h.session.ChannelMessages(channel.ID, limit, "", afterID, "")
	if err != nil {
		return nil, fmt.Errorf("discord: fetch messages for channel %s: %w", channel.ID, err)
	}

	// The API does not promise an order for after-cursor pages; sort by
	// snowflake so the scanner's cursor advances monotonically.
	sort.Slice(page, func(i, j int) bool {
		return snowflakeLess(page[i].ID, page[j].ID)
	})

	out := make([]ingest.RawMessage, 0, len(page))
	for _, msg := range page {
		out = append(out, rawMessage(guildID, channel, msg))
	}
	return out, nil
}

// rawMessage converts one API message to the pipeline's input shape.
func rawMessage(guildID string, channel ingest.ChannelRef, msg *discordgo.Message) ingest.RawMessage {
	raw := ingest.RawMessage{
		MessageID: msg.ID,
		ServerID:  guildID,
		Channel:   channel,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		Edited:    msg.EditedTimestamp != nil,
		Pinned:    msg.Pinned,
	}
	if msg.Author != nil {
		raw.Author = ingest.Author{
			ID:         msg.Author.ID,
			Username:   msg.Author.Username,
			GlobalName: msg.Author.GlobalName,
			Bot:        msg.Author.Bot,
		}
	}
	if msg.Member != nil {
		raw.Author.Nick = msg.Member.Nick
	}
	if ref := msg.MessageReference; ref != nil {
		raw.ReplyToID = ref.MessageID
	}
	for _, att := range msg.Attachments {
		raw.Attachments = append(raw.Attachments, extract.Attachment{
			URL:         att.URL,
			ContentType: att.ContentType,
			Size:        att.Size,
		})
	}
	return raw
}

// snowflakeLess orders two Discord snowflakes numerically, falling back to
// string order when either fails to parse.
func snowflakeLess(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA != nil || errB != nil {
		return a < b
	}
	return na < nb
}
