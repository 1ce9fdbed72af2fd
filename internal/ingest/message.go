package ingest

import (
	"strings"
	"time"

	"github.com/feldrow/engram/internal/extract"
	"github.com/feldrow/engram/pkg/store"
)

// Author identifies who wrote a message, with every name variant Discord
// exposes. Search results pick a display name in priority order
// display_name > global_name > nick > username.
type Author struct {
	ID          string
	Username    string
	DisplayName string
	GlobalName  string
	Nick        string
	Bot         bool
}

// ChannelRef locates the channel a message was posted in.
type ChannelRef struct {
	ID   string
	Name string
}

// RawMessage is one guild message as delivered by the Discord adapter,
// either live or from a history page.
type RawMessage struct {
	MessageID   string
	ServerID    string
	Channel     ChannelRef
	Author      Author
	Content     string
	Attachments []extract.Attachment
	Timestamp   time.Time
	ReplyToID   string
	Edited      bool
	Pinned      bool
}

// contentClass is the step-2 classification of a message's content.
type contentClass struct {
	hasText     bool
	hasImages   bool
	hasURLs     bool
	hasMentions bool
	isEmpty     bool
}

// classify inspects a message and reports which pipeline stages apply.
func classify(msg RawMessage) contentClass {
	var c contentClass
	c.hasText = strings.TrimSpace(msg.Content) != ""
	c.hasURLs = len(extract.FindURLs(msg.Content)) > 0
	c.hasMentions = strings.Contains(msg.Content, "<@") || strings.Contains(msg.Content, "<#")
	for _, att := range msg.Attachments {
		if strings.HasPrefix(att.ContentType, "image/") {
			c.hasImages = true
			break
		}
	}
	c.isEmpty = !c.hasText && !c.hasImages
	return c
}

// normalizeMetadata builds the canonical metadata record for one message.
// Timestamps are stored as RFC 3339 UTC so lexical order matches time order.
func normalizeMetadata(msg RawMessage) store.Metadata {
	return store.Metadata{
		store.MetaAuthorName:        msg.Author.Username,
		store.MetaAuthorDisplayName: msg.Author.DisplayName,
		store.MetaAuthorGlobalName:  msg.Author.GlobalName,
		store.MetaAuthorNick:        msg.Author.Nick,
		store.MetaChannelName:       msg.Channel.Name,
		store.MetaTimestamp:         msg.Timestamp.UTC().Format(time.RFC3339),
		store.MetaMessageID:         msg.MessageID,
		store.MetaServerID:          msg.ServerID,
	}
}

// compositeText joins message content, link summaries, and image captions
// into the text that gets embedded. Empty parts are dropped.
func compositeText(content string, summaries []extract.LinkSummary, captions []string) string {
	parts := make([]string, 0, 3)
	if s := strings.TrimSpace(content); s != "" {
		parts = append(parts, s)
	}
	if len(summaries) > 0 {
		lines := make([]string, 0, len(summaries))
		for _, s := range summaries {
			lines = append(lines, s.URL+": "+s.Summary)
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	if len(captions) > 0 {
		parts = append(parts, strings.Join(captions, "\n"))
	}
	return strings.Join(parts, "\n\n")
}
