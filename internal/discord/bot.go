// Package discord is the Discord adapter layer: it owns the
// discordgo.Session lifecycle, turns gateway events into pipeline input and
// DM commands, and implements the channel, history, and name-lookup
// interfaces the rest of engram consumes.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/feldrow/engram/internal/extract"
	"github.com/feldrow/engram/internal/ingest"
	"github.com/feldrow/engram/internal/serverconfig"
	"github.com/feldrow/engram/internal/voice"
	"github.com/feldrow/engram/pkg/audio"
	discordaudio "github.com/feldrow/engram/pkg/audio/discord"
)

// MessageSink accepts batches of raw guild messages. The ingest pipeline
// implements it.
type MessageSink interface {
	Process(ctx context.Context, batch []ingest.RawMessage) []ingest.Result
}

// Bot owns the gateway connection. It routes DM commands through the router
// and feeds guild messages into the pipeline; everything else in this
// package talks to Discord through the [Session] interface the bot exposes.
type Bot struct {
	session  *discordgo.Session
	router   *Router
	pipeline MessageSink
	registry *serverconfig.Registry
	log      *slog.Logger

	// runCtx parents the per-message pipeline calls; set by Open.
	mu     sync.Mutex
	runCtx context.Context

	closeOnce sync.Once
}

// NewSession creates a configured but unopened discordgo session for token.
// Split from NewBot so collaborators built on the [Session] interface can be
// constructed before the bot itself.
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildVoiceStates
	return session, nil
}

// NewBot wires the bot around an unopened session.
func NewBot(session *discordgo.Session, router *Router, pipeline MessageSink, registry *serverconfig.Registry, log *slog.Logger) *Bot {
	if log == nil {
		log = slog.Default()
	}
	return &Bot{
		session:  session,
		router:   router,
		pipeline: pipeline,
		registry: registry,
		log:      log,
	}
}

// Session returns the underlying discordgo session for collaborators that
// need the raw API surface.
func (b *Bot) Session() *discordgo.Session {
	return b.session
}

// Connector returns the voice connector joining channels through this bot's
// session.
func (b *Bot) Connector() voice.Connector {
	return &connector{session: b.session}
}

// Open registers the event handlers and connects to the gateway. ctx parents
// the pipeline work spawned per inbound message and should stay alive until
// Close.
func (b *Bot) Open(ctx context.Context) error {
	b.mu.Lock()
	b.runCtx = ctx
	b.mu.Unlock()

	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onGuildCreate)
	b.session.AddHandler(b.onGuildUpdate)
	b.session.AddHandler(b.onMessageCreate)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	return nil
}

// Close disconnects from the gateway. Safe to call more than once.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
	})
	return closeErr
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.log.Info("discord gateway ready",
		"username", r.User.Username,
		"guilds", len(r.Guilds),
	)
}

// onGuildCreate fires on connect for every guild the bot is in and again
// when it is invited somewhere new; both paths provision the server.
func (b *Bot) onGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	ctx := b.ctx()
	created, err := b.registry.EnsureConfigured(ctx, g.ID, g.Name)
	if err != nil {
		b.log.Error("server provisioning failed", "server_id", g.ID, "error", err)
		return
	}
	if created {
		b.log.Info("new server configured", "server_id", g.ID, "server_name", g.Name)
	}
}

func (b *Bot) onGuildUpdate(_ *discordgo.Session, g *discordgo.GuildUpdate) {
	if err := b.registry.UpdateNameIfChanged(b.ctx(), g.ID, g.Name); err != nil {
		b.log.Error("server rename not persisted", "server_id", g.ID, "error", err)
	}
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID {
		return
	}

	incoming := Incoming{
		UserID:    m.Author.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
	}

	if m.GuildID == "" {
		if m.Author.Bot {
			return
		}
		b.router.Dispatch(incoming)
		return
	}

	// Known commands typed into guild channels get the DM-only reply and are
	// not indexed; everything else is server content for the pipeline.
	if b.router.Dispatch(incoming) {
		return
	}

	raw := b.rawFromEvent(s, m)
	ctx := b.ctx()
	go func() {
		if ctx.Err() != nil {
			return
		}
		b.pipeline.Process(ctx, []ingest.RawMessage{raw})
	}()
}

// rawFromEvent converts a gateway message event to the pipeline's input
// shape, resolving the channel name from the state cache when possible.
func (b *Bot) rawFromEvent(s *discordgo.Session, m *discordgo.MessageCreate) ingest.RawMessage {
	channel := ingest.ChannelRef{ID: m.ChannelID}
	if ch, err := s.State.Channel(m.ChannelID); err == nil {
		channel.Name = ch.Name
	} else if ch, err := b.session.Channel(m.ChannelID); err == nil {
		channel.Name = ch.Name
	}

	raw := ingest.RawMessage{
		MessageID: m.ID,
		ServerID:  m.GuildID,
		Channel:   channel,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Edited:    m.EditedTimestamp != nil,
		Pinned:    m.Pinned,
		Author: ingest.Author{
			ID:         m.Author.ID,
			Username:   m.Author.Username,
			GlobalName: m.Author.GlobalName,
			Bot:        m.Author.Bot,
		},
	}
	if m.Member != nil {
		raw.Author.Nick = m.Member.Nick
	}
	if ref := m.MessageReference; ref != nil {
		raw.ReplyToID = ref.MessageID
	}
	for _, att := range m.Attachments {
		raw.Attachments = append(raw.Attachments, extract.Attachment{
			URL:         att.URL,
			ContentType: att.ContentType,
			Size:        att.Size,
		})
	}
	return raw
}

func (b *Bot) ctx() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runCtx != nil {
		return b.runCtx
	}
	return context.Background()
}

// connector joins voice channels across guilds by building a per-guild audio
// platform on demand.
type connector struct {
	session *discordgo.Session
}

var _ voice.Connector = (*connector)(nil)

func (c *connector) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	return discordaudio.New(c.session, guildID).Connect(ctx, channelID)
}
