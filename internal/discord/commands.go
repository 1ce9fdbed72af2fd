package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/feldrow/engram/internal/ingest"
	"github.com/feldrow/engram/internal/queue"
	"github.com/feldrow/engram/internal/serverconfig"
	"github.com/feldrow/engram/pkg/store"
)

// Canonical command reply prefixes. The leading markers are stable so users
// and tests can match on them.
const (
	QueueFullText      = "❌ **Queue Full** — too many pending requests, try again in a bit."
	RequestPendingText = "❌ **Request Pending** — you already have a request in progress."
	InvalidServerText  = "❌ **Invalid Server** — pick a name or number from the server list."
	NoServersText      = "❌ **No Servers** — we don't share any configured server yet."
	VoiceDisabledText  = "❌ **Voice Disabled** — voice capture is turned off."
)

// commandTimeout bounds the store lookups behind one command reply.
const commandTimeout = 10 * time.Second

// Commands implements the DM command set. Construct with NewCommands and
// attach to a router via Register.
type Commands struct {
	session       Session
	queue         *queue.Queue
	registry      *serverconfig.Registry
	conversations store.ConversationStore
	vectors       store.VectorStore
	stats         *ingest.Stats
	prefix        string
	voiceEnabled  bool
	historyLimit  int
	log           *slog.Logger

	// listings remembers, per user, the server order of the last listing the
	// bot sent, so a numeric selector like [2] resolves against what that
	// user actually saw.
	mu       sync.Mutex
	listings map[string][]string
}

// CommandsConfig wires the collaborators of [Commands].
type CommandsConfig struct {
	Session       Session
	Queue         *queue.Queue
	Registry      *serverconfig.Registry
	Conversations store.ConversationStore
	Vectors       store.VectorStore
	Stats         *ingest.Stats
	Prefix        string
	VoiceEnabled  bool

	// HistoryLimit caps how many stored turns the history command shows.
	// Zero means the default of 20.
	HistoryLimit int

	Logger *slog.Logger
}

// NewCommands creates the command set.
func NewCommands(cfg CommandsConfig) *Commands {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return &Commands{
		session:       cfg.Session,
		queue:         cfg.Queue,
		registry:      cfg.Registry,
		conversations: cfg.Conversations,
		vectors:       cfg.Vectors,
		stats:         cfg.Stats,
		prefix:        cfg.Prefix,
		voiceEnabled:  cfg.VoiceEnabled,
		historyLimit:  cfg.HistoryLimit,
		log:           log,
		listings:      make(map[string][]string),
	}
}

// Register attaches every command to the router.
func (c *Commands) Register(r *Router) {
	r.Handle("help", c.help)
	r.Handle("status", c.status)
	r.Handle("info", c.info)
	r.Handle("ask", c.ask)
	r.Handle("voice", c.voice)
	r.Handle("history", c.history)
	r.Handle("clear-conversation-history", c.clearHistory)
}

func (c *Commands) help(msg Incoming, _ string) {
	p := c.prefix
	var b strings.Builder
	b.WriteString("**engram commands**\n")
	fmt.Fprintf(&b, "`%shelp` — this text\n", p)
	fmt.Fprintf(&b, "`%sstatus` — indexing and queue status\n", p)
	fmt.Fprintf(&b, "`%sinfo` — about this bot\n", p)
	fmt.Fprintf(&b, "`%sask [server] <question>` — ask about a server's messages\n", p)
	fmt.Fprintf(&b, "`%svoice [server]` — start a voice capture session\n", p)
	fmt.Fprintf(&b, "`%shistory [server]` — show your recent stored conversation turns\n", p)
	fmt.Fprintf(&b, "`%sclear-conversation-history` — delete your stored conversation turns\n", p)
	fmt.Fprintf(&b, "\nThe server selector is the exact name or the number from the listing `%sask` prints, in brackets: `%sask [2] who fixed the deploy?`", p, p)
	c.reply(msg, b.String())
}

func (c *Commands) info(msg Incoming, _ string) {
	c.reply(msg, "**engram** indexes the messages of the servers it is invited to "+
		"and answers questions about them over DM. Voice sessions capture spoken "+
		"notes into searchable transcripts. Direct messages are never indexed.")
}

func (c *Commands) status(msg Incoming, _ string) {
	serverIDs := c.registry.ServerIDs()
	channels := 0
	for _, id := range serverIDs {
		chs, err := c.session.GuildChannels(id)
		if err != nil {
			continue
		}
		for _, ch := range chs {
			if ch.Type == discordgo.ChannelTypeGuildText {
				channels++
			}
		}
	}

	qs := c.queue.Stats()
	snap := c.stats.Snapshot()

	mode := "text only"
	if c.voiceEnabled {
		mode = "text + voice"
	}

	var b strings.Builder
	b.WriteString("**engram status**\n")
	fmt.Fprintf(&b, "servers: %d configured, %d text channels\n", len(serverIDs), channels)
	fmt.Fprintf(&b, "queue: %d waiting, %d active, %d completed, %d failed\n",
		qs.Queued, qs.Active, qs.Completed, qs.Failed)
	fmt.Fprintf(&b, "ingest: %d indexed, %d skipped, %d failed\n",
		snap.Totals.Indexed, snap.Totals.Skipped, snap.Totals.Failed)
	fmt.Fprintf(&b, "mode: %s", mode)
	c.reply(msg, b.String())
}

// ask enqueues a chat request for the selected server. Without a selector it
// prints the numbered server listing and enqueues nothing.
func (c *Commands) ask(msg Incoming, args string) {
	selector, question := splitSelector(args)
	if selector == "" {
		c.sendListing(msg)
		return
	}

	serverID, ok := c.resolveSelector(msg.UserID, selector)
	if !ok {
		c.reply(msg, InvalidServerText)
		return
	}
	if question == "" {
		c.reply(msg, fmt.Sprintf("❌ **Missing Question** — usage: `%sask [server] your question`.", c.prefix))
		return
	}

	c.enqueue(msg, &queue.Request{
		UserID:          msg.UserID,
		ServerID:        serverID,
		Message:         question,
		Type:            queue.TypeChat,
		OriginChannelID: msg.ChannelID,
	})
}

// voice enqueues a voice-session request, with the same selector rules as
// ask.
func (c *Commands) voice(msg Incoming, args string) {
	if !c.voiceEnabled {
		c.reply(msg, VoiceDisabledText)
		return
	}

	selector, _ := splitSelector(args)
	if selector == "" {
		c.sendListing(msg)
		return
	}

	serverID, ok := c.resolveSelector(msg.UserID, selector)
	if !ok {
		c.reply(msg, InvalidServerText)
		return
	}

	c.enqueue(msg, &queue.Request{
		UserID:          msg.UserID,
		ServerID:        serverID,
		Type:            queue.TypeVoice,
		OriginChannelID: msg.ChannelID,
	})
}

// enqueue submits req and reports rejections to the user. On acceptance the
// queue itself sends the queued status message, which the worker later edits
// in place.
func (c *Commands) enqueue(msg Incoming, req *queue.Request) {
	switch c.queue.Enqueue(req) {
	case queue.RejectedFull:
		c.reply(msg, QueueFullText)
	case queue.RejectedDuplicateUser:
		c.reply(msg, RequestPendingText)
	case queue.Accepted:
	}
}

// history shows the user's recent stored turns for a server — the audit view
// over what clear-conversation-history would delete. Same selector rules as
// ask.
func (c *Commands) history(msg Incoming, args string) {
	selector, _ := splitSelector(args)
	if selector == "" {
		c.sendListing(msg)
		return
	}

	serverID, ok := c.resolveSelector(msg.UserID, selector)
	if !ok {
		c.reply(msg, InvalidServerText)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	turns, err := c.conversations.History(ctx, msg.UserID, serverID, c.historyLimit)
	if err != nil {
		c.log.Error("history fetch failed",
			"user_id", msg.UserID, "server_id", serverID, "error", err)
		c.reply(msg, "❌ **History Unavailable** — could not load your turns, try again later.")
		return
	}
	if len(turns) == 0 {
		c.reply(msg, "No stored turns for that server yet.")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Your last %d turns**\n", len(turns))
	for _, t := range turns {
		fmt.Fprintf(&b, "`%s` **%s**: %s\n",
			t.Timestamp.UTC().Format("2006-01-02 15:04"), t.Role, previewTurn(t.Content))
	}
	c.reply(msg, b.String())
}

// previewTurn shortens a turn for the history listing.
func previewTurn(content string) string {
	const max = 120
	content = strings.ReplaceAll(content, "\n", " ")
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max]) + "…"
}

func (c *Commands) clearHistory(msg Incoming, _ string) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	// Turns are stored per server the question targeted, plus "0" for plain
	// DM chats; clearing wipes all of them for this user.
	serverIDs := append([]string{store.DMServerID}, c.registry.ServerIDs()...)

	var deleted int64
	for _, serverID := range serverIDs {
		n, err := c.conversations.ClearHistory(ctx, msg.UserID, serverID)
		if err != nil {
			c.log.Error("history clear failed",
				"user_id", msg.UserID, "server_id", serverID, "error", err)
			c.reply(msg, "❌ **Clear Failed** — could not delete your history, try again later.")
			return
		}
		deleted += n
	}
	c.reply(msg, fmt.Sprintf("✅ **History Cleared** — removed %d stored turns.", deleted))
}

// serverEntry is one row of the user-facing server listing.
type serverEntry struct {
	id   string
	name string
}

// sendListing prints the numbered listing of servers the user shares with
// the bot and remembers its order for numeric selectors.
func (c *Commands) sendListing(msg Incoming) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	entries := c.sharedServers(msg.UserID)
	if len(entries) == 0 {
		c.reply(msg, NoServersText)
		return
	}

	order := make([]string, len(entries))
	var b strings.Builder
	b.WriteString("**Your servers** — repeat the command with `[name]` or `[number]`:\n")
	for i, e := range entries {
		order[i] = e.id

		count, err := c.vectors.Count(ctx, e.id)
		if err != nil {
			count = 0
		}
		last := "never"
		if ts, ok, err := c.vectors.LatestTimestamp(ctx, e.id); err == nil && ok {
			last = ts.UTC().Format("2006-01-02")
		}
		fmt.Fprintf(&b, "%d. **%s** — configured, %d messages, last indexed %s\n",
			i+1, e.name, count, last)
	}

	c.mu.Lock()
	c.listings[msg.UserID] = order
	c.mu.Unlock()

	c.reply(msg, b.String())
}

// sharedServers returns the configured servers the user is a member of,
// sorted by name.
func (c *Commands) sharedServers(userID string) []serverEntry {
	var entries []serverEntry
	for _, id := range c.registry.ServerIDs() {
		if _, err := c.session.GuildMember(id, userID); err != nil {
			continue
		}
		name := id
		if cfg := c.registry.Get(id); cfg != nil && cfg.ServerName != "" {
			name = cfg.ServerName
		}
		entries = append(entries, serverEntry{id: id, name: name})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries
}

// resolveSelector maps a selector to a server ID: a number indexes the
// user's last listing, anything else matches an exact server name.
func (c *Commands) resolveSelector(userID, selector string) (string, bool) {
	if n, err := strconv.Atoi(selector); err == nil {
		c.mu.Lock()
		order := c.listings[userID]
		c.mu.Unlock()
		if n < 1 || n > len(order) {
			return "", false
		}
		return order[n-1], true
	}

	for _, id := range c.registry.ServerIDs() {
		cfg := c.registry.Get(id)
		if cfg != nil && cfg.ServerName == selector {
			return id, true
		}
	}
	return "", false
}

// splitSelector peels a leading bracketed server selector off the argument
// text: "[alpha] rest" → ("alpha", "rest").
func splitSelector(args string) (selector, rest string) {
	if !strings.HasPrefix(args, "[") {
		return "", args
	}
	end := strings.Index(args, "]")
	if end < 0 {
		return "", args
	}
	selector = strings.TrimSpace(args[1:end])
	rest = strings.TrimSpace(args[end+1:])
	return selector, rest
}

// reply sends text back to the command's channel, best effort.
func (c *Commands) reply(msg Incoming, text string) {
	if _, err := c.session.ChannelMessageSend(msg.ChannelID, clampMessage(text)); err != nil {
		c.log.Warn("command reply failed", "channel_id", msg.ChannelID, "error", err)
	}
}
