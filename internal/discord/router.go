package discord

import (
	"fmt"
	"log/slog"
	"strings"
)

// DMOnlyText answers command invocations from guild channels.
const DMOnlyText = "🔒 **DM Only** — send me this command in a direct message."

// Incoming is one user message as the router sees it. GuildID is empty for
// direct messages.
type Incoming struct {
	UserID    string
	ChannelID string
	GuildID   string
	Content   string
}

// Handler runs one command. args is the text after the command name, already
// trimmed.
type Handler func(msg Incoming, args string)

// Router parses prefix commands out of inbound messages and dispatches them.
// Commands are DM only: a known command arriving from a guild channel gets
// the lock reply instead of execution.
type Router struct {
	prefix   string
	session  Session
	log      *slog.Logger
	handlers map[string]Handler
}

// NewRouter creates a Router for the given command prefix.
func NewRouter(prefix string, session Session, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		prefix:   prefix,
		session:  session,
		log:      log,
		handlers: make(map[string]Handler),
	}
}

// Handle registers a command by name, without the prefix.
func (r *Router) Handle(name string, h Handler) {
	r.handlers[strings.ToLower(name)] = h
}

// Dispatch routes one message. It reports whether the message was a command
// invocation; non-command messages are left for the caller.
func (r *Router) Dispatch(msg Incoming) bool {
	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, r.prefix) {
		return false
	}

	name, args, _ := strings.Cut(strings.TrimPrefix(content, r.prefix), " ")
	name = strings.ToLower(name)
	args = strings.TrimSpace(args)
	if name == "" {
		return false
	}

	handler, known := r.handlers[name]

	if msg.GuildID != "" {
		// Guild invocation of a real command: point the user at DMs.
		// Anything else in a guild channel is ordinary message traffic.
		if known {
			r.reply(msg, DMOnlyText)
			return true
		}
		return false
	}

	if !known {
		r.reply(msg, fmt.Sprintf("❌ **Unknown Command** — try `%shelp`.", r.prefix))
		return true
	}

	r.log.Debug("command dispatched", "command", name, "user_id", msg.UserID)
	handler(msg, args)
	return true
}

// reply sends text to the message's channel, best effort.
func (r *Router) reply(msg Incoming, text string) {
	if _, err := r.session.ChannelMessageSend(msg.ChannelID, text); err != nil {
		r.log.Warn("command reply failed", "channel_id", msg.ChannelID, "error", err)
	}
}
