package discord

import (
	"log/slog"

	"github.com/feldrow/engram/internal/queue"
)

// messageLimit is the Discord hard cap on message content length.
const messageLimit = 2000

// Notifier delivers queue status updates and final answers to the DM channel
// a request came from. Status updates edit the request's status message in
// place so the user sees one message move through queued → processing →
// done instead of a scroll of bot spam; answers are always fresh messages.
//
// All delivery is best effort: a failed send is logged and dropped.
type Notifier struct {
	session Session
	log     *slog.Logger
}

var (
	_ queue.Notifier  = (*Notifier)(nil)
	_ queue.Responder = (*Notifier)(nil)
)

// NewNotifier creates a Notifier sending through session.
func NewNotifier(session Session, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{session: session, log: log}
}

// UpdateStatus edits the request's status message with text, sending a new
// message the first time and recording its ID on the request.
func (n *Notifier) UpdateStatus(req *queue.Request, text string) {
	text = clampMessage(text)

	if req.StatusMessageID != "" {
		_, err := n.session.ChannelMessageEdit(req.OriginChannelID, req.StatusMessageID, text)
		if err == nil {
			return
		}
		n.log.Warn("status edit failed, sending fresh message",
			"channel_id", req.OriginChannelID,
			"message_id", req.StatusMessageID,
			"error", err,
		)
	}

	msg, err := n.session.ChannelMessageSend(req.OriginChannelID, text)
	if err != nil {
		n.log.Warn("status send failed", "channel_id", req.OriginChannelID, "error", err)
		return
	}
	req.StatusMessageID = msg.ID
}

// SendResponse posts the final answer for req as a new message in its origin
// channel.
func (n *Notifier) SendResponse(req *queue.Request, text string) {
	if _, err := n.session.ChannelMessageSend(req.OriginChannelID, clampMessage(text)); err != nil {
		n.log.Warn("response send failed", "channel_id", req.OriginChannelID, "error", err)
	}
}

// clampMessage trims text to the Discord content limit on a rune boundary.
func clampMessage(text string) string {
	if len(text) <= messageLimit {
		return text
	}
	runes := []rune(text)
	const marker = "…"
	if len(runes) > messageLimit-1 {
		runes = runes[:messageLimit-1]
	}
	return string(runes) + marker
}
