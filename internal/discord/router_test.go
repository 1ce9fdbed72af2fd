package discord

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	discordmock "github.com/feldrow/engram/internal/discord/mock"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dm(userID, content string) Incoming {
	return Incoming{UserID: userID, ChannelID: "dm-" + userID, Content: content}
}

func TestRouter_DispatchesDMCommand(t *testing.T) {
	t.Parallel()

	session := &discordmock.Session{}
	r := NewRouter("!", session, quietLogger())

	var gotArgs string
	r.Handle("ask", func(_ Incoming, args string) { gotArgs = args })

	if !r.Dispatch(dm("u1", "!ask  [alpha] who broke the build?")) {
		t.Fatal("Dispatch = false, want true")
	}
	if gotArgs != "[alpha] who broke the build?" {
		t.Errorf("args = %q", gotArgs)
	}
}

func TestRouter_CommandNameIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	r := NewRouter("!", &discordmock.Session{}, quietLogger())
	called := false
	r.Handle("help", func(Incoming, string) { called = true })

	r.Dispatch(dm("u1", "!HELP"))
	if !called {
		t.Error("mixed-case invocation not dispatched")
	}
}

func TestRouter_GuildCommandGetsLockReply(t *testing.T) {
	t.Parallel()

	session := &discordmock.Session{}
	r := NewRouter("!", session, quietLogger())
	r.Handle("ask", func(Incoming, string) { t.Error("handler ran for guild invocation") })

	msg := Incoming{UserID: "u1", ChannelID: "chan-1", GuildID: "guild-1", Content: "!ask [1] hi"}
	if !r.Dispatch(msg) {
		t.Fatal("Dispatch = false, want true")
	}
	if got := session.LastSent(); got.Content != DMOnlyText || got.ChannelID != "chan-1" {
		t.Errorf("reply = %+v, want the DM-only text in the origin channel", got)
	}
}

func TestRouter_GuildTrafficIgnored(t *testing.T) {
	t.Parallel()

	session := &discordmock.Session{}
	r := NewRouter("!", session, quietLogger())
	r.Handle("ask", func(Incoming, string) {})

	// Ordinary guild chatter, even prefixed text that is not a known
	// command, is not a command invocation.
	for _, content := range []string{"just chatting", "!unknown thing", "!"} {
		msg := Incoming{UserID: "u1", ChannelID: "chan-1", GuildID: "guild-1", Content: content}
		if r.Dispatch(msg) {
			t.Errorf("Dispatch(%q) = true, want false", content)
		}
	}
	if len(session.Sent) != 0 {
		t.Errorf("replies sent = %d, want 0", len(session.Sent))
	}
}

func TestRouter_UnknownDMCommand(t *testing.T) {
	t.Parallel()

	session := &discordmock.Session{}
	r := NewRouter("!", session, quietLogger())

	if !r.Dispatch(dm("u1", "!frobnicate")) {
		t.Fatal("Dispatch = false, want true")
	}
	reply := session.LastSent().Content
	if !strings.HasPrefix(reply, "❌ **Unknown Command**") || !strings.Contains(reply, "!help") {
		t.Errorf("reply = %q", reply)
	}
}

func TestRouter_NonPrefixedDMIgnored(t *testing.T) {
	t.Parallel()

	session := &discordmock.Session{}
	r := NewRouter("!", session, quietLogger())
	r.Handle("help", func(Incoming, string) { t.Error("handler ran") })

	if r.Dispatch(dm("u1", "hello bot")) {
		t.Error("Dispatch = true, want false")
	}
	if len(session.Sent) != 0 {
		t.Errorf("replies sent = %d, want 0", len(session.Sent))
	}
}

func TestRouter_CustomPrefix(t *testing.T) {
	t.Parallel()

	r := NewRouter("?", &discordmock.Session{}, quietLogger())
	called := false
	r.Handle("info", func(Incoming, string) { called = true })

	r.Dispatch(dm("u1", "?info"))
	if !called {
		t.Error("custom prefix not honored")
	}
	if r.Dispatch(dm("u1", "!info")) {
		t.Error("default prefix dispatched under custom prefix")
	}
}
