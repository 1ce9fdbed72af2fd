// Package audio defines the interfaces and types for voice-channel capture
// within engram.
//
// The two primary abstractions are:
//
//   - [Platform] — connects to a voice channel and returns a [Connection].
//   - [Connection] — represents an active session on that channel, giving the
//     voice manager per-participant input streams and lifecycle events.
//
// The bot only listens; there is no output path. Implementations of these
// interfaces live in platform-specific adapter packages (audio/discord).
package audio

import (
	"context"
	"time"
)

// Frame represents a single frame of captured audio.
type Frame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (48000 for Discord Opus decode output).
	SampleRate int

	// Channels: 2 for Discord voice, 1 after downmix.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// EventType classifies participant lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant lifecycle change on a voice channel.
type Event struct {
	// Type indicates whether the participant joined or left.
	Type EventType

	// UserID is the platform-specific unique identifier for the participant.
	UserID string

	// Username is the human-readable name of the participant, when known.
	Username string
}

// Connection represents an active capture session on a voice channel.
//
// A Connection is obtained from [Platform.Connect] and remains valid until
// [Connection.Disconnect] is called. All channels returned by Connection
// methods are closed automatically when the connection terminates.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// InputStreams returns a snapshot of the current per-participant audio
	// channels. The map key is the platform-specific participant ID; the
	// value is a read-only channel delivering [Frame] values as they arrive.
	// Callers should call InputStreams again after an [EventJoin] to pick up
	// newly added channels.
	InputStreams() map[string]<-chan Frame

	// OnParticipantChange registers cb as the callback for participant
	// join/leave events. Only one callback may be registered; subsequent
	// calls replace the previous one. The callback is invoked on an internal
	// goroutine — it must not block.
	OnParticipantChange(cb func(Event))

	// Disconnect cleanly tears down the connection and closes all input
	// channels. Safe to call more than once; subsequent calls return nil.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by channelID and returns an
	// active [Connection]. ctx governs the connection attempt only; once
	// connected, the Connection lives until Disconnect.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
