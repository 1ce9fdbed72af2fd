package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/feldrow/engram/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

// inputChannelBuffer sizes each per-participant frame channel. At 20 ms per
// Opus frame this is ~1.3 s of audio headroom before frames are dropped.
const inputChannelBuffer = 64

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. It demuxes incoming Opus packets by SSRC into
// per-participant PCM input streams, resolving SSRCs to Discord user IDs via
// speaking updates so downstream consumers work with stable user identities.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	session *discordgo.Session
	guildID string

	inputsMu sync.RWMutex
	inputs   map[string]chan audio.Frame // keyed by user ID, SSRC string until resolved
	ssrcUser map[uint32]string           // SSRC -> userID, from VoiceSpeakingUpdate

	changeCb func(audio.Event)
	changeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC is called during Disconnect to tear down the voice
	// connection. Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts the receive loop.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string) (*Connection, error) {
	c := &Connection{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		inputs:       make(map[string]chan audio.Frame),
		ssrcUser:     make(map[uint32]string),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}

	// VoiceStateUpdate detects participant join/leave on our channel.
	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)

	// VoiceSpeakingUpdate carries the SSRC -> user ID mapping. Discord sends
	// one for each participant before their first audio packet arrives.
	vc.AddHandler(c.handleSpeakingUpdate)

	go c.recvLoop()

	return c, nil
}

// InputStreams returns a snapshot of the current per-participant audio
// channels, keyed by Discord user ID (or the SSRC as a decimal string for
// participants whose speaking update has not arrived yet).
func (c *Connection) InputStreams() map[string]<-chan audio.Frame {
	c.inputsMu.RLock()
	defer c.inputsMu.RUnlock()
	snap := make(map[string]<-chan audio.Frame, len(c.inputs))
	for id, ch := range c.inputs {
		snap[id] = ch
	}
	return snap
}

// OnParticipantChange registers cb as the callback for participant join/leave
// events. Only one callback may be registered; subsequent calls replace the
// previous one.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Disconnect cleanly tears down the voice connection and stops the receive
// loop. It is safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if c.removeHandler != nil {
			c.removeHandler()
		}

		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}

		// Close all input channels so downstream consumers see EOF.
		c.inputsMu.Lock()
		for id, ch := range c.inputs {
			close(ch)
			delete(c.inputs, id)
		}
		c.inputsMu.Unlock()
	})
	return err
}

// recvLoop reads Opus packets from the Discord voice connection, demuxes them
// by SSRC, decodes Opus to PCM and delivers Frames to per-participant
// channels. Frames are dropped rather than blocking when a consumer falls
// behind.
func (c *Connection) recvLoop() {
	// Each SSRC gets its own decoder to maintain state across frames.
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			ch, created := c.inputFor(pkt.SSRC)
			if ch == nil {
				// Connection is shutting down.
				continue
			}
			if created {
				c.emitEvent(audio.Event{
					Type:   audio.EventJoin,
					UserID: c.streamKey(pkt.SSRC),
				})
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
				continue
			}

			frame := audio.Frame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Timestamp:  time.Duration(pkt.Timestamp) * time.Second / time.Duration(opusSampleRate),
			}

			select {
			case ch <- frame:
			default:
				// Channel full — drop frame rather than block.
			}
		}
	}
}

// inputFor returns the input channel for the given SSRC, creating it when a
// participant is heard for the first time. The second return reports whether
// the channel was newly created.
func (c *Connection) inputFor(ssrc uint32) (chan audio.Frame, bool) {
	key := c.streamKey(ssrc)

	c.inputsMu.Lock()
	defer c.inputsMu.Unlock()

	select {
	case <-c.done:
		return nil, false
	default:
	}

	if ch, ok := c.inputs[key]; ok {
		return ch, false
	}

	// The speaking update may have arrived after the first packets: migrate
	// the provisional SSRC-keyed channel to the resolved user ID.
	ssrcKey := strconv.FormatUint(uint64(ssrc), 10)
	if key != ssrcKey {
		if ch, ok := c.inputs[ssrcKey]; ok {
			delete(c.inputs, ssrcKey)
			c.inputs[key] = ch
			return ch, false
		}
	}

	ch := make(chan audio.Frame, inputChannelBuffer)
	c.inputs[key] = ch
	return ch, true
}

// streamKey resolves an SSRC to its Discord user ID, falling back to the SSRC
// in decimal when no speaking update has been seen yet.
func (c *Connection) streamKey(ssrc uint32) string {
	c.inputsMu.RLock()
	userID, ok := c.ssrcUser[ssrc]
	c.inputsMu.RUnlock()
	if ok && userID != "" {
		return userID
	}
	return strconv.FormatUint(uint64(ssrc), 10)
}

// handleSpeakingUpdate records the SSRC -> user ID mapping Discord announces
// before a participant's audio starts flowing.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.inputsMu.Lock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	c.inputsMu.Unlock()
}

// handleVoiceStateUpdate processes Discord VoiceStateUpdate events to detect
// participant joins and leaves for the voice channel this connection is on.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID {
		return
	}

	channelID := c.vc.ChannelID

	// Participant left our channel.
	if vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID && vsu.ChannelID != channelID {
		c.emitEvent(audio.Event{
			Type:     audio.EventLeave,
			UserID:   vsu.UserID,
			Username: memberUsername(vsu.Member),
		})
		return
	}

	// Participant joined our channel.
	if vsu.ChannelID == channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID) {
		c.emitEvent(audio.Event{
			Type:     audio.EventJoin,
			UserID:   vsu.UserID,
			Username: memberUsername(vsu.Member),
		})
	}
}

// emitEvent safely invokes the registered participant change callback.
func (c *Connection) emitEvent(ev audio.Event) {
	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}

func memberUsername(m *discordgo.Member) string {
	if m == nil || m.User == nil {
		return ""
	}
	return m.User.Username
}
