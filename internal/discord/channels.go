package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/feldrow/engram/internal/voice"
)

// ChannelManager creates and deletes the temporary voice channels owned by
// the voice manager.
type ChannelManager struct {
	session Session
}

var _ voice.ChannelAPI = (*ChannelManager)(nil)

// NewChannelManager creates a ChannelManager backed by session.
func NewChannelManager(session Session) *ChannelManager {
	return &ChannelManager{session: session}
}

// CreateVoiceChannel creates a voice channel named name in guildID and
// returns its ID.
func (c *ChannelManager) CreateVoiceChannel(guildID, name string) (string, error) {
	ch, err := c.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name: name,
		Type: discordgo.ChannelTypeGuildVoice,
	})
	if err != nil {
		return "", fmt.Errorf("discord: create voice channel %q in guild %s: %w", name, guildID, err)
	}
	return ch.ID, nil
}

// DeleteChannel deletes channelID.
func (c *ChannelManager) DeleteChannel(channelID string) error {
	if _, err := c.session.ChannelDelete(channelID); err != nil {
		return fmt.Errorf("discord: delete channel %s: %w", channelID, err)
	}
	return nil
}
