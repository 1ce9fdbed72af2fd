// Package mock provides an in-memory test double for the discord.Session
// interface.
//
// Session records every API call and returns scripted values. It is safe for
// concurrent use.
package mock

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// SentMessage records one ChannelMessageSend call.
type SentMessage struct {
	ChannelID string
	Content   string
}

// EditedMessage records one ChannelMessageEdit call.
type EditedMessage struct {
	ChannelID string
	MessageID string
	Content   string
}

// Session is a configurable test double for the discord session surface.
// Zero values yield empty results and nil errors; set the *Err fields to
// inject failures.
type Session struct {
	mu sync.Mutex

	// Sent and Edited record plain message sends and edits in order.
	Sent   []SentMessage
	Edited []EditedMessage

	// Embeds and EmbedEdits record embed sends and edits in order.
	Embeds     []*discordgo.MessageEmbed
	EmbedEdits []*discordgo.MessageEmbed

	// nextMessageID numbers the stub messages returned from sends.
	nextMessageID int

	// SendErr is returned by message sends and edits when non-nil.
	SendErr error

	// EditErr is returned by ChannelMessageEdit when non-nil, independent of
	// SendErr, so edit-then-send fallbacks can be exercised.
	EditErr error

	// Channels maps channel IDs to scripted channels for Channel lookups.
	Channels map[string]*discordgo.Channel

	// GuildChannelsResult is returned by GuildChannels.
	GuildChannelsResult []*discordgo.Channel

	// GuildChannelsErr is returned by GuildChannels when non-nil.
	GuildChannelsErr error

	// CreatedChannels records GuildChannelCreateComplex names; the returned
	// channel IDs are "created-1", "created-2", …
	CreatedChannels []string

	// CreateChannelErr is returned by GuildChannelCreateComplex when non-nil.
	CreateChannelErr error

	// DeletedChannels records ChannelDelete calls.
	DeletedChannels []string

	// DeleteChannelErr is returned by ChannelDelete when non-nil.
	DeleteChannelErr error

	// Messages is returned by ChannelMessages.
	Messages []*discordgo.Message

	// MessagesErr is returned by ChannelMessages when non-nil.
	MessagesErr error

	// Members maps "guildID/userID" to scripted members for GuildMember.
	// Lookups that miss return an error, mirroring the REST API.
	Members map[string]*discordgo.Member

	// GuildMembersResult is returned by GuildMembers.
	GuildMembersResult []*discordgo.Member

	// Users maps user IDs to scripted users for User lookups.
	Users map[string]*discordgo.User

	// DMChannelID is the channel ID returned by UserChannelCreate; defaults
	// to "dm-<userID>".
	DMChannelID string
}

// LastSent returns the most recently sent plain message, or the zero value.
func (s *Session) LastSent() SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Sent) == 0 {
		return SentMessage{}
	}
	return s.Sent[len(s.Sent)-1]
}

// SentTo returns all message contents sent to channelID, in order.
func (s *Session) SentTo(channelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.Sent {
		if m.ChannelID == channelID {
			out = append(out, m.Content)
		}
	}
	return out
}

// ChannelMessageSend implements discord.Session.
func (s *Session) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return nil, s.SendErr
	}
	s.Sent = append(s.Sent, SentMessage{ChannelID: channelID, Content: content})
	s.nextMessageID++
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", s.nextMessageID), ChannelID: channelID}, nil
}

// ChannelMessageEdit implements discord.Session.
func (s *Session) ChannelMessageEdit(channelID, messageID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return nil, s.SendErr
	}
	if s.EditErr != nil {
		return nil, s.EditErr
	}
	s.Edited = append(s.Edited, EditedMessage{ChannelID: channelID, MessageID: messageID, Content: content})
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, nil
}

// ChannelMessageSendEmbed implements discord.Session.
func (s *Session) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return nil, s.SendErr
	}
	s.Embeds = append(s.Embeds, embed)
	s.nextMessageID++
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", s.nextMessageID), ChannelID: channelID}, nil
}

// ChannelMessageEditEmbed implements discord.Session.
func (s *Session) ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return nil, s.SendErr
	}
	s.EmbedEdits = append(s.EmbedEdits, embed)
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, nil
}

// ChannelMessages implements discord.Session.
func (s *Session) ChannelMessages(_ string, limit int, _, _, _ string, _ ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MessagesErr != nil {
		return nil, s.MessagesErr
	}
	if limit > 0 && limit < len(s.Messages) {
		return s.Messages[:limit], nil
	}
	return s.Messages, nil
}

// Channel implements discord.Session.
func (s *Session) Channel(channelID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.Channels[channelID]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("mock: unknown channel %s", channelID)
}

// ChannelDelete implements discord.Session.
func (s *Session) ChannelDelete(channelID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteChannelErr != nil {
		return nil, s.DeleteChannelErr
	}
	s.DeletedChannels = append(s.DeletedChannels, channelID)
	return &discordgo.Channel{ID: channelID}, nil
}

// GuildChannels implements discord.Session.
func (s *Session) GuildChannels(_ string, _ ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GuildChannelsErr != nil {
		return nil, s.GuildChannelsErr
	}
	return s.GuildChannelsResult, nil
}

// GuildChannelCreateComplex implements discord.Session.
func (s *Session) GuildChannelCreateComplex(_ string, data discordgo.GuildChannelCreateData, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateChannelErr != nil {
		return nil, s.CreateChannelErr
	}
	s.CreatedChannels = append(s.CreatedChannels, data.Name)
	return &discordgo.Channel{
		ID:   fmt.Sprintf("created-%d", len(s.CreatedChannels)),
		Name: data.Name,
		Type: data.Type,
	}, nil
}

// GuildMember implements discord.Session.
func (s *Session) GuildMember(guildID, userID string, _ ...discordgo.RequestOption) (*discordgo.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.Members[guildID+"/"+userID]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("mock: %s is not a member of %s", userID, guildID)
}

// GuildMembers implements discord.Session.
func (s *Session) GuildMembers(_, _ string, _ int, _ ...discordgo.RequestOption) ([]*discordgo.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.GuildMembersResult, nil
}

// User implements discord.Session.
func (s *Session) User(userID string, _ ...discordgo.RequestOption) (*discordgo.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.Users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("mock: unknown user %s", userID)
}

// UserChannelCreate implements discord.Session.
func (s *Session) UserChannelCreate(recipientID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.DMChannelID
	if id == "" {
		id = "dm-" + recipientID
	}
	return &discordgo.Channel{ID: id, Type: discordgo.ChannelTypeDM}, nil
}
