package discord

import (
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"

	discordmock "github.com/feldrow/engram/internal/discord/mock"
	"github.com/feldrow/engram/internal/transcript"
)

var errForTest = errors.New("api failure")

func TestResolver_UserName(t *testing.T) {
	t.Parallel()

	session := &discordmock.Session{
		Users: map[string]*discordgo.User{"42": {ID: "42", Username: "moss"}},
	}
	r := NewResolver(session, quietLogger())

	name, ok := r.UserName("42")
	if !ok || name != "moss" {
		t.Fatalf("UserName = %q/%v", name, ok)
	}

	// Cached: the answer survives the user disappearing from the API.
	delete(session.Users, "42")
	if name, ok = r.UserName("42"); !ok || name != "moss" {
		t.Errorf("cached UserName = %q/%v", name, ok)
	}
}

func TestResolver_MissesAreCached(t *testing.T) {
	t.Parallel()

	session := &discordmock.Session{}
	r := NewResolver(session, quietLogger())

	if _, ok := r.UserName("404"); ok {
		t.Fatal("unknown user resolved")
	}

	// A later appearance does not flip the cached miss; name churn is rare
	// enough that process-lifetime caching is acceptable.
	session.Users = map[string]*discordgo.User{"404": {Username: "late"}}
	if _, ok := r.UserName("404"); ok {
		t.Error("cached miss was re-resolved")
	}
}

func TestResolver_ChannelName(t *testing.T) {
	t.Parallel()

	session := &discordmock.Session{
		Channels: map[string]*discordgo.Channel{"7": {ID: "7", Name: "ops"}},
	}
	r := NewResolver(session, quietLogger())

	name, ok := r.ChannelName("7")
	if !ok || name != "ops" {
		t.Errorf("ChannelName = %q/%v", name, ok)
	}
	if _, ok := r.ChannelName("8"); ok {
		t.Error("unknown channel resolved")
	}
}

func TestResolver_GuildVocabulary(t *testing.T) {
	t.Parallel()

	session := &discordmock.Session{
		GuildMembersResult: []*discordgo.Member{
			{Nick: "Feldrow", User: &discordgo.User{ID: "1", Username: "feld", GlobalName: "Feld"}},
			{User: &discordgo.User{ID: "2", Username: "bot-helper", Bot: true}},
		},
		GuildChannelsResult: []*discordgo.Channel{{ID: "c1", Name: "tavern-talk"}},
	}
	r := NewResolver(session, quietLogger())

	vocab := r.GuildVocabulary("guild-1")
	if vocab.Len() == 0 {
		t.Fatal("vocabulary is empty")
	}

	// The corrector should now fix a mis-heard member name.
	corrector := transcript.New()
	fixed, _ := corrector.Correct("ask feldro about the tavern", vocab)
	if fixed != "ask Feldrow about the tavern" {
		t.Errorf("corrected = %q", fixed)
	}
}

func TestResolver_VocabularySurvivesAPIFailure(t *testing.T) {
	t.Parallel()

	session := &discordmock.Session{
		GuildChannelsErr:    errForTest,
		GuildMembersResult:  nil,
		GuildChannelsResult: nil,
	}
	r := NewResolver(session, quietLogger())

	if vocab := r.GuildVocabulary("guild-1"); vocab == nil {
		t.Fatal("vocabulary = nil, want empty vocabulary")
	}
}
