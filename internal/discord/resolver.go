package discord

import (
	"log/slog"
	"sync"

	"github.com/feldrow/engram/internal/extract"
	"github.com/feldrow/engram/internal/transcript"
)

// Resolver answers name lookups for mention rewriting and builds per-guild
// vocabularies for transcript correction. Lookups go through the REST API and
// are cached for the process lifetime; user and channel names change rarely
// enough that staleness is acceptable.
type Resolver struct {
	session Session
	log     *slog.Logger

	mu       sync.Mutex
	users    map[string]lookup
	channels map[string]lookup
}

// lookup caches one resolution, including misses so unknown IDs do not hit
// the API on every message.
type lookup struct {
	name string
	ok   bool
}

var _ extract.NameResolver = (*Resolver)(nil)

// NewResolver creates a Resolver backed by session.
func NewResolver(session Session, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		session:  session,
		log:      log,
		users:    make(map[string]lookup),
		channels: make(map[string]lookup),
	}
}

// UserName resolves a user ID to its username.
func (r *Resolver) UserName(id string) (string, bool) {
	r.mu.Lock()
	if l, ok := r.users[id]; ok {
		r.mu.Unlock()
		return l.name, l.ok
	}
	r.mu.Unlock()

	var l lookup
	if user, err := r.session.User(id); err == nil {
		l = lookup{name: user.Username, ok: true}
	}

	r.mu.Lock()
	r.users[id] = l
	r.mu.Unlock()
	return l.name, l.ok
}

// ChannelName resolves a channel ID to its name.
func (r *Resolver) ChannelName(id string) (string, bool) {
	r.mu.Lock()
	if l, ok := r.channels[id]; ok {
		r.mu.Unlock()
		return l.name, l.ok
	}
	r.mu.Unlock()

	var l lookup
	if ch, err := r.session.Channel(id); err == nil {
		l = lookup{name: ch.Name, ok: true}
	}

	r.mu.Lock()
	r.channels[id] = l
	r.mu.Unlock()
	return l.name, l.ok
}

// memberPageSize is the Discord API maximum for one GuildMembers page.
const memberPageSize = 1000

// GuildVocabulary collects the proper nouns of one guild, member display
// names and channel names, for the transcript corrector. Failures yield a
// smaller vocabulary, never an error: correction is best effort.
func (r *Resolver) GuildVocabulary(guildID string) *transcript.Vocabulary {
	var words []string

	after := ""
	for {
		members, err := r.session.GuildMembers(guildID, after, memberPageSize)
		if err != nil {
			r.log.Warn("member listing failed, vocabulary will be partial",
				"guild_id", guildID, "error", err)
			break
		}
		if len(members) == 0 {
			break
		}
		for _, m := range members {
			if m.User == nil || m.User.Bot {
				continue
			}
			if m.Nick != "" {
				words = append(words, m.Nick)
			}
			if m.User.GlobalName != "" {
				words = append(words, m.User.GlobalName)
			}
			words = append(words, m.User.Username)
		}
		if len(members) < memberPageSize {
			break
		}
		after = members[len(members)-1].User.ID
	}

	channels, err := r.session.GuildChannels(guildID)
	if err != nil {
		r.log.Warn("channel listing failed, vocabulary will be partial",
			"guild_id", guildID, "error", err)
	}
	for _, ch := range channels {
		if ch.Name != "" {
			words = append(words, ch.Name)
		}
	}

	return transcript.NewVocabulary(words)
}
