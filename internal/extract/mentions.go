package extract

import "regexp"

// mentionPattern matches Discord mention markup: <@id>, <@!id> (legacy
// nickname form), and <#id> channel references.
var mentionPattern = regexp.MustCompile(`<(@!?|#)(\d+)>`)

// NameResolver maps Discord snowflake IDs to human-readable names. The bot
// adapter implements it over the session state cache.
type NameResolver interface {
	// UserName returns the display name for a user ID; ok is false when the
	// user is unknown.
	UserName(id string) (name string, ok bool)

	// ChannelName returns the name for a channel ID; ok is false when the
	// channel is unknown.
	ChannelName(id string) (name string, ok bool)
}

// ResolveMentions rewrites mention markup in content to readable names:
// <@id> and <@!id> become @Name, <#id> becomes #name. Mentions the resolver
// cannot identify are left untouched.
func ResolveMentions(content string, r NameResolver) string {
	if r == nil {
		return content
	}
	return mentionPattern.ReplaceAllStringFunc(content, func(match string) string {
		parts := mentionPattern.FindStringSubmatch(match)
		id := parts[2]
		if parts[1] == "#" {
			if name, ok := r.ChannelName(id); ok {
				return "#" + name
			}
			return match
		}
		if name, ok := r.UserName(id); ok {
			return "@" + name
		}
		return match
	})
}
