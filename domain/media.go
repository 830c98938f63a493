package domain

import "time"

// Emoji is a custom emoji usable in post content, keyed by shortcode within
// a domain.
type Emoji struct {
	Id int64
	Workflow

	Shortcode string
	DomainId  string // empty for local emojis
	Local     bool
	Public    bool

	MimeType  string
	RemoteURL string
	LocalPath string
	ObjectURI string

	CreatedAt time.Time
}

// Emoji state graph node names.
const (
	EmojiOutdated = "outdated"
	EmojiUpdated  = "updated"
)

// Hashtag aggregates usage of one tag.
type Hashtag struct {
	Id int64
	Workflow

	Name      string // lowercase, no '#'
	PostCount int

	CreatedAt time.Time
}

// Hashtag state graph node names (same cycle as Emoji).
const (
	HashtagOutdated = "outdated"
	HashtagUpdated  = "updated"
)
