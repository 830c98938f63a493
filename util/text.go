package util

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

var hashtagRegex = regexp.MustCompile(`#([a-zA-Z][a-zA-Z0-9_]*)`)
var mentionRegex = regexp.MustCompile(`@([a-zA-Z0-9_]+)@([a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`)
var htmlTagRegex = regexp.MustCompile(`<[^>]*>`)
var shortcodeRegex = regexp.MustCompile(`^:?([a-zA-Z0-9_]+):?$`)

// allowedTags is the whitelist applied to remote HTML content. Everything
// else is stripped before storage.
var allowedTags = map[string]bool{
	"p": true, "br": true, "a": true, "span": true, "b": true, "i": true,
	"strong": true, "em": true, "ul": true, "ol": true, "li": true,
	"blockquote": true, "code": true, "pre": true, "del": true, "sub": true, "sup": true,
}

var tagNameRegex = regexp.MustCompile(`^</?\s*([a-zA-Z0-9]+)`)
var scriptBlockRegex = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
var eventAttrRegex = regexp.MustCompile(`(?i)\s+on[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
var jsHrefRegex = regexp.MustCompile(`(?i)\s+href\s*=\s*("javascript:[^"]*"|'javascript:[^']*')`)

// ParseHashtags extracts hashtags from text as lowercase, deduplicated strings.
func ParseHashtags(text string) []string {
	matches := hashtagRegex.FindAllStringSubmatch(text, -1)

	seen := make(map[string]bool)
	tags := make([]string, 0, len(matches))

	for _, match := range matches {
		if len(match) >= 2 {
			tag := strings.ToLower(match[1])
			if !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}

	return tags
}

// Mention represents a parsed @username@domain mention
type Mention struct {
	Username string
	Domain   string
}

// ParseMentions extracts @username@domain mentions from text.
// Returns deduplicated mentions preserving order of first occurrence.
func ParseMentions(text string) []Mention {
	matches := mentionRegex.FindAllStringSubmatch(text, -1)

	seen := make(map[string]bool)
	mentions := make([]Mention, 0, len(matches))

	for _, match := range matches {
		if len(match) >= 3 {
			username := strings.ToLower(match[1])
			domain := strings.ToLower(match[2])
			key := username + "@" + domain
			if !seen[key] {
				seen[key] = true
				mentions = append(mentions, Mention{
					Username: username,
					Domain:   domain,
				})
			}
		}
	}

	return mentions
}

// HashtagsToActivityPubHTML converts hashtags in text to ActivityPub-compliant
// HTML links in the form Mastodon expects.
func HashtagsToActivityPubHTML(text string, baseURL string) string {
	return hashtagRegex.ReplaceAllStringFunc(text, func(match string) string {
		submatches := hashtagRegex.FindStringSubmatch(match)
		if len(submatches) >= 2 {
			tag := strings.ToLower(submatches[1])
			return fmt.Sprintf(`<a href="%s/tags/%s" class="hashtag" rel="tag">#<span>%s</span></a>`, baseURL, tag, tag)
		}
		return match
	})
}

// MentionsToActivityPubHTML converts resolved mentions to HTML links.
// mentionURIs maps "@user@domain" to the actor URI.
func MentionsToActivityPubHTML(text string, mentionURIs map[string]string) string {
	return mentionRegex.ReplaceAllStringFunc(text, func(match string) string {
		uri, ok := mentionURIs[match]
		if !ok {
			return match
		}
		submatches := mentionRegex.FindStringSubmatch(match)
		if len(submatches) >= 3 {
			return fmt.Sprintf(`<span class="h-card"><a href="%s" class="u-url mention">@<span>%s</span></a></span>`, uri, submatches[1])
		}
		return match
	})
}

// SanitizeHTML whitelists tags in remote HTML content and strips script
// blocks, inline event handlers and javascript: hrefs.
func SanitizeHTML(content string) string {
	content = scriptBlockRegex.ReplaceAllString(content, "")
	content = eventAttrRegex.ReplaceAllString(content, "")
	content = jsHrefRegex.ReplaceAllString(content, "")

	return htmlTagRegex.ReplaceAllStringFunc(content, func(tag string) string {
		m := tagNameRegex.FindStringSubmatch(tag)
		if len(m) >= 2 && allowedTags[strings.ToLower(m[1])] {
			return tag
		}
		return ""
	})
}

// StripHTMLTags removes all HTML markup and unescapes entities.
func StripHTMLTags(content string) string {
	return strings.TrimSpace(html.UnescapeString(htmlTagRegex.ReplaceAllString(content, "")))
}

// TruncateText shortens text to at most max runes, appending an ellipsis
// when anything was cut.
func TruncateText(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return strings.TrimSpace(string(runes[:max])) + "…"
}

// ParseShortcode normalises an emoji shortcode, trimming surrounding colons.
// Returns "" when the name is not a valid shortcode.
func ParseShortcode(name string) string {
	m := shortcodeRegex.FindStringSubmatch(strings.TrimSpace(name))
	if len(m) < 2 {
		return ""
	}
	return strings.ToLower(m[1])
}
