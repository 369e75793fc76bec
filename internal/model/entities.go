package model

import (
	"regexp"
	"strings"
)

// Patterns used when a post carries text but no entity annotations
var (
	hashtagPattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_&])#([\p{L}\p{N}_]+)`)
	mentionPattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_])@([A-Za-z0-9_]{1,15})`)
)

// HashtagTexts returns the post's hashtags without '#', in entity order.
// Falls back to scanning the text when no hashtag entities are present.
func (p *Post) HashtagTexts() []string {
	if len(p.Entities.Hashtags) > 0 {
		texts := make([]string, 0, len(p.Entities.Hashtags))
		for _, h := range p.Entities.Hashtags {
			if h.Text != "" {
				texts = append(texts, h.Text)
			}
		}
		return texts
	}
	return extract(hashtagPattern, p.Text)
}

// MentionedScreenNames returns mentioned screen names without '@'.
// Falls back to scanning the text when no mention entities are present.
func (p *Post) MentionedScreenNames() []string {
	if len(p.Entities.UserMentions) > 0 {
		names := make([]string, 0, len(p.Entities.UserMentions))
		for _, m := range p.Entities.UserMentions {
			if m.ScreenName != "" {
				names = append(names, m.ScreenName)
			}
		}
		return names
	}
	return extract(mentionPattern, p.Text)
}

// NormalizeScreenName strips a leading '@' and surrounding space
func NormalizeScreenName(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), "@")
}

func extract(pattern *regexp.Regexp, text string) []string {
	if text == "" {
		return nil
	}
	var found []string
	for _, match := range pattern.FindAllStringSubmatch(text, -1) {
		found = append(found, match[1])
	}
	return found
}
