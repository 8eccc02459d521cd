package nostr

import "strings"

// Event kinds used by the Bookstr protocol.
const (
	KindProfile  = 0
	KindPost     = 1
	KindDeletion = 5
	KindReaction = 7

	// Replaceable book-list kinds. The latest event of a given kind from an
	// author logically replaces prior ones for the same book.
	KindBookFinished = 10073
	KindBookReading  = 10074
	KindBookTBR      = 10075

	// Addressable review/rating kind. The "rating" tag carries a 0-1 scale.
	KindBookReview = 31985
)

// FeedKinds are the kinds that appear as top-level feed activities.
var FeedKinds = []int{KindPost, KindBookFinished, KindBookReading, KindBookTBR, KindBookReview}

// GetTagValue returns the first value for the given tag name, or "" if absent.
func GetTagValue(tags [][]string, tagName string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == tagName {
			return tag[1]
		}
	}
	return ""
}

// GetLastTagValue returns the last value for the given tag name, or "" if
// absent. Replies mark their direct parent with the last "e" tag.
func GetLastTagValue(tags [][]string, tagName string) string {
	var result string
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == tagName {
			result = tag[1]
		}
	}
	return result
}

// HasTag reports whether any tag with the given name is present.
func HasTag(tags [][]string, tagName string) bool {
	for _, tag := range tags {
		if len(tag) >= 1 && tag[0] == tagName {
			return true
		}
	}
	return false
}

// BookID extracts the book identifier from an event's "i" tag, stripping the
// "isbn:" prefix when present. Returns "" for events without a book reference.
func BookID(tags [][]string) string {
	raw := GetTagValue(tags, "i")
	if raw == "" {
		return ""
	}
	return strings.TrimPrefix(raw, "isbn:")
}

// ParentEventID returns the id of the event this one replies to or reacts
// to, identified by the last "e" tag.
func ParentEventID(tags [][]string) string {
	return GetLastTagValue(tags, "e")
}

// IsReply reports whether a post event references a parent event.
func IsReply(evt Event) bool {
	return evt.Kind == KindPost && ParentEventID(evt.Tags) != ""
}
