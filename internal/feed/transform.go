package feed

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/marykatefain/bookstr-sub001/internal/nostr"
	"github.com/marykatefain/bookstr-sub001/internal/profile"
)

// variant is the closed set of event classes the transformer understands.
// Classification happens once; the transform switch is exhaustive over these
// types instead of re-checking kind numbers everywhere.
type variant interface {
	isVariant()
}

type shelfVariant struct {
	status ActivityType
}

type reviewVariant struct {
	rating  *float64
	hasText bool
}

type postVariant struct {
	parentID string
	spoiler  bool
	mediaURL string
}

type reactionVariant struct {
	targetID string
}

type unknownVariant struct{}

func (shelfVariant) isVariant()    {}
func (reviewVariant) isVariant()   {}
func (postVariant) isVariant()     {}
func (reactionVariant) isVariant() {}
func (unknownVariant) isVariant()  {}

// classify maps an event's kind and tags onto a variant.
func classify(evt nostr.Event) variant {
	switch evt.Kind {
	case nostr.KindBookTBR:
		return shelfVariant{status: ActivityTBR}
	case nostr.KindBookReading:
		return shelfVariant{status: ActivityReading}
	case nostr.KindBookFinished:
		return shelfVariant{status: ActivityFinished}
	case nostr.KindBookReview:
		return reviewVariant{
			rating:  parseRating(evt.Tags),
			hasText: strings.TrimSpace(evt.Content) != "",
		}
	case nostr.KindPost:
		return postVariant{
			parentID: nostr.ParentEventID(evt.Tags),
			spoiler:  nostr.HasTag(evt.Tags, "content-warning"),
			mediaURL: parseMediaURL(evt.Tags),
		}
	case nostr.KindReaction:
		return reactionVariant{targetID: nostr.ParentEventID(evt.Tags)}
	default:
		return unknownVariant{}
	}
}

// parseRating reads the "rating" tag onto the canonical 0-1 scale. Legacy
// events occasionally carry the 1-5 display scale; normalization happens
// here, at the protocol boundary, and nowhere else.
func parseRating(tags [][]string) *float64 {
	raw := nostr.GetTagValue(tags, "rating")
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	if v > 1 && v <= 5 {
		v = v / 5
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}

// parseMediaURL extracts a media reference from imeta (NIP-92) or r tags.
func parseMediaURL(tags [][]string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == "imeta" {
			for _, field := range tag[1:] {
				if strings.HasPrefix(field, "url ") {
					return strings.TrimPrefix(field, "url ")
				}
			}
		}
	}
	return nostr.GetTagValue(tags, "r")
}

// parseBook builds the book reference from an event's tags. A missing or
// malformed identifier yields an empty Book rather than dropping the event.
func parseBook(tags [][]string) Book {
	return Book{
		ID:     nostr.BookID(tags),
		Title:  nostr.GetTagValue(tags, "title"),
		Author: nostr.GetTagValue(tags, "author"),
		Cover:  nostr.GetTagValue(tags, "image"),
	}
}

// TransformOptions adjusts transformer behavior per caller.
type TransformOptions struct {
	// IncludeReplies makes reply posts top-level activities, for callers
	// that want a flat reply listing. Default is to leave them for the
	// enrichment stage.
	IncludeReplies bool
}

// Transform maps raw events to activities. Reaction events never become
// activities; they are consumed by the enrichment stage. Shelf events are
// replaceable, so only the newest per (author, kind, book) survives. The
// transformer does not sort; final ordering belongs to the stage that
// produces the cached list.
func Transform(events []nostr.Event, profiles map[string]*profile.Snapshot, opts TransformOptions) []Activity {
	activities := make([]Activity, 0, len(events))
	// (author, kind, book) -> index into activities, for replaceable shelves
	newestShelf := make(map[string]int)
	newestReview := make(map[string]int)

	for _, evt := range events {
		var act Activity

		switch v := classify(evt).(type) {
		case shelfVariant:
			book := parseBook(evt.Tags)
			act = Activity{
				ID:        SynthesizedID(book.ID, v.status, evt.CreatedAt),
				EventID:   evt.ID,
				AuthorID:  evt.PubKey,
				Type:      v.status,
				Book:      book,
				Content:   strings.TrimSpace(evt.Content),
				CreatedAt: evt.CreatedAt,
				Author:    profiles[evt.PubKey],
			}
			key := evt.PubKey + "|" + string(v.status) + "|" + book.ID
			if idx, ok := newestShelf[key]; ok {
				if activities[idx].CreatedAt >= act.CreatedAt {
					continue
				}
				activities[idx] = act
				continue
			}
			newestShelf[key] = len(activities)

		case reviewVariant:
			typ := ActivityRating
			if v.hasText {
				typ = ActivityReview
			}
			book := parseBook(evt.Tags)
			act = Activity{
				ID:        evt.ID,
				EventID:   evt.ID,
				AuthorID:  evt.PubKey,
				Type:      typ,
				Book:      book,
				Content:   strings.TrimSpace(evt.Content),
				Rating:    v.rating,
				CreatedAt: evt.CreatedAt,
				Author:    profiles[evt.PubKey],
			}
			key := evt.PubKey + "|" + book.ID
			if idx, ok := newestReview[key]; ok {
				if activities[idx].CreatedAt >= act.CreatedAt {
					continue
				}
				activities[idx] = act
				continue
			}
			newestReview[key] = len(activities)

		case postVariant:
			if v.parentID != "" && !opts.IncludeReplies {
				// Replies attach to their parent during enrichment.
				continue
			}
			act = Activity{
				ID:        evt.ID,
				EventID:   evt.ID,
				AuthorID:  evt.PubKey,
				Type:      ActivityPost,
				Book:      parseBook(evt.Tags),
				Content:   evt.Content,
				CreatedAt: evt.CreatedAt,
				Author:    profiles[evt.PubKey],
				Spoiler:   v.spoiler,
				MediaURL:  v.mediaURL,
			}

		case reactionVariant:
			continue

		case unknownVariant:
			slog.Debug("transform: skipping unknown kind", "kind", evt.Kind, "event_id", nostr.ShortID(evt.ID))
			continue
		}

		activities = append(activities, act)
	}

	return activities
}
