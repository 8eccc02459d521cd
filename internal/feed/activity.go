// Package feed turns raw relay events into the unified, deduplicated,
// time-ordered activity feed: transformation, enrichment, TTL caching with
// graceful degradation, and refresh orchestration.
package feed

import (
	"fmt"
	"sort"

	"github.com/marykatefain/bookstr-sub001/internal/profile"
)

// ActivityType classifies a feed activity.
type ActivityType string

const (
	ActivityTBR      ActivityType = "tbr"
	ActivityReading  ActivityType = "reading"
	ActivityFinished ActivityType = "finished"
	ActivityRating   ActivityType = "rating"
	ActivityReview   ActivityType = "review"
	ActivityPost     ActivityType = "post"
)

// Book is a reference to a book, possibly partially empty. Partial
// information is still shown; visibility beats strict validation.
type Book struct {
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`
	Cover  string `json:"cover,omitempty"`
}

// Reactions holds the aggregate reaction state for one activity.
type Reactions struct {
	Count       int  `json:"count"`
	UserReacted bool `json:"user_reacted"`
}

// Reply is one reply attached to an activity. The list on Activity is
// bounded and ordered oldest-first.
type Reply struct {
	ID        string            `json:"id"`
	AuthorID  string            `json:"author_id"`
	Content   string            `json:"content"`
	CreatedAt int64             `json:"created_at"`
	Author    *profile.Snapshot `json:"author,omitempty"`
}

// Activity is the normalized, display-ready unit of the feed. Every activity
// derives from exactly one source event; shelf activities use a synthesized
// id because their source events are replaceable.
type Activity struct {
	ID       string       `json:"id"`
	EventID  string       `json:"event_id"` // source event id, used for reactions/replies
	AuthorID string       `json:"author_id"`
	Type     ActivityType `json:"type"`
	Book     Book         `json:"book"`
	Content  string       `json:"content,omitempty"`
	// Rating is on the canonical 0-1 wire scale. Convert with DisplayRating
	// at the presentation boundary only.
	Rating    *float64          `json:"rating,omitempty"`
	CreatedAt int64             `json:"created_at"`
	Author    *profile.Snapshot `json:"author,omitempty"`
	Reactions Reactions         `json:"reactions"`
	Replies   []Reply           `json:"replies,omitempty"`
	Spoiler   bool              `json:"spoiler,omitempty"`
	MediaURL  string            `json:"media_url,omitempty"`
}

// DisplayRating converts the canonical 0-1 rating to the 1-5 display scale.
func DisplayRating(raw float64) float64 {
	if raw < 0 {
		raw = 0
	}
	if raw > 1 {
		raw = 1
	}
	return 1 + raw*4
}

// SynthesizedID builds the id for a shelf activity: "{bookId}-{status}-{ts}".
func SynthesizedID(bookID string, status ActivityType, createdAt int64) string {
	return fmt.Sprintf("%s-%s-%d", bookID, status, createdAt)
}

// SortActivities orders activities newest-first by CreatedAt. The sort is
// stable so activities with identical timestamps keep their arrival order.
func SortActivities(activities []Activity) {
	sort.SliceStable(activities, func(i, j int) bool {
		return activities[i].CreatedAt > activities[j].CreatedAt
	})
}

// ActivityIDs returns the id set of a list, for content-diff checks.
func ActivityIDs(activities []Activity) map[string]bool {
	ids := make(map[string]bool, len(activities))
	for i := range activities {
		ids[activities[i].ID] = true
	}
	return ids
}

// HasNewActivity reports whether fresh contains at least one id absent from
// displayed.
func HasNewActivity(displayed map[string]bool, fresh []Activity) bool {
	for i := range fresh {
		if !displayed[fresh[i].ID] {
			return true
		}
	}
	return false
}
