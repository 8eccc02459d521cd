package feed

import (
	"testing"

	"github.com/marykatefain/bookstr-sub001/internal/nostr"
	"github.com/marykatefain/bookstr-sub001/internal/profile"
)

func bookTags(isbn string) [][]string {
	return [][]string{
		{"i", "isbn:" + isbn},
		{"title", "Middlemarch"},
		{"author", "George Eliot"},
	}
}

func TestTransformRatingVsReview(t *testing.T) {
	events := []nostr.Event{
		{
			ID: "r1", PubKey: "alice", CreatedAt: 100, Kind: nostr.KindBookReview,
			Tags: append(bookTags("111"), []string{"rating", "0.8"}),
		},
		{
			ID: "r2", PubKey: "bob", CreatedAt: 200, Kind: nostr.KindBookReview,
			Tags:    append(bookTags("222"), []string{"rating", "0.6"}),
			Content: "Loved the ending.",
		},
		{
			ID: "r3", PubKey: "carol", CreatedAt: 300, Kind: nostr.KindBookReview,
			Tags:    bookTags("333"),
			Content: "   \n  ", // whitespace only, not a review
		},
	}

	activities := Transform(events, nil, TransformOptions{})
	if len(activities) != 3 {
		t.Fatalf("got %d activities, want 3", len(activities))
	}

	byID := make(map[string]Activity)
	for _, a := range activities {
		byID[a.ID] = a
	}

	if byID["r1"].Type != ActivityRating {
		t.Errorf("r1 type = %s, want rating", byID["r1"].Type)
	}
	if byID["r1"].Rating == nil || *byID["r1"].Rating != 0.8 {
		t.Errorf("r1 rating = %v, want 0.8", byID["r1"].Rating)
	}
	if byID["r2"].Type != ActivityReview {
		t.Errorf("r2 type = %s, want review", byID["r2"].Type)
	}
	if byID["r3"].Type != ActivityRating {
		t.Errorf("whitespace content classified as %s, want rating", byID["r3"].Type)
	}
}

func TestParseRatingLegacyScale(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
	}{
		{"0.8", 0.8},
		{"4", 0.8},  // legacy 1-5 scale
		{"5", 1.0},  // legacy top
		{"1", 1.0},  // 1 is ambiguous; canonical wins
		{"-2", 0.0}, // clamped
		{"1.5", 0.3},
	}
	for _, tc := range cases {
		got := parseRating([][]string{{"rating", tc.raw}})
		if got == nil {
			t.Errorf("rating %q: got nil", tc.raw)
			continue
		}
		if *got != tc.want {
			t.Errorf("rating %q: got %v, want %v", tc.raw, *got, tc.want)
		}
	}

	if parseRating([][]string{{"rating", "five"}}) != nil {
		t.Error("unparseable rating must yield nil")
	}
	if parseRating(nil) != nil {
		t.Error("missing rating tag must yield nil")
	}
}

func TestTransformShelfSynthesizedID(t *testing.T) {
	events := []nostr.Event{
		{
			ID: "e1", PubKey: "alice", CreatedAt: 500, Kind: nostr.KindBookFinished,
			Tags: bookTags("9780141439518"),
		},
	}

	activities := Transform(events, nil, TransformOptions{})
	if len(activities) != 1 {
		t.Fatalf("got %d activities, want 1", len(activities))
	}

	act := activities[0]
	if act.ID != "9780141439518-finished-500" {
		t.Errorf("synthesized id = %q", act.ID)
	}
	if act.EventID != "e1" {
		t.Errorf("event id = %q, want e1", act.EventID)
	}
	if act.Book.Title != "Middlemarch" {
		t.Errorf("book title = %q", act.Book.Title)
	}
}

// Replaceable shelf events: only the newest per (author, status, book)
// survives, whatever order they arrive in.
func TestTransformReplaceableShelf(t *testing.T) {
	newer := nostr.Event{
		ID: "new", PubKey: "alice", CreatedAt: 900, Kind: nostr.KindBookReading,
		Tags: bookTags("111"),
	}
	older := nostr.Event{
		ID: "old", PubKey: "alice", CreatedAt: 100, Kind: nostr.KindBookReading,
		Tags: bookTags("111"),
	}
	otherAuthor := nostr.Event{
		ID: "bob", PubKey: "bob", CreatedAt: 100, Kind: nostr.KindBookReading,
		Tags: bookTags("111"),
	}

	for _, order := range [][]nostr.Event{
		{older, newer, otherAuthor},
		{newer, older, otherAuthor},
	} {
		activities := Transform(order, nil, TransformOptions{})
		if len(activities) != 2 {
			t.Fatalf("got %d activities, want 2", len(activities))
		}
		var alice *Activity
		for i := range activities {
			if activities[i].AuthorID == "alice" {
				alice = &activities[i]
			}
		}
		if alice == nil {
			t.Fatal("alice's activity missing")
		}
		if alice.EventID != "new" {
			t.Errorf("kept %q, want the newer event", alice.EventID)
		}
	}
}

func TestTransformPostFlags(t *testing.T) {
	events := []nostr.Event{
		{
			ID: "p1", PubKey: "alice", CreatedAt: 100, Kind: nostr.KindPost,
			Content: "spoilers ahead",
			Tags: [][]string{
				{"content-warning", "spoiler"},
				{"imeta", "url https://img.example/cover.jpg", "m image/jpeg"},
			},
		},
		{
			ID: "p2", PubKey: "bob", CreatedAt: 200, Kind: nostr.KindPost,
			Content: "a reply",
			Tags:    [][]string{{"e", "p1"}},
		},
	}

	activities := Transform(events, nil, TransformOptions{})
	if len(activities) != 1 {
		t.Fatalf("got %d activities, want 1 (reply excluded)", len(activities))
	}
	if !activities[0].Spoiler {
		t.Error("spoiler flag not set")
	}
	if activities[0].MediaURL != "https://img.example/cover.jpg" {
		t.Errorf("media url = %q", activities[0].MediaURL)
	}

	withReplies := Transform(events, nil, TransformOptions{IncludeReplies: true})
	if len(withReplies) != 2 {
		t.Fatalf("got %d activities with IncludeReplies, want 2", len(withReplies))
	}
}

func TestTransformSkipsReactionsAndUnknown(t *testing.T) {
	events := []nostr.Event{
		{ID: "x1", PubKey: "a", CreatedAt: 1, Kind: nostr.KindReaction, Content: "+", Tags: [][]string{{"e", "p1"}}},
		{ID: "x2", PubKey: "a", CreatedAt: 2, Kind: 30023},
		{ID: "x3", PubKey: "a", CreatedAt: 3, Kind: nostr.KindPost, Content: "kept"},
	}

	activities := Transform(events, nil, TransformOptions{})
	if len(activities) != 1 || activities[0].ID != "x3" {
		t.Fatalf("activities = %+v, want only x3", activities)
	}
}

func TestTransformMissingBookTags(t *testing.T) {
	events := []nostr.Event{
		{ID: "e1", PubKey: "alice", CreatedAt: 100, Kind: nostr.KindBookFinished},
	}

	activities := Transform(events, nil, TransformOptions{})
	if len(activities) != 1 {
		t.Fatal("activity with missing book tags was dropped")
	}
	if activities[0].Book.ID != "" {
		t.Errorf("book id = %q, want empty", activities[0].Book.ID)
	}
}

func TestTransformAttachesProfiles(t *testing.T) {
	profiles := map[string]*profile.Snapshot{
		"alice": {Name: "Alice"},
	}
	events := []nostr.Event{
		{ID: "e1", PubKey: "alice", CreatedAt: 100, Kind: nostr.KindPost, Content: "hi"},
		{ID: "e2", PubKey: "bob", CreatedAt: 200, Kind: nostr.KindPost, Content: "yo"},
	}

	activities := Transform(events, profiles, TransformOptions{})
	for _, a := range activities {
		switch a.AuthorID {
		case "alice":
			if a.Author == nil || a.Author.Name != "Alice" {
				t.Error("alice's profile not attached")
			}
		case "bob":
			if a.Author != nil {
				t.Error("bob should have nil profile")
			}
		}
	}
}

func TestSortActivitiesNewestFirstStable(t *testing.T) {
	activities := []Activity{
		{ID: "a", CreatedAt: 100},
		{ID: "b", CreatedAt: 300},
		{ID: "c", CreatedAt: 200},
		{ID: "d", CreatedAt: 200},
	}
	SortActivities(activities)

	wantOrder := []string{"b", "c", "d", "a"}
	for i, want := range wantOrder {
		if activities[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, activities[i].ID, want)
		}
	}
}

func TestDisplayRating(t *testing.T) {
	cases := []struct{ raw, want float64 }{
		{0, 1},
		{0.5, 3},
		{1, 5},
		{0.8, 4.2},
		{-1, 1},
		{2, 5},
	}
	for _, tc := range cases {
		if got := DisplayRating(tc.raw); got != tc.want {
			t.Errorf("DisplayRating(%v) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestHasNewActivity(t *testing.T) {
	displayed := map[string]bool{"a": true, "b": true}

	if HasNewActivity(displayed, []Activity{{ID: "a"}, {ID: "b"}}) {
		t.Error("same ids reported as new")
	}
	if !HasNewActivity(displayed, []Activity{{ID: "a"}, {ID: "c"}}) {
		t.Error("new id not detected")
	}
	if HasNewActivity(displayed, nil) {
		t.Error("empty fresh list reported as new")
	}
}
