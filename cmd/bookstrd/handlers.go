package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marykatefain/bookstr-sub001/internal/feed"
)

// SSE event types
const (
	SSEEventFeed  = "feed"
	SSEEventPing  = "ping"
	SSEEventError = "error"
)

const (
	defaultFeedLimit = 30
	maxFeedLimit     = 100
)

type server struct {
	feeds   *feed.Service
	reactor *feed.Reactor
}

// feedParams builds feed.Params from the route and query string. Unknown
// feed types are rejected before touching the service.
func feedParams(r *http.Request) (feed.Params, error) {
	feedType := chi.URLParam(r, "type")
	switch feedType {
	case "global", "user", "book":
	default:
		return feed.Params{}, fmt.Errorf("unknown feed type %q", feedType)
	}

	limit := defaultFeedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return feed.Params{}, fmt.Errorf("invalid limit %q", raw)
		}
		if n > maxFeedLimit {
			n = maxFeedLimit
		}
		limit = n
	}

	p := feed.Params{Type: feedType, Limit: limit}

	if feedType == "user" {
		raw := r.URL.Query().Get("authors")
		if raw == "" {
			return feed.Params{}, fmt.Errorf("user feed requires authors")
		}
		p.Authors = strings.Split(raw, ",")
	}
	if feedType == "book" {
		p.Book = r.URL.Query().Get("isbn")
		if p.Book == "" {
			return feed.Params{}, fmt.Errorf("book feed requires isbn")
		}
	}
	return p, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleGetFeed serves a feed, cache-first.
func (s *server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	p, err := feedParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	activities, err := s.feeds.GetFeed(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"feed":       p.Type,
		"activities": activities,
	})
}

// handleRefreshFeed forces a user-requested refresh. Inside the cooldown it
// returns the current snapshot unchanged.
func (s *server) handleRefreshFeed(w http.ResponseWriter, r *http.Request) {
	p, err := feedParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	activities, err := s.feeds.RefreshFeed(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"feed":       p.Type,
		"activities": activities,
	})
}

// handleToggleReaction flips the viewer's reaction on one feed item.
func (s *server) handleToggleReaction(w http.ResponseWriter, r *http.Request) {
	p, err := feedParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	eventID := chi.URLParam(r, "eventID")
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "missing event id")
		return
	}

	opID, err := s.reactor.Toggle(r.Context(), p, eventID)
	if err != nil {
		if err == feed.ErrNoSigner {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"op": opID})
}

// handleFeedEvents streams feed updates over SSE. Each commit for the feed
// produces one "feed" event carrying the full snapshot.
func (s *server) handleFeedEvents(w http.ResponseWriter, r *http.Request) {
	p, err := feedParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates := make(chan []feed.Activity, 4)
	unsubscribe := s.feeds.OnFeedUpdated(p, func(activities []feed.Activity) {
		select {
		case updates <- activities:
		default:
			// Slow client, drop the intermediate snapshot. The next one
			// carries the full state anyway.
		}
	})
	defer unsubscribe()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	// Send the current snapshot right away so clients render immediately.
	if activities, err := s.feeds.GetFeed(r.Context(), p); err == nil {
		writeSSE(w, flusher, SSEEventFeed, activities)
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case activities := <-updates:
			writeSSE(w, flusher, SSEEventFeed, activities)
		case <-pingTicker.C:
			fmt.Fprintf(w, "event: %s\ndata: {}\n\n", SSEEventPing)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Debug("sse encode failed", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

// handleHealth reports process liveness plus relay pool status.
func (s *server) handleHealth(status func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"relays": status(),
		})
	}
}
