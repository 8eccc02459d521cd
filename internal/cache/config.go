package cache

import "time"

// Config holds cache TTL configuration.
type Config struct {
	ProfileTTL         time.Duration
	ProfileNotFoundTTL time.Duration
	GlobalFeedTTL      time.Duration
	UserFeedTTL        time.Duration
	BookFeedTTL        time.Duration
	ReactionsTTL       time.Duration
	RepliesTTL         time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProfileTTL:         1 * time.Hour,    // Profiles rarely change hourly
		ProfileNotFoundTTL: 30 * time.Second, // Short TTL lets later refreshes retry
		GlobalFeedTTL:      60 * time.Second, // Compact global feed, high churn
		UserFeedTTL:        5 * time.Minute,  // Per-author views change slowly
		BookFeedTTL:        5 * time.Minute,
		ReactionsTTL:       45 * time.Second,
		RepliesTTL:         60 * time.Second,
	}
}

// FeedTTL returns the TTL for a feed type, defaulting to the global TTL for
// unknown types.
func (c Config) FeedTTL(feedType string) time.Duration {
	switch feedType {
	case "user":
		return c.UserFeedTTL
	case "book":
		return c.BookFeedTTL
	default:
		return c.GlobalFeedTTL
	}
}
