// Package config loads relay lists and refresh policy from a JSON file with
// embedded defaults; the path is overridable via BOOKSTR_CONFIG.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// RelaysConfig represents the JSON configuration for relay lists.
type RelaysConfig struct {
	DefaultRelays []string `json:"defaultRelays"`
	ProfileRelays []string `json:"profileRelays"`
	PublishRelays []string `json:"publishRelays"`
}

// RefreshConfig holds refresh policy values. All plain configuration, not
// protocol behavior.
type RefreshConfig struct {
	ManualCooldown     time.Duration
	GlobalInterval     time.Duration
	UserInterval       time.Duration
	BackgroundTick     time.Duration // how often the background loop checks intervals
	LiveDebounce       time.Duration // quiet period after a live event before refreshing
	BackgroundMinDelta int           // minimum new activity ids before a background swap
}

// DefaultRefreshConfig returns the observed policy defaults.
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		ManualCooldown:     5 * time.Second,
		GlobalInterval:     60 * time.Second,
		UserInterval:       120 * time.Second,
		BackgroundTick:     10 * time.Second,
		LiveDebounce:       5 * time.Second,
		BackgroundMinDelta: 1,
	}
}

// Interval returns the background refresh interval for a feed type.
func (c RefreshConfig) Interval(feedType string) time.Duration {
	if feedType == "user" || feedType == "book" {
		return c.UserInterval
	}
	return c.GlobalInterval
}

var (
	relaysConfig     *RelaysConfig
	relaysConfigMu   sync.RWMutex
	relaysConfigOnce sync.Once
)

// GetRelaysConfig returns the current relays configuration (thread-safe).
func GetRelaysConfig() *RelaysConfig {
	relaysConfigOnce.Do(func() {
		relaysConfigMu.Lock()
		defer relaysConfigMu.Unlock()
		if relaysConfig == nil {
			relaysConfig = loadRelaysConfigFromFile()
		}
	})

	relaysConfigMu.RLock()
	defer relaysConfigMu.RUnlock()
	return relaysConfig
}

// ReloadRelaysConfig reloads the configuration from file.
func ReloadRelaysConfig() {
	newConfig := loadRelaysConfigFromFile()
	relaysConfigMu.Lock()
	defer relaysConfigMu.Unlock()
	relaysConfig = newConfig
	slog.Info("relays configuration reloaded")
}

func loadRelaysConfigFromFile() *RelaysConfig {
	configPath := os.Getenv("BOOKSTR_CONFIG")
	if configPath == "" {
		configPath = "config/relays.json"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("config file not found, using defaults", "path", configPath)
		} else {
			slog.Warn("could not read config, using defaults", "path", configPath, "error", err)
		}
		return defaultRelaysConfig()
	}

	var cfg RelaysConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Error("invalid JSON in config, using defaults", "path", configPath, "error", err)
		return defaultRelaysConfig()
	}

	slog.Info("loaded relays configuration",
		"path", configPath,
		"default", len(cfg.DefaultRelays),
		"profile", len(cfg.ProfileRelays),
		"publish", len(cfg.PublishRelays))
	return &cfg
}

func defaultRelaysConfig() *RelaysConfig {
	return &RelaysConfig{
		DefaultRelays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://relay.primal.net",
			"wss://nos.lol",
		},
		ProfileRelays: []string{
			"wss://relay.nostr.band",
			"wss://purplepag.es",
		},
		PublishRelays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://relay.primal.net",
		},
	}
}

// DefaultRelays returns the relay list for general feed queries.
func DefaultRelays() []string {
	cfg := GetRelaysConfig()
	if len(cfg.DefaultRelays) > 0 {
		return cfg.DefaultRelays
	}
	return defaultRelaysConfig().DefaultRelays
}

// ProfileRelays returns the relay list for profile lookups.
func ProfileRelays() []string {
	cfg := GetRelaysConfig()
	if len(cfg.ProfileRelays) > 0 {
		return cfg.ProfileRelays
	}
	return defaultRelaysConfig().ProfileRelays
}

// PublishRelays returns the relay list for publishing events.
func PublishRelays() []string {
	cfg := GetRelaysConfig()
	if len(cfg.PublishRelays) > 0 {
		return cfg.PublishRelays
	}
	return defaultRelaysConfig().PublishRelays
}
