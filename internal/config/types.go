package config

// Config is the full on-disk configuration for the coordinator daemon.
//
// All durations are Go duration strings (e.g. "30s", "2m", "8h").
type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`

	// Cadence is the cron spec driving coordination cycles.
	// Defaults to "@every 1m".
	Cadence string `json:"cadence,omitempty"`

	Stove        StoveConfig        `json:"stove"`
	Thermostat   ThermostatConfig   `json:"thermostat"`
	Coordination CoordinationConfig `json:"coordination"`
	Notify       NotifyConfig       `json:"notify"`

	Users []UserConfig `json:"users"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./coordinator.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoveConfig points at the stove cloud API.
type StoveConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "10s"
}

// ThermostatConfig points at the thermostat cloud API and bounds our call rate
// against it. The limits are deliberately below the vendor's real ceiling.
type ThermostatConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "10s"

	// PacePerSec is the client-side token bucket (requests per second).
	// This is a second line of defense under the app-level rate limiter.
	PacePerSec int `json:"pace_per_sec,omitempty"` // default 5

	RateLimit RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig configures the dual-window limiter for thermostat calls.
type RateLimitConfig struct {
	BurstLimit  int    `json:"burst_limit,omitempty"`  // default 50
	BurstWindow string `json:"burst_window,omitempty"` // default "10s"
	HourlyLimit int    `json:"hourly_limit,omitempty"` // default 400
	// Durable selects the store-backed variant (safe across instances).
	Durable bool `json:"durable"`
}

// CoordinationConfig tunes the decision engine.
type CoordinationConfig struct {
	Enabled bool `json:"enabled"`

	BoostDelta  float64 `json:"boost_delta,omitempty"`  // default 2.0 (°C)
	MaxSetpoint float64 `json:"max_setpoint,omitempty"` // default 30.0 (°C)

	OverrideExpiry   string `json:"override_expiry,omitempty"`    // default "8h"
	DebounceOn       string `json:"debounce_on,omitempty"`        // default "2m"
	DebounceOffRetry string `json:"debounce_off_retry,omitempty"` // default "30s"
	FallbackPause    string `json:"fallback_pause,omitempty"`     // default "1h"
}

// NotifyConfig controls coordination notifications.
type NotifyConfig struct {
	Enabled bool `json:"enabled"`

	// Throttle is the global per-user cooldown between notifications.
	Throttle string `json:"throttle,omitempty"` // default "30m"
	// Durable selects the store-backed throttle (safe across instances).
	Durable bool `json:"durable"`

	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChatID is the default chat; per-user chats come from UserConfig.
	ChatID int64 `json:"chat_id,omitempty"`
}

// UserConfig binds a coordinator user to a thermostat home and its rooms.
type UserConfig struct {
	ID      string   `json:"id"`
	Enabled bool     `json:"enabled"`
	HomeID  string   `json:"home_id"`
	RoomIDs []string `json:"room_ids"`

	TelegramChatID int64 `json:"telegram_chat_id,omitempty"`
}
