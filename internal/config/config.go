// Package config loads and validates the supplybot configuration.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	API         APIConfig         `json:"api"`
	Worker      WorkerConfig      `json:"worker"`
	Limits      LimitsConfig      `json:"limits"`
	Negotiation NegotiationConfig `json:"negotiation"`
	Timeslot    TimeslotConfig    `json:"timeslot"`
	Gateway     GatewayConfig     `json:"gateway"`
	Events      EventsConfig      `json:"events"`
	Storage     StorageConfig     `json:"storage"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

// APIConfig configures the seller API client.
type APIConfig struct {
	BaseURL  string   `json:"base_url,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	APIKey   string   `json:"api_key,omitempty"`
	Timeout  Duration `json:"timeout,omitempty"`
}

// WorkerConfig tunes the task processing loop.
type WorkerConfig struct {
	TickInterval          Duration `json:"tick_interval,omitempty"`
	StepTimeout           Duration `json:"step_timeout,omitempty"`
	SlotPollInterval      Duration `json:"slot_poll_interval,omitempty"`
	OperationPollInterval Duration `json:"operation_poll_interval,omitempty"`
	OperationPollTimeout  Duration `json:"operation_poll_timeout,omitempty"`
	MaxOperationRetries   int      `json:"max_operation_retries,omitempty"`
	DraftQuotaPerTick     int      `json:"draft_quota_per_tick,omitempty"`
	SupplyQuotaPerTick    int      `json:"supply_quota_per_tick,omitempty"`
}

// LimitsConfig tunes rate-limit handling and retry backoff.
type LimitsConfig struct {
	DraftMinSpacing   Duration `json:"draft_min_spacing,omitempty"`
	DefaultCooldown   Duration `json:"default_cooldown,omitempty"`
	MaxCooldown       Duration `json:"max_cooldown,omitempty"`
	RateLimitBaseWait Duration `json:"rate_limit_base_wait,omitempty"`
	RateLimitMaxWait  Duration `json:"rate_limit_max_wait,omitempty"`
	CreateBackoffBase Duration `json:"create_backoff_base,omitempty"`
	CreateBackoffMax  Duration `json:"create_backoff_max,omitempty"`
	GenericRetryDelay Duration `json:"generic_retry_delay,omitempty"`
}

// NegotiationConfig tunes draft payload negotiation.
type NegotiationConfig struct {
	MaxDraftAttempts    int      `json:"max_draft_attempts,omitempty"`
	FastAdvanceDelay    Duration `json:"fast_advance_delay,omitempty"`
	NormalAdvanceDelay  Duration `json:"normal_advance_delay,omitempty"`
	UnknownShapeMarker  string   `json:"unknown_shape_marker,omitempty"`
	StrategiesFile      string   `json:"strategies_file,omitempty"`
	DefaultPreference   string   `json:"default_preference,omitempty"`
}

// TimeslotConfig tunes slot matching.
type TimeslotConfig struct {
	NearestDelta Duration `json:"nearest_delta,omitempty"`
}

// GatewayConfig configures the operator HTTP API.
type GatewayConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	BufferSize int `json:"buffer_size,omitempty"`
}

// StorageConfig overrides data locations.
type StorageConfig struct {
	DataDir string `json:"data_dir,omitempty"`
}

// MaintenanceConfig controls automatic purging of terminal tasks.
type MaintenanceConfig struct {
	PurgeSchedule         string `json:"purge_schedule,omitempty"`
	TerminalRetentionDays int    `json:"terminal_retention_days,omitempty"`
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
