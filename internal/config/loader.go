package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/marcozac/go-jsonc"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, strips comments, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates (before stripping, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	var cfg Config
	if err := jsonc.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a config built from defaults and environment only,
// for running without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "https://api-seller.ozon.ru"
	}
	if cfg.API.ClientID == "" {
		cfg.API.ClientID = os.Getenv("OZON_CLIENT_ID")
	}
	if cfg.API.APIKey == "" {
		cfg.API.APIKey = os.Getenv("OZON_API_KEY")
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = Duration(40 * time.Second)
	}

	if cfg.Worker.TickInterval == 0 {
		cfg.Worker.TickInterval = Duration(5 * time.Second)
	}
	if cfg.Worker.StepTimeout == 0 {
		cfg.Worker.StepTimeout = Duration(12 * time.Second)
	}
	if cfg.Worker.SlotPollInterval == 0 {
		cfg.Worker.SlotPollInterval = Duration(180 * time.Second)
	}
	if cfg.Worker.OperationPollInterval == 0 {
		cfg.Worker.OperationPollInterval = Duration(25 * time.Second)
	}
	if cfg.Worker.OperationPollTimeout == 0 {
		cfg.Worker.OperationPollTimeout = Duration(600 * time.Second)
	}
	if cfg.Worker.MaxOperationRetries == 0 {
		cfg.Worker.MaxOperationRetries = 25
	}
	if cfg.Worker.DraftQuotaPerTick == 0 {
		cfg.Worker.DraftQuotaPerTick = 1
	}
	if cfg.Worker.SupplyQuotaPerTick == 0 {
		cfg.Worker.SupplyQuotaPerTick = 1
	}

	if cfg.Limits.DraftMinSpacing == 0 {
		cfg.Limits.DraftMinSpacing = Duration(3 * time.Second)
	}
	if cfg.Limits.DefaultCooldown == 0 {
		cfg.Limits.DefaultCooldown = Duration(10 * time.Second)
	}
	if cfg.Limits.MaxCooldown == 0 {
		cfg.Limits.MaxCooldown = Duration(60 * time.Second)
	}
	if cfg.Limits.RateLimitBaseWait == 0 {
		cfg.Limits.RateLimitBaseWait = Duration(4 * time.Second)
	}
	if cfg.Limits.RateLimitMaxWait == 0 {
		cfg.Limits.RateLimitMaxWait = Duration(40 * time.Second)
	}
	if cfg.Limits.CreateBackoffBase == 0 {
		cfg.Limits.CreateBackoffBase = Duration(2 * time.Second)
	}
	if cfg.Limits.CreateBackoffMax == 0 {
		cfg.Limits.CreateBackoffMax = Duration(120 * time.Second)
	}
	if cfg.Limits.GenericRetryDelay == 0 {
		cfg.Limits.GenericRetryDelay = Duration(25 * time.Second)
	}

	if cfg.Negotiation.MaxDraftAttempts == 0 {
		cfg.Negotiation.MaxDraftAttempts = 14
	}
	if cfg.Negotiation.FastAdvanceDelay == 0 {
		cfg.Negotiation.FastAdvanceDelay = Duration(2 * time.Second)
	}
	if cfg.Negotiation.NormalAdvanceDelay == 0 {
		cfg.Negotiation.NormalAdvanceDelay = Duration(10 * time.Second)
	}
	if cfg.Negotiation.UnknownShapeMarker == "" {
		cfg.Negotiation.UnknownShapeMarker = "supply type is unknown"
	}
	if cfg.Negotiation.DefaultPreference == "" {
		cfg.Negotiation.DefaultPreference = "direct"
	}

	if cfg.Timeslot.NearestDelta == 0 {
		cfg.Timeslot.NearestDelta = Duration(6 * time.Hour)
	}

	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18520
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = DataPath()
	}

	if cfg.Maintenance.PurgeSchedule == "" {
		cfg.Maintenance.PurgeSchedule = "0 4 * * *"
	}
	if cfg.Maintenance.TerminalRetentionDays == 0 {
		cfg.Maintenance.TerminalRetentionDays = 14
	}
}
