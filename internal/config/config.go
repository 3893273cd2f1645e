package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Config is the full service configuration.
//
// Files may be JSON or YAML; YAML is coerced to JSON and decoded strictly,
// so unknown fields are rejected in both formats. All durations are Go
// duration strings (e.g. "500ms", "10s", "15m").
type Config struct {
	Server   ServerConfig    `json:"server"`
	Session  SessionConfig   `json:"session"`
	Dispatch DispatchConfig  `json:"dispatch"`
	Ledger   LedgerConfig    `json:"ledger"`
	Uploads  UploadsConfig   `json:"uploads"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Logging  LoggingConfig   `json:"logging"`

	// Regions maps bare local-number lengths to country-code prefixes for
	// normalization. If omitted, a single default rule is used
	// (9 local digits -> "51").
	Regions []RegionRule `json:"regions,omitempty"`
}

type ServerConfig struct {
	Addr string `json:"addr,omitempty"` // default ":3000"
}

// SessionConfig points at the messaging-provider gateway.
//
// Token may be left empty in the file and supplied via the WABLAST_GATEWAY_TOKEN
// environment variable (a .env file is honored at startup).
type SessionConfig struct {
	BaseURL      string `json:"base_url"`
	Token        string `json:"token,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`  // provider call ceiling, default 5
	PollInterval string `json:"poll_interval,omitempty"` // session state poll, default "2s"
}

// DispatchConfig controls campaign pacing.
//
// Defaults (when fields are omitted/zero):
//   - batch_size: 35
//   - send_delay_min: "7s"
//   - send_delay_max: "12s"
//   - batch_cooldown: "15m"
type DispatchConfig struct {
	BatchSize     int    `json:"batch_size,omitempty"`
	SendDelayMin  string `json:"send_delay_min,omitempty"`
	SendDelayMax  string `json:"send_delay_max,omitempty"`
	BatchCooldown string `json:"batch_cooldown,omitempty"`
}

// LedgerConfig controls the delivery-attempt ledger.
//
// Driver values:
//   - "csv": flat append-only file with a fixed header (default)
//   - "sqlite": SQLite database file
type LedgerConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type UploadsConfig struct {
	Dir         string `json:"dir,omitempty"`          // default "./uploads"
	JanitorSpec string `json:"janitor_spec,omitempty"` // cron spec, default "0 * * * *"
	MaxAge      string `json:"max_age,omitempty"`      // default "24h"
}

// NotifierConfig controls optional operator notifications over Telegram.
// Token may be supplied via WABLAST_TELEGRAM_TOKEN.
type NotifierConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"` // default true
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

type RegionRule struct {
	LocalDigits int    `json:"local_digits"`
	CountryCode string `json:"country_code"`
}

func (c *LoggingConfig) ConsoleEnabled() bool {
	return c.Console == nil || *c.Console
}

// ApplyEnv fills secrets from the environment when the file left them empty.
func (c *Config) ApplyEnv() {
	if c.Session.Token == "" {
		c.Session.Token = os.Getenv("WABLAST_GATEWAY_TOKEN")
	}
	if c.Notifier != nil && c.Notifier.Token == "" {
		c.Notifier.Token = os.Getenv("WABLAST_TELEGRAM_TOKEN")
	}
}

// Validate checks cross-field constraints. It does not mutate the config;
// defaults are applied by the consumers of each section.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Session.BaseURL) == "" {
		return errors.New("session.base_url is required")
	}
	if c.Dispatch.BatchSize < 0 {
		return errors.New("dispatch.batch_size must be >= 0")
	}
	min, err := ParseDurationField("dispatch.send_delay_min", c.Dispatch.SendDelayMin)
	if err != nil {
		return err
	}
	max, err := ParseDurationField("dispatch.send_delay_max", c.Dispatch.SendDelayMax)
	if err != nil {
		return err
	}
	if min > 0 && max > 0 && max < min {
		return errors.New("dispatch.send_delay_max must be >= dispatch.send_delay_min")
	}
	if _, err := ParseDurationField("dispatch.batch_cooldown", c.Dispatch.BatchCooldown); err != nil {
		return err
	}
	if _, err := ParseDurationField("session.poll_interval", c.Session.PollInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("ledger.busy_timeout", c.Ledger.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("uploads.max_age", c.Uploads.MaxAge); err != nil {
		return err
	}
	for i, r := range c.Regions {
		if r.LocalDigits <= 0 || strings.TrimSpace(r.CountryCode) == "" {
			return fmt.Errorf("regions[%d]: local_digits and country_code are required", i)
		}
	}
	if c.Notifier != nil && c.Notifier.Enabled {
		if c.Notifier.ChatID == 0 {
			return errors.New("notifier.chat_id is required when notifier is enabled")
		}
	}
	return nil
}
