package app

import (
	"fmt"
	"time"

	"price_sync/internal/notifications"
	"price_sync/internal/processing"
)

// Config is built once at start and passed down to every component.
type Config struct {
	SpreadsheetID   string   `toml:"spreadsheet_id" validate:"required"`
	CredentialsFile string   `toml:"credentials_file" validate:"required"`
	Database        string   `toml:"database" validate:"required"`
	BusyTimeout     Duration `toml:"busy_timeout"`
	Interval        Duration `toml:"interval"`
	LogTable        string   `toml:"log_table" validate:"required"`
	SkipRows        int      `toml:"skip_rows" validate:"gte=0"`
	Debug           bool     `toml:"debug"`

	Logging       LoggingConfig            `toml:"logging"`
	Metrics       MetricsConfig            `toml:"metrics"`
	Notifications notifications.Config     `toml:"notifications"`
	Marketplaces  []processing.Marketplace `toml:"marketplaces" validate:"required,min=1,unique=Name,dive"`
}

// LoggingConfig selects level and format. A non-empty File adds a rotating
// JSON log file next to the console output.
type LoggingConfig struct {
	Level      string `toml:"level" validate:"omitempty,oneof=debug info warn warning error fatal panic disabled"`
	Format     string `toml:"format" validate:"omitempty,oneof=console json"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `toml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `toml:"max_age_days" validate:"gte=0"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr" validate:"required_if=Enabled true"`
}

// Duration reads values such as "5m" or "90s" from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	return &Config{
		Database:    "prices.db",
		BusyTimeout: Duration{5 * time.Second},
		Interval:    Duration{5 * time.Minute},
		LogTable:    "price_change_log",
		SkipRows:    1,
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 10,
			MaxAgeDays: 10,
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Notifications: notifications.Config{
			URL:   "https://ntfy.sh",
			Topic: "price-sync",
		},
	}
}
