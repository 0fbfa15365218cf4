package app

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"price_sync/internal/marketplace"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// Load reads the TOML file at path over the defaults, expands ${VAR}
// references in secrets and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		log.Warn().Str("key", key.String()).Msg("Unknown configuration key ignored")
	}

	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Debug().
		Str("path", path).
		Int("marketplaces", len(cfg.Marketplaces)).
		Dur("interval", cfg.Interval.Duration).
		Msg("Loaded configuration")
	return cfg, nil
}

func (c *Config) expandEnv() {
	c.SpreadsheetID = os.ExpandEnv(c.SpreadsheetID)
	c.CredentialsFile = os.ExpandEnv(c.CredentialsFile)
	c.Notifications.Topic = os.ExpandEnv(c.Notifications.Topic)
	for i := range c.Marketplaces {
		for j := range c.Marketplaces[i].Ranges {
			creds := &c.Marketplaces[i].Ranges[j].Credentials
			creds.ClientID = os.ExpandEnv(creds.ClientID)
			creds.APIKey = os.ExpandEnv(creds.APIKey)
			creds.Token = os.ExpandEnv(creds.Token)
			creds.BusinessID = os.ExpandEnv(creds.BusinessID)
		}
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			first := verrs[0]
			return fmt.Errorf("invalid config: %s (rule: %s)", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Interval.Duration < time.Second {
		return fmt.Errorf("invalid config: interval %s is below one second", c.Interval.Duration)
	}

	kinds := marketplace.Kinds()
	tables := make(map[string]string)
	for _, m := range c.Marketplaces {
		if !slices.Contains(kinds, m.Kind) {
			return fmt.Errorf("invalid config: marketplace %s has unknown kind %q (known: %s)",
				m.Name, m.Kind, strings.Join(kinds, ", "))
		}
		for _, r := range m.Ranges {
			if owner, dup := tables[r.Table]; dup {
				return fmt.Errorf("invalid config: snapshot table %q used by %s and %s/%s",
					r.Table, owner, m.Name, r.Name)
			}
			tables[r.Table] = m.Name + "/" + r.Name
		}
	}
	return nil
}
