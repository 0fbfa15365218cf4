package app

import (
	"fmt"

	"price_sync/internal/marketplace"
	"price_sync/internal/processing"

	"github.com/rs/zerolog/log"
)

// BuildTargets creates one publisher per enabled marketplace.
func BuildTargets(cfg *Config) ([]processing.Target, error) {
	var targets []processing.Target
	for _, m := range cfg.Marketplaces {
		if !m.Enabled {
			log.Info().Str("marketplace", m.Name).Msg("Marketplace disabled, skipping")
			continue
		}
		p, err := marketplace.New(m.Kind, marketplace.Options{
			BaseURL:           m.BaseURL,
			RequestsPerSecond: m.RequestsPerSecond,
		})
		if err != nil {
			return nil, fmt.Errorf("marketplace %s: %w", m.Name, err)
		}
		targets = append(targets, processing.Target{Marketplace: m, Publisher: p})
		log.Debug().
			Str("marketplace", m.Name).
			Str("kind", m.Kind).
			Int("ranges", len(m.Ranges)).
			Msg("Marketplace enabled")
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no marketplace is enabled")
	}
	return targets, nil
}
