package config

import (
	"time"

	"price_sync/internal/retry"
)

// ResilienceConfig holds the retry policies of the outbound calls that are
// safe to repeat. Marketplace publishes are never retried.
type ResilienceConfig struct {
	SheetRead    retry.Config
	SheetWrite   retry.Config
	Notification retry.Config
}

var DefaultResilienceConfig = ResilienceConfig{
	SheetRead: retry.Config{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
		Timeout:    30 * time.Second,
	},
	SheetWrite: retry.Config{
		MaxRetries: 2,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
		Timeout:    30 * time.Second,
	},
	Notification: retry.Config{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   10 * time.Second,
		Timeout:    10 * time.Second,
	},
}

// FastResilienceConfig keeps test runs short.
var FastResilienceConfig = ResilienceConfig{
	SheetRead: retry.Config{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Timeout:    2 * time.Second,
	},
	SheetWrite: retry.Config{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Timeout:    2 * time.Second,
	},
	Notification: retry.Config{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Timeout:    2 * time.Second,
	},
}
