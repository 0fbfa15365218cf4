package notifications

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"price_sync/internal/retry"

	"github.com/rs/zerolog/log"
)

const (
	circuitThreshold = 5
	circuitCooldown  = 30 * time.Second
	maxItemsToShow   = 10
)

// Config selects the ntfy server and topic.
type Config struct {
	Enabled  bool   `toml:"enabled"`
	URL      string `toml:"url" validate:"required_if=Enabled true,omitempty,url"`
	Topic    string `toml:"topic" validate:"required_if=Enabled true"`
	Priority string `toml:"priority"`
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	topic      string
	enabled    bool
	priority   string
	retry      retry.Config

	mutex       sync.Mutex
	failures    int
	lastFailure time.Time
	circuitOpen bool
	totalSent   int64
	totalFailed int64
}

type NotificationError struct {
	Type       string
	StatusCode int
	Underlying error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notification failed [%s]: %v", e.Type, e.Underlying)
}

func (e *NotificationError) Unwrap() error { return e.Underlying }

func (e *NotificationError) IsRetryable() bool {
	switch e.Type {
	case "network", "server", "rate_limit":
		return true
	case "auth", "client":
		return false
	default:
		return e.StatusCode >= 500
	}
}

var ErrCircuitOpen = errors.New("circuit breaker is open")

func NewClient(cfg Config, retryCfg retry.Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: retryCfg.Timeout},
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		topic:      cfg.Topic,
		enabled:    cfg.Enabled,
		priority:   cfg.Priority,
		retry:      retryCfg,
	}
}

// Send posts a message to the topic, retrying transient failures.
func (c *Client) Send(ctx context.Context, title, message string) error {
	if c == nil || !c.enabled {
		log.Debug().Msg("Notifications disabled, skipping")
		return nil
	}
	if c.isCircuitOpen() {
		log.Warn().Msg("Circuit breaker open, skipping notification")
		return &NotificationError{Type: "circuit_open", Underlying: ErrCircuitOpen}
	}

	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		err := c.post(ctx, title, message)
		var nerr *NotificationError
		if errors.As(err, &nerr) && !nerr.IsRetryable() {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		c.recordFailure()
		return err
	}
	c.recordSuccess()
	return nil
}

func (c *Client) post(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("%s/%s", c.baseURL, c.topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(message))
	if err != nil {
		return &NotificationError{Type: "client", Underlying: err}
	}
	req.Header.Set("Content-Type", "text/plain")
	if title != "" {
		req.Header.Set("Title", title)
	}
	if c.priority != "" {
		req.Header.Set("Priority", c.priority)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NotificationError{Type: "network", Underlying: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &NotificationError{
			Type:       categorizeHTTPError(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Underlying: fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status),
		}
	}

	log.Debug().
		Int("status_code", resp.StatusCode).
		Str("title", title).
		Msg("Notification sent")
	return nil
}

// ReviewItem is a row that needs a human look.
type ReviewItem struct {
	ID        string
	ProductID string
	Remark    string
}

// NotifyReview sends one summary for the rows of a range that need review.
func (c *Client) NotifyReview(ctx context.Context, marketplace, rangeName string, items []ReviewItem) {
	if c == nil || !c.enabled || len(items) == 0 {
		return
	}
	title := fmt.Sprintf("%s %s: %d rows need review", marketplace, rangeName, len(items))
	if err := c.Send(ctx, title, formatReview(items)); err != nil {
		log.Warn().Err(err).Str("marketplace", marketplace).Msg("Review notification failed")
	}
}

// NotifyPublishFailure reports a failed publish call.
func (c *Client) NotifyPublishFailure(ctx context.Context, marketplace, rangeName string, publishErr error) {
	if c == nil || !c.enabled || publishErr == nil {
		return
	}
	title := fmt.Sprintf("%s %s: price publish failed", marketplace, rangeName)
	if err := c.Send(ctx, title, publishErr.Error()); err != nil {
		log.Warn().Err(err).Str("marketplace", marketplace).Msg("Publish failure notification failed")
	}
}

func formatReview(items []ReviewItem) string {
	var sb strings.Builder
	shown := min(len(items), maxItemsToShow)
	for _, it := range items[:shown] {
		fmt.Fprintf(&sb, "• %s (%s): %s\n", it.ProductID, it.ID, it.Remark)
	}
	if len(items) > shown {
		fmt.Fprintf(&sb, "... and %d more\n", len(items)-shown)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func (c *Client) isCircuitOpen() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.circuitOpen && time.Since(c.lastFailure) > circuitCooldown {
		c.circuitOpen = false
		c.failures = 0
		log.Info().Msg("Circuit breaker moving to half-open state")
	}
	return c.circuitOpen
}

func (c *Client) recordSuccess() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.totalSent++
	c.failures = 0
	if c.circuitOpen {
		c.circuitOpen = false
		log.Info().Msg("Circuit breaker closed after successful notification")
	}
}

func (c *Client) recordFailure() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.totalFailed++
	c.failures++
	c.lastFailure = time.Now()
	if c.failures >= circuitThreshold && !c.circuitOpen {
		c.circuitOpen = true
		log.Warn().
			Int("failures", c.failures).
			Msg("Circuit breaker opened due to consecutive failures")
	}
}

func categorizeHTTPError(statusCode int) string {
	switch {
	case statusCode == 401 || statusCode == 403:
		return "auth"
	case statusCode == 429:
		return "rate_limit"
	case statusCode >= 400 && statusCode < 500:
		return "client"
	case statusCode >= 500:
		return "server"
	default:
		return "unknown"
	}
}

// Metrics returns the sent and failed counters.
func (c *Client) Metrics() (sent, failed int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.totalSent, c.totalFailed
}
