package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout           = 30 * time.Second
	defaultRequestsPerSecond = 5
	maxResponseBytes         = 1 << 20
)

// httpClient is the transport shared by all publishers.
type httpClient struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPClient(name, defaultBaseURL string, opts Options) *httpClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}

	return &httpClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (c *httpClient) url(path string) string {
	return c.baseURL + path
}

func (c *httpClient) payload(path string, body any) (Payload, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to marshal %s payload: %w", c.name, err)
	}
	return Payload{Method: http.MethodPost, URL: c.url(path), Body: raw}, nil
}

// preview logs a payload that is not going to be sent.
func (c *httpClient) preview(p Payload) {
	log.Info().
		Str("marketplace", c.name).
		Str("url", p.URL).
		RawJSON("payload", p.Body).
		Msg("Debug mode, request not sent")
}

// redact returns a copy of p with every secret string value replaced by
// "***".
func redact(p Payload, secrets ...string) Payload {
	body := p.Body
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		quoted, err := json.Marshal(secret)
		if err != nil {
			continue
		}
		body = bytes.ReplaceAll(body, quoted, []byte(`"***"`))
	}
	p.Body = body
	return p
}

// send posts a payload after waiting for the rate limiter and returns the
// status code and body. Secrets are masked in the debug log only.
func (c *httpClient) send(ctx context.Context, p Payload, headers map[string]string, secrets ...string) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, bytes.NewReader(p.Body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	log.Debug().
		Str("marketplace", c.name).
		Str("url", p.URL).
		RawJSON("payload", redact(p, secrets...).Body).
		Msg("Sending price update")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}

	log.Debug().
		Str("marketplace", c.name).
		Int("status_code", resp.StatusCode).
		Str("response", string(body)).
		Msg("Marketplace response")
	return resp.StatusCode, body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
