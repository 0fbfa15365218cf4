package notifications

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"price_sync/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRetry = retry.Config{
	MaxRetries: 2,
	BaseDelay:  time.Millisecond,
	MaxDelay:   5 * time.Millisecond,
	Timeout:    2 * time.Second,
}

type message struct {
	path     string
	title    string
	priority string
	body     string
}

type ntfyServer struct {
	mu       sync.Mutex
	messages []message
	status   []int
	calls    atomic.Int32
}

func (s *ntfyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(s.calls.Add(1))
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.messages = append(s.messages, message{
		path:     r.URL.Path,
		title:    r.Header.Get("Title"),
		priority: r.Header.Get("Priority"),
		body:     string(body),
	})
	status := http.StatusOK
	if n <= len(s.status) {
		status = s.status[n-1]
	}
	s.mu.Unlock()
	w.WriteHeader(status)
}

func newTestClient(t *testing.T, srv *ntfyServer) *Client {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return NewClient(Config{Enabled: true, URL: ts.URL + "/", Topic: "prices", Priority: "high"}, testRetry)
}

func TestSend(t *testing.T) {
	srv := &ntfyServer{}
	c := newTestClient(t, srv)

	require.NoError(t, c.Send(context.Background(), "hello", "world"))
	require.Len(t, srv.messages, 1)
	assert.Equal(t, message{path: "/prices", title: "hello", priority: "high", body: "world"}, srv.messages[0])

	sent, failed := c.Metrics()
	assert.Equal(t, int64(1), sent)
	assert.Zero(t, failed)
}

func TestSendRetriesServerErrors(t *testing.T) {
	srv := &ntfyServer{status: []int{http.StatusBadGateway, http.StatusTooManyRequests}}
	c := newTestClient(t, srv)

	require.NoError(t, c.Send(context.Background(), "t", "m"))
	assert.Equal(t, int32(3), srv.calls.Load())
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	srv := &ntfyServer{status: []int{http.StatusForbidden}}
	c := newTestClient(t, srv)

	err := c.Send(context.Background(), "t", "m")
	var nerr *NotificationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "auth", nerr.Type)
	assert.Equal(t, int32(1), srv.calls.Load())

	_, failed := c.Metrics()
	assert.Equal(t, int64(1), failed)
}

func TestCircuitBreakerOpens(t *testing.T) {
	statuses := make([]int, circuitThreshold)
	for i := range statuses {
		statuses[i] = http.StatusBadRequest
	}
	srv := &ntfyServer{status: statuses}
	c := newTestClient(t, srv)

	for range circuitThreshold {
		require.Error(t, c.Send(context.Background(), "t", "m"))
	}
	err := c.Send(context.Background(), "t", "m")
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, int32(circuitThreshold), srv.calls.Load())
}

func TestDisabledClientSendsNothing(t *testing.T) {
	srv := &ntfyServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	c := NewClient(Config{Enabled: false, URL: ts.URL, Topic: "prices"}, testRetry)

	require.NoError(t, c.Send(context.Background(), "t", "m"))
	c.NotifyReview(context.Background(), "ozon", "ozon1", []ReviewItem{{ID: "1"}})
	c.NotifyPublishFailure(context.Background(), "ozon", "ozon1", errors.New("boom"))

	var nilClient *Client
	assert.NotPanics(t, func() {
		nilClient.NotifyReview(context.Background(), "ozon", "ozon1", []ReviewItem{{ID: "1"}})
	})
	assert.Zero(t, srv.calls.Load())
}

func TestNotifyReview(t *testing.T) {
	srv := &ntfyServer{}
	c := newTestClient(t, srv)

	var items []ReviewItem
	for i := range maxItemsToShow + 2 {
		items = append(items, ReviewItem{ID: fmt.Sprint(i), ProductID: fmt.Sprintf("P%d", i), Remark: "new price is zero, needs review"})
	}
	c.NotifyReview(context.Background(), "wildberries", "wb2", items)
	c.NotifyReview(context.Background(), "wildberries", "wb2", nil)

	require.Len(t, srv.messages, 1)
	msg := srv.messages[0]
	assert.Equal(t, "wildberries wb2: 12 rows need review", msg.title)
	assert.Equal(t, maxItemsToShow+1, len(strings.Split(msg.body, "\n")))
	assert.Contains(t, msg.body, "P0 (0): new price is zero, needs review")
	assert.True(t, strings.HasSuffix(msg.body, "... and 2 more"))
}

func TestNotifyPublishFailure(t *testing.T) {
	srv := &ntfyServer{}
	c := newTestClient(t, srv)

	c.NotifyPublishFailure(context.Background(), "megamarket", "mm1", errors.New("megamarket: 2 of 2 updates failed"))

	require.Len(t, srv.messages, 1)
	assert.Equal(t, "megamarket mm1: price publish failed", srv.messages[0].title)
	assert.Equal(t, "megamarket: 2 of 2 updates failed", srv.messages[0].body)
}

func TestCategorizeHTTPError(t *testing.T) {
	tests := map[int]string{
		401: "auth",
		403: "auth",
		429: "rate_limit",
		404: "client",
		500: "server",
		503: "server",
		302: "unknown",
	}
	for code, want := range tests {
		assert.Equal(t, want, categorizeHTTPError(code), "status %d", code)
	}
}
