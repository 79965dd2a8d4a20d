// Package transmit delivers device messages to the gateway over HTTP with a fixed
// backoff table, and keeps undelivered alerts in a durable replay log.
package transmit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"foresta.dev/guardian/internal/protocol"
	"foresta.dev/guardian/pkg/metrics"
)

// DefaultBackoff is the wait before each retry. A send makes at most len+1 attempts.
var DefaultBackoff = []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 5 * time.Minute}

// DefaultAttemptTimeout bounds a single HTTP exchange.
const DefaultAttemptTimeout = 15 * time.Second

// Outcome reports how a send ended.
type Outcome struct {
	Err        error
	StatusCode int
	Attempts   int
	// Delivered is true once the gateway accepted the message.
	Delivered bool
	// Queued is true when an undelivered alert was written to the replay log.
	Queued bool
}

// Client sends messages on behalf of one device.
type Client struct {
	logger     *slog.Logger
	http       *http.Client
	hardwareID string
	baseURL    string
	backoff    []time.Duration
	replay     *ReplayLog
	metrics    *metrics.DeviceMetrics
	now        func() time.Time

	mu        sync.RWMutex
	apiKey    string
	endpoints protocol.Endpoints

	failures atomic.Int64
	lastAck  atomic.Int64
}

// Config holds the configuration for the Client.
type Config struct {
	Logger     *slog.Logger
	HTTPClient *http.Client // Optional, a client with DefaultAttemptTimeout is used
	HardwareID string
	// BaseURL locates the registration endpoints before an operating config is known.
	BaseURL string
	Backoff []time.Duration // Optional, defaults to DefaultBackoff
	Replay  *ReplayLog      // Optional, undelivered alerts are dropped without it
	Metrics *metrics.DeviceMetrics
	Now     func() time.Time
}

// New creates a new Client instance.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("transmit config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.HardwareID == "" {
		return nil, errors.New("hardware id cannot be empty")
	}

	if cfg.BaseURL == "" {
		return nil, errors.New("base URL cannot be empty")
	}

	c := &Client{
		logger:     cfg.Logger.With("component", "transmit", "hardware_id", cfg.HardwareID),
		http:       cfg.HTTPClient,
		hardwareID: cfg.HardwareID,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		backoff:    cfg.Backoff,
		replay:     cfg.Replay,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: DefaultAttemptTimeout}
	}
	if c.backoff == nil {
		c.backoff = DefaultBackoff
	}
	if c.now == nil {
		c.now = time.Now
	}

	return c, nil
}

// HardwareID returns the identity the client sends as.
func (c *Client) HardwareID() string {
	return c.hardwareID
}

// Configure installs the credential and endpoints of an operating config. An empty
// api_key keeps the current credential.
func (c *Client) Configure(cfg *protocol.OperatingConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg.APIKey != "" {
		c.apiKey = cfg.APIKey
	}
	c.endpoints = cfg.Endpoints
}

// ClearCredential forgets the API key.
func (c *Client) ClearCredential() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = ""
}

// Failures returns the number of consecutive sends that exhausted their retries.
func (c *Client) Failures() int {
	return int(c.failures.Load())
}

// ResetFailures clears the consecutive failure count.
func (c *Client) ResetFailures() {
	c.failures.Store(0)
	c.setFailureGauge()
}

// LastAcknowledged returns the device timestamp of the newest message the gateway
// accepted, or the zero time.
func (c *Client) LastAcknowledged() time.Time {
	v := c.lastAck.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

// SetLastAcknowledged restores a persisted marker.
func (c *Client) SetLastAcknowledged(t time.Time) {
	if !t.IsZero() {
		c.lastAck.Store(t.UnixNano())
	}
}

// Send delivers one telemetry message, retrying transient failures along the backoff
// table. Rejections by the gateway are not retried. An alert-class message that
// cannot be delivered is appended to the replay log unless the gateway refused the
// payload itself or the device is decommissioned.
func (c *Client) Send(ctx context.Context, msg *protocol.Message) Outcome {
	start := time.Now()
	if c.metrics != nil {
		defer func() {
			c.metrics.TransmissionDuration.WithLabelValues(string(msg.Type)).Observe(time.Since(start).Seconds())
		}()
	}

	body, err := protocol.Encode(msg)
	if err != nil {
		return Outcome{Err: protocol.Reject(protocol.ErrBadPayload, "encode: %v", err)}
	}

	out := c.deliver(ctx, msg, body)
	switch {
	case out.Delivered:
		c.acknowledged(msg.DeviceInfo.Timestamp)
		c.count(msg.Type, "delivered")

	case errors.Is(out.Err, protocol.ErrTransientDelivery) || errors.Is(out.Err, context.Canceled) || errors.Is(out.Err, context.DeadlineExceeded):
		if ctx.Err() == nil {
			c.failures.Add(1)
			c.setFailureGauge()
		}
		if msg.IsAlertClass() {
			out.Queued = c.queue(msg.Type, body)
		}
		if out.Queued {
			c.count(msg.Type, "buffered")
		} else {
			c.count(msg.Type, "failed")
			c.logger.Error("message dropped after retries",
				"message_type", msg.Type,
				"attempts", out.Attempts,
				"error", out.Err,
			)
		}

	case errors.Is(out.Err, protocol.ErrUnauthorized) && msg.IsAlertClass():
		// Kept for replay once a working credential is installed.
		out.Queued = c.queue(msg.Type, body)
		if out.Queued {
			c.count(msg.Type, "buffered")
		} else {
			c.count(msg.Type, "rejected")
		}
		c.logger.Warn("alert refused by gateway",
			"message_type", msg.Type,
			"status", out.StatusCode,
			"queued", out.Queued,
			"error", out.Err,
		)

	default:
		c.count(msg.Type, "rejected")
		c.logger.Warn("message rejected by gateway",
			"message_type", msg.Type,
			"status", out.StatusCode,
			"error", out.Err,
		)
	}

	return out
}

func (c *Client) deliver(ctx context.Context, msg *protocol.Message, body []byte) Outcome {
	var out Outcome
	for attempt := 0; ; attempt++ {
		out.Attempts = attempt + 1
		out.StatusCode, out.Err = c.post(ctx, msg.Type, msg.DeviceInfo.Timestamp, body)
		if out.Err == nil {
			out.Delivered = true
			return out
		}
		if !errors.Is(out.Err, protocol.ErrTransientDelivery) || attempt >= len(c.backoff) {
			return out
		}

		wait := c.backoff[attempt]
		c.logger.Warn("send failed, retrying",
			"message_type", msg.Type,
			"attempt", out.Attempts,
			"backoff", wait,
			"error", out.Err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			out.Err = ctx.Err()
			return out
		case <-timer.C:
		}
	}
}

func (c *Client) post(ctx context.Context, kind protocol.MessageType, ts time.Time, body []byte) (int, error) {
	c.mu.RLock()
	url, key := c.endpoints.Ingest, c.apiKey
	c.mu.RUnlock()

	if url == "" || key == "" {
		return 0, protocol.Reject(protocol.ErrUnauthorized, "device has no operating config")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderAuthorization, "Bearer "+key)
	req.Header.Set(protocol.HeaderDeviceUUID, c.hardwareID)
	req.Header.Set(protocol.HeaderTimestamp, ts.UTC().Format(time.RFC3339))

	status, _, err := c.do(req)
	if err != nil {
		c.logger.Debug("send attempt failed", "message_type", kind, "status", status, "error", err)
	}
	return status, err
}

// do performs one exchange and classifies the response with the protocol taxonomy.
func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, fmt.Errorf("%w: %w", protocol.ErrTransientDelivery, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: read response: %w", protocol.ErrTransientDelivery, err)
	}

	return resp.StatusCode, body, classify(resp.StatusCode, body)
}

func classify(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var er protocol.ErrorResponse
	_ = json.Unmarshal(body, &er)
	reason := er.Reason
	if reason == "" {
		reason = fmt.Sprintf("gateway answered %d", status)
	}

	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return protocol.Reject(protocol.ErrBadPayload, "%s", reason)
	case http.StatusUnauthorized:
		return protocol.Reject(protocol.ErrUnauthorized, "%s", reason)
	case http.StatusForbidden:
		return protocol.Reject(protocol.ErrForbidden, "%s", reason)
	default:
		return protocol.Reject(protocol.ErrTransientDelivery, "%s", reason)
	}
}

func (c *Client) queue(kind protocol.MessageType, body []byte) bool {
	if c.replay == nil {
		return false
	}
	if err := c.replay.Append(Entry{QueuedAt: c.now().UTC(), Type: string(kind), Payload: body}); err != nil {
		c.logger.Error("failed to queue alert for replay", "error", err)
		return false
	}
	c.logger.Warn("alert queued for replay", "path", c.replay.Path())
	c.setBufferedGauge()
	return true
}

// Replay redelivers queued alerts with one attempt each, oldest first. It stops at
// the first transient failure and keeps that entry and everything after it.
// Entries the gateway rejects as malformed are discarded.
func (c *Client) Replay(ctx context.Context) (int, error) {
	if c.replay == nil {
		return 0, nil
	}

	entries, err := c.replay.Entries()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	delivered := 0
	var (
		remaining []Entry
		stopErr   error
	)
	for i, e := range entries {
		var ts time.Time
		var msg struct {
			DeviceInfo protocol.DeviceInfo `json:"device_info"`
		}
		if json.Unmarshal(e.Payload, &msg) == nil {
			ts = msg.DeviceInfo.Timestamp
		}

		_, err := c.post(ctx, protocol.MessageType(e.Type), ts, e.Payload)
		switch {
		case err == nil:
			delivered++
			c.acknowledged(ts)
			c.count(protocol.MessageType(e.Type), "delivered")
			continue
		case errors.Is(err, protocol.ErrBadPayload):
			c.logger.Error("discarding queued alert rejected by gateway", "queued_at", e.QueuedAt, "error", err)
			continue
		}
		remaining = append(remaining, entries[i:]...)
		stopErr = err
		break
	}

	if err := c.replay.compact(len(entries), remaining); err != nil {
		return delivered, err
	}
	c.setBufferedGauge()

	if delivered > 0 {
		c.ResetFailures()
		c.logger.Info("replayed queued alerts", "delivered", delivered, "remaining", len(remaining))
	}
	return delivered, stopErr
}

// Pending returns the number of alerts waiting in the replay log.
func (c *Client) Pending() int {
	if c.replay == nil {
		return 0
	}
	return c.replay.Len()
}

func (c *Client) acknowledged(ts time.Time) {
	c.failures.Store(0)
	c.setFailureGauge()
	if ts.IsZero() {
		return
	}
	for {
		cur := c.lastAck.Load()
		if ts.UnixNano() <= cur || c.lastAck.CompareAndSwap(cur, ts.UnixNano()) {
			return
		}
	}
}

func (c *Client) count(kind protocol.MessageType, outcome string) {
	if c.metrics != nil {
		c.metrics.TransmissionsTotal.WithLabelValues(string(kind), outcome).Inc()
	}
}

func (c *Client) setFailureGauge() {
	if c.metrics != nil {
		c.metrics.ConsecutiveFailures.Set(float64(c.failures.Load()))
	}
}

func (c *Client) setBufferedGauge() {
	if c.metrics != nil && c.replay != nil {
		c.metrics.BufferedMessages.Set(float64(c.replay.Len()))
	}
}
