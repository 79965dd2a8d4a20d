package transmit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"foresta.dev/guardian/internal/protocol"
)

const (
	registerPath = "/api/sensors/register"
	healthPath   = "/healthz"
)

// Register submits a registration request. The response status is pending until
// an operator approves the device.
func (c *Client) Register(ctx context.Context, req *protocol.RegistrationRequest) (*protocol.RegistrationResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode registration: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.registrationURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return c.registration(httpReq)
}

// PollApproval asks whether the registration identified by token was approved.
// An approved response carries the operating config, whose api_key is empty when
// the credential was already delivered.
func (c *Client) PollApproval(ctx context.Context, token string) (*protocol.RegistrationResponse, error) {
	u := c.registrationURL() + "/" + url.PathEscape(c.hardwareID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set(protocol.HeaderRegistrationToken, token)

	return c.registration(httpReq)
}

func (c *Client) registration(req *http.Request) (*protocol.RegistrationResponse, error) {
	_, body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp protocol.RegistrationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed registration response: %w", protocol.ErrTransientDelivery, err)
	}
	return &resp, nil
}

// UploadLogs sends a troubleshooting log bundle and returns the stored object name.
func (c *Client) UploadLogs(ctx context.Context, logs io.Reader) (string, error) {
	c.mu.RLock()
	u, key := c.endpoints.Logs, c.apiKey
	c.mu.RUnlock()

	if u == "" || key == "" {
		return "", protocol.Reject(protocol.ErrUnauthorized, "device has no operating config")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, logs)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set(protocol.HeaderAuthorization, "Bearer "+key)
	req.Header.Set(protocol.HeaderDeviceUUID, c.hardwareID)
	req.Header.Set(protocol.HeaderTimestamp, c.now().UTC().Format(time.RFC3339))

	_, body, err := c.do(req)
	if err != nil {
		return "", err
	}

	var resp struct {
		Object string `json:"object"`
	}
	_ = json.Unmarshal(body, &resp)
	return resp.Object, nil
}

// Ping checks that the gateway answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.RLock()
	u := c.endpoints.Health
	c.mu.RUnlock()
	if u == "" {
		u = c.baseURL + healthPath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	_, _, err = c.do(req)
	return err
}

func (c *Client) registrationURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.endpoints.Registration != "" {
		return c.endpoints.Registration
	}
	return c.baseURL + registerPath
}
