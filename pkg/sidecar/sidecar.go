package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/types"
)

const (
	defaultTimeout = 30 * time.Second
	healthTimeout  = 5 * time.Second
)

// Client talks to the per-droplet sidecar over HTTPS. Hosts are the
// droplet's public DNS name; transport failures map to
// SIDECAR_UNREACHABLE so the bus retries them.
type Client struct {
	hc       *http.Client
	healthHC *http.Client
	scheme   string
	logger   zerolog.Logger
}

// NewClient builds a sidecar client with the standard timeouts
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		hc:       &http.Client{Timeout: timeout},
		healthHC: &http.Client{Timeout: healthTimeout},
		scheme:   "https",
		logger:   log.WithComponent("sidecar"),
	}
}

// NewClientInsecure uses plain HTTP, for tests against httptest servers
func NewClientInsecure(timeout time.Duration) *Client {
	c := NewClient(timeout)
	c.scheme = "http"
	return c
}

// DeployWorkflow pushes a versioned workflow definition
func (c *Client) DeployWorkflow(ctx context.Context, host, name string, workflowJSON json.RawMessage, version string) error {
	body := map[string]any{
		"workflow_name": name,
		"workflow_json": workflowJSON,
		"version":       version,
	}
	return c.post(ctx, host, "/api/workflows/deploy", body)
}

// InjectCredential pushes one encrypted credential blob. The sidecar
// overwrites same-type credentials, which makes injection idempotent.
func (c *Client) InjectCredential(ctx context.Context, host, credType, encryptedPayload string) error {
	body := map[string]any{
		"credential_type":   credType,
		"encrypted_payload": encryptedPayload,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	}
	return c.post(ctx, host, "/api/credentials/inject", body)
}

// VerifyCredential asks the sidecar to confirm a credential works
func (c *Client) VerifyCredential(ctx context.Context, host, credType string) (bool, error) {
	url := fmt.Sprintf("%s://%s/api/credentials/verify?type=%s", c.scheme, host, credType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, types.E(types.KindValidationFailed, "sidecar.verify", err).AsTerminal()
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false, types.E(types.KindSidecarUnreachable, "sidecar.verify", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, types.Errorf(types.KindSidecarUnreachable, "sidecar.verify", "status %d", resp.StatusCode)
	}
	var out struct {
		Verified bool `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, types.E(types.KindSidecarUnreachable, "sidecar.verify", fmt.Errorf("decode response: %w", err))
	}
	return out.Verified, nil
}

// PrepareUpdate signals the sidecar to drain in-flight operations
func (c *Client) PrepareUpdate(ctx context.Context, host string) error {
	return c.post(ctx, host, "/api/lifecycle/prepare-update", nil)
}

// Checkpoint signals the sidecar to snapshot engine state
func (c *Client) Checkpoint(ctx context.Context, host string) error {
	return c.post(ctx, host, "/api/lifecycle/checkpoint", nil)
}

// PullImage asks the droplet to pull the sidecar image for a version
func (c *Client) PullImage(ctx context.Context, host, version string) error {
	return c.post(ctx, host, "/api/lifecycle/pull-image", map[string]any{"version": version})
}

// SwapContainer replaces the running sidecar container with the given
// version. The old container stays on disk so a swap back is cheap.
func (c *Client) SwapContainer(ctx context.Context, host, version string) error {
	return c.post(ctx, host, "/api/lifecycle/swap", map[string]any{"version": version})
}

// NotifyHibernation warns the engine that the droplet is about to be
// powered off so user-facing surfaces can show a notice.
func (c *Client) NotifyHibernation(ctx context.Context, host string) error {
	return c.post(ctx, host, "/api/lifecycle/hibernate-notice", nil)
}

// StopEngine gracefully stops the tenant engine ahead of power-off
func (c *Client) StopEngine(ctx context.Context, host string) error {
	return c.post(ctx, host, "/api/engine/stop", nil)
}

// Health probes the sidecar's health endpoint with the short timeout
func (c *Client) Health(ctx context.Context, host string) error {
	url := fmt.Sprintf("%s://%s/health", c.scheme, host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.E(types.KindValidationFailed, "sidecar.health", err).AsTerminal()
	}
	resp, err := c.healthHC.Do(req)
	if err != nil {
		return types.E(types.KindSidecarUnreachable, "sidecar.health", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.Errorf(types.KindSidecarUnreachable, "sidecar.health", "status %d", resp.StatusCode)
	}
	return nil
}

// WaitHealthy polls Health at the given cadence until it passes or the
// budget elapses.
func (c *Client) WaitHealthy(ctx context.Context, host string, budget, interval time.Duration) error {
	deadline := time.Now().Add(budget)
	var lastErr error
	for {
		if err := c.Health(ctx, host); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if time.Now().After(deadline) {
			return types.Errorf(types.KindSidecarUnreachable, "sidecar.wait",
				"not healthy within %s", budget).WithCause(lastErr)
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return types.E(types.KindSidecarUnreachable, "sidecar.wait", ctx.Err())
		}
	}
}

func (c *Client) post(ctx context.Context, host, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return types.E(types.KindValidationFailed, "sidecar.post", err).AsTerminal()
		}
		reader = bytes.NewReader(data)
	}
	url := fmt.Sprintf("%s://%s%s", c.scheme, host, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return types.E(types.KindValidationFailed, "sidecar.post", err).AsTerminal()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return types.E(types.KindSidecarUnreachable, "sidecar"+path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.Errorf(types.KindSidecarUnreachable, "sidecar"+path, "status %d", resp.StatusCode)
	}
	return nil
}
