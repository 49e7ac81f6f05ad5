package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/types"
)

const (
	defaultTimeout = 15 * time.Second
	retryAttempts  = 3
	retryBaseDelay = 500 * time.Millisecond
)

// Client is the HTTP implementation of the cloud API
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
	logger  zerolog.Logger
}

var _ API = (*Client)(nil)

// NewClient builds a client against the provider's REST endpoint
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		hc:      &http.Client{Timeout: timeout},
		logger:  log.WithComponent("cloud"),
	}
}

// CreateVM mints a VM and returns its provider ID and public IPv4
func (c *Client) CreateVM(ctx context.Context, req CreateRequest) (*VM, error) {
	var out struct {
		VM VM `json:"vm"`
	}
	if err := c.do(ctx, http.MethodPost, "/vms", req, &out); err != nil {
		return nil, err
	}
	return &out.VM, nil
}

// DeleteVM destroys a VM. Deleting an already-deleted VM is not an error.
func (c *Client) DeleteVM(ctx context.Context, id int64) error {
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/vms/%d", id), nil, nil)
	if errors.Is(err, errNotFound) {
		return nil
	}
	return err
}

// PowerOn starts a stopped VM
func (c *Client) PowerOn(ctx context.Context, id int64) error {
	return c.action(ctx, id, "power_on")
}

// PowerOff stops a running VM
func (c *Client) PowerOff(ctx context.Context, id int64) error {
	return c.action(ctx, id, "power_off")
}

// PowerCycle hard-reboots a VM
func (c *Client) PowerCycle(ctx context.Context, id int64) error {
	return c.action(ctx, id, "power_cycle")
}

// GetVM fetches a VM's current status
func (c *Client) GetVM(ctx context.Context, id int64) (*VM, error) {
	var out struct {
		VM VM `json:"vm"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/vms/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out.VM, nil
}

func (c *Client) action(ctx context.Context, id int64, kind string) error {
	body := map[string]string{"type": kind}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/vms/%d/actions", id), body, nil)
}

// do runs one API call with bounded retries. 429 honors Retry-After,
// 5xx and transport errors retry with exponential backoff, other 4xx
// stop immediately.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return retry.Do(
		func() error { return c.once(ctx, method, path, body, out) },
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryBaseDelay),
		retry.DelayType(retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !types.IsTerminal(err) }),
	)
}

// retryDelay waits out the provider's Retry-After hint when the last
// attempt was rate limited, otherwise falls back to exponential backoff.
func retryDelay(n uint, err error, config *retry.Config) time.Duration {
	if hint := types.RetryAfterOf(err); hint > 0 {
		return hint
	}
	return retry.BackOffDelay(n, err, config)
}

func (c *Client) once(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return types.E(types.KindValidationFailed, "cloud."+method, err).AsTerminal()
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return types.E(types.KindValidationFailed, "cloud."+method, err).AsTerminal()
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return types.E(types.KindCloudAPIError, "cloud."+method, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return types.E(types.KindCloudAPIError, "cloud."+method, fmt.Errorf("decode response: %w", err))
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.Errorf(types.KindRateLimitExceeded, "cloud."+method, "status 429").
			WithRetryAfter(retryAfterHeader(resp))
	case resp.StatusCode >= 500:
		return types.Errorf(types.KindCloudAPIError, "cloud."+method, "status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return types.E(types.KindCloudAPIError, "cloud."+method, errNotFound).AsTerminal()
	default:
		return types.Errorf(types.KindCloudAPIError, "cloud."+method, "status %d", resp.StatusCode).AsTerminal()
	}
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

var errNotFound = errors.New("vm not found")
