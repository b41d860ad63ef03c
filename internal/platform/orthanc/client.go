// Package orthanc reads hierarchical metadata from an Orthanc archive's
// REST API. Every failure is reported as ErrNotFound so callers can treat a
// missing resource and an unreachable one the same way.
package orthanc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pacs/dicombridge/internal/platform/telemetry"
)

// ErrNotFound covers missing resources, transport errors, non-200 responses
// and undecodable bodies.
var ErrNotFound = errors.New("archive resource not found")

// Config holds connection settings.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client is a stateless archive metadata reader. It performs no retries.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	metrics    *telemetry.Provider
	logger     zerolog.Logger
}

// NewClient creates a client with its own *http.Client.
func NewClient(cfg Config, metrics *telemetry.Provider, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return NewClientWithHTTPClient(cfg, &http.Client{Timeout: timeout}, metrics, logger)
}

// NewClientWithHTTPClient allows passing an instrumented or test client.
func NewClientWithHTTPClient(cfg Config, hc *http.Client, metrics *telemetry.Provider, logger zerolog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: hc,
		metrics:    metrics,
		logger:     logger.With().Str("component", "orthanc").Logger(),
	}
}

func (c *Client) FetchStudy(ctx context.Context, id string) (*Resource, error) {
	return c.fetch(ctx, ResourceStudy, "studies", id)
}

func (c *Client) FetchPatient(ctx context.Context, id string) (*Resource, error) {
	return c.fetch(ctx, ResourcePatient, "patients", id)
}

func (c *Client) FetchSeries(ctx context.Context, id string) (*Resource, error) {
	return c.fetch(ctx, ResourceSeries, "series", id)
}

func (c *Client) FetchInstance(ctx context.Context, id string) (*Resource, error) {
	return c.fetch(ctx, ResourceInstance, "instances", id)
}

// InstanceLocator is the archive path stored on Instance rows.
func InstanceLocator(id string) string {
	return "/orthanc/instances/" + id
}

func (c *Client) fetch(ctx context.Context, level ResourceType, collection, id string) (res *Resource, err error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordArchiveFetch(strings.ToLower(string(level)), err == nil, time.Since(start))
		if err != nil {
			c.logger.Warn().Err(err).Str("resource", string(level)).Str("id", id).Msg("archive fetch failed")
		}
	}()

	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty %s id", ErrNotFound, strings.ToLower(string(level)))
	}
	target := fmt.Sprintf("%s/%s/%s", c.baseURL, collection, url.PathEscape(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request %s: %w", ErrNotFound, target, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrNotFound, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d from %s: %s", ErrNotFound, resp.StatusCode, target, strings.TrimSpace(string(body)))
	}

	var raw resourceJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrNotFound, target, err)
	}
	if raw.ID == "" {
		raw.ID = id
	}
	return raw.toResource(level), nil
}
