package climate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// MetricsInterface receives fetch counters.
type MetricsInterface interface {
	RasterFetchedInc()
	RasterCachedInc()
}

// Client downloads clipped rasters from an HTTP subsetting service.
type Client struct {
	base    string
	rest    *resty.Client
	metrics MetricsInterface
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMetrics attaches fetch counters.
func WithMetrics(m MetricsInterface) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a client for the service at base.
func NewClient(base string, timeout time.Duration, opts ...ClientOption) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Minute)
	}
	r.SetRetryCount(2).SetRetryWaitTime(2 * time.Second)

	c := &Client{base: base, rest: r}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch downloads every collection/variable/operation/month combination
// into cacheDir. Files already present are returned without a request.
func (c *Client) Fetch(ctx context.Context, req Request, cacheDir string) ([]string, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid climate request: %w", err)
	}

	var files []string
	for _, collection := range req.Collections {
		for _, variable := range req.Variables {
			for _, operation := range req.Operations {
				for _, period := range req.Periods() {
					path := filepath.Join(cacheDir, FileName(collection, variable, operation, period))

					if _, err := os.Stat(path); err == nil {
						if c.metrics != nil {
							c.metrics.RasterCachedInc()
						}
						files = append(files, path)
						continue
					}

					if err := c.download(ctx, req, collection, variable, operation, period, path); err != nil {
						return nil, err
					}
					if c.metrics != nil {
						c.metrics.RasterFetchedInc()
					}
					files = append(files, path)
				}
			}
		}
	}

	log.Info().
		Int("files", len(files)).
		Str("cache_dir", cacheDir).
		Msg("Climate rasters ready")

	return files, nil
}

func (c *Client) download(ctx context.Context, req Request, collection, variable, operation, period, path string) error {
	tmp := path + ".part"
	defer os.Remove(tmp)

	params := map[string]string{
		"collection": collection,
		"variable":   variable,
		"operation":  operation,
		"period":     period,
		"resolution": string(req.Resolution),
		"bbox":       req.Envelope.String(),
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetOutput(tmp).
		Get(c.base + "/subset")
	if err != nil {
		return fmt.Errorf("climate request failed for %s: %w", filepath.Base(path), err)
	}

	if resp.IsError() {
		body, _ := os.ReadFile(tmp)
		return fmt.Errorf("climate service error for %s: status %d, body: %s", filepath.Base(path), resp.StatusCode(), string(body))
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to store %s: %w", path, err)
	}

	log.Debug().
		Str("file", filepath.Base(path)).
		Dur("took", resp.Time()).
		Msg("Fetched climate raster")
	return nil
}
