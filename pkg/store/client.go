// Package store provides the HTTP client for the remote media service:
// paginated listing of image resources, downloading their bytes, and
// replacing their content in place.
package store

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/media-compressor/pkg/logging"
	"github.com/Sternrassler/media-compressor/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Operation names used in errors, logs and metric labels.
const (
	OpList    = "list"
	OpFetch   = "fetch"
	OpReplace = "replace"
)

// DefaultBaseURL is the media service API endpoint.
const DefaultBaseURL = "https://api.cloudinary.com"

// Prometheus metrics for media service calls.
var (
	mediaRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_requests_total",
		Help: "Total media service requests by operation and status",
	}, []string{"op", "status"})

	mediaRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "media_request_duration_seconds",
		Help:    "Media service request duration in seconds by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"op"})

	mediaErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_errors_total",
		Help: "Total media service errors by class",
	}, []string{"class"})
)

// ImageRecord is one stored image as reported by a list call.
type ImageRecord struct {
	// ID is the public id used for both fetch and replace.
	ID string

	// URL is where the image bytes can be downloaded.
	URL string

	// Bytes is the stored size as reported by the service.
	Bytes int64

	Format string
	Width  int
	Height int
}

// Page is one list call's worth of records.
type Page struct {
	Records []ImageRecord

	// NextCursor continues the listing; empty at the end of the collection.
	NextCursor string
}

// HasMore reports whether another page follows.
func (p Page) HasMore() bool {
	return p.NextCursor != ""
}

// Config holds the client configuration.
type Config struct {
	// Account credentials
	CloudName string
	APIKey    string
	APISecret string

	// BaseURL of the API (default DefaultBaseURL)
	BaseURL string

	// Timeout per HTTP request
	Timeout time.Duration

	// Retry policy for transient failures
	Retry RetryConfig
}

// DefaultConfig returns a configuration for the given account.
func DefaultConfig(cloudName, apiKey, apiSecret string) Config {
	return Config{
		CloudName: cloudName,
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   DefaultBaseURL,
		Timeout:   30 * time.Second,
		Retry:     DefaultRetryConfig(),
	}
}

// Client talks to the media service.
type Client struct {
	httpClient *http.Client
	tracker    *ratelimit.Tracker
	config     Config
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a new media service client. tracker may be nil.
func New(cfg Config, tracker *ratelimit.Tracker) (*Client, error) {
	if cfg.CloudName == "" {
		return nil, fmt.Errorf("cloud name is required")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("api key and secret are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := logging.NewLogger(logging.ComponentStore)
	if tracker == nil {
		tracker = ratelimit.NewTracker(nil, cfg.CloudName, logger)
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tracker:    tracker,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}, nil
}

type listResponse struct {
	Resources []struct {
		PublicID  string `json:"public_id"`
		Format    string `json:"format"`
		Bytes     int64  `json:"bytes"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		URL       string `json:"url"`
		SecureURL string `json:"secure_url"`
	} `json:"resources"`
	NextCursor string `json:"next_cursor"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ListPage lists up to pageSize image resources starting at cursor.
// An empty cursor starts from the beginning of the collection.
func (c *Client) ListPage(ctx context.Context, cursor string, pageSize int) (Page, error) {
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(pageSize))
	if cursor != "" {
		q.Set("next_cursor", cursor)
	}
	endpoint := c.apiURL("resources", "image") + "?" + q.Encode()

	body, err := c.do(ctx, OpList, true, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.config.APIKey, c.config.APISecret)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return Page{}, err
	}

	var lr listResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return Page{}, &StoreError{Op: OpList, Class: ErrorClassServer, StatusCode: http.StatusOK,
			Message: "malformed list response", Err: err}
	}

	page := Page{
		Records:    make([]ImageRecord, 0, len(lr.Resources)),
		NextCursor: lr.NextCursor,
	}
	for _, r := range lr.Resources {
		location := r.SecureURL
		if location == "" {
			location = r.URL
		}
		page.Records = append(page.Records, ImageRecord{
			ID:     r.PublicID,
			URL:    location,
			Bytes:  r.Bytes,
			Format: r.Format,
			Width:  r.Width,
			Height: r.Height,
		})
	}

	c.logger.Debug().
		Str("cursor", cursor).
		Int("records", len(page.Records)).
		Bool("has_more", page.HasMore()).
		Msg("Listed page")

	return page, nil
}

// FetchBytes downloads the image at location.
func (c *Client) FetchBytes(ctx context.Context, location string) ([]byte, error) {
	return c.do(ctx, OpFetch, false, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	})
}

// ReplaceContent overwrites the stored image id with data. There is no
// version check: the last writer wins.
func (c *Client) ReplaceContent(ctx context.Context, id string, data []byte) error {
	endpoint := c.apiURL("image", "upload")

	_, err := c.do(ctx, OpReplace, false, func() (*http.Request, error) {
		params := map[string]string{
			"public_id":  id,
			"overwrite":  "true",
			"invalidate": "true",
			"timestamp":  strconv.FormatInt(c.now().Unix(), 10),
		}

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for k, v := range params {
			if err := mw.WriteField(k, v); err != nil {
				return nil, err
			}
		}
		if err := mw.WriteField("api_key", c.config.APIKey); err != nil {
			return nil, err
		}
		if err := mw.WriteField("signature", Sign(params, c.config.APISecret)); err != nil {
			return nil, err
		}
		fw, err := mw.CreateFormFile("file", path.Base(id)+".jpg")
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
	return err
}

// Sign computes the upload signature: SHA-1 over the alphabetically sorted
// key=value pairs joined by '&', followed by the API secret.
func Sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}

	sum := sha1.Sum([]byte(strings.Join(parts, "&") + secret))
	return hex.EncodeToString(sum[:])
}

// do executes a request built by build, with quota gating for Admin API
// calls and the configured retry policy. It returns the response body of a
// successful (2xx) response.
func (c *Client) do(ctx context.Context, op string, admin bool, build func() (*http.Request, error)) ([]byte, error) {
	start := time.Now()
	defer func() {
		mediaRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var body []byte

	err := retryWithBackoff(ctx, c.config.Retry, c.logger, func() error {
		if admin {
			if err := c.tracker.Wait(ctx); err != nil {
				return fmt.Errorf("%s: wait for quota: %w", op, err)
			}
		}

		req, err := build()
		if err != nil {
			return fmt.Errorf("%s: create request: %w", op, err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			mediaErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			mediaRequestsTotal.WithLabelValues(op, "network_error").Inc()
			c.logger.Debug().Err(err).Str("op", op).Msg("HTTP request failed")
			return &StoreError{Op: op, Class: ErrorClassNetwork, Err: err}
		}
		defer resp.Body.Close()

		if admin {
			if err := c.tracker.UpdateFromHeaders(ctx, resp.Header); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
			}
		}

		mediaRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			mediaErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return &StoreError{Op: op, Class: ErrorClassNetwork, StatusCode: resp.StatusCode,
				Message: "read body", Err: err}
		}

		if resp.StatusCode >= 300 {
			class := classifyStatus(resp.StatusCode)
			if class == "" {
				class = ErrorClassClient
			}
			mediaErrorsTotal.WithLabelValues(string(class)).Inc()

			c.logger.Debug().
				Str("op", op).
				Int("status", resp.StatusCode).
				Str("error_class", string(class)).
				Msg("Media service request error")

			return &StoreError{Op: op, Class: class, StatusCode: resp.StatusCode,
				Message: errorMessage(resp.Status, data)}
		}

		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}

	return body, nil
}

func (c *Client) apiURL(elems ...string) string {
	base := strings.TrimSuffix(c.config.BaseURL, "/")
	return base + "/v1_1/" + url.PathEscape(c.config.CloudName) + "/" + strings.Join(elems, "/")
}

// errorMessage extracts the service's error message, falling back to status.
func errorMessage(status string, body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	return status
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
