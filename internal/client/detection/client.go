package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/oshokin/lab-monitor/internal/config"
	"github.com/oshokin/lab-monitor/internal/domain/monitor"
	"github.com/oshokin/lab-monitor/internal/version"
)

// Client calls the detection service.
type Client struct {
	// http performs requests. Per-call deadlines come from the context.
	http *http.Client
	// baseURL is the service root.
	baseURL *url.URL
	// source is the stream URL sent with record commands.
	source string

	// detectTimeout bounds Detect.
	detectTimeout time.Duration
	// controlTimeout bounds record and snapshot calls.
	controlTimeout time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		if c != nil {
			client.http = c
		}
	}
}

// WithDetectTimeout sets the timeout of Detect.
func WithDetectTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.detectTimeout = timeout
		}
	}
}

// WithControlTimeout sets the timeout of record and snapshot calls.
func WithControlTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.controlTimeout = timeout
		}
	}
}

const (
	// recordActionStart starts a recording on the service.
	recordActionStart = "start"
	// recordActionStop stops the active recording.
	recordActionStop = "stop"
	// snapshotSourceProvided tells the service to use the image in the request.
	snapshotSourceProvided = "provided"

	// maxResponseSize caps the detection result read into memory.
	maxResponseSize = 8 << 20
)

var (
	errBaseURLRequired = errors.New("detection base URL must be provided")
	errBadHTTPStatus   = errors.New("unexpected http status")
	errInvalidJSON     = errors.New("detection result is not valid JSON")
)

// recordRequest is the body of POST /record.
type recordRequest struct {
	Action string `json:"action"`
	Source string `json:"source"`
}

// snapshotRequest is the body of POST /snapshot.
type snapshotRequest struct {
	Source      string `json:"source"`
	ImageBase64 string `json:"image_base64"`
}

// New creates a client for the service at baseURL.
// source is the stream URL the service should record from.
func New(baseURL, source string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errBaseURLRequired
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse detection base URL: %w", err)
	}

	c := &Client{
		http:           new(http.Client),
		baseURL:        parsed,
		source:         source,
		detectTimeout:  config.DefaultDetectTimeout,
		controlTimeout: config.DefaultControlTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Detect posts body to /detect/{kind} and returns the raw JSON result.
func (c *Client) Detect(ctx context.Context, kind monitor.Kind, body []byte) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.detectTimeout)
	defer cancel()

	data, err := c.post(callCtx, path.Join("detect", string(kind)), body)
	if err != nil {
		return nil, fmt.Errorf("detect %s: %w", kind, err)
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("detect %s: %w", kind, errInvalidJSON)
	}

	return json.RawMessage(data), nil
}

// StartRecording asks the service to start recording the stream.
func (c *Client) StartRecording(ctx context.Context) error {
	return c.record(ctx, recordActionStart)
}

// StopRecording asks the service to stop recording the stream.
func (c *Client) StopRecording(ctx context.Context) error {
	return c.record(ctx, recordActionStop)
}

// CaptureSnapshot asks the service to store the given frame.
func (c *Client) CaptureSnapshot(ctx context.Context, imageBase64 string) error {
	request := snapshotRequest{
		Source:      snapshotSourceProvided,
		ImageBase64: imageBase64,
	}

	if err := c.control(ctx, "snapshot", &request); err != nil {
		return fmt.Errorf("capture snapshot: %w", err)
	}

	return nil
}

func (c *Client) record(ctx context.Context, action string) error {
	request := recordRequest{
		Action: action,
		Source: c.source,
	}

	if err := c.control(ctx, "record", &request); err != nil {
		return fmt.Errorf("%s recording: %w", action, err)
	}

	return nil
}

// control posts a JSON command under the control timeout and discards the response body.
func (c *Client) control(ctx context.Context, endpoint string, request any) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.controlTimeout)
	defer cancel()

	_, err = c.post(callCtx, endpoint, body)

	return err
}

// post sends a JSON body to endpoint below the base URL and returns the response body.
func (c *Client) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	target := *c.baseURL
	// Use path.Join to normalize duplicate slashes when composing the URL path.
	target.Path = path.Join("/", target.Path, endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: %s", errBadHTTPStatus, resp.Status)
	}

	return data, nil
}
