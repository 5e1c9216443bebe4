package extraction

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Client calls the extraction service over HTTP. The document is posted as
// multipart form field "file" to /extract.
type Client struct {
	http     *resty.Client
	maxBytes int64
	log      zerolog.Logger
}

type Option func(*Client)

// WithTimeout bounds each request, retries included separately.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// WithRetries sets how many times a failed request is retried.
func WithRetries(n int) Option {
	return func(c *Client) { c.http.SetRetryCount(n) }
}

// WithMaxBytes overrides DefaultMaxBytes.
func WithMaxBytes(n int64) Option {
	return func(c *Client) { c.maxBytes = n }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(60*time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500*time.Millisecond).
			SetRetryMaxWaitTime(5*time.Second).
			SetRetryResetReaders(true).
			SetHeader("Accept", "application/json"),
		maxBytes: DefaultMaxBytes,
		log:      zerolog.Nop(),
	}
	c.http.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= 500
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxBytes is the largest document Extract accepts.
func (c *Client) MaxBytes() int64 { return c.maxBytes }

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) Extract(ctx context.Context, doc Document) (*Report, error) {
	if err := doc.Validate(c.maxBytes); err != nil {
		return nil, err
	}

	var report Report
	var failure errorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartField("file", doc.Filename, doc.ContentType, bytes.NewReader(doc.Data)).
		SetResult(&report).
		SetError(&failure).
		Post("/extract")
	if err != nil {
		c.log.Error().Err(err).Str("filename", doc.Filename).Msg("extraction request failed")
		return nil, fmt.Errorf("call extraction service: %w", err)
	}
	if resp.IsError() {
		msg := failure.Message
		if msg == "" {
			msg = failure.Error
		}
		if msg == "" {
			msg = resp.Status()
		}
		c.log.Error().Int("status", resp.StatusCode()).Str("filename", doc.Filename).Msg("extraction service returned an error")
		return nil, fmt.Errorf("extraction service: %s (status %d)", msg, resp.StatusCode())
	}

	c.log.Info().Str("filename", doc.Filename).Int("tests", len(report.Tests)).Msg("document extracted")
	return &report, nil
}
