package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds JSON calls to the Control API
const DefaultTimeout = 30 * time.Second

// Options configures the Control API clients
type Options struct {
	// BaseURL is the server root; endpoint paths start with /worker.
	BaseURL string
	// Timeout bounds each JSON request.
	Timeout time.Duration
	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
	// UserAgent is sent with every request.
	UserAgent string
}

// base is the JSON request plumbing shared by both clients
type base struct {
	baseURL   string
	http      *http.Client
	userAgent string
	logger    zerolog.Logger
}

func newBase(opts Options, transport http.RoundTripper, component string) base {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return base{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		http:      &http.Client{Timeout: timeout, Transport: transport},
		userAgent: opts.UserAgent,
		logger:    log.WithComponent(component),
	}
}

// do sends a JSON request and decodes a JSON response into out when non-nil
func (b *base) do(ctx context.Context, method, path string, in, out any, header http.Header) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return &Error{Method: method, Path: path, Err: err}
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.userAgent != "" {
		req.Header.Set("User-Agent", b.userAgent)
	}

	start := time.Now()
	resp, err := b.http.Do(req)
	if err != nil {
		return &Error{Method: method, Path: path, Err: unwrapURLError(err)}
	}
	defer resp.Body.Close()

	b.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Control API request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Method: method, Path: path, Status: resp.StatusCode, Message: bodyMessage(data)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Method: method, Path: path, Status: resp.StatusCode, Message: "invalid response body", Err: err}
	}
	return nil
}
