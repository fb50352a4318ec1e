package api

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/rs/zerolog"
)

// Transfer moves files to and from pre-signed storage URLs. These URLs
// carry their own authorization, so no bearer token is attached and no
// timeout other than the context applies.
type Transfer struct {
	http   *http.Client
	logger zerolog.Logger
}

// NewTransfer creates a transfer client
func NewTransfer(transport http.RoundTripper) *Transfer {
	return &Transfer{
		http:   &http.Client{Transport: transport},
		logger: log.WithComponent("transfer"),
	}
}

// Download streams the body at rawURL into dst and returns the bytes written
func (t *Transfer) Download(ctx context.Context, rawURL, dst string) (int64, error) {
	path := redactedPath(rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, &Error{Method: http.MethodGet, Path: path, Err: err}
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return 0, &Error{Method: http.MethodGet, Path: path, Err: unwrapURLError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &Error{Method: http.MethodGet, Path: path, Status: resp.StatusCode, Message: bodyMessage(data)}
	}

	f, err := os.Create(dst)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, &Error{Method: http.MethodGet, Path: path, Status: resp.StatusCode, Message: "download interrupted", Err: err}
	}

	t.logger.Debug().Str("path", path).Int64("bytes", n).Msg("Downloaded file")
	return n, nil
}

// Upload streams the file at src to rawURL with a PUT request
func (t *Transfer) Upload(ctx context.Context, rawURL, src, contentType string) error {
	path := redactedPath(rawURL)

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawURL, f)
	if err != nil {
		return &Error{Method: http.MethodPut, Path: path, Err: err}
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)

	resp, err := t.http.Do(req)
	if err != nil {
		return &Error{Method: http.MethodPut, Path: path, Err: unwrapURLError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Method: http.MethodPut, Path: path, Status: resp.StatusCode, Message: bodyMessage(data)}
	}

	t.logger.Debug().Str("path", path).Int64("bytes", info.Size()).Msg("Uploaded file")
	return nil
}
