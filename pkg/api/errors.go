package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cuemby/burrow/pkg/retry"
)

const maxBodyMessage = 256

// Error is a failed HTTP exchange with the coordination server or a
// pre-signed storage URL. It never carries query strings or headers, so it
// is safe to log and to send back as a failure reason.
type Error struct {
	Method  string
	Path    string
	Status  int
	Message string
	Err     error
}

// SafeMessage renders "[METHOD path status] message"
func (e *Error) SafeMessage() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.Method)
	b.WriteString(" ")
	b.WriteString(e.Path)
	if e.Status != 0 {
		fmt.Fprintf(&b, " %d", e.Status)
	}
	b.WriteString("]")

	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg != "" {
		b.WriteString(" ")
		b.WriteString(msg)
	}
	return b.String()
}

func (e *Error) Error() string {
	return e.SafeMessage()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status of err, or 0 when err is not an HTTP error
func StatusCode(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

// Retryable reports whether repeating the request may succeed. Transport
// failures, server errors, 401 (the token is renewed on the next attempt),
// 408 and 429 are retryable; other client errors are not.
func Retryable(err error) bool {
	status := StatusCode(err)
	switch {
	case status == 0:
		return true
	case status >= 500:
		return true
	case status == http.StatusUnauthorized, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	}
	return false
}

// classify marks non-retryable errors permanent for the retry policy
func classify(err error) error {
	if err == nil || Retryable(err) {
		return err
	}
	return retry.Permanent(err)
}

func redactedPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	if u.Host == "" {
		return u.Path
	}
	return u.Host + u.Path
}

// bodyMessage extracts a human message from an error response body
func bodyMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxBodyMessage {
		msg = msg[:maxBodyMessage] + "..."
	}
	return msg
}
