package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/retry"
	"github.com/cuemby/burrow/pkg/types"
)

// Client calls the job endpoints of the Control API. Every request carries
// a bearer token from the CredentialSource and is retried with the
// configured policy.
type Client struct {
	base
	retry retry.Policy
}

// NewClient creates a Control API client. onFailure is invoked when
// credential renewal fails; nil selects ExitOnAuthFailure.
func NewClient(opts Options, creds CredentialSource, policy retry.Policy, onFailure AuthFailureFunc) *Client {
	next := opts.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	if onFailure == nil {
		onFailure = ExitOnAuthFailure
	}

	transport := &authTransport{creds: creds, next: next, onFailure: onFailure}
	return &Client{
		base:  newBase(opts, transport, "api"),
		retry: policy,
	}
}

func processingPath(id string, parts ...string) string {
	p := "/worker/processing/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	return c.retry.Do(ctx, op, func(ctx context.Context, _ int) error {
		return classify(c.do(ctx, method, path, in, out, nil))
	})
}

// GetProcessing fetches the job descriptor
func (c *Client) GetProcessing(ctx context.Context, id string) (*types.Processing, error) {
	var p types.Processing
	if err := c.call(ctx, "api/GET_PROCESSING", http.MethodGet, processingPath(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ReportProgress tells the server the job container is still running
func (c *Client) ReportProgress(ctx context.Context, id string) error {
	return c.call(ctx, "api/REPORT_PROGRESS", http.MethodPost, processingPath(id, "progress"), nil, nil)
}

// GenerateUpload requests a pre-signed upload URL for an artifact
func (c *Client) GenerateUpload(ctx context.Context, id string, kind types.OutputKind, file types.FileData) (string, error) {
	// The response is the updated descriptor; only the slot for kind matters.
	var resp map[string]json.RawMessage
	path := processingPath(id, string(kind), "generate_upload")
	if err := c.call(ctx, "api/GENERATE_UPLOAD", http.MethodPost, path, file, &resp); err != nil {
		return "", err
	}

	var out types.OutputFile
	if raw, ok := resp[string(kind)]; ok {
		_ = json.Unmarshal(raw, &out)
	}
	if out.UploadURL == "" {
		return "", fault.Newf(fault.KindJob, "api/MISSING_UPLOAD_URL", "Missing %s upload url for processing id %s.", kind, id)
	}
	return out.UploadURL, nil
}

// ConfirmUpload acknowledges that an artifact was uploaded
func (c *Client) ConfirmUpload(ctx context.Context, id string, kind types.OutputKind) error {
	return c.call(ctx, "api/CONFIRM_UPLOAD", http.MethodPost, processingPath(id, string(kind), "uploaded"), nil, nil)
}

// ReportSuccess marks the job as succeeded
func (c *Client) ReportSuccess(ctx context.Context, id string) error {
	return c.call(ctx, "api/REPORT_SUCCESS", http.MethodPost, processingPath(id, "success"), nil, nil)
}

// ReportFailure marks the job as failed with a reason
func (c *Client) ReportFailure(ctx context.Context, id, reason string) error {
	body := map[string]string{"reason": reason}
	return c.call(ctx, "api/REPORT_FAILURE", http.MethodPost, processingPath(id, "failure"), body, nil)
}
