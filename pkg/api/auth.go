package api

import (
	"context"
	"net/http"

	"github.com/cuemby/burrow/pkg/types"
)

// AuthClient calls the credential endpoints, which do not take a bearer
// token. It implements session.Authority.
type AuthClient struct {
	base
}

// NewAuthClient creates a client for the registration and token endpoints
func NewAuthClient(opts Options) *AuthClient {
	return &AuthClient{base: newBase(opts, opts.Transport, "api")}
}

// Register exchanges the registration token and identity for a refresh token
func (c *AuthClient) Register(ctx context.Context, req types.RegisterRequest) (*types.RefreshGrant, error) {
	var grant types.RefreshGrant
	if err := c.do(ctx, http.MethodPost, "/worker/register", req, &grant, nil); err != nil {
		return nil, err
	}
	return &grant, nil
}

// RefreshToken rotates the refresh token
func (c *AuthClient) RefreshToken(ctx context.Context, creds types.Credentials) (*types.RefreshGrant, error) {
	var grant types.RefreshGrant
	if err := c.do(ctx, http.MethodPost, "/worker/refresh-token", creds, &grant, nil); err != nil {
		return nil, err
	}
	return &grant, nil
}

// AccessToken issues a short-lived access token
func (c *AuthClient) AccessToken(ctx context.Context, creds types.Credentials) (*types.AccessGrant, error) {
	var grant types.AccessGrant
	if err := c.do(ctx, http.MethodPost, "/worker/access-token", creds, &grant, nil); err != nil {
		return nil, err
	}
	return &grant, nil
}

// CurrentWorker asks the server which worker the access token belongs to
func (c *AuthClient) CurrentWorker(ctx context.Context, accessToken string) (string, error) {
	var worker struct {
		ID string `json:"id"`
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)
	if err := c.do(ctx, http.MethodGet, "/worker", nil, &worker, header); err != nil {
		return "", err
	}
	return worker.ID, nil
}
