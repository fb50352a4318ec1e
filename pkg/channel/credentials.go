package channel

import (
	"context"

	"github.com/cuemby/burrow/pkg/types"
)

// TokenSource supplies the bearer token presented at handshake
type TokenSource interface {
	EnsureUsable(ctx context.Context) (types.Session, error)
	ForceRefresh(ctx context.Context) (types.Session, error)
}

// bearer implements credentials.PerRPCCredentials on top of the session
type bearer struct {
	tokens TokenSource
	secure bool
}

func (b bearer) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	s, err := b.tokens.EnsureUsable(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"authorization": "Bearer " + s.AccessToken}, nil
}

func (b bearer) RequireTransportSecurity() bool {
	return b.secure
}
