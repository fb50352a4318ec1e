package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// CredentialSource hands out a currently valid session
type CredentialSource interface {
	EnsureUsable(ctx context.Context) (types.Session, error)
}

// AuthFailureFunc is called when no valid credential can be obtained
type AuthFailureFunc func(err error)

// ExitOnAuthFailure terminates the process. A worker never keeps running
// without credentials.
func ExitOnAuthFailure(err error) {
	log.Logger.Fatal().Str("error", fault.Message(err)).Msg("Unable to obtain valid credentials")
}

// authTransport attaches the session's access token to every request
type authTransport struct {
	creds     CredentialSource
	next      http.RoundTripper
	onFailure AuthFailureFunc
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s, err := t.creds.EnsureUsable(req.Context())
	if err != nil {
		// Shutdown is not a credential failure.
		if req.Context().Err() == nil && t.onFailure != nil {
			t.onFailure(err)
		}
		return nil, err
	}

	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+s.AccessToken)
	return t.next.RoundTrip(r)
}

func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
