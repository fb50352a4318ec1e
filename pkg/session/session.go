package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/retry"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Namespace is the record store namespace holding the session
const Namespace = "authentication"

const (
	// DefaultAccessMargin treats access tokens as expired this long before their expiry.
	DefaultAccessMargin = time.Hour
	// DefaultRefreshMargin treats refresh tokens as expired this long before their expiry.
	DefaultRefreshMargin = 24 * time.Hour

	initAttempts = 5
	initDelay    = time.Second
)

var sha256Hex = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Authority is the coordination server side of the session lifecycle
type Authority interface {
	Register(ctx context.Context, req types.RegisterRequest) (*types.RefreshGrant, error)
	RefreshToken(ctx context.Context, creds types.Credentials) (*types.RefreshGrant, error)
	AccessToken(ctx context.Context, creds types.Credentials) (*types.AccessGrant, error)
	// CurrentWorker returns the worker id the access token belongs to.
	CurrentWorker(ctx context.Context, accessToken string) (string, error)
}

// Fingerprinter supplies the static attributes identifying this machine
type Fingerprinter interface {
	Static() types.SystemInfo
}

// Config holds session manager settings
type Config struct {
	// Name is sent at registration.
	Name string
	// RegistrationToken is the externally supplied enrollment credential.
	// When it differs from the stored one the worker registers again.
	RegistrationToken string

	AccessMargin  time.Duration
	RefreshMargin time.Duration

	// Retry is applied to each of the three renewal calls.
	Retry retry.Policy
	// Bootstrap is applied to Init as a whole.
	Bootstrap retry.Policy

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// Manager owns registration and token rotation. All methods are safe for
// concurrent use; renewals are serialized.
type Manager struct {
	mu        sync.Mutex
	store     storage.RecordStore
	authority Authority
	hostInfo  Fingerprinter
	cfg       Config
	logger    zerolog.Logger
}

type renewal struct {
	forceRegistration bool
	forceAccess       bool
}

// NewManager creates a session manager. It fails with a fatal error when no
// registration token is stored nor supplied.
func NewManager(store storage.RecordStore, authority Authority, hostInfo Fingerprinter, cfg Config) (*Manager, error) {
	if cfg.AccessMargin <= 0 {
		cfg.AccessMargin = DefaultAccessMargin
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default()
	}
	if cfg.Bootstrap.MaxAttempts == 0 {
		cfg.Bootstrap = retry.Fixed(initAttempts, initDelay)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager{
		store:     store,
		authority: authority,
		hostInfo:  hostInfo,
		cfg:       cfg,
		logger:    log.WithComponent("session"),
	}

	s, err := m.load()
	if err != nil {
		return nil, err
	}
	if s.RegistrationToken == "" && cfg.RegistrationToken == "" {
		return nil, fault.New(fault.KindFatal, "session/MISSING_REGISTRATION_TOKEN", "Registration token is missing.")
	}

	return m, nil
}

// Init establishes a usable session with a fresh access token. It retries
// with a fixed delay and forces registration on the last attempt, which
// recovers from credentials revoked server-side. The server must then
// recognise the access token as belonging to the stored worker id.
func (m *Manager) Init(ctx context.Context) error {
	err := m.cfg.Bootstrap.Do(ctx, "session/INIT", func(ctx context.Context, attempt int) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		s, err := m.renew(ctx, renewal{
			forceAccess:       true,
			forceRegistration: attempt >= m.cfg.Bootstrap.MaxAttempts,
		})
		if err != nil {
			return err
		}

		id, err := m.authority.CurrentWorker(ctx, s.AccessToken)
		if err != nil {
			return fault.Wrap(fault.KindSession, "session/GET_CURRENT_DATA", err, "Get current data failed.")
		}
		if id != s.WorkerID {
			return fault.Newf(fault.KindSession, "session/WORKER_MISMATCH", "Server identifies this worker as %s, expected %s.", id, s.WorkerID)
		}
		return nil
	})

	m.report(err)
	if err != nil {
		return err
	}

	m.logger.Info().Str("worker_id", m.Snapshot().WorkerID).Msg("Session established")
	return nil
}

// EnsureUsable returns a session whose access token is valid for at least
// the access margin, renewing credentials as needed.
func (m *Manager) EnsureUsable(ctx context.Context) (types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.renew(ctx, renewal{})
	m.report(err)
	return s, err
}

// ForceRefresh issues a new access token regardless of the stored expiry.
// It is triggered when the server rejects a credential out of band.
func (m *Manager) ForceRefresh(ctx context.Context) (types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.renew(ctx, renewal{forceAccess: true})
	m.report(err)
	return s, err
}

// Snapshot returns the persisted session without renewing it
func (m *Manager) Snapshot() types.Session {
	s, _ := m.load()
	return s
}

// Reset deletes the persisted session
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(Namespace)
}

func (m *Manager) report(err error) {
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentSession, false, fault.Message(err))
		return
	}
	metrics.UpdateComponent(metrics.ComponentSession, true, "")
}

func (m *Manager) load() (types.Session, error) {
	var s types.Session
	if _, err := m.store.Get(Namespace, &s); err != nil {
		return s, err
	}
	return s, nil
}

// ensureIdentity generates the internal id and the signature when missing
// or malformed. Both are otherwise kept forever so re-registration does not
// change the machine identity.
func (m *Manager) ensureIdentity() error {
	s, err := m.load()
	if err != nil {
		return err
	}

	if _, err := uuid.Parse(s.InternalID); err != nil {
		s.InternalID = uuid.NewString()
		if err := m.store.Set(Namespace, map[string]string{"internal_id": s.InternalID}); err != nil {
			return err
		}
		// A new anchor invalidates the old signature.
		s.Signature = ""
	}

	if !sha256Hex.MatchString(s.Signature) {
		sig, err := Signature(m.hostInfo.Static(), s.InternalID)
		if err != nil {
			return err
		}
		if err := m.store.Set(Namespace, map[string]string{"signature": sig}); err != nil {
			return err
		}
	}
	return nil
}

// Signature derives the identity fingerprint from the static system
// attributes and the internal id.
func Signature(info types.SystemInfo, internalID string) (string, error) {
	if _, err := uuid.Parse(internalID); err != nil {
		return "", fault.New(fault.KindValidation, "session/MISSING_INTERNAL_ID", "Internal id is missing.")
	}

	data, err := json.Marshal(struct {
		types.SystemInfo
		InternalID string `json:"internalId"`
	}{info, internalID})
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (m *Manager) renew(ctx context.Context, r renewal) (types.Session, error) {
	if err := m.ensureIdentity(); err != nil {
		return types.Session{}, err
	}

	s, err := m.load()
	if err != nil {
		return s, err
	}
	now := m.cfg.Now()

	registered := false
	if m.needsRegistration(s, r) {
		if s, err = m.register(ctx, s); err != nil {
			return s, err
		}
		registered = true
	}

	refreshExp, err := parseExpiry(s.RefreshTokenExpiresAt, "REFRESH_TOKEN")
	if err != nil {
		return s, err
	}
	if !registered && !now.Before(refreshExp) {
		// Rotation needs a live refresh token; start over instead.
		if s, err = m.register(ctx, s); err != nil {
			return s, err
		}
		if refreshExp, err = parseExpiry(s.RefreshTokenExpiresAt, "REFRESH_TOKEN"); err != nil {
			return s, err
		}
	}
	if !now.Before(refreshExp.Add(-m.cfg.RefreshMargin)) {
		if s, err = m.rotateRefreshToken(ctx, s); err != nil {
			return s, err
		}
	}

	needsAccess := r.forceAccess || s.AccessToken == "" || s.AccessTokenExpiresAt == ""
	if !needsAccess {
		accessExp, err := parseExpiry(s.AccessTokenExpiresAt, "ACCESS_TOKEN")
		if err != nil {
			return s, err
		}
		needsAccess = !now.Before(accessExp.Add(-m.cfg.AccessMargin))
	}
	if needsAccess {
		if s, err = m.issueAccessToken(ctx, s); err != nil {
			return s, err
		}
		accessExp, err := parseExpiry(s.AccessTokenExpiresAt, "ACCESS_TOKEN")
		if err != nil {
			return s, err
		}
		if !now.Before(accessExp.Add(-m.cfg.AccessMargin)) {
			return s, fault.Newf(fault.KindSession, "session/ACCESS_TOKEN_TOO_SHORT",
				"Issued access token expires at %s, inside the %s safety margin.", s.AccessTokenExpiresAt, m.cfg.AccessMargin)
		}
	}

	return s, nil
}

func (m *Manager) needsRegistration(s types.Session, r renewal) bool {
	if r.forceRegistration {
		return true
	}
	if s.RegistrationToken == "" || s.WorkerID == "" || s.RefreshToken == "" {
		return true
	}
	return m.cfg.RegistrationToken != "" && m.cfg.RegistrationToken != s.RegistrationToken
}

func (m *Manager) register(ctx context.Context, s types.Session) (types.Session, error) {
	token := m.cfg.RegistrationToken
	if token == "" {
		token = s.RegistrationToken
	}
	if token == "" {
		return s, fault.New(fault.KindFatal, "session/MISSING_REGISTRATION_TOKEN", "Registration token is missing.")
	}
	if err := m.store.Set(Namespace, map[string]string{"registration_token": token}); err != nil {
		return s, err
	}

	req := types.RegisterRequest{
		Name:              m.cfg.Name,
		RegistrationToken: token,
		InternalID:        s.InternalID,
		Signature:         s.Signature,
		SystemInfo:        m.hostInfo.Static(),
	}

	grant, err := retry.Value(ctx, m.cfg.Retry, "session/REGISTER", func(ctx context.Context, _ int) (*types.RefreshGrant, error) {
		return m.authority.Register(ctx, req)
	})
	if err != nil {
		return s, fault.Wrap(fault.KindSession, "session/REGISTRATION_FAILED", err, "Registration failed.")
	}

	metrics.SessionRenewalsTotal.WithLabelValues("registration").Inc()
	m.logger.Info().Str("worker_id", grant.ID).Msg("Worker registered")

	// A new refresh token makes any stored access token meaningless.
	return m.persist(map[string]string{
		"worker_id":                grant.ID,
		"refresh_token":            grant.RefreshToken,
		"refresh_token_expires_at": grant.RefreshTokenExpiresAt,
		"access_token":             "",
		"access_token_expires_at":  "",
	})
}

func (m *Manager) rotateRefreshToken(ctx context.Context, s types.Session) (types.Session, error) {
	creds, err := m.credentials(s)
	if err != nil {
		return s, err
	}

	grant, err := retry.Value(ctx, m.cfg.Retry, "session/REFRESH_TOKEN", func(ctx context.Context, _ int) (*types.RefreshGrant, error) {
		return m.authority.RefreshToken(ctx, creds)
	})
	if err != nil {
		return s, fault.Wrap(fault.KindSession, "session/GET_REFRESH_TOKEN_FAILED", err, "Get refresh token failed.")
	}

	metrics.SessionRenewalsTotal.WithLabelValues("refresh").Inc()
	m.logger.Debug().Msg("Refresh token rotated")

	return m.persist(map[string]string{
		"worker_id":                grant.ID,
		"refresh_token":            grant.RefreshToken,
		"refresh_token_expires_at": grant.RefreshTokenExpiresAt,
	})
}

func (m *Manager) issueAccessToken(ctx context.Context, s types.Session) (types.Session, error) {
	creds, err := m.credentials(s)
	if err != nil {
		return s, err
	}

	grant, err := retry.Value(ctx, m.cfg.Retry, "session/ACCESS_TOKEN", func(ctx context.Context, _ int) (*types.AccessGrant, error) {
		return m.authority.AccessToken(ctx, creds)
	})
	if err != nil {
		return s, fault.Wrap(fault.KindSession, "session/GET_ACCESS_TOKEN_FAILED", err, "Get access token failed.")
	}

	metrics.SessionRenewalsTotal.WithLabelValues("access").Inc()
	m.logger.Debug().Str("expires_at", grant.AccessTokenExpiresAt).Msg("Access token issued")

	return m.persist(map[string]string{
		"access_token":            grant.AccessToken,
		"access_token_expires_at": grant.AccessTokenExpiresAt,
	})
}

func (m *Manager) persist(fields map[string]string) (types.Session, error) {
	if err := m.store.Set(Namespace, fields); err != nil {
		return types.Session{}, err
	}
	return m.load()
}

// credentials validates the stored session before it is sent to a renewal endpoint
func (m *Manager) credentials(s types.Session) (types.Credentials, error) {
	switch {
	case m.cfg.Name == "":
		return types.Credentials{}, fault.New(fault.KindValidation, "session/MISSING_NAME", "Name is missing.")
	case s.RegistrationToken == "":
		return types.Credentials{}, fault.New(fault.KindValidation, "session/MISSING_REGISTRATION_TOKEN", "Registration token is missing.")
	case !sha256Hex.MatchString(s.Signature):
		return types.Credentials{}, fault.New(fault.KindValidation, "session/MISSING_SIGNATURE", "Signature is missing.")
	case !isUUID(s.InternalID):
		return types.Credentials{}, fault.New(fault.KindValidation, "session/MISSING_INTERNAL_ID", "Internal id is missing.")
	case !isUUID(s.WorkerID):
		return types.Credentials{}, fault.New(fault.KindValidation, "session/MISSING_WORKER_ID", "Worker id is missing.")
	case s.RefreshToken == "":
		return types.Credentials{}, fault.New(fault.KindValidation, "session/MISSING_REFRESH_TOKEN", "Refresh token is missing.")
	case s.RefreshTokenExpiresAt == "":
		return types.Credentials{}, fault.New(fault.KindValidation, "session/MISSING_REFRESH_TOKEN_EXPIRES_AT", "Refresh token expires at is missing.")
	}

	return types.Credentials{
		Name:              m.cfg.Name,
		SystemInfo:        m.hostInfo.Static(),
		RegistrationToken: s.RegistrationToken,
		InternalID:        s.InternalID,
		Signature:         s.Signature,
		WorkerID:          s.WorkerID,
		RefreshToken:      s.RefreshToken,
	}, nil
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// parseExpiry parses an ISO-8601 timestamp. Missing or malformed values are
// validation errors, never treated as valid credentials.
func parseExpiry(value, what string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fault.Newf(fault.KindValidation, "session/MISSING_"+what+"_EXPIRATION_DATE", "%s expiration date is missing.", what)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fault.Wrap(fault.KindValidation, "session/INVALID_"+what+"_EXPIRATION_DATE", err, "Invalid expiration date.")
	}
	return t, nil
}
