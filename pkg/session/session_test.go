package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/retry"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type staticFingerprint struct{}

func (staticFingerprint) Static() types.SystemInfo {
	return types.SystemInfo{Hostname: "node-1", OS: "linux", Arch: "amd64", CPUCores: 4, Environment: "host"}
}

// fakeAuthority hands out worker ids per (internal id, signature) pair.
type fakeAuthority struct {
	mu sync.Mutex

	now        func() time.Time
	refreshTTL time.Duration
	accessTTL  time.Duration

	workers     map[string]string
	lastID      string
	registers   int
	refreshes   int
	accesses    int
	failAccess  int
	whoamiDrift bool
	seq         int
}

func newFakeAuthority(now func() time.Time) *fakeAuthority {
	return &fakeAuthority{
		now:        now,
		refreshTTL: 30 * 24 * time.Hour,
		accessTTL:  2 * time.Hour,
		workers:    make(map[string]string),
	}
}

func (a *fakeAuthority) Register(ctx context.Context, req types.RegisterRequest) (*types.RefreshGrant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registers++

	key := req.InternalID + "/" + req.Signature
	id, ok := a.workers[key]
	if !ok {
		id = uuid.NewString()
		a.workers[key] = id
	}
	a.lastID = id
	a.seq++
	return &types.RefreshGrant{
		ID:                    id,
		RefreshToken:          fmt.Sprintf("refresh-%d", a.seq),
		RefreshTokenExpiresAt: a.now().Add(a.refreshTTL).Format(time.RFC3339),
	}, nil
}

func (a *fakeAuthority) RefreshToken(ctx context.Context, creds types.Credentials) (*types.RefreshGrant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++
	a.seq++
	return &types.RefreshGrant{
		ID:                    creds.WorkerID,
		RefreshToken:          fmt.Sprintf("refresh-%d", a.seq),
		RefreshTokenExpiresAt: a.now().Add(a.refreshTTL).Format(time.RFC3339),
	}, nil
}

func (a *fakeAuthority) AccessToken(ctx context.Context, creds types.Credentials) (*types.AccessGrant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accesses++
	if a.failAccess > 0 {
		a.failAccess--
		return nil, errors.New("access denied")
	}
	a.seq++
	return &types.AccessGrant{
		AccessToken:          fmt.Sprintf("access-%d", a.seq),
		AccessTokenExpiresAt: a.now().Add(a.accessTTL).Format(time.RFC3339),
	}, nil
}

func (a *fakeAuthority) CurrentWorker(ctx context.Context, accessToken string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.whoamiDrift {
		return uuid.NewString(), nil
	}
	if a.lastID == "" {
		return "", errors.New("unknown token")
	}
	return a.lastID, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, store storage.RecordStore, token string) (*Manager, *fakeAuthority, *clock) {
	t.Helper()
	c := &clock{now: baseTime}
	auth := newFakeAuthority(c.Now)
	m, err := NewManager(store, auth, staticFingerprint{}, Config{
		Name:              "node-1",
		RegistrationToken: token,
		Retry:             retry.Fixed(1, 0),
		Bootstrap:         retry.Fixed(5, time.Millisecond),
		Now:               c.Now,
	})
	require.NoError(t, err)
	return m, auth, c
}

func TestNewManagerRequiresRegistrationToken(t *testing.T) {
	_, err := NewManager(storage.NewMemoryStore(), newFakeAuthority(time.Now), staticFingerprint{}, Config{})
	require.Error(t, err)
	assert.Equal(t, fault.KindFatal, fault.KindOf(err))
	assert.Equal(t, "session/MISSING_REGISTRATION_TOKEN", fault.KeyOf(err))
}

func TestInitRegistersAndPersists(t *testing.T) {
	store := storage.NewMemoryStore()
	m, auth, _ := newTestManager(t, store, "reg-token")

	require.NoError(t, m.Init(context.Background()))

	s := m.Snapshot()
	assert.True(t, isUUID(s.InternalID))
	assert.Regexp(t, `^[a-f0-9]{64}$`, s.Signature)
	assert.True(t, isUUID(s.WorkerID))
	assert.Equal(t, "reg-token", s.RegistrationToken)
	assert.NotEmpty(t, s.RefreshToken)
	assert.NotEmpty(t, s.AccessToken)
	assert.Equal(t, 1, auth.registers)
	assert.Equal(t, 1, auth.accesses)

	sig, err := Signature(staticFingerprint{}.Static(), s.InternalID)
	require.NoError(t, err)
	assert.Equal(t, sig, s.Signature)
}

func TestEnsureUsableReusesValidAccessToken(t *testing.T) {
	m, auth, _ := newTestManager(t, storage.NewMemoryStore(), "reg-token")
	require.NoError(t, m.Init(context.Background()))

	before := m.Snapshot().AccessToken
	s, err := m.EnsureUsable(context.Background())
	require.NoError(t, err)

	assert.Equal(t, before, s.AccessToken)
	assert.Equal(t, 1, auth.accesses)
	assert.Equal(t, 1, auth.registers)
}

func TestEnsureUsableRenewsInsideAccessMargin(t *testing.T) {
	m, auth, c := newTestManager(t, storage.NewMemoryStore(), "reg-token")
	require.NoError(t, m.Init(context.Background()))

	// Token lives 2h; after 61 minutes it is inside the 1h margin.
	c.Advance(61 * time.Minute)
	s, err := m.EnsureUsable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, auth.accesses)

	exp, err := time.Parse(time.RFC3339, s.AccessTokenExpiresAt)
	require.NoError(t, err)
	assert.True(t, exp.Add(-DefaultAccessMargin).After(c.Now()))
}

func TestEnsureUsableNeverReturnsExpiredAccessToken(t *testing.T) {
	m, auth, c := newTestManager(t, storage.NewMemoryStore(), "reg-token")
	require.NoError(t, m.Init(context.Background()))

	for i := 0; i < 20; i++ {
		c.Advance(37 * time.Minute)
		s, err := m.EnsureUsable(context.Background())
		require.NoError(t, err)

		exp, err := time.Parse(time.RFC3339, s.AccessTokenExpiresAt)
		require.NoError(t, err)
		assert.False(t, exp.Add(-DefaultAccessMargin).Before(c.Now()), "iteration %d", i)
	}
	assert.Equal(t, 1, auth.registers)
}

func TestEnsureUsableRejectsShortLivedAccessToken(t *testing.T) {
	m, auth, _ := newTestManager(t, storage.NewMemoryStore(), "reg-token")
	auth.accessTTL = 30 * time.Minute

	_, err := m.EnsureUsable(context.Background())
	require.Error(t, err)
	assert.Equal(t, "session/ACCESS_TOKEN_TOO_SHORT", fault.KeyOf(err))
}

func TestEnsureUsableRotatesRefreshToken(t *testing.T) {
	m, auth, c := newTestManager(t, storage.NewMemoryStore(), "reg-token")
	require.NoError(t, m.Init(context.Background()))
	old := m.Snapshot().RefreshToken

	// 30 day refresh token, now inside the one day margin.
	c.Advance(29*24*time.Hour + time.Hour)
	s, err := m.EnsureUsable(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, auth.refreshes)
	assert.Equal(t, 1, auth.registers)
	assert.NotEqual(t, old, s.RefreshToken)
}

func TestEnsureUsableRegistersAfterRefreshTokenExpired(t *testing.T) {
	m, auth, c := newTestManager(t, storage.NewMemoryStore(), "reg-token")
	require.NoError(t, m.Init(context.Background()))
	workerID := m.Snapshot().WorkerID

	c.Advance(31 * 24 * time.Hour)
	s, err := m.EnsureUsable(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, auth.registers)
	assert.Equal(t, workerID, s.WorkerID)
}

func TestRegistrationIsIdempotentForIdentity(t *testing.T) {
	store := storage.NewMemoryStore()
	m, auth, _ := newTestManager(t, store, "reg-token")
	require.NoError(t, m.Init(context.Background()))
	first := m.Snapshot()

	// Losing the tokens forces registration but keeps the identity anchors.
	require.NoError(t, store.Set(Namespace, map[string]string{"refresh_token": ""}))
	s, err := m.EnsureUsable(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, auth.registers)
	assert.Equal(t, first.InternalID, s.InternalID)
	assert.Equal(t, first.Signature, s.Signature)
	assert.Equal(t, first.WorkerID, s.WorkerID)
}

func TestChangedRegistrationTokenTriggersRegistration(t *testing.T) {
	store := storage.NewMemoryStore()
	m, _, _ := newTestManager(t, store, "reg-token")
	require.NoError(t, m.Init(context.Background()))

	m2, auth2, _ := newTestManager(t, store, "rotated-token")
	_, err := m2.EnsureUsable(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, auth2.registers)
	assert.Equal(t, "rotated-token", m2.Snapshot().RegistrationToken)
}

func TestMalformedExpiryIsValidationError(t *testing.T) {
	store := storage.NewMemoryStore()
	m, _, _ := newTestManager(t, store, "reg-token")
	require.NoError(t, m.Init(context.Background()))

	require.NoError(t, store.Set(Namespace, map[string]string{"access_token_expires_at": "tomorrow-ish"}))
	_, err := m.EnsureUsable(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	assert.Equal(t, "session/INVALID_ACCESS_TOKEN_EXPIRATION_DATE", fault.KeyOf(err))
}

func TestInitForcesRegistrationOnLastAttempt(t *testing.T) {
	m, auth, _ := newTestManager(t, storage.NewMemoryStore(), "reg-token")
	require.NoError(t, m.Init(context.Background()))
	require.Equal(t, 1, auth.registers)

	// Every access token call fails for the first four attempts.
	auth.failAccess = 4
	require.NoError(t, m.Init(context.Background()))
	assert.Equal(t, 2, auth.registers)
}

func TestInitFailsOnWorkerMismatch(t *testing.T) {
	m, auth, _ := newTestManager(t, storage.NewMemoryStore(), "reg-token")
	auth.whoamiDrift = true

	err := m.Init(context.Background())
	require.Error(t, err)
	assert.True(t, fault.HasKey(err, "session/WORKER_MISMATCH"))
}

func TestForceRefreshIssuesNewAccessToken(t *testing.T) {
	m, auth, _ := newTestManager(t, storage.NewMemoryStore(), "reg-token")
	require.NoError(t, m.Init(context.Background()))
	before := m.Snapshot().AccessToken

	s, err := m.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, before, s.AccessToken)
	assert.Equal(t, 2, auth.accesses)
}

func TestResetDeletesSession(t *testing.T) {
	store := storage.NewMemoryStore()
	m, _, _ := newTestManager(t, store, "reg-token")
	require.NoError(t, m.Init(context.Background()))

	require.NoError(t, m.Reset())
	assert.Equal(t, types.Session{}, m.Snapshot())
}
