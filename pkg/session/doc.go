/*
Package session owns the worker's identity and credential lifecycle.

Every network call the worker makes is gated by Manager.EnsureUsable, which
returns a session snapshot whose access token is valid for at least the
access margin. The Control API transport and the control channel both pull
their bearer token from it, so neither ever sees an expired credential.

# Architecture

The manager sits between the record store and the coordination server:

	┌──────────────────────────── MANAGER ────────────────────────────┐
	│                                                                  │
	│   Init ─────────┐   EnsureUsable ──┐   ForceRefresh ──┐          │
	│                 ▼                  ▼                  ▼          │
	│           ┌────────────────────────────────────────────────┐    │
	│           │                renew (under mu)                 │    │
	│           │  ensureIdentity ► register ► rotate ► issue     │    │
	│           └──────┬──────────────────────────────┬──────────┘    │
	│                  │                              │                │
	│        ┌─────────▼─────────┐          ┌─────────▼─────────┐     │
	│        │   RecordStore     │          │    Authority      │     │
	│        │ "authentication"  │          │ (pkg/api, retried)│     │
	│        └───────────────────┘          └───────────────────┘     │
	│                                                                  │
	│   report ──► metrics component "session" (healthy / reason)      │
	└──────────────────────────────────────────────────────────────────┘

The Authority interface (Register, RefreshToken, AccessToken,
CurrentWorker) is implemented by pkg/api's auth client, which talks to the
server without a bearer token. The Fingerprinter supplies the static system
information sent at registration and hashed into the signature.

# Core Components

Manager:
  - Serializes every renewal behind a mutex
  - Persists each credential as soon as it is issued
  - Publishes its health to the metrics component registry

Session record:
  - One JSON record under the "authentication" namespace
  - Read back on every call, never cached in memory

Identity:
  - internal_id, a UUID generated once
  - signature, sha256 over the static system info and internal_id
  - Both regenerated only when missing or malformed

Policies:
  - Retry, applied to each of the three renewal calls
  - Bootstrap, applied to Init as a whole (5 attempts, 1s apart)

# Session Record

The record holds:

	registration_token         enrollment credential, supplied externally
	internal_id                UUID generated once, the identity anchor
	signature                  sha256 of static system info + internal_id
	worker_id                  assigned by the server at registration
	refresh_token(_expires_at) long-lived credential
	access_token(_expires_at)  short-lived bearer credential

internal_id and signature survive registration, so registering again after
losing tokens keeps the machine identity and the server hands back the same
worker_id. A new refresh token clears the stored access token.

# Renewal

EnsureUsable runs three steps under the mutex:

 1. Registration, when the stored identity is incomplete, the supplied
    registration token differs from the stored one, or the refresh token
    has fully expired
 2. Refresh token rotation, when the refresh token is within
    RefreshMargin (1 day) of expiry
 3. Access token issuance, when the token is missing or within
    AccessMargin (1 hour) of expiry

Expiry timestamps are RFC 3339. A missing or malformed expiry is a
fault.KindValidation error and never treated as a valid credential. An
access token issued with less lifetime than the margin is rejected with
session/ACCESS_TOKEN_TOO_SHORT instead of being handed out.

# Usage

Creating a manager:

	mgr, err := session.NewManager(store, api.NewAuthClient(apiOpts), host, session.Config{
		Name:              cfg.Name,
		RegistrationToken: cfg.RegistrationToken,
		Retry:             cfg.Retry.Policy(),
	})
	if err != nil {
		return err
	}

Establishing the session at startup:

	if err := mgr.Init(ctx); err != nil {
		return fault.Wrap(fault.KindFatal, "worker/SESSION", err, "Failed to initialize session.")
	}

Getting a usable token before a call:

	s, err := mgr.EnsureUsable(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)

Recovering from a rejected credential:

	s, err := mgr.ForceRefresh(ctx)

Inspecting or dropping the stored session:

	s := mgr.Snapshot()
	err := mgr.Reset()

Zero values in Config fall back to defaults: 1h access margin, 24h refresh
margin, retry.Default() per call, a fixed 5 x 1s bootstrap and time.Now.

# Startup

Init forces a new access token on every attempt and forces registration on
the last one, which recovers from credentials revoked server-side. After
the renewal GET /worker must report the stored worker_id, otherwise Init
fails with session/WORKER_MISMATCH. Callers treat an Init failure as fatal.

NewManager fails with session/MISSING_REGISTRATION_TOKEN (fault.KindFatal)
when neither the store nor the configuration carries a registration token.

# Concurrency

All methods are safe for concurrent use. Renewals hold the mutex for their
whole duration, including network calls, so concurrent callers that find
an expiring token wait for one renewal and then reuse its result instead
of racing the server. Snapshot reads the store without the mutex and may
observe a session mid-renewal; every field it returns was persisted.

# Failure Scenarios

Registration token missing:

  - NewManager returns session/MISSING_REGISTRATION_TOKEN
  - The worker exits; nothing is retried

Server unavailable:

  - Each call is retried with the shared policy
  - Exhaustion surfaces as REGISTRATION_FAILED, GET_REFRESH_TOKEN_FAILED
    or GET_ACCESS_TOKEN_FAILED wrapping the transient cause

Refresh token revoked:

  - Rotation or issuance fails; EnsureUsable reports the error
  - Init forces registration on its last attempt and recovers

Registration token changed:

  - The next renewal registers again with the new token
  - The machine identity is kept

Corrupt record:

  - Malformed internal_id or signature are regenerated
  - Malformed expiry timestamps fail with MISSING_* or INVALID_*
    validation errors until the session is reset

# Performance Characteristics

  - Steady state costs one record read per call, no network traffic
  - At most one access token per AccessMargin under normal lifetimes
  - Renewals block concurrent callers for the duration of the calls

# Integration Points

This package integrates with:

  - pkg/api: the Authority implementation and the bearer transport
  - pkg/channel: per-RPC credentials and ForceRefresh on Unauthenticated
  - pkg/storage: the session record
  - pkg/sysinfo: the Fingerprinter
  - pkg/worker: Init during startup, worker id for logs and metrics
  - cmd/burrow: session show and session reset

# Design Patterns

Persist before use:

  - Every grant is written to the store before it is returned
  - A crash between calls never loses a credential the server issued

Margins instead of exact expiry:

  - Tokens count as expired ahead of time
  - Requests in flight never carry a token that expires mid-call

Forced escalation:

  - Init moves from renewal to full registration on its last attempt

# Troubleshooting

Worker exits at startup with WORKER_MISMATCH:

  - The registration token belongs to another worker entry
  - Run burrow session reset and start again

Repeated GET_ACCESS_TOKEN_FAILED:

  - Check the server clock against the worker clock
  - Look for ACCESS_TOKEN_TOO_SHORT, which means the server issues tokens
    shorter than access_margin

Worker registers on every start:

  - The registration token in the configuration differs from the stored
    one; burrow session show prints the stored values redacted

# Monitoring

  - burrow_session_renewals_total{kind="registration"|"refresh"|"access"}
  - Health component "session" on /health, with the last error as reason

# See Also

  - pkg/api for the authentication endpoints
  - pkg/channel for how the control channel reacts to rejected tokens
*/
package session
