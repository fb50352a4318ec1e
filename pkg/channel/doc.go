/*
Package channel keeps the worker's persistent event stream to the
coordination server.

The stream is a single bidirectional gRPC call,
/burrow.worker.v1.ControlChannel/Connect, whose messages are
google.protobuf.Struct envelopes of the form {"event": ..., "data": ...}.
The server pushes work and status requests down the stream. The worker
pushes its status and job acquisitions back up.

# Architecture

	┌──────────────────────────── CLIENT ─────────────────────────────┐
	│                                                                  │
	│   Connect ──► open ──► handshake ──► attach ──► run (goroutine)  │
	│                 ▲                                 │              │
	│                 │            stream broken        │              │
	│                 └──────────── reconnect ◄─────────┘              │
	│                                                                  │
	│   receive ──► Handler.OnWork / OnGetStatus   (own goroutines)    │
	│   Emit    ──► SendMsg under sendMu                               │
	│                                                                  │
	│   grpc.ClientConn                                                │
	│     ├─ TLS 1.2+ (or insecure)                                    │
	│     ├─ bearer PerRPCCredentials ◄── TokenSource (pkg/session)    │
	│     └─ logStreamInterceptor                                      │
	└──────────────────────────────────────────────────────────────────┘

The client depends on two interfaces: TokenSource, implemented by the
session manager, and Handler, implemented by pkg/worker's dispatcher.

# Core Components

Client:
  - Owns the gRPC connection and the current stream
  - Reconnects in the background until closed
  - Tracks consecutive rejected handshakes

Protocol:
  - ServiceDesc and RegisterServer for the Connect stream
  - Encode and Decode between envelopes and structpb.Struct

Credentials:
  - bearer adds "authorization: Bearer <token>" to every stream
  - The token comes from TokenSource.EnsureUsable at handshake time
  - Transport security is required unless Options.Insecure is set

Interceptor:
  - Debug logs every stream opened, with the handshake latency on failure

# Events

Inbound:

	worker:work        {"processing_id": "<uuid>"}  calls Handler.OnWork
	worker:get-status  {}                           calls Handler.OnGetStatus

Outbound:

	worker:status               types.WorkerStatus
	worker:processing-acquired  {"processing_id": "<uuid>"}

Unknown inbound events are logged at debug level and ignored. A work event
without a processing_id is dropped with a warning.

# Usage

Creating and connecting a client:

	ch, err := channel.New(channel.Options{
		Addr:     cfg.ChannelAddr,
		Insecure: cfg.ChannelInsecure,
	}, sessionManager, dispatcher)
	if err != nil {
		return err
	}
	if err := ch.Connect(ctx); err != nil {
		return err
	}
	defer ch.Close()

Implementing a handler:

	type dispatcher struct{ engine *processing.Engine }

	func (d *dispatcher) OnWork(id string)  { _ = d.engine.Dispatch(ctx, id) }
	func (d *dispatcher) OnGetStatus()      { d.engine.ReportStatus() }
	func (d *dispatcher) OnConnected()      { d.engine.ReportStatus() }

Emitting an event:

	if err := ch.Emit(channel.EventStatus, status); errors.Is(err, channel.ErrNotConnected) {
		// dropped; the next status refresh resends it
	}

Serving the stream in tests:

	srv := grpc.NewServer()
	channel.RegisterServer(srv, fake)

Zero values in Options fall back to defaults: 5 connect attempts 1s apart,
reconnect delay 1s growing linearly to 5s, 3 tolerated auth failures, a 15s
handshake timeout and an OnFatal that logs at fatal level and exits.

# Connection Lifecycle

Connect:

 1. Open a stream and wait for the server's response headers
 2. Retry with a fixed delay up to ConnectAttempts
 3. Fail with channel/CONNECT_FAILED (fault.KindFatal) when exhausted

Handshake:

 1. Header returns the server's metadata once the stream is accepted
 2. A stream that ends before sending headers returns no metadata; its
    status is read with RecvMsg
 3. A clean end without headers counts as Unavailable
 4. HandshakeTimeout bounds the wait

Running:

 1. Receive envelopes until the stream breaks
 2. Mark the client disconnected
 3. Reconnect with delay attempt x ReconnectDelay, capped at
    ReconnectMaxDelay, without an attempt limit
 4. Attach the new stream and call Handler.OnConnected

# Authentication

Every handshake carries the current access token. When the server answers
codes.Unauthenticated, either at handshake or by ending an established
stream, the client calls TokenSource.ForceRefresh and tries again with the
fresh token. A successful handshake resets the failure count. More than
MaxAuthFailures consecutive rejections end with channel/UNAUTHORIZED
(fault.KindFatal): during Connect it is returned, afterwards it goes to
OnFatal.

# Concurrency

  - Emit may be called from any goroutine; sends are serialized by sendMu
  - Handler methods run in their own goroutines and may block
  - Only the run goroutine replaces the stream after Connect
  - Close cancels the run loop, closes the connection and waits for it

# Failure Scenarios

Server unreachable at startup:

  - ConnectAttempts handshakes, then CONNECT_FAILED
  - The worker exits

Server restarts:

  - The stream ends, the client reconnects with growing delay
  - Events emitted meanwhile fail with ErrNotConnected

Token revoked:

  - The server ends the stream with Unauthenticated
  - One forced refresh, then a reconnect with the new token

Server keeps rejecting tokens:

  - After MaxAuthFailures refreshes the client gives up with UNAUTHORIZED

Server accepts TCP but never answers:

  - HandshakeTimeout turns the attempt into DeadlineExceeded

# Performance Characteristics

  - One long-lived HTTP/2 stream per worker
  - Envelopes are small; structpb encoding cost is negligible
  - Reconnect delay tops out at ReconnectMaxDelay, so recovery after a
    server restart takes at most a few seconds

# Integration Points

This package integrates with:

  - pkg/session: TokenSource for bearer credentials and forced refresh
  - pkg/worker: Handler implementation and the event forwarder
  - pkg/processing: the source of status and acquisition events
  - pkg/metrics: reconnect counter and connected gauge

# Design Patterns

Owned streams:

  - Each stream carries the cancel func of its own context
  - Replacing a stream cancels the previous one

Bounded then unbounded retry:

  - Startup fails fast so misconfiguration is visible
  - A running worker never gives up on a transient outage

# Troubleshooting

Worker exits with CONNECT_FAILED:

  - Check channel_addr and channel_insecure against the server
  - With TLS, the server certificate must verify against the system roots

Constant reconnects:

  - burrow_channel_reconnects_total grows quickly
  - Enable debug logging to see the gRPC code of each failed attempt

Worker exits with UNAUTHORIZED:

  - The server rejects freshly issued tokens; check the session with
    burrow session show and reset it if the worker was deleted server-side

# Monitoring

  - burrow_channel_reconnects_total
  - burrow_channel_connected (1 up, 0 down)
  - Health component "channel"

# See Also

  - pkg/session for how tokens are renewed
  - pkg/worker for the dispatcher and the event forwarder
*/
package channel
