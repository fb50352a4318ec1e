package channel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/retry"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrNotConnected is returned by Emit while the stream is down
var ErrNotConnected = errors.New("control channel is not connected")

// Handler receives inbound events. Methods are called from their own
// goroutines and may block.
type Handler interface {
	OnWork(processingID string)
	OnGetStatus()
	// OnConnected runs after every successful (re)connection.
	OnConnected()
}

// Options configures the channel client
type Options struct {
	// Addr is the gRPC target, e.g. "api.burrow.local:443".
	Addr string
	// Insecure disables TLS. Bearer tokens are then sent in clear text.
	Insecure bool
	// TLS overrides the default TLS configuration.
	TLS *tls.Config
	// DialOptions are appended to the defaults, mostly for tests.
	DialOptions []grpc.DialOption

	// ConnectAttempts and ConnectDelay bound the initial connection.
	ConnectAttempts int
	ConnectDelay    time.Duration
	// ReconnectDelay grows linearly per attempt up to ReconnectMaxDelay.
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	// MaxAuthFailures is the number of consecutive rejected handshakes tolerated.
	MaxAuthFailures int
	// HandshakeTimeout bounds waiting for the server to accept a stream.
	HandshakeTimeout time.Duration

	// OnFatal runs when reconnection cannot recover. Nil terminates the process.
	OnFatal func(err error)
}

func (o *Options) setDefaults() {
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 5
	}
	if o.ConnectDelay <= 0 {
		o.ConnectDelay = time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 5 * time.Second
	}
	if o.MaxAuthFailures <= 0 {
		o.MaxAuthFailures = 3
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 15 * time.Second
	}
	if o.OnFatal == nil {
		o.OnFatal = func(err error) {
			log.Logger.Fatal().Str("error", fault.Message(err)).Msg("Control channel failed")
		}
	}
}

// Client keeps a persistent event stream to the coordination server
type Client struct {
	opts    Options
	tokens  TokenSource
	handler Handler
	conn    *grpc.ClientConn
	logger  zerolog.Logger

	mu     sync.Mutex
	stream grpc.ClientStream
	cancel context.CancelFunc
	sendMu sync.Mutex

	connected    atomic.Bool
	authFailures int
	wg           sync.WaitGroup
}

// New creates a channel client. No connection is made until Connect.
func New(opts Options, tokens TokenSource, handler Handler) (*Client, error) {
	opts.setDefaults()

	var transport credentials.TransportCredentials
	if opts.Insecure {
		transport = insecure.NewCredentials()
	} else {
		tlsConfig := opts.TLS
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		transport = credentials.NewTLS(tlsConfig)
	}

	logger := log.WithComponent("channel")
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(transport),
		grpc.WithPerRPCCredentials(bearer{tokens: tokens, secure: !opts.Insecure}),
		grpc.WithStreamInterceptor(logStreamInterceptor(logger)),
	}, opts.DialOptions...)

	conn, err := grpc.NewClient(opts.Addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel connection: %w", err)
	}

	return &Client{
		opts:    opts,
		tokens:  tokens,
		handler: handler,
		conn:    conn,
		logger:  logger,
	}, nil
}

// Connect opens the stream with a bounded fixed-delay retry, then keeps it
// alive in the background until ctx is done or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	policy := retry.Fixed(c.opts.ConnectAttempts, c.opts.ConnectDelay)
	stream, err := retry.Value(ctx, policy, "channel/CONNECT", func(ctx context.Context, _ int) (grpc.ClientStream, error) {
		s, err := c.open(ctx)
		if err != nil && c.authFailures > c.opts.MaxAuthFailures {
			return nil, retry.Permanent(err)
		}
		return s, err
	})
	if err != nil {
		return fault.Wrap(fault.KindFatal, "channel/CONNECT_FAILED", err, "Unable to connect to the control channel.")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.attach(stream)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx, stream)
	}()
	return nil
}

// Connected reports whether the stream is currently up
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Emit sends an event. Events emitted while disconnected are dropped with
// ErrNotConnected; the status refresh schedule recovers from the loss.
func (c *Client) Emit(event string, data any) error {
	msg, err := Encode(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil || !c.connected.Load() {
		return ErrNotConnected
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := stream.SendMsg(msg); err != nil {
		return fmt.Errorf("failed to emit %s: %w", event, err)
	}
	return nil
}

// Close stops reconnecting and closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.stream != nil {
		_ = c.stream.CloseSend()
	}
	c.mu.Unlock()

	err := c.conn.Close()
	c.wg.Wait()
	c.connected.Store(false)
	return err
}

// open starts a stream and waits for the server to accept it
func (c *Client) open(ctx context.Context) (grpc.ClientStream, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	stream, err := c.conn.NewStream(streamCtx, &connectDesc, connectPath)
	if err != nil {
		cancel()
		return nil, c.classify(ctx, err)
	}

	headerCh := make(chan error, 1)
	go func() {
		headerCh <- handshake(stream)
	}()

	timer := time.NewTimer(c.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case err = <-headerCh:
	case <-timer.C:
		err = status.Error(codes.DeadlineExceeded, "handshake timed out")
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		return nil, c.classify(ctx, err)
	}

	c.authFailures = 0
	// The stream outlives ctx; it is cancelled when replaced or closed.
	return &ownedStream{ClientStream: stream, cancel: cancel}, nil
}

// handshake waits for the server's response headers. A stream that ends
// before sending headers reports (nil, nil) from Header; its status is then
// read from RecvMsg.
func handshake(stream grpc.ClientStream) error {
	md, err := stream.Header()
	if err != nil {
		return err
	}
	if md != nil {
		return nil
	}

	err = stream.RecvMsg(new(structpb.Struct))
	if err == nil || errors.Is(err, io.EOF) {
		return status.Error(codes.Unavailable, "stream closed during handshake")
	}
	return err
}

// classify forces a credential refresh on rejected handshakes
func (c *Client) classify(ctx context.Context, err error) error {
	if status.Code(err) != codes.Unauthenticated {
		return err
	}

	c.authFailures++
	c.logger.Warn().Int("failures", c.authFailures).Msg("Control channel rejected credentials, refreshing")
	if _, rerr := c.tokens.ForceRefresh(ctx); rerr != nil {
		c.logger.Error().Str("error", fault.Message(rerr)).Msg("Forced credential refresh failed")
	}

	if c.authFailures > c.opts.MaxAuthFailures {
		return fault.Wrap(fault.KindFatal, "channel/UNAUTHORIZED", err, "Control channel rejected credentials repeatedly.")
	}
	return err
}

func (c *Client) attach(stream grpc.ClientStream) {
	c.mu.Lock()
	old := c.stream
	c.stream = stream
	c.mu.Unlock()

	if o, ok := old.(*ownedStream); ok && old != stream {
		o.cancel()
	}

	c.connected.Store(true)
	c.logger.Info().Str("addr", c.opts.Addr).Msg("Control channel connected")
	go c.handler.OnConnected()
}

// run receives events and reconnects whenever the stream breaks
func (c *Client) run(ctx context.Context, stream grpc.ClientStream) {
	for {
		err := c.receive(stream)
		c.connected.Store(false)

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Msg("Control channel disconnected")

		// The server may revoke the stream mid-session.
		if status.Code(err) == codes.Unauthenticated {
			if err := c.classify(ctx, err); fault.Is(err, fault.KindFatal) {
				c.opts.OnFatal(err)
				return
			}
		}

		next, err := c.reconnect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.opts.OnFatal(err)
			}
			return
		}
		metrics.ChannelReconnectsTotal.Inc()
		c.attach(next)
		stream = next
	}
}

func (c *Client) receive(stream grpc.ClientStream) error {
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			return err
		}

		env := Decode(msg)
		switch env.Event {
		case EventWork:
			id, _ := env.Data["processing_id"].(string)
			if id == "" {
				c.logger.Warn().Msg("Ignoring work event without processing_id")
				continue
			}
			go c.handler.OnWork(id)
		case EventGetStatus:
			go c.handler.OnGetStatus()
		default:
			c.logger.Debug().Str("event", env.Event).Msg("Ignoring unknown event")
		}
	}
}

// reconnect retries without bound, waiting ReconnectDelay times the
// attempt number, capped at ReconnectMaxDelay
func (c *Client) reconnect(ctx context.Context) (grpc.ClientStream, error) {
	for attempt := 1; ; attempt++ {
		delay := time.Duration(attempt) * c.opts.ReconnectDelay
		if delay > c.opts.ReconnectMaxDelay {
			delay = c.opts.ReconnectMaxDelay
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		stream, err := c.open(ctx)
		if err == nil {
			return stream, nil
		}
		if fault.Is(err, fault.KindFatal) {
			return nil, err
		}
		c.logger.Debug().Int("attempt", attempt).Err(err).Msg("Reconnect attempt failed")
	}
}

// ownedStream ties a stream to the cancel func of its context
type ownedStream struct {
	grpc.ClientStream
	cancel context.CancelFunc
}
