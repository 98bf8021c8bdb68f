// Package client implements the agent-side control session: it dials the
// relay, authenticates, keeps the link alive with heartbeats, opens local
// game-server connections for relay-announced streams and reconnects with
// backoff when the link dies.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matst80/blockgate/internal/backoff"
	"github.com/matst80/blockgate/internal/obs"
	"github.com/matst80/blockgate/internal/proto"
	"github.com/matst80/blockgate/internal/tunnel"
)

// State is the client session lifecycle state, surfaced to callers (a GUI
// shell displays it) through OnStateChange.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Active
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Active:
		return "active"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateEvent is passed to the OnStateChange handler on every transition.
type StateEvent struct {
	State     State
	SessionID string
	Endpoint  string
	Err       error
	At        time.Time
}

// Stats is a point-in-time snapshot for status displays.
type Stats struct {
	State         State
	SessionID     string
	Endpoint      string
	ActiveStreams int
	LastRTT       time.Duration
}

// Fatal session errors: the caller decides what to do, the client will not
// silently retry the same credentials.
var (
	ErrAuthFailed = errors.New("client: authentication rejected by relay")
	ErrSuperseded = errors.New("client: session superseded by a newer client")
)

var errPongTimeout = errors.New("client: pong deadline missed")

// DialFunc opens a byte stream; it is the pluggable socket provider so
// tests and embedders can substitute transports.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config holds client runtime configuration.
type Config struct {
	RelayAddr string
	LocalAddr string
	Token     string
	Endpoint  string // requested public endpoint name

	TLS *tls.Config // nil = plain TCP

	PingInterval     time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
	LocalDialTimeout time.Duration
	WriteQueue       int
	SkipLocalProbe   bool

	Backoff   *backoff.Policy
	DialLocal DialFunc // game-server side; defaults to net.Dialer
	DialRelay DialFunc // relay side; defaults to net.Dialer (+TLS)
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 20 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.LocalDialTimeout <= 0 {
		c.LocalDialTimeout = 5 * time.Second
	}
	if c.WriteQueue <= 0 {
		c.WriteQueue = 64
	}
	if c.Backoff == nil {
		c.Backoff = backoff.New(500*time.Millisecond, 30*time.Second)
	}
	if c.DialLocal == nil {
		var d net.Dialer
		c.DialLocal = d.DialContext
	}
	if c.DialRelay == nil {
		c.DialRelay = c.defaultRelayDial
	}
}

func (c *Config) defaultRelayDial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if c.TLS == nil {
		return conn, nil
	}
	tc := tls.Client(conn, c.TLS)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tc, nil
}

// Client is the agent control session. Run drives the state machine until
// the context ends or a fatal authentication error surfaces.
type Client struct {
	cfg Config

	state   atomic.Int32
	onState atomic.Value // func(StateEvent)

	mu        sync.Mutex
	sessionID string
	endpoint  string
	lastRTT   time.Duration
	table     *tunnel.Table
}

func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{cfg: cfg}
}

// OnStateChange registers the transition handler. The handler runs on the
// session goroutine and must not block.
func (c *Client) OnStateChange(fn func(StateEvent)) {
	c.onState.Store(fn)
}

func (c *Client) State() State { return State(c.state.Load()) }

// Stats returns a snapshot for status displays.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	streams := 0
	if c.table != nil {
		streams = c.table.Len()
	}
	return Stats{
		State:         c.State(),
		SessionID:     c.sessionID,
		Endpoint:      c.endpoint,
		ActiveStreams: streams,
		LastRTT:       c.lastRTT,
	}
}

func (c *Client) setState(s State, err error) {
	c.state.Store(int32(s))
	c.mu.Lock()
	ev := StateEvent{State: s, SessionID: c.sessionID, Endpoint: c.endpoint, Err: err, At: time.Now()}
	c.mu.Unlock()
	if fn, ok := c.onState.Load().(func(StateEvent)); ok && fn != nil {
		fn(ev)
	}
}

// Run connects and relays until ctx ends. Transport failures reconnect
// with backoff indefinitely; authentication rejection and supersede are
// returned to the caller instead of being retried with the same identity.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		c.setState(Connecting, nil)
		active, err := c.runSession(ctx)
		if active {
			attempt = 0
		}
		if ctx.Err() != nil {
			c.setState(Closed, nil)
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrSuperseded) {
			c.setState(Closed, err)
			return err
		}
		delay := c.cfg.Backoff.Delay(attempt)
		attempt++
		obs.Warn("client.reconnecting", obs.Fields{"err": errString(err), "delay": delay.String(), "attempt": attempt})
		c.setState(Reconnecting, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.setState(Closed, nil)
			return ctx.Err()
		}
	}
}

// runSession performs one connect/auth/relay cycle. The bool reports
// whether the session reached Active (used to reset backoff).
func (c *Client) runSession(ctx context.Context) (bool, error) {
	if !c.cfg.SkipLocalProbe {
		if err := c.probeLocal(ctx); err != nil {
			return false, fmt.Errorf("local server not reachable: %w", err)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, err := c.cfg.DialRelay(dialCtx, "tcp", c.cfg.RelayAddr)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}

	c.setState(Authenticating, nil)
	ack, err := c.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return false, err
	}

	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.endpoint = ack.Endpoint
	c.table = tunnel.NewTable()
	table := c.table
	c.mu.Unlock()

	obs.Info("client.session.active", obs.Fields{"session": ack.SessionID, "endpoint": ack.Endpoint})
	c.setState(Active, nil)

	link := tunnel.NewLink(conn, c.cfg.WriteQueue)
	defer func() {
		link.Close()
		closed := table.CloseAll()
		if closed > 0 {
			obs.Info("client.session.streams_closed", obs.Fields{"count": closed})
		}
		c.mu.Lock()
		c.sessionID = ""
		c.endpoint = ""
		c.table = nil
		c.mu.Unlock()
	}()

	var lastPong atomic.Int64
	lastPong.Store(time.Now().UnixNano())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return link.Run(gctx) })
	g.Go(func() error { return c.heartbeat(gctx, link, &lastPong) })
	g.Go(func() error { return c.readLoop(gctx, conn, link, table, &lastPong) })
	return true, g.Wait()
}

// probeLocal fails fast when the game server itself is down, before
// holding a relay session that could serve no players.
func (c *Client) probeLocal(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.LocalDialTimeout)
	defer cancel()
	conn, err := c.cfg.DialLocal(probeCtx, "tcp", c.cfg.LocalAddr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// handshake sends Hello and waits for HelloAck under a deadline.
func (c *Client) handshake(conn net.Conn) (proto.HelloAck, error) {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	hello, err := proto.NewControl(proto.TypeHello, 0, proto.Hello{
		Token:    c.cfg.Token,
		Endpoint: c.cfg.Endpoint,
		Version:  proto.Version,
	})
	if err != nil {
		return proto.HelloAck{}, err
	}
	if err := proto.Write(conn, hello); err != nil {
		return proto.HelloAck{}, fmt.Errorf("send hello: %w", err)
	}

	f, err := proto.NewReader(conn).Next()
	if err != nil {
		return proto.HelloAck{}, fmt.Errorf("await hello ack: %w", err)
	}
	if f.Type != proto.TypeHelloAck {
		return proto.HelloAck{}, fmt.Errorf("unexpected %s during handshake", f.Type)
	}
	var ack proto.HelloAck
	if err := proto.DecodeControl(f, &ack); err != nil {
		return proto.HelloAck{}, err
	}
	if ack.Error != "" {
		// Transient refusals (port busy, lease store down) reconnect with
		// backoff; only credential failures are terminal.
		if ack.Retryable {
			return proto.HelloAck{}, fmt.Errorf("relay refused session: %s", ack.Error)
		}
		return proto.HelloAck{}, fmt.Errorf("%w: %s", ErrAuthFailed, ack.Error)
	}
	return ack, nil
}

// heartbeat pings on an interval and enforces the pong deadline even when
// the TCP link itself reports no error.
func (c *Client) heartbeat(ctx context.Context, link *tunnel.Link, lastPong *atomic.Int64) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if time.Since(time.Unix(0, lastPong.Load())) > c.cfg.PongTimeout {
				obs.Error("client.heartbeat.timeout", obs.Fields{"deadline": c.cfg.PongTimeout.String()})
				obs.ErrorsTotal.WithLabelValues("pong_timeout").Inc()
				return errPongTimeout
			}
			// The nonce doubles as the send timestamp for RTT.
			if err := link.Send(ctx, proto.NewPing(uint64(time.Now().UnixNano()))); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn, link *tunnel.Link, table *tunnel.Table, lastPong *atomic.Int64) error {
	rd := proto.NewReader(conn)
	for {
		f, err := rd.Next()
		if err != nil {
			var malformed *proto.MalformedError
			if errors.As(err, &malformed) {
				// Poisoned stream: say goodbye and die. Written directly
				// under a deadline so teardown cannot drop it; a frame is
				// one conn.Write, which cannot interleave with the link
				// writer.
				if bye, berr := proto.NewControl(proto.TypeSessionClosed, 0, proto.SessionClosed{Reason: proto.ReasonProtocolError}); berr == nil {
					_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
					_ = proto.Write(conn, bye)
				}
				obs.ErrorsTotal.WithLabelValues("protocol").Inc()
			}
			return err
		}
		if err := c.dispatch(ctx, f, link, table, lastPong); err != nil {
			return err
		}
	}
}

func (c *Client) dispatch(ctx context.Context, f proto.Frame, link *tunnel.Link, table *tunnel.Table, lastPong *atomic.Int64) error {
	switch f.Type {
	case proto.TypePing:
		nonce, err := proto.Nonce(f)
		if err != nil {
			return err
		}
		return link.Send(ctx, proto.NewPong(nonce))

	case proto.TypePong:
		nonce, err := proto.Nonce(f)
		if err != nil {
			return err
		}
		lastPong.Store(time.Now().UnixNano())
		rtt := time.Since(time.Unix(0, int64(nonce)))
		c.mu.Lock()
		c.lastRTT = rtt
		c.mu.Unlock()
		obs.Debug("client.pong", obs.Fields{"rtt": rtt.String()})
		return nil

	case proto.TypeNewStream:
		if f.StreamID == 0 {
			return &proto.MalformedError{Reason: "new_stream with session-scoped id"}
		}
		// Register before dialing so racing Data frames buffer instead of
		// being dropped as unknown.
		s := tunnel.NewStream(f.StreamID, nil)
		table.Add(s)
		go c.openStream(ctx, link, table, s)
		return nil

	case proto.TypeData:
		s, ok := table.Get(f.StreamID)
		if !ok {
			// The relay may be racing our close; not a session error.
			obs.Debug("client.data.unknown_stream", obs.Fields{"stream": f.StreamID})
			return nil
		}
		if err := s.Deliver(f.Payload); err != nil && !errors.Is(err, tunnel.ErrStreamClosed) {
			return err
		}
		return nil

	case proto.TypeStreamClosed:
		var sc proto.StreamClosed
		if err := proto.DecodeControl(f, &sc); err != nil {
			return err
		}
		if s, ok := table.Remove(f.StreamID); ok {
			obs.Debug("client.stream.closed_by_peer", obs.Fields{"stream": f.StreamID, "reason": sc.Reason})
			s.FinishInbound()
		}
		return nil

	case proto.TypeSessionClosed:
		var sc proto.SessionClosed
		if err := proto.DecodeControl(f, &sc); err != nil {
			return err
		}
		obs.Warn("client.session.closed_by_relay", obs.Fields{"reason": sc.Reason})
		switch sc.Reason {
		case proto.ReasonSuperseded:
			return ErrSuperseded
		case proto.ReasonAuthFailed:
			return ErrAuthFailed
		default:
			return fmt.Errorf("relay closed session: %s", sc.Reason)
		}

	case proto.TypeError:
		var info proto.ErrorInfo
		if err := proto.DecodeControl(f, &info); err != nil {
			return err
		}
		obs.Warn("client.relay_error", obs.Fields{"code": info.Code, "message": info.Message})
		return nil

	default:
		return &proto.MalformedError{Reason: fmt.Sprintf("unexpected %s mid-session", f.Type)}
	}
}

// openStream dials the game server for a relay-announced stream and pumps
// it. A dial failure closes only this stream, never the session.
func (c *Client) openStream(ctx context.Context, link *tunnel.Link, table *tunnel.Table, s *tunnel.Stream) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.LocalDialTimeout)
	local, err := c.cfg.DialLocal(dialCtx, "tcp", c.cfg.LocalAddr)
	cancel()
	if err != nil {
		obs.Error("client.stream.local_dial", obs.Fields{"stream": s.ID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("local_dial").Inc()
		table.Remove(s.ID)
		s.Close()
		if f, cerr := proto.NewControl(proto.TypeStreamClosed, s.ID, proto.StreamClosed{Reason: proto.ReasonConnectFailed}); cerr == nil {
			_ = link.Send(ctx, f)
		}
		return
	}
	s.Attach(local)
	obs.Info("client.stream.open", obs.Fields{"stream": s.ID})
	obs.ActiveStreams.Inc()
	obs.StreamsTotal.Inc()
	defer obs.ActiveStreams.Dec()

	_ = tunnel.Pump(ctx, link, s)
	table.Remove(s.ID)
	obs.Debug("client.stream.done", obs.Fields{"stream": s.ID})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
