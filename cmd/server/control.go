package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/blockgate/internal/obs"
	"github.com/matst80/blockgate/internal/proto"
	"github.com/matst80/blockgate/internal/ratelimit"
	"github.com/matst80/blockgate/internal/tunnel"
)

var errSessionDead = errors.New("no frames within the liveness window")

// acceptControl accepts client agent links until ctx ends.
func acceptControl(ctx context.Context, ln net.Listener, state LeaseStore, limits *ratelimit.Limiter) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.control.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		go handleControl(ctx, c, state, limits)
	}
}

// rejectHello answers a failed handshake and drops the link. The link
// writer is not running yet, so a direct write is safe. retryable marks
// transient conditions (port busy, lease store down) the client should
// retry with backoff rather than treat as a credential failure.
func rejectHello(conn net.Conn, reason string, retryable bool) {
	if f, err := proto.NewControl(proto.TypeHelloAck, 0, proto.HelloAck{Error: reason, Retryable: retryable}); err == nil {
		_ = proto.Write(conn, f)
	}
	_ = conn.Close()
}

func readHello(conn net.Conn, timeout time.Duration) (proto.Hello, error) {
	_ = conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	f, err := proto.NewReader(conn).Next()
	if err != nil {
		return proto.Hello{}, err
	}
	if f.Type != proto.TypeHello {
		return proto.Hello{}, fmt.Errorf("expected hello, got %s", f.Type)
	}
	var hello proto.Hello
	if err := proto.DecodeControl(f, &hello); err != nil {
		return proto.Hello{}, err
	}
	return hello, nil
}

// parseEndpointPort interprets a requested endpoint as a public port,
// optionally with a host part. Empty means the relay picks.
func parseEndpointPort(endpoint string) (int, error) {
	if endpoint == "" {
		return 0, nil
	}
	s := endpoint
	if _, portPart, err := net.SplitHostPort(endpoint); err == nil {
		s = portPart
	}
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("endpoint %q is not a port", endpoint)
	}
	return port, nil
}

func endpointString(port int) string {
	return net.JoinHostPort(cfg.PublicHost, strconv.Itoa(port))
}

// handleControl drives one client session: hello, lease, public listener,
// then the relay loops until the link dies or the session is superseded.
func handleControl(ctx context.Context, conn net.Conn, state LeaseStore, limits *ratelimit.Limiter) {
	hello, err := readHello(conn, cfg.HandshakeTimeout)
	if err != nil {
		obs.Error("control.hello", obs.Fields{"err": err.Error(), "remote": conn.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("hello").Inc()
		_ = conn.Close()
		return
	}
	if hello.Version != proto.Version {
		obs.ErrorsTotal.WithLabelValues("version").Inc()
		rejectHello(conn, fmt.Sprintf("unsupported protocol version %d", hello.Version), false)
		return
	}
	if hello.Token == "" {
		obs.ErrorsTotal.WithLabelValues("auth_missing_token").Inc()
		rejectHello(conn, "missing token", false)
		return
	}
	if cfg.Token != "" && hello.Token != cfg.Token {
		obs.Error("control.auth.token", obs.Fields{"remote": conn.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("auth_token").Inc()
		rejectHello(conn, "unauthorized", false)
		return
	}
	requestedPort, err := parseEndpointPort(hello.Endpoint)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("bad_endpoint").Inc()
		rejectHello(conn, err.Error(), false)
		return
	}

	port, prev, err := state.acquireLease(ctx, hello.Token, requestedPort)
	if err != nil {
		obs.Error("control.lease", obs.Fields{"err": err.Error(), "remote": conn.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("lease").Inc()
		// Exhaustion and store outages clear up on their own; a conflict or
		// an out-of-range request will not.
		retryable := !errors.Is(err, errLeaseConflict) && !errors.Is(err, errPortOutOfRange)
		rejectHello(conn, err.Error(), retryable)
		return
	}
	if prev != nil {
		// Most-recent-handshake-wins: push the old session out and wait
		// for its listener to free the port.
		obs.Info("session.superseded", obs.Fields{"session": prev.id, "port": prev.port})
		obs.SessionsSupersededTotal.Inc()
		state.incrementSuperseded()
		prev.stop(proto.ReasonSuperseded)
		select {
		case <-prev.done:
		case <-time.After(5 * time.Second):
			rejectHello(conn, "previous session is stuck, try again", true)
			return
		}
	}

	publicLn, err := net.Listen("tcp", net.JoinHostPort(cfg.PublicBind, strconv.Itoa(port)))
	if err != nil {
		obs.Error("listen.public", obs.Fields{"err": err.Error(), "port": port})
		obs.ErrorsTotal.WithLabelValues("listen_public").Inc()
		rejectHello(conn, "endpoint unavailable", true)
		return
	}

	sctx, cancel := context.WithCancel(ctx)
	sess := &serverSession{
		id:        uuid.NewString(),
		identity:  hello.Token,
		endpoint:  endpointString(port),
		port:      port,
		conn:      conn,
		link:      tunnel.NewLink(conn, cfg.WriteQueue),
		table:     tunnel.NewTable(),
		publicLn:  publicLn,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	sess.touch()
	state.bindSession(sess)

	if f, aerr := proto.NewControl(proto.TypeHelloAck, 0, proto.HelloAck{SessionID: sess.id, Endpoint: sess.endpoint}); aerr == nil {
		err = proto.Write(conn, f)
	} else {
		err = aerr
	}
	if err != nil {
		obs.Error("control.hello_ack", obs.Fields{"err": err.Error(), "session": sess.id})
		cleanupSession(sess, state)
		return
	}

	obs.Info("session.active", obs.Fields{"session": sess.id, "endpoint": sess.endpoint, "remote": conn.RemoteAddr().String()})
	err = runSession(sctx, sess, state, limits)
	if err != nil && !errors.Is(err, context.Canceled) {
		obs.Error("session.ended", obs.Fields{"session": sess.id, "err": err.Error()})
	} else {
		obs.Info("session.ended", obs.Fields{"session": sess.id, "uptime": time.Since(sess.startedAt).String()})
	}
	cleanupSession(sess, state)
}

// cleanupSession releases everything the session owns: the lease, the
// public listener, every player socket and the link itself.
func cleanupSession(sess *serverSession, state LeaseStore) {
	sess.cancel()
	state.releaseLease(context.Background(), sess)
	_ = sess.publicLn.Close()
	sess.link.Close()
	if closed := sess.table.CloseAll(); closed > 0 {
		obs.Info("session.streams_closed", obs.Fields{"session": sess.id, "count": closed})
	}
	close(sess.done)
}

func runSession(ctx context.Context, sess *serverSession, state LeaseStore, limits *ratelimit.Limiter) error {
	g, ctx := errgroup.WithContext(ctx)
	// Accept and Reader block on the raw sockets; close them when the
	// session context unwinds so every loop exits promptly.
	g.Go(func() error {
		<-ctx.Done()
		_ = sess.publicLn.Close()
		sess.link.Close()
		return ctx.Err()
	})
	g.Go(func() error { return sess.link.Run(ctx) })
	g.Go(func() error { return readLoop(ctx, sess) })
	g.Go(func() error { return acceptPlayers(ctx, sess, state, limits) })
	g.Go(func() error { return liveness(ctx, sess) })
	return g.Wait()
}

func readLoop(ctx context.Context, sess *serverSession) error {
	rd := proto.NewReader(sess.conn)
	for {
		f, err := rd.Next()
		if err != nil {
			var malformed *proto.MalformedError
			if errors.As(err, &malformed) {
				obs.Error("session.protocol", obs.Fields{"session": sess.id, "err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("protocol").Inc()
				// Written directly under a deadline so teardown cannot
				// drop the goodbye; a frame is one conn.Write, which
				// cannot interleave with the link writer.
				if bye, berr := proto.NewControl(proto.TypeSessionClosed, 0, proto.SessionClosed{Reason: proto.ReasonProtocolError}); berr == nil {
					_ = sess.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
					_ = proto.Write(sess.conn, bye)
				}
			}
			return err
		}
		sess.touch()
		switch f.Type {
		case proto.TypePing:
			nonce, nerr := proto.Nonce(f)
			if nerr != nil {
				return nerr
			}
			if serr := sess.link.Send(ctx, proto.NewPong(nonce)); serr != nil {
				return serr
			}
		case proto.TypePong:
			// Liveness already refreshed by touch.
		case proto.TypeData:
			s, ok := sess.table.Get(f.StreamID)
			if !ok {
				// Likely racing our own StreamClosed; drop, never fatal.
				obs.Debug("session.data.unknown_stream", obs.Fields{"session": sess.id, "stream": f.StreamID})
				continue
			}
			if derr := s.Deliver(f.Payload); derr != nil && !errors.Is(derr, tunnel.ErrStreamClosed) {
				return derr
			}
		case proto.TypeStreamClosed:
			var sc proto.StreamClosed
			if derr := proto.DecodeControl(f, &sc); derr != nil {
				return derr
			}
			if s, ok := sess.table.Remove(f.StreamID); ok {
				obs.Debug("session.stream.closed_by_client", obs.Fields{"session": sess.id, "stream": f.StreamID, "reason": sc.Reason})
				s.FinishInbound()
			}
		case proto.TypeSessionClosed:
			var sc proto.SessionClosed
			if derr := proto.DecodeControl(f, &sc); derr != nil {
				return derr
			}
			obs.Info("session.closed_by_client", obs.Fields{"session": sess.id, "reason": sc.Reason})
			return nil
		case proto.TypeError:
			var info proto.ErrorInfo
			if derr := proto.DecodeControl(f, &info); derr != nil {
				return derr
			}
			obs.Warn("session.client_error", obs.Fields{"session": sess.id, "code": info.Code, "message": info.Message})
		default:
			obs.ErrorsTotal.WithLabelValues("protocol").Inc()
			return &proto.MalformedError{Reason: fmt.Sprintf("unexpected %s mid-session", f.Type)}
		}
	}
}

// acceptPlayers turns each public connection into a stream: allocate the
// id, register it, announce NewStream before any bytes flow, then pump.
func acceptPlayers(ctx context.Context, sess *serverSession, state LeaseStore, limits *ratelimit.Limiter) error {
	for {
		c, err := sess.publicLn.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if limits != nil && !limits.Allow(sess.endpoint) {
			obs.Warn("player.rate_limited", obs.Fields{"session": sess.id, "remote": c.RemoteAddr().String()})
			obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
			_ = c.Close()
			continue
		}

		id := sess.table.Allocate()
		s := tunnel.NewStream(id, c)
		sess.table.Add(s)
		if serr := sess.link.Send(ctx, proto.NewStreamFrame(id)); serr != nil {
			sess.table.Remove(id)
			s.Close()
			return serr
		}
		obs.Info("player.stream.open", obs.Fields{"session": sess.id, "stream": id, "remote": c.RemoteAddr().String()})
		obs.StreamsTotal.Inc()
		obs.ActiveStreams.Inc()
		state.incrementStreamCount()

		go func() {
			defer obs.ActiveStreams.Dec()
			_ = tunnel.Pump(ctx, sess.link, s)
			sess.table.Remove(id)
			obs.Debug("player.stream.done", obs.Fields{"session": sess.id, "stream": id})
		}()
	}
}

// liveness declares the session dead when no frame at all arrives within
// the pong window, even if the TCP link reports no error.
func liveness(ctx context.Context, sess *serverSession) error {
	interval := cfg.PongTimeout / 2
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if sess.idleFor() > cfg.PongTimeout {
				obs.Error("session.liveness", obs.Fields{"session": sess.id, "idle": sess.idleFor().String()})
				obs.ErrorsTotal.WithLabelValues("liveness").Inc()
				return errSessionDead
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
