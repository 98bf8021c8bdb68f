package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/blockgate/internal/backoff"
	"github.com/matst80/blockgate/internal/client"
	"github.com/matst80/blockgate/internal/proto"
	"github.com/matst80/blockgate/internal/ratelimit"
)

// freePort grabs an ephemeral port that is free right now. A small race
// window remains but loopback tests tolerate it.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// startEchoServer plays the game server role.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(c, c)
				_ = c.Close()
			}()
		}
	}()
	return ln.Addr().String()
}

// startRelay boots a control listener with an in-memory lease store on the
// given single-port lease range.
func startRelay(t *testing.T, port int, limits *ratelimit.Limiter) (*memoryState, string) {
	t.Helper()
	cfg = Config{
		PublicHost:       "127.0.0.1",
		PublicBind:       "127.0.0.1",
		PortMin:          port,
		PortMax:          port,
		HandshakeTimeout: 2 * time.Second,
		PongTimeout:      2 * time.Second,
		LeaseLinger:      time.Minute,
		WriteQueue:       64,
	}
	state := newMemoryState(cfg.PortMin, cfg.PortMax, cfg.LeaseLinger)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
	})
	go acceptControl(ctx, ln, state, limits)
	return state, ln.Addr().String()
}

func agentConfig(relayAddr, localAddr, token string) client.Config {
	return client.Config{
		RelayAddr:        relayAddr,
		LocalAddr:        localAddr,
		Token:            token,
		PingInterval:     100 * time.Millisecond,
		PongTimeout:      time.Second,
		HandshakeTimeout: 2 * time.Second,
		LocalDialTimeout: time.Second,
		Backoff:          backoff.New(10*time.Millisecond, 50*time.Millisecond),
	}
}

func awaitState(t *testing.T, events <-chan client.StateEvent, want client.State) client.StateEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("never reached state %s", want)
		}
	}
}

func startAgent(t *testing.T, ctx context.Context, cfg client.Config) (*client.Client, <-chan client.StateEvent, <-chan error) {
	t.Helper()
	c := client.New(cfg)
	events := make(chan client.StateEvent, 64)
	c.OnStateChange(func(ev client.StateEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()
	return c, events, runDone
}

func TestRelayEndToEnd(t *testing.T) {
	local := startEchoServer(t)
	port := freePort(t)
	state, relayAddr := startRelay(t, port, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, events, _ := startAgent(t, ctx, agentConfig(relayAddr, local, "alpha"))

	ev := awaitState(t, events, client.Active)
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), ev.Endpoint)
	assert.NotEmpty(t, ev.SessionID)

	// Several players at once, each with a distinct payload: the streams
	// must not bleed into each other.
	const players = 4
	errs := make(chan error, players)
	for i := 0; i < players; i++ {
		go func(i int) {
			errs <- func() error {
				conn, err := net.Dial("tcp", ev.Endpoint)
				if err != nil {
					return err
				}
				defer conn.Close()
				_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
				msg := fmt.Sprintf("player-%d says hi", i)
				if _, err := conn.Write([]byte(msg)); err != nil {
					return err
				}
				buf := make([]byte, len(msg))
				if _, err := io.ReadFull(conn, buf); err != nil {
					return err
				}
				if string(buf) != msg {
					return fmt.Errorf("stream crosstalk: sent %q got %q", msg, buf)
				}
				return nil
			}()
		}(i)
	}
	for i := 0; i < players; i++ {
		require.NoError(t, <-errs)
	}

	// Players hung up; both sides must forget the streams.
	require.Eventually(t, func() bool {
		_, streams, _, _ := state.getStats()
		return streams == 0
	}, 3*time.Second, 20*time.Millisecond)

	sessions, _, total, superseded := state.getStats()
	assert.Equal(t, 1, sessions)
	assert.Equal(t, int64(players), total)
	assert.Equal(t, int64(0), superseded)
}

func TestRelaySupersedesSameIdentity(t *testing.T) {
	local := startEchoServer(t)
	port := freePort(t)
	state, relayAddr := startRelay(t, port, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, events1, done1 := startAgent(t, ctx, agentConfig(relayAddr, local, "alpha"))
	first := awaitState(t, events1, client.Active)

	_, events2, _ := startAgent(t, ctx, agentConfig(relayAddr, local, "alpha"))
	second := awaitState(t, events2, client.Active)

	// Same identity keeps its public endpoint under a fresh session id,
	// and the old session learns it was pushed out rather than retrying
	// forever.
	assert.Equal(t, first.Endpoint, second.Endpoint)
	assert.NotEmpty(t, second.SessionID)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	select {
	case err := <-done1:
		assert.ErrorIs(t, err, client.ErrSuperseded)
	case <-time.After(3 * time.Second):
		t.Fatal("superseded session never surfaced to its caller")
	}

	// The endpoint still serves players through the new session.
	conn, err := net.Dial("tcp", second.Endpoint)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	_, err = conn.Write([]byte("after handover"))
	require.NoError(t, err)
	buf := make([]byte, len("after handover"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "after handover", string(buf))

	_, _, _, superseded := state.getStats()
	assert.Equal(t, int64(1), superseded)
}

func TestRelayRejectsForeignIdentityOnHeldEndpoint(t *testing.T) {
	local := startEchoServer(t)
	port := freePort(t)
	_, relayAddr := startRelay(t, port, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	holder := agentConfig(relayAddr, local, "alpha")
	holder.Endpoint = strconv.Itoa(port)
	_, events, _ := startAgent(t, ctx, holder)
	awaitState(t, events, client.Active)

	intruder := agentConfig(relayAddr, local, "beta")
	intruder.Endpoint = strconv.Itoa(port)
	c := client.New(intruder)
	err := c.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrAuthFailed)
	assert.Contains(t, err.Error(), "lease conflict")
}

func TestRelayDropsSessionOnMalformedFrame(t *testing.T) {
	port := freePort(t)
	state, relayAddr := startRelay(t, port, nil)

	// Raw agent: handshake by hand, then poison the link with a frame
	// type outside the taxonomy.
	conn, err := net.Dial("tcp", relayAddr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

	hello, err := proto.NewControl(proto.TypeHello, 0, proto.Hello{Token: "alpha", Version: proto.Version})
	require.NoError(t, err)
	require.NoError(t, proto.Write(conn, hello))
	rd := proto.NewReader(conn)
	f, err := rd.Next()
	require.NoError(t, err)
	require.Equal(t, proto.TypeHelloAck, f.Type)
	var ack proto.HelloAck
	require.NoError(t, proto.DecodeControl(f, &ack))
	require.Empty(t, ack.Error)

	_, err = conn.Write([]byte{0xEE, 0, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)

	// The relay says goodbye with the protocol-error reason, then drops
	// the link and releases the session.
	for {
		f, err = rd.Next()
		require.NoError(t, err)
		if f.Type != proto.TypeSessionClosed {
			continue
		}
		var sc proto.SessionClosed
		require.NoError(t, proto.DecodeControl(f, &sc))
		assert.Equal(t, proto.ReasonProtocolError, sc.Reason)
		break
	}
	_, err = rd.Next()
	assert.Error(t, err)
	require.Eventually(t, func() bool {
		sessions, _, _, _ := state.getStats()
		return sessions == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRelayExhaustedPortsRejectIsRetryable(t *testing.T) {
	local := startEchoServer(t)
	port := freePort(t)
	_, relayAddr := startRelay(t, port, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, events, _ := startAgent(t, ctx, agentConfig(relayAddr, local, "alpha"))
	awaitState(t, events, client.Active)

	// Every lease in the single-port range is taken. A second identity is
	// refused, but as a transient condition: it must keep retrying, not
	// stop as if its credentials were bad.
	_, events2, done2 := startAgent(t, ctx, agentConfig(relayAddr, local, "beta"))
	awaitState(t, events2, client.Reconnecting)
	select {
	case err := <-done2:
		t.Fatalf("exhausted ports terminated the agent: %v", err)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestRelayRejectsBadSharedSecret(t *testing.T) {
	local := startEchoServer(t)
	port := freePort(t)
	_, relayAddr := startRelay(t, port, nil)
	cfg.Token = "hunter2"

	err := client.New(agentConfig(relayAddr, local, "wrong")).Run(context.Background())
	assert.ErrorIs(t, err, client.ErrAuthFailed)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestRelayRateLimitsPlayerConnections(t *testing.T) {
	local := startEchoServer(t)
	port := freePort(t)
	// Burst of 1, no refill to speak of within the test window.
	_, relayAddr := startRelay(t, port, ratelimit.NewLimiter(1, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, events, _ := startAgent(t, ctx, agentConfig(relayAddr, local, "alpha"))
	ev := awaitState(t, events, client.Active)

	first, err := net.Dial("tcp", ev.Endpoint)
	require.NoError(t, err)
	defer first.Close()
	_ = first.SetDeadline(time.Now().Add(3 * time.Second))
	_, err = first.Write([]byte("ok"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(first, buf)
	require.NoError(t, err)

	// The second connection is accepted by the kernel but dropped by the
	// limiter before any stream opens.
	second, err := net.Dial("tcp", ev.Endpoint)
	require.NoError(t, err)
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
