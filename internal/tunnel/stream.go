// Package tunnel contains the multiplexing machinery shared by the relay
// and the client agent: the per-session stream table, the single-writer
// link and the per-stream relay pumps.
package tunnel

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// StreamState tracks a stream through its lifecycle.
type StreamState int32

const (
	StateOpen StreamState = iota
	StateStreaming
	StateHalfClosed
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateHalfClosed:
		return "half_closed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrStreamClosed is returned by Deliver once the stream is gone.
var ErrStreamClosed = errors.New("tunnel: stream closed")

// Stream is one logical byte channel inside a session, owning exactly one
// local socket (the player conn on the relay, the game-server conn on the
// client). Deliver and FinishInbound must only be called from the session's
// read loop; everything else is safe for concurrent use.
type Stream struct {
	ID uint32

	mu       sync.Mutex
	local    net.Conn
	queue    [][]byte // unbounded inbound buffer
	finished bool     // no more wire bytes will arrive

	notify chan struct{} // inbound wake-up, capacity 1
	done   chan struct{}
	opened time.Time

	state     atomic.Int32
	closeOnce sync.Once
}

// NewStream pairs a fresh stream id with its local socket. local may be nil
// when the socket is still being dialed; Deliver buffers until Attach.
func NewStream(id uint32, local net.Conn) *Stream {
	return &Stream{
		ID:     id,
		local:  local,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		opened: time.Now(),
	}
}

func (s *Stream) State() StreamState { return StreamState(s.state.Load()) }

// Attach binds the local socket once its dial completes. Must happen
// before Pump starts.
func (s *Stream) Attach(local net.Conn) {
	s.mu.Lock()
	s.local = local
	s.mu.Unlock()
}

func (s *Stream) localConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Stream) setState(st StreamState) { s.state.Store(int32(st)) }

// Done is closed when the stream is fully torn down.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Age reports how long the stream has existed.
func (s *Stream) Age() time.Duration { return time.Since(s.opened) }

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Deliver hands wire bytes to the stream's local-writer pump. The buffer
// is unbounded: the session read loop must never block on one stream's
// slow local writer, or every other stream on the link would stall with
// it. A closed or finished stream refuses further bytes.
func (s *Stream) Deliver(b []byte) error {
	s.mu.Lock()
	if s.State() == StateClosed || s.finished {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.queue = append(s.queue, b)
	s.mu.Unlock()
	s.wake()
	return nil
}

// FinishInbound signals that no more wire bytes will arrive. Buffered data
// still drains to the local socket before the write side half-closes.
func (s *Stream) FinishInbound() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.wake()
}

// takeInbound pops the next buffered chunk. finished reports that the
// inbound side has ended and the buffer is now empty.
func (s *Stream) takeInbound() (b []byte, finished bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		b = s.queue[0]
		s.queue = s.queue[1:]
		return b, false
	}
	return nil, s.finished
}

// Close tears the stream down immediately: both pumps stop and the local
// socket is closed. Safe to call multiple times.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.done)
		if local := s.localConn(); local != nil {
			_ = local.Close()
		}
	})
}
