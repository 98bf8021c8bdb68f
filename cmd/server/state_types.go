package main

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/blockgate/internal/proto"
	"github.com/matst80/blockgate/internal/tunnel"
)

// serverSession is one authenticated client link and everything it owns:
// the frame link, the stream table and the public player listener. The
// link and listener are only valid on the instance that accepted them.
type serverSession struct {
	id       string
	identity string
	endpoint string
	port     int

	conn     net.Conn
	link     *tunnel.Link
	table    *tunnel.Table
	publicLn net.Listener

	lastSeen  atomic.Int64 // unix nanos of the last frame received
	startedAt time.Time

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{} // closed once the session has fully unwound
}

func (s *serverSession) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *serverSession) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastSeen.Load()))
}

// stop tears the session down with a goodbye carrying reason. Used both
// for supersede and for relay shutdown; the session's own goroutines
// unwind through the cancelled context. The goodbye is written directly
// under a deadline rather than queued, so cancellation cannot drop it: a
// frame is a single conn.Write and net.Conn serializes writes, so it
// cannot interleave with the link writer.
func (s *serverSession) stop(reason string) {
	s.stopOnce.Do(func() {
		if f, err := proto.NewControl(proto.TypeSessionClosed, 0, proto.SessionClosed{Reason: reason}); err == nil {
			_ = s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			_ = proto.Write(s.conn, f)
		}
		if s.cancel != nil {
			s.cancel()
		}
	})
}
