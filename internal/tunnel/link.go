package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/matst80/blockgate/internal/proto"
)

// ErrLinkClosed is returned by Send once the link writer has stopped.
var ErrLinkClosed = errors.New("tunnel: link closed")

// Link serializes all frame writes to the shared session conn through one
// writer goroutine draining a bounded queue. Every stream pump and the
// control loop feed the same queue, so a frame is always written whole and
// never interleaved with another frame's bytes. A full queue blocks Send,
// which is the backpressure boundary for fast local readers.
type Link struct {
	conn net.Conn
	out  chan proto.Frame
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// NewLink wraps conn; depth bounds the write queue.
func NewLink(conn net.Conn, depth int) *Link {
	if depth <= 0 {
		depth = 64
	}
	return &Link{
		conn: conn,
		out:  make(chan proto.Frame, depth),
		done: make(chan struct{}),
	}
}

// Run drains the write queue until the link closes or a write fails. It is
// the only goroutine allowed to write to the conn.
func (l *Link) Run(ctx context.Context) error {
	for {
		select {
		case f := <-l.out:
			if err := proto.Write(l.conn, f); err != nil {
				l.fail(err)
				return err
			}
		case <-l.done:
			return l.Err()
		case <-ctx.Done():
			l.fail(ctx.Err())
			return ctx.Err()
		}
	}
}

// Send queues one frame for the writer. It blocks while the queue is full
// and fails once the link or ctx is done.
func (l *Link) Send(ctx context.Context, f proto.Frame) error {
	select {
	case l.out <- f:
		return nil
	case <-l.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.Close()
}

// Err reports the first failure observed by the writer, if any.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Done is closed when the link stops accepting frames.
func (l *Link) Done() <-chan struct{} { return l.done }

// Close shuts the link and the underlying conn. Safe to call repeatedly.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}
