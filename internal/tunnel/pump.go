package tunnel

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/matst80/blockgate/internal/obs"
	"github.com/matst80/blockgate/internal/proto"
)

// chunkSize bounds one local read so a single stream cannot occupy the
// write queue with giant frames; comfortably under proto.MaxPayload.
const chunkSize = 32 * 1024

type closeWriter interface {
	CloseWrite() error
}

// Pump relays bytes between the stream's local socket and the shared link
// in both directions until the stream ends, then closes the stream. The
// two directions run concurrently and stop together; a stall in one stream
// only ever blocks that stream's own pumps, never the session read loop
// for other streams.
func Pump(ctx context.Context, link *Link, s *Stream) error {
	s.setState(StateStreaming)
	defer func() {
		s.Close()
		obs.StreamDurationSeconds.Observe(s.Age().Seconds())
	}()

	g, ctx := errgroup.WithContext(ctx)
	// A pump blocked in a socket read only unblocks when the socket
	// closes; close the stream as soon as the pair's context ends so one
	// failing direction (or the session unwinding) releases the other.
	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	g.Go(func() error { return s.pumpToWire(ctx, link) })
	g.Go(func() error { return s.pumpToLocal(ctx) })
	return g.Wait()
}

// pumpToWire reads the local socket in bounded chunks and frames them onto
// the link. Local EOF or error announces StreamClosed to the peer; the
// session itself is untouched.
func (s *Stream) pumpToWire(ctx context.Context, link *Link) error {
	local := s.localConn()
	buf := make([]byte, chunkSize)
	for {
		select {
		case <-s.done:
			return nil
		default:
		}
		n, err := local.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if serr := link.Send(ctx, proto.NewData(s.ID, payload)); serr != nil {
				return serr
			}
			obs.BytesRelayedTotal.WithLabelValues("to_wire").Add(float64(n))
		}
		if err != nil {
			select {
			case <-s.done:
				// Stream was torn down locally; the peer already knows.
				return nil
			default:
			}
			reason := proto.ReasonEOF
			if !errors.Is(err, io.EOF) {
				reason = proto.ReasonReset
			}
			if f, cerr := proto.NewControl(proto.TypeStreamClosed, s.ID, proto.StreamClosed{Reason: reason}); cerr == nil {
				_ = link.Send(ctx, f)
			}
			s.setState(StateHalfClosed)
			return nil
		}
	}
}

// pumpToLocal drains bytes delivered for this stream into the local
// socket. When the peer finishes the inbound side, buffered bytes still
// drain before the write half closes.
func (s *Stream) pumpToLocal(ctx context.Context) error {
	local := s.localConn()
	for {
		b, finished := s.takeInbound()
		if b != nil {
			if _, err := local.Write(b); err != nil {
				return err
			}
			obs.BytesRelayedTotal.WithLabelValues("to_local").Add(float64(len(b)))
			continue
		}
		if finished {
			if cw, can := local.(closeWriter); can {
				_ = cw.CloseWrite()
			}
			s.setState(StateHalfClosed)
			return nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
