package shoal

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/shoalproxy/shoal/protocol"
)

const (
	// downstreamMaxPollError caps consecutive backend send failures
	// before the connection is declared unstable.
	downstreamMaxPollError = 10

	// channelFetchTimeout bounds the idle wait on the backend channel
	// so a Back can notice its stop signal and do housekeeping.
	channelFetchTimeout = time.Second
)

// Back owns one backend connection. It pipelines commands received on
// its channel one at a time: send, await the reply within
// respTimeout, hand the reply to the command. Replies that arrive for
// commands already timed out are counted by delayed and discarded.
type Back struct {
	addr string
	s    *sender
	conn protocol.ServerConn

	respTimeout time.Duration

	subStack []protocol.Request
	delayed  int
	sendErrs int
	authReq  protocol.Request

	log *slog.Logger
}

// NewBack wires a backend connection to its channel.
func NewBack(addr string, s *sender, conn protocol.ServerConn, respTimeout time.Duration, authReq protocol.Request) *Back {
	return &Back{
		addr:        addr,
		s:           s,
		conn:        conn,
		respTimeout: respTimeout,
		authReq:     authReq,
		log:         slog.Default().With("backend", addr),
	}
}

// Run serves the channel until the sender is stopped or the backend
// connection becomes unusable. On a broken backend the remaining and
// future commands are drained into backend-closed errors so no client
// blocks on an unbounded wait.
func (b *Back) Run() {
	defer b.conn.Close()

	if b.authReq != nil {
		if !b.serve(b.authReq) {
			b.log.Error("backend auth failed, degrading to black hole")
			blackHole(b.addr, b.s)
			return
		}
	}

	for {
		req, ok := b.next()
		if !ok {
			return
		}
		if req == nil {
			continue
		}
		if !b.serve(req) {
			b.log.Warn("backend connection broken, degrading to black hole")
			blackHole(b.addr, b.s)
			return
		}
	}
}

// next refills the single-slot pipeline: pending sub-commands first,
// then the channel. Returns ok=false when the sender was stopped.
func (b *Back) next() (protocol.Request, bool) {
	if n := len(b.subStack); n > 0 {
		req := b.subStack[n-1]
		b.subStack = b.subStack[:n-1]
		return req, true
	}

	timer := time.NewTimer(channelFetchTimeout)
	defer timer.Stop()

	select {
	case req := <-b.s.ch:
		if subs := req.Subs(); len(subs) > 0 {
			// reversed, so popping restores arrival order
			for i := len(subs) - 1; i >= 0; i-- {
				b.subStack = append(b.subStack, subs[i])
			}
			return nil, true
		}
		return req, true
	case <-b.s.stop:
		b.drain()
		return nil, false
	case <-timer.C:
		return nil, true
	}
}

// serve runs one command through the backend: write with a single
// retry, then read replies until this command's arrives. Returns false
// when the backend connection is no longer usable.
func (b *Back) serve(req protocol.Request) bool {
	if req.IsDone() {
		return true
	}

	for {
		err := b.conn.WriteRequest(req)
		if err == nil {
			err = b.conn.Flush()
		}
		if err == nil {
			break
		}
		b.sendErrs++
		b.log.Warn("backend send failed", "err", err)
		if b.sendErrs > downstreamMaxPollError {
			req.SetError(protocol.ErrProxyFail)
			return false
		}
		if req.CanCycle() {
			req.AddCycle()
			continue
		}
		req.SetError(protocol.ErrProxyFail)
		return true
	}
	b.sendErrs = 0
	req.MarkSent()

	sentAt, _ := req.SentAt()
	deadline := sentAt.Add(b.respTimeout)

	for {
		_ = b.conn.SetReadDeadline(deadline)
		reply, err := b.conn.ReadReply()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				req.SetError(protocol.ErrCmdTimeout)
				b.delayed++
				return true
			}
			b.log.Warn("backend read failed", "err", err)
			req.SetError(&protocol.BackendClosedError{Addr: b.addr})
			return false
		}
		if b.delayed > 0 {
			// a late reply for a command we already timed out
			b.delayed--
			continue
		}
		req.SetReply(reply)
		return true
	}
}

// drain errors out everything still queued after a stop.
func (b *Back) drain() {
	for _, req := range b.subStack {
		req.SetError(&protocol.BackendClosedError{Addr: b.addr})
	}
	b.subStack = nil
	for {
		select {
		case req := <-b.s.ch:
			req.SetError(&protocol.BackendClosedError{Addr: b.addr})
		default:
			return
		}
	}
}

// blackHole answers every incoming command with a backend-closed error
// until the sender is stopped. It replaces a Back whose connection
// could not be established or died, keeping Fronts unblocked; the
// configuration reload path is the recovery mechanism.
func blackHole(addr string, s *sender) {
	for {
		select {
		case req := <-s.ch:
			expandInto(req, func(leaf protocol.Request) {
				leaf.SetError(&protocol.BackendClosedError{Addr: addr})
			})
		case <-s.stop:
			for {
				select {
				case req := <-s.ch:
					expandInto(req, func(leaf protocol.Request) {
						leaf.SetError(&protocol.BackendClosedError{Addr: addr})
					})
				default:
					return
				}
			}
		}
	}
}

// expandInto applies fn to a leaf command or to every child of a
// fan-out command.
func expandInto(req protocol.Request, fn func(protocol.Request)) {
	if subs := req.Subs(); len(subs) > 0 {
		for _, sub := range subs {
			fn(sub)
		}
		return
	}
	fn(req)
}
