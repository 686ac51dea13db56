package shoal

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/shoalproxy/shoal/hashkit"
	"github.com/shoalproxy/shoal/metrics"
	"github.com/shoalproxy/shoal/protocol"
)

const (
	// frontendMaxPollError caps consecutive client write failures
	// before the connection is closed.
	frontendMaxPollError = 10

	// sentQueueCap bounds the per-client in-flight pipeline; a client
	// that outruns its backends blocks here.
	sentQueueCap = 1024
)

// Front owns one client connection. The read side decodes, dispatches
// and appends every command to the sent queue; the write side pops the
// queue head-of-line, waits for its completion and encodes the reply.
// Because commands enter the queue in read order and leave only from
// the head, the client sees replies in exactly the order it issued
// requests, regardless of which backend finished first.
type Front struct {
	client  string
	hashTag []byte
	hasher  hashkit.Func
	keeper  *RingKeeper
	conn    protocol.ClientConn
	timeout time.Duration

	auth   string
	authed bool

	queue chan protocol.Request

	log *slog.Logger
}

// NewFront wires an accepted client connection into the cluster.
func NewFront(client string, conn protocol.ClientConn, keeper *RingKeeper, hashTag []byte, hasher hashkit.Func, timeout time.Duration, auth string) *Front {
	return &Front{
		client:  client,
		hashTag: hashTag,
		hasher:  hasher,
		keeper:  keeper,
		conn:    conn,
		timeout: timeout,
		auth:    auth,
		queue:   make(chan protocol.Request, sentQueueCap),
		log:     slog.Default().With("client", client),
	}
}

// Run serves the connection until the client closes or the sink turns
// unusable.
func (f *Front) Run() {
	metrics.FrontConnIncr()
	defer metrics.FrontConnDecr()
	defer f.conn.Close()

	writerDone := make(chan struct{})
	go f.writeLoop(writerDone)

	f.readLoop()
	close(f.queue)
	<-writerDone
}

func (f *Front) readLoop() {
	for {
		req, err := f.conn.Read()
		if err != nil {
			if err != io.EOF && !errors.Is(err, io.ErrUnexpectedEOF) {
				f.log.Debug("client read ended", "err", err)
			}
			return
		}

		closing := f.process(req)
		f.queue <- req
		if closing || req.CloseAfterReply() {
			return
		}
	}
}

// process resolves a decoded command: auth gating, local replies,
// node fan-out expansion, then dispatch. Returns true when the
// connection must close after this command's reply (wrong password).
func (f *Front) process(req protocol.Request) bool {
	req.MarkTotal()

	if done, closing := f.checkAuth(req); done || closing {
		return closing
	}
	if req.IsDone() {
		// locally terminal: PING, COMMAND, QUIT, CLUSTER, NotSupport
		return false
	}

	if req.NeedsNodeFanout() {
		req.MakeNodeSubs(f.keeper.Addrs())
	}

	if subs := req.Subs(); len(subs) > 0 {
		for _, sub := range subs {
			f.route(sub)
		}
		return false
	}
	f.route(req)
	return false
}

// checkAuth implements the client side of AUTH. done reports that the
// command was answered locally.
func (f *Front) checkAuth(req protocol.Request) (done, closing bool) {
	isAuth := req.CmdType().IsAuth()

	if f.auth == "" {
		if isAuth {
			req.SetError(protocol.ErrBadRequest)
			return true, false
		}
		return false, false
	}

	if isAuth {
		if req.AuthPassword() == f.auth {
			f.authed = true
			req.SetOK()
			return true, false
		}
		req.SetError(protocol.ErrAuthWrong)
		return true, true
	}

	if !f.authed && req.CmdType().NeedAuth() {
		req.SetError(protocol.ErrNoAuth)
		// fan-out children are never dispatched; close them as well
		for _, sub := range req.Subs() {
			sub.SetError(protocol.ErrNoAuth)
		}
		return true, false
	}
	return false, false
}

// route hashes one leaf command to its backend channel. Sub-requests
// of a node fan-out carry an explicit target address instead.
func (f *Front) route(req protocol.Request) {
	var s *sender
	if addr := req.TargetAddr(); addr != "" {
		s = f.keeper.Conn(addr)
	} else {
		s = f.keeper.Lookup(req.KeyHash(f.hashTag, f.hasher))
	}
	if s == nil {
		req.SetError(protocol.ErrClusterFailDispatch)
		return
	}

	switch s.Send(req, f.timeout) {
	case sendOK:
	case sendTimeout:
		req.SetError(protocol.ErrCmdTimeout)
	case sendClosed:
		req.SetError(protocol.ErrClusterFailDispatch)
	}
}

// writeLoop drains the sent queue in order. The head element blocks
// the queue until it is done; this is what preserves the
// client-visible reply order.
func (f *Front) writeLoop(done chan struct{}) {
	defer close(done)

	writeErrs := 0
	for req := range f.queue {
		f.await(req)

		if req.IsNoReply() {
			continue
		}

		err := f.conn.WriteReply(req)
		if err == nil {
			err = f.conn.Flush()
		}
		if err != nil {
			writeErrs++
			f.log.Warn("client write failed", "err", err)
			if writeErrs > frontendMaxPollError {
				f.log.Error("client sink unstable, closing connection")
				f.conn.Close()
				f.abandonQueue()
				return
			}
			continue
		}
		writeErrs = 0
	}
}

// await blocks until the command (or all its children) completed.
func (f *Front) await(req protocol.Request) {
	if subs := req.Subs(); len(subs) > 0 {
		for _, sub := range subs {
			<-sub.Done()
		}
		return
	}
	<-req.Done()
}

// abandonQueue force-fails whatever the writer will never serve.
func (f *Front) abandonQueue() {
	for req := range f.queue {
		req.Abandon()
	}
}
