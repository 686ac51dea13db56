package mc

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/shoalproxy/shoal/hashkit"
	"github.com/shoalproxy/shoal/metrics"
	"github.com/shoalproxy/shoal/protocol"
)

// Cmd is the in-flight memcached command, shared by the Front task
// that created it and the Back task serving it.
type Cmd struct {
	mu sync.RWMutex

	ctype protocol.CmdType
	flags protocol.CmdFlags
	cycle uint8

	req   *Message
	reply *Message
	subs  []*Cmd

	totalTracker  *metrics.Tracker
	remoteTracker *metrics.Tracker

	sentAt time.Time
	sent   bool

	closeAfter bool

	done chan struct{}
}

var _ protocol.Request = (*Cmd)(nil)

func newCmd(req *Message) *Cmd {
	c := &Cmd{
		ctype: cmdTypeOf(req),
		req:   req,
		done:  make(chan struct{}),
	}
	if req.NoReply {
		c.flags |= protocol.FlagNoReply
	}
	if req.Quiet {
		c.flags |= protocol.FlagQuiet
	}
	return c
}

func cmdTypeOf(req *Message) protocol.CmdType {
	if req.Binary {
		switch req.Opcode {
		case OpGet, OpGetK, OpVersion, OpStat, OpNoop:
			return protocol.CmdRead
		case OpQuit:
			return protocol.CmdCtrl
		}
		return protocol.CmdWrite
	}
	switch req.Kind {
	case KindGet, KindGets, KindVersion, KindStats:
		return protocol.CmdRead
	case KindQuit:
		return protocol.CmdCtrl
	}
	return protocol.CmdWrite
}

// decodeCmd builds the command for a parsed request, decomposing
// multi-key retrievals and resolving QUIT locally.
func decodeCmd(msg *Message) *Cmd {
	cmd := newCmd(msg)

	if subMsgs := msg.subMessages(); len(subMsgs) > 0 {
		subs := make([]*Cmd, 0, len(subMsgs))
		for _, sm := range subMsgs {
			subs = append(subs, newCmd(sm))
		}
		cmd.subs = subs
		return cmd
	}

	if cmd.ctype.IsCtrl() {
		cmd.closeAfter = true
		if msg.Binary && !msg.Quiet {
			cmd.SetReply(buildBinaryReply(msg.Opcode, msg.Opaque, 0))
		} else {
			cmd.SetReply(lineReply(""))
		}
	}
	return cmd
}

// badMessageCmd is the synthetic command a malformed frame turns into:
// the client gets an inline ERROR instead of a dropped connection.
func badMessageCmd() *Cmd {
	cmd := newCmd(&Message{Kind: KindLine})
	cmd.mu.Lock()
	cmd.flags |= protocol.FlagError
	cmd.reply = lineReply("ERROR\r\n")
	cmd.flags |= protocol.FlagDone
	close(cmd.done)
	cmd.mu.Unlock()
	metrics.ErrorIncr()
	return cmd
}

// NewPingCmd builds the liveness probe (version) used by the backend
// health pinger.
func NewPingCmd() protocol.Request {
	msg, _, err := ParseRequest([]byte("version\r\n"))
	if err != nil || msg == nil {
		panic("mc: version probe must parse")
	}
	return newCmd(msg)
}

// CmdType implements protocol.Request.
func (c *Cmd) CmdType() protocol.CmdType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctype
}

// KeyHash implements protocol.Request.
func (c *Cmd) KeyHash(hashTag []byte, hasher func([]byte) uint64) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return hasher(hashkit.TrimHashTag(c.req.KeyBytes(), hashTag))
}

// TargetAddr implements protocol.Request; memcached commands always
// hash-route.
func (c *Cmd) TargetAddr() string { return "" }

// Subs implements protocol.Request.
func (c *Cmd) Subs() []protocol.Request {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subs) == 0 {
		return nil
	}
	subs := make([]protocol.Request, len(c.subs))
	for i, s := range c.subs {
		subs[i] = s
	}
	return subs
}

// NeedsNodeFanout implements protocol.Request.
func (c *Cmd) NeedsNodeFanout() bool { return false }

// MakeNodeSubs implements protocol.Request.
func (c *Cmd) MakeNodeSubs([]string) {}

// IsDone implements protocol.Request.
func (c *Cmd) IsDone() bool {
	c.mu.RLock()
	subs := c.subs
	done := c.flags&protocol.FlagDone != 0
	c.mu.RUnlock()

	if len(subs) > 0 {
		for _, s := range subs {
			if !s.IsDone() {
				return false
			}
		}
		return true
	}
	return done
}

// IsError implements protocol.Request.
func (c *Cmd) IsError() bool {
	c.mu.RLock()
	subs := c.subs
	errored := c.flags&protocol.FlagError != 0
	c.mu.RUnlock()

	if len(subs) > 0 {
		for _, s := range subs {
			if s.IsError() {
				return true
			}
		}
		return false
	}
	return errored
}

// IsNoReply implements protocol.Request: noreply requests and quiet
// binary frames are dispatched and consumed but never answered.
func (c *Cmd) IsNoReply() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags&(protocol.FlagNoReply|protocol.FlagQuiet) != 0
}

// CloseAfterReply implements protocol.Request.
func (c *Cmd) CloseAfterReply() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeAfter
}

// AuthPassword implements protocol.Request; memcached has no AUTH.
func (c *Cmd) AuthPassword() string { return "" }

// SetOK implements protocol.Request.
func (c *Cmd) SetOK() {
	c.SetReply(lineReply("OK\r\n"))
}

// SetReply implements protocol.Request.
func (c *Cmd) SetReply(reply any) {
	msg, ok := reply.(*Message)
	if !ok {
		c.SetError(protocol.ErrBadReply)
		return
	}
	c.mu.Lock()
	c.setReplyLocked(msg)
	c.mu.Unlock()
}

func (c *Cmd) setReplyLocked(msg *Message) {
	if c.flags&protocol.FlagDone != 0 {
		return
	}
	c.reply = msg
	c.flags |= protocol.FlagDone
	c.remoteTracker.Stop()
	c.remoteTracker = nil
	close(c.done)
}

// SetError implements protocol.Request. Errors surface in the format
// the client speaks: a SERVER_ERROR line for text, an internal-error
// frame for binary.
func (c *Cmd) SetError(err error) {
	c.mu.Lock()
	if c.flags&protocol.FlagDone != 0 {
		c.mu.Unlock()
		return
	}
	c.flags |= protocol.FlagError
	if c.req.Binary {
		c.setReplyLocked(buildBinaryReply(c.req.Opcode, c.req.Opaque, 0x0084))
	} else {
		c.setReplyLocked(lineReply("SERVER_ERROR " + err.Error() + "\r\n"))
	}
	c.mu.Unlock()

	metrics.ErrorIncr()
}

// CanCycle implements protocol.Request.
func (c *Cmd) CanCycle() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cycle < protocol.MaxCycle
}

// AddCycle implements protocol.Request.
func (c *Cmd) AddCycle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycle++
	c.flags |= protocol.FlagRetry
}

// MarkTotal implements protocol.Request.
func (c *Cmd) MarkTotal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.totalTracker == nil {
		c.totalTracker = metrics.TotalTracker()
	}
}

// MarkSent implements protocol.Request.
func (c *Cmd) MarkSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteTracker = metrics.RemoteTracker()
	c.sentAt = time.Now()
	c.sent = true
}

// SentAt implements protocol.Request.
func (c *Cmd) SentAt() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sentAt, c.sent
}

// Done implements protocol.Request.
func (c *Cmd) Done() <-chan struct{} {
	return c.done
}

// Abandon implements protocol.Request.
func (c *Cmd) Abandon() {
	c.mu.RLock()
	subs := c.subs
	c.mu.RUnlock()
	if len(subs) > 0 {
		for _, s := range subs {
			s.Abandon()
		}
		return
	}
	if !c.IsDone() {
		c.SetError(protocol.ErrProxyFail)
	}
}

// Reply returns the reply message, nil while pending.
func (c *Cmd) Reply() *Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reply
}

// writeReply serializes the client-visible reply. Multi-get parents
// concatenate each child's VALUE records and close with a single END.
func (c *Cmd) writeReply(buf *bytes.Buffer) error {
	c.mu.RLock()
	subs := c.subs
	tracker := c.totalTracker
	c.mu.RUnlock()

	defer tracker.Stop()

	if len(subs) > 0 {
		for _, sub := range subs {
			reply := sub.Reply()
			if reply == nil {
				return protocol.ErrBadReply
			}
			reply.writeReplySansEnd(buf)
		}
		c.saveEnds(buf)
		return nil
	}

	reply := c.Reply()
	if reply == nil {
		return protocol.ErrBadReply
	}
	buf.Write(reply.Data)
	return nil
}

// saveEnds emits the aggregate terminator once every sub-reply has
// been written.
func (c *Cmd) saveEnds(buf *bytes.Buffer) {
	buf.Write(endBytes)
}

// writeRequest serializes the forwarded request.
func (c *Cmd) writeRequest(buf *bytes.Buffer) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.req.writeRequest(buf)
	return nil
}

// clientConn frames one client connection, text or binary.
type clientConn struct {
	conn net.Conn
	rb   *protocol.ReadBuffer
	out  bytes.Buffer
}

// NewClientConn wraps an accepted client socket with the memcached
// front codec.
func NewClientConn(conn net.Conn) protocol.ClientConn {
	return &clientConn{
		conn: conn,
		rb:   protocol.NewReadBuffer(conn),
	}
}

func (cc *clientConn) Read() (protocol.Request, error) {
	for {
		if win := cc.rb.Window(); len(win) > 0 {
			msg, n, err := ParseRequest(win)
			if err == protocol.ErrBadMessage {
				// resync at the next line, answer ERROR inline
				if skip := bytes.Index(win, crlfBytes); skip >= 0 {
					cc.rb.Advance(skip + 2)
				} else {
					cc.rb.Advance(len(win))
				}
				return badMessageCmd(), nil
			}
			if err != nil {
				return nil, err
			}
			if msg != nil {
				cc.rb.Advance(n)
				return decodeCmd(msg), nil
			}
		}
		if err := cc.rb.Fill(); err != nil {
			return nil, err
		}
	}
}

func (cc *clientConn) WriteReply(req protocol.Request) error {
	cmd, ok := req.(*Cmd)
	if !ok {
		return protocol.ErrBadReply
	}
	return cmd.writeReply(&cc.out)
}

func (cc *clientConn) Flush() error {
	if cc.out.Len() == 0 {
		return nil
	}
	_, err := cc.conn.Write(cc.out.Bytes())
	cc.out.Reset()
	return err
}

func (cc *clientConn) Close() error {
	return cc.conn.Close()
}

// serverConn frames one backend connection.
type serverConn struct {
	conn net.Conn
	rb   *protocol.ReadBuffer
	out  bytes.Buffer
}

// NewServerConn wraps a backend socket with the memcached node codec.
func NewServerConn(conn net.Conn) protocol.ServerConn {
	return &serverConn{
		conn: conn,
		rb:   protocol.NewReadBuffer(conn),
	}
}

func (sc *serverConn) WriteRequest(req protocol.Request) error {
	cmd, ok := req.(*Cmd)
	if !ok {
		return protocol.ErrBadRequest
	}
	return cmd.writeRequest(&sc.out)
}

func (sc *serverConn) Flush() error {
	if sc.out.Len() == 0 {
		return nil
	}
	_, err := sc.conn.Write(sc.out.Bytes())
	sc.out.Reset()
	return err
}

func (sc *serverConn) ReadReply() (any, error) {
	for {
		if win := sc.rb.Window(); len(win) > 0 {
			msg, n, err := ParseReply(win)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				sc.rb.Advance(n)
				return msg, nil
			}
		}
		if err := sc.rb.Fill(); err != nil {
			return nil, err
		}
	}
}

func (sc *serverConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

func (sc *serverConn) Close() error {
	return sc.conn.Close()
}
