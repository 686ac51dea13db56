package redis

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shoalproxy/shoal/hashkit"
	"github.com/shoalproxy/shoal/metrics"
	"github.com/shoalproxy/shoal/protocol"
)

const (
	commandPos   = 0
	keyRawPos    = 1
	keyMemoryPos = 2
	keyEvalPos   = 3

	maxKeyCount = 10000
)

var (
	bytesJustOK       = []byte("+OK\r\n")
	bytesNullArray    = []byte("*-1\r\n")
	bytesZeroInt      = []byte(":0\r\n")
	bytesPong         = []byte("PONG")
	bytesLen2Head     = []byte("*2\r\n")
	bytesLen3Head     = []byte("*3\r\n")
	bytesGetBulk      = []byte("$3\r\nGET\r\n")
	bytesAskHead      = []byte("*1\r\n$3\r\nASK\r\n")
	bytesInfoKeyspace = []byte("*2\r\n$4\r\nINFO\r\n$8\r\nkeyspace\r\n")

	verbPing    = []byte("PING")
	verbCommand = []byte("COMMAND")
	verbQuit    = []byte("QUIT")
	verbCluster = []byte("CLUSTER")
	subSlots    = []byte("SLOTS")
	subNodes    = []byte("NODES")
)

// ProxyInfo is the process metadata used to synthesize CLUSTER
// SLOTS/NODES replies; it is handed to the codec instead of living in
// a global.
type ProxyInfo struct {
	IP   string
	Port string
}

// Cmd is the in-flight redis command. The outer handle is shared by
// the Front task that created it and the Back task serving it; the
// mutable state behind mu is the only contended part.
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

	addr       string
	closeAfter bool

	done chan struct{}
}

var _ protocol.Request = (*Cmd)(nil)

func newCmd(ctype protocol.CmdType, req *Message) *Cmd {
	return &Cmd{
		ctype: ctype,
		req:   req,
		done:  make(chan struct{}),
	}
}

// NewPingCmd builds the liveness probe command used by the backend
// health pinger.
func NewPingCmd() protocol.Request {
	return newCmd(protocol.CmdCtrl, NewPingRequest())
}

// NewAuthCmd builds the AUTH command a Back sends first on a cluster
// with a configured password.
func NewAuthCmd(password string) protocol.Request {
	return newCmd(protocol.CmdAuth, NewAuthRequest(password))
}

// decodeCmd classifies a parsed message and builds the command,
// including its fan-out children and any locally terminal reply.
func decodeCmd(msg *Message, info ProxyInfo) *Cmd {
	verb := msg.Nth(commandPos)
	if verb == nil {
		cmd := newCmd(protocol.CmdNotSupport, msg)
		cmd.SetError(protocol.ErrNotSupport)
		return cmd
	}
	upperInPlace(verb)

	ctype := CmdTypeOf(verb)
	switch {
	case ctype.IsExists() || ctype.IsDel() || ctype.IsMGet():
		return mkSubs(ctype, msg)
	case ctype.IsMSet():
		return mkMSet(ctype, msg)
	}

	cmd := newCmd(ctype, msg)
	switch ctype {
	case protocol.CmdNotSupport:
		cmd.SetError(protocol.ErrNotSupport)
	case protocol.CmdCommand:
		cmd.SetReply(InlineRaw([]byte("*-1\r\n")))
	case protocol.CmdClient:
		cmd.SetReply(InlineRaw(bytesJustOK))
	case protocol.CmdCtrl:
		cmd.answerCtrl(verb, msg, info)
	}
	return cmd
}

// answerCtrl resolves the locally terminal control commands. Control
// verbs without a local answer are rejected, never forwarded.
func (c *Cmd) answerCtrl(verb []byte, msg *Message, info ProxyInfo) {
	switch {
	case bytes.Equal(verb, verbPing):
		c.SetReply(Plain(bytesPong, RespString))
	case bytes.Equal(verb, verbQuit):
		c.closeAfter = true
		c.SetReply(InlineRaw(nil))
	case bytes.Equal(verb, verbCluster):
		sub := msg.Nth(1)
		if sub != nil {
			upperInPlace(sub)
			if bytes.Equal(sub, subSlots) {
				c.SetReply(InlineRaw(buildClusterSlotsReply(info)))
				return
			}
			if bytes.Equal(sub, subNodes) {
				c.SetReply(InlineRaw(buildClusterNodesReply(info)))
				return
			}
		}
		c.SetError(protocol.ErrNotSupport)
	default:
		c.SetError(protocol.ErrNotSupport)
	}
}

// mkSubs decomposes DEL/UNLINK, EXISTS and MGET into one sub-command
// per key. The children share the parent's buffer.
func mkSubs(ctype protocol.CmdType, msg *Message) *Cmd {
	cmd := newCmd(ctype, msg)
	if msg.Type.Kind != RespArray {
		cmd.SetError(protocol.ErrInlineMultiKeys)
		return cmd
	}
	items := msg.Type.Array
	if len(items) < 2 || len(items) > maxKeyCount {
		cmd.SetError(protocol.ErrBadRequest)
		return cmd
	}

	subs := make([]*Cmd, 0, len(items)-1)
	for _, key := range items[1:] {
		sub := &Message{
			Data: msg.Data,
			Type: RespType{
				Kind:  RespArray,
				Full:  msg.Type.Full,
				Data:  msg.Type.Data,
				Array: []RespType{items[0], key},
			},
		}
		subs = append(subs, newCmd(ctype, sub))
	}
	cmd.subs = subs
	return cmd
}

// mkMSet decomposes MSET into one SET-shaped sub-command per key/value
// pair.
func mkMSet(ctype protocol.CmdType, msg *Message) *Cmd {
	cmd := newCmd(ctype, msg)
	if msg.Type.Kind != RespArray {
		cmd.SetError(protocol.ErrInlineMultiKeys)
		return cmd
	}
	items := msg.Type.Array
	if len(items) < 3 || (len(items)-1)%2 != 0 || len(items) > maxKeyCount {
		cmd.SetError(protocol.ErrBadRequest)
		return cmd
	}

	subs := make([]*Cmd, 0, (len(items)-1)/2)
	for i := 1; i+1 < len(items); i += 2 {
		sub := &Message{
			Data: msg.Data,
			Type: RespType{
				Kind:  RespArray,
				Full:  msg.Type.Full,
				Data:  msg.Type.Data,
				Array: []RespType{items[0], items[i], items[i+1]},
			},
		}
		subs = append(subs, newCmd(ctype, sub))
	}
	cmd.subs = subs
	return cmd
}

// CmdType implements protocol.Request.
func (c *Cmd) CmdType() protocol.CmdType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctype
}

func (c *Cmd) keyPos() int {
	switch {
	case c.ctype.IsEval():
		return keyEvalPos
	case c.ctype.IsInfo() || c.ctype == protocol.CmdCommand:
		return commandPos
	case c.ctype.IsMemory():
		return keyMemoryPos
	}
	return keyRawPos
}

// KeyHash implements protocol.Request.
func (c *Cmd) KeyHash(hashTag []byte, hasher func([]byte) uint64) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key := c.req.Nth(c.keyPos())
	if key == nil {
		return ^uint64(0)
	}
	return hasher(hashkit.TrimHashTag(key, hashTag))
}

// TargetAddr implements protocol.Request.
func (c *Cmd) TargetAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

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

// NeedsNodeFanout implements protocol.Request: KEYS, DBSIZE, SCAN and
// INFO keyspace expand into one sub-command per live backend.
func (c *Cmd) NeedsNodeFanout() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subs) > 0 {
		return false
	}
	return c.ctype.IsReadAll() || c.ctype.IsCountAll() || c.ctype.IsScan() || c.isInfoKeyspaceLocked()
}

func (c *Cmd) isInfoKeyspaceLocked() bool {
	return c.ctype.IsInfo() && bytes.Equal(c.req.Raw(), bytesInfoKeyspace)
}

// MakeNodeSubs implements protocol.Request.
func (c *Cmd) MakeNodeSubs(addrs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]*Cmd, 0, len(addrs))
	for _, addr := range addrs {
		sub := newCmd(c.ctype, c.req)
		sub.addr = addr
		subs = append(subs, sub)
	}
	c.subs = subs
}

// IsDone implements protocol.Request. A command with children is done
// iff every child is done; its own reply slot stays empty.
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

// IsNoReply implements protocol.Request; redis has no reply
// suppression.
func (c *Cmd) IsNoReply() bool { return false }

// CloseAfterReply implements protocol.Request.
func (c *Cmd) CloseAfterReply() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeAfter
}

// AuthPassword implements protocol.Request.
func (c *Cmd) AuthPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return string(c.req.Nth(keyRawPos))
}

// SetOK implements protocol.Request.
func (c *Cmd) SetOK() {
	c.SetReply(InlineRaw(bytesJustOK))
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

// SetError implements protocol.Request.
func (c *Cmd) SetError(err error) {
	c.mu.Lock()
	if c.flags&protocol.FlagDone != 0 {
		c.mu.Unlock()
		return
	}
	c.flags |= protocol.FlagError
	c.setReplyLocked(Plain([]byte(err.Error()), RespError))
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

// writeRequest serializes the forwarded form of the command: fan-out
// children replay the parent verb with their single key (MGET children
// are rewritten to GET), everything else goes out byte-for-byte.
func (c *Cmd) writeRequest(buf *bytes.Buffer) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.flags&protocol.FlagAsk != 0 {
		buf.Write(bytesAskHead)
	}

	switch {
	case c.ctype.IsExists() || c.ctype.IsDel():
		buf.Write(bytesLen2Head)
		for _, rt := range c.req.Type.Array {
			buf.Write(c.req.RawChild(rt))
		}
	case c.ctype.IsMSet():
		buf.Write(bytesLen3Head)
		for _, rt := range c.req.Type.Array {
			buf.Write(c.req.RawChild(rt))
		}
	case c.ctype.IsMGet():
		buf.Write(bytesLen2Head)
		buf.Write(bytesGetBulk)
		for _, rt := range c.req.Type.Array[1:] {
			buf.Write(c.req.RawChild(rt))
		}
	default:
		buf.Write(c.req.Raw())
	}
	return nil
}

// writeReply serializes the client-visible reply, aggregating children
// for fan-out commands.
func (c *Cmd) writeReply(buf *bytes.Buffer) error {
	c.mu.RLock()
	ctype := c.ctype
	subs := c.subs
	tracker := c.totalTracker
	ownErr := c.flags&protocol.FlagError != 0
	c.mu.RUnlock()

	defer tracker.Stop()

	// an error set on the command itself (a rejected request) is
	// written as is, before any fan-out aggregation
	if ownErr {
		return c.writeReplyRaw(buf)
	}

	switch {
	case ctype.IsMSet() || ctype == protocol.CmdClient:
		buf.Write(bytesJustOK)
	case ctype.IsMGet():
		if len(subs) == 0 {
			buf.Write(bytesNullArray)
			return nil
		}
		buf.WriteByte(RespArray)
		writeInt(buf, len(subs))
		buf.Write(crlfBytes)
		for _, sub := range subs {
			if err := sub.writeReplyRaw(buf); err != nil {
				return err
			}
		}
	case ctype.IsReadAll():
		return writeMergedArrays(buf, subs)
	case ctype.IsScan():
		return writeMergedScan(buf, subs)
	case ctype.IsDel() || ctype.IsExists() || ctype.IsCountAll():
		if len(subs) == 0 {
			buf.Write(bytesZeroInt)
			return nil
		}
		total := 0
		for _, sub := range subs {
			if reply := sub.Reply(); reply != nil {
				if n, err := strconv.Atoi(string(reply.Nth(0))); err == nil {
					total += n
				}
			}
		}
		buf.WriteByte(RespInt)
		writeInt(buf, total)
		buf.Write(crlfBytes)
	default:
		c.mu.RLock()
		keyspace := c.isInfoKeyspaceLocked()
		c.mu.RUnlock()
		if keyspace && len(subs) > 0 {
			return writeMergedKeyspace(buf, subs)
		}
		return c.writeReplyRaw(buf)
	}
	return nil
}

func (c *Cmd) writeReplyRaw(buf *bytes.Buffer) error {
	reply := c.Reply()
	if reply == nil {
		return protocol.ErrBadReply
	}
	buf.Write(reply.Raw())
	return nil
}

// writeMergedArrays flattens each sub's array reply into one array
// whose length is the sum of the children (KEYS).
func writeMergedArrays(buf *bytes.Buffer, subs []*Cmd) error {
	if len(subs) == 0 {
		buf.Write(bytesNullArray)
		return nil
	}
	total := 0
	for _, sub := range subs {
		if reply := sub.Reply(); reply != nil && reply.Type.Kind == RespArray {
			total += len(reply.Type.Array)
		}
	}
	buf.WriteByte(RespArray)
	writeInt(buf, total)
	buf.Write(crlfBytes)
	for _, sub := range subs {
		reply := sub.Reply()
		if reply == nil || reply.Type.Kind != RespArray {
			continue
		}
		for _, rt := range reply.Type.Array {
			buf.Write(reply.RawChild(rt))
		}
	}
	return nil
}

// writeMergedScan merges per-backend SCAN replies into a single-pass
// result: the cursor is always reported as 0.
func writeMergedScan(buf *bytes.Buffer, subs []*Cmd) error {
	if len(subs) == 0 {
		buf.Write(bytesNullArray)
		return nil
	}
	total := 0
	for _, sub := range subs {
		total += len(scanItems(sub.Reply()))
	}
	buf.WriteString("*2\r\n$1\r\n0\r\n")
	buf.WriteByte(RespArray)
	writeInt(buf, total)
	buf.Write(crlfBytes)
	for _, sub := range subs {
		reply := sub.Reply()
		for _, rt := range scanItems(reply) {
			buf.Write(reply.RawChild(rt))
		}
	}
	return nil
}

// scanItems extracts the item list of one backend SCAN reply:
// [cursor, [items...]].
func scanItems(reply *Message) []RespType {
	if reply == nil || reply.Type.Kind != RespArray || len(reply.Type.Array) != 2 {
		return nil
	}
	inner := reply.Type.Array[1]
	if inner.Kind != RespArray {
		return nil
	}
	return inner.Array
}

// writeMergedKeyspace synthesizes a single `# Keyspace` section from
// the per-backend INFO keyspace replies. Expiry and TTL figures are
// key-count weighted averages.
func writeMergedKeyspace(buf *bytes.Buffer, subs []*Cmd) error {
	var keysSum, expiresSum, avgTTLSum int
	for _, sub := range subs {
		reply := sub.Reply()
		if reply == nil {
			continue
		}
		keys, expires, avgTTL, ok := parseKeyspace(string(reply.Data))
		if !ok {
			continue
		}
		keysSum += keys
		expiresSum += expires * keys
		avgTTLSum += avgTTL * keys
	}

	expires, avgTTL := 0, 0
	if keysSum > 0 {
		expires = expiresSum / keysSum
		avgTTL = avgTTLSum / keysSum
	}

	body := fmt.Sprintf("# Keyspace\r\ndb0:keys=%d,expires=%d,avg_ttl=%d\r\n", keysSum, expires, avgTTL)
	buf.WriteByte(RespBulk)
	writeInt(buf, len(body))
	buf.Write(crlfBytes)
	buf.WriteString(body)
	buf.Write(crlfBytes)
	return nil
}

// parseKeyspace pulls keys=, expires= and avg_ttl= out of one INFO
// keyspace reply.
func parseKeyspace(data string) (keys, expires, avgTTL int, ok bool) {
	if !strings.Contains(data, "# Keyspace") {
		return 0, 0, 0, false
	}
	keys, rest, ok := keyspaceField(data, "keys=", ",")
	if !ok {
		return 0, 0, 0, false
	}
	expires, rest, ok = keyspaceField(rest, "expires=", ",")
	if !ok {
		return 0, 0, 0, false
	}
	avgTTL, _, ok = keyspaceField(rest, "avg_ttl=", "\r")
	if !ok {
		return 0, 0, 0, false
	}
	return keys, expires, avgTTL, true
}

func keyspaceField(data, label, term string) (int, string, bool) {
	idx := strings.Index(data, label)
	if idx < 0 {
		return 0, "", false
	}
	rest := data[idx+len(label):]
	end := strings.Index(rest, term)
	if end < 0 {
		return 0, "", false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, "", false
	}
	return n, rest[end:], true
}
