package redis

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/shoalproxy/shoal/protocol"
)

// clientConn frames one client connection: incremental RESP decode in,
// aggregated reply encode out.
type clientConn struct {
	conn net.Conn
	rb   *protocol.ReadBuffer
	out  bytes.Buffer
	info ProxyInfo
}

// NewClientConn wraps an accepted client socket with the RESP front
// codec. info feeds the CLUSTER SLOTS/NODES synthesis.
func NewClientConn(conn net.Conn, info ProxyInfo) protocol.ClientConn {
	return &clientConn{
		conn: conn,
		rb:   protocol.NewReadBuffer(conn),
		info: info,
	}
}

func (cc *clientConn) Read() (protocol.Request, error) {
	for {
		if win := cc.rb.Window(); len(win) > 0 {
			msg, n, err := Parse(win)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				cc.rb.Advance(n)
				return decodeCmd(msg, cc.info), nil
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

// serverConn frames one backend connection: request encode out, reply
// decode in.
type serverConn struct {
	conn net.Conn
	rb   *protocol.ReadBuffer
	out  bytes.Buffer
}

// NewServerConn wraps a backend socket with the RESP node codec.
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
			msg, n, err := Parse(win)
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

// SlotsCount is the fixed redis cluster keyspace size.
const SlotsCount = 16384

// buildClusterSlotsReply synthesizes a three-range CLUSTER SLOTS reply
// covering all 16384 slots, every range claiming this proxy, so
// cluster-aware clients accept the proxy as a standalone cluster.
func buildClusterSlotsReply(info ProxyInfo) []byte {
	ranges := [][2]int{{0, 5460}, {5461, 10922}, {10923, 16383}}
	var buf bytes.Buffer
	buf.WriteString("*3\r\n")
	for i, r := range ranges {
		fmt.Fprintf(&buf, "*3\r\n:%d\r\n:%d\r\n*3\r\n$%d\r\n%s\r\n:%s\r\n$40\r\n%s\r\n",
			r[0], r[1], len(info.IP), info.IP, info.Port, fakeNodeID(i+1))
	}
	return buf.Bytes()
}

// buildClusterNodesReply synthesizes the matching CLUSTER NODES bulk.
func buildClusterNodesReply(info ProxyInfo) []byte {
	var body bytes.Buffer
	slots := []string{"0-5460", "5461-10922", "10923-16383"}
	for i, slot := range slots {
		role := "master"
		if i == 0 {
			role = "master,myself"
		}
		fmt.Fprintf(&body, "%s %s:%s %s - 0 0 %d connected %s\n",
			fakeNodeID(i+1), info.IP, info.Port, role, i+1, slot)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "$%d\r\n%s\r\n", body.Len(), body.Bytes())
	return buf.Bytes()
}

// fakeNodeID renders a 40-character node id ending in the given digit.
func fakeNodeID(n int) string {
	return fmt.Sprintf("%040d", n)
}
