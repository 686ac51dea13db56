// Package redis implements the RESP wire codec and the redis command
// model: incremental zero-copy framing, command classification,
// multi-key fan-out and reply aggregation.
package redis

import (
	"bytes"

	"github.com/shoalproxy/shoal/protocol"
)

// RESP variant markers. Any other leading byte starts an inline
// command line.
const (
	RespString = '+'
	RespError  = '-'
	RespInt    = ':'
	RespBulk   = '$'
	RespArray  = '*'
	RespInline = 'i'
)

var crlfBytes = []byte("\r\n")

// Range marks a half-open [Begin, End) span of a message buffer.
type Range struct {
	Begin uint32
	End   uint32
}

func newRange(begin, end int) Range {
	return Range{Begin: uint32(begin), End: uint32(end)}
}

// Len returns the number of bytes spanned.
func (r Range) Len() int { return int(r.End - r.Begin) }

// RespType is one node of a decoded RESP frame. Full spans the whole
// frame including headers and CRLFs; Data spans the payload only.
// Array frames carry their children.
type RespType struct {
	Kind  byte
	Full  Range
	Data  Range
	Array []RespType
}

// Message is a zero-copy view over an owned byte buffer. Children
// share the buffer and never outlive it; cloning a message shares the
// buffer by slice reference.
type Message struct {
	Data []byte
	Type RespType
}

// incompleteError signals an incomplete frame to Parse; it never
// escapes this package.
type incompleteError struct{}

func (incompleteError) Error() string { return "incomplete frame" }

var errIncomplete = incompleteError{}

// Parse decodes one message from the head of data. It returns
// (nil, 0, nil) when more bytes are needed; decoded messages report
// how many bytes they consumed so the caller can advance its buffer.
func Parse(data []byte) (*Message, int, error) {
	rt, next, err := parseOne(data, 0)
	if err == errIncomplete {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return &Message{Data: data[:next], Type: rt}, next, nil
}

func parseOne(data []byte, pos int) (RespType, int, error) {
	if pos >= len(data) {
		return RespType{}, 0, errIncomplete
	}

	switch data[pos] {
	case RespString, RespError, RespInt:
		end := findCRLF(data, pos+1)
		if end < 0 {
			return RespType{}, 0, errIncomplete
		}
		rt := RespType{
			Kind: data[pos],
			Full: newRange(pos, end+2),
			Data: newRange(pos+1, end),
		}
		return rt, end + 2, nil

	case RespBulk:
		n, bodyPos, err := parseLength(data, pos+1)
		if err != nil {
			return RespType{}, 0, err
		}
		if n == -1 {
			rt := RespType{
				Kind: RespBulk,
				Full: newRange(pos, bodyPos),
				Data: newRange(bodyPos, bodyPos),
			}
			return rt, bodyPos, nil
		}
		need := bodyPos + n + 2
		if need > len(data) {
			return RespType{}, 0, errIncomplete
		}
		if data[bodyPos+n] != '\r' || data[bodyPos+n+1] != '\n' {
			return RespType{}, 0, protocol.ErrBadMessage
		}
		rt := RespType{
			Kind: RespBulk,
			Full: newRange(pos, need),
			Data: newRange(bodyPos, bodyPos+n),
		}
		return rt, need, nil

	case RespArray:
		n, bodyPos, err := parseLength(data, pos+1)
		if err != nil {
			return RespType{}, 0, err
		}
		rt := RespType{
			Kind: RespArray,
			Data: newRange(pos+1, bodyPos-2),
		}
		if n == -1 {
			rt.Full = newRange(pos, bodyPos)
			return rt, bodyPos, nil
		}
		cursor := bodyPos
		children := make([]RespType, 0, n)
		for i := 0; i < n; i++ {
			child, next, err := parseOne(data, cursor)
			if err != nil {
				return RespType{}, 0, err
			}
			children = append(children, child)
			cursor = next
		}
		rt.Full = newRange(pos, cursor)
		rt.Array = children
		return rt, cursor, nil

	default:
		return parseInline(data, pos)
	}
}

// parseInline frames a whitespace-delimited command line, used by
// RESP inline requests and plain-text pings.
func parseInline(data []byte, pos int) (RespType, int, error) {
	end := findCRLF(data, pos)
	if end < 0 {
		return RespType{}, 0, errIncomplete
	}

	rt := RespType{
		Kind: RespInline,
		Full: newRange(pos, end+2),
		Data: newRange(pos, end),
	}

	i := pos
	for i < end {
		for i < end && (data[i] == ' ' || data[i] == '\t') {
			i++
		}
		if i == end {
			break
		}
		start := i
		for i < end && data[i] != ' ' && data[i] != '\t' {
			i++
		}
		rt.Array = append(rt.Array, RespType{
			Kind: RespInline,
			Full: newRange(start, i),
			Data: newRange(start, i),
		})
	}
	return rt, end + 2, nil
}

// parseLength reads the signed decimal after a bulk or array marker.
// Returns the value and the index just past the terminating CRLF.
// Leading zeros are accepted; only -1 is a valid negative value.
func parseLength(data []byte, pos int) (int, int, error) {
	end := findCRLF(data, pos)
	if end < 0 {
		return 0, 0, errIncomplete
	}

	field := data[pos:end]
	neg := false
	if len(field) > 0 && field[0] == '-' {
		neg = true
		field = field[1:]
	}
	if len(field) == 0 {
		return 0, 0, protocol.ErrBadMessage
	}

	n := 0
	for _, b := range field {
		if b < '0' || b > '9' {
			return 0, 0, protocol.ErrBadMessage
		}
		if n > (1<<31)/10 {
			return 0, 0, protocol.ErrBadMessage
		}
		n = n*10 + int(b-'0')
	}
	if neg {
		if n != 1 {
			return 0, 0, protocol.ErrBadMessage
		}
		return -1, end + 2, nil
	}
	return n, end + 2, nil
}

func findCRLF(data []byte, from int) int {
	if from > len(data) {
		return -1
	}
	idx := bytes.Index(data[from:], crlfBytes)
	if idx < 0 {
		return -1
	}
	return from + idx
}

// slice returns the bytes spanned by r.
func (m *Message) slice(r Range) []byte {
	return m.Data[r.Begin:r.End]
}

// Raw returns the full serialized frame, byte-for-byte as received or
// built. Encoding a message re-emits exactly these bytes.
func (m *Message) Raw() []byte {
	return m.slice(m.Type.Full)
}

// RawChild returns the full serialized frame of a child node.
func (m *Message) RawChild(rt RespType) []byte {
	return m.slice(rt.Full)
}

// ArrayLen returns the number of elements of an array or inline
// message, zero otherwise.
func (m *Message) ArrayLen() int {
	return len(m.Type.Array)
}

// Nth returns the payload of the i-th element: the bulk content for
// arrays, the token for inline lines, the data span of a scalar when
// i is zero. Returns nil when out of range. The returned slice aliases
// the message buffer, so in-place rewrites (verb uppercasing) stick.
func (m *Message) Nth(i int) []byte {
	switch m.Type.Kind {
	case RespArray, RespInline:
		if i >= len(m.Type.Array) {
			return nil
		}
		return m.slice(m.Type.Array[i].Data)
	default:
		if i != 0 {
			return nil
		}
		return m.slice(m.Type.Data)
	}
}

// Plain builds a one-frame message of the given scalar kind around
// payload: Plain([]byte("OK"), RespString) yields "+OK\r\n".
func Plain(payload []byte, kind byte) *Message {
	data := make([]byte, 0, len(payload)+3)
	data = append(data, kind)
	data = append(data, payload...)
	data = append(data, crlfBytes...)
	return &Message{
		Data: data,
		Type: RespType{
			Kind: kind,
			Full: newRange(0, len(data)),
			Data: newRange(1, 1+len(payload)),
		},
	}
}

// InlineRaw wraps pre-serialized reply bytes. An empty payload encodes
// to nothing, which is how QUIT gets its silent goodbye.
func InlineRaw(data []byte) *Message {
	return &Message{
		Data: data,
		Type: RespType{
			Kind: RespInline,
			Full: newRange(0, len(data)),
			Data: newRange(0, len(data)),
		},
	}
}

// BuildArray serializes args as a RESP array of bulk strings and
// parses it back so the message carries proper ranges.
func BuildArray(args ...[]byte) *Message {
	var buf bytes.Buffer
	buf.WriteByte(RespArray)
	writeInt(&buf, len(args))
	buf.Write(crlfBytes)
	for _, arg := range args {
		buf.WriteByte(RespBulk)
		writeInt(&buf, len(arg))
		buf.Write(crlfBytes)
		buf.Write(arg)
		buf.Write(crlfBytes)
	}
	msg, _, err := Parse(buf.Bytes())
	if err != nil || msg == nil {
		panic("redis: BuildArray produced an unparsable frame")
	}
	return msg
}

func writeInt(buf *bytes.Buffer, n int) {
	var scratch [20]byte
	i := len(scratch)
	if n == 0 {
		buf.WriteByte('0')
		return
	}
	for n > 0 {
		i--
		scratch[i] = byte('0' + n%10)
		n /= 10
	}
	buf.Write(scratch[i:])
}

// NewPingRequest builds the probe request sent by the health pinger.
func NewPingRequest() *Message {
	return BuildArray([]byte("PING"))
}

// NewAuthRequest builds the AUTH frame sent first on an authenticated
// backend connection.
func NewAuthRequest(password string) *Message {
	return BuildArray([]byte("AUTH"), []byte(password))
}
