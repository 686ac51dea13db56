// Package mc implements the memcached text and binary wire codecs and
// the command model for proxying them.
package mc

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"github.com/shoalproxy/shoal/protocol"
)

// Range marks a half-open [Begin, End) span of a message buffer.
type Range struct {
	Begin uint32
	End   uint32
}

func newRange(begin, end int) Range {
	return Range{Begin: uint32(begin), End: uint32(end)}
}

func (r Range) Len() int { return int(r.End - r.Begin) }

// ReqKind identifies the parsed request or reply shape.
type ReqKind uint8

const (
	KindUnknown ReqKind = iota

	// requests
	KindGet
	KindGets
	KindSet
	KindAdd
	KindReplace
	KindAppend
	KindPrepend
	KindCas
	KindDelete
	KindIncr
	KindDecr
	KindTouch
	KindVersion
	KindQuit
	KindStats

	// replies
	KindValues // VALUE record stream ending with END
	KindLine   // single-line reply (STORED, numeric, ERROR, VERSION ...)

	// binary framing, requests and replies alike
	KindBinary
)

var crlfBytes = []byte("\r\n")
var endBytes = []byte("END\r\n")

// Message is a zero-copy view over one memcached frame, text or
// binary. Multi-key retrievals keep one key range per key and
// decompose into per-key submessages.
type Message struct {
	Data []byte
	Kind ReqKind

	Key  Range
	keys []Range

	NoReply bool
	// noReplyTok spans the noreply token including its leading space,
	// so the forwarded line can drop it.
	noReplyTok Range

	Binary bool
	Opcode byte
	Quiet  bool
	Opaque uint32
	Status uint16
}

const binHeaderLen = 24

const (
	magicRequest  = 0x80
	magicResponse = 0x81
)

// Binary opcodes the proxy recognizes.
const (
	OpGet        = 0x00
	OpSet        = 0x01
	OpAdd        = 0x02
	OpReplace    = 0x03
	OpDelete     = 0x04
	OpIncrement  = 0x05
	OpDecrement  = 0x06
	OpQuit       = 0x07
	OpGetQ       = 0x09
	OpNoop       = 0x0a
	OpVersion    = 0x0b
	OpGetK       = 0x0c
	OpGetKQ      = 0x0d
	OpAppend     = 0x0e
	OpPrepend    = 0x0f
	OpStat       = 0x10
	OpSetQ       = 0x11
	OpAddQ       = 0x12
	OpReplaceQ   = 0x13
	OpDeleteQ    = 0x14
	OpIncrementQ = 0x15
	OpDecrementQ = 0x16
	OpQuitQ      = 0x17
	OpFlushQ     = 0x18
	OpAppendQ    = 0x19
	OpPrependQ   = 0x1a
	OpTouch      = 0x1c
)

// quietToLoud maps quiet opcodes to their replying twins. The proxy
// forwards the loud form so every dispatched request produces exactly
// one backend reply to consume.
func quietToLoud(op byte) (byte, bool) {
	switch op {
	case OpGetQ:
		return OpGet, true
	case OpGetKQ:
		return OpGetK, true
	case OpQuitQ:
		return OpQuit, true
	case OpAppendQ:
		return OpAppend, true
	case OpPrependQ:
		return OpPrepend, true
	case OpSetQ, OpAddQ, OpReplaceQ, OpDeleteQ, OpIncrementQ, OpDecrementQ, OpFlushQ:
		return op - 0x10, true
	}
	return op, false
}

// ParseRequest decodes one request frame from the head of data,
// returning (nil, 0, nil) when more bytes are needed.
func ParseRequest(data []byte) (*Message, int, error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	if data[0] == magicRequest {
		return parseBinary(data, magicRequest)
	}
	return parseTextRequest(data)
}

// ParseReply decodes one reply frame from the head of data.
func ParseReply(data []byte) (*Message, int, error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	if data[0] == magicResponse {
		return parseBinary(data, magicResponse)
	}
	return parseTextReply(data)
}

func parseBinary(data []byte, magic byte) (*Message, int, error) {
	if len(data) < binHeaderLen {
		return nil, 0, nil
	}
	if data[0] != magic {
		return nil, 0, protocol.ErrBadMessage
	}
	bodyLen := int(binary.BigEndian.Uint32(data[8:12]))
	keyLen := int(binary.BigEndian.Uint16(data[2:4]))
	extrasLen := int(data[4])
	if keyLen+extrasLen > bodyLen {
		return nil, 0, protocol.ErrBadMessage
	}
	total := binHeaderLen + bodyLen
	if len(data) < total {
		return nil, 0, nil
	}

	msg := &Message{
		Data:   data[:total],
		Kind:   KindBinary,
		Binary: true,
		Opcode: data[1],
		Opaque: binary.BigEndian.Uint32(data[12:16]),
		Status: binary.BigEndian.Uint16(data[6:8]),
		Key:    newRange(binHeaderLen+extrasLen, binHeaderLen+extrasLen+keyLen),
	}
	if loud, quiet := quietToLoud(msg.Opcode); quiet {
		msg.Quiet = true
		// rewrite in place so the forwarded frame always replies
		msg.Data[1] = loud
		msg.Opcode = loud
	}
	return msg, total, nil
}

var textVerbs = map[string]ReqKind{
	"get":     KindGet,
	"gets":    KindGets,
	"set":     KindSet,
	"add":     KindAdd,
	"replace": KindReplace,
	"append":  KindAppend,
	"prepend": KindPrepend,
	"cas":     KindCas,
	"delete":  KindDelete,
	"incr":    KindIncr,
	"decr":    KindDecr,
	"touch":   KindTouch,
	"version": KindVersion,
	"quit":    KindQuit,
	"stats":   KindStats,
}

// storageArgc is the minimum token count of a storage request:
// verb key flags exptime bytes. cas carries one more.
const storageArgc = 5

func parseTextRequest(data []byte) (*Message, int, error) {
	lineEnd := bytes.Index(data, crlfBytes)
	if lineEnd < 0 {
		return nil, 0, nil
	}
	toks := tokenize(data[:lineEnd])
	if len(toks) == 0 {
		return nil, 0, protocol.ErrBadMessage
	}

	verb := string(data[toks[0].Begin:toks[0].End])
	kind, ok := textVerbs[verb]
	if !ok {
		return nil, 0, protocol.ErrBadMessage
	}

	msg := &Message{Kind: kind}
	frameEnd := lineEnd + 2

	switch kind {
	case KindGet, KindGets:
		if len(toks) < 2 {
			return nil, 0, protocol.ErrBadMessage
		}
		msg.keys = toks[1:]
		msg.Key = toks[1]

	case KindSet, KindAdd, KindReplace, KindAppend, KindPrepend, KindCas:
		argc := storageArgc
		if kind == KindCas {
			argc++
		}
		if len(toks) < argc {
			return nil, 0, protocol.ErrBadMessage
		}
		size, err := atoiRange(data, toks[4])
		if err != nil || size < 0 {
			return nil, 0, protocol.ErrBadMessage
		}
		frameEnd = lineEnd + 2 + size + 2
		if frameEnd > len(data) {
			return nil, 0, nil
		}
		if !bytes.Equal(data[frameEnd-2:frameEnd], crlfBytes) {
			return nil, 0, protocol.ErrBadMessage
		}
		msg.Key = toks[1]
		parseNoReply(data, toks, argc, msg)

	case KindDelete, KindTouch, KindIncr, KindDecr:
		argc := 2
		if kind != KindDelete {
			argc = 3
		}
		if len(toks) < argc {
			return nil, 0, protocol.ErrBadMessage
		}
		msg.Key = toks[1]
		parseNoReply(data, toks, argc, msg)

	case KindVersion, KindQuit, KindStats:
		// verb-only lines; route by the verb itself
		msg.Key = toks[0]
	}

	msg.Data = data[:frameEnd]
	return msg, frameEnd, nil
}

func parseNoReply(data []byte, toks []Range, argc int, msg *Message) {
	if len(toks) <= argc {
		return
	}
	last := toks[len(toks)-1]
	if string(data[last.Begin:last.End]) == "noreply" {
		msg.NoReply = true
		msg.noReplyTok = newRange(int(last.Begin)-1, int(last.End))
	}
}

func parseTextReply(data []byte) (*Message, int, error) {
	lineEnd := bytes.Index(data, crlfBytes)
	if lineEnd < 0 {
		return nil, 0, nil
	}

	first := data[:lineEnd]
	switch {
	case bytes.HasPrefix(first, []byte("VALUE ")), bytes.Equal(first, []byte("END")):
		return parseValueStream(data)
	case bytes.HasPrefix(first, []byte("STAT ")):
		return parseStatStream(data)
	}

	msg := &Message{Data: data[:lineEnd+2], Kind: KindLine}
	return msg, lineEnd + 2, nil
}

// parseValueStream frames `VALUE ...` records up to the closing END.
func parseValueStream(data []byte) (*Message, int, error) {
	pos := 0
	for {
		lineEnd := bytes.Index(data[pos:], crlfBytes)
		if lineEnd < 0 {
			return nil, 0, nil
		}
		lineEnd += pos
		line := data[pos:lineEnd]

		if bytes.Equal(line, []byte("END")) {
			end := lineEnd + 2
			return &Message{Data: data[:end], Kind: KindValues}, end, nil
		}
		if !bytes.HasPrefix(line, []byte("VALUE ")) {
			return nil, 0, protocol.ErrBadMessage
		}

		toks := tokenize(line)
		if len(toks) < 4 {
			return nil, 0, protocol.ErrBadMessage
		}
		size, err := atoiRange(data, toks[3])
		if err != nil || size < 0 {
			return nil, 0, protocol.ErrBadMessage
		}
		pos = lineEnd + 2 + size + 2
		if pos > len(data) {
			return nil, 0, nil
		}
		if !bytes.Equal(data[pos-2:pos], crlfBytes) {
			return nil, 0, protocol.ErrBadMessage
		}
	}
}

// parseStatStream frames `STAT ...` lines up to the closing END.
func parseStatStream(data []byte) (*Message, int, error) {
	pos := 0
	for {
		lineEnd := bytes.Index(data[pos:], crlfBytes)
		if lineEnd < 0 {
			return nil, 0, nil
		}
		lineEnd += pos
		if bytes.Equal(data[pos:lineEnd], []byte("END")) {
			end := lineEnd + 2
			return &Message{Data: data[:end], Kind: KindValues}, end, nil
		}
		pos = lineEnd + 2
	}
}

// tokenize splits a line into space-separated token ranges.
func tokenize(line []byte) []Range {
	var toks []Range
	i := 0
	for i < len(line) {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		if i == len(line) {
			break
		}
		start := i
		for i < len(line) && line[i] != ' ' {
			i++
		}
		toks = append(toks, newRange(start, i))
	}
	return toks
}

func atoiRange(data []byte, r Range) (int, error) {
	return strconv.Atoi(string(data[r.Begin:r.End]))
}

// subMessages decomposes a multi-key retrieval into one submessage per
// key, all sharing the parent buffer.
func (m *Message) subMessages() []*Message {
	if (m.Kind != KindGet && m.Kind != KindGets) || m.Binary {
		return nil
	}
	subs := make([]*Message, 0, len(m.keys))
	for _, key := range m.keys {
		subs = append(subs, &Message{
			Data: m.Data,
			Kind: m.Kind,
			Key:  key,
		})
	}
	return subs
}

// KeyBytes returns the routing key.
func (m *Message) KeyBytes() []byte {
	return m.Data[m.Key.Begin:m.Key.End]
}

// writeRequest serializes the forwarded form of the request. Per-key
// retrieval children replay their verb with a single key; noreply is
// stripped so the backend always replies and the proxy consumes it.
func (m *Message) writeRequest(buf *bytes.Buffer) {
	if m.Binary {
		buf.Write(m.Data)
		return
	}
	switch m.Kind {
	case KindGet:
		buf.WriteString("get ")
		buf.Write(m.KeyBytes())
		buf.Write(crlfBytes)
	case KindGets:
		buf.WriteString("gets ")
		buf.Write(m.KeyBytes())
		buf.Write(crlfBytes)
	default:
		if !m.NoReply {
			buf.Write(m.Data)
			return
		}
		buf.Write(m.Data[:m.noReplyTok.Begin])
		buf.Write(crlfBytes)
		if lineEnd := bytes.Index(m.Data, crlfBytes); lineEnd+2 < len(m.Data) {
			buf.Write(m.Data[lineEnd+2:])
		}
	}
}

// writeReplySansEnd writes a VALUE-stream reply without its trailing
// END terminator, so a multi-get aggregation can emit a single one.
func (m *Message) writeReplySansEnd(buf *bytes.Buffer) {
	if m.Kind == KindValues && bytes.HasSuffix(m.Data, endBytes) {
		buf.Write(m.Data[:len(m.Data)-len(endBytes)])
		return
	}
	buf.Write(m.Data)
}

// buildBinaryReply constructs a bare binary response frame.
func buildBinaryReply(opcode byte, opaque uint32, status uint16) *Message {
	hdr := make([]byte, binHeaderLen)
	hdr[0] = magicResponse
	hdr[1] = opcode
	binary.BigEndian.PutUint16(hdr[6:8], status)
	binary.BigEndian.PutUint32(hdr[12:16], opaque)
	return &Message{
		Data:   hdr,
		Kind:   KindBinary,
		Binary: true,
		Opcode: opcode,
		Opaque: opaque,
		Status: status,
	}
}

// lineReply wraps a pre-serialized single-line reply.
func lineReply(line string) *Message {
	return &Message{Data: []byte(line), Kind: KindLine}
}
