package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalproxy/shoal/protocol"
)

func mustParse(t *testing.T, data string) *Message {
	t.Helper()
	msg, n, err := Parse([]byte(data))
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, len(data), n)
	return msg
}

func TestParseScalars(t *testing.T) {
	tests := []struct {
		name string
		data string
		kind byte
		body string
	}{
		{"simple string", "+OK\r\n", RespString, "OK"},
		{"error", "-ERR oops\r\n", RespError, "ERR oops"},
		{"integer", ":1000\r\n", RespInt, "1000"},
		{"bulk", "$3\r\nfoo\r\n", RespBulk, "foo"},
		{"empty bulk", "$0\r\n\r\n", RespBulk, ""},
		{"null bulk", "$-1\r\n", RespBulk, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := mustParse(t, tt.data)
			assert.Equal(t, tt.kind, msg.Type.Kind)
			assert.Equal(t, tt.body, string(msg.Nth(0)))
			assert.Equal(t, tt.data, string(msg.Raw()))
		})
	}
}

func TestParseArray(t *testing.T) {
	msg := mustParse(t, "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n")
	assert.Equal(t, byte(RespArray), msg.Type.Kind)
	assert.Equal(t, 2, msg.ArrayLen())
	assert.Equal(t, "GET", string(msg.Nth(0)))
	assert.Equal(t, "foo", string(msg.Nth(1)))
	assert.Nil(t, msg.Nth(2))
}

func TestParseNestedArray(t *testing.T) {
	data := "*2\r\n*2\r\n:1\r\n:2\r\n$1\r\nx\r\n"
	msg := mustParse(t, data)
	require.Equal(t, 2, msg.ArrayLen())
	inner := msg.Type.Array[0]
	assert.Equal(t, byte(RespArray), inner.Kind)
	assert.Len(t, inner.Array, 2)
	assert.Equal(t, data, string(msg.Raw()))
}

func TestParseNullArray(t *testing.T) {
	msg := mustParse(t, "*-1\r\n")
	assert.Equal(t, byte(RespArray), msg.Type.Kind)
	assert.Equal(t, 0, msg.ArrayLen())
}

func TestParseInline(t *testing.T) {
	msg := mustParse(t, "PING\r\n")
	assert.Equal(t, byte(RespInline), msg.Type.Kind)
	assert.Equal(t, "PING", string(msg.Nth(0)))

	msg = mustParse(t, "GET  foo\r\n")
	assert.Equal(t, 2, msg.ArrayLen())
	assert.Equal(t, "GET", string(msg.Nth(0)))
	assert.Equal(t, "foo", string(msg.Nth(1)))
}

func TestParseIncomplete(t *testing.T) {
	cases := []string{
		"",
		"+OK",
		"$3\r\nfo",
		"$3\r\nfoo",
		"*2\r\n$3\r\nGET\r\n",
		"*2\r\n$3\r\nGET\r\n$3\r\nfo",
		"PING",
		"$10\r\n",
	}
	for _, data := range cases {
		msg, n, err := Parse([]byte(data))
		assert.NoError(t, err, "input %q", data)
		assert.Nil(t, msg, "input %q", data)
		assert.Zero(t, n, "input %q", data)
	}
}

func TestParseBadMessage(t *testing.T) {
	cases := []string{
		"$3\r\nfooxy",                    // payload not CRLF-terminated
		"$a\r\nfoo\r\n",                  // non-digit length
		"$-2\r\n",                        // negative length other than -1
		"*x\r\n",                         // non-digit count
		"$99999999999999999999\r\nx\r\n", // overflow
	}
	for _, data := range cases {
		_, _, err := Parse([]byte(data))
		assert.ErrorIs(t, err, protocol.ErrBadMessage, "input %q", data)
	}
}

func TestParseLeadingZeros(t *testing.T) {
	msg := mustParse(t, "$03\r\nfoo\r\n")
	assert.Equal(t, "foo", string(msg.Nth(0)))
}

// Decoding then encoding any well-formed message must return the exact
// input bytes.
func TestDecodeEncodeIdentity(t *testing.T) {
	frames := []string{
		"+OK\r\n",
		"-ERR wrong\r\n",
		":42\r\n",
		"$3\r\nbar\r\n",
		"$-1\r\n",
		"*-1\r\n",
		"*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n",
		"*2\r\n*1\r\n:1\r\n$2\r\nhi\r\n",
		"ping\r\n",
	}
	for _, frame := range frames {
		msg := mustParse(t, frame)
		assert.Equal(t, frame, string(msg.Raw()))
	}
}

func TestParsePipelined(t *testing.T) {
	data := []byte("+OK\r\n:1\r\n$2\r\nab\r\n")

	msg, n, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", string(msg.Raw()))

	data = data[n:]
	msg, n, err = Parse(data)
	require.NoError(t, err)
	assert.Equal(t, ":1\r\n", string(msg.Raw()))

	data = data[n:]
	msg, n, err = Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "$2\r\nab\r\n", string(msg.Raw()))
	assert.Equal(t, len(data), n)
}

func TestBuildArray(t *testing.T) {
	msg := BuildArray([]byte("AUTH"), []byte("secret"))
	assert.Equal(t, "*2\r\n$4\r\nAUTH\r\n$6\r\nsecret\r\n", string(msg.Raw()))
	assert.Equal(t, "AUTH", string(msg.Nth(0)))
	assert.Equal(t, "secret", string(msg.Nth(1)))
}

func TestPlain(t *testing.T) {
	assert.Equal(t, "+PONG\r\n", string(Plain([]byte("PONG"), RespString).Raw()))
	assert.Equal(t, "-ERR x\r\n", string(Plain([]byte("ERR x"), RespError).Raw()))
	assert.Equal(t, ":7\r\n", string(Plain([]byte("7"), RespInt).Raw()))
}
