package mc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalproxy/shoal/hashkit"
	"github.com/shoalproxy/shoal/protocol"
)

func decodeOne(t *testing.T, data string) *Cmd {
	t.Helper()
	return decodeCmd(mustParseRequest(t, data))
}

func TestDecodeSet(t *testing.T) {
	cmd := decodeOne(t, "set foo 0 60 3\r\nbar\r\n")
	assert.Equal(t, protocol.CmdWrite, cmd.CmdType())
	assert.False(t, cmd.IsDone())
	assert.Nil(t, cmd.Subs())
	assert.False(t, cmd.IsNoReply())
}

func TestDecodeMultiGetSubs(t *testing.T) {
	cmd := decodeOne(t, "get a b\r\n")
	subs := cmd.Subs()
	require.Len(t, subs, 2)
	assert.False(t, cmd.IsDone())

	subs[0].SetReply(mustParseReply(t, "VALUE a 0 1\r\nx\r\nEND\r\n"))
	assert.False(t, cmd.IsDone())
	subs[1].SetReply(mustParseReply(t, "END\r\n"))
	require.True(t, cmd.IsDone())

	// aggregation: VALUE records concatenated, single END terminator
	var buf bytes.Buffer
	require.NoError(t, cmd.writeReply(&buf))
	assert.Equal(t, "VALUE a 0 1\r\nx\r\nEND\r\n", buf.String())
}

func TestSingleGetStillAggregates(t *testing.T) {
	cmd := decodeOne(t, "get a\r\n")
	subs := cmd.Subs()
	require.Len(t, subs, 1)

	subs[0].SetReply(mustParseReply(t, "VALUE a 0 1\r\nx\r\nEND\r\n"))
	var buf bytes.Buffer
	require.NoError(t, cmd.writeReply(&buf))
	assert.Equal(t, "VALUE a 0 1\r\nx\r\nEND\r\n", buf.String())
}

func TestNoReplySuppression(t *testing.T) {
	cmd := decodeOne(t, "set foo 0 60 3 noreply\r\nbar\r\n")
	assert.True(t, cmd.IsNoReply())
}

func TestQuietBinarySuppression(t *testing.T) {
	frame := binFrame(magicRequest, OpGetQ, nil, []byte("k"), nil, 3)
	msg, _, err := ParseRequest(frame)
	require.NoError(t, err)
	cmd := decodeCmd(msg)
	assert.True(t, cmd.IsNoReply())
}

func TestQuitIsLocal(t *testing.T) {
	cmd := decodeOne(t, "quit\r\n")
	require.True(t, cmd.IsDone())
	assert.True(t, cmd.CloseAfterReply())

	var buf bytes.Buffer
	require.NoError(t, cmd.writeReply(&buf))
	assert.Empty(t, buf.String())
}

func TestKeyHash(t *testing.T) {
	cmd := decodeOne(t, "delete foo\r\n")
	assert.Equal(t, hashkit.Fnv1a64([]byte("foo")), cmd.KeyHash(nil, hashkit.Fnv1a64))

	cmd = decodeOne(t, "delete a{user}b\r\n")
	assert.Equal(t, hashkit.Fnv1a64([]byte("user")), cmd.KeyHash([]byte("{}"), hashkit.Fnv1a64))
}

func TestSetErrorTextFormat(t *testing.T) {
	cmd := decodeOne(t, "get a\r\n")
	leaf := cmd.Subs()[0]
	leaf.SetError(protocol.ErrCmdTimeout)
	require.True(t, cmd.IsDone())
	assert.True(t, cmd.IsError())

	reply := leaf.(*Cmd).Reply()
	assert.Equal(t, "SERVER_ERROR ERR command timeout\r\n", string(reply.Data))
}

func TestSetErrorBinaryFormat(t *testing.T) {
	frame := binFrame(magicRequest, OpGet, nil, []byte("k"), nil, 11)
	msg, _, err := ParseRequest(frame)
	require.NoError(t, err)
	cmd := decodeCmd(msg)

	cmd.SetError(protocol.ErrProxyFail)
	reply := cmd.Reply()
	require.True(t, reply.Binary)
	assert.Equal(t, byte(magicResponse), reply.Data[0])
	assert.Equal(t, uint32(11), reply.Opaque)
	assert.NotZero(t, reply.Status)
}

func TestBadMessageSynthesizesError(t *testing.T) {
	cmd := badMessageCmd()
	require.True(t, cmd.IsDone())
	assert.True(t, cmd.IsError())

	var buf bytes.Buffer
	require.NoError(t, cmd.writeReply(&buf))
	assert.Equal(t, "ERROR\r\n", buf.String())
}

func TestCycleBound(t *testing.T) {
	cmd := decodeOne(t, "delete foo\r\n")
	require.True(t, cmd.CanCycle())
	cmd.AddCycle()
	assert.False(t, cmd.CanCycle())
}

func TestAbandon(t *testing.T) {
	cmd := decodeOne(t, "get a b\r\n")
	cmd.Abandon()
	require.True(t, cmd.IsDone())
	assert.True(t, cmd.IsError())
}
