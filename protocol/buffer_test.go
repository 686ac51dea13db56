package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader hands out its data in fixed-size chunks to exercise
// incremental fills.
type chunkReader struct {
	data  []byte
	chunk int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.chunk
	if n > len(r.data) {
		n = len(r.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestReadBufferAccumulates(t *testing.T) {
	payload := []byte("hello world, one byte at a time")
	rb := NewReadBuffer(&chunkReader{data: payload, chunk: 1})

	for len(rb.Window()) < len(payload) {
		require.NoError(t, rb.Fill())
	}
	assert.Equal(t, payload, rb.Window())

	assert.ErrorIs(t, rb.Fill(), io.EOF)
}

func TestReadBufferAdvance(t *testing.T) {
	rb := NewReadBuffer(&chunkReader{data: []byte("abcdef"), chunk: 6})
	require.NoError(t, rb.Fill())

	rb.Advance(2)
	assert.Equal(t, "cdef", string(rb.Window()))
	rb.Advance(4)
	assert.Empty(t, rb.Window())
}

// Frames handed out before a growth-induced copy must stay intact.
func TestReadBufferHandedOutFramesSurviveGrowth(t *testing.T) {
	first := bytes.Repeat([]byte("a"), 100)
	rest := bytes.Repeat([]byte("b"), defaultBufferSize*4)

	rb := NewReadBuffer(&chunkReader{data: append(append([]byte{}, first...), rest...), chunk: 1024})

	require.NoError(t, rb.Fill())
	frame := rb.Window()[:100]
	rb.Advance(100)

	for {
		if err := rb.Fill(); err != nil {
			break
		}
	}
	assert.Equal(t, first, frame)
}
