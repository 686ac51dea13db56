package hashkit

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRingValidation(t *testing.T) {
	_, err := NewRing(nil, nil)
	assert.ErrorIs(t, err, ErrRingNodes)

	_, err = NewRing([]string{"a"}, []int{1, 2})
	assert.ErrorIs(t, err, ErrRingNodes)
}

func TestRingPointCount(t *testing.T) {
	ring, err := NewRing([]string{"cache-1", "cache-2"}, []int{1, 2})
	require.NoError(t, err)

	// 160 points per unit of weight.
	assert.Equal(t, 160*3, ring.Len())
}

func TestEmptyRing(t *testing.T) {
	ring := EmptyRing()
	_, ok := ring.GetNode(42)
	assert.False(t, ok)
}

// GetNode must agree with a naive linear scan of the sorted point list,
// including the wrap-around past the highest point.
func TestGetNodeMatchesLinearScan(t *testing.T) {
	ring, err := NewRing([]string{"10.0.0.1:6379", "10.0.0.2:6379", "10.0.0.3:6379"}, []int{1, 1, 2})
	require.NoError(t, err)

	linear := func(h uint32) string {
		for _, p := range ring.points {
			if p.point >= h {
				return p.node
			}
		}
		return ring.points[0].node
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10000; i++ {
		h := rng.Uint64()
		node, ok := ring.GetNode(h)
		require.True(t, ok)
		assert.Equal(t, linear(uint32(h&0xFFFFFFFF)), node)
	}

	// High bits beyond 32 never influence placement.
	low, _ := ring.GetNode(0x1234)
	high, _ := ring.GetNode(0xdeadbeef_00001234)
	assert.Equal(t, low, high)
}

func TestRingDeterministicAcrossInsertionOrder(t *testing.T) {
	forward, err := NewRing([]string{"a", "b", "c"}, []int{1, 2, 3})
	require.NoError(t, err)
	backward, err := NewRing([]string{"c", "b", "a"}, []int{3, 2, 1})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 5000; i++ {
		h := rng.Uint64()
		n1, ok1 := forward.GetNode(h)
		n2, ok2 := backward.GetNode(h)
		require.True(t, ok1)
		require.True(t, ok2)
		assert.Equal(t, n1, n2)
	}
}

func TestRingWeightBias(t *testing.T) {
	ring, err := NewRing([]string{"light", "heavy"}, []int{1, 4})
	require.NoError(t, err)

	counts := map[string]int{}
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 20000; i++ {
		node, ok := ring.GetNode(rng.Uint64())
		require.True(t, ok)
		counts[node]++
	}

	// A 4x weight should draw noticeably more than an even split.
	assert.Greater(t, counts["heavy"], counts["light"]*2)
}
