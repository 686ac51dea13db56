package hashkit

import (
	"crypto/md5"
	"errors"
	"sort"
	"strconv"
)

// Ketama placement constants: every unit of weight contributes 40 MD5
// digests, each digest yielding four 32-bit ring points.
const (
	hashesPerWeight = 40
	pointsPerHash   = 4
)

var ErrRingNodes = errors.New("nodes and weights must be non-empty and of equal length")

type ringPoint struct {
	point uint32
	node  string
}

// Ring is an immutable Ketama consistent-hash ring. Construction places
// 160*weight virtual points per node; lookups binary-search the sorted
// point list and wrap at the end.
type Ring struct {
	points []ringPoint
}

// EmptyRing returns a ring with no points. GetNode on it always misses.
func EmptyRing() *Ring {
	return &Ring{}
}

// NewRing builds a ring from parallel node and weight lists.
func NewRing(nodes []string, weights []int) (*Ring, error) {
	if len(nodes) == 0 || len(nodes) != len(weights) {
		return nil, ErrRingNodes
	}

	total := 0
	for _, w := range weights {
		if w < 1 {
			w = 1
		}
		total += w
	}

	points := make([]ringPoint, 0, total*hashesPerWeight*pointsPerHash)
	for i, node := range nodes {
		weight := weights[i]
		if weight < 1 {
			weight = 1
		}
		for h := 0; h < hashesPerWeight*weight; h++ {
			digest := md5.Sum([]byte(node + "-" + strconv.Itoa(h)))
			for p := 0; p < pointsPerHash; p++ {
				point := uint32(digest[p*4]) |
					uint32(digest[p*4+1])<<8 |
					uint32(digest[p*4+2])<<16 |
					uint32(digest[p*4+3])<<24
				points = append(points, ringPoint{point: point, node: node})
			}
		}
	}

	sort.Slice(points, func(i, j int) bool {
		if points[i].point != points[j].point {
			return points[i].point < points[j].point
		}
		return points[i].node < points[j].node
	})

	return &Ring{points: points}, nil
}

// Len returns the number of virtual points on the ring.
func (r *Ring) Len() int {
	return len(r.points)
}

// GetNode maps a key hash to the owning node. Only the low 32 bits of
// the hash participate in placement. Returns false on an empty ring.
func (r *Ring) GetNode(hash uint64) (string, bool) {
	if len(r.points) == 0 {
		return "", false
	}
	h := uint32(hash & 0xFFFFFFFF)
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].point >= h
	})
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].node, true
}
