// Package hashkit provides the key hashing and consistent hashing
// primitives used to route keys to backend cache servers.
package hashkit

import (
	"bytes"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Func maps a key to a 64-bit hash value.
type Func func(key []byte) uint64

// New returns the hash function registered under the given name.
// The empty name selects fnv1a64, the default key hasher.
func New(method string) (Func, error) {
	switch method {
	case "", "fnv1a64":
		return Fnv1a64, nil
	case "xxh3":
		return xxh3.Hash, nil
	default:
		return nil, fmt.Errorf("unknown hash method %q", method)
	}
}

// TrimHashTag cuts the key down to the substring enclosed by the two
// hash tag bytes, so that related keys can be forced onto the same
// backend. The tag applies only when it is exactly two bytes and the
// closing byte appears at least two positions after the opening one;
// a degenerate pair like "abc{}de" leaves the key untouched.
func TrimHashTag(key, tag []byte) []byte {
	if len(tag) != 2 {
		return key
	}
	begin := bytes.IndexByte(key, tag[0])
	if begin == -1 {
		return key
	}
	off := bytes.IndexByte(key[begin:], tag[1])
	if off > 1 {
		return key[begin+1 : begin+off]
	}
	return key
}
