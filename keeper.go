// Package shoal is the proxy core: per-cluster workers that accept
// client connections, route each key over a Ketama ring and pipeline
// requests onto long-lived backend connections.
package shoal

import (
	"sort"
	"sync"
	"time"

	"github.com/shoalproxy/shoal/hashkit"
	"github.com/shoalproxy/shoal/protocol"
)

// senderCap bounds each backend channel.
const senderCap = 8192

// sendResult is the outcome of a bounded dispatch into a backend
// channel.
type sendResult int

const (
	sendOK sendResult = iota
	sendTimeout
	sendClosed
)

// sender is the write half of one backend's channel. Closing is
// signaled out-of-band on stop so concurrent senders never race a
// channel close.
type sender struct {
	addr string
	ch   chan protocol.Request
	stop chan struct{}
	once sync.Once
}

func newSender(addr string) *sender {
	return &sender{
		addr: addr,
		ch:   make(chan protocol.Request, senderCap),
		stop: make(chan struct{}),
	}
}

// Send dispatches with a bounded wait.
func (s *sender) Send(req protocol.Request, timeout time.Duration) sendResult {
	select {
	case <-s.stop:
		return sendClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.ch <- req:
		return sendOK
	case <-s.stop:
		return sendClosed
	case <-timer.C:
		return sendTimeout
	}
}

func (s *sender) close() {
	s.once.Do(func() { close(s.stop) })
}

// RingKeeper holds the routing table and the live sender channels.
// The hot path takes the read lock only; reload, connect and
// disconnect writers take it exclusively.
type RingKeeper struct {
	mu    sync.RWMutex
	ring  *hashkit.Ring
	conns map[string]*sender
	alias map[string]string
	spots map[string]int
}

// NewRingKeeper starts with an empty ring; SetRing installs the
// routing table once the cluster has parsed its servers.
func NewRingKeeper() *RingKeeper {
	return &RingKeeper{
		ring:  hashkit.EmptyRing(),
		conns: make(map[string]*sender),
		alias: make(map[string]string),
		spots: make(map[string]int),
	}
}

// SetRing swaps in a new routing table.
func (k *RingKeeper) SetRing(ring *hashkit.Ring, alias map[string]string, spots map[string]int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ring = ring
	k.alias = alias
	k.spots = spots
}

// Lookup maps a key hash to the owning backend's sender. Nil when the
// ring is empty, the node is unknown or its channel is gone.
func (k *RingKeeper) Lookup(hash uint64) *sender {
	k.mu.RLock()
	defer k.mu.RUnlock()

	node, ok := k.ring.GetNode(hash)
	if !ok {
		return nil
	}
	addr := node
	if len(k.alias) > 0 {
		addr, ok = k.alias[node]
		if !ok {
			return nil
		}
	}
	return k.conns[addr]
}

// Conn returns the sender for an explicit backend address.
func (k *RingKeeper) Conn(addr string) *sender {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.conns[addr]
}

// Addrs lists the connected backend addresses in stable order.
func (k *RingKeeper) Addrs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	addrs := make([]string, 0, len(k.conns))
	for addr := range k.conns {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// InsertConn installs a backend sender, stopping any previous one for
// the same address.
func (k *RingKeeper) InsertConn(addr string, s *sender) {
	k.mu.Lock()
	prev := k.conns[addr]
	k.conns[addr] = s
	k.mu.Unlock()

	if prev != nil && prev != s {
		prev.close()
	}
}

// RemoveConn drops a backend sender; its Back task drains and exits.
func (k *RingKeeper) RemoveConn(addr string) {
	k.mu.Lock()
	s := k.conns[addr]
	delete(k.conns, addr)
	k.mu.Unlock()

	if s != nil {
		s.close()
	}
}
