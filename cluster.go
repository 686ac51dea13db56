package shoal

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/shoalproxy/shoal/config"
	"github.com/shoalproxy/shoal/hashkit"
	"github.com/shoalproxy/shoal/metrics"
	"github.com/shoalproxy/shoal/protocol"
	"github.com/shoalproxy/shoal/protocol/mc"
	"github.com/shoalproxy/shoal/protocol/redis"
)

// Cluster is one proxy worker: a listener, a RingKeeper and the Back
// tasks serving its backends.
type Cluster struct {
	mu sync.Mutex
	cc config.Cluster

	hashTag []byte
	hasher  hashkit.Func
	timeout time.Duration
	auth    string

	keeper *RingKeeper

	newClientConn func(net.Conn) protocol.ClientConn
	newServerConn func(net.Conn) protocol.ServerConn
	newAuthReq    func(password string) protocol.Request
	newPingReq    protocol.Ping

	breakers map[string]*gobreaker.CircuitBreaker[net.Conn]

	pinger *pinger

	log *slog.Logger
}

// NewCluster builds the worker and starts connecting its backends.
func NewCluster(cc config.Cluster) (*Cluster, error) {
	hasher, err := hashkit.New(cc.HashMethod)
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		cc:       cc,
		hashTag:  cc.HashTagBytes(),
		hasher:   hasher,
		timeout:  time.Duration(cc.TimeoutMS()) * time.Millisecond,
		auth:     cc.Auth,
		keeper:   NewRingKeeper(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[net.Conn]),
		log:      slog.Default().With("cluster", cc.Name),
	}

	switch cc.CacheType {
	case config.CacheTypeRedis:
		info := loadProxyInfo(cc)
		c.newClientConn = func(conn net.Conn) protocol.ClientConn {
			return redis.NewClientConn(conn, info)
		}
		c.newServerConn = redis.NewServerConn
		c.newAuthReq = redis.NewAuthCmd
		c.newPingReq = redis.NewPingCmd
		redis.InitCmdTable()
	case config.CacheTypeMemcache, config.CacheTypeMemcacheBinary:
		c.newClientConn = mc.NewClientConn
		c.newServerConn = mc.NewServerConn
		c.newPingReq = mc.NewPingCmd
	default:
		return nil, fmt.Errorf("cluster %s: cache type %q is not served by this worker", cc.Name, cc.CacheType)
	}

	if err := c.apply(cc); err != nil {
		return nil, err
	}

	if cc.PingInterval > 0 {
		c.pinger = newPinger(c)
		c.pinger.start()
	}
	return c, nil
}

// apply installs the server set of a (re)loaded configuration: build
// the ring, connect added backends, drop removed ones.
func (c *Cluster) apply(cc config.Cluster) error {
	lines, err := config.ParseServers(cc.Servers)
	if err != nil {
		return err
	}
	nodes, weights, alias := config.SplitSpots(lines)

	ring, err := hashkit.NewRing(nodes, weights)
	if err != nil {
		return err
	}

	spots := make(map[string]int, len(nodes))
	for i, node := range nodes {
		spots[node] = weights[i]
	}

	addrs := make(map[string]bool, len(lines))
	for _, sl := range lines {
		addrs[sl.Addr] = true
	}

	old := c.keeper.Addrs()
	for _, addr := range old {
		if !addrs[addr] {
			c.log.Info("dropping backend", "addr", addr)
			c.keeper.RemoveConn(addr)
		}
	}
	known := make(map[string]bool, len(old))
	for _, addr := range old {
		known[addr] = true
	}
	for addr := range addrs {
		if !known[addr] {
			c.connect(addr)
		}
	}

	c.keeper.SetRing(ring, alias, spots)

	c.mu.Lock()
	c.cc = cc
	c.mu.Unlock()
	return nil
}

// Reload diffs a new cluster configuration against the running state.
func (c *Cluster) Reload(cc config.Cluster) error {
	if err := c.apply(cc); err != nil {
		return err
	}
	if c.pinger != nil {
		c.pinger.stopProbing()
		c.pinger = nil
	}
	if cc.PingInterval > 0 {
		c.pinger = newPinger(c)
		c.pinger.start()
	}
	return nil
}

// connect installs a fresh sender for addr and dials it in the
// background. The dial goes through the per-address circuit breaker;
// a failed or short-circuited dial leaves a black hole serving the
// channel so dispatches fail fast instead of hanging.
func (c *Cluster) connect(addr string) {
	c.keeper.RemoveConn(addr)

	s := newSender(addr)
	c.keeper.InsertConn(addr, s)

	go func() {
		conn, err := c.breaker(addr).Execute(func() (net.Conn, error) {
			return c.dial(addr)
		})
		if err != nil {
			c.log.Error("backend dial failed", "addr", addr, "err", err)
			blackHole(addr, s)
			return
		}

		c.log.Info("connected to backend", "addr", addr)
		var authReq protocol.Request
		if c.auth != "" && c.newAuthReq != nil {
			authReq = c.newAuthReq(c.auth)
		}
		NewBack(addr, s, c.newServerConn(conn), c.timeout, authReq).Run()
	}()
}

func (c *Cluster) dial(addr string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, c.timeout)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

// breaker returns the circuit breaker guarding dials to addr.
func (c *Cluster) breaker(addr string) *gobreaker.CircuitBreaker[net.Conn] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[addr]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[net.Conn](gobreaker.Settings{
		Name:    addr,
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	})
	c.breakers[addr] = cb
	return cb
}

// Run accepts client connections until ctx is canceled.
func (c *Cluster) Run(ctx context.Context) error {
	c.mu.Lock()
	cc := c.cc
	c.mu.Unlock()

	listener, err := listenReusePort(cc.ListenAddr)
	if err != nil {
		return err
	}
	defer listener.Close()

	metrics.ThreadIncrBy(cc.Thread)
	c.log.Info("proxy is listening", "addr", cc.ListenAddr)

	go func() {
		<-ctx.Done()
		listener.Close()
		if c.pinger != nil {
			c.pinger.stopProbing()
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		front := NewFront(
			conn.RemoteAddr().String(),
			c.newClientConn(conn),
			c.keeper,
			c.hashTag,
			c.hasher,
			c.timeout,
			c.auth,
		)
		go front.Run()
	}
}
