package shoal

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/puddle/v2"

	"github.com/shoalproxy/shoal/protocol"
)

const defaultPingFailLimit = 3

// pinger probes every backend over a dedicated pooled connection.
// After ping_fail_limit consecutive failures the backend's sender is
// removed from the keeper so traffic re-routes; the first success
// afterwards reconnects and re-inserts it.
type pinger struct {
	c *Cluster

	interval        time.Duration
	successInterval time.Duration
	failLimit       int

	stop chan struct{}
}

func newPinger(c *Cluster) *pinger {
	c.mu.Lock()
	cc := c.cc
	c.mu.Unlock()

	interval := time.Duration(cc.PingInterval) * time.Millisecond
	successInterval := interval
	if cc.PingSuccessInterval > 0 {
		successInterval = time.Duration(cc.PingSuccessInterval) * time.Millisecond
	}
	failLimit := cc.PingFailLimit
	if failLimit <= 0 {
		failLimit = defaultPingFailLimit
	}

	return &pinger{
		c:               c,
		interval:        interval,
		successInterval: successInterval,
		failLimit:       failLimit,
		stop:            make(chan struct{}),
	}
}

func (p *pinger) start() {
	for _, addr := range p.c.keeper.Addrs() {
		go p.probeLoop(addr)
	}
}

func (p *pinger) stopProbing() {
	close(p.stop)
}

func (p *pinger) probeLoop(addr string) {
	log := slog.Default().With("backend", addr)

	pool, err := puddle.NewPool(&puddle.Config[protocol.ServerConn]{
		Constructor: func(ctx context.Context) (protocol.ServerConn, error) {
			conn, err := p.c.dial(addr)
			if err != nil {
				return nil, err
			}
			return p.c.newServerConn(conn), nil
		},
		Destructor: func(conn protocol.ServerConn) {
			_ = conn.Close()
		},
		MaxSize: 1,
	})
	if err != nil {
		log.Error("probe pool setup failed", "err", err)
		return
	}
	defer pool.Close()

	fails := 0
	down := false
	for {
		wait := p.interval
		if down {
			wait = p.successInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-p.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := p.pingOnce(pool); err != nil {
			fails++
			log.Warn("backend ping failed", "err", err, "fails", fails)
			if !down && fails >= p.failLimit {
				log.Error("backend unhealthy, removing from ring")
				p.c.keeper.RemoveConn(addr)
				down = true
			}
			continue
		}

		fails = 0
		if down {
			log.Info("backend recovered, reconnecting")
			p.c.connect(addr)
			down = false
		}
	}
}

// pingOnce sends one protocol-level ping over a pooled probe
// connection. A failing connection is destroyed so the next probe
// redials.
func (p *pinger) pingOnce(pool *puddle.Pool[protocol.ServerConn]) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.c.timeout)
	defer cancel()

	res, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}

	conn := res.Value()
	req := p.c.newPingReq()

	err = conn.WriteRequest(req)
	if err == nil {
		err = conn.Flush()
	}
	if err == nil {
		_ = conn.SetReadDeadline(time.Now().Add(p.c.timeout))
		_, err = conn.ReadReply()
	}

	if err != nil {
		res.Destroy()
		return err
	}
	res.Release()
	return nil
}
