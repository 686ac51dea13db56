package shoal

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalproxy/shoal/config"
	"github.com/shoalproxy/shoal/protocol/redis"
	"github.com/sony/gobreaker/v2"
)

// pongServer accepts connections and answers every read with +PONG.
func pongServer(t *testing.T) (string, func()) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				close(done)
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 1024)
				for {
					if _, err := conn.Read(buf); err != nil {
						return
					}
					if _, err := conn.Write([]byte("+PONG\r\n")); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return listener.Addr().String(), func() {
		listener.Close()
		<-done
	}
}

func eventually(t *testing.T, cond func() bool, within time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPingerRemovesAndRestoresBackend(t *testing.T) {
	addr, stopServer := pongServer(t)

	cc := config.Cluster{
		Name:          "ping-test",
		CacheType:     config.CacheTypeRedis,
		Timeout:       200,
		PingInterval:  20,
		PingFailLimit: 2,
		Servers:       []string{addr},
	}

	c := &Cluster{
		cc:            cc,
		timeout:       200 * time.Millisecond,
		keeper:        NewRingKeeper(),
		newServerConn: redis.NewServerConn,
		newPingReq:    redis.NewPingCmd,
		breakers:      make(map[string]*gobreaker.CircuitBreaker[net.Conn]),
		log:           slog.Default(),
	}
	c.keeper.InsertConn(addr, newSender(addr))

	p := newPinger(c)
	p.start()
	defer p.stopProbing()

	// healthy: the sender stays put
	time.Sleep(100 * time.Millisecond)
	require.NotNil(t, c.keeper.Conn(addr))

	// kill the backend: after ping_fail_limit misses it leaves the ring
	stopServer()
	eventually(t, func() bool { return c.keeper.Conn(addr) == nil },
		3*time.Second, "unhealthy backend never removed")

	// bring it back on the same address: the pinger reconnects it
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("cannot rebind %s: %v", addr, err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 1024)
				for {
					if _, err := conn.Read(buf); err != nil {
						return
					}
					if _, err := conn.Write([]byte("+PONG\r\n")); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	eventually(t, func() bool { return c.keeper.Conn(addr) != nil },
		3*time.Second, "recovered backend never re-inserted")
}

func TestNewPingerDefaults(t *testing.T) {
	c := &Cluster{
		cc: config.Cluster{PingInterval: 100},
	}
	p := newPinger(c)
	assert.Equal(t, defaultPingFailLimit, p.failLimit)
	assert.Equal(t, 100*time.Millisecond, p.interval)
	assert.Equal(t, p.interval, p.successInterval)
}
