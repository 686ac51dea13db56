package shoal

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalproxy/shoal/hashkit"
	"github.com/shoalproxy/shoal/protocol/redis"
)

var testProxyInfo = redis.ProxyInfo{IP: "10.0.0.7", Port: "6379"}

// startFrontWithBackends wires a keeper over fake backends, all
// answering from the same script, runs a Front on a pipe, and returns
// the client end of the pipe with a cleanup func.
func startFrontWithBackends(t *testing.T, nodes []string, script map[string]string, delay map[string]time.Duration, auth string, timeout time.Duration) (net.Conn, func()) {
	t.Helper()

	keeper := NewRingKeeper()
	if len(nodes) > 0 {
		keeper.SetRing(testRing(t, nodes...), map[string]string{}, nil)
	}

	var cleanups []func()
	for _, node := range nodes {
		proxySide, backendSide := net.Pipe()
		fakeBackend(t, backendSide, script, delay)

		s := newSender(node)
		keeper.InsertConn(node, s)

		backDone := make(chan struct{})
		go func(node string, s *sender) {
			defer close(backDone)
			NewBack(node, s, redis.NewServerConn(proxySide), timeout, nil).Run()
		}(node, s)
		cleanups = append(cleanups, func() {
			s.close()
			<-backDone
		})
	}

	cliProxy, cliUser := net.Pipe()
	front := NewFront("test-client", redis.NewClientConn(cliProxy, testProxyInfo),
		keeper, nil, hashkit.Fnv1a64, timeout, auth)

	frontDone := make(chan struct{})
	go func() {
		defer close(frontDone)
		front.Run()
	}()

	return cliUser, func() {
		cliUser.Close()
		<-frontDone
		for _, fn := range cleanups {
			fn()
		}
	}
}

func readAll(t *testing.T, conn net.Conn, want int) string {
	t.Helper()
	buf := make([]byte, 0, want)
	tmp := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(buf) < want {
		n, err := conn.Read(tmp)
		require.NoError(t, err)
		buf = append(buf, tmp[:n]...)
	}
	return string(buf)
}

// Scenario: a GET forwarded to the backend comes back verbatim.
func TestFrontGetHit(t *testing.T) {
	cli, cleanup := startFrontWithBackends(t,
		[]string{"a:6379"},
		map[string]string{"foo": "$3\r\nbar\r\n"}, nil, "", time.Second)
	defer cleanup()

	_, err := cli.Write([]byte("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "$3\r\nbar\r\n", readAll(t, cli, len("$3\r\nbar\r\n")))
}

// Scenario: pipelined PING / GET / PING come back in exactly that
// order; the PINGs are answered locally.
func TestFrontPipelinedOrdering(t *testing.T) {
	cli, cleanup := startFrontWithBackends(t,
		[]string{"a:6379"},
		map[string]string{"x": "$3\r\nxxx\r\n"},
		map[string]time.Duration{"x": 30 * time.Millisecond},
		"", time.Second)
	defer cleanup()

	_, err := cli.Write([]byte("PING\r\n*2\r\n$3\r\nGET\r\n$1\r\nx\r\nPING\r\n"))
	require.NoError(t, err)

	want := "+PONG\r\n$3\r\nxxx\r\n+PONG\r\n"
	assert.Equal(t, want, readAll(t, cli, len(want)))
}

// Scenario: MGET fans out per key and aggregates in request order no
// matter which backend answers first.
func TestFrontMGetFanout(t *testing.T) {
	cli, cleanup := startFrontWithBackends(t,
		[]string{"a:6379", "b:6379"},
		map[string]string{
			"foo": "$3\r\nbar\r\n",
			"baz": "$-1\r\n",
		},
		map[string]time.Duration{"foo": 40 * time.Millisecond},
		"", time.Second)
	defer cleanup()

	_, err := cli.Write([]byte("*3\r\n$4\r\nMGET\r\n$3\r\nfoo\r\n$3\r\nbaz\r\n"))
	require.NoError(t, err)

	want := "*2\r\n$3\r\nbar\r\n$-1\r\n"
	assert.Equal(t, want, readAll(t, cli, len(want)))
}

// Scenario: DEL across backends returns the summed integer replies.
func TestFrontDelAggregation(t *testing.T) {
	cli, cleanup := startFrontWithBackends(t,
		[]string{"a:6379", "b:6379", "c:6379"},
		map[string]string{
			"k1": ":1\r\n",
			"k2": ":0\r\n",
			"k3": ":1\r\n",
		}, nil, "", time.Second)
	defer cleanup()

	_, err := cli.Write([]byte("*4\r\n$3\r\nDEL\r\n$2\r\nk1\r\n$2\r\nk2\r\n$2\r\nk3\r\n"))
	require.NoError(t, err)

	assert.Equal(t, ":2\r\n", readAll(t, cli, len(":2\r\n")))
}

// Scenario: a slow backend surfaces a command timeout, and the stale
// reply that later arrives is not attributed to the next command.
func TestFrontBackendTimeout(t *testing.T) {
	cli, cleanup := startFrontWithBackends(t,
		[]string{"a:6379"},
		map[string]string{
			"k":  "$5\r\nstale\r\n",
			"k2": "$5\r\nfresh\r\n",
		},
		map[string]time.Duration{"k": 200 * time.Millisecond},
		"", 150*time.Millisecond)
	defer cleanup()

	_, err := cli.Write([]byte("*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"))
	require.NoError(t, err)

	want := "-ERR command timeout\r\n"
	assert.Equal(t, want, readAll(t, cli, len(want)))

	_, err = cli.Write([]byte("*2\r\n$3\r\nGET\r\n$2\r\nk2\r\n"))
	require.NoError(t, err)

	want = "$5\r\nfresh\r\n"
	assert.Equal(t, want, readAll(t, cli, len(want)))
}

// Scenario: an empty ring rejects dispatch with a cluster failure.
func TestFrontEmptyRingDispatch(t *testing.T) {
	cli, cleanup := startFrontWithBackends(t, nil, nil, nil, "", time.Second)
	defer cleanup()

	_, err := cli.Write([]byte("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"))
	require.NoError(t, err)

	want := "-ERR cluster fail to proxy command\r\n"
	assert.Equal(t, want, readAll(t, cli, len(want)))
}

// Scenario: QUIT flushes its empty reply and closes the connection.
func TestFrontQuitCloses(t *testing.T) {
	cli, cleanup := startFrontWithBackends(t, nil, nil, nil, "", time.Second)
	defer cleanup()

	_, err := cli.Write([]byte("*1\r\n$4\r\nQUIT\r\n"))
	require.NoError(t, err)

	cli.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, readErr := cli.Read(buf)
	assert.Zero(t, n)
	assert.Error(t, readErr) // EOF: connection closed without a reply
}

// Scenario: NotSupport verbs are rejected locally.
func TestFrontNotSupport(t *testing.T) {
	cli, cleanup := startFrontWithBackends(t, nil, nil, nil, "", time.Second)
	defer cleanup()

	_, err := cli.Write([]byte("*3\r\n$6\r\nRENAME\r\n$1\r\na\r\n$1\r\nb\r\n"))
	require.NoError(t, err)

	want := "-ERR request not supported\r\n"
	assert.Equal(t, want, readAll(t, cli, len(want)))
}

func TestFrontAuthGate(t *testing.T) {
	cli, cleanup := startFrontWithBackends(t, nil, nil, nil, "sesame", time.Second)
	defer cleanup()

	_, err := cli.Write([]byte("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"))
	require.NoError(t, err)
	want := "-NOAUTH Authentication required.\r\n"
	assert.Equal(t, want, readAll(t, cli, len(want)))

	_, err = cli.Write([]byte("*2\r\n$4\r\nAUTH\r\n$6\r\nsesame\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", readAll(t, cli, len("+OK\r\n")))

	// authenticated now: dispatch reaches the (empty) ring
	_, err = cli.Write([]byte("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"))
	require.NoError(t, err)
	want = "-ERR cluster fail to proxy command\r\n"
	assert.Equal(t, want, readAll(t, cli, len(want)))
}

func TestFrontAuthWrongPasswordCloses(t *testing.T) {
	cli, cleanup := startFrontWithBackends(t, nil, nil, nil, "sesame", time.Second)
	defer cleanup()

	_, err := cli.Write([]byte("*2\r\n$4\r\nAUTH\r\n$5\r\nwrong\r\n"))
	require.NoError(t, err)

	want := "-WRONGPASS invalid username-password pair or user is disabled.\r\n"
	assert.Equal(t, want, readAll(t, cli, len(want)))

	cli.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	_, readErr := cli.Read(buf)
	assert.Error(t, readErr)
}
