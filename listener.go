package shoal

import (
	"context"
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrPortInUse wraps a bind failure so the entrypoint can exit with
// its dedicated code.
var ErrPortInUse = errors.New("listen port already in use")

// listenReusePort opens the cluster listener with SO_REUSEADDR and
// SO_REUSEPORT set, so several workers can share one port and restarts
// do not trip over lingering sockets.
func listenReusePort(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if serr != nil {
					return
				}
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}

	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			return nil, errors.Join(ErrPortInUse, err)
		}
		return nil, err
	}
	return listener, nil
}
