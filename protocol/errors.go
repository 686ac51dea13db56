package protocol

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced to clients. The message text is exactly what
// the codecs serialize into an error reply, so it is part of the wire
// contract.
var (
	ErrBadMessage          = errors.New("ERR invalid message")
	ErrBadRequest          = errors.New("ERR message is ok but request bad or not allowed")
	ErrNotSupport          = errors.New("ERR request not supported")
	ErrNoAuth              = errors.New("NOAUTH Authentication required.")
	ErrAuthWrong           = errors.New("WRONGPASS invalid username-password pair or user is disabled.")
	ErrInlineMultiKeys     = errors.New("ERR inline request don't support multi keys")
	ErrBadReply            = errors.New("ERR message reply is bad")
	ErrCmdTimeout          = errors.New("ERR command timeout")
	ErrProxyFail           = errors.New("ERR proxy fail")
	ErrMaxCycle            = errors.New("ERR fail due retry send, reached limit")
	ErrClusterFailDispatch = errors.New("ERR cluster fail to proxy command")
)

// BackendClosedError reports that the backend connection serving a
// request was actively closed.
type BackendClosedError struct {
	Addr string
}

func (e *BackendClosedError) Error() string {
	return fmt.Sprintf("ERR remote connection has been active closed: %s", e.Addr)
}
