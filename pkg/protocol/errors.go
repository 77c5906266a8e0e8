package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is the cause carried by a ConnectionError when the local side closed the connection.
	ErrClosed = errors.New("doip: connection closed")

	// ErrSegmentOpen is returned when a write is attempted while a scoped segment writer is open.
	ErrSegmentOpen = errors.New("doip: segment writer already open")

	// ErrWriterClosed is returned by writes on a closed message writer.
	ErrWriterClosed = errors.New("doip: message writer closed")

	// ErrNotJSON is returned when a bytes segment is read as JSON.
	ErrNotJSON = errors.New("doip: segment is not JSON")
)

// ProtocolError reports malformed framing. It is fatal to the message and to
// the connection carrying it.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("doip: protocol error: %s: %v", e.Msg, e.Err)
	}
	return "doip: protocol error: " + e.Msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ConnectionError reports an I/O failure, a timeout, or a closed peer.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("doip: connection error: %v", e.Err)
	}
	return fmt.Sprintf("doip: connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Timeout reports whether the underlying error was a deadline expiry.
func (e *ConnectionError) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is, or wraps, a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsConnectionError reports whether err is, or wraps, a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
