package net

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skshohagmiah/doip/internal/logging"
	"github.com/skshohagmiah/doip/internal/metrics"
	"github.com/skshohagmiah/doip/pkg/protocol"
)

// Connection multiplexes DOIP requests over one socket. Any number of
// goroutines may send concurrently; responses are matched to requests by
// requestId, so they may arrive in any order.
//
// A single reader goroutine owns the read side. After it hands a response to
// its caller it waits until the caller has consumed or closed the response
// body before reading the next response header.
type Connection struct {
	id      uint64
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	newID   func() string
	logger  *zap.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan result
	closed  bool
	err     error

	wake    chan struct{}
	closing chan struct{}
	done    chan struct{}
}

type result struct {
	resp *Response
	err  error
}

// ConnectionOptions for creating a new connection
type ConnectionOptions struct {
	Address      string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int

	// NewRequestID generates request ids; defaults to random UUIDs.
	NewRequestID func() string
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// DefaultConnectionOptions returns default connection options
func DefaultConnectionOptions(address string) *ConnectionOptions {
	return &ConnectionOptions{
		Address:      address,
		DialTimeout:  60 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		BufferSize:   65536, // 64KB
	}
}

// Dialer opens connections to one address and numbers them for logging.
type Dialer struct {
	opts    ConnectionOptions
	counter atomic.Uint64
}

// NewDialer returns a Dialer using opts. Zero fields fall back to defaults.
func NewDialer(opts *ConnectionOptions) (*Dialer, error) {
	if opts == nil {
		return nil, errors.New("options cannot be nil")
	}
	d := &Dialer{opts: *opts}
	if d.opts.BufferSize <= 0 {
		d.opts.BufferSize = 65536
	}
	if d.opts.NewRequestID == nil {
		d.opts.NewRequestID = uuid.NewString
	}
	d.opts.Logger = logging.OrNop(d.opts.Logger)
	return d, nil
}

// Address returns the address the dialer connects to.
func (d *Dialer) Address() string { return d.opts.Address }

// Dial opens a TCP connection and starts its reader goroutine.
func (d *Dialer) Dial(ctx context.Context) (*Connection, error) {
	nd := net.Dialer{Timeout: d.opts.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := nd.DialContext(ctx, "tcp", d.opts.Address)
	if err != nil {
		return nil, &protocol.ConnectionError{Op: "dial " + d.opts.Address, Err: err}
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}

	return d.Wrap(conn), nil
}

// Wrap runs a Connection over an already established socket.
func (d *Dialer) Wrap(conn net.Conn) *Connection {
	id := d.counter.Add(1)
	tc := &TimeoutConn{Conn: conn, ReadTimeout: d.opts.ReadTimeout, WriteTimeout: d.opts.WriteTimeout}
	c := &Connection{
		id:      id,
		conn:    conn,
		reader:  bufio.NewReaderSize(tc, d.opts.BufferSize),
		writer:  bufio.NewWriterSize(tc, d.opts.BufferSize),
		newID:   d.opts.NewRequestID,
		logger:  d.opts.Logger.With(zap.Uint64("conn", id), zap.String("remote", remoteAddr(conn))),
		metrics: d.opts.Metrics,
		pending: make(map[string]chan result),
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.metrics.ConnectionOpened()
	go c.readLoop()
	return c
}

// ID returns the dialer-assigned connection number.
func (c *Connection) ID() uint64 { return c.id }

// SendRequest writes header followed by every segment of input, then waits
// for the matching response. A nil input sends the header alone.
//
// The caller must Close the returned Response; the connection cannot read
// other responses until its body has been consumed.
func (c *Connection) SendRequest(ctx context.Context, header *protocol.RequestHeader, input protocol.Message) (*Response, error) {
	return c.send(ctx, header, func(w *protocol.Writer) error {
		if input == nil {
			return nil
		}
		return w.CopyMessage(input)
	})
}

// SendCompactRequest sends a request consisting of the header alone, as used
// when the input travels in the header's "input" property.
func (c *Connection) SendCompactRequest(ctx context.Context, header *protocol.RequestHeader) (*Response, error) {
	return c.send(ctx, header, func(*protocol.Writer) error { return nil })
}

func (c *Connection) send(ctx context.Context, header *protocol.RequestHeader, body func(*protocol.Writer) error) (*Response, error) {
	id, ch, err := c.register(header)
	if err != nil {
		return nil, err
	}

	if err := c.writeRequest(header, body); err != nil {
		c.finish(err)
		c.abort(err)
		return nil, err
	}
	return c.await(ctx, id, ch)
}

func (c *Connection) writeRequest(header *protocol.RequestHeader, body func(*protocol.Writer) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.closedErr(); err != nil {
		return err
	}
	w := protocol.NewWriter(c.writer)
	if err := w.WriteJSON(header); err != nil {
		return err
	}
	if err := body(w); err != nil {
		return err
	}
	return w.Close()
}

// register assigns a fresh requestId to header and records it as pending.
func (c *Connection) register(header *protocol.RequestHeader) (string, chan result, error) {
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return "", nil, err
	}
	id := c.newID()
	for _, taken := c.pending[id]; taken; _, taken = c.pending[id] {
		id = c.newID()
	}
	ch := make(chan result, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	header.RequestID = id
	c.metrics.RequestStarted()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return id, ch, nil
}

func (c *Connection) await(ctx context.Context, id string, ch chan result) (*Response, error) {
	select {
	case r := <-ch:
		c.finish(r.err)
		return r.resp, r.err
	case <-ctx.Done():
		err := &protocol.ConnectionError{Op: "await response", Err: ctx.Err()}
		c.logger.Debug("request cancelled, closing connection", zap.String("requestId", id))
		c.abort(err)
		c.finish(err)
		return nil, err
	}
}

func (c *Connection) finish(err error) {
	c.metrics.RequestFinished(outcome(err))
}

// take removes and returns the pending entry for id.
func (c *Connection) take(id string) chan result {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return ch
}

// closedErr returns the terminating error once the connection is closing.
func (c *Connection) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.err
	}
	return nil
}

// IsClosed reports whether the connection has started shutting down.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Err returns the error that closed the connection, or nil while it is open.
func (c *Connection) Err() error { return c.closedErr() }

// Close fails every outstanding request, closes the socket and waits for
// the reader goroutine to exit. It is safe to call more than once.
func (c *Connection) Close() error {
	c.abort(&protocol.ConnectionError{Op: "close", Err: protocol.ErrClosed})
	<-c.done
	return nil
}

// abort moves the connection to closing with cause as the terminal error.
// Only the first call has an effect.
func (c *Connection) abort(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.mu.Unlock()

	close(c.closing)
	for _, ch := range pending {
		ch <- result{err: cause}
	}
	c.conn.Close()
	c.metrics.ConnectionClosed()
}

func (c *Connection) readLoop() {
	defer close(c.done)

	err := c.serveResponses()
	if errors.Is(err, protocol.ErrClosed) {
		c.logger.Debug("connection closed")
	} else {
		c.logger.Warn("connection failed", zap.Error(err))
	}
	c.abort(err)
}

func (c *Connection) serveResponses() error {
	for {
		if !c.waitForRequest() {
			return c.closedErr()
		}

		// A read failure before the first byte of a response means the peer
		// went away rather than sent a malformed message.
		if _, err := c.reader.Peek(1); err != nil {
			if cerr := c.closedErr(); cerr != nil {
				return cerr
			}
			return &protocol.ConnectionError{Op: "read", Err: err}
		}

		msg := protocol.NewReader(c.reader)
		header, err := readResponseHeader(msg)
		if err != nil {
			return err
		}

		ch := c.take(header.RequestID)
		if ch == nil {
			return &protocol.ProtocolError{Msg: fmt.Sprintf("response for unknown request %q", header.RequestID)}
		}

		drained := make(chan error, 1)
		msg.OnComplete(func(err error) { drained <- err })
		ch <- result{resp: newResponse(header, msg)}

		select {
		case err := <-drained:
			if err != nil {
				return err
			}
		case <-c.closing:
			return c.closedErr()
		}
	}
}

// waitForRequest blocks until a request is outstanding. It returns false
// once the connection is closing.
func (c *Connection) waitForRequest() bool {
	for {
		c.mu.Lock()
		closed, n := c.closed, len(c.pending)
		c.mu.Unlock()

		if closed {
			return false
		}
		if n > 0 {
			return true
		}
		select {
		case <-c.wake:
		case <-c.closing:
			return false
		}
	}
}

func readResponseHeader(msg *protocol.Reader) (protocol.ResponseHeader, error) {
	seg, err := msg.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return protocol.ResponseHeader{}, &protocol.ProtocolError{Msg: "empty response"}
		}
		return protocol.ResponseHeader{}, err
	}
	if !seg.IsJSON() {
		return protocol.ResponseHeader{}, &protocol.ProtocolError{Msg: "response does not start with a JSON segment"}
	}
	raw, err := seg.ReadJSON()
	if err != nil {
		return protocol.ResponseHeader{}, err
	}
	return protocol.DecodeResponseHeader(raw)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case protocol.IsProtocolError(err):
		return "protocol"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "connection"
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// TimeoutConn arms a fresh deadline before every Read and Write. A zero
// timeout leaves the corresponding deadline untouched.
type TimeoutConn struct {
	net.Conn
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *TimeoutConn) Read(p []byte) (int, error) {
	if c.ReadTimeout > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	}
	return c.Conn.Read(p)
}

func (c *TimeoutConn) Write(p []byte) (int, error) {
	if c.WriteTimeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
	return c.Conn.Write(p)
}
