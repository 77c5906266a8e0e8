package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skshohagmiah/doip/internal/logging"
	"github.com/skshohagmiah/doip/internal/metrics"
	doipnet "github.com/skshohagmiah/doip/internal/net"
	"github.com/skshohagmiah/doip/pkg/protocol"
)

const (
	// DefaultPort is the registered DOIP port.
	DefaultPort = 9000

	DefaultMaxIdleTime = 5 * time.Minute

	DefaultMaxConnections = 200

	internalErrorMessage = "An unexpected server error occurred"

	closeDrainTimeout = 500 * time.Millisecond
	closeDrainLimit   = 256 << 10
)

// Config for a DOIP server
type Config struct {
	ListenAddress string
	Port          int // 0 picks an ephemeral port

	// MaxIdleTime bounds every socket read and write; an idle client is
	// disconnected once it expires.
	MaxIdleTime    time.Duration
	MaxConnections int
	BufferSize     int

	ProcessorName   string
	ProcessorConfig map[string]any
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		ListenAddress:  "0.0.0.0",
		Port:           DefaultPort,
		MaxIdleTime:    DefaultMaxIdleTime,
		MaxConnections: DefaultMaxConnections,
		BufferSize:     32768,
	}
}

// Server accepts DOIP connections and hands each request to a Processor.
// Requests on one connection are processed one after another.
type Server struct {
	cfg           Config
	processor     Processor
	ownsProcessor bool
	logger        *zap.Logger
	metrics       *metrics.Metrics

	listener    net.Listener
	connections sync.Map
	connCounter atomic.Uint64
	slots       chan struct{}
	wg          sync.WaitGroup

	// Metrics
	activeConns    atomic.Int64
	requestsServed atomic.Uint64
	requestErrors  atomic.Uint64

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a server using processor. The caller keeps ownership of the
// processor.
func New(cfg Config, processor Processor, opts ...Option) (*Server, error) {
	if processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	s := newServer(cfg, opts)
	s.processor = processor
	return s, nil
}

// NewFromRegistry creates a server whose processor is built from
// cfg.ProcessorName. The processor is shut down with the server.
func NewFromRegistry(cfg Config, reg *Registry, opts ...Option) (*Server, error) {
	s := newServer(cfg, opts)
	processor, err := reg.New(cfg.ProcessorName, cfg.ProcessorConfig, s.logger)
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.processor = processor
	s.ownsProcessor = true
	return s, nil
}

func newServer(cfg Config, opts []Option) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = DefaultMaxIdleTime
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 32768
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		slots:  make(chan struct{}, cfg.MaxConnections),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	return s
}

// Processor returns the processor handling requests.
func (s *Server) Processor() Processor { return s.processor }

// Listen binds the listening socket. Serve calls it when needed.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	addr := net.JoinHostPort(s.cfg.ListenAddress, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve runs the accept loop on a bound listener until Shutdown. At most
// MaxConnections connections are served at once; further clients wait in
// the listen backlog.
func (s *Server) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.logger.Info("DOIP server listening", zap.Stringer("addr", s.listener.Addr()))

	for {
		select {
		case s.slots <- struct{}{}:
		case <-s.ctx.Done():
			return nil
		}

		conn, err := s.listener.Accept()
		if err != nil {
			<-s.slots
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.handleConnection(conn)
		}()
	}
}

func optimizeTCPConnection(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	// Disable Nagle's algorithm for low latency
	if err := tcpConn.SetNoDelay(true); err != nil {
		return err
	}

	if err := tcpConn.SetKeepAlive(true); err != nil {
		return err
	}
	return tcpConn.SetKeepAlivePeriod(30 * time.Second)
}

func (s *Server) handleConnection(netConn net.Conn) {
	connID := s.connCounter.Add(1)
	s.activeConns.Add(1)
	s.metrics.ServerConnection(1)
	defer func() {
		s.activeConns.Add(-1)
		s.metrics.ServerConnection(-1)
	}()

	s.connections.Store(connID, netConn)
	defer s.connections.Delete(connID)
	defer netConn.Close()
	if s.ctx.Err() != nil {
		return
	}

	logger := s.logger.With(zap.Uint64("conn", connID), zap.Stringer("remote", netConn.RemoteAddr()))
	if err := optimizeTCPConnection(netConn); err != nil {
		logger.Warn("failed to optimize TCP connection", zap.Error(err))
	}

	tc := &doipnet.TimeoutConn{Conn: netConn, ReadTimeout: s.cfg.MaxIdleTime, WriteTimeout: s.cfg.MaxIdleTime}
	c := &serverConn{
		server: s,
		remote: netConn.RemoteAddr().String(),
		r:      bufio.NewReaderSize(tc, s.cfg.BufferSize),
		w:      bufio.NewWriterSize(tc, s.cfg.BufferSize),
		logger: logger,
	}

	err := c.serve(s.ctx)
	switch {
	case err == nil, s.ctx.Err() != nil:
		logger.Debug("connection closed")
	default:
		logger.Debug("connection closed with error", zap.Error(err))
		closeGracefully(netConn)
	}
}

// closeGracefully half-closes conn and discards what the client still sends,
// so the error response is not lost to a reset.
func closeGracefully(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tcpConn.CloseWrite()
	tcpConn.SetReadDeadline(time.Now().Add(closeDrainTimeout))
	io.Copy(io.Discard, io.LimitReader(tcpConn, closeDrainLimit))
}

// Shutdown stops accepting, closes every connection, waits for the
// handlers to return and shuts down the processor if the server built it.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()
		if s.listener != nil {
			s.listener.Close()
		}

		s.connections.Range(func(key, value interface{}) bool {
			if conn, ok := value.(net.Conn); ok {
				conn.Close()
			}
			return true
		})
		s.wg.Wait()

		if sd, ok := s.processor.(Shutdowner); ok && s.ownsProcessor {
			s.stopErr = sd.Shutdown()
		}
		s.logger.Info("DOIP server stopped")
	})
	return s.stopErr
}

// Stats is a snapshot of server counters.
type Stats struct {
	ActiveConnections int64
	TotalConnections  uint64
	RequestsServed    uint64
	RequestErrors     uint64
}

func (s *Server) Stats() Stats {
	return Stats{
		ActiveConnections: s.activeConns.Load(),
		TotalConnections:  s.connCounter.Load(),
		RequestsServed:    s.requestsServed.Load(),
		RequestErrors:     s.requestErrors.Load(),
	}
}

// serverConn reads requests from one client.
type serverConn struct {
	server *Server
	remote string
	r      *bufio.Reader
	w      *bufio.Writer
	logger *zap.Logger
}

func (c *serverConn) serve(ctx context.Context) error {
	for {
		if _, err := c.r.Peek(1); err != nil {
			var ne net.Error
			if errors.Is(err, io.EOF) || (errors.As(err, &ne) && ne.Timeout()) {
				return nil
			}
			return err
		}
		if err := c.serveRequest(ctx); err != nil {
			return err
		}
	}
}

// serveRequest handles one request message. A returned error closes the
// connection after an error response has been sent.
func (c *serverConn) serveRequest(ctx context.Context) error {
	start := time.Now()
	msg := protocol.NewReader(c.r)
	out := protocol.NewWriter(c.w)

	var requestID, operation, status string
	req, err := readRequest(msg, c.remote)
	if req != nil {
		requestID, operation = req.RequestID(), req.OperationID()
	}
	if err == nil {
		resp := newResponse(requestID, out)
		err = c.server.processor.Process(ctx, req, resp)
		if err == nil {
			err = resp.Commit()
		}
		if err == nil {
			err = out.Close()
		}
		if err == nil {
			if err = msg.Close(); err == nil {
				err = msg.Err()
			}
		}
		status = resp.Status()
	}

	if err != nil {
		c.server.requestErrors.Add(1)
		status = c.writeError(out, requestID, err)
		c.logger.Debug("request failed",
			zap.String("requestId", requestID),
			zap.String("operation", operation),
			zap.Error(err))
	} else {
		c.server.requestsServed.Add(1)
	}
	c.server.metrics.ServerRequest(operation, status, time.Since(start))
	return err
}

// writeError ends any open output segment and writes a complete error
// response after it. Framing and timeout failures are reported as a bad
// request, anything else as an internal error.
func (c *serverConn) writeError(out *protocol.Writer, requestID string, cause error) string {
	out.CloseSegment()

	status, message := protocol.StatusError, internalErrorMessage
	if isBadRequest(cause) {
		status, message = protocol.StatusBadRequest, cause.Error()
	} else {
		c.logger.Warn("error handling request", zap.String("requestId", requestID), zap.Error(cause))
	}

	header := protocol.ResponseHeader{
		Status:     status,
		RequestID:  requestID,
		Attributes: protocol.Attributes{},
	}
	header.Attributes.Set(protocol.MessageAttribute, message)
	b, err := json.Marshal(header)
	if err != nil {
		return status
	}
	c.w.Write(b)
	c.w.WriteString("\n#\n#\n")
	c.w.Flush()
	return status
}

func isBadRequest(err error) bool {
	if protocol.IsProtocolError(err) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
