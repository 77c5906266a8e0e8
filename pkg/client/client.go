// Package client is a DOIP client. It keeps one connection pool per service
// address and sends requests over pooled, multiplexed connections.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/skshohagmiah/doip/internal/logging"
	"github.com/skshohagmiah/doip/internal/metrics"
	doipnet "github.com/skshohagmiah/doip/internal/net"
	"github.com/skshohagmiah/doip/pkg/protocol"
)

// ErrClosed is returned by operations on a closed Client.
var ErrClosed = errors.New("doip: client closed")

// Response is a DOIP response. Close it to return the connection to its pool.
type Response = doipnet.Response

// ServiceInfo locates a DOIP service.
type ServiceInfo struct {
	ID      string
	Address string
	Port    int
}

func (s ServiceInfo) addr() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// Options for creating a Client
type Options struct {
	// MaxPoolSize bounds the connections to each service address.
	MaxPoolSize  int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// PoolTTL is how long a pool lives after it was created; the pool is
	// then shut down and a new one is built on the next request. Zero keeps
	// pools until Close.
	PoolTTL time.Duration
	// MaxPools bounds the number of pools kept at once; the least recently
	// used pool is shut down beyond it. Zero means no bound.
	MaxPools int

	// ClientID is sent as clientId when a request does not set one.
	ClientID string

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Dial overrides how pools open connections, keyed by address.
	Dial func(address string) doipnet.DialFunc
}

// DefaultOptions returns default client options
func DefaultOptions() *Options {
	return &Options{
		MaxPoolSize:  100,
		DialTimeout:  60 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		PoolTTL:      time.Hour,
	}
}

// Client sends DOIP requests to any number of services.
type Client struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	pools  *expirable.LRU[string, *doipnet.ConnectionPool]
}

// New creates a client. A nil opts uses DefaultOptions.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.MaxPoolSize < 1 {
		return nil, errors.New("client: MaxPoolSize must be positive")
	}
	if opts.MaxPools < 0 {
		return nil, errors.New("client: MaxPools must not be negative")
	}

	c := &Client{
		opts:   *opts,
		logger: logging.OrNop(opts.Logger),
	}
	c.pools = expirable.NewLRU[string, *doipnet.ConnectionPool](opts.MaxPools, c.evicted, opts.PoolTTL)
	return c, nil
}

func (c *Client) evicted(addr string, pool *doipnet.ConnectionPool) {
	c.logger.Debug("shutting down connection pool", zap.String("address", addr))
	if err := pool.Shutdown(); err != nil {
		c.logger.Warn("pool shutdown failed", zap.String("address", addr), zap.Error(err))
	}
}

// pool returns the pool for addr, creating it if needed.
func (c *Client) pool(ctx context.Context, addr string) (*doipnet.ConnectionPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if p, ok := c.pools.Get(addr); ok {
		return p, nil
	}
	// an expired entry may linger until the cache sweeps it; Add would
	// overwrite it without shutting its pool down
	c.pools.Remove(addr)

	opts := doipnet.DefaultPoolOptions(addr)
	opts.MaxSize = c.opts.MaxPoolSize
	opts.DialTimeout = c.opts.DialTimeout
	opts.ReadTimeout = c.opts.ReadTimeout
	opts.WriteTimeout = c.opts.WriteTimeout
	opts.Logger = c.logger
	opts.Metrics = c.opts.Metrics
	if c.opts.Dial != nil {
		opts.Dial = c.opts.Dial(addr)
	}
	p, err := doipnet.NewConnectionPool(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create pool for %s: %w", addr, err)
	}
	c.pools.Add(addr, p)
	return p, nil
}

// acquire checks out a connection to svc. A pool shut down by expiry
// between lookup and Get is replaced once.
func (c *Client) acquire(ctx context.Context, svc ServiceInfo) (*doipnet.PooledConn, error) {
	addr := svc.addr()
	for attempt := 0; ; attempt++ {
		p, err := c.pool(ctx, addr)
		if err != nil {
			return nil, err
		}
		h, err := p.Get(ctx)
		if errors.Is(err, doipnet.ErrPoolShutdown) && attempt == 0 {
			c.mu.Lock()
			if cur, ok := c.pools.Peek(addr); ok && cur == p {
				c.pools.Remove(addr)
			}
			c.mu.Unlock()
			continue
		}
		return h, err
	}
}

// PerformOperation sends a request to svc. With a nil input the request is
// sent on its own, carrying any compact input set in header. The returned
// Response holds a pooled connection until it is closed.
func (c *Client) PerformOperation(ctx context.Context, svc ServiceInfo, header *protocol.RequestHeader, input protocol.Message) (*Response, error) {
	h, err := c.acquire(ctx, svc)
	if err != nil {
		return nil, err
	}
	if header.ClientID == "" {
		header.ClientID = c.opts.ClientID
	}

	var resp *Response
	if input == nil {
		resp, err = h.SendCompactRequest(ctx, header)
	} else {
		resp, err = h.SendRequest(ctx, header, input)
	}
	if err != nil {
		h.Release()
		return nil, err
	}
	resp.OnClose(h.Release)
	return resp, nil
}

// Close shuts down every pool. Responses still open keep their
// connections until they are closed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.pools.Purge()
	return nil
}

// PoolCount returns the number of live pools.
func (c *Client) PoolCount() int {
	return c.pools.Len()
}

// StatusError is a response with a status other than success.
type StatusError struct {
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return "doip: status " + e.Status
	}
	return fmt.Sprintf("doip: status %s: %s", e.Status, e.Message)
}

// IsStatus reports whether err is a StatusError with status.
func IsStatus(err error, status string) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

func checkStatus(resp *Response) error {
	if resp.Status() == protocol.StatusOK {
		return nil
	}
	return &StatusError{Status: resp.Status(), Message: resp.AttributeString(protocol.MessageAttribute)}
}

// call performs an operation, checks its status and decodes the first output
// segment into v when v is not nil.
func (c *Client) call(ctx context.Context, svc ServiceInfo, header *protocol.RequestHeader, input protocol.Message, v any) error {
	resp, err := c.PerformOperation(ctx, svc, header, input)
	if err != nil {
		return err
	}
	defer resp.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	seg, err := resp.Output().Next()
	if errors.Is(err, io.EOF) {
		return errors.New("doip: response has no output")
	}
	if err != nil {
		return err
	}
	return seg.Decode(v)
}

func attributes(kv ...any) protocol.Attributes {
	attrs := protocol.Attributes{}
	for i := 0; i+1 < len(kv); i += 2 {
		attrs.Set(kv[i].(string), kv[i+1])
	}
	return attrs
}
