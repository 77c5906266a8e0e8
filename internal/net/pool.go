package net

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skshohagmiah/doip/internal/logging"
	"github.com/skshohagmiah/doip/internal/metrics"
	"github.com/skshohagmiah/doip/pkg/protocol"
)

var (
	// ErrPoolShutdown is returned by Get once the pool has been shut down.
	ErrPoolShutdown = errors.New("doip: connection pool shut down")

	// ErrReleased is returned by operations on a released PooledConn.
	ErrReleased = errors.New("doip: pooled connection already released")
)

// DialFunc opens a new connection for a pool.
type DialFunc func(ctx context.Context) (*Connection, error)

// ConnectionPool bounds the number of connections to one address. Idle
// connections are reused; when every connection is checked out Get waits
// for a release.
type ConnectionPool struct {
	address string
	dial    DialFunc
	logger  *zap.Logger
	metrics *metrics.Metrics

	conns chan *Connection // idle

	mu          sync.Mutex
	closed      bool
	activeCount int
	minSize     int
	maxSize     int
	freed       chan struct{} // closed and replaced whenever a slot frees up
	done        chan struct{}
}

// PoolOptions for creating a connection pool
type PoolOptions struct {
	Address      string
	MinSize      int
	MaxSize      int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Dial overrides how connections are opened; by default a Dialer for
	// Address is used.
	Dial DialFunc
}

// DefaultPoolOptions returns default pool options
func DefaultPoolOptions(address string) *PoolOptions {
	return &PoolOptions{
		Address:      address,
		MinSize:      0,
		MaxSize:      100,
		DialTimeout:  60 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		BufferSize:   65536,
	}
}

// NewConnectionPool creates a new connection pool and opens MinSize
// connections up front.
func NewConnectionPool(ctx context.Context, opts *PoolOptions) (*ConnectionPool, error) {
	if opts == nil {
		return nil, errors.New("options cannot be nil")
	}

	if opts.MinSize < 0 || opts.MaxSize < 1 || opts.MaxSize < opts.MinSize {
		return nil, errors.New("invalid pool size configuration")
	}

	dial := opts.Dial
	if dial == nil {
		dialer, err := NewDialer(&ConnectionOptions{
			Address:      opts.Address,
			DialTimeout:  opts.DialTimeout,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			BufferSize:   opts.BufferSize,
			Logger:       opts.Logger,
			Metrics:      opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		dial = dialer.Dial
	}

	pool := &ConnectionPool{
		address: opts.Address,
		dial:    dial,
		logger:  logging.OrNop(opts.Logger).With(zap.String("address", opts.Address)),
		metrics: opts.Metrics,
		conns:   make(chan *Connection, opts.MaxSize),
		minSize: opts.MinSize,
		maxSize: opts.MaxSize,
		freed:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	for i := 0; i < opts.MinSize; i++ {
		conn, err := dial(ctx)
		if err != nil {
			pool.Shutdown()
			return nil, fmt.Errorf("failed to create initial connection: %w", err)
		}
		pool.mu.Lock()
		pool.activeCount++
		pool.conns <- conn
		pool.mu.Unlock()
	}
	pool.observe()

	return pool, nil
}

// Address returns the destination the pool connects to.
func (p *ConnectionPool) Address() string { return p.address }

// Get returns a connection handle, creating a connection while fewer than
// MaxSize exist and otherwise waiting until one is released. A connection
// found closed is replaced.
func (p *ConnectionPool) Get(ctx context.Context) (*PooledConn, error) {
	if p.isClosed() {
		return nil, ErrPoolShutdown
	}

	var conn *Connection
	select {
	case conn = <-p.conns:
	default:
		var err error
		conn, err = p.createNewOrWait(ctx)
		if err != nil {
			return nil, err
		}
	}

	if conn.IsClosed() {
		fresh, err := p.replace(ctx, conn)
		if err != nil {
			return nil, err
		}
		conn = fresh
	}

	p.observe()
	return &PooledConn{pool: p, conn: conn}, nil
}

// createNewOrWait reserves a slot and dials if the pool is under its limit,
// otherwise waits for a release, a freed slot, shutdown or ctx.
func (p *ConnectionPool) createNewOrWait(ctx context.Context) (*Connection, error) {
	waited := false
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolShutdown
		}

		if p.activeCount < p.maxSize {
			p.activeCount++
			p.mu.Unlock()

			conn, err := p.dial(ctx)
			if err != nil {
				p.freeSlot()
				return nil, err
			}
			p.logger.Debug("opened pooled connection", zap.Uint64("conn", conn.ID()))
			return conn, nil
		}
		freed := p.freed
		p.mu.Unlock()

		if !waited {
			waited = true
			p.metrics.PoolWait(p.address)
		}
		select {
		case conn := <-p.conns:
			return conn, nil
		case <-freed:
		case <-p.done:
			return nil, ErrPoolShutdown
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// replace dials a successor for stale, reusing its slot, and closes stale.
func (p *ConnectionPool) replace(ctx context.Context, stale *Connection) (*Connection, error) {
	p.logger.Debug("evicting closed connection", zap.Uint64("conn", stale.ID()), zap.Error(stale.Err()))
	defer stale.Close()

	if p.isClosed() {
		p.freeSlot()
		return nil, ErrPoolShutdown
	}
	conn, err := p.dial(ctx)
	if err != nil {
		p.freeSlot()
		return nil, err
	}
	return conn, nil
}

// freeSlot gives back a reserved slot and wakes every waiter to retry.
func (p *ConnectionPool) freeSlot() {
	p.mu.Lock()
	p.activeCount--
	close(p.freed)
	p.freed = make(chan struct{})
	p.mu.Unlock()
	p.observe()
}

// Release returns the handle's connection to the pool. Releasing a handle
// twice is a no-op. After Shutdown the connection is closed instead.
//
// Closed connections are returned to the idle set as well; Get evicts them,
// so a waiter is woken either way.
func (p *ConnectionPool) Release(h *PooledConn) {
	if h == nil || h.pool != p || !h.released.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.activeCount--
		p.mu.Unlock()
		h.conn.Close()
		p.observe()
		return
	}
	p.conns <- h.conn // never blocks: idle <= active <= cap
	p.mu.Unlock()
	p.observe()
}

// Shutdown closes every idle connection and stops handing out new ones.
// Checked-out connections are closed when released.
func (p *ConnectionPool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)

	var idle []*Connection
drain:
	for {
		select {
		case conn := <-p.conns:
			idle = append(idle, conn)
			p.activeCount--
		default:
			break drain
		}
	}
	p.mu.Unlock()

	for _, conn := range idle {
		conn.Close()
	}
	p.logger.Debug("pool shut down", zap.Int("closed", len(idle)))
	p.observe()
	return nil
}

func (p *ConnectionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *ConnectionPool) observe() {
	if p.metrics == nil {
		return
	}
	stats := p.Stats()
	p.metrics.PoolSize(p.address, stats.ActiveCount, stats.AvailableCount)
}

// Stats returns pool statistics
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		ActiveCount:    p.activeCount,
		AvailableCount: len(p.conns),
		MaxSize:        p.maxSize,
		MinSize:        p.minSize,
	}
}

// PoolStats represents pool statistics
type PoolStats struct {
	ActiveCount    int
	AvailableCount int
	MaxSize        int
	MinSize        int
}

// PooledConn is a connection checked out of a pool. Once released, every
// operation through it fails with ErrReleased.
type PooledConn struct {
	pool     *ConnectionPool
	conn     *Connection
	released atomic.Bool
}

func (h *PooledConn) SendRequest(ctx context.Context, header *protocol.RequestHeader, input protocol.Message) (*Response, error) {
	if h.released.Load() {
		return nil, ErrReleased
	}
	return h.conn.SendRequest(ctx, header, input)
}

func (h *PooledConn) SendCompactRequest(ctx context.Context, header *protocol.RequestHeader) (*Response, error) {
	if h.released.Load() {
		return nil, ErrReleased
	}
	return h.conn.SendCompactRequest(ctx, header)
}

func (h *PooledConn) SendRequestStream(ctx context.Context, header *protocol.RequestHeader) (*Exchange, error) {
	if h.released.Load() {
		return nil, ErrReleased
	}
	return h.conn.SendRequestStream(ctx, header)
}

// IsClosed reports whether the underlying connection is closed.
func (h *PooledConn) IsClosed() bool { return h.conn.IsClosed() }

// Released reports whether the handle has been released.
func (h *PooledConn) Released() bool { return h.released.Load() }

// Release returns the connection to its pool.
func (h *PooledConn) Release() { h.pool.Release(h) }

// Close closes the underlying connection; it is evicted when next handed out.
// The handle must still be released.
func (h *PooledConn) Close() error {
	if h.released.Load() {
		return ErrReleased
	}
	return h.conn.Close()
}
