package datasource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/feemaster/feemaster-engine/pkg/apperrors"
	"github.com/feemaster/feemaster-engine/pkg/logging"
)

const (
	DefaultPoolMinSize        = 1
	DefaultPoolMaxSize        = 10
	DefaultMaxIdleLifetime    = 5 * time.Minute
	DefaultAcquireTimeout     = 5 * time.Second
	DefaultReapInterval       = 1 * time.Minute
	connectionCloseTimeout    = 5 * time.Second
	connectionHealthCheckTime = 5 * time.Second
)

// PoolConfig holds configuration for the connection pool.
type PoolConfig struct {
	MinSize         int
	MaxSize         int
	MaxIdleLifetime time.Duration
	AcquireTimeout  time.Duration
	ReapInterval    time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultPoolMaxSize
	}
	if c.MinSize < 0 {
		c.MinSize = 0
	}
	if c.MinSize > c.MaxSize {
		c.MinSize = c.MaxSize
	}
	if c.MaxIdleLifetime <= 0 {
		c.MaxIdleLifetime = DefaultMaxIdleLifetime
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
}

// slot is one arena entry. While its index is on the free-list the slot is
// owned by the pool and guarded by mu; while leased it is owned by the holder.
type slot struct {
	conn      Conn
	idleSince time.Time
}

// PooledConn is a leased connection. It must be handed back with Release
// exactly once; prefer ConnectionPool.WithConn, which guarantees that.
type PooledConn struct {
	Conn
	index    int
	released atomic.Bool
}

// ConnectionPool lends a bounded set of physical connections to concurrent
// callers. A weighted semaphore of MaxSize is the only gate on concurrency;
// the mutex covers free-list push/pop and is never held during connection use
// or while dialing.
type ConnectionPool struct {
	cfg    PoolConfig
	dial   Dialer
	logger *zap.Logger

	sem *semaphore.Weighted

	mu    sync.Mutex
	slots []slot
	free  []int

	active atomic.Int64
	closed atomic.Bool

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Idle    int `json:"idle"`
	Active  int `json:"active"`
	Total   int `json:"total"`
	MaxSize int `json:"max_size"`
}

// NewConnectionPool creates an empty pool. Call Open to warm MinSize
// connections and start the idle reaper.
func NewConnectionPool(cfg PoolConfig, dial Dialer, logger *zap.Logger) *ConnectionPool {
	cfg.applyDefaults()

	p := &ConnectionPool{
		cfg:      cfg,
		dial:     dial,
		logger:   logger.Named("pool"),
		sem:      semaphore.NewWeighted(int64(cfg.MaxSize)),
		slots:    make([]slot, cfg.MaxSize),
		free:     make([]int, 0, cfg.MaxSize),
		stopChan: make(chan struct{}),
	}
	// Pop takes from the tail, so slot 0 is handed out first.
	for i := cfg.MaxSize - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

// Config returns the effective configuration after defaults.
func (p *ConnectionPool) Config() PoolConfig {
	return p.cfg
}

// Open dials MinSize connections concurrently and starts the reaper.
func (p *ConnectionPool) Open(ctx context.Context) error {
	if p.closed.Load() {
		return apperrors.ErrPoolClosed
	}

	conns := make([]Conn, p.cfg.MinSize)
	g, gctx := errgroup.WithContext(ctx)
	for i := range conns {
		g.Go(func() error {
			c, err := p.dial(gctx)
			if err != nil {
				return err
			}
			conns[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range conns {
			if c != nil {
				p.closeConn(c)
			}
		}
		p.logger.Error("failed to warm connection pool",
			zap.Int("min_size", p.cfg.MinSize),
			zap.String("error", logging.SanitizeError(err)),
		)
		return fmt.Errorf("warm connection pool: %w", err)
	}

	now := time.Now()
	p.mu.Lock()
	for i, c := range conns {
		p.slots[i] = slot{conn: c, idleSince: now}
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.reapIdleConnections()

	p.logger.Info("connection pool opened",
		zap.Int("min_size", p.cfg.MinSize),
		zap.Int("max_size", p.cfg.MaxSize),
		zap.Duration("max_idle_lifetime", p.cfg.MaxIdleLifetime),
		zap.Duration("acquire_timeout", p.cfg.AcquireTimeout),
	)
	return nil
}

// Acquire leases a connection, waiting up to timeout (AcquireTimeout when
// zero) for one to become free. On timeout it fails with ErrPoolExhausted and
// holds nothing.
func (p *ConnectionPool) Acquire(ctx context.Context, timeout time.Duration) (*PooledConn, error) {
	if p.closed.Load() {
		return nil, apperrors.ErrPoolClosed
	}
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}

	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("connection pool exhausted",
			zap.Duration("timeout", timeout),
			zap.Int64("active", p.active.Load()),
			zap.Int("max_size", p.cfg.MaxSize),
		)
		return nil, fmt.Errorf("%w: no connection free within %s", apperrors.ErrPoolExhausted, timeout)
	}

	// Holding a semaphore unit guarantees a free slot.
	idx, s := p.pop()

	if p.closed.Load() {
		p.push(idx, s.conn)
		p.sem.Release(1)
		return nil, apperrors.ErrPoolClosed
	}

	conn := s.conn
	if conn != nil && (conn.IsClosed() || time.Since(s.idleSince) > p.cfg.MaxIdleLifetime) {
		p.logger.Debug("replacing stale connection",
			zap.Int("slot", idx),
			zap.Duration("idle", time.Since(s.idleSince)),
		)
		p.closeConn(conn)
		conn = nil
	}

	if conn == nil {
		var err error
		conn, err = p.dial(acquireCtx)
		if err != nil {
			p.push(idx, nil)
			p.sem.Release(1)
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: dial did not finish within %s", apperrors.ErrPoolExhausted, timeout)
			}
			return nil, fmt.Errorf("open connection: %w", err)
		}
	}

	p.active.Add(1)
	return &PooledConn{Conn: conn, index: idx}, nil
}

// Release hands a leased connection back. Releasing the same lease twice
// returns ErrDoubleRelease and leaves the pool untouched.
func (p *ConnectionPool) Release(pc *PooledConn) error {
	if pc == nil {
		return nil
	}
	if !pc.released.CompareAndSwap(false, true) {
		p.logger.Error("connection released twice", zap.Int("slot", pc.index))
		return apperrors.ErrDoubleRelease
	}
	p.active.Add(-1)

	conn := pc.Conn
	if conn != nil && (p.closed.Load() || conn.IsClosed()) {
		p.closeConn(conn)
		conn = nil
	}

	p.push(pc.index, conn)
	p.sem.Release(1)
	return nil
}

// WithConn runs fn with a leased connection and always releases it, including
// when fn returns an error or panics.
func (p *ConnectionPool) WithConn(ctx context.Context, fn func(ctx context.Context, conn Conn) error) (err error) {
	pc, err := p.Acquire(ctx, 0)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := p.Release(pc); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn(ctx, pc.Conn)
}

// Ping leases a connection and checks it is alive.
func (p *ConnectionPool) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectionHealthCheckTime)
	defer cancel()
	return p.WithConn(ctx, func(ctx context.Context, conn Conn) error {
		return conn.Ping(ctx)
	})
}

// Ready reports whether the pool is accepting acquisitions.
func (p *ConnectionPool) Ready() bool {
	return !p.closed.Load()
}

// Stats returns idle (open, free), active (leased) and total open connections.
func (p *ConnectionPool) Stats() PoolStats {
	active := int(p.active.Load())

	p.mu.Lock()
	idle := 0
	for _, idx := range p.free {
		if p.slots[idx].conn != nil {
			idle++
		}
	}
	p.mu.Unlock()

	return PoolStats{
		Idle:    idle,
		Active:  active,
		Total:   idle + active,
		MaxSize: p.cfg.MaxSize,
	}
}

// ActiveConnections returns the number of leased connections.
func (p *ConnectionPool) ActiveConnections() int {
	return int(p.active.Load())
}

// Close stops the reaper and closes idle connections. Leased connections are
// closed as they are released. Idempotent.
func (p *ConnectionPool) Close() error {
	p.stopOnce.Do(func() {
		p.closed.Store(true)
		close(p.stopChan)
	})
	p.wg.Wait()

	p.mu.Lock()
	var toClose []Conn
	for _, idx := range p.free {
		if c := p.slots[idx].conn; c != nil {
			toClose = append(toClose, c)
			p.slots[idx].conn = nil
		}
	}
	p.mu.Unlock()

	for _, c := range toClose {
		p.closeConn(c)
	}
	if len(toClose) > 0 {
		p.logger.Info("connection pool closed", zap.Int("closed_connections", len(toClose)))
	}
	return nil
}

func (p *ConnectionPool) pop() (int, slot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free) - 1
	idx := p.free[n]
	p.free = p.free[:n]
	s := p.slots[idx]
	p.slots[idx] = slot{}
	return idx, s
}

func (p *ConnectionPool) push(idx int, conn Conn) {
	p.mu.Lock()
	p.slots[idx] = slot{conn: conn, idleSince: time.Now()}
	p.free = append(p.free, idx)
	p.mu.Unlock()
}

func (p *ConnectionPool) closeConn(c Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), connectionCloseTimeout)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		p.logger.Debug("error closing connection", zap.String("error", logging.SanitizeError(err)))
	}
}

// reapIdleConnections runs until Close, closing connections idle past
// MaxIdleLifetime while keeping at least MinSize open.
func (p *ConnectionPool) reapIdleConnections() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reap(time.Now())
		case <-p.stopChan:
			return
		}
	}
}

func (p *ConnectionPool) reap(now time.Time) int {
	p.mu.Lock()
	open := int(p.active.Load())
	for _, idx := range p.free {
		if p.slots[idx].conn != nil {
			open++
		}
	}

	var expired []Conn
	// Oldest idle connections sit at the head of the free-list.
	for _, idx := range p.free {
		if open <= p.cfg.MinSize {
			break
		}
		s := &p.slots[idx]
		if s.conn != nil && now.Sub(s.idleSince) > p.cfg.MaxIdleLifetime {
			expired = append(expired, s.conn)
			s.conn = nil
			open--
		}
	}
	p.mu.Unlock()

	for _, c := range expired {
		p.closeConn(c)
	}
	if len(expired) > 0 {
		p.logger.Info("reaped idle connections",
			zap.Int("count", len(expired)),
			zap.Int("remaining", open),
		)
	}
	return len(expired)
}
