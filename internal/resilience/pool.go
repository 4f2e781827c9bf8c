package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrPoolClosed = errors.New("connection pool is draining")

const (
	DefaultPoolMin             = 2
	DefaultPoolMax             = 10
	DefaultAcquireTimeout      = 5 * time.Second
	DefaultIdleTimeout         = 5 * time.Minute
	DefaultHealthCheckInterval = 30 * time.Second
)

// PoolConfig tunes a Pool. Factory is required; Close and Ping are
// optional hooks for the underlying connection type.
type PoolConfig struct {
	Name string
	Min  int
	Max  int
	// AcquireTimeout bounds how long Acquire waits for a free slot.
	AcquireTimeout time.Duration
	// IdleTimeout is how long an idle connection may sit unused before
	// the pruner destroys it (never below Min).
	IdleTimeout time.Duration
	// HealthCheckInterval drives the background prune/ping/top-up loop.
	HealthCheckInterval time.Duration

	Factory func(ctx context.Context) (any, error)
	Close   func(conn any) error
	Ping    func(ctx context.Context, conn any) error
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Name == "" {
		c.Name = "pool"
	}
	if c.Min < 0 {
		c.Min = 0
	}
	if c.Max <= 0 {
		c.Max = DefaultPoolMax
	}
	if c.Min > c.Max {
		c.Min = c.Max
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	return c
}

// PooledConn wraps a raw connection with bookkeeping. Raw holds
// whatever the factory produced.
type PooledConn struct {
	ID         string
	Raw        any
	CreatedAt  time.Time
	LastUsedAt time.Time
	UseCount   int64
}

// PoolStats is a point-in-time snapshot, JSON-shaped for the ops API.
type PoolStats struct {
	Name      string `json:"name"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Waiting   int    `json:"waiting"`
	Min       int    `json:"min"`
	Max       int    `json:"max"`
	Created   int64  `json:"created"`
	Destroyed int64  `json:"destroyed"`
	Timeouts  int64  `json:"timeouts"`
}

// ConnectionTimeoutError reports an Acquire that found no free slot
// within AcquireTimeout, carrying the pool state at rejection time.
type ConnectionTimeoutError struct {
	Stats PoolStats
}

func (e *ConnectionTimeoutError) Error() string {
	s := e.Stats
	return fmt.Sprintf("pool %q: acquire timed out (active %d/%d, idle %d, waiting %d)",
		s.Name, s.Active, s.Max, s.Idle, s.Waiting)
}

func (e *ConnectionTimeoutError) Transient() bool { return true }

// waiter is a parked Acquire. The channel is buffered so Release never
// blocks handing a connection over.
type waiter struct {
	ch chan *PooledConn
}

// Pool is a bounded connection pool with FIFO waiters. The mutex is
// never held across factory, ping or close calls: slots are reserved
// under the lock and the I/O happens outside it, so a slow dial can't
// stall Release or Stats.
type Pool struct {
	cfg PoolConfig

	mu        sync.Mutex
	idle      []*PooledConn // LIFO: hot connections stay at the top
	active    map[string]*PooledConn
	waiters   []*waiter
	total     int // idle + active + reserved slots mid-dial
	draining  bool
	created   int64
	destroyed int64
	timeouts  int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	now func() time.Time
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	cfg = cfg.withDefaults()
	if cfg.Factory == nil {
		return nil, errors.New("pool requires a Factory")
	}
	return &Pool{
		cfg:    cfg,
		active: make(map[string]*PooledConn),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		now:    time.Now,
	}, nil
}

// Start warms the pool to Min connections and launches the maintenance
// loop (prune idle, ping idle, top up to Min). Warm-up failures are
// returned but leave the pool usable; Acquire will dial on demand.
func (p *Pool) Start(ctx context.Context) error {
	var warmErr error
	for {
		p.mu.Lock()
		if p.draining || p.total >= p.cfg.Min {
			p.mu.Unlock()
			break
		}
		p.total++
		p.mu.Unlock()
		conn, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			warmErr = err
			break
		}
		p.mu.Lock()
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
	go p.maintain()
	return warmErr
}

func (p *Pool) maintain() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.PruneIdle()
			p.pingIdle()
			p.topUp()
		}
	}
}

// dial reserves are handled by callers; this only runs the factory.
func (p *Pool) dial(ctx context.Context) (*PooledConn, error) {
	raw, err := p.cfg.Factory(ctx)
	if err != nil {
		return nil, err
	}
	now := p.now()
	conn := &PooledConn{
		ID:         uuid.NewString(),
		Raw:        raw,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	poolConnsCreated.WithLabelValues(p.cfg.Name).Inc()
	return conn, nil
}

// destroy closes the raw connection outside any lock.
func (p *Pool) destroy(conn *PooledConn) {
	if p.cfg.Close != nil {
		_ = p.cfg.Close(conn.Raw)
	}
	p.mu.Lock()
	p.destroyed++
	p.mu.Unlock()
	poolConnsDestroyed.WithLabelValues(p.cfg.Name).Inc()
}

// Acquire returns a connection, dialing a new one if under Max, or
// parks the caller FIFO behind earlier waiters. It fails with
// ConnectionTimeoutError after AcquireTimeout, or earlier if ctx ends.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.active[conn.ID] = conn
		p.mu.Unlock()
		return conn, nil
	}
	if p.total < p.cfg.Max {
		p.total++ // reserve the slot before dialing
		p.mu.Unlock()
		conn, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, err
		}
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			p.releaseSlot(conn)
			return nil, ErrPoolClosed
		}
		p.active[conn.ID] = conn
		p.mu.Unlock()
		return conn, nil
	}
	w := &waiter{ch: make(chan *PooledConn, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case conn, ok := <-w.ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return conn, nil
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, ctx.Err()
	case <-timer.C:
		p.abandonWaiter(w)
		p.mu.Lock()
		p.timeouts++
		stats := p.statsLocked()
		p.mu.Unlock()
		poolAcquireTimeouts.WithLabelValues(p.cfg.Name).Inc()
		return nil, &ConnectionTimeoutError{Stats: stats}
	}
}

// abandonWaiter removes w from the queue. If a connection was handed
// over concurrently it is put back into rotation.
func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()
	// Already served: recover the connection.
	select {
	case conn, ok := <-w.ch:
		if ok {
			p.Release(conn)
		}
	default:
	}
}

// Release returns a connection to the pool, handing it directly to the
// oldest waiter when one is parked.
func (p *Pool) Release(conn *PooledConn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.active[conn.ID]; !ok {
		// Double release or already pruned; drop it.
		p.mu.Unlock()
		return
	}
	delete(p.active, conn.ID)
	if p.draining {
		p.total--
		p.mu.Unlock()
		p.destroy(conn)
		return
	}
	conn.LastUsedAt = p.now()
	conn.UseCount++
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.active[conn.ID] = conn
		w.ch <- conn
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// releaseSlot drops a never-activated connection and frees its slot.
func (p *Pool) releaseSlot(conn *PooledConn) {
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
	p.destroy(conn)
}

// MarkUnhealthy removes the connection from the pool and closes it
// instead of returning it to rotation. Safe to call instead of Release
// after an I/O error.
func (p *Pool) MarkUnhealthy(conn *PooledConn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.active[conn.ID]; ok {
		delete(p.active, conn.ID)
		p.total--
		p.mu.Unlock()
		p.destroy(conn)
		return
	}
	for i, cand := range p.idle {
		if cand.ID == conn.ID {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			p.total--
			p.mu.Unlock()
			p.destroy(conn)
			return
		}
	}
	p.mu.Unlock()
}

// PruneIdle destroys idle connections unused for longer than
// IdleTimeout, never shrinking the pool below Min. Runs on the
// maintenance ticker and may be called directly.
func (p *Pool) PruneIdle() int {
	now := p.now()
	var victims []*PooledConn
	p.mu.Lock()
	kept := p.idle[:0]
	for _, conn := range p.idle {
		if now.Sub(conn.LastUsedAt) > p.cfg.IdleTimeout && p.total-len(victims) > p.cfg.Min {
			victims = append(victims, conn)
			continue
		}
		kept = append(kept, conn)
	}
	p.idle = kept
	p.total -= len(victims)
	p.mu.Unlock()
	for _, conn := range victims {
		p.destroy(conn)
	}
	return len(victims)
}

// pingIdle health-checks idle connections and evicts the dead.
func (p *Pool) pingIdle() {
	if p.cfg.Ping == nil {
		return
	}
	p.mu.Lock()
	idle := make([]*PooledConn, len(p.idle))
	copy(idle, p.idle)
	p.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
	defer cancel()
	for _, conn := range idle {
		if err := p.cfg.Ping(ctx, conn.Raw); err != nil {
			p.MarkUnhealthy(conn)
		}
	}
}

// topUp dials back to Min after prunes or evictions.
func (p *Pool) topUp() {
	for {
		p.mu.Lock()
		if p.draining || p.total >= p.cfg.Min {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
		conn, err := p.dial(ctx)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return
		}
		p.mu.Lock()
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
}

// WithConnection acquires, runs fn, and releases. A fn error marks the
// connection unhealthy when it looks like connection trouble.
func (p *Pool) WithConnection(ctx context.Context, fn func(ctx context.Context, conn *PooledConn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, conn)
	if err != nil && IsTransient(err) {
		p.MarkUnhealthy(conn)
		return err
	}
	p.Release(conn)
	return err
}

// Drain blocks new acquires, fails parked waiters with ErrPoolClosed,
// waits for active connections to be released until ctx expires, then
// force-closes whatever is left.
func (p *Pool) Drain(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	p.draining = true
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	for _, conn := range idle {
		p.destroy(conn)
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		remaining := len(p.active)
		p.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			p.mu.Lock()
			leftover := make([]*PooledConn, 0, len(p.active))
			for _, conn := range p.active {
				leftover = append(leftover, conn)
			}
			p.active = make(map[string]*PooledConn)
			p.total -= len(leftover)
			p.mu.Unlock()
			for _, conn := range leftover {
				p.destroy(conn)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() PoolStats {
	return PoolStats{
		Name:      p.cfg.Name,
		Active:    len(p.active),
		Idle:      len(p.idle),
		Waiting:   len(p.waiters),
		Min:       p.cfg.Min,
		Max:       p.cfg.Max,
		Created:   p.created,
		Destroyed: p.destroyed,
		Timeouts:  p.timeouts,
	}
}
