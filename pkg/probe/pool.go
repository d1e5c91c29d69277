package probe

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrBind indicates a local socket could not be bound. This is a
	// resource problem on the local host, not a network condition, and
	// is surfaced to the caller immediately.
	ErrBind = errors.New("probe: socket bind failed")

	// ErrPoolExhausted is returned when the pool's socket limit is
	// reached. The limit bounds how many probes a traversal round may
	// run concurrently.
	ErrPoolExhausted = errors.New("probe: socket pool exhausted")

	// ErrPoolClosed is returned by Bind after the pool is closed.
	ErrPoolClosed = errors.New("probe: pool closed")
)

// Binder hands out sockets. Implemented by Pool and by the test network
// simulator.
type Binder interface {
	Bind() (Socket, error)
}

// BindFunc creates a fresh socket on an ephemeral port.
type BindFunc func() (Socket, error)

// Pool is a bounded set of ephemeral UDP sockets. Bind and release are
// serialized; send and receive on a handed-out socket are not, since
// each socket is exclusively owned by one task at a time.
type Pool struct {
	log  *zap.Logger
	bind BindFunc

	mu     sync.Mutex
	limit  int
	active int
	closed bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithBindFunc replaces the default UDP bind with a custom one.
func WithBindFunc(f BindFunc) Option {
	return func(p *Pool) { p.bind = f }
}

// WithLogger attaches a logger to the pool.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pool) { p.log = log.Named("pool") }
}

// NewPool creates a pool holding at most limit concurrently bound
// sockets.
func NewPool(limit int, opts ...Option) *Pool {
	p := &Pool{
		log:   zap.NewNop(),
		limit: limit,
		bind:  func() (Socket, error) { return Listen(":0") },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Bind acquires a fresh socket on an ephemeral port. The returned
// socket's Close releases its slot back to the pool.
func (p *Pool) Bind() (Socket, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.active >= p.limit {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	p.active++
	p.mu.Unlock()

	sock, err := p.bind()
	if err != nil {
		p.release()
		return nil, fmt.Errorf("%w: %v", ErrBind, err)
	}
	p.log.Debug("socket bound", zap.Stringer("local", sock.LocalAddr()))
	return &pooledSocket{Socket: sock, pool: p}, nil
}

// Active reports how many sockets are currently handed out.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Close stops further binds. Sockets already handed out stay valid
// until their holders close them.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *Pool) release() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}

// pooledSocket returns its slot to the pool exactly once on Close.
type pooledSocket struct {
	Socket
	pool *Pool
	once sync.Once
}

func (s *pooledSocket) Close() error {
	err := s.Socket.Close()
	s.once.Do(s.pool.release)
	return err
}
