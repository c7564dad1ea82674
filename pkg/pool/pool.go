// Package pool provides a small connection pool for sqlink backends.
// Scheduling, queueing, and fairness are delegated entirely to
// puddle; this package only decides whether a returned connection is
// safe to reuse and wires pooled connections into the transaction
// guard's pool-owned mode.
package pool

import (
	"context"
	"time"

	"github.com/jackc/puddle/v2"

	"github.com/justjake/sqlink/pkg/driver"
	"github.com/justjake/sqlink/pkg/postgres"
)

// Config configures a Pool for one backend.
type Config[C driver.Connection] struct {
	// Connect establishes a new connection when the pool grows.
	Connect func(ctx context.Context) (C, error)

	// TxManager is the backend's transaction manager, used by Begin.
	TxManager driver.TxManager[C]

	// MaxConns bounds the pool size.
	MaxConns int32

	// Reusable reports whether a released connection may serve another
	// caller. Connections that fail the check are destroyed. Nil means
	// always reusable.
	Reusable func(C) bool
}

// Pool is a bounded pool of backend connections.
type Pool[C driver.Connection] struct {
	p   *puddle.Pool[C]
	cfg Config[C]
}

// New creates a pool from cfg.
func New[C driver.Connection](cfg Config[C]) (*Pool[C], error) {
	p, err := puddle.NewPool(&puddle.Config[C]{
		Constructor: cfg.Connect,
		Destructor: func(conn C) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := conn.Close(ctx); err != nil {
				_ = conn.CloseHard()
			}
		},
		MaxSize: cfg.MaxConns,
	})
	if err != nil {
		return nil, err
	}
	return &Pool[C]{p: p, cfg: cfg}, nil
}

// NewPostgres creates a pool of PostgreSQL connections with the standard
// reuse rule: a connection goes back to the pool only when it has no
// outstanding readiness replies and no open transaction.
func NewPostgres(opts *postgres.Options, maxConns int32) (*Pool[*postgres.Conn], error) {
	return New(Config[*postgres.Conn]{
		Connect: func(ctx context.Context) (*postgres.Conn, error) {
			return postgres.ConnectOptions(ctx, opts)
		},
		TxManager: postgres.TxManager{},
		MaxConns:  maxConns,
		Reusable: func(c *postgres.Conn) bool {
			return c.PendingReplies() == 0 && c.TxDepth() == 0 && c.TxStatus() != postgres.TxFailed
		},
	})
}

// Conn is a pooled connection. Release returns it to the pool; failing
// to release exhausts the pool.
type Conn[C driver.Connection] struct {
	res      *puddle.Resource[C]
	pool     *Pool[C]
	released bool
}

// Conn returns the underlying backend connection. The caller must not
// retain it past Release.
func (pc *Conn[C]) Conn() C {
	return pc.res.Value()
}

// Release returns the connection to the pool, destroying it instead if
// it is not safe to reuse. It is safe to call Release multiple times.
func (pc *Conn[C]) Release() {
	if pc.released {
		return
	}
	pc.released = true

	if pc.pool.cfg.Reusable != nil && !pc.pool.cfg.Reusable(pc.res.Value()) {
		pc.res.Destroy()
		return
	}
	pc.res.Release()
}

// Acquire takes a connection from the pool, connecting if the pool is
// below capacity. It blocks until a connection is available or ctx is
// done.
func (p *Pool[C]) Acquire(ctx context.Context) (*Conn[C], error) {
	res, err := p.p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn[C]{res: res, pool: p}, nil
}

// Begin acquires a connection and opens a pool-owned transaction guard
// on it. Resolving the guard (or abandoning it) releases the connection
// back to the pool.
func (p *Pool[C]) Begin(ctx context.Context) (*driver.Tx[C], error) {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return driver.BeginPooled(ctx, pc.Conn(), p.cfg.TxManager, pc.Release)
}

// Stat reports pool statistics.
func (p *Pool[C]) Stat() *puddle.Stat {
	return p.p.Stat()
}

// Close destroys all idle connections and prevents new acquires. It
// blocks until every acquired connection is released or destroyed.
func (p *Pool[C]) Close() {
	p.p.Close()
}
