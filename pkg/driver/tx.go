package driver

import (
	"context"
	"fmt"
	"log/slog"
)

// Tx is a scoped handle for an open transaction. It borrows its
// Connection exclusively: route all statements through Conn() until the
// guard is resolved.
//
// A guard must be resolved exactly once, by Commit, Rollback, or Close.
// The idiomatic shape is:
//
//	tx, err := driver.Begin(ctx, conn, mgr)
//	if err != nil {
//		return err
//	}
//	defer tx.Close()
//	// ... work ...
//	return tx.Commit(ctx)
//
// Close after Commit is a no-op, so the deferred call guarantees a
// rollback on every early-return and error path without double-resolving.
type Tx[C Connection] struct {
	conn C
	mgr  TxManager[C]
	open bool

	// release returns a pool-owned connection to its pool. Nil for
	// guards over a directly-borrowed connection.
	release func()

	logger *slog.Logger
}

// Begin opens a transaction level on conn and returns its guard. On
// failure no guard exists and the connection's depth is unchanged.
func Begin[C Connection](ctx context.Context, conn C, mgr TxManager[C]) (*Tx[C], error) {
	return begin(ctx, conn, mgr, nil)
}

// BeginPooled is Begin for a pool-owned connection: release is invoked
// exactly once when the guard resolves (or immediately, if begin fails),
// returning the connection to its pool.
func BeginPooled[C Connection](ctx context.Context, conn C, mgr TxManager[C], release func()) (*Tx[C], error) {
	return begin(ctx, conn, mgr, release)
}

func begin[C Connection](ctx context.Context, conn C, mgr TxManager[C], release func()) (*Tx[C], error) {
	if err := mgr.Begin(ctx, conn); err != nil {
		if release != nil {
			release()
		}
		return nil, err
	}
	return &Tx[C]{
		conn:    conn,
		mgr:     mgr,
		open:    true,
		release: release,
		logger:  slog.Default(),
	}, nil
}

// Conn returns the guarded connection. The caller must not retain it
// past the guard's resolution.
func (tx *Tx[C]) Conn() C {
	return tx.conn
}

// Open reports whether the guard still awaits resolution.
func (tx *Tx[C]) Open() bool {
	return tx.open
}

// Commit resolves the guard by committing the innermost transaction
// level. The guard is consumed even if the commit fails; a failed commit
// is never retried. Calling Commit on a resolved guard returns
// ErrTxClosed.
func (tx *Tx[C]) Commit(ctx context.Context) error {
	if !tx.open {
		return ErrTxClosed
	}
	tx.open = false
	err := tx.mgr.Commit(ctx, tx.conn)
	tx.released()
	return err
}

// Rollback resolves the guard by rolling back the innermost transaction
// level. Calling Rollback on a resolved guard returns ErrTxClosed.
func (tx *Tx[C]) Rollback(ctx context.Context) error {
	if !tx.open {
		return ErrTxClosed
	}
	tx.open = false
	err := tx.mgr.Rollback(ctx, tx.conn)
	tx.released()
	return err
}

// Close resolves an abandoned guard. If the guard is still open it queues
// a rollback via the manager's non-blocking StartRollback path; there is
// no caller left to await the reply, so a failure is logged rather than
// returned. Close on a resolved guard does nothing.
func (tx *Tx[C]) Close() {
	if !tx.open {
		return
	}
	tx.open = false
	if err := tx.mgr.StartRollback(tx.conn); err != nil {
		tx.logger.Warn("rollback of abandoned transaction failed", "error", err)
	}
	tx.released()
}

func (tx *Tx[C]) released() {
	if tx.release != nil {
		release := tx.release
		tx.release = nil
		release()
	}
}

// Transaction runs fn inside a transaction on conn: it begins a guard,
// commits if fn returns nil, and rolls back and returns fn's error
// otherwise. Errors from the driver and from fn arrive wrapped, so
// callers can errors.As/Is through them.
func Transaction[C Connection](ctx context.Context, conn C, mgr TxManager[C], fn func(ctx context.Context, tx *Tx[C]) error) error {
	tx, err := Begin(ctx, conn, mgr)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Close()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != ErrTxClosed {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if err == ErrTxClosed {
			// fn resolved the guard itself.
			return nil
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
