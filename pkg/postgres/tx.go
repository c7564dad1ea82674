package postgres

import (
	"context"
	"strconv"

	"github.com/justjake/sqlink/pkg/driver"
)

// TxManager selects the transaction boundary command for a connection's
// current nesting depth: a real BEGIN/COMMIT/ROLLBACK at the outermost
// level, savepoint commands inside. All state lives on the Conn, so the
// manager itself is a zero-size value.
type TxManager struct{}

var _ driver.TxManager[*Conn] = TxManager{}

// savepointName returns the depth-keyed savepoint identifier. The
// mapping is stable for the life of a connection, so names never collide
// across nesting levels.
func savepointName(depth uint32) string {
	return "_sqlink_savepoint_" + strconv.FormatUint(uint64(depth), 10)
}

func beginSQL(depth uint32) string {
	if depth == 0 {
		return "BEGIN"
	}
	return "SAVEPOINT " + savepointName(depth)
}

func commitSQL(depth uint32) string {
	if depth == 1 {
		return "COMMIT"
	}
	return "RELEASE SAVEPOINT " + savepointName(depth-1)
}

func rollbackSQL(depth uint32) string {
	if depth == 1 {
		return "ROLLBACK"
	}
	return "ROLLBACK TO SAVEPOINT " + savepointName(depth-1)
}

// Begin opens a transaction (depth 0) or savepoint (depth > 0). The
// depth is incremented only after the server acknowledges the command.
func (TxManager) Begin(ctx context.Context, conn *Conn) error {
	if _, err := conn.Exec(ctx, beginSQL(conn.txDepth)); err != nil {
		return err
	}
	conn.txDepth++
	return nil
}

// Commit resolves the innermost level. At depth 0 there is nothing to
// commit and no command is sent.
func (TxManager) Commit(ctx context.Context, conn *Conn) error {
	if conn.txDepth == 0 {
		return nil
	}
	if _, err := conn.Exec(ctx, commitSQL(conn.txDepth)); err != nil {
		return err
	}
	conn.txDepth--
	return nil
}

// Rollback is symmetric to Commit.
func (TxManager) Rollback(ctx context.Context, conn *Conn) error {
	if conn.txDepth == 0 {
		return nil
	}
	if _, err := conn.Exec(ctx, rollbackSQL(conn.txDepth)); err != nil {
		return err
	}
	conn.txDepth--
	return nil
}

// StartRollback queues the rollback command without flushing or awaiting
// the server's reply, for cleanup paths where no caller remains to wait.
// The pending-reply count covers the outstanding acknowledgement, so a
// later Flush or Ping drains it before the connection reports ready.
func (TxManager) StartRollback(conn *Conn) error {
	if conn.txDepth == 0 {
		return nil
	}
	if err := conn.queueExec(rollbackSQL(conn.txDepth)); err != nil {
		return err
	}
	conn.txDepth--
	return nil
}
