package postgres

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/jackc/pgmock"
	pgproto3 "github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justjake/sqlink/pkg/driver"
	"github.com/justjake/sqlink/pkg/pgtest"
)

func textField(name string, oid uint32) pgproto3.FieldDescription {
	return pgproto3.FieldDescription{
		Name:         []byte(name),
		DataTypeOID:  oid,
		DataTypeSize: -1,
		TypeModifier: -1,
	}
}

// startConn builds a scripted server, starts it, and connects. The steps
// must include the shutdown tail the test intends to drive.
func startConn(t *testing.T, steps ...pgmock.Step) (*Conn, *pgtest.Server) {
	t.Helper()

	srv := pgtest.NewServer(t, steps...)
	srv.Start()

	conn, err := Connect(context.Background(), srv.URL())
	require.NoError(t, err)
	return conn, srv
}

func closeSteps() []pgmock.Step {
	return []pgmock.Step{
		pgtest.ExpectTerminate(),
		pgtest.WaitForClose(),
	}
}

func concatSteps(groups ...[]pgmock.Step) []pgmock.Step {
	var steps []pgmock.Step
	for _, g := range groups {
		steps = append(steps, g...)
	}
	return steps
}

func TestConnect_Handshake(t *testing.T) {
	conn, srv := startConn(t, concatSteps(
		pgtest.StartupSteps(),
		closeSteps(),
	)...)

	assert.Equal(t, TxIdle, conn.TxStatus())
	assert.Equal(t, uint32(0), conn.TxDepth())
	assert.Equal(t, uint32(0), conn.PendingReplies())
	assert.False(t, conn.ShouldFlush())
	assert.Equal(t, 0, conn.CachedStatementsSize())

	require.NoError(t, conn.Close(context.Background()))
	srv.Wait()

	// Close is idempotent, and a consumed connection rejects commands.
	require.NoError(t, conn.Close(context.Background()))
	_, err := conn.Exec(context.Background(), "SELECT 1")
	var connErr *driver.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "exec", connErr.Op)
}

func TestConnect_UnreachableHost(t *testing.T) {
	// Grab a port that nothing listens on.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	_, err = Connect(context.Background(), "postgres://u@"+addr+"/db?sslmode=disable")
	var connErr *driver.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "connect", connErr.Op)
}

func TestConn_Ping(t *testing.T) {
	conn, srv := startConn(t, concatSteps(
		pgtest.StartupSteps(),
		[]pgmock.Step{
			pgtest.ExpectSync(),
			pgtest.SendReadyForQuery('I'),
		},
		closeSteps(),
	)...)

	require.NoError(t, conn.Ping(context.Background()))
	assert.Equal(t, uint32(0), conn.PendingReplies())

	require.NoError(t, conn.Close(context.Background()))
	srv.Wait()
}

func TestConn_ExecRows(t *testing.T) {
	conn, srv := startConn(t, concatSteps(
		pgtest.StartupSteps(),
		[]pgmock.Step{
			pgtest.ExpectQuery("SELECT id, name FROM widgets"),
			pgtest.SendRowDescription(textField("id", 23), textField("name", 25)),
			pgtest.SendDataRow([]byte("1"), []byte("bolt")),
			pgtest.SendDataRow([]byte("2"), nil),
			pgtest.SendCommandComplete("SELECT 2"),
			pgtest.SendReadyForQuery('I'),
		},
		closeSteps(),
	)...)

	res, err := conn.Exec(context.Background(), "SELECT id, name FROM widgets")
	require.NoError(t, err)

	cols := res.Columns()
	require.Len(t, cols, 2)
	assert.Equal(t, "id", cols[0].Name())
	assert.Equal(t, "int4", cols[0].Type().Name())
	assert.Equal(t, "name", cols[1].Name())
	assert.Equal(t, "text", cols[1].Type().Name())

	rows := res.Rows()
	require.Len(t, rows, 2)
	require.Equal(t, 2, rows[0].Len())
	assert.Equal(t, []byte("1"), rows[0].Value(0).Bytes())
	assert.Equal(t, []byte("bolt"), rows[0].Value(1).Bytes())
	assert.False(t, rows[0].Value(1).IsNull())
	assert.True(t, rows[1].Value(1).IsNull())
	assert.Equal(t, "text", rows[1].Value(1).Type().Name())

	assert.Equal(t, int64(2), res.RowsAffected())
	assert.Equal(t, uint32(0), conn.PendingReplies())

	require.NoError(t, conn.Close(context.Background()))
	srv.Wait()
}

func TestConn_ExecServerError(t *testing.T) {
	conn, srv := startConn(t, concatSteps(
		pgtest.StartupSteps(),
		[]pgmock.Step{
			pgtest.ExpectQuery("SELECT nope"),
			pgtest.SendError("ERROR", "42703", `column "nope" does not exist`),
			pgtest.SendReadyForQuery('I'),
			// Stream stays aligned: the next command still works.
			pgtest.ExpectQuery("SELECT 1"),
			pgtest.SendCommandComplete("SELECT 1"),
			pgtest.SendReadyForQuery('I'),
		},
		closeSteps(),
	)...)

	_, err := conn.Exec(context.Background(), "SELECT nope")
	var pgErr *PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "42703", pgErr.Code)
	assert.Equal(t, uint32(0), conn.PendingReplies())

	_, err = conn.Exec(context.Background(), "SELECT 1")
	require.NoError(t, err)

	require.NoError(t, conn.Close(context.Background()))
	srv.Wait()
}

func TestConn_NestedTransactionScenario(t *testing.T) {
	conn, srv := startConn(t, concatSteps(
		pgtest.StartupSteps(),
		pgtest.CommandSteps("BEGIN", "BEGIN", 'T'),
		pgtest.CommandSteps("SAVEPOINT _sqlink_savepoint_1", "SAVEPOINT", 'T'),
		pgtest.CommandSteps("ROLLBACK TO SAVEPOINT _sqlink_savepoint_1", "ROLLBACK", 'T'),
		pgtest.CommandSteps("COMMIT", "COMMIT", 'I'),
		closeSteps(),
	)...)
	ctx := context.Background()

	outer, err := conn.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), conn.TxDepth())
	assert.Equal(t, TxInTransaction, conn.TxStatus())

	inner, err := conn.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), conn.TxDepth())

	require.NoError(t, inner.Rollback(ctx))
	assert.Equal(t, uint32(1), conn.TxDepth())

	require.NoError(t, outer.Commit(ctx))
	assert.Equal(t, uint32(0), conn.TxDepth())
	assert.Equal(t, TxIdle, conn.TxStatus())

	require.NoError(t, conn.Close(ctx))
	srv.Wait()
}

func TestConn_AbandonedGuardQueuesRollback(t *testing.T) {
	conn, srv := startConn(t, concatSteps(
		pgtest.StartupSteps(),
		pgtest.CommandSteps("BEGIN", "BEGIN", 'T'),
		pgtest.CommandSteps("ROLLBACK", "ROLLBACK", 'I'),
		closeSteps(),
	)...)
	ctx := context.Background()

	tx, err := conn.Begin(ctx)
	require.NoError(t, err)

	// Abandoning the guard queues the rollback without touching the wire.
	tx.Close()
	assert.Equal(t, uint32(0), conn.TxDepth())
	assert.True(t, conn.ShouldFlush())
	assert.Equal(t, uint32(1), conn.PendingReplies())

	require.NoError(t, conn.Flush(ctx))
	assert.False(t, conn.ShouldFlush())
	assert.Equal(t, uint32(0), conn.PendingReplies())
	assert.Equal(t, TxIdle, conn.TxStatus())

	require.NoError(t, conn.Close(ctx))
	srv.Wait()
}

func TestConn_ExecDrainsQueuedRepliesFirst(t *testing.T) {
	conn, srv := startConn(t, concatSteps(
		pgtest.StartupSteps(),
		pgtest.CommandSteps("BEGIN", "BEGIN", 'T'),
		[]pgmock.Step{
			// The queued rollback fails on the server. Its error belongs
			// to nobody and must not leak into the next Exec's result.
			pgtest.ExpectQuery("ROLLBACK"),
			pgtest.SendError("ERROR", "57P01", "terminating connection, just kidding"),
			pgtest.SendReadyForQuery('I'),
			pgtest.ExpectQuery("SELECT 1"),
			pgtest.SendRowDescription(textField("?column?", 23)),
			pgtest.SendDataRow([]byte("1")),
			pgtest.SendCommandComplete("SELECT 1"),
			pgtest.SendReadyForQuery('I'),
		},
		closeSteps(),
	)...)
	ctx := context.Background()

	tx, err := conn.Begin(ctx)
	require.NoError(t, err)
	tx.Close()

	res, err := conn.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Len(t, res.Rows(), 1)
	assert.Equal(t, uint32(0), conn.PendingReplies())

	require.NoError(t, conn.Close(ctx))
	srv.Wait()
}

func prepareSteps(name, sql string, fields ...pgproto3.FieldDescription) []pgmock.Step {
	steps := []pgmock.Step{
		pgtest.ExpectParse(name, sql),
		pgtest.ExpectDescribeStatement(name),
		pgtest.ExpectSync(),
		pgtest.SendParseComplete(),
		pgtest.SendParameterDescription(),
	}
	if len(fields) > 0 {
		steps = append(steps, pgtest.SendRowDescription(fields...))
	} else {
		steps = append(steps, pgtest.SendNoData())
	}
	return append(steps, pgtest.SendReadyForQuery('I'))
}

func TestConn_PrepareCachesStatement(t *testing.T) {
	const sql = "SELECT id FROM widgets WHERE id = $1"
	conn, srv := startConn(t, concatSteps(
		pgtest.StartupSteps(),
		[]pgmock.Step{
			pgtest.ExpectParse("sqlink_s0", sql),
			pgtest.ExpectDescribeStatement("sqlink_s0"),
			pgtest.ExpectSync(),
			pgtest.SendParseComplete(),
			pgtest.SendParameterDescription(23),
			pgtest.SendRowDescription(textField("id", 23)),
			pgtest.SendReadyForQuery('I'),
		},
		closeSteps(),
	)...)
	ctx := context.Background()

	stmt, err := conn.Prepare(ctx, sql)
	require.NoError(t, err)
	assert.Equal(t, "sqlink_s0", stmt.Name)
	assert.Equal(t, sql, stmt.SQL)
	assert.Equal(t, []uint32{23}, stmt.ParameterOIDs)
	require.NotNil(t, stmt.Columns)
	require.Len(t, stmt.Columns.Fields, 1)
	assert.Equal(t, "id", stmt.Columns.Fields[0].ColumnName)
	assert.Equal(t, 1, conn.CachedStatementsSize())

	// Second call is a cache hit: same statement, no wire traffic.
	again, err := conn.Prepare(ctx, sql)
	require.NoError(t, err)
	assert.Same(t, stmt, again)
	assert.Equal(t, 1, conn.CachedStatementsSize())

	require.NoError(t, conn.Close(ctx))
	srv.Wait()
}

func TestConn_PrepareSharesColumnMetadata(t *testing.T) {
	fields := []pgproto3.FieldDescription{textField("id", 23), textField("name", 25)}
	conn, srv := startConn(t, concatSteps(
		pgtest.StartupSteps(),
		prepareSteps("sqlink_s0", "SELECT id, name FROM widgets", fields...),
		prepareSteps("sqlink_s1", "SELECT id, name FROM widgets ORDER BY id", fields...),
		closeSteps(),
	)...)
	ctx := context.Background()

	first, err := conn.Prepare(ctx, "SELECT id, name FROM widgets")
	require.NoError(t, err)
	second, err := conn.Prepare(ctx, "SELECT id, name FROM widgets ORDER BY id")
	require.NoError(t, err)

	// Identical result shapes share one interned metadata value.
	require.NotNil(t, first.Columns)
	assert.Same(t, first.Columns, second.Columns)
	assert.Equal(t, 2, first.Columns.Refs())

	require.NoError(t, conn.Close(ctx))
	srv.Wait()
}

func TestConn_PrepareEvictsLazily(t *testing.T) {
	conn, srv := startConn(t, concatSteps(
		pgtest.StartupSteps(),
		prepareSteps("sqlink_s0", "SELECT 0"),
		prepareSteps("sqlink_s1", "SELECT 1"),
		[]pgmock.Step{
			// Preparing a third statement over capacity 2 queues a Close
			// for the evicted one; it rides along with the next batch.
			pgtest.ExpectParse("sqlink_s2", "SELECT 2"),
			pgtest.ExpectDescribeStatement("sqlink_s2"),
			pgtest.ExpectSync(),
			pgtest.SendParseComplete(),
			pgtest.SendParameterDescription(),
			pgtest.SendNoData(),
			pgtest.SendReadyForQuery('I'),
			pgtest.ExpectCloseStatement("sqlink_s0"),
			pgtest.ExpectSync(),
			pgtest.SendCloseComplete(),
			pgtest.SendReadyForQuery('I'),
		},
		closeSteps(),
	)...)
	ctx := context.Background()
	conn.stmts = NewStmtCache(2)

	_, err := conn.Prepare(ctx, "SELECT 0")
	require.NoError(t, err)
	_, err = conn.Prepare(ctx, "SELECT 1")
	require.NoError(t, err)
	_, err = conn.Prepare(ctx, "SELECT 2")
	require.NoError(t, err)
	assert.Equal(t, 2, conn.CachedStatementsSize())
	assert.True(t, conn.ShouldFlush(), "evicted statement close should be buffered")

	require.NoError(t, conn.Ping(ctx))
	assert.Equal(t, uint32(0), conn.PendingReplies())
	assert.Equal(t, 0, conn.pendingCloses)

	require.NoError(t, conn.Close(ctx))
	srv.Wait()
}

func TestConn_ClearCachedStatements(t *testing.T) {
	fields := []pgproto3.FieldDescription{textField("id", 23)}
	conn, srv := startConn(t, concatSteps(
		pgtest.StartupSteps(),
		prepareSteps("sqlink_s0", "SELECT 0", fields...),
		prepareSteps("sqlink_s1", "SELECT 1", fields...),
		[]pgmock.Step{
			pgtest.ExpectCloseStatement("sqlink_s0"),
			pgtest.ExpectCloseStatement("sqlink_s1"),
			pgtest.ExpectSync(),
			pgtest.SendCloseComplete(),
			pgtest.SendCloseComplete(),
			pgtest.SendReadyForQuery('I'),
		},
		closeSteps(),
	)...)
	ctx := context.Background()

	first, err := conn.Prepare(ctx, "SELECT 0")
	require.NoError(t, err)
	second, err := conn.Prepare(ctx, "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, 2, conn.CachedStatementsSize())
	assert.Same(t, first.Columns, second.Columns)

	require.NoError(t, conn.ClearCachedStatements(ctx))
	assert.Equal(t, 0, conn.CachedStatementsSize())
	assert.Equal(t, uint32(0), conn.PendingReplies())
	assert.Equal(t, 0, first.Columns.Refs())

	// Clearing an empty cache is a no-op with no wire traffic.
	require.NoError(t, conn.ClearCachedStatements(ctx))

	require.NoError(t, conn.Close(ctx))
	srv.Wait()
}

func TestConn_ClearCachedStatementsAfterLazyEviction(t *testing.T) {
	conn, srv := startConn(t, concatSteps(
		pgtest.StartupSteps(),
		prepareSteps("sqlink_s0", "SELECT 0"),
		prepareSteps("sqlink_s1", "SELECT 1"),
		[]pgmock.Step{
			// The eviction Close for s0 is still buffered when Clear runs,
			// so it flushes ahead of the Clear batch and its CloseComplete
			// arrives with the batch's replies.
			pgtest.ExpectCloseStatement("sqlink_s0"),
			pgtest.ExpectCloseStatement("sqlink_s1"),
			pgtest.ExpectSync(),
			pgtest.SendCloseComplete(),
			pgtest.SendCloseComplete(),
			pgtest.SendReadyForQuery('I'),
		},
		closeSteps(),
	)...)
	ctx := context.Background()
	conn.stmts = NewStmtCache(1)

	_, err := conn.Prepare(ctx, "SELECT 0")
	require.NoError(t, err)
	_, err = conn.Prepare(ctx, "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, 1, conn.CachedStatementsSize())
	require.True(t, conn.ShouldFlush(), "eviction close should be buffered")

	require.NoError(t, conn.ClearCachedStatements(ctx))
	assert.Equal(t, 0, conn.CachedStatementsSize())
	assert.Equal(t, 0, conn.pendingCloses)
	assert.Equal(t, uint32(0), conn.PendingReplies())

	require.NoError(t, conn.Close(ctx))
	srv.Wait()
}

func TestConn_RollbackAtDepthZeroIsNoOp(t *testing.T) {
	conn, srv := startConn(t, concatSteps(
		pgtest.StartupSteps(),
		closeSteps(),
	)...)
	ctx := context.Background()

	require.NoError(t, TxManager{}.Rollback(ctx, conn))
	require.NoError(t, TxManager{}.Commit(ctx, conn))
	require.NoError(t, TxManager{}.StartRollback(conn))
	assert.Equal(t, uint32(0), conn.TxDepth())
	assert.False(t, conn.ShouldFlush())

	require.NoError(t, conn.Close(ctx))
	srv.Wait()
}

func TestConn_TransactionHelper(t *testing.T) {
	conn, srv := startConn(t, concatSteps(
		pgtest.StartupSteps(),
		pgtest.CommandSteps("BEGIN", "BEGIN", 'T'),
		pgtest.CommandSteps("INSERT INTO widgets VALUES (1)", "INSERT 0 1", 'T'),
		pgtest.CommandSteps("COMMIT", "COMMIT", 'I'),
		pgtest.CommandSteps("BEGIN", "BEGIN", 'T'),
		pgtest.CommandSteps("ROLLBACK", "ROLLBACK", 'I'),
		closeSteps(),
	)...)
	ctx := context.Background()

	err := driver.Transaction(ctx, conn, TxManager{}, func(ctx context.Context, tx *driver.Tx[*Conn]) error {
		_, err := tx.Conn().Exec(ctx, "INSERT INTO widgets VALUES (1)")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), conn.TxDepth())

	errBoom := errors.New("boom")
	err = driver.Transaction(ctx, conn, TxManager{}, func(ctx context.Context, tx *driver.Tx[*Conn]) error {
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, uint32(0), conn.TxDepth())
	assert.Equal(t, TxIdle, conn.TxStatus())

	require.NoError(t, conn.Close(ctx))
	srv.Wait()
}

func TestConn_CloseHard(t *testing.T) {
	conn, srv := startConn(t, concatSteps(
		pgtest.StartupSteps(),
		[]pgmock.Step{pgtest.WaitForClose()},
	)...)

	require.NoError(t, conn.CloseHard())
	require.NoError(t, conn.CloseHard())
	srv.Wait()

	err := conn.Ping(context.Background())
	var connErr *driver.ConnectionError
	require.ErrorAs(t, err, &connErr)
}
