package postgres

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/justjake/sqlink/pkg/driver"
)

var errConnClosed = errors.New("connection is closed")

// Conn is one session with a PostgreSQL server. It exclusively owns its
// wire stream: no other component reads or writes the transport while
// the Conn is alive.
//
// A Conn is not internally synchronized. It assumes one logical task
// uses it at a time; hold multiple Conns for concurrency. If a context
// cancels an operation mid-flight the protocol state is indeterminate:
// complete a full readiness round trip (Flush or Ping) or close the
// connection before reuse.
type Conn struct {
	opts     *Options
	netConn  net.Conn
	frontend *pgproto3.Frontend

	// pendingSends counts messages buffered in the frontend but not yet
	// written to the transport.
	pendingSends int

	// pendingReady counts outstanding ReadyForQuery replies. The
	// connection is not ready for a pool or a new command sequence until
	// it reaches zero.
	pendingReady uint32

	// pendingCloses counts Close commands queued lazily for evicted
	// statements whose CloseComplete has not been consumed yet. Their
	// acknowledgements ride along with whatever batch flushes next.
	pendingCloses int

	processID         uint32
	secretKey         uint32
	parameterStatuses map[string]string

	txDepth  uint32
	txStatus TxStatus

	stmts   *StmtCache
	columns columnInterner
	stmtSeq uint64

	logger *slog.Logger
	closed bool
}

var _ driver.Connection = (*Conn)(nil)

// Connect parses url and establishes a connection.
func Connect(ctx context.Context, url string) (*Conn, error) {
	opts, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	return ConnectOptions(ctx, opts)
}

// ConnectOptions dials the server, negotiates TLS per the sslmode,
// performs the startup/authentication handshake, and waits for the
// server's first readiness message. On any failure no usable Conn is
// returned and the transport is closed.
func ConnectOptions(ctx context.Context, opts *Options) (*Conn, error) {
	password, err := opts.password(ctx)
	if err != nil {
		return nil, err
	}

	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", opts.addr())
	if err != nil {
		return nil, &driver.ConnectionError{Op: "connect", Err: err}
	}

	netConn, err = negotiateTLS(ctx, netConn, opts)
	if err != nil {
		netConn.Close()
		return nil, err
	}

	c := &Conn{
		opts:              opts,
		netConn:           netConn,
		frontend:          pgproto3.NewFrontend(netConn, netConn),
		parameterStatuses: make(map[string]string),
		txStatus:          TxIdle,
		stmts:             NewStmtCache(opts.cacheCapacity()),
		columns:           newColumnInterner(),
	}
	c.logger = slog.Default().With("component", "postgres", "addr", opts.addr())

	if err := c.startup(ctx, password); err != nil {
		c.netConn.Close()
		return nil, err
	}
	return c, nil
}

// negotiateTLS performs the SSLRequest exchange. The server answers with
// a single byte: 'S' to proceed with TLS, 'N' to decline.
func negotiateTLS(ctx context.Context, netConn net.Conn, opts *Options) (net.Conn, error) {
	if opts.SSLMode == SSLDisable {
		return netConn, nil
	}

	if dl, ok := ctx.Deadline(); ok {
		if err := netConn.SetDeadline(dl); err != nil {
			return nil, &driver.ConnectionError{Op: "connect", Err: err}
		}
	}

	request, err := (&pgproto3.SSLRequest{}).Encode(nil)
	if err != nil {
		return nil, &driver.ConnectionError{Op: "connect", Err: err}
	}
	if _, err := netConn.Write(request); err != nil {
		return nil, &driver.ConnectionError{Op: "connect", Err: err}
	}

	var answer [1]byte
	if _, err := netConn.Read(answer[:]); err != nil {
		return nil, &driver.ConnectionError{Op: "connect", Err: err}
	}

	switch answer[0] {
	case 'S':
		// Matches libpq sslmode=require: encrypt without verifying the
		// server certificate.
		tlsConn := tls.Client(netConn, &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: true,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, &driver.ConnectionError{Op: "connect", Err: fmt.Errorf("tls handshake: %w", err)}
		}
		return tlsConn, nil
	case 'N':
		if opts.SSLMode == SSLRequire {
			return nil, &driver.ConnectionError{Op: "connect", Err: errors.New("server refused TLS and sslmode=require")}
		}
		return netConn, nil
	default:
		return nil, &driver.ProtocolError{Msg: fmt.Sprintf("unexpected SSLRequest response %q", answer[0])}
	}
}

// startup sends the startup message, authenticates, and consumes server
// state (ParameterStatus, BackendKeyData) until the first ReadyForQuery.
func (c *Conn) startup(ctx context.Context, password string) error {
	params := map[string]string{
		"user":     c.opts.User,
		"database": c.opts.Database,
	}
	for k, v := range c.opts.RuntimeParams {
		params[k] = v
	}

	c.send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      params,
	})
	if err := c.flushWire(ctx); err != nil {
		return err
	}

	if err := c.authenticate(ctx, password); err != nil {
		return err
	}

	for {
		msg, err := c.receive(ctx)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.BackendKeyData:
			c.processID = m.ProcessID
			c.secretKey = m.SecretKey
		case *pgproto3.ParameterStatus:
			c.parameterStatuses[m.Name] = m.Value
		case *pgproto3.NoticeResponse:
		case *pgproto3.ReadyForQuery:
			c.txStatus = TxStatus(m.TxStatus)
			return nil
		case *pgproto3.ErrorResponse:
			return &driver.ConnectionError{Op: "connect", Err: pgErrorFromResponse(m)}
		default:
			return unexpectedMessage("startup", msg)
		}
	}
}

// ProcessID returns the server backend process ID from BackendKeyData.
func (c *Conn) ProcessID() uint32 { return c.processID }

// SecretKey returns the cancellation key from BackendKeyData.
func (c *Conn) SecretKey() uint32 { return c.secretKey }

// TxDepth returns the current transaction nesting depth.
func (c *Conn) TxDepth() uint32 { return c.txDepth }

// TxStatus returns the transaction status from the most recent
// ReadyForQuery message.
func (c *Conn) TxStatus() TxStatus { return c.txStatus }

// PendingReplies returns the number of outstanding readiness replies.
// A pool must not reuse the connection until this is zero.
func (c *Conn) PendingReplies() uint32 { return c.pendingReady }

// ParameterStatus returns the server-reported value of a runtime
// parameter such as server_version.
func (c *Conn) ParameterStatus(name string) string {
	return c.parameterStatuses[name]
}

// Begin opens a transaction level on this connection and returns its
// guard.
func (c *Conn) Begin(ctx context.Context) (*driver.Tx[*Conn], error) {
	return driver.Begin(ctx, c, TxManager{})
}

// send buffers msg in the frontend without writing to the transport.
func (c *Conn) send(msg pgproto3.FrontendMessage) {
	c.frontend.Send(msg)
	c.pendingSends++
}

// queueExec buffers a simple query and records its outstanding readiness
// reply, without flushing. Used by the fire-and-forget rollback path.
func (c *Conn) queueExec(sql string) error {
	if c.closed {
		return &driver.ConnectionError{Op: "exec", Err: errConnClosed}
	}
	c.send(&pgproto3.Query{String: sql})
	c.pendingReady++
	return nil
}

// flushWire writes all buffered messages to the transport. It does not
// wait for replies.
func (c *Conn) flushWire(ctx context.Context) error {
	if c.pendingSends == 0 {
		return nil
	}
	if err := c.ioDeadline(ctx); err != nil {
		return &driver.ConnectionError{Op: "flush", Err: err}
	}
	if err := c.frontend.Flush(); err != nil {
		return &driver.ConnectionError{Op: "flush", Err: err}
	}
	c.pendingSends = 0
	return nil
}

func (c *Conn) receive(ctx context.Context) (pgproto3.BackendMessage, error) {
	if err := c.ioDeadline(ctx); err != nil {
		return nil, &driver.ConnectionError{Op: "receive", Err: err}
	}
	msg, err := c.frontend.Receive()
	if err != nil {
		return nil, &driver.ConnectionError{Op: "receive", Err: err}
	}
	return msg, nil
}

// ioDeadline applies the context's deadline to the transport ahead of a
// blocking operation.
func (c *Conn) ioDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		return c.netConn.SetDeadline(dl)
	}
	return c.netConn.SetDeadline(time.Time{})
}

// handleReadyForQuery accounts for one readiness reply and adopts the
// server's view of the transaction status.
func (c *Conn) handleReadyForQuery(msg *pgproto3.ReadyForQuery) {
	if c.pendingReady > 0 {
		c.pendingReady--
	}
	c.txStatus = TxStatus(msg.TxStatus)
}

// handleCloseComplete accounts for the acknowledgement of one lazily
// queued statement Close.
func (c *Conn) handleCloseComplete() {
	if c.pendingCloses > 0 {
		c.pendingCloses--
	}
}

// drainUntil consumes replies in arrival order until the outstanding
// readiness count drops to target. Replies belong to commands nobody is
// waiting on anymore (rollbacks queued at guard abandonment, statement
// closes), so server errors among them cannot be surfaced to a caller;
// they are logged and discarded. Transport errors propagate.
func (c *Conn) drainUntil(ctx context.Context, target uint32) error {
	for c.pendingReady > target {
		msg, err := c.receive(ctx)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.ReadyForQuery:
			c.handleReadyForQuery(m)
		case *pgproto3.ErrorResponse:
			c.logger.Warn("discarding error reply to an unawaited command", "error", pgErrorFromResponse(m))
		case *pgproto3.CloseComplete:
			c.handleCloseComplete()
		case *pgproto3.ParameterStatus:
			c.parameterStatuses[m.Name] = m.Value
		default:
			// Results of commands nobody is waiting on.
		}
	}
	return nil
}

// ShouldFlush reports whether buffered outbound data is waiting to be
// written. It never performs I/O; callers use it to decide whether to
// Flush before issuing a new request.
func (c *Conn) ShouldFlush() bool {
	return c.pendingSends > 0
}

// Flush writes buffered outbound data and waits until every outstanding
// readiness reply has arrived.
func (c *Conn) Flush(ctx context.Context) error {
	if c.closed {
		return &driver.ConnectionError{Op: "flush", Err: errConnClosed}
	}
	if err := c.flushWire(ctx); err != nil {
		return err
	}
	return c.drainUntil(ctx, 0)
}

// Ping issues a synchronization round trip and drains all outstanding
// readiness replies.
func (c *Conn) Ping(ctx context.Context) error {
	if c.closed {
		return &driver.ConnectionError{Op: "ping", Err: errConnClosed}
	}
	c.send(&pgproto3.Sync{})
	c.pendingReady++
	if err := c.flushWire(ctx); err != nil {
		return err
	}
	return c.drainUntil(ctx, 0)
}

// Exec runs sql with the simple query protocol and collects the result.
// Replies of previously queued fire-and-forget commands are drained
// first, so the result reflects only this statement. Exec always reads
// through the statement's ReadyForQuery, leaving the message stream
// aligned even on error.
func (c *Conn) Exec(ctx context.Context, sql string) (driver.QueryResult, error) {
	if c.closed {
		return nil, &driver.ConnectionError{Op: "exec", Err: errConnClosed}
	}

	c.send(&pgproto3.Query{String: sql})
	c.pendingReady++
	if err := c.flushWire(ctx); err != nil {
		return nil, err
	}
	if err := c.drainUntil(ctx, 1); err != nil {
		return nil, err
	}

	res := &Result{}
	var pgErr *PgError
	for {
		msg, err := c.receive(ctx)
		if err != nil {
			return nil, err
		}
		switch m := msg.(type) {
		case *pgproto3.RowDescription:
			res.columns = columnsFromFields(m.Fields)
		case *pgproto3.DataRow:
			res.rows = append(res.rows, rowFromDataRow(res.columns, m))
		case *pgproto3.CommandComplete:
			res.commandTag = string(m.CommandTag)
		case *pgproto3.EmptyQueryResponse:
		case *pgproto3.ErrorResponse:
			if pgErr == nil {
				pgErr = pgErrorFromResponse(m)
			}
		case *pgproto3.ReadyForQuery:
			c.handleReadyForQuery(m)
			if pgErr != nil {
				return nil, pgErr
			}
			return res, nil
		case *pgproto3.NoticeResponse, *pgproto3.NotificationResponse:
		case *pgproto3.ParameterStatus:
			c.parameterStatuses[m.Name] = m.Value
		case *pgproto3.CloseComplete:
			c.handleCloseComplete()
		default:
			return nil, unexpectedMessage("exec", msg)
		}
	}
}

// Prepare returns the cached prepared statement for sql, creating it on
// the server with an extended-query Parse/Describe round trip on a cache
// miss. Statements evicted to make room are closed lazily: their Close
// commands ride along with the next flushed batch.
func (c *Conn) Prepare(ctx context.Context, sql string) (*Statement, error) {
	if c.closed {
		return nil, &driver.ConnectionError{Op: "prepare", Err: errConnClosed}
	}

	fingerprint := Fingerprint(sql)
	if stmt, ok := c.stmts.Get(fingerprint); ok {
		return stmt, nil
	}

	name := fmt.Sprintf("sqlink_s%d", c.stmtSeq)
	c.stmtSeq++

	c.send(&pgproto3.Parse{Name: name, Query: sql})
	c.send(&pgproto3.Describe{ObjectType: 'S', Name: name})
	c.send(&pgproto3.Sync{})
	c.pendingReady++
	if err := c.flushWire(ctx); err != nil {
		return nil, err
	}
	if err := c.drainUntil(ctx, 1); err != nil {
		return nil, err
	}

	var (
		paramOIDs []uint32
		fields    []Column
		pgErr     *PgError
	)
	for {
		msg, err := c.receive(ctx)
		if err != nil {
			return nil, err
		}
		switch m := msg.(type) {
		case *pgproto3.ParseComplete:
		case *pgproto3.ParameterDescription:
			paramOIDs = slices.Clone(m.ParameterOIDs)
		case *pgproto3.RowDescription:
			fields = columnsFromFields(m.Fields)
		case *pgproto3.NoData:
		case *pgproto3.ErrorResponse:
			if pgErr == nil {
				pgErr = pgErrorFromResponse(m)
			}
		case *pgproto3.ReadyForQuery:
			c.handleReadyForQuery(m)
			if pgErr != nil {
				return nil, pgErr
			}
			stmt := &Statement{
				Name:          name,
				SQL:           sql,
				Fingerprint:   fingerprint,
				ParameterOIDs: paramOIDs,
			}
			if fields != nil {
				stmt.Columns = c.columns.intern(fields)
			}
			for _, evicted := range c.stmts.Put(stmt) {
				c.send(&pgproto3.Close{ObjectType: 'S', Name: evicted.Name})
				c.pendingCloses++
				c.columns.release(evicted.Columns)
			}
			return stmt, nil
		case *pgproto3.NoticeResponse:
		case *pgproto3.ParameterStatus:
			c.parameterStatuses[m.Name] = m.Value
		case *pgproto3.CloseComplete:
			c.handleCloseComplete()
		default:
			return nil, unexpectedMessage("prepare", msg)
		}
	}
}

// CachedStatementsSize reports the number of cached prepared statements.
func (c *Conn) CachedStatementsSize() int {
	return c.stmts.Len()
}

// ClearCachedStatements deallocates every cached statement on the server
// in one round trip: a Close command per entry, a single Sync, then one
// CloseComplete per entry and one ReadyForQuery on the way back. Close
// commands queued lazily by earlier evictions flush in the same batch,
// so their acknowledgements are expected too.
func (c *Conn) ClearCachedStatements(ctx context.Context) error {
	if c.closed {
		return &driver.ConnectionError{Op: "clear statements", Err: errConnClosed}
	}

	drained := c.stmts.Drain()
	if len(drained) == 0 {
		return nil
	}
	for _, stmt := range drained {
		c.send(&pgproto3.Close{ObjectType: 'S', Name: stmt.Name})
		c.columns.release(stmt.Columns)
	}
	c.send(&pgproto3.Sync{})
	c.pendingReady++
	if err := c.flushWire(ctx); err != nil {
		return err
	}
	if err := c.drainUntil(ctx, 1); err != nil {
		return err
	}

	expected := len(drained) + c.pendingCloses
	c.pendingCloses = 0
	awaiting := expected
	var pgErr *PgError
	for {
		msg, err := c.receive(ctx)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.CloseComplete:
			awaiting--
		case *pgproto3.ErrorResponse:
			if pgErr == nil {
				pgErr = pgErrorFromResponse(m)
			}
		case *pgproto3.ReadyForQuery:
			c.handleReadyForQuery(m)
			if pgErr != nil {
				return pgErr
			}
			if awaiting != 0 {
				return protocolErrorf("expected %d CloseComplete replies, %d missing at ReadyForQuery", expected, awaiting)
			}
			return nil
		case *pgproto3.NoticeResponse:
		case *pgproto3.ParameterStatus:
			c.parameterStatuses[m.Name] = m.Value
		default:
			return unexpectedMessage("clear statements", msg)
		}
	}
}

// Close terminates the session gracefully: buffered commands are written,
// a Terminate message is sent, and the transport is shut down. The Conn
// is consumed; every later call fails with a ConnectionError.
func (c *Conn) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true

	c.send(&pgproto3.Terminate{})
	var firstErr error
	if err := c.ioDeadline(ctx); err != nil {
		firstErr = err
	} else if err := c.frontend.Flush(); err != nil {
		firstErr = err
	}
	if err := c.netConn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return &driver.ConnectionError{Op: "close", Err: firstErr}
	}
	return nil
}

// CloseHard shuts the transport down immediately, skipping the graceful
// Terminate. Use it when the session is known-broken.
func (c *Conn) CloseHard() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.netConn.Close(); err != nil {
		return &driver.ConnectionError{Op: "close", Err: err}
	}
	return nil
}
