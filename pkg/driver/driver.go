// Package driver defines the backend-agnostic contracts of the sqlink
// driver framework. A database backend implements the role interfaces
// declared here (Connection, Row, Column, Value, QueryResult, TypeInfo)
// and publishes a Database descriptor that binds its concrete types
// together, so client code written against one descriptor can never mix
// connections and transaction managers from different backends.
package driver

import "context"

// TypeInfo describes a backend data type. Decoding values into Go types
// is out of scope for the core; TypeInfo exists so callers can route
// raw values to an encoder/decoder layer.
type TypeInfo interface {
	// Name returns the backend's name for the type, e.g. "int4".
	Name() string
}

// Column describes one column of a result set.
type Column interface {
	Name() string
	Type() TypeInfo
}

// Value is a single cell of a result row: raw backend bytes plus enough
// metadata to decode them elsewhere.
type Value interface {
	// IsNull reports whether the cell is SQL NULL. Bytes returns nil for
	// NULL values.
	IsNull() bool
	Bytes() []byte
	Type() TypeInfo
}

// Row is one row of a result set.
type Row interface {
	Len() int
	Value(i int) Value
}

// QueryResult accumulates the outcome of executing a statement.
type QueryResult interface {
	// Columns is nil for statements that return no rows.
	Columns() []Column
	Rows() []Row
	RowsAffected() int64
}

// Connection is one exclusive session with a backend. A Connection is not
// internally synchronized: it assumes a single logical task uses it at a
// time, and concurrency comes from holding multiple Connections.
//
// After Close or CloseHard every method returns a *ConnectionError.
type Connection interface {
	// Ping issues a lightweight round trip and waits for all outstanding
	// readiness replies.
	Ping(ctx context.Context) error

	// Exec runs sql and collects its result. The connection always reads
	// through the backend's readiness acknowledgement, even on error.
	Exec(ctx context.Context, sql string) (QueryResult, error)

	// Flush writes any buffered outbound data and drains every pending
	// readiness reply. This is the suspension point where the connection
	// waits for the backend to confirm it is ready.
	Flush(ctx context.Context) error

	// ShouldFlush reports whether the outbound buffer is non-empty. It
	// never performs I/O.
	ShouldFlush() bool

	// Close terminates the session gracefully: buffered commands are
	// flushed, a termination message is sent, and the transport is shut
	// down. CloseHard skips the graceful signal; use it when the session
	// is known-broken.
	Close(ctx context.Context) error
	CloseHard() error

	// CachedStatementsSize reports the number of entries in the
	// connection's prepared-statement cache.
	CachedStatementsSize() int

	// ClearCachedStatements deallocates every cached prepared statement
	// on the backend in a single round trip and empties the cache.
	ClearCachedStatements(ctx context.Context) error
}

// TxManager decides which command to send for a transaction boundary
// operation based on the connection's current nesting depth, and updates
// the depth. Implementations are stateless; all state lives on C.
type TxManager[C Connection] interface {
	// Begin opens a transaction (depth 0) or a savepoint (depth > 0) and
	// increments the depth. The depth is unchanged if the command fails.
	Begin(ctx context.Context, conn C) error

	// Commit resolves the innermost transaction level and decrements the
	// depth. At depth 0 it is a no-op.
	Commit(ctx context.Context, conn C) error

	// Rollback is symmetric to Commit.
	Rollback(ctx context.Context, conn C) error

	// StartRollback queues a rollback command without flushing or
	// awaiting the reply. It is the fire-and-forget path used when a
	// transaction guard is abandoned and no caller is left to await the
	// result. The connection's pending-reply accounting covers the
	// outstanding acknowledgement.
	StartRollback(conn C) error
}

// Database is the descriptor for one backend: it fixes the concrete
// Connection type C and supplies the transaction manager that operates on
// it. Holding a Database[C] is holding proof that its roles are mutually
// compatible.
type Database[C Connection] interface {
	// Name identifies the backend, e.g. "postgres".
	Name() string

	// Connect establishes a new connection from a URL. Option parsing
	// errors surface as *ConfigError before any network activity;
	// handshake and authentication failures as *ConnectionError.
	Connect(ctx context.Context, url string) (C, error)

	TxManager() TxManager[C]
}
