// Package pgtest provides scripted PostgreSQL servers for driver tests,
// built on pgmock. A test declares the exact message exchange it expects;
// the mock server fails the script if the driver deviates from it.
package pgtest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgproto3/v2"
)

// Server wraps a pgmock.Script listening on a loopback port.
type Server struct {
	Script   *pgmock.Script
	Listener net.Listener
	t        *testing.T

	done chan error
}

// NewServer creates a scripted server for one connection.
func NewServer(t *testing.T, steps ...pgmock.Step) *Server {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	return &Server{
		Script: &pgmock.Script{
			Steps: steps,
		},
		Listener: listener,
		t:        t,
		done:     make(chan error, 1),
	}
}

// URL returns a connection URL for the server. sslmode=disable because
// the mock speaks no TLS.
func (s *Server) URL() string {
	return "postgres://testuser@" + s.Listener.Addr().String() + "/testdb?sslmode=disable"
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.Listener.Addr().String()
}

// Start accepts a single connection in the background and runs the
// script against it. Call Wait to collect the script result.
func (s *Server) Start() {
	go func() {
		conn, err := s.Listener.Accept()
		if err != nil {
			s.done <- err
			return
		}
		defer conn.Close()

		backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
		s.done <- s.Script.Run(backend)
	}()
}

// Wait blocks until the script finishes and fails the test if the
// exchange deviated from it.
func (s *Server) Wait() {
	s.t.Helper()
	if err := <-s.done; err != nil {
		s.t.Errorf("mock server script failed: %v", err)
	}
}

// Close closes the listener.
func (s *Server) Close() error {
	return s.Listener.Close()
}

// StartupSteps returns steps accepting an unauthenticated startup
// exchange: startup message, AuthenticationOk, BackendKeyData,
// ReadyForQuery.
func StartupSteps() []pgmock.Step {
	return pgmock.AcceptUnauthenticatedConnRequestSteps()
}

// ExpectQuery returns a step that expects a simple query message.
func ExpectQuery(sql string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Query{String: sql})
}

// ExpectSync returns a step that expects a Sync message.
func ExpectSync() pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Sync{})
}

// ExpectCloseStatement returns a step that expects a Close for the named
// prepared statement.
func ExpectCloseStatement(name string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Close{ObjectType: 'S', Name: name})
}

// ExpectParse returns a step that expects a Parse for the named
// statement. It matches on name and query only, since pgmock's exact
// matching is sensitive to nil-versus-empty ParameterOIDs.
func ExpectParse(name, sql string) pgmock.Step {
	return &expectParseStep{name: name, sql: sql}
}

type expectParseStep struct {
	name string
	sql  string
}

func (s *expectParseStep) Step(backend *pgproto3.Backend) error {
	msg, err := backend.Receive()
	if err != nil {
		return err
	}
	parse, ok := msg.(*pgproto3.Parse)
	if !ok {
		return fmt.Errorf("expected Parse, got %T", msg)
	}
	if parse.Name != s.name || parse.Query != s.sql {
		return fmt.Errorf("expected Parse %q %q, got %q %q", s.name, s.sql, parse.Name, parse.Query)
	}
	return nil
}

// ExpectDescribeStatement returns a step that expects a Describe for the
// named statement.
func ExpectDescribeStatement(name string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Describe{ObjectType: 'S', Name: name})
}

// ExpectTerminate returns a step that expects the graceful shutdown
// message.
func ExpectTerminate() pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Terminate{})
}

// SendParseComplete returns a step acknowledging a Parse.
func SendParseComplete() pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ParseComplete{})
}

// SendParameterDescription returns a step describing statement
// parameters.
func SendParameterDescription(oids ...uint32) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ParameterDescription{ParameterOIDs: oids})
}

// SendNoData returns a step reporting a statement that returns no rows.
func SendNoData() pgmock.Step {
	return pgmock.SendMessage(&pgproto3.NoData{})
}

// SendCloseComplete returns a step acknowledging a Close.
func SendCloseComplete() pgmock.Step {
	return pgmock.SendMessage(&pgproto3.CloseComplete{})
}

// SendRowDescription returns a step that sends column metadata.
func SendRowDescription(fields ...pgproto3.FieldDescription) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.RowDescription{Fields: fields})
}

// SendDataRow returns a step that sends one row of data.
func SendDataRow(values ...[]byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.DataRow{Values: values})
}

// SendCommandComplete returns a step that sends a completion tag.
func SendCommandComplete(tag string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

// SendReadyForQuery returns a step that sends readiness with the given
// transaction status: 'I' (idle), 'T' (in transaction), or 'E' (failed).
func SendReadyForQuery(txStatus byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: txStatus})
}

// SendError returns a step that sends an error response.
func SendError(severity, code, message string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ErrorResponse{
		Severity: severity,
		Code:     code,
		Message:  message,
	})
}

// WaitForClose returns a step that waits for the client to disconnect.
// Unlike pgmock's step it also treats io.ErrUnexpectedEOF as a clean
// close, because pgproto3/v2's Backend.Receive reports end-of-stream
// between messages as io.ErrUnexpectedEOF rather than io.EOF.
func WaitForClose() pgmock.Step {
	return &waitForCloseStep{}
}

type waitForCloseStep struct{}

func (s *waitForCloseStep) Step(backend *pgproto3.Backend) error {
	for {
		msg, err := backend.Receive()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, ok := msg.(*pgproto3.Terminate); ok {
			return nil
		}
	}
}

// CommandSteps returns the server side of one acknowledged simple query:
// expect it, complete it, report readiness with txStatus.
func CommandSteps(sql, tag string, txStatus byte) []pgmock.Step {
	return []pgmock.Step{
		ExpectQuery(sql),
		SendCommandComplete(tag),
		SendReadyForQuery(txStatus),
	}
}
