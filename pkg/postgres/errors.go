package postgres

import (
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/justjake/sqlink/pkg/driver"
)

// PgError is an error reported by the PostgreSQL server in an
// ErrorResponse message.
type PgError struct {
	Severity       string
	Code           string
	Message        string
	Detail         string
	Hint           string
	Position       int32
	Where          string
	SchemaName     string
	TableName      string
	ColumnName     string
	DataTypeName   string
	ConstraintName string
	File           string
	Line           int32
	Routine        string
}

var _ error = &PgError{}

func (e *PgError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Severity, e.Code, e.Message)
}

// Fatal reports whether the server terminated the session along with
// this error.
func (e *PgError) Fatal() bool {
	return e.Severity == "FATAL" || e.Severity == "PANIC"
}

// AuthenticationFailure reports whether the error represents a rejected
// credential or authorization problem during connect.
func (e *PgError) AuthenticationFailure() bool {
	return pgerrcode.IsInvalidAuthorizationSpecification(e.Code)
}

// ConnectionFailure reports whether the error class indicates the
// session itself is broken, as opposed to a failed statement.
func (e *PgError) ConnectionFailure() bool {
	return pgerrcode.IsConnectionException(e.Code) || pgerrcode.IsOperatorIntervention(e.Code)
}

func pgErrorFromResponse(msg *pgproto3.ErrorResponse) *PgError {
	return &PgError{
		Severity:       msg.Severity,
		Code:           msg.Code,
		Message:        msg.Message,
		Detail:         msg.Detail,
		Hint:           msg.Hint,
		Position:       msg.Position,
		Where:          msg.Where,
		SchemaName:     msg.SchemaName,
		TableName:      msg.TableName,
		ColumnName:     msg.ColumnName,
		DataTypeName:   msg.DataTypeName,
		ConstraintName: msg.ConstraintName,
		File:           msg.File,
		Line:           msg.Line,
		Routine:        msg.Routine,
	}
}

func protocolErrorf(format string, args ...any) *driver.ProtocolError {
	return &driver.ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

func unexpectedMessage(context string, msg pgproto3.BackendMessage) *driver.ProtocolError {
	return protocolErrorf("unexpected message %T during %s", msg, context)
}
