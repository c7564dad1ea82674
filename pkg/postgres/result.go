package postgres

import (
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/justjake/sqlink/pkg/driver"
)

// Type identifies a PostgreSQL data type by OID. Decoding values is the
// job of an encoder/decoder layer; the core only carries the OID through.
type Type struct {
	OID uint32
}

var _ driver.TypeInfo = Type{}

var typeNames = map[uint32]string{
	16:   "bool",
	17:   "bytea",
	18:   "char",
	20:   "int8",
	21:   "int2",
	23:   "int4",
	25:   "text",
	26:   "oid",
	114:  "json",
	700:  "float4",
	701:  "float8",
	1042: "bpchar",
	1043: "varchar",
	1082: "date",
	1114: "timestamp",
	1184: "timestamptz",
	1700: "numeric",
	2950: "uuid",
	3802: "jsonb",
}

func (t Type) Name() string {
	if name, ok := typeNames[t.OID]; ok {
		return name
	}
	return "oid " + strconv.FormatUint(uint64(t.OID), 10)
}

// Column is one column of a PostgreSQL result set.
type Column struct {
	ColumnName string
	DataType   Type
	// Format is the wire format code: 0 text, 1 binary.
	Format int16
}

var _ driver.Column = Column{}

func (c Column) Name() string          { return c.ColumnName }
func (c Column) Type() driver.TypeInfo { return c.DataType }

func columnsFromFields(fields []pgproto3.FieldDescription) []Column {
	cols := make([]Column, len(fields))
	for i, f := range fields {
		cols[i] = Column{
			// Field names alias the read buffer and must be copied.
			ColumnName: string(f.Name),
			DataType:   Type{OID: f.DataTypeOID},
			Format:     f.Format,
		}
	}
	return cols
}

// Value is one cell of a result row: raw bytes in the column's wire
// format, or NULL.
type Value struct {
	Raw      []byte
	Null     bool
	DataType Type
}

var _ driver.Value = Value{}

func (v Value) IsNull() bool          { return v.Null }
func (v Value) Bytes() []byte         { return v.Raw }
func (v Value) Type() driver.TypeInfo { return v.DataType }

// Row is one row of a result set.
type Row struct {
	values []Value
}

var _ driver.Row = Row{}

func (r Row) Len() int                 { return len(r.values) }
func (r Row) Value(i int) driver.Value { return r.values[i] }

func rowFromDataRow(cols []Column, msg *pgproto3.DataRow) Row {
	values := make([]Value, len(msg.Values))
	for i, raw := range msg.Values {
		v := Value{Null: raw == nil}
		if i < len(cols) {
			v.DataType = cols[i].DataType
		}
		if raw != nil {
			// DataRow values alias the read buffer.
			v.Raw = append([]byte(nil), raw...)
		}
		values[i] = v
	}
	return Row{values: values}
}

// Result accumulates the outcome of one executed statement.
type Result struct {
	columns    []Column
	rows       []Row
	commandTag string
}

var _ driver.QueryResult = &Result{}

func (r *Result) Columns() []driver.Column {
	if r.columns == nil {
		return nil
	}
	cols := make([]driver.Column, len(r.columns))
	for i, c := range r.columns {
		cols[i] = c
	}
	return cols
}

func (r *Result) Rows() []driver.Row {
	rows := make([]driver.Row, len(r.rows))
	for i, row := range r.rows {
		rows[i] = row
	}
	return rows
}

// CommandTag returns the raw completion tag, e.g. "INSERT 0 1".
func (r *Result) CommandTag() string {
	return r.commandTag
}

// RowsAffected parses the row count out of the command tag. Tags without
// a count ("BEGIN", "COMMIT") report zero.
func (r *Result) RowsAffected() int64 {
	idx := strings.LastIndexByte(r.commandTag, ' ')
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseInt(r.commandTag[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
