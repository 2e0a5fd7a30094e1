package view

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Operation is the kind of change observed for a row.
type Operation uint8

const (
	Insert Operation = iota + 1
	Delete
)

func (op Operation) String() string {
	switch op {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseOperation accepts the wire names "insert" and "delete".
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(s) {
	case "insert":
		return Insert, nil
	case "delete":
		return Delete, nil
	default:
		return 0, fmt.Errorf("unknown operation %q", s)
	}
}

func (op Operation) MarshalJSON() ([]byte, error) {
	if op != Insert && op != Delete {
		return nil, fmt.Errorf("unknown operation %d", op)
	}
	return json.Marshal(op.String())
}

func (op *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("operation must be a string: %w", err)
	}
	parsed, err := ParseOperation(s)
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

// Timestamp is a logical timestamp of the upstream feed, not wall-clock time.
type Timestamp uint64

// ParseTimestamp parses a decimal logical timestamp.
func ParseTimestamp(s string) (Timestamp, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return Timestamp(v), nil
}

// UnmarshalJSON accepts both a JSON number and a decimal string,
// tailers forward the TAIL timestamp as text.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		*ts = parsed
		return nil
	}

	var v uint64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	*ts = Timestamp(v)
	return nil
}

// Row is the ordered column values of one row. The relay never interprets
// them, only compares them.
type Row []string

// Key returns a comparable encoding of the row. Every column is quoted, so
// the separator can not occur inside a column and distinct rows never collide.
func (r Row) Key() string {
	var b strings.Builder
	for i, col := range r {
		if i > 0 {
			b.WriteByte(0)
		}
		b.WriteString(strconv.Quote(col))
	}
	return b.String()
}

// RowUpdate is one observed row mutation.
type RowUpdate struct {
	Columns   Row       `json:"columns"`
	Operation Operation `json:"operation"`
	Timestamp Timestamp `json:"timestamp"`
}

func NewInsert(ts Timestamp, columns ...string) RowUpdate {
	return RowUpdate{Columns: columns, Operation: Insert, Timestamp: ts}
}

func NewDelete(ts Timestamp, columns ...string) RowUpdate {
	return RowUpdate{Columns: columns, Operation: Delete, Timestamp: ts}
}

// Validate checks fields that JSON decoding leaves at their zero value.
func (u RowUpdate) Validate() error {
	if u.Columns == nil {
		return fmt.Errorf("%w: missing columns", ErrInvalidUpdate)
	}
	if u.Operation != Insert && u.Operation != Delete {
		return fmt.Errorf("%w: missing operation", ErrInvalidUpdate)
	}
	return nil
}
