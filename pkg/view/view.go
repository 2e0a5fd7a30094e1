package view

import (
	"encoding/json"
	"fmt"

	"github.com/zhangyunhao116/skipmap"
)

// rowSet is keyed by Row.Key, ordered so that payloads are deterministic.
type rowSet = skipmap.FuncMap[string, Row]

func newRowSet() *rowSet {
	return skipmap.NewFunc[string, Row](func(a, b string) bool {
		return a < b
	})
}

// ViewUpdate is the transformation of a view from one logical timestamp to
// another. A view starting at zero with no deletes is a full snapshot.
//
// ViewUpdate is not safe for concurrent mutation, its owner serializes access.
type ViewUpdate struct {
	from Timestamp
	to   Timestamp

	toInsert *rowSet
	toDelete *rowSet
}

// New returns an empty ViewUpdate over (from, to]. from must not exceed to.
func New(from, to Timestamp) *ViewUpdate {
	if from > to {
		from = to
	}
	return &ViewUpdate{
		from:     from,
		to:       to,
		toInsert: newRowSet(),
		toDelete: newRowSet(),
	}
}

func (v *ViewUpdate) From() Timestamp { return v.from }
func (v *ViewUpdate) To() Timestamp   { return v.to }

// Len returns the number of pending inserts and deletes.
func (v *ViewUpdate) Len() (inserts, deletes int) {
	return v.toInsert.Len(), v.toDelete.Len()
}

func (v *ViewUpdate) Inserts(r Row) bool {
	_, ok := v.toInsert.Load(r.Key())
	return ok
}

func (v *ViewUpdate) Deletes(r Row) bool {
	_, ok := v.toDelete.Load(r.Key())
	return ok
}

// Update folds one row event into the view. Unless allowOld is set the
// event must carry the view's closing timestamp.
func (v *ViewUpdate) Update(u RowUpdate, allowOld bool) error {
	if !allowOld && u.Timestamp != v.to {
		return fmt.Errorf("%w: row at %d, window ends at %d", ErrTimestampMismatch, u.Timestamp, v.to)
	}

	key := u.Columns.Key()
	switch u.Operation {
	case Delete:
		// an insert and a delete of the same row inside one window cancel out
		if _, ok := v.toInsert.Load(key); ok {
			v.toInsert.Delete(key)
		} else {
			v.toDelete.Store(key, cloneRow(u.Columns))
		}
	case Insert:
		if _, ok := v.toDelete.Load(key); ok {
			return fmt.Errorf("%w: %v at %d", ErrOutOfOrderDelete, []string(u.Columns), u.Timestamp)
		}
		v.toInsert.Store(key, cloneRow(u.Columns))
	default:
		return fmt.Errorf("%w: operation %d", ErrInvalidUpdate, u.Operation)
	}

	// only the touched key can break the invariant
	_, inserted := v.toInsert.Load(key)
	_, deleted := v.toDelete.Load(key)
	if inserted && deleted {
		return fmt.Errorf("%w: %v", ErrConflictingUpdate, []string(u.Columns))
	}
	return nil
}

// Merge folds a later, contiguous view into v, so that v spans
// [v.From(), next.To()]. Deletes of next only remove rows, they are not
// carried over as deletes.
func (v *ViewUpdate) Merge(next *ViewUpdate) error {
	if v.to != next.from {
		return fmt.Errorf("%w: %d..%d then %d..%d", ErrNonContiguousMerge, v.from, v.to, next.from, next.to)
	}

	next.toInsert.Range(func(key string, r Row) bool {
		v.toInsert.Store(key, r)
		v.toDelete.Delete(key)
		return true
	})
	next.toDelete.Range(func(key string, _ Row) bool {
		v.toInsert.Delete(key)
		return true
	})
	v.to = next.to

	return v.checkDisjoint()
}

func (v *ViewUpdate) checkDisjoint() error {
	var conflict Row
	v.toDelete.Range(func(key string, r Row) bool {
		if _, ok := v.toInsert.Load(key); ok {
			conflict = r
			return false
		}
		return true
	})
	if conflict != nil {
		return fmt.Errorf("%w: %v", ErrConflictingUpdate, []string(conflict))
	}
	return nil
}

// Payload is the wire form of a ViewUpdate, used for snapshots and diffs.
type Payload struct {
	Insert        []Row     `json:"insert"`
	Delete        []Row     `json:"delete"`
	FromTimestamp Timestamp `json:"from_timestamp"`
	ToTimestamp   Timestamp `json:"to_timestamp"`
}

func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Serialize returns the view's payload with rows ordered by key.
func (v *ViewUpdate) Serialize() Payload {
	return Payload{
		Insert:        collect(v.toInsert),
		Delete:        collect(v.toDelete),
		FromTimestamp: v.from,
		ToTimestamp:   v.to,
	}
}

func collect(s *rowSet) []Row {
	rows := make([]Row, 0, s.Len())
	s.Range(func(_ string, r Row) bool {
		rows = append(rows, cloneRow(r))
		return true
	})
	return rows
}

func cloneRow(r Row) Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}
