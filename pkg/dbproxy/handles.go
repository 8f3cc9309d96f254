package dbproxy

import "github.com/m2osw/snapdbproxy/pkg/proxy"

// handleTable hands out small integer handles for a worker's open cursors
// and batches. Slots are dense: a new handle is always the next index, and
// a freed slot stays behind as a tombstone until every slot after it is
// freed too, so handles grow monotonically within a connection's lifetime
// and are never reused mid-array.
type handleTable[T any] struct {
	slots []*T
}

// alloc stores v and returns its handle.
func (t *handleTable[T]) alloc(v *T) int32 {
	t.slots = append(t.slots, v)
	return int32(len(t.slots) - 1)
}

// get returns the live value for h, or false for out-of-range handles and
// tombstones alike.
func (t *handleTable[T]) get(h int32) (*T, bool) {
	if h < 0 || int(h) >= len(t.slots) || t.slots[h] == nil {
		return nil, false
	}
	return t.slots[h], true
}

// free drops the value for h. Trailing tombstones are trimmed so the table
// shrinks back to empty once everything is closed.
func (t *handleTable[T]) free(h int32) bool {
	if _, ok := t.get(h); !ok {
		return false
	}
	t.slots[h] = nil
	for len(t.slots) > 0 && t.slots[len(t.slots)-1] == nil {
		t.slots = t.slots[:len(t.slots)-1]
	}
	return true
}

// len reports the number of slots, tombstones included.
func (t *handleTable[T]) len() int {
	return len(t.slots)
}

// cursor is one live paged query, local to its worker.
type cursor struct {
	cql         string
	params      [][]byte
	consistency proxy.Consistency
	pageSize    int
	pageState   []byte
	exhausted   bool
}

// batch is one pending logged batch, local to its worker.
type batch struct {
	statements []*pendingStatement
}

type pendingStatement struct {
	cql         string
	params      [][]byte
	consistency proxy.Consistency
	timestamp   int64
}
