package proxy

import (
	"github.com/pkg/errors"
)

// OrderKind selects what the proxy does with an order.
type OrderKind uint16

const (
	KindSuccess OrderKind = iota
	KindRows
	KindDeclare
	KindFetch
	KindClose
	KindDescribe
	KindBatchDeclare
	KindBatchAdd
	KindBatchCommit
	KindBatchRollback

	kindMax
)

func (k OrderKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRows:
		return "rows"
	case KindDeclare:
		return "declare"
	case KindFetch:
		return "fetch"
	case KindClose:
		return "close"
	case KindDescribe:
		return "describe"
	case KindBatchDeclare:
		return "batch-declare"
	case KindBatchAdd:
		return "batch-add"
	case KindBatchCommit:
		return "batch-commit"
	case KindBatchRollback:
		return "batch-rollback"
	default:
		return "invalid"
	}
}

// Flag bitmap of the order payload. Bits 0-3 carry the order kind; the
// remaining bits record which optional fields are physically present.
const (
	flagKindMask         uint16 = 0x000f
	flagBlocking         uint16 = 1 << 4
	flagTimestamp        uint16 = 1 << 5
	flagTimeout          uint16 = 1 << 6
	flagColumnCount      uint16 = 1 << 7
	flagPagingSize       uint16 = 1 << 8
	flagCursorIndex      uint16 = 1 << 9
	flagClearDescription uint16 = 1 << 10
	flagBatchIndex       uint16 = 1 << 11
)

// NoHandle marks an order that references no cursor and no batch.
const NoHandle int32 = -1

// Order is one client request against the proxy. Optional fields are left
// at their sentinel value when unused: Timestamp 0, TimeoutMS 0, PagingSize
// 0, CursorIndex/BatchIndex NoHandle, ColumnCount 1. The encoder omits
// fields at their sentinel from the wire and the decoder restores them.
type Order struct {
	CQL         string
	Kind        OrderKind
	Consistency Consistency

	// Timestamp is the client supplied write timestamp in microseconds;
	// 0 leaves the choice to the driver.
	Timestamp int64

	// TimeoutMS, when >0, forces the order onto a dedicated session
	// created with that statement timeout.
	TimeoutMS int32

	ColumnCount int8
	PagingSize  int32
	CursorIndex int32
	BatchIndex  int32

	// ClearClusterDescription is set on orders that may have mutated the
	// schema; the proxy drops its cached cluster description after
	// dispatching such an order, whether or not it succeeded.
	ClearClusterDescription bool

	Blocking bool

	// Parameters are the bound query parameters, position = bind index.
	Parameters [][]byte

	valid bool
}

// NewOrder returns an order of the given kind with every optional field at
// its sentinel.
func NewOrder(kind OrderKind, cql string) *Order {
	return &Order{
		CQL:         cql,
		Kind:        kind,
		Consistency: ConsistencyDefault,
		ColumnCount: 1,
		CursorIndex: NoHandle,
		BatchIndex:  NoHandle,
		valid:       true,
	}
}

// Valid reports whether the order decoded cleanly. An invalid order must
// never be dispatched.
func (o *Order) Valid() bool {
	return o.valid
}

func (o *Order) flags() uint16 {
	f := uint16(o.Kind) & flagKindMask
	if o.Blocking {
		f |= flagBlocking
	}
	if o.Timestamp != 0 {
		f |= flagTimestamp
	}
	if o.TimeoutMS > 0 {
		f |= flagTimeout
	}
	if o.ColumnCount != 1 {
		f |= flagColumnCount
	}
	if o.PagingSize != 0 {
		f |= flagPagingSize
	}
	if o.CursorIndex != NoHandle {
		f |= flagCursorIndex
	}
	if o.ClearClusterDescription {
		f |= flagClearDescription
	}
	if o.BatchIndex != NoHandle {
		f |= flagBatchIndex
	}
	return f
}

func (o *Order) encodedSize() int {
	n := 2 + 1 + 2 + len(o.CQL) + 2 // flags, consistency, cql, parameter count
	if o.Timestamp != 0 {
		n += 8
	}
	if o.TimeoutMS > 0 {
		n += 4
	}
	if o.ColumnCount != 1 {
		n++
	}
	if o.PagingSize != 0 {
		n += 4
	}
	if o.CursorIndex != NoHandle {
		n += 2
	}
	if o.BatchIndex != NoHandle {
		n += 2
	}
	for _, p := range o.Parameters {
		n += 4 + len(p)
	}
	return n
}

// Encode serializes the order payload (without the transport frame header).
func (o *Order) Encode() ([]byte, error) {
	if len(o.CQL) > maxStringLen {
		return nil, errors.Wrap(ErrTooLong, "order cql")
	}
	if len(o.Parameters) > maxStringLen {
		return nil, errors.Wrap(ErrTooLong, "order parameters")
	}
	e := NewEncoder(o.encodedSize())
	e.WriteUint16(o.flags())
	e.WriteInt8(int8(o.Consistency))
	e.WriteString(o.CQL)
	if o.Timestamp != 0 {
		e.WriteInt64(o.Timestamp)
	}
	if o.TimeoutMS > 0 {
		e.WriteInt32(o.TimeoutMS)
	}
	if o.ColumnCount != 1 {
		e.WriteInt8(o.ColumnCount)
	}
	if o.PagingSize != 0 {
		e.WriteInt32(o.PagingSize)
	}
	if o.CursorIndex != NoHandle {
		e.WriteUint16(uint16(o.CursorIndex))
	}
	if o.BatchIndex != NoHandle {
		e.WriteUint16(uint16(o.BatchIndex))
	}
	e.WriteUint16(uint16(len(o.Parameters)))
	for _, p := range o.Parameters {
		e.WriteBytes(p)
	}
	return e.Bytes(), nil
}

// DecodeOrder rebuilds an order from a frame payload. The returned order
// owns all of its data; buf may be reused by the caller afterwards. On
// error the returned order is non-nil but invalid.
func DecodeOrder(buf []byte) (*Order, error) {
	o := &Order{
		ColumnCount: 1,
		CursorIndex: NoHandle,
		BatchIndex:  NoHandle,
	}
	d := NewDecoder(buf)

	flags := d.ReadUint16()
	o.Kind = OrderKind(flags & flagKindMask)
	o.Blocking = flags&flagBlocking != 0
	o.ClearClusterDescription = flags&flagClearDescription != 0
	o.Consistency = Consistency(d.ReadInt8())
	o.CQL = d.ReadString()
	if flags&flagTimestamp != 0 {
		o.Timestamp = d.ReadInt64()
	}
	if flags&flagTimeout != 0 {
		o.TimeoutMS = d.ReadInt32()
	}
	if flags&flagColumnCount != 0 {
		o.ColumnCount = d.ReadInt8()
	}
	if flags&flagPagingSize != 0 {
		o.PagingSize = d.ReadInt32()
	}
	if flags&flagCursorIndex != 0 {
		o.CursorIndex = int32(d.ReadUint16())
	}
	if flags&flagBatchIndex != 0 {
		o.BatchIndex = int32(d.ReadUint16())
	}
	count := int(d.ReadUint16())
	if d.Err() == nil && count > 0 {
		o.Parameters = make([][]byte, 0, count)
		for i := 0; i < count; i++ {
			p := d.ReadBytes()
			if d.Err() != nil {
				break
			}
			// own the parameter bytes, the frame buffer is transient
			o.Parameters = append(o.Parameters, append([]byte(nil), p...))
		}
	}

	if err := d.Err(); err != nil {
		o.Parameters = nil
		return o, errors.Wrap(err, "decode order")
	}
	if o.Kind >= kindMax {
		return o, errors.Errorf("decode order: unknown kind %d", o.Kind)
	}
	if d.Remaining() != 0 {
		return o, errors.Errorf("decode order: %d trailing bytes", d.Remaining())
	}
	o.valid = true
	return o, nil
}
