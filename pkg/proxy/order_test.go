package proxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderRoundTrip(t *testing.T) {
	tests := map[string]func(*Order){
		"all defaults": func(o *Order) {},
		"blocking": func(o *Order) {
			o.Blocking = true
		},
		"timestamp": func(o *Order) {
			o.Timestamp = 1609459200000000
		},
		"negative timestamp": func(o *Order) {
			o.Timestamp = -1
		},
		"timeout": func(o *Order) {
			o.TimeoutMS = 5 * 60 * 1000
		},
		"column count": func(o *Order) {
			o.ColumnCount = 12
		},
		"paging size": func(o *Order) {
			o.Kind = KindDeclare
			o.PagingSize = 100
		},
		"cursor index": func(o *Order) {
			o.Kind = KindFetch
			o.CursorIndex = 3
		},
		"cursor index zero": func(o *Order) {
			o.Kind = KindClose
			o.CursorIndex = 0
		},
		"batch index": func(o *Order) {
			o.Kind = KindBatchAdd
			o.BatchIndex = 7
		},
		"clear cluster description": func(o *Order) {
			o.ClearClusterDescription = true
		},
		"one parameter": func(o *Order) {
			o.Parameters = [][]byte{[]byte("value")}
		},
		"empty parameter": func(o *Order) {
			o.Parameters = [][]byte{{}}
		},
		"many parameters": func(o *Order) {
			for i := 0; i < 300; i++ {
				o.Parameters = append(o.Parameters, []byte{byte(i), byte(i >> 8)})
			}
		},
		"empty cql": func(o *Order) {
			o.CQL = ""
		},
		"max length cql": func(o *Order) {
			o.CQL = strings.Repeat("x", maxStringLen)
		},
		"consistency quorum": func(o *Order) {
			o.Consistency = ConsistencyQuorum
		},
		"everything set": func(o *Order) {
			o.Kind = KindDeclare
			o.Consistency = ConsistencyEachQuorum
			o.Blocking = true
			o.Timestamp = 42
			o.TimeoutMS = 1000
			o.ColumnCount = 3
			o.PagingSize = 10
			o.CursorIndex = 1
			o.BatchIndex = 2
			o.ClearClusterDescription = true
			o.Parameters = [][]byte{[]byte("a"), []byte("bb"), nil}
		},
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			in := NewOrder(KindSuccess, "SELECT * FROM snap_websites.content")
			mutate(in)

			buf, err := in.Encode()
			require.NoError(t, err)

			out, err := DecodeOrder(buf)
			require.NoError(t, err)
			require.True(t, out.Valid())

			require.Equal(t, in.CQL, out.CQL)
			require.Equal(t, in.Kind, out.Kind)
			require.Equal(t, in.Consistency, out.Consistency)
			require.Equal(t, in.Timestamp, out.Timestamp)
			require.Equal(t, in.TimeoutMS, out.TimeoutMS)
			require.Equal(t, in.ColumnCount, out.ColumnCount)
			require.Equal(t, in.PagingSize, out.PagingSize)
			require.Equal(t, in.CursorIndex, out.CursorIndex)
			require.Equal(t, in.BatchIndex, out.BatchIndex)
			require.Equal(t, in.ClearClusterDescription, out.ClearClusterDescription)
			require.Equal(t, in.Blocking, out.Blocking)
			require.Equal(t, len(in.Parameters), len(out.Parameters))
			for i := range in.Parameters {
				require.Equal(t, []byte(in.Parameters[i]), out.Parameters[i])
			}
		})
	}
}

func TestOrderZeroTimestampOmitted(t *testing.T) {
	in := NewOrder(KindSuccess, "SELECT 1")
	in.Timestamp = 0

	buf, err := in.Encode()
	require.NoError(t, err)

	d := NewDecoder(buf)
	flags := d.ReadUint16()
	require.Zero(t, flags&flagTimestamp, "timestamp bit must be clear")

	out, err := DecodeOrder(buf)
	require.NoError(t, err)
	require.True(t, out.Valid())
	require.Zero(t, out.Timestamp)
}

func TestOrderDefaultColumnCountOmitted(t *testing.T) {
	in := NewOrder(KindRows, "SELECT a FROM t")

	buf, err := in.Encode()
	require.NoError(t, err)

	d := NewDecoder(buf)
	flags := d.ReadUint16()
	require.Zero(t, flags&flagColumnCount)

	out, err := DecodeOrder(buf)
	require.NoError(t, err)
	require.EqualValues(t, 1, out.ColumnCount)
}

func TestOrderDecodeTruncated(t *testing.T) {
	in := NewOrder(KindDeclare, "SELECT * FROM t")
	in.PagingSize = 10
	in.Parameters = [][]byte{[]byte("abc"), []byte("defg")}
	buf, err := in.Encode()
	require.NoError(t, err)

	// every proper prefix must fail loudly and leave the order invalid
	for n := 0; n < len(buf); n++ {
		out, err := DecodeOrder(buf[:n])
		require.Error(t, err, "prefix of %d bytes", n)
		require.False(t, out.Valid())
	}
}

func TestOrderDecodeTrailingGarbage(t *testing.T) {
	in := NewOrder(KindSuccess, "SELECT 1")
	buf, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeOrder(append(buf, 0xfe))
	require.Error(t, err)
	require.False(t, out.Valid())
}

func TestOrderEncodeOverlongCQL(t *testing.T) {
	in := NewOrder(KindSuccess, strings.Repeat("x", maxStringLen+1))
	_, err := in.Encode()
	require.ErrorIs(t, err, ErrTooLong)
}

func TestOrderEncodedLength(t *testing.T) {
	in := NewOrder(KindDeclare, "SELECT * FROM t")
	in.PagingSize = 10
	in.Parameters = [][]byte{[]byte("p0")}

	buf, err := in.Encode()
	require.NoError(t, err)
	require.Len(t, buf, in.encodedSize())
}

func TestConsistencyRoundTrip(t *testing.T) {
	levels := []Consistency{
		ConsistencyAny, ConsistencyOne, ConsistencyTwo, ConsistencyThree,
		ConsistencyQuorum, ConsistencyAll, ConsistencyLocalQuorum,
		ConsistencyEachQuorum, ConsistencyDefault,
	}
	for _, c := range levels {
		require.Equal(t, c, ParseConsistency(c.String()), c.String())
	}
	require.Equal(t, ConsistencyDefault, ParseConsistency("SERIAL"))
}
