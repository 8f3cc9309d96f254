package cassandra

import (
	"sort"

	"github.com/gocql/gocql"

	"github.com/m2osw/snapdbproxy/pkg/proxy"
)

// encodeSchema turns keyspace metadata into the binary cluster description
// blob served to DESCRIBE orders. Layout, all via the proxy codec:
//
//	uint16 keyspace count
//	per keyspace:  P16 name, uint16 table count
//	per table:     P16 name, uint16 column count
//	per column:    P16 name, P16 type, uint8 kind
//
// Tables and columns are emitted in sorted order so the blob is
// deterministic for a given schema.
func encodeSchema(md *gocql.KeyspaceMetadata) []byte {
	e := proxy.NewEncoder(1024)
	e.WriteUint16(1)
	e.WriteString(md.Name)

	tables := make([]string, 0, len(md.Tables))
	for name := range md.Tables {
		tables = append(tables, name)
	}
	sort.Strings(tables)

	e.WriteUint16(uint16(len(tables)))
	for _, name := range tables {
		table := md.Tables[name]
		e.WriteString(name)

		columns := make([]string, 0, len(table.Columns))
		for col := range table.Columns {
			columns = append(columns, col)
		}
		sort.Strings(columns)

		e.WriteUint16(uint16(len(columns)))
		for _, col := range columns {
			column := table.Columns[col]
			e.WriteString(col)
			e.WriteString(column.Type.Type().String())
			e.WriteUint8(uint8(column.Kind))
		}
	}
	return e.Bytes()
}
