package proxy

import "fmt"

// Consistency is the consistency level requested for one order. The numeric
// values of the named levels match the Cassandra native protocol so the
// proxy can hand them to the driver unchanged; Default asks the proxy to use
// whatever its session was configured with.
type Consistency int8

const (
	ConsistencyAny         Consistency = 0x00
	ConsistencyOne         Consistency = 0x01
	ConsistencyTwo         Consistency = 0x02
	ConsistencyThree       Consistency = 0x03
	ConsistencyQuorum      Consistency = 0x04
	ConsistencyAll         Consistency = 0x05
	ConsistencyLocalQuorum Consistency = 0x06
	ConsistencyEachQuorum  Consistency = 0x07

	ConsistencyDefault Consistency = -1
)

func (c Consistency) String() string {
	switch c {
	case ConsistencyAny:
		return "ANY"
	case ConsistencyOne:
		return "ONE"
	case ConsistencyTwo:
		return "TWO"
	case ConsistencyThree:
		return "THREE"
	case ConsistencyQuorum:
		return "QUORUM"
	case ConsistencyAll:
		return "ALL"
	case ConsistencyLocalQuorum:
		return "LOCAL_QUORUM"
	case ConsistencyEachQuorum:
		return "EACH_QUORUM"
	case ConsistencyDefault:
		return "DEFAULT"
	default:
		return fmt.Sprintf("UNKNOWN_CONS_0x%x", int8(c))
	}
}

// ParseConsistency maps a level name back to its value. Unknown names map
// to Default rather than failing, so a stale client keeps working.
func ParseConsistency(s string) Consistency {
	switch s {
	case "ANY":
		return ConsistencyAny
	case "ONE":
		return ConsistencyOne
	case "TWO":
		return ConsistencyTwo
	case "THREE":
		return ConsistencyThree
	case "QUORUM":
		return ConsistencyQuorum
	case "ALL":
		return ConsistencyAll
	case "LOCAL_QUORUM":
		return ConsistencyLocalQuorum
	case "EACH_QUORUM":
		return ConsistencyEachQuorum
	default:
		return ConsistencyDefault
	}
}
