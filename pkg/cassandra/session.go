// Package cassandra adapts the gocql driver to the narrow surface the proxy
// needs: execute one statement (optionally paged), execute a logged batch,
// and describe the cluster schema. Values cross this boundary as raw bytes
// in both directions; the proxy never interprets them.
package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/pkg/errors"
)

// Query is one statement to run against the cluster.
type Query struct {
	CQL    string
	Params [][]byte

	Consistency gocql.Consistency

	// Timestamp is the write timestamp in microseconds; 0 lets the
	// driver pick.
	Timestamp int64

	// PageSize > 0 makes Execute return a single page and a page state
	// for the next one; otherwise the whole result set is drained.
	PageSize  int
	PageState []byte
}

// Rows is the materialized result of one Execute call. Values holds the
// column blobs flattened row by row; len(Values) is always a multiple of
// Columns. An empty PageState on a paged query means the result set is
// exhausted.
type Rows struct {
	Columns   int
	Values    [][]byte
	PageState []byte
}

// Session is the driver surface the proxy dispatches orders against.
// Implementations must be safe for concurrent use by many workers.
type Session interface {
	Execute(ctx context.Context, q *Query) (*Rows, error)
	ExecuteBatch(ctx context.Context, qs []*Query) error
	DescribeSchema(ctx context.Context) ([]byte, error)
	Close()
}

// IsFatalSessionError reports whether err means the session itself is gone
// (no hosts, closed pool) as opposed to a single statement failing. Only
// this class of error triggers a process-wide reconnect.
func IsFatalSessionError(err error) bool {
	return errors.Is(err, gocql.ErrNoConnections) ||
		errors.Is(err, gocql.ErrConnectionClosed) ||
		errors.Is(err, gocql.ErrSessionClosed)
}

// rawParam binds an already-encoded value without re-marshalling it. The
// proxy's clients send values in the driver's binary representation.
type rawParam []byte

func (p rawParam) MarshalCQL(info gocql.TypeInfo) ([]byte, error) {
	return p, nil
}

// rawValue captures a column's binary representation with a defensive copy;
// the driver may reuse its buffer after the scan.
type rawValue struct {
	data []byte
}

func (v *rawValue) UnmarshalCQL(info gocql.TypeInfo, data []byte) error {
	v.data = append([]byte(nil), data...)
	return nil
}

func bindParams(params [][]byte) []interface{} {
	if len(params) == 0 {
		return nil
	}
	out := make([]interface{}, len(params))
	for i, p := range params {
		out[i] = rawParam(p)
	}
	return out
}

type driverSession struct {
	session  *gocql.Session
	keyspace string
}

func (s *driverSession) Execute(ctx context.Context, q *Query) (*Rows, error) {
	query := s.session.Query(q.CQL, bindParams(q.Params)...).
		WithContext(ctx).
		Consistency(q.Consistency)
	if q.Timestamp != 0 {
		query = query.WithTimestamp(q.Timestamp)
	}
	if q.PageSize > 0 {
		query = query.PageSize(q.PageSize).PageState(q.PageState)
	}

	iter := query.Iter()
	cols := iter.Columns()
	rows := &Rows{Columns: len(cols)}

	// with a page size, scan exactly the rows of the current page so the
	// iterator never auto-fetches the next one
	limit := -1
	if q.PageSize > 0 {
		limit = iter.NumRows()
	}
	dest := make([]interface{}, len(cols))
	for n := 0; limit < 0 || n < limit; n++ {
		values := make([]*rawValue, len(cols))
		for i := range dest {
			values[i] = &rawValue{}
			dest[i] = values[i]
		}
		if !iter.Scan(dest...) {
			break
		}
		for _, v := range values {
			rows.Values = append(rows.Values, v.data)
		}
	}
	if q.PageSize > 0 {
		rows.PageState = append([]byte(nil), iter.PageState()...)
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Wrap(err, q.CQL)
	}
	return rows, nil
}

func (s *driverSession) ExecuteBatch(ctx context.Context, qs []*Query) error {
	if len(qs) == 0 {
		return nil
	}
	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	// a gocql batch carries one consistency and one timestamp; the first
	// statement's settings win
	batch.SetConsistency(qs[0].Consistency)
	if qs[0].Timestamp != 0 {
		batch = batch.WithTimestamp(qs[0].Timestamp)
	}
	for _, q := range qs {
		batch.Query(q.CQL, bindParams(q.Params)...)
	}
	return errors.WithStack(s.session.ExecuteBatch(batch))
}

func (s *driverSession) DescribeSchema(ctx context.Context) ([]byte, error) {
	md, err := s.session.KeyspaceMetadata(s.keyspace)
	if err != nil {
		return nil, errors.Wrap(err, "describe schema")
	}
	return encodeSchema(md), nil
}

func (s *driverSession) Close() {
	s.session.Close()
}

// Connector builds sessions for the configured cluster. The shared session
// uses the configured statement timeout; orders carrying their own timeout
// get a dedicated session because the driver fixes the timeout at connect
// time.
type Connector struct {
	cfg Config
}

// NewConnector returns a connector for cfg.
func NewConnector(cfg Config) *Connector {
	return &Connector{cfg: cfg}
}

func (c *Connector) clusterConfig(keyspace string, timeout time.Duration) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(c.cfg.hosts()...)
	cluster.Port = c.cfg.Port
	cluster.Keyspace = keyspace
	cluster.Timeout = timeout
	cluster.ConnectTimeout = c.cfg.ConnectTimeout
	cluster.Consistency = gocql.ParseConsistency(c.cfg.Consistency)
	cluster.DisableInitialHostLookup = c.cfg.DisableInitialHostLookup

	if c.cfg.SSL {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 c.cfg.CAPath,
			EnableHostVerification: c.cfg.HostVerification,
		}
	}
	if c.cfg.Auth {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: c.cfg.Username,
			Password: c.cfg.Password,
		}
	}
	return cluster
}

// Connect opens a session with the configured statement timeout.
func (c *Connector) Connect() (Session, error) {
	return c.ConnectWithTimeout(c.cfg.Timeout)
}

// ConnectWithTimeout opens a dedicated session whose statement timeout is
// fixed to the given value.
func (c *Connector) ConnectWithTimeout(timeout time.Duration) (Session, error) {
	session, err := c.clusterConfig(c.cfg.Keyspace, timeout).CreateSession()
	if err != nil {
		return nil, errors.Wrap(err, "connect to cassandra")
	}
	return &driverSession{session: session, keyspace: c.cfg.Keyspace}, nil
}

// CreateKeyspace creates the configured keyspace if it does not exist yet,
// going through the system keyspace so it works before the first connect.
func (c *Connector) CreateKeyspace() error {
	cluster := c.clusterConfig("system", 20*time.Second)
	session, err := cluster.CreateSession()
	if err != nil {
		return errors.Wrap(err, "connect to system keyspace")
	}
	defer session.Close()

	err = session.Query(fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s
		 WITH replication = {
			 'class' : 'SimpleStrategy',
			 'replication_factor' : %d
		 }`,
		c.cfg.Keyspace, c.cfg.ReplicationFactor)).Exec()
	return errors.Wrap(err, "create keyspace")
}

// Keyspace returns the configured keyspace name.
func (c *Connector) Keyspace() string {
	return c.cfg.Keyspace
}
