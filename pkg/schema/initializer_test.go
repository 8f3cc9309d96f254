package schema

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/m2osw/snapdbproxy/pkg/cassandra"
)

// catalogSession answers the system_schema queries from canned catalog
// state and records every DDL statement it executes.
type catalogSession struct {
	tables  []string
	indexes []string
	ddl     []string
	failDDL bool
}

func (s *catalogSession) Execute(ctx context.Context, q *cassandra.Query) (*cassandra.Rows, error) {
	switch {
	case strings.Contains(q.CQL, "system_schema.tables"):
		return catalogRows(s.tables), nil
	case strings.Contains(q.CQL, "system_schema.indexes"):
		return catalogRows(s.indexes), nil
	default:
		if s.failDDL {
			return nil, context.DeadlineExceeded
		}
		s.ddl = append(s.ddl, q.CQL)
		return &cassandra.Rows{}, nil
	}
}

func (s *catalogSession) ExecuteBatch(ctx context.Context, qs []*cassandra.Query) error { return nil }
func (s *catalogSession) DescribeSchema(ctx context.Context) ([]byte, error)            { return nil, nil }
func (s *catalogSession) Close()                                                        {}

func catalogRows(names []string) *cassandra.Rows {
	rows := &cassandra.Rows{Columns: 1}
	for _, n := range names {
		rows.Values = append(rows.Values, []byte(n))
	}
	return rows
}

type fakeLock struct {
	locked   int
	unlocked int
}

func (l *fakeLock) Lock(ctx context.Context) error   { l.locked++; return nil }
func (l *fakeLock) Unlock(ctx context.Context) error { l.unlocked++; return nil }

func TestComputeChanges(t *testing.T) {
	defs := []TableDef{
		{Name: "content", Indexes: []IndexDef{{Column: "column1"}}},
		{Name: "sessions"},
		{Name: "old_branches", Drop: true},
		{Name: "gone", Drop: true},
	}
	existingTables := map[string]bool{"content": true, "old_branches": true}
	existingIndexes := map[string]bool{}

	ch := computeChanges(defs, existingTables, existingIndexes)
	require.Len(t, ch.createTables, 1)
	require.Equal(t, "sessions", ch.createTables[0].Name)
	require.Len(t, ch.createIndexes, 1)
	require.Equal(t, "content", ch.createIndexes[0].table)
	require.Equal(t, []string{"old_branches"}, ch.dropTables)
}

func TestComputeChangesNothingMissing(t *testing.T) {
	defs := []TableDef{{Name: "content", Indexes: []IndexDef{{Column: "column1"}}}}
	ch := computeChanges(defs,
		map[string]bool{"content": true},
		map[string]bool{"content_column1_idx": true})
	require.True(t, ch.empty())
}

func newTestInitializer(t *testing.T, dir string, session *catalogSession, lock *fakeLock) (*Initializer, *bool) {
	t.Helper()
	ready := false
	cfg := Config{
		SearchPaths: dir,
		MinBackoff:  time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		MaxAttempts: 3,
	}
	connector := cassandra.NewConnector(cassandra.Config{Addresses: "127.0.0.1", Keyspace: "snap_websites"})
	i := NewInitializer(cfg, connector, func() { ready = true }, prometheus.NewRegistry(), log.NewNopLogger())
	i.createKeyspace = func() error { return nil }
	i.connect = func() (cassandra.Session, error) { return session, nil }
	i.newLock = func(cassandra.Session) Locker { return lock }
	return i, &ready
}

func TestInitializerCreatesMissingSchema(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "core.yaml", `
tables:
  - name: content
    model: content
    indexes:
      - column: column1
  - name: stale
    drop: true
`)
	session := &catalogSession{tables: []string{"stale"}}
	lock := &fakeLock{}
	i, ready := newTestInitializer(t, dir, session, lock)

	require.NoError(t, i.running(context.Background()))
	require.True(t, *ready)
	require.Equal(t, 1, lock.locked)
	require.Equal(t, 1, lock.unlocked)
	require.Len(t, session.ddl, 3)
	require.Contains(t, session.ddl[0], "CREATE TABLE IF NOT EXISTS snap_websites.content")
	require.Contains(t, session.ddl[1], "CREATE INDEX IF NOT EXISTS content_column1_idx")
	require.Contains(t, session.ddl[2], "DROP TABLE IF EXISTS snap_websites.stale")
}

func TestInitializerSkipsLockWhenNothingMissing(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "core.yaml", `
tables:
  - name: content
    model: content
`)
	session := &catalogSession{tables: []string{"content"}}
	lock := &fakeLock{}
	i, ready := newTestInitializer(t, dir, session, lock)

	require.NoError(t, i.running(context.Background()))
	require.True(t, *ready)
	require.Zero(t, lock.locked)
	require.Empty(t, session.ddl)
}

func TestInitializerExhaustsAttempts(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "core.yaml", `
tables:
  - name: content
    model: content
`)
	session := &catalogSession{failDDL: true}
	lock := &fakeLock{}
	i, ready := newTestInitializer(t, dir, session, lock)

	require.Error(t, i.running(context.Background()))
	require.False(t, *ready)
}
