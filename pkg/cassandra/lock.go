package cassandra

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gocql/gocql"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
)

const (
	lockName = "schema"

	// lockTTLSeconds bounds how long a crashed holder can wedge the
	// lock; a healthy holder releases it in well under a minute.
	lockTTLSeconds = 300
)

// SchemaLock is a cluster-wide mutex over a lightweight-transaction row.
// Several proxy instances may start against the same cluster at once; the
// lock makes sure only one of them creates the schema. Hold it only across
// the create sequence, never across the initializer's retry loop.
type SchemaLock struct {
	session Session
	holder  string
	logger  log.Logger
}

// NewSchemaLock returns a lock bound to the given session. The holder id is
// unique per process so an instance can only release its own lock.
func NewSchemaLock(session Session, logger log.Logger) *SchemaLock {
	return &SchemaLock{
		session: session,
		holder:  gocql.TimeUUID().String(),
		logger:  logger,
	}
}

// Lock acquires the schema lock, retrying until the context is done.
func (l *SchemaLock) Lock(ctx context.Context) error {
	// racing CREATE TABLE IF NOT EXISTS is safe, the row insert below is
	// what serializes the contenders
	_, err := l.session.Execute(ctx, &Query{
		CQL:         `CREATE TABLE IF NOT EXISTS schema_lock (name text PRIMARY KEY, holder text)`,
		Consistency: gocql.Quorum,
	})
	if err != nil {
		return errors.Wrap(err, "create lock table")
	}

	b := backoff.New(ctx, backoff.Config{
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 15 * time.Second,
	})
	for b.Ongoing() {
		rows, err := l.session.Execute(ctx, &Query{
			CQL: `INSERT INTO schema_lock (name, holder)
			      VALUES (?, ?)
			      IF NOT EXISTS
			      USING TTL ` + strconv.Itoa(lockTTLSeconds),
			Params:      [][]byte{[]byte(lockName), []byte(l.holder)},
			Consistency: gocql.Quorum,
		})
		switch {
		case err != nil:
			level.Warn(l.logger).Log("msg", "schema lock attempt failed", "err", err)
		case lwtApplied(rows):
			return nil
		default:
			level.Debug(l.logger).Log("msg", "schema lock held by another instance")
		}
		b.Wait()
	}
	return errors.Wrap(b.Err(), "acquire schema lock")
}

// Unlock releases the lock if this process still holds it.
func (l *SchemaLock) Unlock(ctx context.Context) error {
	_, err := l.session.Execute(ctx, &Query{
		CQL:         `DELETE FROM schema_lock WHERE name = ? IF holder = ?`,
		Params:      [][]byte{[]byte(lockName), []byte(l.holder)},
		Consistency: gocql.Quorum,
	})
	return errors.Wrap(err, "release schema lock")
}

// lwtApplied reads the [applied] boolean that leads every lightweight
// transaction result row.
func lwtApplied(rows *Rows) bool {
	return rows != nil &&
		len(rows.Values) > 0 &&
		len(rows.Values[0]) == 1 &&
		rows.Values[0][0] == 1
}
