package schema

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gocql/gocql"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/m2osw/snapdbproxy/pkg/cassandra"
)

// Config for the schema initializer.
type Config struct {
	SearchPaths string        `yaml:"table_definition_paths"`
	Timeout     time.Duration `yaml:"timeout"`
	MinBackoff  time.Duration `yaml:"min_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.SearchPaths, "schema.table-definition-paths", "/usr/lib/snapwebsites/tables:/var/lib/snapwebsites/tables", "Colon-separated directories scanned for *.yaml table definitions.")
	f.DurationVar(&cfg.Timeout, "schema.timeout", 5*time.Minute, "Statement timeout of the dedicated schema session; DDL is slow on a busy cluster.")
	f.DurationVar(&cfg.MinBackoff, "schema.min-backoff", 1500*time.Millisecond, "Initial retry delay after a failed initialization attempt.")
	f.DurationVar(&cfg.MaxBackoff, "schema.max-backoff", time.Minute, "Retry delay ceiling.")
	f.IntVar(&cfg.MaxAttempts, "schema.max-attempts", 2000, "Give up on initialization after this many attempts (roughly a day).")
}

// Locker is the cluster-wide mutex held while creating schema objects.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// changes is the outcome of diffing the declared tables against the
// cluster's system catalog.
type changes struct {
	createTables  []TableDef
	createIndexes []indexToCreate
	dropTables    []string
}

type indexToCreate struct {
	table string
	index IndexDef
}

func (c *changes) empty() bool {
	return len(c.createTables) == 0 && len(c.createIndexes) == 0 && len(c.dropTables) == 0
}

// computeChanges diffs the declared definitions against what the cluster
// already has. Tables flagged drop are removed only while they still exist.
func computeChanges(defs []TableDef, existingTables, existingIndexes map[string]bool) changes {
	var ch changes
	for _, def := range defs {
		if def.Drop {
			if existingTables[def.Name] {
				ch.dropTables = append(ch.dropTables, def.Name)
			}
			continue
		}
		if !existingTables[def.Name] {
			ch.createTables = append(ch.createTables, def)
		}
		for _, idx := range def.Indexes {
			if !existingIndexes[idx.IndexName(def.Name)] {
				ch.createIndexes = append(ch.createIndexes, indexToCreate{table: def.Name, index: idx})
			}
		}
	}
	return ch
}

// Initializer ensures the keyspace and all declared tables and indexes
// exist, then flips the process to ready. It runs once, before the proxy
// accepts client traffic, and retries with exponential backoff on any
// transient failure.
type Initializer struct {
	services.Service

	cfg       Config
	connector *cassandra.Connector
	onReady   func()
	logger    log.Logger

	attempts prometheus.Counter

	// test seams
	createKeyspace func() error
	connect        func() (cassandra.Session, error)
	newLock        func(cassandra.Session) Locker
}

// NewInitializer builds the initializer service. onReady is called exactly
// once, after the schema is known to be in place.
func NewInitializer(cfg Config, connector *cassandra.Connector, onReady func(), reg prometheus.Registerer, logger log.Logger) *Initializer {
	i := &Initializer{
		cfg:       cfg,
		connector: connector,
		onReady:   onReady,
		logger:    log.With(logger, "component", "schema-initializer"),
		attempts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "snapdbproxy",
			Name:      "schema_initialization_attempts_total",
			Help:      "Schema initialization attempts, successful or not.",
		}),
	}
	i.createKeyspace = connector.CreateKeyspace
	i.connect = func() (cassandra.Session, error) {
		return connector.ConnectWithTimeout(cfg.Timeout)
	}
	i.newLock = func(s cassandra.Session) Locker {
		return cassandra.NewSchemaLock(s, i.logger)
	}
	i.Service = services.NewBasicService(nil, i.running, nil)
	return i
}

func (i *Initializer) running(ctx context.Context) error {
	defs, err := LoadDefinitions(i.cfg.SearchPaths)
	if err != nil {
		// bad definition files do not fix themselves, no point retrying
		return err
	}
	level.Info(i.logger).Log("msg", "loaded table definitions", "tables", len(defs))

	b := backoff.New(ctx, backoff.Config{
		MinBackoff: i.cfg.MinBackoff,
		MaxBackoff: i.cfg.MaxBackoff,
		MaxRetries: i.cfg.MaxAttempts,
	})
	for b.Ongoing() {
		i.attempts.Inc()
		err := i.attempt(ctx, defs)
		if err == nil {
			level.Info(i.logger).Log("msg", "schema is in place")
			i.onReady()
			return nil
		}
		level.Warn(i.logger).Log("msg", "schema initialization attempt failed", "attempt", b.NumRetries()+1, "err", err)
		b.Wait()
	}
	return errors.Wrap(b.Err(), "schema initialization permanently failed")
}

func (i *Initializer) attempt(ctx context.Context, defs []TableDef) error {
	// idempotent and race-safe, so it happens outside the lock; the lock
	// row itself lives in this keyspace
	if err := i.createKeyspace(); err != nil {
		return err
	}

	session, err := i.connect()
	if err != nil {
		return err
	}
	defer session.Close()

	existingTables, err := i.listTables(ctx, session)
	if err != nil {
		return err
	}
	existingIndexes, err := i.listIndexes(ctx, session)
	if err != nil {
		return err
	}

	ch := computeChanges(defs, existingTables, existingIndexes)
	if ch.empty() {
		return nil
	}

	// only contended when several proxy instances start against a new
	// cluster at the same time
	lock := i.newLock(session)
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			level.Warn(i.logger).Log("msg", "failed to release schema lock", "err", err)
		}
	}()

	return i.apply(ctx, session, ch)
}

func (i *Initializer) apply(ctx context.Context, session cassandra.Session, ch changes) error {
	keyspace := i.connector.Keyspace()
	for _, def := range ch.createTables {
		level.Info(i.logger).Log("msg", "creating table", "table", def.Name, "model", def.Model)
		if err := i.exec(ctx, session, def.CreateStatement(keyspace)); err != nil {
			return errors.Wrapf(err, "create table %s", def.Name)
		}
	}
	for _, idx := range ch.createIndexes {
		level.Info(i.logger).Log("msg", "creating index", "index", idx.index.IndexName(idx.table))
		if err := i.exec(ctx, session, idx.index.CreateStatement(keyspace, idx.table)); err != nil {
			return errors.Wrapf(err, "create index on %s", idx.table)
		}
	}
	for _, name := range ch.dropTables {
		level.Info(i.logger).Log("msg", "dropping table", "table", name)
		if err := i.exec(ctx, session, "DROP TABLE IF EXISTS "+keyspace+"."+name); err != nil {
			return errors.Wrapf(err, "drop table %s", name)
		}
	}
	return nil
}

func (i *Initializer) exec(ctx context.Context, session cassandra.Session, cql string) error {
	_, err := session.Execute(ctx, &cassandra.Query{CQL: cql, Consistency: gocql.All})
	return err
}

func (i *Initializer) listTables(ctx context.Context, session cassandra.Session) (map[string]bool, error) {
	return i.listCatalog(ctx, session, "SELECT table_name FROM system_schema.tables WHERE keyspace_name = ?")
}

func (i *Initializer) listIndexes(ctx context.Context, session cassandra.Session) (map[string]bool, error) {
	return i.listCatalog(ctx, session, "SELECT index_name FROM system_schema.indexes WHERE keyspace_name = ?")
}

func (i *Initializer) listCatalog(ctx context.Context, session cassandra.Session, cql string) (map[string]bool, error) {
	rows, err := session.Execute(ctx, &cassandra.Query{
		CQL:         cql,
		Params:      [][]byte{[]byte(i.connector.Keyspace())},
		Consistency: gocql.One,
	})
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(rows.Values))
	for _, v := range rows.Values {
		names[string(v)] = true
	}
	return names, nil
}
