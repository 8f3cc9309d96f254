package dbproxy

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gocql/gocql"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/m2osw/snapdbproxy/pkg/cassandra"
	"github.com/m2osw/snapdbproxy/pkg/proxy"
)

// SessionSource is where a worker gets the shared session and where it
// reports losing it. The reconnection machine implements it.
type SessionSource interface {
	// Session returns the shared session, or false while the cluster is
	// unreachable.
	Session() (cassandra.Session, bool)
	// SignalLoss tells the owner the shared session should be considered
	// down. Never blocks; concurrent signals coalesce into one episode.
	SignalLoss()
}

// DedicatedDialer opens a session whose statement timeout is fixed to the
// given value, for orders that carry their own timeout.
type DedicatedDialer func(timeout time.Duration) (cassandra.Session, error)

var errStaleHandle = errors.New("dbproxy: no such cursor or batch")

// worker serves one client connection: it reads orders off the socket in
// arrival order, executes them, and writes results back. Cursors and
// batches live and die with their worker and are never shared.
type worker struct {
	conn     net.Conn
	sessions SessionSource
	dial     DedicatedDialer
	cache    *cassandra.SchemaCache

	defaultConsistency gocql.Consistency

	cursors handleTable[cursor]
	batches handleTable[batch]

	logger  log.Logger
	metrics *metrics
	done    atomic.Bool
}

func newWorker(conn net.Conn, sessions SessionSource, dial DedicatedDialer, cache *cassandra.SchemaCache, defaultConsistency gocql.Consistency, m *metrics, logger log.Logger) *worker {
	return &worker{
		conn:               conn,
		sessions:           sessions,
		dial:               dial,
		cache:              cache,
		defaultConsistency: defaultConsistency,
		logger:             log.With(logger, "client", conn.RemoteAddr()),
		metrics:            m,
	}
}

// closeRead half-closes the connection for reading so the worker's blocking
// read returns promptly; the worker then exits its own loop.
func (w *worker) closeRead() {
	type readCloser interface {
		CloseRead() error
	}
	if c, ok := w.conn.(readCloser); ok {
		_ = c.CloseRead()
		return
	}
	_ = w.conn.SetReadDeadline(time.Now())
}

func (w *worker) finished() bool {
	return w.done.Load()
}

func (w *worker) run(ctx context.Context) {
	defer w.done.Store(true)
	defer w.conn.Close()

	for {
		order, err := proxy.ReadOrder(w.conn)
		if err != nil {
			// a hang-up between frames is the normal end of a
			// connection; anything else is a protocol error that
			// only this client pays for
			if err != io.EOF {
				level.Debug(w.logger).Log("msg", "closing connection", "err", err)
			}
			return
		}

		res, fatal := w.dispatch(ctx, order)

		// schema-affecting DDL may have partially succeeded, so the
		// cache goes regardless of the outcome
		if order.ClearClusterDescription {
			w.cache.Invalidate()
		}

		status := "failed"
		if res != nil && res.Succeeded {
			status = "succeeded"
		}
		w.metrics.orders.WithLabelValues(order.Kind.String(), status).Inc()

		if fatal {
			w.sessions.SignalLoss()
			level.Warn(w.logger).Log("msg", "shared session lost, closing connection", "kind", order.Kind)
			return
		}
		if err := proxy.WriteResult(w.conn, res); err != nil {
			level.Debug(w.logger).Log("msg", "closing connection", "err", err)
			return
		}
	}
}

// dispatch runs one order and builds its result. fatal reports the
// session-fatal error class: the connection must close and the shared
// session be declared lost.
func (w *worker) dispatch(ctx context.Context, order *proxy.Order) (res *proxy.OrderResult, fatal bool) {
	// batches accumulate on the shared session; a per-order timeout would
	// silently move them to a throwaway one
	if order.TimeoutMS > 0 && order.BatchIndex != proxy.NoHandle {
		return failure(errors.New("dbproxy: order cannot combine a timeout with a batch")), false
	}

	// appending to a batch or managing handles needs no session at all
	switch order.Kind {
	case proxy.KindSuccess, proxy.KindRows:
		if order.BatchIndex != proxy.NoHandle {
			return w.batchAdd(order), false
		}
	case proxy.KindBatchAdd:
		return w.batchAdd(order), false
	case proxy.KindClose:
		return w.cursorClose(order), false
	case proxy.KindBatchDeclare:
		h := w.batches.alloc(&batch{})
		res := &proxy.OrderResult{Succeeded: true}
		res.AddHandle(h)
		return res, false
	case proxy.KindBatchRollback:
		if !w.batches.free(order.BatchIndex) {
			return failure(errStaleHandle), false
		}
		return &proxy.OrderResult{Succeeded: true}, false
	}

	session, release, err := w.session(order)
	if err != nil {
		return failure(err), false
	}
	if session == nil {
		// the shared session is already known to be down
		return failure(errors.New("dbproxy: no database session")), false
	}
	defer release()

	switch order.Kind {
	case proxy.KindSuccess:
		res, err = w.execute(ctx, session, order)
	case proxy.KindRows:
		res, err = w.executeRows(ctx, session, order)
	case proxy.KindDeclare:
		res, err = w.cursorDeclare(ctx, session, order)
	case proxy.KindFetch:
		res, err = w.cursorFetch(ctx, session, order)
	case proxy.KindDescribe:
		res, err = w.describe(ctx, session)
	case proxy.KindBatchCommit:
		res, err = w.batchCommit(ctx, session, order)
	default:
		err = errors.Errorf("dbproxy: kind %s cannot be dispatched", order.Kind)
	}
	if err != nil {
		if cassandra.IsFatalSessionError(err) {
			return nil, true
		}
		return failure(err), false
	}
	return res, false
}

// session picks the session for one order. Orders with their own timeout
// must not reuse the shared session, whose timeout was fixed at connect
// time; they get a dedicated one, discarded afterwards.
func (w *worker) session(order *proxy.Order) (cassandra.Session, func(), error) {
	if order.TimeoutMS > 0 {
		s, err := w.dial(time.Duration(order.TimeoutMS) * time.Millisecond)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	s, ok := w.sessions.Session()
	if !ok {
		return nil, nil, nil
	}
	return s, func() {}, nil
}

func (w *worker) query(order *proxy.Order) *cassandra.Query {
	return &cassandra.Query{
		CQL:         order.CQL,
		Params:      order.Parameters,
		Consistency: w.consistency(order.Consistency),
		Timestamp:   order.Timestamp,
	}
}

func (w *worker) consistency(c proxy.Consistency) gocql.Consistency {
	if c == proxy.ConsistencyDefault {
		return w.defaultConsistency
	}
	return gocql.Consistency(c)
}

func (w *worker) execute(ctx context.Context, session cassandra.Session, order *proxy.Order) (*proxy.OrderResult, error) {
	if _, err := session.Execute(ctx, w.query(order)); err != nil {
		return nil, err
	}
	return &proxy.OrderResult{Succeeded: true}, nil
}

func (w *worker) executeRows(ctx context.Context, session cassandra.Session, order *proxy.Order) (*proxy.OrderResult, error) {
	rows, err := session.Execute(ctx, w.query(order))
	if err != nil {
		return nil, err
	}
	res := &proxy.OrderResult{Succeeded: true}
	// one row of the columns the order asked for; an empty result set
	// stays empty
	n := int(order.ColumnCount)
	if len(rows.Values) >= n {
		res.Results = rows.Values[:n]
	}
	return res, nil
}

func (w *worker) cursorDeclare(ctx context.Context, session cassandra.Session, order *proxy.Order) (*proxy.OrderResult, error) {
	q := w.query(order)
	q.PageSize = int(order.PagingSize)
	rows, err := session.Execute(ctx, q)
	if err != nil {
		return nil, err
	}
	h := w.cursors.alloc(&cursor{
		cql:         order.CQL,
		params:      order.Parameters,
		consistency: order.Consistency,
		pageSize:    int(order.PagingSize),
		pageState:   rows.PageState,
		exhausted:   len(rows.PageState) == 0,
	})
	res := &proxy.OrderResult{Succeeded: true}
	res.AddHandle(h)
	res.Results = append(res.Results, rows.Values...)
	return res, nil
}

func (w *worker) cursorFetch(ctx context.Context, session cassandra.Session, order *proxy.Order) (*proxy.OrderResult, error) {
	c, ok := w.cursors.get(order.CursorIndex)
	if !ok {
		return nil, errors.Wrapf(errStaleHandle, "fetch cursor %d", order.CursorIndex)
	}
	res := &proxy.OrderResult{Succeeded: true}
	if c.exhausted {
		// an empty page tells the client to close the cursor
		return res, nil
	}
	rows, err := session.Execute(ctx, &cassandra.Query{
		CQL:         c.cql,
		Params:      c.params,
		Consistency: w.consistency(c.consistency),
		PageSize:    c.pageSize,
		PageState:   c.pageState,
	})
	if err != nil {
		return nil, err
	}
	c.pageState = rows.PageState
	c.exhausted = len(rows.PageState) == 0
	res.Results = rows.Values
	return res, nil
}

func (w *worker) cursorClose(order *proxy.Order) *proxy.OrderResult {
	if !w.cursors.free(order.CursorIndex) {
		return failure(errors.Wrapf(errStaleHandle, "close cursor %d", order.CursorIndex))
	}
	// replying is still required, the client blocks on it
	return &proxy.OrderResult{Succeeded: true}
}

func (w *worker) batchAdd(order *proxy.Order) *proxy.OrderResult {
	b, ok := w.batches.get(order.BatchIndex)
	if !ok {
		return failure(errors.Wrapf(errStaleHandle, "batch %d", order.BatchIndex))
	}
	b.statements = append(b.statements, &pendingStatement{
		cql:         order.CQL,
		params:      order.Parameters,
		consistency: order.Consistency,
		timestamp:   order.Timestamp,
	})
	return &proxy.OrderResult{Succeeded: true}
}

func (w *worker) batchCommit(ctx context.Context, session cassandra.Session, order *proxy.Order) (*proxy.OrderResult, error) {
	b, ok := w.batches.get(order.BatchIndex)
	if !ok {
		return nil, errors.Wrapf(errStaleHandle, "commit batch %d", order.BatchIndex)
	}
	queries := make([]*cassandra.Query, 0, len(b.statements))
	for _, s := range b.statements {
		queries = append(queries, &cassandra.Query{
			CQL:         s.cql,
			Params:      s.params,
			Consistency: w.consistency(s.consistency),
			Timestamp:   s.timestamp,
		})
	}
	if err := session.ExecuteBatch(ctx, queries); err != nil {
		return nil, err
	}
	w.batches.free(order.BatchIndex)
	return &proxy.OrderResult{Succeeded: true}, nil
}

func (w *worker) describe(ctx context.Context, session cassandra.Session) (*proxy.OrderResult, error) {
	blob, err := w.cache.Describe(ctx, session)
	if err != nil {
		return nil, err
	}
	res := &proxy.OrderResult{Succeeded: true}
	res.AddResult(blob)
	return res, nil
}

// failure wraps a statement-level error into an ERRO result; the message
// travels as the single result blob.
func failure(err error) *proxy.OrderResult {
	return &proxy.OrderResult{Results: [][]byte{[]byte(err.Error())}}
}
