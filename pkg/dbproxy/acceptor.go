package dbproxy

import (
	"context"
	"flag"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gocql/gocql"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/m2osw/snapdbproxy/pkg/cassandra"
)

// Config for the client-facing listener.
type Config struct {
	ListenAddress  string `yaml:"listen_address"`
	MaxConnections int    `yaml:"max_connections"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.ListenAddress, "proxy.listen-address", "127.0.0.1:4042", "Address the proxy accepts client connections on.")
	f.IntVar(&cfg.MaxConnections, "proxy.max-connections", 100, "Turn away client connections beyond this many concurrent ones.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if cfg.ListenAddress == "" {
		return errors.New("no proxy listen address configured")
	}
	if cfg.MaxConnections < 1 {
		return errors.New("proxy connection limit must be at least 1")
	}
	return nil
}

// Acceptor owns the client listener and one worker per accepted
// connection. Worker bookkeeping is opportunistic: finished workers are
// pruned right before each new connection is handled, never on a timer, so
// the accept loop is the only writer of the worker list.
type Acceptor struct {
	services.Service

	cfg    Config
	logger log.Logger
	m      *metrics

	newWorker func(net.Conn) *worker

	listener net.Listener

	mtx     sync.Mutex
	workers []*worker
	wg      sync.WaitGroup
}

// NewAcceptor builds the acceptor service. Workers draw their shared
// session from sessions and dedicated sessions from connector.
func NewAcceptor(cfg Config, sessions SessionSource, connector *cassandra.Connector, cache *cassandra.SchemaCache, defaultConsistency gocql.Consistency, reg prometheus.Registerer, logger log.Logger) *Acceptor {
	a := &Acceptor{
		cfg:    cfg,
		logger: log.With(logger, "component", "acceptor"),
		m:      newMetrics(reg),
	}
	a.newWorker = func(conn net.Conn) *worker {
		return newWorker(conn, sessions, connector.ConnectWithTimeout, cache, defaultConsistency, a.m, logger)
	}
	a.Service = services.NewBasicService(a.starting, a.running, a.stopping)
	return a
}

func (a *Acceptor) starting(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.cfg.ListenAddress)
	if err != nil {
		return errors.Wrap(err, "listen for clients")
	}
	a.listener = listener
	level.Info(a.logger).Log("msg", "accepting client connections", "addr", listener.Addr())
	return nil
}

func (a *Acceptor) running(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.acceptLoop(ctx)
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *Acceptor) acceptLoop(ctx context.Context) error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return errors.Wrap(err, "accept")
		}
		a.handle(ctx, conn)
	}
}

func (a *Acceptor) handle(ctx context.Context, conn net.Conn) {
	a.mtx.Lock()
	a.prune()
	if len(a.workers) >= a.cfg.MaxConnections {
		a.mtx.Unlock()
		a.m.rejectedConnections.Inc()
		level.Warn(a.logger).Log("msg", "connection limit reached, turning client away", "client", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	w := a.newWorker(conn)
	a.workers = append(a.workers, w)
	a.mtx.Unlock()

	a.m.acceptedConnections.Inc()
	a.m.activeConnections.Inc()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.m.activeConnections.Dec()
		w.run(ctx)
	}()
}

// prune drops finished workers. Caller holds the lock.
func (a *Acceptor) prune() {
	live := a.workers[:0]
	for _, w := range a.workers {
		if !w.finished() {
			live = append(live, w)
		}
	}
	for i := len(live); i < len(a.workers); i++ {
		a.workers[i] = nil
	}
	a.workers = live
}

func (a *Acceptor) stopping(_ error) error {
	if a.listener != nil {
		_ = a.listener.Close()
	}

	// half-close rather than kill: each worker notices the hang-up on
	// its next read and leaves its loop on its own
	a.mtx.Lock()
	for _, w := range a.workers {
		if !w.finished() {
			w.closeRead()
		}
	}
	a.mtx.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		level.Warn(a.logger).Log("msg", "timed out waiting for workers to drain")
	}
	level.Info(a.logger).Log("msg", "stopped")
	return nil
}
