package controlplane

import (
	"bufio"
	"context"
	"flag"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Config for the control-plane connection.
type Config struct {
	Address     string        `yaml:"address"`
	ServiceName string        `yaml:"service_name"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Address, "controlplane.address", "", "Address of the control plane. Empty disables the messenger; signals alone then drive shutdown.")
	f.StringVar(&cfg.ServiceName, "controlplane.service-name", "snapdbproxy", "Name this service registers under.")
	f.DurationVar(&cfg.DialTimeout, "controlplane.dial-timeout", 10*time.Second, "Timeout for one control-plane dial attempt.")
}

// Enabled reports whether a control plane is configured at all.
func (cfg *Config) Enabled() bool {
	return cfg.Address != ""
}

// Handlers are the application reactions to inbound control-plane
// commands. Nil members are ignored.
type Handlers struct {
	// Stop is called for STOP and QUITTING; the application shuts down
	// cleanly.
	Stop func()
	// ReloadConfig is called for RELOADCONFIG; configuration cannot be
	// re-read in place, so the application exits asking for a restart.
	ReloadConfig func()
	// RotateLog is called for LOG; the application reopens its logfile.
	RotateLog func()
}

// commands this messenger understands, for the HELP reply.
var knownCommands = []string{"CASSANDRASTATUS", "HELP", "LOG", "QUITTING", "RELOADCONFIG", "STOP"}

// Messenger keeps one connection to the control plane, re-dialing under
// backoff whenever it drops. It registers on every (re)connect and replays
// the current availability state so the control plane never acts on stale
// status. It doubles as the reconnector's Announcer.
type Messenger struct {
	services.Service

	cfg      Config
	handlers Handlers
	logger   log.Logger

	// observed application state, replayed after every reconnect
	cassandraUp atomic.Bool
	readySent   atomic.Bool

	mtx  sync.Mutex
	conn net.Conn
}

// NewMessenger builds the control-plane service. Call only when
// cfg.Enabled(); use dbproxy.NopAnnouncer otherwise.
func NewMessenger(cfg Config, handlers Handlers, logger log.Logger) *Messenger {
	m := &Messenger{
		cfg:      cfg,
		handlers: handlers,
		logger:   log.With(logger, "component", "messenger"),
	}
	m.Service = services.NewBasicService(nil, m.running, m.stopping)
	return m
}

// CassandraDown tells the control plane the cluster became unreachable.
func (m *Messenger) CassandraDown() {
	m.cassandraUp.Store(false)
	m.send(NewMessage("NOCASSANDRA"))
}

// CassandraReady tells the control plane the cluster answers again. Before
// the application announced READY the control plane is not listening for
// it, so the transition is only recorded.
func (m *Messenger) CassandraReady() {
	m.cassandraUp.Store(true)
	if m.readySent.Load() {
		m.send(NewMessage("CASSANDRAREADY"))
	}
}

// Ready announces the application finished starting up.
func (m *Messenger) Ready() {
	m.readySent.Store(true)
	m.send(NewMessage("READY"))
}

// send writes one message if connected; while disconnected the state the
// message carried is replayed from cassandraUp/readySent on reconnect.
func (m *Messenger) send(msg *Message) {
	m.mtx.Lock()
	conn := m.conn
	m.mtx.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.Write([]byte(msg.Encode() + "\n")); err != nil {
		level.Warn(m.logger).Log("msg", "control plane write failed", "command", msg.Command, "err", err)
	}
}

func (m *Messenger) setConn(c net.Conn) {
	m.mtx.Lock()
	old := m.conn
	m.conn = c
	m.mtx.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (m *Messenger) running(ctx context.Context) error {
	b := backoff.New(ctx, backoff.Config{
		MinBackoff: time.Second,
		MaxBackoff: 30 * time.Second,
	})
	for b.Ongoing() {
		conn, err := m.dial(ctx)
		if err != nil {
			level.Warn(m.logger).Log("msg", "cannot reach control plane", "err", err)
			b.Wait()
			continue
		}
		b.Reset()

		m.setConn(conn)
		m.register()
		level.Info(m.logger).Log("msg", "connected to control plane", "addr", m.cfg.Address)

		err = m.serve(ctx, conn)
		if ctx.Err() != nil {
			// leave the connection up: stopping still says UNREGISTER
			return nil
		}
		m.setConn(nil)
		level.Warn(m.logger).Log("msg", "control plane connection lost", "err", err)
	}
	return nil
}

func (m *Messenger) dial(ctx context.Context) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	var d net.Dialer
	return d.DialContext(dctx, "tcp", m.cfg.Address)
}

// register replays what the control plane needs to know about us. After a
// drop-and-reconnect that includes state announced while disconnected.
func (m *Messenger) register() {
	m.send(NewMessage("REGISTER").Set("service", m.cfg.ServiceName))
	if m.readySent.Load() {
		m.send(NewMessage("READY"))
		if m.cassandraUp.Load() {
			m.send(NewMessage("CASSANDRAREADY"))
		} else {
			m.send(NewMessage("NOCASSANDRA"))
		}
	}
}

func (m *Messenger) serve(ctx context.Context, conn net.Conn) error {
	// a shutdown must interrupt the blocking read without killing the
	// connection, which the stopping hook still writes UNREGISTER to
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-watcherDone:
		}
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		msg, err := ParseMessage(scanner.Text())
		if err != nil {
			level.Warn(m.logger).Log("msg", "unreadable control plane message", "err", err)
			continue
		}
		m.handleMessage(msg)
		if ctx.Err() != nil {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("control plane hung up")
}

func (m *Messenger) handleMessage(msg *Message) {
	level.Debug(m.logger).Log("msg", "control plane command", "command", msg.Command)
	switch msg.Command {
	case "CASSANDRASTATUS":
		if m.cassandraUp.Load() {
			m.send(NewMessage("CASSANDRAREADY"))
		} else {
			m.send(NewMessage("NOCASSANDRA"))
		}
	case "STOP", "QUITTING":
		if m.handlers.Stop != nil {
			m.handlers.Stop()
		}
	case "LOG":
		if m.handlers.RotateLog != nil {
			m.handlers.RotateLog()
		}
	case "RELOADCONFIG":
		if m.handlers.ReloadConfig != nil {
			m.handlers.ReloadConfig()
		}
	case "HELP":
		m.send(NewMessage("COMMANDS").Set("list", strings.Join(knownCommands, ",")))
	default:
		m.send(NewMessage("UNKNOWN").Set("command", msg.Command))
	}
}

func (m *Messenger) stopping(_ error) error {
	m.send(NewMessage("UNREGISTER").Set("service", m.cfg.ServiceName))
	m.setConn(nil)
	return nil
}
