package controlplane

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// fakeControlPlane accepts messenger connections and exposes received
// lines per connection.
type fakeControlPlane struct {
	t        *testing.T
	listener net.Listener
	conns    chan *planeConn
}

type planeConn struct {
	net.Conn
	lines chan string
}

func newFakeControlPlane(t *testing.T) *fakeControlPlane {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &fakeControlPlane{t: t, listener: listener, conns: make(chan *planeConn, 4)}
	go p.acceptLoop()
	t.Cleanup(func() { _ = listener.Close() })
	return p
}

func (p *fakeControlPlane) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		pc := &planeConn{Conn: conn, lines: make(chan string, 32)}
		go func() {
			scanner := bufio.NewScanner(pc.Conn)
			for scanner.Scan() {
				pc.lines <- scanner.Text()
			}
			close(pc.lines)
		}()
		p.conns <- pc
	}
}

func (p *fakeControlPlane) awaitConn(t *testing.T) *planeConn {
	t.Helper()
	select {
	case pc := <-p.conns:
		return pc
	case <-time.After(5 * time.Second):
		t.Fatal("messenger never connected")
		return nil
	}
}

func (pc *planeConn) awaitLine(t *testing.T) string {
	t.Helper()
	select {
	case line, ok := <-pc.lines:
		if !ok {
			t.Fatal("control plane connection closed while waiting for a line")
		}
		return line
	case <-time.After(5 * time.Second):
		t.Fatal("no control plane message arrived")
		return ""
	}
}

func (pc *planeConn) sendLine(t *testing.T, line string) {
	t.Helper()
	_, err := pc.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func startMessenger(t *testing.T, p *fakeControlPlane, handlers Handlers) *Messenger {
	t.Helper()
	cfg := Config{Address: p.listener.Addr().String(), ServiceName: "snapdbproxy", DialTimeout: 5 * time.Second}
	m := NewMessenger(cfg, handlers, log.NewNopLogger())
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), m))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), m))
	})
	return m
}

func TestMessengerRegistersOnConnect(t *testing.T) {
	p := newFakeControlPlane(t)
	startMessenger(t, p, Handlers{})

	conn := p.awaitConn(t)
	require.Equal(t, "REGISTER service=snapdbproxy", conn.awaitLine(t))
}

func TestMessengerUnregistersOnStop(t *testing.T) {
	p := newFakeControlPlane(t)
	m := startMessenger(t, p, Handlers{})
	conn := p.awaitConn(t)
	conn.awaitLine(t) // REGISTER

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), m))
	require.Equal(t, "UNREGISTER service=snapdbproxy", conn.awaitLine(t))
}

func TestMessengerAnnouncesAvailability(t *testing.T) {
	p := newFakeControlPlane(t)
	m := startMessenger(t, p, Handlers{})
	conn := p.awaitConn(t)
	conn.awaitLine(t) // REGISTER

	// before READY the control plane is not told the cluster came up
	m.CassandraReady()
	m.Ready()
	require.Equal(t, "READY", conn.awaitLine(t))

	m.CassandraDown()
	require.Equal(t, "NOCASSANDRA", conn.awaitLine(t))

	m.CassandraReady()
	require.Equal(t, "CASSANDRAREADY", conn.awaitLine(t))
}

func TestMessengerAnswersStatusQueries(t *testing.T) {
	p := newFakeControlPlane(t)
	m := startMessenger(t, p, Handlers{})
	conn := p.awaitConn(t)
	conn.awaitLine(t) // REGISTER

	conn.sendLine(t, "CASSANDRASTATUS")
	require.Equal(t, "NOCASSANDRA", conn.awaitLine(t))

	m.Ready()
	conn.awaitLine(t) // READY
	m.CassandraReady()
	conn.awaitLine(t) // CASSANDRAREADY

	conn.sendLine(t, "CASSANDRASTATUS")
	require.Equal(t, "CASSANDRAREADY", conn.awaitLine(t))
}

func TestMessengerDispatchesCommands(t *testing.T) {
	var stops, reloads, rotations atomic.Int32
	p := newFakeControlPlane(t)
	startMessenger(t, p, Handlers{
		Stop:         func() { stops.Inc() },
		ReloadConfig: func() { reloads.Inc() },
		RotateLog:    func() { rotations.Inc() },
	})
	conn := p.awaitConn(t)
	conn.awaitLine(t) // REGISTER

	conn.sendLine(t, "LOG")
	conn.sendLine(t, "RELOADCONFIG")
	conn.sendLine(t, "QUITTING")
	conn.sendLine(t, "HELP")
	require.Equal(t, "COMMANDS list=CASSANDRASTATUS,HELP,LOG,QUITTING,RELOADCONFIG,STOP", conn.awaitLine(t))

	require.EqualValues(t, 1, rotations.Load())
	require.EqualValues(t, 1, reloads.Load())
	require.EqualValues(t, 1, stops.Load())
}

func TestMessengerRepliesUnknown(t *testing.T) {
	p := newFakeControlPlane(t)
	startMessenger(t, p, Handlers{})
	conn := p.awaitConn(t)
	conn.awaitLine(t) // REGISTER

	conn.sendLine(t, "FLUSHCACHES now=true")
	require.Equal(t, "UNKNOWN command=FLUSHCACHES", conn.awaitLine(t))
}

func TestMessengerReconnectsAndReplaysState(t *testing.T) {
	p := newFakeControlPlane(t)
	m := startMessenger(t, p, Handlers{})
	first := p.awaitConn(t)
	first.awaitLine(t) // REGISTER

	m.Ready()
	first.awaitLine(t) // READY
	m.CassandraReady()
	first.awaitLine(t) // CASSANDRAREADY

	// the control plane restarts
	require.NoError(t, first.Close())

	second := p.awaitConn(t)
	require.Equal(t, "REGISTER service=snapdbproxy", second.awaitLine(t))
	require.Equal(t, "READY", second.awaitLine(t))
	require.Equal(t, "CASSANDRAREADY", second.awaitLine(t))
}
