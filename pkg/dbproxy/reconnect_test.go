package dbproxy

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/m2osw/snapdbproxy/pkg/cassandra"
	"github.com/pkg/errors"
)

type countingAnnouncer struct {
	downs  atomic.Int32
	readys atomic.Int32
}

func (a *countingAnnouncer) CassandraDown()  { a.downs.Inc() }
func (a *countingAnnouncer) CassandraReady() { a.readys.Inc() }

// flakyDialer fails a fixed number of attempts before each success.
type flakyDialer struct {
	failures atomic.Int32
	attempts atomic.Int32
	sessions []*scriptedSession
	ready    chan struct{}
}

func newFlakyDialer(failures int32) *flakyDialer {
	d := &flakyDialer{ready: make(chan struct{}, 16)}
	d.failures.Store(failures)
	return d
}

func (d *flakyDialer) Connect() (cassandra.Session, error) {
	d.attempts.Inc()
	if d.failures.Dec() >= 0 {
		return nil, errors.New("connection refused")
	}
	s := &scriptedSession{}
	d.sessions = append(d.sessions, s)
	d.ready <- struct{}{}
	return s, nil
}

func startReconnector(t *testing.T, dialer Dialer, announce Announcer) *Reconnector {
	t.Helper()
	r := NewReconnector(dialer, announce, prometheus.NewRegistry(), log.NewNopLogger())
	r.minBackoff = time.Millisecond
	r.maxBackoff = 5 * time.Millisecond
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), r))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), r))
	})
	return r
}

func awaitSession(t *testing.T, d *flakyDialer) {
	t.Helper()
	select {
	case <-d.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnector never established a session")
	}
}

// awaitReady blocks until the reconnector has announced readiness n times.
// Loss signals sent before that point race with the stale-trigger drain.
func awaitReady(t *testing.T, a *countingAnnouncer, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return a.readys.Load() >= n }, 5*time.Second, time.Millisecond)
}

func TestReconnectorRetriesUntilConnected(t *testing.T) {
	dialer := newFlakyDialer(3)
	announce := &countingAnnouncer{}
	r := startReconnector(t, dialer, announce)
	awaitSession(t, dialer)

	require.Eventually(t, r.Connected, 5*time.Second, time.Millisecond)
	require.EqualValues(t, 4, dialer.attempts.Load())
	require.EqualValues(t, 1, announce.downs.Load(), "down announced once despite several failed attempts")
	require.EqualValues(t, 1, announce.readys.Load())

	s, ok := r.Session()
	require.True(t, ok)
	require.Same(t, dialer.sessions[0], s)
}

func TestReconnectorCoalescesLossSignals(t *testing.T) {
	dialer := newFlakyDialer(0)
	announce := &countingAnnouncer{}
	r := startReconnector(t, dialer, announce)
	awaitSession(t, dialer)
	awaitReady(t, announce, 1)

	// several workers report the same outage
	r.SignalLoss()
	r.SignalLoss()
	r.SignalLoss()
	awaitSession(t, dialer)

	require.Eventually(t, r.Connected, 5*time.Second, time.Millisecond)
	require.EqualValues(t, 2, announce.downs.Load(), "one announcement per episode, not per signal")
	require.EqualValues(t, 2, announce.readys.Load())
	require.Len(t, dialer.sessions, 2)
}

func TestReconnectorReplacesSessionAfterLoss(t *testing.T) {
	dialer := newFlakyDialer(0)
	announce := &countingAnnouncer{}
	r := startReconnector(t, dialer, announce)
	awaitSession(t, dialer)
	awaitReady(t, announce, 1)

	first, ok := r.Session()
	require.True(t, ok)

	r.SignalLoss()
	awaitSession(t, dialer)
	require.Eventually(t, r.Connected, 5*time.Second, time.Millisecond)

	second, ok := r.Session()
	require.True(t, ok)
	require.NotSame(t, first, second)
	require.True(t, dialer.sessions[0].closed.Load(), "lost session is closed")
}

func TestReconnectorClosesSessionOnShutdown(t *testing.T) {
	dialer := newFlakyDialer(0)
	r := NewReconnector(dialer, &countingAnnouncer{}, prometheus.NewRegistry(), log.NewNopLogger())
	r.minBackoff = time.Millisecond
	r.maxBackoff = 5 * time.Millisecond
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), r))
	awaitSession(t, dialer)
	require.Eventually(t, r.Connected, 5*time.Second, time.Millisecond)

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), r))
	require.False(t, r.Connected())
	require.True(t, dialer.sessions[0].closed.Load())
}

func TestReconnectBackoffLaw(t *testing.T) {
	cfg := backoff.Config{MinBackoff: 1500 * time.Millisecond, MaxBackoff: time.Minute}
	b := backoff.New(context.Background(), cfg)

	// delay after k failures lives in [min*2^k, min*2^(k+1)), capped
	for k := 0; k < 10; k++ {
		d := b.NextDelay()
		lower := cfg.MinBackoff << k
		if lower > cfg.MaxBackoff {
			lower = cfg.MaxBackoff
		}
		upper := cfg.MinBackoff << (k + 1)
		if upper > cfg.MaxBackoff {
			upper = cfg.MaxBackoff
		}
		require.GreaterOrEqual(t, d, lower, "failure %d", k)
		require.LessOrEqual(t, d, upper, "failure %d", k)
	}

	// success resets the delay to its minimum
	b.Reset()
	d := b.NextDelay()
	require.GreaterOrEqual(t, d, cfg.MinBackoff)
	require.LessOrEqual(t, d, 2*cfg.MinBackoff)
}
