// Package dbproxy is the server side of snapdbproxy: it accepts client
// connections, runs one worker per connection dispatching orders against
// the shared Cassandra session, and drives reconnection when that session
// is lost.
package dbproxy

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/m2osw/snapdbproxy/pkg/cassandra"
)

// Announcer carries cluster availability transitions to the control plane.
type Announcer interface {
	CassandraDown()
	CassandraReady()
}

// NopAnnouncer is used when no control plane is configured.
type NopAnnouncer struct{}

func (NopAnnouncer) CassandraDown()  {}
func (NopAnnouncer) CassandraReady() {}

// Dialer opens the shared session. *cassandra.Connector satisfies it.
type Dialer interface {
	Connect() (cassandra.Session, error)
}

// Reconnector owns the shared long-lived session. It is the only component
// that ever replaces it: workers that hit a session-fatal error signal the
// loss and self-terminate, and the reconnector then re-establishes the
// session under exponential backoff. Availability transitions are announced
// once per episode no matter how many workers fail together.
type Reconnector struct {
	services.Service

	dialer   Dialer
	announce Announcer
	logger   log.Logger
	episodes prometheus.Counter

	minBackoff time.Duration
	maxBackoff time.Duration

	trigger chan struct{}

	mtx     sync.RWMutex
	session cassandra.Session
}

// NewReconnector builds the reconnection service.
func NewReconnector(dialer Dialer, announce Announcer, reg prometheus.Registerer, logger log.Logger) *Reconnector {
	r := &Reconnector{
		dialer:   dialer,
		announce: announce,
		logger:   log.With(logger, "component", "reconnector"),
		episodes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "snapdbproxy",
			Name:      "reconnect_episodes_total",
			Help:      "Times the shared session was lost and reconnection began.",
		}),
		minBackoff: 1500 * time.Millisecond,
		maxBackoff: time.Minute,
		trigger:    make(chan struct{}, 1),
	}
	r.Service = services.NewBasicService(nil, r.running, nil)
	return r
}

// Session returns the shared session, or false while disconnected.
func (r *Reconnector) Session() (cassandra.Session, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.session, r.session != nil
}

// Connected reports whether the shared session is currently up.
func (r *Reconnector) Connected() bool {
	_, ok := r.Session()
	return ok
}

// SignalLoss marks the shared session as lost. Safe to call from any
// worker; calls during an ongoing episode coalesce.
func (r *Reconnector) SignalLoss() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Reconnector) running(ctx context.Context) error {
	for {
		// DISCONNECTED: announced once, however many workers failed
		r.announce.CassandraDown()
		r.episodes.Inc()
		level.Warn(r.logger).Log("msg", "no database connection, reconnecting")

		// CONNECTING: retry until the cluster answers or we shut down
		session, err := r.connect(ctx)
		if err != nil {
			return err
		}
		if session == nil {
			return nil // shutdown
		}

		r.setSession(session)

		// loss signals from the previous episode are stale now
		select {
		case <-r.trigger:
		default:
		}

		level.Info(r.logger).Log("msg", "database connection established")
		r.announce.CassandraReady()

		// CONNECTED: wait for the next loss or for shutdown
		select {
		case <-ctx.Done():
			r.dropSession()
			return nil
		case <-r.trigger:
			r.dropSession()
		}
	}
}

func (r *Reconnector) connect(ctx context.Context) (cassandra.Session, error) {
	b := backoff.New(ctx, backoff.Config{
		MinBackoff: r.minBackoff,
		MaxBackoff: r.maxBackoff,
	})
	for b.Ongoing() {
		session, err := r.dialer.Connect()
		if err == nil {
			return session, nil
		}
		level.Warn(r.logger).Log("msg", "connection attempt failed", "attempt", b.NumRetries()+1, "err", err)
		b.Wait()
	}
	if ctx.Err() != nil {
		return nil, nil
	}
	return nil, errors.Wrap(b.Err(), "reconnect")
}

func (r *Reconnector) setSession(s cassandra.Session) {
	r.mtx.Lock()
	r.session = s
	r.mtx.Unlock()
}

func (r *Reconnector) dropSession() {
	r.mtx.Lock()
	s := r.session
	r.session = nil
	r.mtx.Unlock()
	if s != nil {
		s.Close()
	}
}
