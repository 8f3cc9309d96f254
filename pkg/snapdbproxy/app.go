package snapdbproxy

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/m2osw/snapdbproxy/pkg/cassandra"
	"github.com/m2osw/snapdbproxy/pkg/controlplane"
	"github.com/m2osw/snapdbproxy/pkg/dbproxy"
	"github.com/m2osw/snapdbproxy/pkg/schema"
)

// ErrRestartRequested asks the caller to exit non-zero so the init system
// restarts the process, which is how RELOADCONFIG takes effect.
var ErrRestartRequested = errors.New("restart requested")

// App wires the proxy together and runs it: control plane and session
// machine first, then schema initialization, and only then the client
// listener.
type App struct {
	cfg    Config
	logger *Logger

	messenger   *controlplane.Messenger
	reconnector *dbproxy.Reconnector
	initializer *schema.Initializer
	acceptor    *dbproxy.Acceptor

	stop        chan struct{}
	stopOnce    func()
	restartWant atomic.Bool
}

// New builds the application from its validated configuration.
func New(cfg Config, logger *Logger, reg *prometheus.Registry) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
	}
	var once atomic.Bool
	a.stopOnce = func() {
		if once.CompareAndSwap(false, true) {
			close(a.stop)
		}
	}

	var announcer dbproxy.Announcer = dbproxy.NopAnnouncer{}
	if cfg.ControlPlane.Enabled() {
		a.messenger = controlplane.NewMessenger(cfg.ControlPlane, controlplane.Handlers{
			Stop: a.stopOnce,
			ReloadConfig: func() {
				a.restartWant.Store(true)
				a.stopOnce()
			},
			RotateLog: func() {
				if err := logger.Reopen(); err != nil {
					level.Error(logger).Log("msg", "cannot reopen logfile", "err", err)
				}
			},
		}, logger)
		announcer = a.messenger
	}

	cache := cassandra.NewSchemaCache()
	connector := cassandra.NewConnector(cfg.Cassandra)
	a.reconnector = dbproxy.NewReconnector(connector, announcer, reg, logger)
	a.initializer = schema.NewInitializer(cfg.Schema, connector, func() {}, reg, logger)
	a.acceptor = dbproxy.NewAcceptor(cfg.Proxy, a.reconnector, connector, cache, cfg.Cassandra.DefaultConsistency(), reg, logger)
	return a, nil
}

// Run blocks until the proxy stops. A nil return means a clean stop;
// ErrRestartRequested means the caller should exit asking for a restart.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// SIGINT/SIGTERM stop the proxy whether or not a control plane is
	// around to say STOP
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	background := []services.Service{a.reconnector}
	if a.messenger != nil {
		background = append(background, a.messenger)
	}
	sm, err := services.NewManager(background...)
	if err != nil {
		return errors.Wrap(err, "assemble services")
	}
	onHealthy := func() { level.Info(a.logger).Log("msg", "background services up") }
	onStopped := func() { level.Info(a.logger).Log("msg", "background services stopped") }
	onFailed := func(service services.Service) {
		level.Error(a.logger).Log("msg", "service failed", "err", service.FailureCase())
		a.stopOnce()
	}
	sm.AddListener(services.NewManagerListener(onHealthy, onStopped, onFailed))

	if err := sm.StartAsync(ctx); err != nil {
		return errors.Wrap(err, "start services")
	}
	defer func() {
		_ = services.StopManagerAndAwaitStopped(context.Background(), sm)
	}()

	// no client gets in before the schema exists
	stopRequested, err := a.runInitializer(ctx, sigCh)
	if err != nil {
		return err
	}
	if stopRequested {
		if a.restartWant.Load() {
			return ErrRestartRequested
		}
		return nil
	}

	if err := services.StartAndAwaitRunning(ctx, a.acceptor); err != nil {
		return errors.Wrap(err, "start acceptor")
	}
	defer func() {
		_ = services.StopAndAwaitTerminated(context.Background(), a.acceptor)
	}()

	if a.messenger != nil {
		a.messenger.Ready()
	}
	level.Info(a.logger).Log("msg", "snapdbproxy ready", "listen", a.cfg.Proxy.ListenAddress)

	select {
	case sig := <-sigCh:
		level.Info(a.logger).Log("msg", "caught signal, shutting down", "signal", sig)
	case <-a.stop:
		level.Info(a.logger).Log("msg", "stop requested, shutting down")
	case <-ctx.Done():
	}

	if a.restartWant.Load() {
		return ErrRestartRequested
	}
	return nil
}

// runInitializer runs the schema initializer to completion, still
// honoring stop requests that arrive while the cluster is unreachable.
// stopped reports that the wait ended because shutdown was asked for,
// which is not a failure.
func (a *App) runInitializer(ctx context.Context, sigCh <-chan os.Signal) (stopped bool, err error) {
	initCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.stop:
			cancel()
		case <-sigCh:
			a.stopOnce()
			cancel()
		case <-initCtx.Done():
		}
	}()

	if err := services.StartAndAwaitRunning(initCtx, a.initializer); err != nil {
		if a.stopRequested() {
			return true, nil
		}
		return false, errors.Wrap(err, "start schema initializer")
	}
	if err := a.initializer.AwaitTerminated(initCtx); err != nil {
		if a.stopRequested() {
			return true, nil
		}
		return false, errors.Wrap(err, "schema initializer")
	}
	return a.stopRequested(), nil
}

func (a *App) stopRequested() bool {
	select {
	case <-a.stop:
		return true
	default:
		return false
	}
}
