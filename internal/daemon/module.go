package daemon

import (
	"context"
	"os"

	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/config"
	"github.com/pigeon-im/pigeon/internal/lock"
	"github.com/pigeon-im/pigeon/internal/logging"
	"github.com/pigeon-im/pigeon/internal/netmon"
	"github.com/pigeon-im/pigeon/internal/notify"
	"github.com/pigeon-im/pigeon/internal/outbox"
	"github.com/pigeon-im/pigeon/internal/profile"
	"github.com/pigeon-im/pigeon/internal/receipts"
	"github.com/pigeon-im/pigeon/internal/remote"
	"github.com/pigeon-im/pigeon/internal/remote/ws"
	"github.com/pigeon-im/pigeon/internal/scan"
	"github.com/pigeon-im/pigeon/internal/status"
	"github.com/pigeon-im/pigeon/internal/store"
	intsync "github.com/pigeon-im/pigeon/internal/sync"
	"github.com/pigeon-im/pigeon/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the engine daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideIdentity,
			provideBackend,
			provideNetmon,
			provideTracker,
			provideNotifier,
			provideSyncEngine,
			provideQueue,
			provideManager,
			provideTypingBroadcaster,
			provideTypingWatcher,
			provideScanner,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := profile.ConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideIdentity(cfg *config.Config) remote.Identity {
	return remote.Identity{
		UserID:      cfg.Remote.UserID,
		DisplayName: cfg.Remote.DisplayName,
	}
}

func provideBackend(cfg *config.Config, logger *zap.Logger) (*ws.Client, remote.Backend) {
	client := ws.New(ws.Config{
		URL:                cfg.Remote.URL,
		Token:              cfg.Remote.Token,
		ReconnectBaseDelay: cfg.Outbox.BaseDelay(),
		ReconnectMaxDelay:  cfg.Outbox.MaxDelay(),
	}, logger)
	return client, client
}

func provideNetmon(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	probe := &netmon.DialProbe{Addr: cfg.Netmon.ProbeAddr}
	return netmon.New(probe, cfg.Netmon.Interval(), b, logger)
}

func provideTracker(db *store.DB, backend remote.Backend, b *bus.Bus, self remote.Identity, logger *zap.Logger) *receipts.Tracker {
	return receipts.New(db, backend, b, self, logger)
}

func provideNotifier(logger *zap.Logger) notify.Notifier {
	return &notify.LogNotifier{Logger: logger}
}

func provideSyncEngine(db *store.DB, tracker *receipts.Tracker, b *bus.Bus, notifier notify.Notifier, self remote.Identity, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, tracker, b, notifier, self, logger)
}

func provideQueue(db *store.DB, backend remote.Backend, b *bus.Bus, mon *netmon.Monitor, self remote.Identity, cfg *config.Config, logger *zap.Logger) *outbox.Queue {
	policy := outbox.Policy{
		Base:        cfg.Outbox.BaseDelay(),
		Multiplier:  cfg.Outbox.Multiplier,
		Cap:         cfg.Outbox.MaxDelay(),
		MaxAttempts: cfg.Outbox.MaxAttempts,
	}
	return outbox.New(db, backend, b, mon, self, policy, cfg.Outbox.PollInterval(), logger)
}

func provideManager(db *store.DB, engine *intsync.Engine, backend remote.Backend, b *bus.Bus, self remote.Identity, cfg *config.Config, logger *zap.Logger) *intsync.Manager {
	return intsync.NewManager(db, engine, backend, b, self, cfg.Sync.PageSize, logger)
}

func provideTypingBroadcaster(backend remote.Backend, self remote.Identity, cfg *config.Config, logger *zap.Logger) *typing.Broadcaster {
	return typing.NewBroadcaster(backend, self, cfg.Typing.Throttle(), cfg.Typing.TTL(), logger)
}

func provideTypingWatcher(backend remote.Backend, self remote.Identity, cfg *config.Config) *typing.Watcher {
	return typing.NewWatcher(backend, self, cfg.Typing.TTL())
}

func provideScanner(db *store.DB, logger *zap.Logger) *scan.Scanner {
	return scan.NewScanner(db, scan.NewTracker(db), logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	client *ws.Client,
	mon *netmon.Monitor,
	queue *outbox.Queue,
	manager *intsync.Manager,
	broadcaster *typing.Broadcaster,
	machine *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
) {
	runCtx, cancelRun := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			mon.Start(runCtx)
			queue.Start(runCtx)

			mon.Subscribe(func(online bool) {
				if !online {
					_ = machine.Transition(status.Offline)
				}
			})

			// First sync.live marks the engine live; later ones are chats
			// joining and do not regress the state.
			liveCh, unsubLive := b.Subscribe("sync.live", 8)
			go func() {
				for range liveCh {
					if machine.Current() == status.Syncing {
						_ = machine.Transition(status.Live)
					}
				}
			}()
			_ = unsubLive // released on process exit with the bus

			go connectLoop(runCtx, client, mon, manager, machine, logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelRun()
			broadcaster.Close()
			manager.Stop()
			queue.Stop()
			mon.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("error closing backend connection", zap.Error(err))
			}
			_ = machine.Transition(status.Stopped)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// connectLoop brings the backend up and keeps trying while the network is
// down. Once connected it hands the stream over to the sync manager; the ws
// client handles subsequent reconnects itself.
func connectLoop(ctx context.Context, client *ws.Client, mon *netmon.Monitor, manager *intsync.Manager, machine *status.Machine, logger *zap.Logger) {
	if !mon.IsOnline() {
		_ = machine.Transition(status.Offline)
	}

	for ctx.Err() == nil {
		if !mon.IsOnline() {
			waitOnline(ctx, mon)
			continue
		}

		_ = machine.Transition(status.Connecting)
		if err := client.Connect(ctx); err != nil {
			logger.Warn("backend connect failed", zap.Error(err))
			_ = machine.Transition(status.Offline)
			waitOnline(ctx, mon)
			continue
		}

		_ = machine.Transition(status.Syncing)
		if err := manager.Start(ctx); err != nil {
			logger.Error("sync manager failed to start", zap.Error(err))
			_ = machine.Transition(status.Degraded)
		}
		return
	}
}

func waitOnline(ctx context.Context, mon *netmon.Monitor) {
	ch := make(chan struct{}, 1)
	unsub := mon.Subscribe(func(online bool) {
		if online {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	if mon.IsOnline() {
		return
	}
	select {
	case <-ch:
	case <-ctx.Done():
	}
}
