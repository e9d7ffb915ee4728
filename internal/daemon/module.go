package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/huddleapp/huddle/internal/bus"
	"github.com/huddleapp/huddle/internal/config"
	"github.com/huddleapp/huddle/internal/group"
	"github.com/huddleapp/huddle/internal/lock"
	"github.com/huddleapp/huddle/internal/logging"
	"github.com/huddleapp/huddle/internal/outbox"
	"github.com/huddleapp/huddle/internal/remote"
	"github.com/huddleapp/huddle/internal/session"
	"github.com/huddleapp/huddle/internal/status"
	"github.com/huddleapp/huddle/internal/store"
	intsync "github.com/huddleapp/huddle/internal/sync"
	"github.com/huddleapp/huddle/internal/unread"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	// DataDir overrides the default session directory; empty means
	// session.Dir(SessionName).
	DataDir string
	// Config overrides the on-disk config when non-nil.
	Config *config.Config
}

func (p Params) dir() string {
	if p.DataDir != "" {
		return p.DataDir
	}
	return session.Dir(p.SessionName)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
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
			provideCredentials,
			provideClient,
			providePushListener,
			provideGroupManager,
			provideSyncEngine,
			provideDispatcher,
			provideTracker,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	cfg, err := config.Load(session.ConfigPath())
	if os.IsNotExist(err) {
		return config.Default(), nil
	}
	return cfg, err
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(filepath.Join(p.dir(), "logs", "huddled.log"), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(p.dir(), "huddle.db")
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
	recovered, err := db.RecoverInflightIntents()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if recovered > 0 {
		logger.Warn("requeued intents stranded by a previous crash", zap.Int("count", recovered))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCredentials(p Params) (*session.Credentials, error) {
	creds, err := session.LoadCredentialsFile(filepath.Join(p.dir(), "credentials.toml"))
	if os.IsNotExist(err) {
		return &session.Credentials{}, nil
	}
	return creds, err
}

func provideClient(cfg *config.Config, creds *session.Credentials, logger *zap.Logger) *remote.Client {
	sess := remote.Session{UserID: creds.UserID, Token: creds.Token}
	return remote.NewClient(cfg.ServerURL, sess, logger)
}

func providePushListener(cfg *config.Config, creds *session.Credentials, b *bus.Bus, m *status.Machine, logger *zap.Logger) *remote.PushListener {
	wsURL := cfg.PushURL
	if wsURL == "" {
		wsURL = "ws" + strings.TrimPrefix(cfg.ServerURL, "http") + "/api/chat/stream"
	}
	sess := remote.Session{UserID: creds.UserID, Token: creds.Token}
	return remote.NewPushListener(wsURL, sess, b, m, logger)
}

func provideGroupManager(db *store.DB, b *bus.Bus, logger *zap.Logger) *group.Manager {
	return group.NewManager(db, b, logger)
}

func provideSyncEngine(db *store.DB, groups *group.Manager, b *bus.Bus, creds *session.Credentials, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, groups, b, creds.UserID, logger)
}

func provideDispatcher(db *store.DB, client *remote.Client, engine *intsync.Engine, cfg *config.Config, logger *zap.Logger) *outbox.Dispatcher {
	return outbox.NewDispatcher(db, client, engine, cfg.Timeout(), logger)
}

func provideTracker(db *store.DB, b *bus.Bus, creds *session.Credentials, logger *zap.Logger) *unread.Tracker {
	return unread.NewTracker(db, b, creds.UserID, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	db *store.DB,
	machine *status.Machine,
	engine *intsync.Engine,
	dispatcher *outbox.Dispatcher,
	listener *remote.PushListener,
	tracker *unread.Tracker,
	client *remote.Client,
	cfg *config.Config,
	creds *session.Credentials,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			tracker.Start(context.Background())

			if creds.Token == "" {
				logger.Info("no credentials found, auth required")
				return machine.Transition(status.AuthRequired)
			}

			_ = machine.Transition(status.Connecting)
			// The listener owns the sync state: it backfills after every
			// successful dial, so a reconnect catches up on missed
			// events instead of stranding the machine in CONNECTING.
			listener.SetResync(func(ctx context.Context) error {
				return engine.Backfill(ctx, client, cfg.PageSize)
			})
			listener.Start(context.Background())
			dispatcher.Start(context.Background())

			return nil
		},
		OnStop: func(_ context.Context) error {
			listener.Stop()
			dispatcher.Stop()
			tracker.Stop()
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
