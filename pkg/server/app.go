package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"IBLink/internal/domain/models"
	"IBLink/internal/domain/repository"
	"IBLink/internal/facade"
	"IBLink/internal/handler/api"
	"IBLink/internal/session"
	"IBLink/internal/supervisor"
	pkgch "IBLink/pkg/clickhouse"
	"IBLink/pkg/config"
	xhttp "IBLink/pkg/http"
	applogger "IBLink/pkg/logger"
)

// App encapsulates the entire application lifecycle.
type App struct {
	cfg       *config.Config
	log       *applogger.Logger
	sess      *session.Manager
	sup       *supervisor.Supervisor
	facade    *facade.Facade
	handler   *api.OpsHandler
	snapshots repository.SnapshotStore
	events    repository.EventSink
	chClient  *pkgch.Client

	httpServer *xhttp.Server
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	log *applogger.Logger,
	sess *session.Manager,
	sup *supervisor.Supervisor,
	f *facade.Facade,
	handler *api.OpsHandler,
	snapshots repository.SnapshotStore,
	events repository.EventSink,
	chClient *pkgch.Client,
) *App {
	return &App{
		cfg:       cfg,
		log:       log,
		sess:      sess,
		sup:       sup,
		facade:    f,
		handler:   handler,
		snapshots: snapshots,
		events:    events,
		chClient:  chClient,
	}
}

// Run starts the application and blocks until interrupted or the
// supervisor gives up on the session.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// aggregated error logs flush through the event stream when enabled
	if pub, ok := a.events.(applogger.Publisher); ok && a.events != nil {
		a.log.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   30 * time.Second,
			CountThreshold: 100,
			Topic:          a.cfg.Events.Topic + ".logs",
			Publisher:      pub,
		})
	}

	a.httpServer = xhttp.NewServer(a.handler,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
		xhttp.WithRequestMetrics(a.log, time.Second),
	)

	// persist account snapshots as the session comes up
	go a.snapshotLoop(ctx)

	fatalCh := make(chan error, 1)
	go func() {
		fatalCh <- a.sup.Run(ctx)
	}()
	a.log.Info("session supervisor started",
		applogger.String("terminal", a.cfg.TerminalAddr()),
		applogger.String("mode", a.cfg.Terminal.Mode),
		applogger.Int("client_id", a.cfg.Terminal.ClientID))

	if err := a.httpServer.Start(); err != nil {
		a.log.Error("http server start error", applogger.Error(err))
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		a.log.Info("shutdown signal received")
	case err := <-fatalCh:
		if err != nil && ctx.Err() == nil {
			a.log.Error("session unrecoverable", applogger.Error(err))
			runErr = err
		}
	}

	if err := a.shutdown(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// snapshotLoop stores the handshake payload whenever the session
// becomes Ready.
func (a *App) snapshotLoop(ctx context.Context) {
	if a.snapshots == nil {
		return
	}
	changes := a.sess.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-changes:
			if ch.To != models.StateReady {
				continue
			}
			s := a.sess.Snapshot()
			snap := &models.AccountSnapshot{
				ClientID:   s.ClientID,
				ServerTime: s.ServerTime,
				Accounts:   s.Accounts,
				TakenAt:    time.Now(),
			}
			sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := a.snapshots.Put(sctx, snap); err != nil {
				a.log.Warn("snapshot store error", applogger.Error(err))
			}
			cancel()
		}
	}
}

// shutdown gracefully stops all services.
func (a *App) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.sess.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("session shutdown error", applogger.Error(err))
	}

	if a.httpServer != nil {
		if err := a.httpServer.Stop(shutdownCtx); err != nil {
			a.log.Error("http shutdown error", applogger.Error(err))
		}
	}

	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			a.log.Warn("clickhouse close error", applogger.Error(err))
		}
	}

	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.log.Warn("event sink close error", applogger.Error(err))
		}
	}

	a.log.RemoveCollector()
	a.log.Info("shutdown complete")
	return nil
}
