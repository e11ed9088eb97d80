package di

import (
	"context"
	"fmt"
	"time"

	"IBLink/internal/domain/repository"
	"IBLink/internal/facade"
	"IBLink/internal/handler/api"
	internalrepo "IBLink/internal/repository"
	"IBLink/internal/ratelimit"
	"IBLink/internal/session"
	"IBLink/internal/supervisor"
	"IBLink/internal/transport"
	pkgcache "IBLink/pkg/cache"
	pkgch "IBLink/pkg/clickhouse"
	"IBLink/pkg/config"
	pkgkafka "IBLink/pkg/kafka"
	applogger "IBLink/pkg/logger"
	"IBLink/pkg/metrics"
	"IBLink/pkg/server"
)

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	return applogger.New(&applogger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideTransport creates the terminal transport for the configured mode.
func ProvideTransport(cfg *config.Config) repository.Transport {
	if cfg.Terminal.Transport == "websocket" {
		return transport.NewWS(cfg.Terminal.WebSocketURL, cfg.Terminal.PingInterval)
	}
	return transport.NewTCP(cfg.TerminalAddr(), cfg.Terminal.DialTimeout)
}

// ProvideSessionManager creates the session state machine.
func ProvideSessionManager(cfg *config.Config, tr repository.Transport, m repository.Metrics, log *applogger.Logger) *session.Manager {
	return session.NewManager(session.Config{
		ClientID:          cfg.Terminal.ClientID,
		HandshakeTimeout:  cfg.Terminal.HandshakeTimeout,
		HeartbeatInterval: cfg.Terminal.HeartbeatInterval,
		HeartbeatGrace:    cfg.Terminal.HeartbeatGrace,
	}, tr, m, log)
}

// ProvideRateGate creates the admission gate from configured budgets.
func ProvideRateGate(cfg *config.Config) repository.RateGate {
	return ratelimit.New([]ratelimit.Limit{
		{Category: "marketdata", Capacity: cfg.RateLimit.MarketData.Capacity, Window: cfg.RateLimit.MarketData.Window},
		{Category: "orders", Capacity: cfg.RateLimit.Orders.Capacity, Window: cfg.RateLimit.Orders.Window},
		{Category: "account", Capacity: cfg.RateLimit.Account.Capacity, Window: cfg.RateLimit.Account.Window},
	})
}

// ProvideEventSink creates the Kafka event sink, or nil when disabled.
func ProvideEventSink(cfg *config.Config) (repository.EventSink, error) {
	if !cfg.Events.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Events.Brokers),
		pkgkafka.WithCompression(cfg.Events.Compression),
		pkgkafka.WithRequiredAcks(cfg.Events.RequiredAcks),
		pkgkafka.WithMaxAttempts(cfg.Events.MaxAttempts),
		pkgkafka.WithTimeouts(cfg.Events.WriteTimeout, cfg.Events.WriteTimeout),
		pkgkafka.WithHashByKey(true),
		// lifecycle events are sparse; flush small batches quickly
		pkgkafka.WithBatchSize(50),
		pkgkafka.WithBatchTimeout(200*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return internalrepo.NewKafkaEventSink(producer, cfg.Events.Topic, cfg.Terminal.ClientID), nil
}

// ProvideClickHouseClient creates the audit database client, or nil when
// auditing is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.Audit.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.Audit.Host),
		pkgch.WithPort(cfg.Audit.Port),
		pkgch.WithDatabase(cfg.Audit.Database),
		pkgch.WithCredentials(cfg.Audit.User, cfg.Audit.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithTimeouts(cfg.Audit.DialTimeout, cfg.Audit.ReadTimeout),
		pkgch.WithAsyncInsert(true, false),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	return client, nil
}

// ProvideAuditStore creates the request audit store, or nil when disabled.
func ProvideAuditStore(chClient *pkgch.Client, cfg *config.Config) (repository.AuditStore, error) {
	if chClient == nil {
		return nil, nil
	}
	store := internalrepo.NewClickHouseAudit(chClient.DB(), cfg.Audit.Database+"."+cfg.Audit.Table)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Init(ctx); err != nil {
		_ = chClient.Close()
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return store, nil
}

// ProvideSnapshotStore creates the account snapshot store, layered over
// Redis when configured.
func ProvideSnapshotStore(cfg *config.Config) (repository.SnapshotStore, error) {
	var svc pkgcache.Service
	if cfg.Snapshot.RedisEnabled {
		rc, err := pkgcache.NewRedisCache(
			pkgcache.WithRedisHost(cfg.Snapshot.RedisHost),
			pkgcache.WithRedisPort(cfg.Snapshot.RedisPort),
			pkgcache.WithRedisPassword(cfg.Snapshot.RedisPassword),
			pkgcache.WithRedisDB(cfg.Snapshot.RedisDB),
			pkgcache.WithRedisPrefix("iblink"),
		)
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		svc = pkgcache.NewLayeredCache(rc)
	} else {
		svc = pkgcache.NewMemoryCache()
	}
	return internalrepo.NewCacheSnapshotStore(svc, cfg.Snapshot.TTL), nil
}

// ProvideSupervisor creates the reconnection supervisor.
func ProvideSupervisor(cfg *config.Config, sess *session.Manager, m repository.Metrics, events repository.EventSink, log *applogger.Logger) *supervisor.Supervisor {
	return supervisor.New(supervisor.Config{
		BaseDelay:       cfg.Reconnect.BaseDelay,
		MaxDelay:        cfg.Reconnect.MaxDelay,
		MaxAttempts:     cfg.Reconnect.MaxAttempts,
		Jitter:          cfg.Reconnect.Jitter,
		StabilityWindow: cfg.Reconnect.StabilityWindow,
	}, sess, m, events, log)
}

// ProvideFacade creates the request facade.
func ProvideFacade(cfg *config.Config, sess *session.Manager, gate repository.RateGate, m repository.Metrics, audit repository.AuditStore, events repository.EventSink, log *applogger.Logger) *facade.Facade {
	return facade.New(facade.Config{
		QueueOnThrottle: cfg.Facade.QueueOnThrottle,
		QueueSize:       cfg.Facade.QueueSize,
		DefaultDeadline: cfg.Facade.DefaultDeadline,
	}, sess, gate, m, audit, events, log)
}

// ProvideOpsHandler creates the HTTP handler.
func ProvideOpsHandler(log *applogger.Logger, f *facade.Facade, snapshots repository.SnapshotStore, audit repository.AuditStore) *api.OpsHandler {
	return api.NewOpsHandler(log, f, snapshots, audit)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	log *applogger.Logger,
	sess *session.Manager,
	sup *supervisor.Supervisor,
	f *facade.Facade,
	handler *api.OpsHandler,
	snapshots repository.SnapshotStore,
	events repository.EventSink,
	chClient *pkgch.Client,
) *server.App {
	return server.New(cfg, log, sess, sup, f, handler, snapshots, events, chClient)
}
