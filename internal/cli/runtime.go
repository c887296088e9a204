package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/spaceai-trustvault/internal/audit"
	"github.com/xela07ax/spaceai-trustvault/internal/console/handler"
	"github.com/xela07ax/spaceai-trustvault/internal/domain"
	"github.com/xela07ax/spaceai-trustvault/internal/engine"
	"github.com/xela07ax/spaceai-trustvault/internal/infra"
	"github.com/xela07ax/spaceai-trustvault/internal/knowledge"
	"github.com/xela07ax/spaceai-trustvault/internal/repository/memory"
	"github.com/xela07ax/spaceai-trustvault/internal/repository/postgres"
	"github.com/xela07ax/spaceai-trustvault/internal/transfer"
	"github.com/xela07ax/spaceai-trustvault/internal/trust"
	"github.com/xela07ax/spaceai-trustvault/internal/validator"
	"github.com/xela07ax/spaceai-trustvault/internal/vault"
)

// recordStore — общий контракт PostgreSQL и хранилища в памяти.
type recordStore interface {
	knowledge.Store
	ListRecordsByTrustLevel(ctx context.Context, level domain.TrustLevel, limit int) ([]*domain.Record, error)
	QuarantinedIDs(ctx context.Context) ([]string, error)
}

// runtime — собранное ядро инсталляции, общее для serve и одноразовых команд.
type runtime struct {
	cfg      *infra.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *engine.Metrics

	secret     vault.Secret
	store      recordStore
	events     handler.EventReader // nil без PostgreSQL
	rdb        *redis.Client       // nil без Redis
	journal    *audit.Journal
	quarantine *engine.QuarantineManager
	records    *knowledge.Service
	validator  *validator.Service
	broker     *transfer.Broker
	puller     *transfer.Puller // nil, если источник не настроен

	closers []func()
}

// loadRuntime читает конфиг и собирает логгер: первый шаг любой команды.
func loadRuntime() (*infra.Config, *zap.Logger, error) {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, logger.With(zap.String("installation", cfg.Installation.ID)), nil
}

// newRuntime поднимает хранилище, Redis, аудит, реестр карантина и сервисы.
// При ошибке уже открытые ресурсы закрываются.
func newRuntime(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.metrics = engine.NewMetrics(rt.registry)

	rt.secret, err = vault.ParseSecret(cfg.Installation.Secret)
	if err != nil {
		return nil, fmt.Errorf("installation secret: %w", err)
	}

	// 1. Хранилище и приемник аудита
	var sink audit.StorageInterface
	if cfg.Database.URL != "" {
		pool, err := postgres.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, pool.Close)
		if cfg.Database.Migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				return nil, err
			}
		}
		rt.store = postgres.NewRecordRepo(pool)
		eventRepo := postgres.NewSecurityEventRepo(pool)
		rt.events = eventRepo
		sink = eventRepo
	} else {
		logger.Warn("database.url is empty: records are kept in memory and lost on restart")
		rt.store = memory.NewRecordStore()
		sink = audit.NewZapSink(logger)
	}

	// 2. Redis: реестр карантина между инстансами и блокировка валидатора
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
		rt.rdb = rdb
	}

	// 3. Журнал аудита. Останавливается раньше пула: closers идут в обратном порядке
	rt.journal = audit.NewJournal(sink, logger, cfg.Audit.BufferSize, cfg.Audit.FlushInterval)
	rt.journal.Start()
	rt.closers = append(rt.closers, rt.journal.Stop)

	// 4. Реестр карантина: источник истины — хранилище
	rt.quarantine = engine.NewQuarantineManager(rt.rdb, logger)
	ids, err := rt.store.QuarantinedIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load quarantined records: %w", err)
	}
	if err := rt.quarantine.Init(ctx, ids); err != nil {
		return nil, err
	}

	// 5. Чтение и привилегированное раскрытие
	v := vault.New(rt.secret)
	gate, err := vault.NewGatekeeper(v, vault.GateConfig{
		AllowDangerousPatternDecryption: cfg.Security.AllowDangerousPatternDecryption,
		ConfirmationTTL:                 cfg.Security.ConfirmationTTL,
	}, rt.journal, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Security.AllowDangerousPatternDecryption {
		logger.Warn("dangerous pattern decryption is ENABLED for this installation")
	}
	rt.records = knowledge.NewService(rt.store, gate, rt.quarantine, rt.journal, rt.metrics, logger)

	// 6. Фоновый валидатор
	deps := validator.Deps{
		Store:        rt.store,
		Vault:        v,
		Machine:      trust.NewMachine(rt.journal, logger),
		Auditor:      rt.journal,
		Quarantine:   rt.quarantine,
		Metrics:      rt.metrics,
		OnTransition: rt.records.ApplyTransition,
		Logger:       logger,
	}
	if rt.rdb != nil {
		// TTL с запасом на самый долгий проход
		ttl := cfg.Validator.Interval() + time.Duration(cfg.Validator.BatchSize)*cfg.Validator.RecordTimeout
		deps.Locker = validator.NewRedisLocker(rt.rdb, infra.GetValidatorLockKey(cfg.Installation.ID), ttl)
	}
	rt.validator = validator.NewService(deps, validator.Config{
		Interval:        cfg.Validator.Interval(),
		BatchSize:       cfg.Validator.BatchSize,
		RecordTimeout:   cfg.Validator.RecordTimeout,
		MaxContentBytes: cfg.Security.MaxContentBytes,
	})

	// 7. Перенос между инсталляциями
	rt.broker = transfer.NewBroker(cfg.Installation.ID, rt.secret, rt.store, rt.journal, rt.metrics, logger)
	if cfg.Transfer.PeerConfigured() {
		if err := rt.connectPeer(); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// connectPeer настраивает импорт: конверт по HTTP, ключи по gRPC.
// Оба канала идут через лимитер, предохранитель и повторы.
func (rt *runtime) connectPeer() error {
	tc := rt.cfg.Transfer
	conn, err := grpc.NewClient(tc.PeerGRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to transfer peer: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = conn.Close() })

	reliability := func(name string) *engine.ReliabilityWrapper {
		return engine.NewReliabilityWrapper(engine.ReliabilityConfig{
			Name:        name,
			RPS:         tc.RPS,
			Burst:       tc.Burst,
			Attempts:    tc.Attempts,
			CallTimeout: tc.CallTimeout,
		}, rt.metrics)
	}

	keys := transfer.NewKeyClient(conn, tc.PeerToken, rt.cfg.Installation.ID, reliability("peer-key-channel"))
	envelopes := transfer.NewEnvelopeClient(tc.PeerConsoleURL, tc.PeerConsoleToken, tc.CallTimeout, reliability("peer-console"))
	rt.puller = transfer.NewPuller(rt.broker, envelopes, keys)
	rt.logger.Info("transfer peer configured",
		zap.String("grpc", tc.PeerGRPCAddr), zap.String("console", tc.PeerConsoleURL))
	return nil
}

// sampleAuditBuffer раз в интервал публикует заполненность буфера аудита.
func (rt *runtime) sampleAuditBuffer(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.metrics.AuditBufferFill.Set(float64(rt.journal.Pending()))
		}
	}
}

// Close освобождает ресурсы в обратном порядке открытия.
// Безопасен для nil и повторного вызова.
func (rt *runtime) Close() {
	if rt == nil {
		return
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
	_ = rt.logger.Sync()
}
