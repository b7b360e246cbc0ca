package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"DataSov-Bridge/internal/adapter"
	"DataSov-Bridge/internal/api"
	"DataSov-Bridge/internal/bridge"
	"DataSov-Bridge/internal/config"
	"DataSov-Bridge/internal/disclosure"
	"DataSov-Bridge/internal/encryption"
	"DataSov-Bridge/internal/events"
	"DataSov-Bridge/internal/ledger"
	"DataSov-Bridge/internal/observability/alerting"
	"DataSov-Bridge/internal/observability/metrics"
	"DataSov-Bridge/pkg/logger"
)

// version 在构建时通过 -ldflags 注入。
var version = "dev"

// main 是 DataSov 桥接守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("datasovd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Service:     "datasovd",
		Version:     version,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	signer, err := loadSigner(cfg.Ledgers)
	if err != nil {
		return err
	}
	engine := encryption.NewEngine()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
	}

	g, ctx := errgroup.WithContext(ctx)

	ports, err := buildLedgers(ctx, g, cfg.Ledgers)
	if err != nil {
		return err
	}
	defer ports.close()

	stream, err := buildEventStream(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			logger.L().Warn("关闭事件流失败", slog.Any("error", err))
		}
	}()
	if mem, ok := stream.(*events.MemoryStream); ok {
		g.Go(func() error { return tailEvents(ctx, mem) })
	}

	store, closeStore, err := buildDocumentStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	storage, err := buildRevocationStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer storage.close()

	adapterCfg := adapter.Config{
		Timeout:              cfg.Ledgers.Timeout(),
		MaxRetryAttempts:     cfg.Ledgers.MaxRetryAttempts,
		RetryInitialInterval: cfg.Ledgers.RetryInterval(),
		BatchSize:            cfg.Ledgers.BatchSize,
	}
	var identityOpts []adapter.IdentityOption
	var marketOpts []adapter.MarketplaceOption
	if collector != nil {
		identityOpts = append(identityOpts, adapter.WithIdentityObserver(collector))
		marketOpts = append(marketOpts, adapter.WithMarketplaceObserver(collector))
	}
	if raw := cfg.Ledgers.MinimumTradeLevel; raw != "" {
		level, err := ledger.ParseVerificationLevel(raw)
		if err != nil {
			return fmt.Errorf("ledgers.minimum_trade_level: %w", err)
		}
		marketOpts = append(marketOpts, adapter.WithMinimumLevel(level))
	}
	identitySide := adapter.NewIdentityAdapter(ports.identity, engine, signer, adapterCfg, identityOpts...)
	marketSide := adapter.NewMarketplaceAdapter(ports.market, engine, signer.PublicKey, adapterCfg, marketOpts...)

	alerter := alerting.NewFanout(
		&alerting.LogNotifier{},
		&alerting.StreamNotifier{Publisher: events.AlertPublisher{Publisher: stream, Source: "bridge"}},
	)
	bridgeOpts := []bridge.Option{
		bridge.WithEventPublisher(stream),
		bridge.WithAlertDispatcher(alerter),
	}
	if storage.locker != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithSyncLocker(storage.locker))
	}
	if collector != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithRecorder(collector))
	}
	trust := bridge.New(identitySide, marketSide, storage.registry, bridge.Config{
		SyncEnabled:            cfg.Bridge.SyncEnabled(),
		SyncInterval:           cfg.Bridge.SyncInterval(),
		SyncConcurrency:        cfg.Bridge.SyncConcurrency,
		SyncLockTTL:            cfg.Bridge.SyncLockTTL(),
		ValidationTimeout:      cfg.Bridge.ValidationTimeout(),
		EventStreaming:         cfg.Bridge.EventStreaming,
		ResubscribeMaxInterval: cfg.Bridge.ResubscribeMaxInterval(),
	}, bridgeOpts...)

	if err := trust.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		if err := trust.Stop(stopCtx); err != nil {
			logger.L().Warn("停止桥接器失败", slog.Any("error", err))
		}
	}()

	vault := disclosure.NewVault(store, engine, disclosure.WithPublisher(stream))

	apiOpts := []api.Option{
		api.WithDisclosures(vault),
		api.WithTimeouts(cfg.Server.RequestTimeout(), cfg.Server.ShutdownTimeout()),
	}
	if collector != nil {
		apiOpts = append(apiOpts, api.WithMetrics(collector, collector.Handler()))
		g.Go(func() error { return collector.StartServer(ctx, cfg.Metrics.Address) })
	}
	authSvc, err := buildAuth(cfg.Server.Auth)
	if err != nil {
		return err
	}
	if authSvc.Enabled() {
		apiOpts = append(apiOpts, api.WithAuth(authSvc))
	}
	server := api.NewServer(cfg.Server.Address, trust, apiOpts...)
	g.Go(func() error { return server.Start(ctx) })

	logger.Audit().Info("datasovd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("ledgers", cfg.Ledgers.Driver),
		slog.String("documents", cfg.Storage.Documents.Driver),
		slog.String("revocations", cfg.Storage.Revocations.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.String("auth", string(authSvc.Mode())),
		slog.String("signer", signer.Address()))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.L().Info("收到退出信号，正在关闭")
		return nil
	}
	return err
}
