package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"DataSov-Bridge/internal/auth"
	"DataSov-Bridge/internal/bridge"
	"DataSov-Bridge/internal/config"
	"DataSov-Bridge/internal/document"
	"DataSov-Bridge/internal/encryption"
	"DataSov-Bridge/internal/events"
	"DataSov-Bridge/internal/ledger"
	"DataSov-Bridge/internal/ledger/memory"
	"DataSov-Bridge/internal/ledger/provider"
	"DataSov-Bridge/internal/ledger/rpcledger"
	"DataSov-Bridge/internal/revocation"
	"DataSov-Bridge/internal/storage/mysql"
	"DataSov-Bridge/internal/storage/redis"
	"DataSov-Bridge/pkg/logger"
)

// loadSigner 依次尝试环境变量、种子文件；都未配置时生成临时密钥，
// 重启后此前签发的证明将无法通过签名校验。
func loadSigner(cfg config.LedgersConfig) (*encryption.Keypair, error) {
	raw := strings.TrimSpace(os.Getenv(config.EnvSignerSeed))
	source := config.EnvSignerSeed
	if raw == "" && cfg.SignerSeedPath != "" {
		content, err := os.ReadFile(cfg.SignerSeedPath)
		if err != nil {
			return nil, fmt.Errorf("读取签名种子失败: %w", err)
		}
		raw, source = strings.TrimSpace(string(content)), cfg.SignerSeedPath
	}
	if raw == "" {
		logger.L().Warn("未配置签名种子，使用临时密钥")
		return encryption.GenerateKeypair(nil)
	}
	seed, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("签名种子 %s 不是合法的十六进制: %w", source, err)
	}
	return encryption.KeypairFromSeed(seed)
}

type ledgerPorts struct {
	identity ledger.IdentityLedgerPort
	market   ledger.MarketplaceLedgerPort
	registry *provider.Registry
}

func (p *ledgerPorts) close() {
	if p.registry != nil {
		p.registry.Close()
	}
}

// buildLedgers 按驱动构造两侧账本端口。memory 驱动可选地通过 JSON-RPC 暴露，
// 供其他实例以 rpc 驱动接入。
func buildLedgers(ctx context.Context, g *errgroup.Group, cfg config.LedgersConfig) (*ledgerPorts, error) {
	switch cfg.Driver {
	case "memory":
		identity := memory.NewIdentityLedger()
		market := memory.NewMarketplaceLedger(memory.WithFeeBasisPoints(uint16(cfg.FeeBasisPoints)))
		if cfg.ServeAddress != "" {
			if err := serveLedgers(ctx, g, cfg.ServeAddress, identity, market); err != nil {
				return nil, err
			}
		}
		return &ledgerPorts{identity: identity, market: market}, nil
	case "rpc":
		registry, err := provider.NewRegistry(cfg.Registry)
		if err != nil {
			return nil, err
		}
		identity, err := registry.Identity(cfg.Identity)
		if err != nil {
			registry.Close()
			return nil, err
		}
		market, err := registry.Marketplace(cfg.Marketplace)
		if err != nil {
			registry.Close()
			return nil, err
		}
		return &ledgerPorts{identity: identity, market: market, registry: registry}, nil
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Driver)
	}
}

func serveLedgers(ctx context.Context, g *errgroup.Group, addr string, identity *memory.IdentityLedger, market *memory.MarketplaceLedger) error {
	// 对外服务前先连上内存账本，否则 ping 会失败。
	if err := identity.Connect(ctx); err != nil {
		return err
	}
	if err := market.Connect(ctx); err != nil {
		return err
	}
	rpcServer, err := rpcledger.NewServer(identity, market)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: rpcledger.Handler(rpcServer, nil), ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() {
			defer close(errCh)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		logger.L().Info("内存账本已通过 JSON-RPC 暴露", slog.String("address", addr))
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			rpcServer.Stop()
			return ctx.Err()
		case err, ok := <-errCh:
			if !ok {
				return nil
			}
			return err
		}
	})
	return nil
}

func buildEventStream(ctx context.Context, cfg *config.Config) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "none":
		return events.Nop{}, nil
	case "memory":
		return events.NewMemoryStream(cfg.Events.BufferSize), nil
	case "redis":
		return events.NewRedisStream(ctx, events.RedisConfig{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Stream:   cfg.Events.Stream,
		})
	case "rabbitmq":
		return events.NewRabbitMQStream(events.RabbitMQConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Queue:    cfg.Events.RabbitMQ.Queue,
			Prefetch: cfg.Events.RabbitMQ.Prefetch,
			Durable:  cfg.Events.RabbitMQ.Durable == nil || *cfg.Events.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的事件流驱动: %s", cfg.Events.Driver)
	}
}

// tailEvents 消费内存事件流并写入调试日志，避免缓冲区写满后阻塞发布方。
func tailEvents(ctx context.Context, stream *events.MemoryStream) error {
	log := logger.Named("events")
	err := stream.Consume(ctx, 1, func(_ context.Context, evt events.Event) error {
		log.Debug("桥接事件", slog.String("id", evt.ID), slog.String("kind", string(evt.Kind)))
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildDocumentStore(ctx context.Context, cfg config.StorageConfig) (document.Store, func(), error) {
	switch cfg.Documents.Driver {
	case "memory":
		return document.NewMemoryStore(), func() {}, nil
	case "mysql":
		store, err := mysql.NewDocumentStore(ctx, mysql.Config{
			DSN:          cfg.Documents.DSN,
			MaxOpenConns: cfg.Documents.MaxOpenConns,
			MaxIdleConns: cfg.Documents.MaxIdleConns,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.L().Warn("关闭文档库失败", slog.Any("error", err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("未知的文档库驱动: %s", cfg.Documents.Driver)
	}
}

type revocationStorage struct {
	registry revocation.Registry
	locker   bridge.Locker
	client   *goredis.Client
}

func (s *revocationStorage) close() {
	if s.client != nil {
		_ = s.client.Close()
	}
}

// buildRevocationStorage 在 redis 驱动下同时提供撤销登记表和跨实例对账锁。
func buildRevocationStorage(ctx context.Context, cfg config.StorageConfig) (*revocationStorage, error) {
	switch cfg.Revocations.Driver {
	case "memory":
		return &revocationStorage{registry: revocation.NewMemoryRegistry()}, nil
	case "redis":
		client, err := redis.NewClient(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return &revocationStorage{
			registry: redis.NewRevocationRegistry(client, cfg.Redis.Prefix),
			locker:   redis.NewSyncLocker(client, cfg.Redis.Prefix),
			client:   client,
		}, nil
	default:
		return nil, fmt.Errorf("未知的撤销登记表驱动: %s", cfg.Revocations.Driver)
	}
}

// buildAuth 构造运维认证服务，disabled 模式下返回不拦截请求的服务。
func buildAuth(cfg config.AuthConfig) (*auth.Service, error) {
	authCfg := auth.Config{
		Mode:     auth.Mode(cfg.Mode),
		Secret:   cfg.Secret,
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		TokenTTL: cfg.TokenTTL(),
	}
	if authCfg.Mode != auth.ModeJWT {
		return auth.NewService(authCfg, nil)
	}
	operators := make([]auth.Operator, 0, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators = append(operators, auth.Operator{
			Name:         op.Name,
			PasswordHash: op.PasswordHash,
			Permissions:  op.Permissions,
			Disabled:     op.Disabled,
		})
	}
	store, err := auth.NewMemoryStore(operators)
	if err != nil {
		return nil, fmt.Errorf("载入运维账号失败: %w", err)
	}
	return auth.NewService(authCfg, store)
}
