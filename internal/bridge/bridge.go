package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/events"
	"DataSov-Bridge/internal/observability/alerting"
	"DataSov-Bridge/internal/revocation"
	"DataSov-Bridge/pkg/logger"
)

// State 是桥接器的生命周期状态。
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
)

// Config 控制桥接器行为。
type Config struct {
	// SyncEnabled arms the sync timer when the bridge starts.
	SyncEnabled bool
	// SyncInterval is the period between synchronization passes.
	SyncInterval time.Duration
	// SyncConcurrency bounds concurrent per-identity checks within one pass.
	SyncConcurrency int
	// SyncLockTTL bounds how long the distributed sync lock is held.
	SyncLockTTL time.Duration
	// ValidationTimeout bounds one proof validation across both ledgers.
	ValidationTimeout time.Duration
	// EventStreaming forwards ledger change events to the event stream.
	EventStreaming bool
	// ResubscribeInterval is the first wait before reopening a dropped ledger change stream.
	ResubscribeInterval time.Duration
	// ResubscribeMaxInterval caps the wait between resubscribe attempts.
	ResubscribeMaxInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Minute
	}
	if c.SyncConcurrency <= 0 {
		c.SyncConcurrency = 8
	}
	if c.SyncLockTTL <= 0 {
		c.SyncLockTTL = 10 * time.Minute
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = 30 * time.Second
	}
	if c.ResubscribeInterval <= 0 {
		c.ResubscribeInterval = 500 * time.Millisecond
	}
	if c.ResubscribeMaxInterval <= 0 {
		c.ResubscribeMaxInterval = 30 * time.Second
	}
	if c.ResubscribeMaxInterval < c.ResubscribeInterval {
		c.ResubscribeMaxInterval = c.ResubscribeInterval
	}
	return c
}

// TrustBridge 协调身份账本与数据市场账本之间的信任传递。
type TrustBridge struct {
	identity IdentitySide
	market   MarketplaceSide
	registry revocation.Registry
	cfg      Config

	stream   events.Publisher
	alerter  alerting.Dispatcher
	recorder Recorder
	locker   Locker
	now      func() time.Time
	log      *slog.Logger

	// lifecycle 串行化 Start/Stop/StartSync/StopSync，保证监听器与定时器不会被重复注册。
	lifecycle sync.Mutex
	mu        sync.RWMutex
	state     State
	startedAt time.Time
	cancel    context.CancelFunc
	listeners sync.WaitGroup

	identityStream streamHealth
	marketStream   streamHealth

	syncPass sync.Mutex
	timer    syncTimer
	history  syncHistory
}

// Option customises TrustBridge.
type Option func(*TrustBridge)

// WithEventPublisher sets where bridge notifications go.
func WithEventPublisher(publisher events.Publisher) Option {
	return func(b *TrustBridge) {
		if publisher != nil {
			b.stream = publisher
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(b *TrustBridge) {
		b.alerter = dispatcher
	}
}

// WithRecorder 配置指标记录器。
func WithRecorder(recorder Recorder) Option {
	return func(b *TrustBridge) {
		if recorder != nil {
			b.recorder = recorder
		}
	}
}

// WithSyncLocker enables cross-process single-flight synchronization.
func WithSyncLocker(locker Locker) Option {
	return func(b *TrustBridge) {
		b.locker = locker
	}
}

// WithClock overrides the wall clock used for expiry checks and sync timing.
func WithClock(now func() time.Time) Option {
	return func(b *TrustBridge) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(b *TrustBridge) {
		if log != nil {
			b.log = log
		}
	}
}

// New 构造 TrustBridge。registry 为空时使用进程内撤销登记表。
func New(identity IdentitySide, market MarketplaceSide, registry revocation.Registry, cfg Config, opts ...Option) *TrustBridge {
	if registry == nil {
		registry = revocation.NewMemoryRegistry()
	}
	b := &TrustBridge{
		identity: identity,
		market:   market,
		registry: registry,
		cfg:      cfg.withDefaults(),
		stream:   events.Nop{},
		recorder: nopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.Named("bridge"),
		state:    StateStopped,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// State returns the current lifecycle state.
func (b *TrustBridge) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *TrustBridge) setState(state State) {
	b.mu.Lock()
	b.state = state
	if state == StateRunning {
		b.startedAt = b.now()
	}
	b.mu.Unlock()
	b.recorder.SetBridgeRunning(state == StateRunning)
}

func (b *TrustBridge) requireRunning(operation string) error {
	if state := b.State(); state != StateRunning {
		return xerrors.New(CodeBridgeNotRunning, fmt.Sprintf("bridge is %s", state),
			xerrors.WithMetadata("operation", operation))
	}
	return nil
}

// Start 连接两侧账本并注册事件监听。任一侧连接失败时桥接器回到 STOPPED，
// 不会进入 RUNNING。重复调用是幂等的。
func (b *TrustBridge) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.State() == StateRunning {
		return nil
	}
	b.setState(StateStarting)
	b.log.Info("桥接器启动中")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.identity.Connect(gctx) })
	g.Go(func() error { return b.market.Connect(gctx) })
	if err := g.Wait(); err != nil {
		b.abortStart()
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "bridge start failed")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	identitySub, err := b.identity.Subscribe(runCtx)
	if err != nil {
		cancel()
		b.abortStart()
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "subscribe identity ledger",
			xerrors.WithSide(xerrors.SideIdentityLedger))
	}
	marketSub, err := b.market.Subscribe(runCtx)
	if err != nil {
		identitySub.Close()
		cancel()
		b.abortStart()
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "subscribe marketplace ledger",
			xerrors.WithSide(xerrors.SideMarketplaceLedger))
	}

	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	b.identityStream.restored()
	b.marketStream.restored()
	b.listeners.Add(2)
	go watch(runCtx, b, b.identityWatcher(), identitySub)
	go watch(runCtx, b, b.marketplaceWatcher(), marketSub)

	b.setState(StateRunning)
	if b.cfg.SyncEnabled {
		b.timer.start(b, b.cfg.SyncInterval)
	}
	logger.Audit().Info("桥接器已启动",
		slog.Bool("sync_enabled", b.cfg.SyncEnabled),
		slog.Duration("sync_interval", b.cfg.SyncInterval))
	return nil
}

func (b *TrustBridge) abortStart() {
	b.identity.Disconnect()
	b.market.Disconnect()
	b.setState(StateStopped)
	b.log.Warn("桥接器启动失败，已回滚连接")
}

// Stop 停止定时对账、注销监听并断开两侧账本。重复调用是幂等的。
func (b *TrustBridge) Stop(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.State() == StateStopped {
		return nil
	}
	b.setState(StateStopping)
	b.timer.stop()

	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		b.listeners.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.log.Warn("等待事件监听退出超时", slog.Any("error", ctx.Err()))
	}

	b.identity.Disconnect()
	b.market.Disconnect()
	b.setState(StateStopped)
	logger.Audit().Info("桥接器已停止")
	return nil
}

// SideStatus 描述一侧账本的连接状况。
type SideStatus struct {
	Healthy   bool   `json:"healthy"`
	LastError string `json:"lastError,omitempty"`
}

// Status 是 bridgeStatus 的返回值。
type Status struct {
	State               State      `json:"state"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	IdentityLedger      SideStatus `json:"identityLedger"`
	MarketplaceLedger   SideStatus `json:"marketplaceLedger"`
	SuspendedIdentities int        `json:"suspendedIdentities"`
	Sync                SyncStatus `json:"sync"`
}

// Status returns a non-blocking snapshot of the bridge.
func (b *TrustBridge) Status() Status {
	b.mu.RLock()
	state, startedAt := b.state, b.startedAt
	b.mu.RUnlock()
	st := Status{
		State:               state,
		IdentityLedger:      b.identityStream.status(b.identity.IsHealthy(), b.identity.LastError()),
		MarketplaceLedger:   b.marketStream.status(b.market.IsHealthy(), b.market.LastError()),
		SuspendedIdentities: b.market.SuspendedCount(),
		Sync:                b.SyncStatus(),
	}
	if state == StateRunning {
		st.StartedAt = &startedAt
	}
	return st
}

// HealthReport 是 health 的返回值。
type HealthReport struct {
	Status            string    `json:"status"`
	State             State     `json:"state"`
	IdentityLedger    bool      `json:"identityLedger"`
	MarketplaceLedger bool      `json:"marketplaceLedger"`
	CheckedAt         time.Time `json:"checkedAt"`
}

// Health 主动探测两侧账本。
func (b *TrustBridge) Health(ctx context.Context) HealthReport {
	report := HealthReport{State: b.State(), CheckedAt: b.now()}
	if report.State != StateRunning {
		report.Status = "stopped"
		return report
	}
	var g errgroup.Group
	g.Go(func() error {
		report.IdentityLedger = b.identity.CheckHealth(ctx) == nil && b.identityStream.up()
		return nil
	})
	g.Go(func() error {
		report.MarketplaceLedger = b.market.CheckHealth(ctx) == nil && b.marketStream.up()
		return nil
	})
	_ = g.Wait()
	report.Status = "healthy"
	if !report.IdentityLedger || !report.MarketplaceLedger {
		report.Status = "degraded"
	}
	return report
}

func (b *TrustBridge) publish(ctx context.Context, kind events.Kind, payload any) {
	evt, err := events.NewEvent(kind, "bridge", payload)
	if err != nil {
		b.log.Error("编码事件失败", slog.String("kind", string(kind)), slog.Any("error", err))
		return
	}
	if err := b.stream.Publish(ctx, evt); err != nil {
		b.log.Warn("投递事件失败", slog.String("kind", string(kind)), slog.Any("error", err))
	}
}

func (b *TrustBridge) emitAlert(ctx context.Context, evt alerting.Event) {
	if b.alerter == nil {
		return
	}
	if err := b.alerter.Notify(ctx, evt); err != nil {
		b.log.Warn("告警发送失败", slog.Any("error", err), slog.String("code", string(evt.Code)))
	}
}
