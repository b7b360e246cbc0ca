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
	"DataSov-Bridge/internal/ledger"
	"DataSov-Bridge/internal/observability/alerting"
	"DataSov-Bridge/pkg/logger"
)

const syncLockKey = "datasov:bridge:sync"

// SyncError 记录单个身份在对账中的失败。
type SyncError struct {
	IdentityID string       `json:"identityId"`
	Stage      string       `json:"stage"`
	Check      string       `json:"check,omitempty"`
	Side       string       `json:"side,omitempty"`
	Code       xerrors.Code `json:"code"`
	Message    string       `json:"message"`
}

// SyncResult 是一次对账的汇总。SyncedCount+FailedCount 恒等于参与对账的身份数。
type SyncResult struct {
	SyncedCount int           `json:"syncedCount"`
	FailedCount int           `json:"failedCount"`
	Errors      []SyncError   `json:"errors"`
	Duration    time.Duration `json:"duration"`
	StartedAt   time.Time     `json:"startedAt"`
	FinishedAt  time.Time     `json:"finishedAt"`
}

// SyncStatus 描述定时对账的状态。
type SyncStatus struct {
	Enabled    bool          `json:"enabled"`
	Interval   time.Duration `json:"interval"`
	InProgress bool          `json:"inProgress"`
	Passes     int64         `json:"passes"`
	Skipped    int64         `json:"skipped"`
	LastResult *SyncResult   `json:"lastResult,omitempty"`
	LastError  string        `json:"lastError,omitempty"`
}

type syncHistory struct {
	mu         sync.RWMutex
	inProgress bool
	passes     int64
	skipped    int64
	last       *SyncResult
	lastErr    string
}

func (h *syncHistory) begin() {
	h.mu.Lock()
	h.inProgress = true
	h.mu.Unlock()
}

func (h *syncHistory) finish(result *SyncResult, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inProgress = false
	if err != nil {
		h.lastErr = err.Error()
		return
	}
	h.passes++
	h.last = result
	h.lastErr = ""
}

func (h *syncHistory) skip() {
	h.mu.Lock()
	h.skipped++
	h.mu.Unlock()
}

// SynchronizeState 重新为全部 VERIFIED 身份签发并校验证明。单个身份失败不会中止本轮对账；
// 每轮只发出一条汇总事件。已有对账在运行时返回 SYNC_IN_PROGRESS。
func (b *TrustBridge) SynchronizeState(ctx context.Context) (*SyncResult, error) {
	if err := b.requireRunning("synchronize_state"); err != nil {
		return nil, err
	}
	if !b.syncPass.TryLock() {
		return nil, syncInProgress("local")
	}
	defer b.syncPass.Unlock()

	if b.locker != nil {
		unlock, acquired, err := b.locker.TryLock(ctx, syncLockKey, b.cfg.SyncLockTTL)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "acquire sync lock")
		}
		if !acquired {
			return nil, syncInProgress("distributed")
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				b.log.Warn("释放对账锁失败", slog.Any("error", err))
			}
		}()
	}

	b.history.begin()
	result, err := b.synchronize(ctx)
	b.history.finish(result, err)
	return result, err
}

func syncInProgress(scope string) error {
	return xerrors.New(CodeSyncInProgress, "synchronization already in progress",
		xerrors.WithMetadata("scope", scope))
}

func (b *TrustBridge) synchronize(ctx context.Context) (*SyncResult, error) {
	started := b.now()
	identities, err := b.identity.ListVerifiedIdentities(ctx)
	if err != nil {
		b.log.Error("枚举已验证身份失败", slog.Any("error", err))
		return nil, wrapKeepCode(err, "list verified identities",
			xerrors.WithStage(xerrors.StageLedgerRead),
			xerrors.WithSide(xerrors.SideIdentityLedger))
	}

	// 每个身份写入自己的槽位，避免共享计数器。
	outcomes := make([]*SyncError, len(identities))
	var g errgroup.Group
	g.SetLimit(b.cfg.SyncConcurrency)
	for i, identity := range identities {
		g.Go(func() error {
			outcomes[i] = b.syncIdentity(ctx, identity)
			return nil
		})
	}
	_ = g.Wait()

	result := &SyncResult{Errors: []SyncError{}, StartedAt: started}
	for _, failure := range outcomes {
		if failure == nil {
			result.SyncedCount++
			continue
		}
		result.FailedCount++
		result.Errors = append(result.Errors, *failure)
	}
	result.FinishedAt = b.now()
	result.Duration = result.FinishedAt.Sub(started)

	b.recorder.ObserveSync(result.SyncedCount, result.FailedCount, result.Duration)
	b.publish(ctx, events.KindSyncCompleted, result)
	logger.Audit().Info("跨账本对账完成",
		slog.Int("synced", result.SyncedCount),
		slog.Int("failed", result.FailedCount),
		slog.Duration("duration", result.Duration))
	if result.FailedCount > 0 {
		b.emitAlert(ctx, alerting.Event{
			Code:     CodeSyncDiscrepancy,
			Message:  fmt.Sprintf("sync pass finished with %d failed identities", result.FailedCount),
			Severity: xerrors.SeverityWarning,
			Stage:    xerrors.StageValidation,
			Metadata: map[string]string{
				"synced": fmt.Sprint(result.SyncedCount),
				"failed": fmt.Sprint(result.FailedCount),
			},
			OccurredAt: result.FinishedAt,
		})
	}
	return result, nil
}

func (b *TrustBridge) syncIdentity(ctx context.Context, identity *ledger.DigitalIdentity) *SyncError {
	proof, err := b.GenerateIdentityProof(ctx, identity.IdentityID)
	if err != nil {
		return &SyncError{
			IdentityID: identity.IdentityID,
			Stage:      xerrors.StageGeneration,
			Code:       xerrors.CodeOf(err),
			Message:    err.Error(),
		}
	}
	result := b.ValidateIdentityProof(ctx, proof)
	if result.Valid {
		return nil
	}
	return &SyncError{
		IdentityID: identity.IdentityID,
		Stage:      xerrors.StageValidation,
		Check:      result.Check,
		Side:       result.Side,
		Code:       result.Code,
		Message:    result.Err().Error(),
	}
}

// StartSync 以 interval 启动定时对账，interval 为 0 时使用配置值。已在运行时按新间隔重启。
func (b *TrustBridge) StartSync(interval time.Duration) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if err := b.requireRunning("start_sync"); err != nil {
		return err
	}
	if interval <= 0 {
		interval = b.cfg.SyncInterval
	}
	b.timer.start(b, interval)
	b.log.Info("定时对账已启动", slog.Duration("interval", interval))
	return nil
}

// StopSync 停止定时对账，正在进行的一轮会被取消。
func (b *TrustBridge) StopSync() {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.timer.stop() {
		b.log.Info("定时对账已停止")
	}
}

// SyncStatus returns the timer state and the latest pass.
func (b *TrustBridge) SyncStatus() SyncStatus {
	enabled, interval := b.timer.snapshot()
	b.history.mu.RLock()
	defer b.history.mu.RUnlock()
	status := SyncStatus{
		Enabled:    enabled,
		Interval:   interval,
		InProgress: b.history.inProgress,
		Passes:     b.history.passes,
		Skipped:    b.history.skipped,
		LastError:  b.history.lastErr,
	}
	if b.history.last != nil {
		last := *b.history.last
		last.Errors = append([]SyncError(nil), b.history.last.Errors...)
		status.LastResult = &last
	}
	return status
}

// syncTimer 持有定时对账的 goroutine，start/stop 可以并发调用。
// 任一时刻最多只有一个 syncLoop 在运行。
type syncTimer struct {
	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func (t *syncTimer) start(b *TrustBridge, interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teardown()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.interval, t.cancel, t.done = interval, cancel, done
	go b.syncLoop(ctx, interval, done)
}

func (t *syncTimer) stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.teardown()
}

// teardown 取消当前的 syncLoop 并等待其退出。调用方必须持有 t.mu，syncLoop 不会获取 t.mu。
func (t *syncTimer) teardown() bool {
	if t.cancel == nil {
		return false
	}
	t.cancel()
	<-t.done
	t.cancel, t.done = nil, nil
	return true
}

func (t *syncTimer) snapshot() (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil, t.interval
}

func (b *TrustBridge) syncLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.safely("sync_tick", func() { b.scheduledSync(ctx) })
		}
	}
}

// scheduledSync 与正在进行的一轮重叠时直接跳过，失败只记录日志，不影响定时器。
func (b *TrustBridge) scheduledSync(ctx context.Context) {
	_, err := b.SynchronizeState(ctx)
	switch {
	case err == nil:
	case xerrors.HasCode(err, CodeSyncInProgress):
		b.history.skip()
		b.log.Debug("上一轮对账尚未结束，跳过本次触发")
	default:
		b.log.Error("定时对账失败", slog.Any("error", err))
	}
}

// safely 执行 fn 并吞掉其中的 panic。
func (b *TrustBridge) safely(operation string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.recorder.ObserveHandlerPanic()
			b.log.Error("处理过程发生 panic", slog.String("operation", operation), slog.Any("panic", r))
		}
	}()
	fn()
}
