package bridge

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/events"
	"DataSov-Bridge/internal/ledger"
	"DataSov-Bridge/internal/observability/alerting"
	"DataSov-Bridge/internal/proofs"
	"DataSov-Bridge/internal/revocation"
	"DataSov-Bridge/pkg/logger"
)

// streamHealth 记录一侧账本事件流是否在线。事件流中断期间该侧视为不健康。
type streamHealth struct {
	down    atomic.Bool
	lastErr atomic.Value
}

func (h *streamHealth) lost(err error) {
	h.down.Store(true)
	if err != nil {
		h.lastErr.Store(err.Error())
	}
}

func (h *streamHealth) restored() {
	h.down.Store(false)
}

func (h *streamHealth) up() bool {
	return !h.down.Load()
}

func (h *streamHealth) status(healthy bool, lastErr string) SideStatus {
	if h.down.Load() {
		msg, _ := h.lastErr.Load().(string)
		return SideStatus{Healthy: false, LastError: msg}
	}
	return SideStatus{Healthy: healthy, LastError: lastErr}
}

var errStreamClosed = stdErrors.New("ledger change stream closed")

// watcher 描述一侧账本事件流的订阅与处理方式。
type watcher[E any] struct {
	side      string
	health    *streamHealth
	subscribe func(context.Context) (*ledger.Subscription[E], error)
	handle    func(context.Context, E)
}

func (b *TrustBridge) identityWatcher() watcher[ledger.IdentityEvent] {
	return watcher[ledger.IdentityEvent]{
		side:      xerrors.SideIdentityLedger,
		health:    &b.identityStream,
		subscribe: b.identity.Subscribe,
		handle:    b.handleIdentityEvent,
	}
}

func (b *TrustBridge) marketplaceWatcher() watcher[ledger.MarketplaceEvent] {
	return watcher[ledger.MarketplaceEvent]{
		side:      xerrors.SideMarketplaceLedger,
		health:    &b.marketStream,
		subscribe: b.market.Subscribe,
		handle:    b.handleMarketplaceEvent,
	}
}

// watch 消费事件流直到 ctx 结束。事件流中断后按指数退避重新订阅，
// 重新订阅成功前该侧标记为不健康。
func watch[E any](ctx context.Context, b *TrustBridge, w watcher[E], sub *ledger.Subscription[E]) {
	defer b.listeners.Done()
	log := b.log.With(slog.String("side", w.side))
	for {
		err := drain(ctx, b, w, sub)
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		w.health.lost(err)
		log.Warn("账本事件流已中断，准备重新订阅", slog.Any("error", err))

		if sub = resubscribe(ctx, b, w, log); sub == nil {
			return
		}
		w.health.restored()
		log.Info("账本事件流已恢复")
	}
}

// drain 分发事件直到事件流关闭，返回导致关闭的错误。
func drain[E any](ctx context.Context, b *TrustBridge, w watcher[E], sub *ledger.Subscription[E]) error {
	errs := sub.Err()
	var last error
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				last = err
				b.log.Warn("账本事件流出错", slog.String("side", w.side), slog.Any("error", err))
			}
		case evt, ok := <-sub.Events():
			if !ok {
				select {
				case err := <-errs:
					if err != nil {
						last = err
					}
				default:
				}
				if last == nil {
					last = errStreamClosed
				}
				return last
			}
			b.safely(w.side+"_event", func() { w.handle(ctx, evt) })
		}
	}
}

// resubscribe 重试直到订阅成功，ctx 结束时返回 nil。
func resubscribe[E any](ctx context.Context, b *TrustBridge, w watcher[E], log *slog.Logger) *ledger.Subscription[E] {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.ResubscribeInterval
	policy.MaxInterval = b.cfg.ResubscribeMaxInterval
	policy.MaxElapsedTime = 0

	var sub *ledger.Subscription[E]
	operation := func() error {
		s, err := w.subscribe(ctx)
		if err != nil {
			return err
		}
		sub = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		w.health.lost(err)
		log.Warn("重新订阅失败", slog.Duration("wait", wait), slog.Any("error", err))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil
	}
	return sub
}

// handleIdentityEvent 将身份账本事件翻译为桥接器动作。身份验证事件不会回溯修改挂单，
// 证明总是按需拉取。
func (b *TrustBridge) handleIdentityEvent(ctx context.Context, evt ledger.IdentityEvent) {
	b.recorder.ObserveLedgerEvent(xerrors.SideIdentityLedger, string(evt.Kind))
	switch evt.Kind {
	case ledger.EventIdentityRevoked:
		b.onIdentityRevoked(ctx, evt)
	case ledger.EventAccessRevoked:
		b.onAccessRevoked(ctx, evt)
	case ledger.EventIdentityVerified:
		b.log.Info("身份已验证", slog.String("identity_id", evt.IdentityID))
	default:
		b.log.Debug("身份账本事件", slog.String("kind", string(evt.Kind)), slog.String("identity_id", evt.IdentityID))
	}
	if b.cfg.EventStreaming {
		b.publish(ctx, events.KindIdentityLedger, evt)
	}
}

// onIdentityRevoked 撤销覆盖该身份此前签发的全部证明，并停止其交易。
func (b *TrustBridge) onIdentityRevoked(ctx context.Context, evt ledger.IdentityEvent) {
	record := revocation.Record{
		IdentityID:      evt.IdentityID,
		RevokedAt:       evt.Timestamp,
		Reason:          "identity revoked on identity ledger",
		LedgerReference: evt.LedgerReference,
	}
	if record.RevokedAt.IsZero() {
		record.RevokedAt = b.now()
	}
	if err := b.registry.Revoke(ctx, record); err != nil {
		b.log.Error("记录身份撤销失败", slog.String("identity_id", evt.IdentityID), slog.Any("error", err))
	}
	b.recorder.ObserveRevocation()

	cancelled, err := b.market.SuspendTrading(ctx, evt.IdentityID)
	if err != nil {
		b.log.Error("暂停身份交易失败", slog.String("identity_id", evt.IdentityID), slog.Any("error", err))
	}
	logger.Audit().Warn("身份已撤销，交易已暂停",
		slog.String("identity_id", evt.IdentityID),
		slog.String("ledger_reference", evt.LedgerReference),
		slog.Int("cancelled_listings", cancelled))

	b.emitAlert(ctx, alerting.Event{
		Code:       proofs.CodeProofRevoked,
		Message:    fmt.Sprintf("identity %s revoked, %d listings cancelled", evt.IdentityID, cancelled),
		Severity:   xerrors.SeverityWarning,
		IdentityID: evt.IdentityID,
		Side:       xerrors.SideIdentityLedger,
		OccurredAt: record.RevokedAt,
	})
	b.publish(ctx, events.KindIdentityRevoked, map[string]any{
		"identityId":        evt.IdentityID,
		"revokedAt":         record.RevokedAt,
		"ledgerReference":   evt.LedgerReference,
		"cancelledListings": cancelled,
	})
}

func (b *TrustBridge) onAccessRevoked(ctx context.Context, evt ledger.IdentityEvent) {
	consumer := evt.Details["consumer"]
	if consumer == "" {
		b.log.Warn("访问撤销事件缺少 consumer", slog.String("identity_id", evt.IdentityID))
		return
	}
	record := revocation.Record{
		IdentityID:      evt.IdentityID,
		Consumer:        consumer,
		RevokedAt:       evt.Timestamp,
		Reason:          "access revoked on identity ledger",
		LedgerReference: evt.LedgerReference,
	}
	if record.RevokedAt.IsZero() {
		record.RevokedAt = b.now()
	}
	if err := b.registry.Revoke(ctx, record); err != nil {
		b.log.Error("记录访问撤销失败", slog.String("identity_id", evt.IdentityID), slog.String("consumer", consumer), slog.Any("error", err))
		return
	}
	b.recorder.ObserveRevocation()
	logger.Audit().Info("访问授权已撤销",
		slog.String("identity_id", evt.IdentityID),
		slog.String("consumer", consumer))
	b.publish(ctx, events.KindAccessRevoked, record)
}

func (b *TrustBridge) handleMarketplaceEvent(ctx context.Context, evt ledger.MarketplaceEvent) {
	b.recorder.ObserveLedgerEvent(xerrors.SideMarketplaceLedger, string(evt.Kind))
	switch evt.Kind {
	case ledger.EventHealthCheck:
		b.log.Debug("市场账本健康检查", slog.String("ledger_reference", evt.LedgerReference))
		return
	case ledger.EventFeeDistributed:
		b.log.Info("手续费已分配",
			slog.String("listing_id", evt.ListingID),
			slog.String("fee", evt.Details["fee"]),
			slog.String("owner_amount", evt.Details["ownerAmount"]))
	default:
		b.log.Debug("市场账本事件", slog.String("kind", string(evt.Kind)), slog.String("listing_id", evt.ListingID))
	}
	if b.cfg.EventStreaming {
		b.publish(ctx, events.KindMarketplaceLedger, evt)
	}
}
