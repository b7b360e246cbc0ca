package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelAuditLog Channel = "audit_log"
	ChannelStream   Channel = "event_stream"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	IdentityID string
	Stage      string
	Side       string
	Metadata   map[string]string
	OccurredAt time.Time
}

// FromError 根据统一错误构建告警事件。
func FromError(err error, message string) Event {
	evt := Event{
		Code:       xerrors.CodeOf(err),
		Message:    message,
		Severity:   xerrors.SeverityOf(err),
		OccurredAt: time.Now().UTC(),
	}
	if coded, ok := xerrors.From(err); ok {
		meta := coded.Metadata()
		evt.IdentityID = meta[xerrors.MetaIdentityID]
		evt.Stage = meta[xerrors.MetaStage]
		evt.Side = meta[xerrors.MetaSide]
		evt.Metadata = meta
	}
	if evt.Message == "" && err != nil {
		evt.Message = err.Error()
	}
	return evt
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将告警写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回审计日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelAuditLog }

// Notify 写入一条审计记录。
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	log := logger.Audit()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.Time("occurred_at", event.OccurredAt),
	}
	if event.IdentityID != "" {
		attrs = append(attrs, slog.String("identity_id", event.IdentityID))
	}
	if event.Stage != "" {
		attrs = append(attrs, slog.String("stage", event.Stage))
	}
	if event.Side != "" {
		attrs = append(attrs, slog.String("side", event.Side))
	}
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String("meta."+k, event.Metadata[k]))
	}
	level := slog.LevelWarn
	if event.Severity == xerrors.SeverityCritical {
		level = slog.LevelError
	}
	log.Log(ctx, level, event.Message, attrs...)
	return nil
}

// Publisher 是 StreamNotifier 依赖的最小发布能力。
type Publisher interface {
	PublishAlert(ctx context.Context, event Event) error
}

// StreamNotifier 将告警转发到事件流，供下游系统消费。
type StreamNotifier struct {
	Publisher Publisher
}

// Channel 返回事件流渠道。
func (n *StreamNotifier) Channel() Channel { return ChannelStream }

// Notify 转发告警。
func (n *StreamNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Publisher == nil {
		logger.L().Warn("StreamNotifier 未正确配置，跳过发送", slog.String("code", string(event.Code)))
		return nil
	}
	return n.Publisher.PublishAlert(ctx, event)
}
