package events

import (
	"context"

	"DataSov-Bridge/internal/observability/alerting"
)

// AlertPublisher 将告警作为 BRIDGE_ALERT 事件投递，实现 alerting.Publisher。
type AlertPublisher struct {
	Publisher Publisher
	Source    string
}

// PublishAlert implements alerting.Publisher.
func (p AlertPublisher) PublishAlert(ctx context.Context, alert alerting.Event) error {
	if p.Publisher == nil {
		return nil
	}
	source := p.Source
	if source == "" {
		source = "alerting"
	}
	evt, err := NewEvent(KindAlert, source, alert)
	if err != nil {
		return err
	}
	return p.Publisher.Publish(ctx, evt)
}

var _ alerting.Publisher = AlertPublisher{}
