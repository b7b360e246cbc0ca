package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 事件流的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// amqpChannel 是 RabbitMQStream 用到的 channel 方法，*amqp.Channel 满足该接口。
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// RabbitMQStream 使用 RabbitMQ 队列承载 JSON 编码的事件。
type RabbitMQStream struct {
	conn  *amqp.Connection
	ch    amqpChannel
	queue string
}

// NewRabbitMQStream 创建 RabbitMQ 事件流。
func NewRabbitMQStream(cfg RabbitMQConfig) (*RabbitMQStream, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "datasov.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQStream{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 将事件投递到 RabbitMQ。
func (s *RabbitMQStream) Publish(ctx context.Context, evt Event) error {
	if s == nil || s.ch == nil {
		return errors.New("RabbitMQ 事件流未初始化")
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	return s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    evt.ID,
		Type:         string(evt.Kind),
		Timestamp:    evt.Timestamp,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Consume 使用手动确认模式消费事件，处理失败的消息重新入队。
func (s *RabbitMQStream) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if s == nil || s.ch == nil {
		return errors.New("RabbitMQ 事件流未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := s.ch.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					deliver(ctx, msg, handler)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// deliver 处理单条消息。无法解码的消息直接丢弃；处理失败的消息重新入队一次，
// 再次失败后丢弃。
func deliver(ctx context.Context, msg amqp.Delivery, handler Handler) {
	var evt Event
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		_ = msg.Nack(false, false)
		return
	}
	if err := handler(ctx, evt); err != nil {
		_ = msg.Nack(false, !msg.Redelivered)
		return
	}
	_ = msg.Ack(false)
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQStream) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
