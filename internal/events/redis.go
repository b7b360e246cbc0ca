package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 事件流的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Stream    string
	BlockWait time.Duration
}

// ListCommander 是 RedisStream 用到的 list 命令子集，*redis.Client 满足该接口。
type ListCommander interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

// RedisStream 使用 Redis list 承载 JSON 编码的事件。LPUSH 写入、BRPOP 读取，
// 处理失败的事件 RPUSH 回队尾，下一次 BRPOP 会再次取到它。
type RedisStream struct {
	client ListCommander
	key    string
	wait   time.Duration
}

// NewRedisStream 创建 Redis 事件流并检查连通性。
func NewRedisStream(ctx context.Context, cfg RedisConfig) (*RedisStream, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisStreamWithClient(client, cfg.Stream, cfg.BlockWait), nil
}

// NewRedisStreamWithClient wraps an existing client.
func NewRedisStreamWithClient(client ListCommander, key string, wait time.Duration) *RedisStream {
	if key == "" {
		key = "datasov:events"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisStream{client: client, key: key, wait: wait}
}

// Publish 将事件写入 Redis。
func (s *RedisStream) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	if err := s.client.LPush(ctx, s.key, body).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 读取事件，处理失败的事件会被重新投递。
func (s *RedisStream) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := s.client.BRPop(ctx, s.wait, s.key).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("Redis 读取事件失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				var evt Event
				if err := json.Unmarshal([]byte(values[1]), &evt); err != nil {
					continue
				}
				if handlerErr := handler(ctx, evt); handlerErr != nil {
					_ = s.client.RPush(ctx, s.key, values[1]).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (s *RedisStream) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
