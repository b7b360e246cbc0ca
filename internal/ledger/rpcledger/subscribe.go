package rpcledger

import (
	"context"

	"github.com/ethereum/go-ethereum/rpc"

	"DataSov-Bridge/internal/ledger"
)

const (
	subscriptionName   = "events"
	subscriptionBuffer = 128
)

// subscribe 订阅命名空间的 events 流。RPC 订阅不会关闭数据通道，
// 这里用一个转发 goroutine 在订阅结束时关闭 Events()。
func subscribe[E any](ctx context.Context, c *conn) (*ledger.Subscription[E], error) {
	client, err := c.current()
	if err != nil {
		return nil, err
	}
	raw := make(chan E, subscriptionBuffer)
	sub, err := client.Subscribe(ctx, c.namespace, raw, subscriptionName)
	if err != nil {
		return nil, decodeError(err, c.method("subscribe"))
	}

	out := make(chan E)
	errs := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case err, ok := <-sub.Err():
				if ok && err != nil {
					errs <- err
				}
				return
			case evt := <-raw:
				select {
				case out <- evt:
				case <-done:
					return
				}
			}
		}
	}()
	cancel := func() {
		sub.Unsubscribe()
		close(done)
	}
	return ledger.NewSubscription[E](out, errs, cancel), nil
}

// forward 把端口事件推送给 RPC 订阅者，直到任一侧结束。
func forward[E any](notifier *rpc.Notifier, sub *rpc.Subscription, upstream *ledger.Subscription[E]) {
	defer upstream.Close()
	for {
		select {
		case <-sub.Err():
			return
		case evt, ok := <-upstream.Events():
			if !ok {
				return
			}
			if err := notifier.Notify(sub.ID, evt); err != nil {
				return
			}
		}
	}
}
