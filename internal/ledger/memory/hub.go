package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/crypto"

	"DataSov-Bridge/internal/ledger"
	"DataSov-Bridge/pkg/logger"
)

const subscriberBuffer = 256

// hub 将账本事件广播给所有订阅者。订阅者缓冲区满时事件被丢弃并记录日志。
type hub[E any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan E
	name   string
}

func newHub[E any](name string) *hub[E] {
	return &hub[E]{subs: make(map[int]chan E), name: name}
}

func (h *hub[E]) subscribe(ctx context.Context) *ledger.Subscription[E] {
	ch := make(chan E, subscriberBuffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
			h.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ledger.NewSubscription[E](ch, nil, cancel)
}

func (h *hub[E]) publish(evt E) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			logger.L().Warn("订阅者缓冲区已满，丢弃事件", "ledger", h.name, "subscriber", id)
		}
	}
}

func (h *hub[E]) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// referencer 生成伪交易哈希作为账本引用。
type referencer struct {
	prefix string
	nonce  atomic.Uint64
}

func (r *referencer) next(parts ...string) string {
	n := r.nonce.Add(1)
	payload := fmt.Sprintf("%s:%d", r.prefix, n)
	for _, p := range parts {
		payload += ":" + p
	}
	return crypto.Keccak256Hash([]byte(payload)).Hex()
}
