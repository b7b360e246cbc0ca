package rpcledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"
)

// Dialer opens the RPC connection to a ledger node.
type Dialer func(ctx context.Context) (*rpc.Client, error)

// DialURL dials an http(s), ws(s) or IPC endpoint.
func DialURL(url string) Dialer {
	return func(ctx context.Context) (*rpc.Client, error) {
		url = strings.TrimSpace(url)
		if url == "" {
			return nil, errors.New("未配置账本 RPC 地址")
		}
		client, err := rpc.DialContext(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("连接账本节点失败: %w", err)
		}
		return client, nil
	}
}

// DialInProc attaches to a server running in the same process.
func DialInProc(server *rpc.Server) Dialer {
	return func(context.Context) (*rpc.Client, error) {
		return rpc.DialInProc(server), nil
	}
}

var errNotConnected = errors.New("ledger rpc client is not connected")

// conn 持有单个命名空间的 RPC 连接。
type conn struct {
	namespace string
	dial      Dialer

	mu     sync.RWMutex
	client *rpc.Client
}

func (c *conn) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return nil
	}
	client, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if err := client.CallContext(ctx, nil, c.method("ping")); err != nil {
		client.Close()
		return decodeError(err, c.method("ping"))
	}
	c.client = client
	return nil
}

func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	return nil
}

func (c *conn) current() (*rpc.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, errNotConnected
	}
	return c.client, nil
}

func (c *conn) method(name string) string {
	return c.namespace + "_" + name
}

func (c *conn) call(ctx context.Context, result any, name string, args ...any) error {
	client, err := c.current()
	if err != nil {
		return err
	}
	method := c.method(name)
	return decodeError(client.CallContext(ctx, result, method, args...), method)
}

// callResult 是 call 的泛型形式。
func callResult[T any](ctx context.Context, c *conn, name string, args ...any) (T, error) {
	var out T
	err := c.call(ctx, &out, name, args...)
	return out, err
}
