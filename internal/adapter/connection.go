package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/ledger"
	"DataSov-Bridge/pkg/logger"
)

const (
	CodeNotConnected     xerrors.Code = "NOT_CONNECTED"
	CodeAccessNotGranted xerrors.Code = "ACCESS_NOT_GRANTED"
	CodeTradingSuspended xerrors.Code = "TRADING_SUSPENDED"
)

func init() {
	xerrors.Register(CodeNotConnected, xerrors.Attributes{
		Message:   "adapter is not connected",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeAccessNotGranted, xerrors.Attributes{
		Message:  "access not granted",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTradingSuspended, xerrors.Attributes{
		Message:  "identity is suspended from trading",
		Severity: xerrors.SeverityInfo,
	})
}

// Config 控制适配器的连接与调用行为。
type Config struct {
	// Timeout bounds every ledger call.
	Timeout time.Duration
	// MaxRetryAttempts bounds connect attempts. Ledger calls are never retried.
	MaxRetryAttempts int
	// RetryInitialInterval is the first connect backoff delay.
	RetryInitialInterval time.Duration
	// BatchSize pages identity enumeration.
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Observer receives the outcome of every ledger call.
type Observer interface {
	ObserveLedgerCall(side, operation string, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveLedgerCall(string, string, time.Duration, error) {}

// connection 保存单个账本的连接状态，所有字段都可以并发读取。
type connection struct {
	side     string
	cfg      Config
	observer Observer
	log      *slog.Logger

	mu        sync.Mutex
	connected atomic.Bool
	healthy   atomic.Bool
	lastErr   atomic.Value
}

func newConnection(side string, cfg Config, observer Observer) *connection {
	if observer == nil {
		observer = nopObserver{}
	}
	return &connection{
		side:     side,
		cfg:      cfg.withDefaults(),
		observer: observer,
		log:      logger.Named(side),
	}
}

func (c *connection) connect(ctx context.Context, dial func(context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected.Load() {
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryInitialInterval
	policy.MaxElapsedTime = 0
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetryAttempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		return dial(callCtx)
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("账本连接失败，准备重试", "attempt", attempt, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(operation, retries, notify); err != nil {
		c.markUnhealthy(err)
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("connect %s after %d attempts", c.side, attempt),
			xerrors.WithSide(c.side))
	}
	c.connected.Store(true)
	c.healthy.Store(true)
	c.log.Info("账本连接成功", "attempts", attempt)
	return nil
}

func (c *connection) disconnect(closeFn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected.Load() {
		return
	}
	c.connected.Store(false)
	c.healthy.Store(false)
	if err := closeFn(); err != nil {
		c.log.Warn("关闭账本连接失败", "error", err)
	}
}

func (c *connection) isHealthy() bool {
	return c.connected.Load() && c.healthy.Load()
}

func (c *connection) markUnhealthy(err error) {
	c.healthy.Store(false)
	if err != nil {
		c.lastErr.Store(err.Error())
	}
}

func (c *connection) lastError() string {
	if v, ok := c.lastErr.Load().(string); ok {
		return v
	}
	return ""
}

func (c *connection) ensureConnected(operation string) error {
	if c.connected.Load() {
		return nil
	}
	return xerrors.New(CodeNotConnected, fmt.Sprintf("%s adapter is not connected", c.side),
		xerrors.WithSide(c.side), xerrors.WithMetadata("operation", operation))
}

// invoke 在超时约束下执行一次账本调用。超时与传输失败都作为普通错误返回，不做重试。
func invoke[T any](ctx context.Context, c *connection, operation string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := c.ensureConnected(operation); err != nil {
		return zero, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, err := fn(callCtx)
	elapsed := time.Since(start)
	if err != nil {
		err = c.classify(ctx, callCtx, operation, err)
	}
	c.observer.ObserveLedgerCall(c.side, operation, elapsed, err)
	if err != nil {
		return zero, err
	}
	c.healthy.Store(true)
	return out, nil
}

func (c *connection) classify(parent, callCtx context.Context, operation string, err error) error {
	if coded, ok := xerrors.From(err); ok {
		if coded.Code() == ledger.CodeLedgerTransport {
			c.markUnhealthy(err)
		}
		return err
	}
	if stdErrors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		c.markUnhealthy(err)
		return xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("%s %s timed out after %s", c.side, operation, c.cfg.Timeout),
			xerrors.WithSide(c.side))
	}
	if stdErrors.Is(err, context.Canceled) || parent.Err() != nil {
		return err
	}
	c.markUnhealthy(err)
	return xerrors.Wrap(ledger.CodeLedgerTransport, err, fmt.Sprintf("%s %s failed", c.side, operation),
		xerrors.WithSide(c.side))
}
