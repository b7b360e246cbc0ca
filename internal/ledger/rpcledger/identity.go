package rpcledger

import (
	"context"

	"github.com/ethereum/go-ethereum/rpc"

	"DataSov-Bridge/internal/ledger"
)

// IdentityNamespace is the RPC namespace of the identity ledger.
const IdentityNamespace = "identity"

// IdentityClient 通过 JSON-RPC 访问身份账本节点。
type IdentityClient struct {
	conn conn
}

// NewIdentityClient returns a client that dials on Connect.
func NewIdentityClient(dial Dialer) *IdentityClient {
	return &IdentityClient{conn: conn{namespace: IdentityNamespace, dial: dial}}
}

// Connect implements ledger.IdentityLedgerPort.
func (c *IdentityClient) Connect(ctx context.Context) error { return c.conn.connect(ctx) }

// Close implements ledger.IdentityLedgerPort.
func (c *IdentityClient) Close() error { return c.conn.close() }

// Ping implements ledger.IdentityLedgerPort.
func (c *IdentityClient) Ping(ctx context.Context) error {
	return c.conn.call(ctx, nil, "ping")
}

// GetIdentity implements ledger.IdentityLedgerPort.
func (c *IdentityClient) GetIdentity(ctx context.Context, identityID string) (*ledger.DigitalIdentity, error) {
	return callResult[*ledger.DigitalIdentity](ctx, &c.conn, "getIdentity", identityID)
}

// GetIdentitiesByOwner implements ledger.IdentityLedgerPort.
func (c *IdentityClient) GetIdentitiesByOwner(ctx context.Context, owner string) ([]*ledger.DigitalIdentity, error) {
	return callResult[[]*ledger.DigitalIdentity](ctx, &c.conn, "getIdentitiesByOwner", owner)
}

// ListIdentities implements ledger.IdentityLedgerPort.
func (c *IdentityClient) ListIdentities(ctx context.Context, status ledger.IdentityStatus, offset, limit int) ([]*ledger.DigitalIdentity, error) {
	return callResult[[]*ledger.DigitalIdentity](ctx, &c.conn, "listIdentities", status, offset, limit)
}

// SubscribeIdentityEvents implements ledger.IdentityLedgerPort.
func (c *IdentityClient) SubscribeIdentityEvents(ctx context.Context) (*ledger.IdentitySubscription, error) {
	return subscribe[ledger.IdentityEvent](ctx, &c.conn)
}

var _ ledger.IdentityLedgerPort = (*IdentityClient)(nil)

// IdentityService 把任意身份账本端口暴露为 RPC 命名空间。
type IdentityService struct {
	port ledger.IdentityLedgerPort
}

// NewIdentityService wraps port.
func NewIdentityService(port ledger.IdentityLedgerPort) *IdentityService {
	return &IdentityService{port: port}
}

// Ping answers identity_ping.
func (s *IdentityService) Ping(ctx context.Context) error {
	if err := s.port.Ping(ctx); err != nil {
		return encodeError(err)
	}
	return nil
}

// GetIdentity answers identity_getIdentity.
func (s *IdentityService) GetIdentity(ctx context.Context, identityID string) (*ledger.DigitalIdentity, error) {
	identity, err := s.port.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, encodeError(err)
	}
	return identity, nil
}

// GetIdentitiesByOwner answers identity_getIdentitiesByOwner.
func (s *IdentityService) GetIdentitiesByOwner(ctx context.Context, owner string) ([]*ledger.DigitalIdentity, error) {
	identities, err := s.port.GetIdentitiesByOwner(ctx, owner)
	if err != nil {
		return nil, encodeError(err)
	}
	return identities, nil
}

// ListIdentities answers identity_listIdentities.
func (s *IdentityService) ListIdentities(ctx context.Context, status ledger.IdentityStatus, offset, limit int) ([]*ledger.DigitalIdentity, error) {
	identities, err := s.port.ListIdentities(ctx, status, offset, limit)
	if err != nil {
		return nil, encodeError(err)
	}
	return identities, nil
}

// Events answers identity_subscribe("events").
func (s *IdentityService) Events(ctx context.Context) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return &rpc.Subscription{}, rpc.ErrNotificationsUnsupported
	}
	// 调用上下文在订阅建立后即结束，上游订阅的生命周期跟随 RPC 订阅。
	upstream, err := s.port.SubscribeIdentityEvents(context.Background())
	if err != nil {
		return nil, encodeError(err)
	}
	sub := notifier.CreateSubscription()
	go forward(notifier, sub, upstream)
	return sub, nil
}
