package rpcledger

import (
	"context"

	"github.com/ethereum/go-ethereum/rpc"

	"DataSov-Bridge/internal/ledger"
)

// MarketplaceNamespace is the RPC namespace of the marketplace ledger.
const MarketplaceNamespace = "market"

// MarketplaceClient 通过 JSON-RPC 访问数据市场账本节点。
type MarketplaceClient struct {
	conn conn
}

// NewMarketplaceClient returns a client that dials on Connect.
func NewMarketplaceClient(dial Dialer) *MarketplaceClient {
	return &MarketplaceClient{conn: conn{namespace: MarketplaceNamespace, dial: dial}}
}

// Connect implements ledger.MarketplaceLedgerPort.
func (c *MarketplaceClient) Connect(ctx context.Context) error { return c.conn.connect(ctx) }

// Close implements ledger.MarketplaceLedgerPort.
func (c *MarketplaceClient) Close() error { return c.conn.close() }

// Ping implements ledger.MarketplaceLedgerPort.
func (c *MarketplaceClient) Ping(ctx context.Context) error {
	return c.conn.call(ctx, nil, "ping")
}

// CreateListing implements ledger.MarketplaceLedgerPort.
func (c *MarketplaceClient) CreateListing(ctx context.Context, req ledger.CreateListingRequest) (*ledger.DataListing, error) {
	return callResult[*ledger.DataListing](ctx, &c.conn, "createListing", req)
}

// UpdateListingPrice implements ledger.MarketplaceLedgerPort.
func (c *MarketplaceClient) UpdateListingPrice(ctx context.Context, listingID, owner string, price uint64) (*ledger.DataListing, error) {
	return callResult[*ledger.DataListing](ctx, &c.conn, "updateListingPrice", listingID, owner, price)
}

// CancelListing implements ledger.MarketplaceLedgerPort.
func (c *MarketplaceClient) CancelListing(ctx context.Context, listingID, owner string) (*ledger.DataListing, error) {
	return callResult[*ledger.DataListing](ctx, &c.conn, "cancelListing", listingID, owner)
}

// Purchase implements ledger.MarketplaceLedgerPort.
func (c *MarketplaceClient) Purchase(ctx context.Context, req ledger.PurchaseRequest) (*ledger.PurchaseReceipt, error) {
	return callResult[*ledger.PurchaseReceipt](ctx, &c.conn, "purchase", req)
}

// GetListing implements ledger.MarketplaceLedgerPort.
func (c *MarketplaceClient) GetListing(ctx context.Context, listingID string) (*ledger.DataListing, error) {
	return callResult[*ledger.DataListing](ctx, &c.conn, "getListing", listingID)
}

// GetListings implements ledger.MarketplaceLedgerPort.
func (c *MarketplaceClient) GetListings(ctx context.Context, filter ledger.ListingFilter) ([]*ledger.DataListing, error) {
	return callResult[[]*ledger.DataListing](ctx, &c.conn, "getListings", filter)
}

// Stats implements ledger.MarketplaceLedgerPort.
func (c *MarketplaceClient) Stats(ctx context.Context) (ledger.MarketplaceStats, error) {
	return callResult[ledger.MarketplaceStats](ctx, &c.conn, "stats")
}

// SubscribeMarketplaceEvents implements ledger.MarketplaceLedgerPort.
func (c *MarketplaceClient) SubscribeMarketplaceEvents(ctx context.Context) (*ledger.MarketplaceSubscription, error) {
	return subscribe[ledger.MarketplaceEvent](ctx, &c.conn)
}

var _ ledger.MarketplaceLedgerPort = (*MarketplaceClient)(nil)

// MarketplaceService 把任意数据市场账本端口暴露为 RPC 命名空间。
type MarketplaceService struct {
	port ledger.MarketplaceLedgerPort
}

// NewMarketplaceService wraps port.
func NewMarketplaceService(port ledger.MarketplaceLedgerPort) *MarketplaceService {
	return &MarketplaceService{port: port}
}

// Ping answers market_ping.
func (s *MarketplaceService) Ping(ctx context.Context) error {
	if err := s.port.Ping(ctx); err != nil {
		return encodeError(err)
	}
	return nil
}

// CreateListing answers market_createListing.
func (s *MarketplaceService) CreateListing(ctx context.Context, req ledger.CreateListingRequest) (*ledger.DataListing, error) {
	return listingResult(s.port.CreateListing(ctx, req))
}

// UpdateListingPrice answers market_updateListingPrice.
func (s *MarketplaceService) UpdateListingPrice(ctx context.Context, listingID, owner string, price uint64) (*ledger.DataListing, error) {
	return listingResult(s.port.UpdateListingPrice(ctx, listingID, owner, price))
}

// CancelListing answers market_cancelListing.
func (s *MarketplaceService) CancelListing(ctx context.Context, listingID, owner string) (*ledger.DataListing, error) {
	return listingResult(s.port.CancelListing(ctx, listingID, owner))
}

// Purchase answers market_purchase.
func (s *MarketplaceService) Purchase(ctx context.Context, req ledger.PurchaseRequest) (*ledger.PurchaseReceipt, error) {
	receipt, err := s.port.Purchase(ctx, req)
	if err != nil {
		return nil, encodeError(err)
	}
	return receipt, nil
}

// GetListing answers market_getListing.
func (s *MarketplaceService) GetListing(ctx context.Context, listingID string) (*ledger.DataListing, error) {
	return listingResult(s.port.GetListing(ctx, listingID))
}

// GetListings answers market_getListings.
func (s *MarketplaceService) GetListings(ctx context.Context, filter ledger.ListingFilter) ([]*ledger.DataListing, error) {
	listings, err := s.port.GetListings(ctx, filter)
	if err != nil {
		return nil, encodeError(err)
	}
	return listings, nil
}

// Stats answers market_stats.
func (s *MarketplaceService) Stats(ctx context.Context) (ledger.MarketplaceStats, error) {
	stats, err := s.port.Stats(ctx)
	if err != nil {
		return ledger.MarketplaceStats{}, encodeError(err)
	}
	return stats, nil
}

// Events answers market_subscribe("events").
func (s *MarketplaceService) Events(ctx context.Context) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return &rpc.Subscription{}, rpc.ErrNotificationsUnsupported
	}
	upstream, err := s.port.SubscribeMarketplaceEvents(context.Background())
	if err != nil {
		return nil, encodeError(err)
	}
	sub := notifier.CreateSubscription()
	go forward(notifier, sub, upstream)
	return sub, nil
}

func listingResult(listing *ledger.DataListing, err error) (*ledger.DataListing, error) {
	if err != nil {
		return nil, encodeError(err)
	}
	return listing, nil
}
