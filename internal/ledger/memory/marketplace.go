package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/ledger"
)

// DefaultFeeBasisPoints 是市场默认手续费（2.5%）。
const DefaultFeeBasisPoints uint16 = 250

// MarketplaceLedger 是内存版数据市场账本。挂单状态迁移在互斥锁内原子完成。
type MarketplaceLedger struct {
	mu           sync.Mutex
	listings     map[string]*ledger.DataListing
	feeBps       uint16
	volume       uint64
	fees         uint64
	connectErr   error
	subscribeErr error
	connected    atomic.Bool
	now          func() time.Time
	events       *hub[ledger.MarketplaceEvent]
	refs         referencer

	createCalls   atomic.Int64
	purchaseCalls atomic.Int64
}

// MarketplaceOption customises MarketplaceLedger.
type MarketplaceOption func(*MarketplaceLedger)

// WithFeeBasisPoints sets the marketplace fee. Values above 10000 are clamped.
func WithFeeBasisPoints(bps uint16) MarketplaceOption {
	return func(l *MarketplaceLedger) {
		if bps > 10000 {
			bps = 10000
		}
		l.feeBps = bps
	}
}

// WithMarketplaceClock overrides the ledger clock.
func WithMarketplaceClock(now func() time.Time) MarketplaceOption {
	return func(l *MarketplaceLedger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewMarketplaceLedger constructs an empty marketplace.
func NewMarketplaceLedger(opts ...MarketplaceOption) *MarketplaceLedger {
	l := &MarketplaceLedger{
		listings: make(map[string]*ledger.DataListing),
		feeBps:   DefaultFeeBasisPoints,
		now:      func() time.Time { return time.Now().UTC() },
		events:   newHub[ledger.MarketplaceEvent]("marketplace"),
		refs:     referencer{prefix: "marketplace"},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FailConnect makes Connect return err until cleared with nil.
func (l *MarketplaceLedger) FailConnect(err error) {
	l.mu.Lock()
	l.connectErr = err
	l.mu.Unlock()
}

// FailSubscribe makes new subscriptions fail with err until cleared with nil.
func (l *MarketplaceLedger) FailSubscribe(err error) {
	l.mu.Lock()
	l.subscribeErr = err
	l.mu.Unlock()
}

// DropSubscribers closes every open change stream, as a transport drop would.
func (l *MarketplaceLedger) DropSubscribers() {
	l.events.closeAll()
}

// CreateCalls returns how many CreateListing calls reached the ledger.
func (l *MarketplaceLedger) CreateCalls() int64 { return l.createCalls.Load() }

// PurchaseCalls returns how many Purchase calls reached the ledger.
func (l *MarketplaceLedger) PurchaseCalls() int64 { return l.purchaseCalls.Load() }

// Connect implements ledger.MarketplaceLedgerPort.
func (l *MarketplaceLedger) Connect(ctx context.Context) error {
	l.mu.Lock()
	err := l.connectErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.connected.Store(true)
	return nil
}

// Close implements ledger.MarketplaceLedgerPort.
func (l *MarketplaceLedger) Close() error {
	l.connected.Store(false)
	return nil
}

// Ping implements ledger.MarketplaceLedgerPort.
func (l *MarketplaceLedger) Ping(ctx context.Context) error {
	if !l.connected.Load() {
		return xerrors.New(ledger.CodeLedgerTransport, "marketplace ledger is not reachable")
	}
	l.events.publish(ledger.MarketplaceEvent{Kind: ledger.EventHealthCheck, Timestamp: l.now()})
	return ctx.Err()
}

// CreateListing implements ledger.MarketplaceLedgerPort. A repeated request
// with the same listing id and content returns the existing listing.
func (l *MarketplaceLedger) CreateListing(ctx context.Context, req ledger.CreateListingRequest) (*ledger.DataListing, error) {
	l.createCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ListingID) == "" || strings.TrimSpace(req.IdentityID) == "" || strings.TrimSpace(req.Owner) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "listing id, identity id and owner are required")
	}
	if req.Price == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "price must be positive")
	}
	if req.DataType == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "data type is required")
	}

	l.mu.Lock()
	if existing, ok := l.listings[req.ListingID]; ok {
		l.mu.Unlock()
		if existing.IdentityID == req.IdentityID && existing.Owner == req.Owner &&
			existing.Price == req.Price && existing.DataType == req.DataType {
			return existing.Clone(), nil
		}
		return nil, xerrors.New(ledger.CodeListingExists, fmt.Sprintf("listing %s already exists", req.ListingID),
			xerrors.WithMetadata(xerrors.MetaListingID, req.ListingID))
	}
	now := l.now()
	listing := &ledger.DataListing{
		ListingID:       req.ListingID,
		IdentityID:      req.IdentityID,
		Owner:           req.Owner,
		Price:           req.Price,
		DataType:        req.DataType,
		Description:     req.Description,
		IsActive:        true,
		ProofReference:  req.ProofReference,
		LedgerReference: l.refs.next("create", req.ListingID),
		CreatedAt:       now,
	}
	l.listings[req.ListingID] = listing
	out := listing.Clone()
	l.mu.Unlock()

	l.emit(ledger.EventListingCreated, out, now, map[string]string{"price": strconv.FormatUint(out.Price, 10)})
	return out, nil
}

// UpdateListingPrice implements ledger.MarketplaceLedgerPort.
func (l *MarketplaceLedger) UpdateListingPrice(ctx context.Context, listingID, owner string, price uint64) (*ledger.DataListing, error) {
	if price == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "price must be positive")
	}
	return l.mutate(listingID, owner, ledger.EventListingUpdated, func(listing *ledger.DataListing, now time.Time) {
		listing.Price = price
	}, map[string]string{"price": strconv.FormatUint(price, 10)})
}

// CancelListing implements ledger.MarketplaceLedgerPort.
func (l *MarketplaceLedger) CancelListing(ctx context.Context, listingID, owner string) (*ledger.DataListing, error) {
	return l.mutate(listingID, owner, ledger.EventListingCancelled, func(listing *ledger.DataListing, now time.Time) {
		listing.IsActive = false
		listing.CancelledAt = &now
	}, nil)
}

// Purchase implements ledger.MarketplaceLedgerPort. Only one purchase of a
// listing can succeed; later callers observe LISTING_NOT_ACTIVE.
func (l *MarketplaceLedger) Purchase(ctx context.Context, req ledger.PurchaseRequest) (*ledger.PurchaseReceipt, error) {
	l.purchaseCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Buyer) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "buyer is required")
	}

	l.mu.Lock()
	listing, ok := l.listings[req.ListingID]
	if !ok {
		l.mu.Unlock()
		return nil, listingNotFound(req.ListingID)
	}
	if !listing.IsActive {
		l.mu.Unlock()
		return nil, listingNotActive(req.ListingID)
	}
	if listing.Owner == req.Buyer {
		l.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "owner cannot purchase own listing")
	}
	now := l.now()
	fee, ownerAmount := ledger.SplitFee(listing.Price, l.feeBps)
	listing.IsActive = false
	listing.Buyer = req.Buyer
	listing.SoldAt = &now
	listing.LedgerReference = l.refs.next("purchase", req.ListingID, req.Buyer)
	l.volume += listing.Price
	l.fees += fee
	receipt := &ledger.PurchaseReceipt{
		ListingID:       listing.ListingID,
		Buyer:           req.Buyer,
		Amount:          listing.Price,
		Fee:             fee,
		OwnerAmount:     ownerAmount,
		LedgerReference: listing.LedgerReference,
		PurchasedAt:     now,
	}
	out := listing.Clone()
	l.mu.Unlock()

	l.emit(ledger.EventDataPurchased, out, now, map[string]string{
		"buyer":  req.Buyer,
		"amount": strconv.FormatUint(receipt.Amount, 10),
	})
	l.emit(ledger.EventFeeDistributed, out, now, map[string]string{
		"fee":         strconv.FormatUint(fee, 10),
		"ownerAmount": strconv.FormatUint(ownerAmount, 10),
	})
	return receipt, nil
}

// GetListing implements ledger.MarketplaceLedgerPort.
func (l *MarketplaceLedger) GetListing(ctx context.Context, listingID string) (*ledger.DataListing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	listing, ok := l.listings[listingID]
	if !ok {
		return nil, listingNotFound(listingID)
	}
	return listing.Clone(), nil
}

// GetListings implements ledger.MarketplaceLedgerPort.
func (l *MarketplaceLedger) GetListings(ctx context.Context, filter ledger.ListingFilter) ([]*ledger.DataListing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*ledger.DataListing, 0)
	for _, listing := range l.listings {
		if filter.Matches(listing) {
			out = append(out, listing.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ListingID < out[j].ListingID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Stats implements ledger.MarketplaceLedgerPort.
func (l *MarketplaceLedger) Stats(ctx context.Context) (ledger.MarketplaceStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := ledger.MarketplaceStats{
		TotalListings:  uint64(len(l.listings)),
		TotalVolume:    l.volume,
		FeeBasisPoints: l.feeBps,
	}
	for _, listing := range l.listings {
		if listing.IsActive {
			stats.ActiveListings++
		}
	}
	return stats, nil
}

// FeesCollected returns the accumulated marketplace fee.
func (l *MarketplaceLedger) FeesCollected() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fees
}

// SubscribeMarketplaceEvents implements ledger.MarketplaceLedgerPort.
func (l *MarketplaceLedger) SubscribeMarketplaceEvents(ctx context.Context) (*ledger.MarketplaceSubscription, error) {
	l.mu.Lock()
	err := l.subscribeErr
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return l.events.subscribe(ctx), nil
}

func (l *MarketplaceLedger) mutate(listingID, owner string, kind ledger.EventKind, fn func(*ledger.DataListing, time.Time), details map[string]string) (*ledger.DataListing, error) {
	l.mu.Lock()
	listing, ok := l.listings[listingID]
	if !ok {
		l.mu.Unlock()
		return nil, listingNotFound(listingID)
	}
	if !listing.IsActive {
		l.mu.Unlock()
		return nil, listingNotActive(listingID)
	}
	if owner != "" && listing.Owner != owner {
		l.mu.Unlock()
		return nil, ledger.ErrUnauthorized
	}
	now := l.now()
	fn(listing, now)
	listing.LedgerReference = l.refs.next(string(kind), listingID)
	out := listing.Clone()
	l.mu.Unlock()

	l.emit(kind, out, now, details)
	return out, nil
}

func (l *MarketplaceLedger) emit(kind ledger.EventKind, listing *ledger.DataListing, at time.Time, details map[string]string) {
	l.events.publish(ledger.MarketplaceEvent{
		Kind:            kind,
		ListingID:       listing.ListingID,
		IdentityID:      listing.IdentityID,
		Timestamp:       at,
		LedgerReference: listing.LedgerReference,
		Details:         details,
	})
}

func listingNotFound(listingID string) error {
	return xerrors.New(ledger.CodeListingNotFound, fmt.Sprintf("listing %s not found", listingID),
		xerrors.WithMetadata(xerrors.MetaListingID, listingID))
}

func listingNotActive(listingID string) error {
	return xerrors.New(ledger.CodeListingNotActive, fmt.Sprintf("listing %s is not active", listingID),
		xerrors.WithMetadata(xerrors.MetaListingID, listingID))
}

var _ ledger.MarketplaceLedgerPort = (*MarketplaceLedger)(nil)
