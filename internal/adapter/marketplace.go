package adapter

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"DataSov-Bridge/internal/encryption"
	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/ledger"
	"DataSov-Bridge/internal/proofs"
)

// MarketplaceAdapter 是数据市场账本的类型化门面，并负责市场一侧的证明确认。
type MarketplaceAdapter struct {
	port     ledger.MarketplaceLedgerPort
	conn     *connection
	engine   *encryption.Engine
	issuer   ed25519.PublicKey
	minLevel ledger.VerificationLevel

	mu        sync.RWMutex
	suspended map[string]time.Time
}

// MarketplaceOption customises MarketplaceAdapter.
type MarketplaceOption func(*MarketplaceAdapter)

// WithMinimumLevel sets the lowest verification level the marketplace trades with.
func WithMinimumLevel(level ledger.VerificationLevel) MarketplaceOption {
	return func(a *MarketplaceAdapter) {
		if level.Valid() {
			a.minLevel = level
		}
	}
}

// WithMarketplaceObserver records every ledger call.
func WithMarketplaceObserver(observer Observer) MarketplaceOption {
	return func(a *MarketplaceAdapter) {
		if observer != nil {
			a.conn.observer = observer
		}
	}
}

// NewMarketplaceAdapter constructs the adapter. issuer is the public key of
// the proof issuer whose signatures the marketplace accepts.
func NewMarketplaceAdapter(port ledger.MarketplaceLedgerPort, engine *encryption.Engine, issuer ed25519.PublicKey, cfg Config, opts ...MarketplaceOption) *MarketplaceAdapter {
	if engine == nil {
		engine = encryption.NewEngine()
	}
	a := &MarketplaceAdapter{
		port:      port,
		conn:      newConnection(xerrors.SideMarketplaceLedger, cfg, nil),
		engine:    engine,
		issuer:    issuer,
		minLevel:  ledger.LevelBasic,
		suspended: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect is idempotent and retries with exponential backoff.
func (a *MarketplaceAdapter) Connect(ctx context.Context) error {
	return a.conn.connect(ctx, a.port.Connect)
}

// Disconnect is idempotent and never fails.
func (a *MarketplaceAdapter) Disconnect() {
	a.conn.disconnect(a.port.Close)
}

// IsHealthy returns the last known health without blocking.
func (a *MarketplaceAdapter) IsHealthy() bool { return a.conn.isHealthy() }

// IsConnected reports whether Connect has succeeded.
func (a *MarketplaceAdapter) IsConnected() bool { return a.conn.connected.Load() }

// LastError returns the most recent transport failure.
func (a *MarketplaceAdapter) LastError() string { return a.conn.lastError() }

// CheckHealth actively pings the ledger.
func (a *MarketplaceAdapter) CheckHealth(ctx context.Context) error {
	_, err := invoke(ctx, a.conn, "ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.port.Ping(ctx)
	})
	return err
}

// CreateListing writes a listing. Suspended identities cannot list.
func (a *MarketplaceAdapter) CreateListing(ctx context.Context, req ledger.CreateListingRequest) (*ledger.DataListing, error) {
	if err := a.ensureTrading(req.IdentityID); err != nil {
		return nil, err
	}
	return invoke(ctx, a.conn, "create_listing", func(ctx context.Context) (*ledger.DataListing, error) {
		return a.port.CreateListing(ctx, req)
	})
}

// UpdateListingPrice changes the price of an active listing owned by owner.
func (a *MarketplaceAdapter) UpdateListingPrice(ctx context.Context, listingID, owner string, price uint64) (*ledger.DataListing, error) {
	return invoke(ctx, a.conn, "update_listing_price", func(ctx context.Context) (*ledger.DataListing, error) {
		return a.port.UpdateListingPrice(ctx, listingID, owner, price)
	})
}

// CancelListing deactivates an active listing owned by owner.
func (a *MarketplaceAdapter) CancelListing(ctx context.Context, listingID, owner string) (*ledger.DataListing, error) {
	return invoke(ctx, a.conn, "cancel_listing", func(ctx context.Context) (*ledger.DataListing, error) {
		return a.port.CancelListing(ctx, listingID, owner)
	})
}

// Purchase buys a listing.
func (a *MarketplaceAdapter) Purchase(ctx context.Context, req ledger.PurchaseRequest) (*ledger.PurchaseReceipt, error) {
	return invoke(ctx, a.conn, "purchase", func(ctx context.Context) (*ledger.PurchaseReceipt, error) {
		return a.port.Purchase(ctx, req)
	})
}

// GetListing reads one listing.
func (a *MarketplaceAdapter) GetListing(ctx context.Context, listingID string) (*ledger.DataListing, error) {
	return invoke(ctx, a.conn, "get_listing", func(ctx context.Context) (*ledger.DataListing, error) {
		return a.port.GetListing(ctx, listingID)
	})
}

// GetListings reads listings matching filter.
func (a *MarketplaceAdapter) GetListings(ctx context.Context, filter ledger.ListingFilter) ([]*ledger.DataListing, error) {
	return invoke(ctx, a.conn, "get_listings", func(ctx context.Context) ([]*ledger.DataListing, error) {
		return a.port.GetListings(ctx, filter)
	})
}

// Stats reads marketplace totals.
func (a *MarketplaceAdapter) Stats(ctx context.Context) (ledger.MarketplaceStats, error) {
	return invoke(ctx, a.conn, "stats", func(ctx context.Context) (ledger.MarketplaceStats, error) {
		return a.port.Stats(ctx)
	})
}

// Subscribe opens the marketplace change stream.
func (a *MarketplaceAdapter) Subscribe(ctx context.Context) (*ledger.MarketplaceSubscription, error) {
	if err := a.conn.ensureConnected("subscribe"); err != nil {
		return nil, err
	}
	return a.port.SubscribeMarketplaceEvents(ctx)
}

// ConfirmIdentityProof 市场一侧的确认：签发者签名、最低验证等级、身份未被暂停交易。
func (a *MarketplaceAdapter) ConfirmIdentityProof(ctx context.Context, proof *proofs.IdentityProof) error {
	if err := a.conn.ensureConnected("confirm_identity_proof"); err != nil {
		return err
	}
	var reasons []string
	if !a.engine.VerifySignature(proof.SigningPayload(), proof.Signature, a.issuer) {
		reasons = append(reasons, "issuer signature is invalid")
	}
	if proof.VerificationLevel < a.minLevel {
		reasons = append(reasons, fmt.Sprintf("verification level %s is below %s", proof.VerificationLevel, a.minLevel))
	}
	if a.IsTradingSuspended(proof.IdentityID) {
		reasons = append(reasons, "identity is suspended from trading")
	}
	return proofs.Rejection(xerrors.SideMarketplaceLedger, proof.IdentityID, reasons...)
}

// ConfirmAccessProof 验证访问证明的签发者签名，并确认身份未被暂停交易。
func (a *MarketplaceAdapter) ConfirmAccessProof(ctx context.Context, proof *proofs.AccessProof) error {
	if err := a.conn.ensureConnected("confirm_access_proof"); err != nil {
		return err
	}
	var reasons []string
	if !a.engine.VerifySignature(proof.SigningPayload(), proof.Signature, a.issuer) {
		reasons = append(reasons, "issuer signature is invalid")
	}
	if !proof.IsActive {
		reasons = append(reasons, "permission is not active")
	}
	if a.IsTradingSuspended(proof.IdentityID) {
		reasons = append(reasons, "identity is suspended from trading")
	}
	return proofs.Rejection(xerrors.SideMarketplaceLedger, proof.IdentityID, reasons...)
}

// SuspendTrading blocks identityID from further trading and cancels its
// active listings. It returns the number of listings cancelled.
func (a *MarketplaceAdapter) SuspendTrading(ctx context.Context, identityID string) (int, error) {
	a.mu.Lock()
	if _, ok := a.suspended[identityID]; !ok {
		a.suspended[identityID] = time.Now().UTC()
	}
	a.mu.Unlock()

	listings, err := a.GetListings(ctx, ledger.ListingFilter{IdentityID: identityID, ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	cancelled := 0
	var failures []string
	for _, listing := range listings {
		_, err := a.CancelListing(ctx, listing.ListingID, listing.Owner)
		switch {
		case err == nil:
			cancelled++
		case xerrors.HasCode(err, ledger.CodeListingNotActive):
		default:
			failures = append(failures, fmt.Sprintf("%s: %v", listing.ListingID, err))
		}
	}
	if len(failures) > 0 {
		return cancelled, xerrors.New(ledger.CodeLedgerTransport, "some listings could not be cancelled",
			xerrors.WithStage(xerrors.StageLedgerWrite),
			xerrors.WithSide(xerrors.SideMarketplaceLedger),
			xerrors.WithMetadata(xerrors.MetaIdentityID, identityID),
			xerrors.WithDetails(failures...))
	}
	return cancelled, nil
}

// ResumeTrading lifts a suspension.
func (a *MarketplaceAdapter) ResumeTrading(identityID string) {
	a.mu.Lock()
	delete(a.suspended, identityID)
	a.mu.Unlock()
}

// IsTradingSuspended reports whether identityID is blocked.
func (a *MarketplaceAdapter) IsTradingSuspended(identityID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.suspended[identityID]
	return ok
}

// SuspendedCount returns how many identities are blocked.
func (a *MarketplaceAdapter) SuspendedCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.suspended)
}

func (a *MarketplaceAdapter) ensureTrading(identityID string) error {
	if a.IsTradingSuspended(identityID) {
		return xerrors.New(CodeTradingSuspended, fmt.Sprintf("identity %s is suspended from trading", identityID),
			xerrors.WithStage(xerrors.StageLedgerWrite),
			xerrors.WithSide(xerrors.SideMarketplaceLedger),
			xerrors.WithMetadata(xerrors.MetaIdentityID, identityID))
	}
	return nil
}
