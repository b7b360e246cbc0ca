package ledger

import "context"

// IdentityLedgerPort is the contract of the identity ledger collaborator.
// Production RPC clients and in-memory doubles satisfy the same contract.
type IdentityLedgerPort interface {
	Connect(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
	GetIdentity(ctx context.Context, identityID string) (*DigitalIdentity, error)
	GetIdentitiesByOwner(ctx context.Context, owner string) ([]*DigitalIdentity, error)
	// ListIdentities pages through identities with the given status ordered
	// by identity id. An empty status lists every identity.
	ListIdentities(ctx context.Context, status IdentityStatus, offset, limit int) ([]*DigitalIdentity, error)
	SubscribeIdentityEvents(ctx context.Context) (*IdentitySubscription, error)
}

// CreateListingRequest describes a marketplace write. ListingID doubles as
// the ledger idempotency key.
type CreateListingRequest struct {
	ListingID      string   `json:"listingId"`
	IdentityID     string   `json:"identityId"`
	Owner          string   `json:"owner"`
	Price          uint64   `json:"price"`
	DataType       DataType `json:"dataType"`
	Description    string   `json:"description"`
	ProofReference string   `json:"proofReference,omitempty"`
}

// PurchaseRequest describes a purchase on the marketplace ledger.
type PurchaseRequest struct {
	ListingID      string `json:"listingId"`
	Buyer          string `json:"buyer"`
	ProofReference string `json:"proofReference,omitempty"`
}

// MarketplaceLedgerPort is the contract of the marketplace ledger collaborator.
type MarketplaceLedgerPort interface {
	Connect(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
	CreateListing(ctx context.Context, req CreateListingRequest) (*DataListing, error)
	UpdateListingPrice(ctx context.Context, listingID, owner string, price uint64) (*DataListing, error)
	CancelListing(ctx context.Context, listingID, owner string) (*DataListing, error)
	Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseReceipt, error)
	GetListing(ctx context.Context, listingID string) (*DataListing, error)
	GetListings(ctx context.Context, filter ListingFilter) ([]*DataListing, error)
	Stats(ctx context.Context) (MarketplaceStats, error)
	SubscribeMarketplaceEvents(ctx context.Context) (*MarketplaceSubscription, error)
}
