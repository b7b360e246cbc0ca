package ledger

import (
	"sync"
	"time"
)

// EventKind names a change reported by one of the ledgers.
type EventKind string

// Identity ledger change stream kinds.
const (
	EventIdentityRegistered EventKind = "IDENTITY_REGISTERED"
	EventIdentityVerified   EventKind = "IDENTITY_VERIFIED"
	EventIdentityUpdated    EventKind = "IDENTITY_UPDATED"
	EventIdentityRevoked    EventKind = "IDENTITY_REVOKED"
	EventAccessGranted      EventKind = "ACCESS_GRANTED"
	EventAccessRevoked      EventKind = "ACCESS_REVOKED"
)

// Marketplace ledger change stream kinds.
const (
	EventListingCreated   EventKind = "DATA_LISTING_CREATED"
	EventListingUpdated   EventKind = "DATA_LISTING_UPDATED"
	EventListingCancelled EventKind = "DATA_LISTING_CANCELLED"
	EventDataPurchased    EventKind = "DATA_PURCHASED"
	EventFeeDistributed   EventKind = "FEE_DISTRIBUTED"
	EventHealthCheck      EventKind = "HEALTH_CHECK"
)

// IdentityEvent is delivered at least once; kinds carry no relative ordering.
type IdentityEvent struct {
	Kind            EventKind         `json:"kind"`
	IdentityID      string            `json:"identityId"`
	Timestamp       time.Time         `json:"timestamp"`
	LedgerReference string            `json:"ledgerReference"`
	Details         map[string]string `json:"details,omitempty"`
}

// MarketplaceEvent is delivered at least once; kinds carry no relative ordering.
type MarketplaceEvent struct {
	Kind            EventKind         `json:"kind"`
	ListingID       string            `json:"listingId,omitempty"`
	IdentityID      string            `json:"identityId,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	LedgerReference string            `json:"ledgerReference"`
	Details         map[string]string `json:"details,omitempty"`
}

// Subscription wraps a ledger change stream so callers can manage its
// lifecycle without depending on the transport.
type Subscription[E any] struct {
	events <-chan E
	errs   <-chan error
	once   sync.Once
	cancel func()
}

// NewSubscription constructs a managed subscription. cancel may be nil.
func NewSubscription[E any](events <-chan E, errs <-chan error, cancel func()) *Subscription[E] {
	return &Subscription[E]{events: events, errs: errs, cancel: cancel}
}

// Events returns the channel receiving ledger events. It is closed when the
// subscription terminates.
func (s *Subscription[E]) Events() <-chan E {
	if s == nil {
		return nil
	}
	return s.events
}

// Err forwards transport failures. It may be nil.
func (s *Subscription[E]) Err() <-chan error {
	if s == nil {
		return nil
	}
	return s.errs
}

// Close terminates the subscription. Safe to call more than once.
func (s *Subscription[E]) Close() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

// IdentitySubscription is the identity ledger change stream.
type IdentitySubscription = Subscription[IdentityEvent]

// MarketplaceSubscription is the marketplace ledger change stream.
type MarketplaceSubscription = Subscription[MarketplaceEvent]
