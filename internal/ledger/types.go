package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"DataSov-Bridge/internal/encryption"
)

// IdentityStatus is the lifecycle state of an identity on the identity ledger.
type IdentityStatus string

const (
	StatusPending   IdentityStatus = "PENDING"
	StatusVerified  IdentityStatus = "VERIFIED"
	StatusRevoked   IdentityStatus = "REVOKED"
	StatusSuspended IdentityStatus = "SUSPENDED"
)

// VerificationLevel is an ordered authentication-strength tier.
type VerificationLevel int

const (
	LevelNone VerificationLevel = iota
	LevelBasic
	LevelEnhanced
	LevelHigh
	LevelCredential
)

var levelNames = [...]string{"NONE", "BASIC", "ENHANCED", "HIGH", "CREDENTIAL"}

func (l VerificationLevel) String() string {
	if l < LevelNone || int(l) >= len(levelNames) {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether the level is one of the known tiers.
func (l VerificationLevel) Valid() bool {
	return l >= LevelNone && int(l) < len(levelNames)
}

// ParseVerificationLevel converts the wire name of a level.
func ParseVerificationLevel(raw string) (VerificationLevel, error) {
	name := strings.ToUpper(strings.TrimSpace(raw))
	for i, candidate := range levelNames {
		if candidate == name {
			return VerificationLevel(i), nil
		}
	}
	return LevelNone, fmt.Errorf("unknown verification level %q", raw)
}

// MarshalJSON encodes the level by name.
func (l VerificationLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON accepts the level name.
func (l *VerificationLevel) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("verification level must be a string: %w", err)
	}
	parsed, err := ParseVerificationLevel(raw)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// PermissionType describes what a consumer may do with granted data.
type PermissionType string

const (
	PermissionReadOnly  PermissionType = "READ_ONLY"
	PermissionReadWrite PermissionType = "READ_WRITE"
	PermissionShare     PermissionType = "SHARE"
	PermissionAnalyze   PermissionType = "ANALYZE"
	PermissionExport    PermissionType = "EXPORT"
)

// DataType names a category of personal data traded on the marketplace.
type DataType string

const (
	DataLocationHistory     DataType = "LOCATION_HISTORY"
	DataAppUsage            DataType = "APP_USAGE"
	DataPurchaseHistory     DataType = "PURCHASE_HISTORY"
	DataHealthData          DataType = "HEALTH_DATA"
	DataSocialMediaActivity DataType = "SOCIAL_MEDIA_ACTIVITY"
	DataSearchHistory       DataType = "SEARCH_HISTORY"
	DataFinancialData       DataType = "FINANCIAL_DATA"
	DataCommunicationData   DataType = "COMMUNICATION_DATA"
	DataCustom              DataType = "CUSTOM"
)

// Limits enforced by the identity ledger programs.
const (
	MaxIdentityIDLength = 64
	MaxReferenceLength  = 128
	MaxGrantDataTypes   = 10
)

// AccessPermission is a consumer grant recorded against an identity.
type AccessPermission struct {
	Consumer        string         `json:"consumer"`
	PermissionType  PermissionType `json:"permissionType"`
	DataTypes       []DataType     `json:"dataTypes"`
	GrantedAt       time.Time      `json:"grantedAt"`
	ExpiresAt       *time.Time     `json:"expiresAt,omitempty"`
	IsActive        bool           `json:"isActive"`
	GrantedBy       string         `json:"grantedBy"`
	LedgerReference string         `json:"ledgerReference,omitempty"`
}

// Expired reports whether the grant carries an expiry at or before now.
func (p AccessPermission) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// Covers reports whether dataType is among the granted data types.
func (p AccessPermission) Covers(dataType DataType) bool {
	for _, granted := range p.DataTypes {
		if granted == dataType {
			return true
		}
	}
	return false
}

// Allows evaluates the access invariant for dataType at now.
func (p AccessPermission) Allows(dataType DataType, now time.Time) bool {
	return p.IsActive && !p.Expired(now) && p.Covers(dataType)
}

// Clone returns a deep copy of the permission.
func (p AccessPermission) Clone() AccessPermission {
	out := p
	out.DataTypes = append([]DataType(nil), p.DataTypes...)
	if p.ExpiresAt != nil {
		exp := *p.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}

// DigitalIdentity is the read-through view of an identity ledger record.
type DigitalIdentity struct {
	IdentityID        string                            `json:"identityId"`
	Owner             string                            `json:"owner"`
	IdentityProvider  string                            `json:"identityProvider"`
	IdentityType      string                            `json:"identityType"`
	Status            IdentityStatus                    `json:"status"`
	VerificationLevel VerificationLevel                 `json:"verificationLevel"`
	PersonalInfo      *encryption.EncryptedPersonalInfo `json:"personalInfo,omitempty"`
	AccessPermissions []AccessPermission                `json:"accessPermissions,omitempty"`
	DocumentID        string                            `json:"documentId,omitempty"`
	LedgerReference   string                            `json:"ledgerReference,omitempty"`
	CreatedAt         time.Time                         `json:"createdAt"`
	UpdatedAt         time.Time                         `json:"updatedAt"`
	VerifiedAt        *time.Time                        `json:"verifiedAt,omitempty"`
}

// PermissionFor returns the grant recorded for consumer, if any.
func (d *DigitalIdentity) PermissionFor(consumer string) (AccessPermission, bool) {
	if d == nil {
		return AccessPermission{}, false
	}
	for _, perm := range d.AccessPermissions {
		if perm.Consumer == consumer {
			return perm, true
		}
	}
	return AccessPermission{}, false
}

// Clone returns a deep copy so callers can never mutate ledger state.
func (d *DigitalIdentity) Clone() *DigitalIdentity {
	if d == nil {
		return nil
	}
	out := *d
	if d.VerifiedAt != nil {
		ts := *d.VerifiedAt
		out.VerifiedAt = &ts
	}
	if d.PersonalInfo != nil {
		out.PersonalInfo = d.PersonalInfo.Clone()
	}
	if d.AccessPermissions != nil {
		out.AccessPermissions = make([]AccessPermission, len(d.AccessPermissions))
		for i, perm := range d.AccessPermissions {
			out.AccessPermissions[i] = perm.Clone()
		}
	}
	return &out
}

// DataListing is a tokenized-data offer on the marketplace ledger.
type DataListing struct {
	ListingID       string     `json:"listingId"`
	IdentityID      string     `json:"identityId"`
	Owner           string     `json:"owner"`
	Price           uint64     `json:"price"`
	DataType        DataType   `json:"dataType"`
	Description     string     `json:"description"`
	IsActive        bool       `json:"isActive"`
	Buyer           string     `json:"buyer,omitempty"`
	ProofReference  string     `json:"proofReference,omitempty"`
	LedgerReference string     `json:"ledgerReference,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	SoldAt          *time.Time `json:"soldAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
}

// Clone returns a copy of the listing.
func (l *DataListing) Clone() *DataListing {
	if l == nil {
		return nil
	}
	out := *l
	if l.SoldAt != nil {
		ts := *l.SoldAt
		out.SoldAt = &ts
	}
	if l.CancelledAt != nil {
		ts := *l.CancelledAt
		out.CancelledAt = &ts
	}
	return &out
}

// ListingFilter narrows GetListings.
type ListingFilter struct {
	IdentityID string
	Owner      string
	ActiveOnly bool
}

// Matches reports whether listing satisfies the filter.
func (f ListingFilter) Matches(listing *DataListing) bool {
	if listing == nil {
		return false
	}
	if f.IdentityID != "" && listing.IdentityID != f.IdentityID {
		return false
	}
	if f.Owner != "" && listing.Owner != f.Owner {
		return false
	}
	if f.ActiveOnly && !listing.IsActive {
		return false
	}
	return true
}

// PurchaseReceipt is returned by a successful purchase.
type PurchaseReceipt struct {
	ListingID       string    `json:"listingId"`
	Buyer           string    `json:"buyer"`
	Amount          uint64    `json:"amount"`
	Fee             uint64    `json:"fee"`
	OwnerAmount     uint64    `json:"ownerAmount"`
	LedgerReference string    `json:"ledgerReference"`
	PurchasedAt     time.Time `json:"purchasedAt"`
}

// MarketplaceStats summarizes marketplace ledger totals.
type MarketplaceStats struct {
	TotalListings  uint64 `json:"totalListings"`
	ActiveListings uint64 `json:"activeListings"`
	TotalVolume    uint64 `json:"totalVolume"`
	FeeBasisPoints uint16 `json:"feeBasisPoints"`
}

// SplitFee divides a purchase amount into marketplace fee and owner share.
func SplitFee(amount uint64, feeBasisPoints uint16) (fee, owner uint64) {
	// split into quotient and remainder so amount*bps never overflows uint64.
	fee = (amount/10000)*uint64(feeBasisPoints) + (amount%10000)*uint64(feeBasisPoints)/10000
	return fee, amount - fee
}
