// Package revocation records identity and access revocations observed on the
// identity ledger so that previously issued proofs can be refused before
// their stated expiry.
package revocation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record 描述一次撤销。Consumer 为空表示整个身份被撤销。
type Record struct {
	IdentityID      string    `json:"identityId"`
	Consumer        string    `json:"consumer,omitempty"`
	RevokedAt       time.Time `json:"revokedAt"`
	Reason          string    `json:"reason,omitempty"`
	LedgerReference string    `json:"ledgerReference,omitempty"`
}

// Key returns the storage key of the record.
func (r Record) Key() string {
	return Key(r.IdentityID, r.Consumer)
}

// Key builds the storage key for an identity or an identity/consumer pair.
func Key(identityID, consumer string) string {
	if consumer == "" {
		return identityID
	}
	return identityID + "|" + consumer
}

// Registry stores revocations.
type Registry interface {
	Revoke(ctx context.Context, record Record) error
	// Lookup returns the identity-wide record for identityID, or the record
	// for the consumer when consumer is set and the identity itself is not
	// revoked. It returns nil when neither exists.
	Lookup(ctx context.Context, identityID, consumer string) (*Record, error)
	List(ctx context.Context) ([]Record, error)
}

// Covers reports whether rec invalidates a proof issued at issuedAt.
// Identity-wide revocations are terminal and cover every proof.
func Covers(rec *Record, issuedAt time.Time) bool {
	if rec == nil {
		return false
	}
	if rec.Consumer == "" {
		return true
	}
	return !issuedAt.After(rec.RevokedAt)
}

// MemoryRegistry 是进程内的撤销登记表。
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryRegistry constructs an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]Record)}
}

// Revoke implements Registry. A later revocation of the same key replaces the earlier one.
func (m *MemoryRegistry) Revoke(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.Key()] = record
	return nil
}

// Lookup implements Registry.
func (m *MemoryRegistry) Lookup(_ context.Context, identityID, consumer string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.records[Key(identityID, "")]; ok {
		return &rec, nil
	}
	if consumer == "" {
		return nil, nil
	}
	if rec, ok := m.records[Key(identityID, consumer)]; ok {
		return &rec, nil
	}
	return nil, nil
}

// List implements Registry.
func (m *MemoryRegistry) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

var _ Registry = (*MemoryRegistry)(nil)
