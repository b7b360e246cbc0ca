package proofs

import (
	"time"

	"DataSov-Bridge/internal/ledger"
)

const day = 24 * time.Hour

// Policy maps verification levels to proof lifetimes.
type Policy struct {
	windows  map[ledger.VerificationLevel]time.Duration
	fallback time.Duration
}

// DefaultPolicy 返回默认有效期：验证强度越高，证明存活越久。
func DefaultPolicy() Policy {
	return Policy{
		windows: map[ledger.VerificationLevel]time.Duration{
			ledger.LevelCredential: 365 * day,
			ledger.LevelHigh:       180 * day,
			ledger.LevelEnhanced:   90 * day,
			ledger.LevelBasic:      30 * day,
		},
		fallback: 7 * day,
	}
}

// Window returns the validity window for level.
func (p Policy) Window(level ledger.VerificationLevel) time.Duration {
	if w, ok := p.windows[level]; ok {
		return w
	}
	if p.fallback > 0 {
		return p.fallback
	}
	return 7 * day
}

// ValidUntil returns issuedAt plus the window for level.
func (p Policy) ValidUntil(level ledger.VerificationLevel, issuedAt time.Time) time.Time {
	return issuedAt.Add(p.Window(level))
}

// ExceedsWindow reports whether validUntil stretches past the window the
// policy allows for level.
func (p Policy) ExceedsWindow(level ledger.VerificationLevel, issuedAt, validUntil time.Time) bool {
	return validUntil.After(p.ValidUntil(level, issuedAt))
}

// AccessValidUntil caps the identity window by the permission expiry.
func (p Policy) AccessValidUntil(level ledger.VerificationLevel, issuedAt time.Time, expiresAt *time.Time) time.Time {
	until := p.ValidUntil(level, issuedAt)
	if expiresAt != nil && expiresAt.Before(until) {
		return *expiresAt
	}
	return until
}

// ValidityWindow returns the default window for level.
func ValidityWindow(level ledger.VerificationLevel) time.Duration {
	return DefaultPolicy().Window(level)
}
