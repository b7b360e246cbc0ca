// Package adapter wraps the identity and marketplace ledger ports with the
// connection lifecycle, health tracking, call timeouts and proof rules the
// bridge relies on.
package adapter

import (
	"context"
	"fmt"
	"time"

	"DataSov-Bridge/internal/encryption"
	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/ledger"
	"DataSov-Bridge/internal/proofs"
)

// Proof metadata keys.
const (
	MetaIssuer           = "issuer"
	MetaIdentityProvider = "identityProvider"
	MetaIdentityType     = "identityType"
	MetaDocumentID       = "documentId"
)

// IdentityAdapter 是身份账本的类型化门面。
type IdentityAdapter struct {
	port   ledger.IdentityLedgerPort
	conn   *connection
	engine *encryption.Engine
	signer *encryption.Keypair
	policy proofs.Policy
	now    func() time.Time
}

// IdentityOption customises IdentityAdapter.
type IdentityOption func(*IdentityAdapter)

// WithIdentityClock overrides the proof issuance clock.
func WithIdentityClock(now func() time.Time) IdentityOption {
	return func(a *IdentityAdapter) {
		if now != nil {
			a.now = now
		}
	}
}

// WithPolicy overrides the proof validity policy.
func WithPolicy(policy proofs.Policy) IdentityOption {
	return func(a *IdentityAdapter) {
		a.policy = policy
	}
}

// WithIdentityObserver records every ledger call.
func WithIdentityObserver(observer Observer) IdentityOption {
	return func(a *IdentityAdapter) {
		if observer != nil {
			a.conn.observer = observer
		}
	}
}

// NewIdentityAdapter constructs the adapter. signer is the bridge issuer key
// used to sign every proof.
func NewIdentityAdapter(port ledger.IdentityLedgerPort, engine *encryption.Engine, signer *encryption.Keypair, cfg Config, opts ...IdentityOption) *IdentityAdapter {
	if engine == nil {
		engine = encryption.NewEngine()
	}
	a := &IdentityAdapter{
		port:   port,
		conn:   newConnection(xerrors.SideIdentityLedger, cfg, nil),
		engine: engine,
		signer: signer,
		policy: proofs.DefaultPolicy(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect is idempotent and retries with exponential backoff.
func (a *IdentityAdapter) Connect(ctx context.Context) error {
	return a.conn.connect(ctx, a.port.Connect)
}

// Disconnect is idempotent and never fails.
func (a *IdentityAdapter) Disconnect() {
	a.conn.disconnect(a.port.Close)
}

// IsHealthy returns the last known health without blocking.
func (a *IdentityAdapter) IsHealthy() bool { return a.conn.isHealthy() }

// IsConnected reports whether Connect has succeeded.
func (a *IdentityAdapter) IsConnected() bool { return a.conn.connected.Load() }

// LastError returns the most recent transport failure.
func (a *IdentityAdapter) LastError() string { return a.conn.lastError() }

// Policy returns the proof validity policy.
func (a *IdentityAdapter) Policy() proofs.Policy { return a.policy }

// CheckHealth actively pings the ledger.
func (a *IdentityAdapter) CheckHealth(ctx context.Context) error {
	_, err := invoke(ctx, a.conn, "ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.port.Ping(ctx)
	})
	return err
}

// GetIdentity reads one identity.
func (a *IdentityAdapter) GetIdentity(ctx context.Context, identityID string) (*ledger.DigitalIdentity, error) {
	return invoke(ctx, a.conn, "get_identity", func(ctx context.Context) (*ledger.DigitalIdentity, error) {
		return a.port.GetIdentity(ctx, identityID)
	})
}

// GetIdentitiesByOwner reads every identity of owner.
func (a *IdentityAdapter) GetIdentitiesByOwner(ctx context.Context, owner string) ([]*ledger.DigitalIdentity, error) {
	return invoke(ctx, a.conn, "get_identities_by_owner", func(ctx context.Context) ([]*ledger.DigitalIdentity, error) {
		return a.port.GetIdentitiesByOwner(ctx, owner)
	})
}

// ListVerifiedIdentities pages through all VERIFIED identities using the batch size.
func (a *IdentityAdapter) ListVerifiedIdentities(ctx context.Context) ([]*ledger.DigitalIdentity, error) {
	batch := a.conn.cfg.BatchSize
	var out []*ledger.DigitalIdentity
	for offset := 0; ; offset += batch {
		page, err := invoke(ctx, a.conn, "list_identities", func(ctx context.Context) ([]*ledger.DigitalIdentity, error) {
			return a.port.ListIdentities(ctx, ledger.StatusVerified, offset, batch)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < batch {
			return out, nil
		}
	}
}

// Subscribe opens the identity change stream.
func (a *IdentityAdapter) Subscribe(ctx context.Context) (*ledger.IdentitySubscription, error) {
	if err := a.conn.ensureConnected("subscribe"); err != nil {
		return nil, err
	}
	return a.port.SubscribeIdentityEvents(ctx)
}

// GenerateIdentityProof 为已验证身份签发证明，validUntil 由验证等级决定。
func (a *IdentityAdapter) GenerateIdentityProof(ctx context.Context, identityID string) (*proofs.IdentityProof, error) {
	identity, err := a.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if identity.Status != ledger.StatusVerified {
		return nil, xerrors.New(ledger.CodeInvalidStatus, fmt.Sprintf("identity %s is %s, not VERIFIED", identityID, identity.Status),
			xerrors.WithMetadata(xerrors.MetaIdentityID, identityID))
	}
	if identity.VerificationLevel == ledger.LevelNone {
		return nil, xerrors.New(ledger.CodeInvalidStatus, fmt.Sprintf("identity %s has no verification level", identityID),
			xerrors.WithMetadata(xerrors.MetaIdentityID, identityID))
	}

	issuedAt := a.now()
	verifiedAt := identity.UpdatedAt
	if identity.VerifiedAt != nil {
		verifiedAt = *identity.VerifiedAt
	}
	proof := &proofs.IdentityProof{
		IdentityID:            identity.IdentityID,
		Owner:                 identity.Owner,
		VerificationLevel:     identity.VerificationLevel,
		VerificationTimestamp: verifiedAt,
		IssuedAt:              issuedAt,
		ValidUntil:            a.policy.ValidUntil(identity.VerificationLevel, issuedAt),
		LedgerReference:       identity.LedgerReference,
		Metadata: map[string]string{
			MetaIssuer:           a.signer.Address(),
			MetaIdentityProvider: identity.IdentityProvider,
			MetaIdentityType:     identity.IdentityType,
		},
	}
	if identity.DocumentID != "" {
		proof.Metadata[MetaDocumentID] = identity.DocumentID
	}
	signature, err := a.engine.SignData(proof.SigningPayload(), a.signer)
	if err != nil {
		return nil, err
	}
	proof.Signature = signature
	return proof, nil
}

// GenerateAccessProof 仅在授权满足访问不变式时签发访问证明。dataType 为空时只检查授权是否有效。
func (a *IdentityAdapter) GenerateAccessProof(ctx context.Context, identityID, consumer string, dataType ledger.DataType) (*proofs.AccessProof, error) {
	identity, err := a.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if identity.Status != ledger.StatusVerified {
		return nil, xerrors.New(ledger.CodeInvalidStatus, fmt.Sprintf("identity %s is %s, not VERIFIED", identityID, identity.Status),
			xerrors.WithMetadata(xerrors.MetaIdentityID, identityID),
			xerrors.WithMetadata(xerrors.MetaConsumer, consumer))
	}
	issuedAt := a.now()
	perm, ok := identity.PermissionFor(consumer)
	if reasons := accessReasons(perm, ok, dataType, issuedAt); len(reasons) > 0 {
		return nil, xerrors.New(CodeAccessNotGranted, fmt.Sprintf("consumer %s has no valid grant on %s", consumer, identityID),
			xerrors.WithMetadata(xerrors.MetaIdentityID, identityID),
			xerrors.WithMetadata(xerrors.MetaConsumer, consumer),
			xerrors.WithDetails(reasons...))
	}

	proof := &proofs.AccessProof{
		IdentityID:      identity.IdentityID,
		Consumer:        consumer,
		PermissionType:  perm.PermissionType,
		DataTypes:       append([]ledger.DataType(nil), perm.DataTypes...),
		GrantedAt:       perm.GrantedAt,
		IsActive:        perm.IsActive,
		GrantedBy:       perm.GrantedBy,
		IssuedAt:        issuedAt,
		ValidUntil:      a.policy.AccessValidUntil(identity.VerificationLevel, issuedAt, perm.ExpiresAt),
		LedgerReference: perm.LedgerReference,
	}
	if proof.LedgerReference == "" {
		proof.LedgerReference = identity.LedgerReference
	}
	if perm.ExpiresAt != nil {
		exp := *perm.ExpiresAt
		proof.ExpiresAt = &exp
	}
	signature, err := a.engine.SignData(proof.SigningPayload(), a.signer)
	if err != nil {
		return nil, err
	}
	proof.Signature = signature
	return proof, nil
}

// ConfirmIdentityProof 从身份账本一侧独立确认证明，返回该侧发现的全部问题。
func (a *IdentityAdapter) ConfirmIdentityProof(ctx context.Context, proof *proofs.IdentityProof) error {
	identity, err := a.GetIdentity(ctx, proof.IdentityID)
	if err != nil {
		if xerrors.HasCode(err, ledger.CodeIdentityNotFound) {
			return proofs.Rejection(xerrors.SideIdentityLedger, proof.IdentityID, "identity does not exist")
		}
		return err
	}
	if identity.Status == ledger.StatusRevoked {
		return xerrors.New(proofs.CodeProofRevoked, fmt.Sprintf("identity %s is revoked", identity.IdentityID),
			xerrors.WithStage(xerrors.StageValidation),
			xerrors.WithSide(xerrors.SideIdentityLedger),
			xerrors.WithMetadata(xerrors.MetaIdentityID, identity.IdentityID))
	}
	var reasons []string
	if identity.Status != ledger.StatusVerified {
		reasons = append(reasons, fmt.Sprintf("identity status is %s", identity.Status))
	}
	if identity.Owner != proof.Owner {
		reasons = append(reasons, "owner does not match ledger record")
	}
	if proof.VerificationLevel > identity.VerificationLevel {
		reasons = append(reasons, fmt.Sprintf("claimed level %s exceeds ledger level %s", proof.VerificationLevel, identity.VerificationLevel))
	}
	if a.policy.ExceedsWindow(proof.VerificationLevel, proof.IssuedAt, proof.ValidUntil) {
		reasons = append(reasons, "validUntil exceeds the policy window")
	}
	return proofs.Rejection(xerrors.SideIdentityLedger, proof.IdentityID, reasons...)
}

// ConfirmAccessProof 确认访问证明背后的授权此刻仍然有效。
func (a *IdentityAdapter) ConfirmAccessProof(ctx context.Context, proof *proofs.AccessProof) error {
	identity, err := a.GetIdentity(ctx, proof.IdentityID)
	if err != nil {
		if xerrors.HasCode(err, ledger.CodeIdentityNotFound) {
			return proofs.Rejection(xerrors.SideIdentityLedger, proof.IdentityID, "identity does not exist")
		}
		return err
	}
	if identity.Status == ledger.StatusRevoked {
		return xerrors.New(proofs.CodeProofRevoked, fmt.Sprintf("identity %s is revoked", identity.IdentityID),
			xerrors.WithStage(xerrors.StageValidation),
			xerrors.WithSide(xerrors.SideIdentityLedger),
			xerrors.WithMetadata(xerrors.MetaIdentityID, identity.IdentityID),
			xerrors.WithMetadata(xerrors.MetaConsumer, proof.Consumer))
	}
	var reasons []string
	if identity.Status != ledger.StatusVerified {
		reasons = append(reasons, fmt.Sprintf("identity status is %s", identity.Status))
	}
	now := a.now()
	perm, ok := identity.PermissionFor(proof.Consumer)
	for _, dt := range proof.DataTypes {
		reasons = append(reasons, accessReasons(perm, ok, dt, now)...)
		if !ok {
			break
		}
	}
	return proofs.Rejection(xerrors.SideIdentityLedger, proof.IdentityID, dedupe(reasons)...)
}

func accessReasons(perm ledger.AccessPermission, found bool, dataType ledger.DataType, now time.Time) []string {
	if !found {
		return []string{"no permission recorded for consumer"}
	}
	var reasons []string
	if !perm.IsActive {
		reasons = append(reasons, "permission is not active")
	}
	if perm.Expired(now) {
		reasons = append(reasons, "permission expired")
	}
	if dataType != "" && !perm.Covers(dataType) {
		reasons = append(reasons, fmt.Sprintf("data type %s not authorized", dataType))
	}
	return reasons
}

func dedupe(reasons []string) []string {
	seen := make(map[string]struct{}, len(reasons))
	out := reasons[:0]
	for _, r := range reasons {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
