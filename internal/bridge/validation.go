package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/proofs"
	"DataSov-Bridge/internal/revocation"
)

// 校验依次经过的检查项。
const (
	CheckStructure   = "structure"
	CheckRevocation  = "revocation"
	CheckIdentity    = "identity_side"
	CheckMarketplace = "marketplace_side"
	CheckExpiry      = "expiry"
)

// ValidationResult 是证明校验的结果。校验失败是预期结果，不以 error 返回。
type ValidationResult struct {
	Valid      bool         `json:"valid"`
	IdentityID string       `json:"identityId"`
	Consumer   string       `json:"consumer,omitempty"`
	Stage      string       `json:"stage,omitempty"`
	Check      string       `json:"check,omitempty"`
	Side       string       `json:"side,omitempty"`
	Code       xerrors.Code `json:"code,omitempty"`
	Errors     []string     `json:"errors,omitempty"`
	CheckedAt  time.Time    `json:"checkedAt"`
}

// Err converts a failed result into a coded error. It returns nil when valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	opts := []xerrors.Option{
		xerrors.WithStage(xerrors.StageValidation),
		xerrors.WithMetadata(xerrors.MetaIdentityID, r.IdentityID),
		xerrors.WithMetadata("check", r.Check),
		xerrors.WithDetails(r.Errors...),
	}
	if r.Side != "" {
		opts = append(opts, xerrors.WithSide(r.Side))
	}
	if r.Consumer != "" {
		opts = append(opts, xerrors.WithMetadata(xerrors.MetaConsumer, r.Consumer))
	}
	return xerrors.New(r.Code, fmt.Sprintf("proof for %s failed %s check", r.IdentityID, r.Check), opts...)
}

func (r ValidationResult) reject(check string, err error) ValidationResult {
	r.Valid = false
	r.Stage = xerrors.StageValidation
	r.Check = check
	r.Code = xerrors.CodeOf(err)
	if coded, ok := xerrors.From(err); ok {
		r.Side = coded.Metadata()[xerrors.MetaSide]
		r.Errors = coded.Details()
		if len(r.Errors) == 0 {
			r.Errors = []string{coded.Message()}
		}
	} else {
		r.Errors = []string{err.Error()}
	}
	switch check {
	case CheckIdentity:
		if r.Side == "" {
			r.Side = xerrors.SideIdentityLedger
		}
	case CheckMarketplace:
		if r.Side == "" {
			r.Side = xerrors.SideMarketplaceLedger
		}
	}
	return r
}

// ValidateIdentityProof 校验身份证明：结构 → 撤销 → 身份账本确认 → 市场账本确认 → 过期。
// 两侧账本都必须独立确认，任一阶段失败即停止，并列出该阶段发现的全部问题。
func (b *TrustBridge) ValidateIdentityProof(ctx context.Context, proof *proofs.IdentityProof) ValidationResult {
	result := ValidationResult{CheckedAt: b.now()}
	if proof != nil {
		result.IdentityID = proof.IdentityID
	}
	result = b.validateIdentity(ctx, proof, result)
	b.recordValidation("identity", result)
	return result
}

func (b *TrustBridge) validateIdentity(ctx context.Context, proof *proofs.IdentityProof, result ValidationResult) ValidationResult {
	if err := proofs.ValidateShape(proof); err != nil {
		return result.reject(CheckStructure, err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ValidationTimeout)
	defer cancel()

	if err := b.checkRevocation(ctx, proof.IdentityID, "", proof.IssuedAt); err != nil {
		return result.reject(CheckRevocation, err)
	}
	if err := b.identity.ConfirmIdentityProof(ctx, proof); err != nil {
		return result.reject(CheckIdentity, err)
	}
	if err := b.market.ConfirmIdentityProof(ctx, proof); err != nil {
		return result.reject(CheckMarketplace, err)
	}
	if err := proofs.ExpiryError(proof.IdentityID, proof.ValidUntil, b.now()); err != nil {
		return result.reject(CheckExpiry, err)
	}
	result.Valid = true
	return result
}

// ValidateAccessProof 以与身份证明相同的顺序校验访问证明。
func (b *TrustBridge) ValidateAccessProof(ctx context.Context, proof *proofs.AccessProof) ValidationResult {
	result := ValidationResult{CheckedAt: b.now()}
	if proof != nil {
		result.IdentityID = proof.IdentityID
		result.Consumer = proof.Consumer
	}
	result = b.validateAccess(ctx, proof, result)
	b.recordValidation("access", result)
	return result
}

func (b *TrustBridge) validateAccess(ctx context.Context, proof *proofs.AccessProof, result ValidationResult) ValidationResult {
	if err := proofs.ValidateAccessShape(proof); err != nil {
		return result.reject(CheckStructure, err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ValidationTimeout)
	defer cancel()

	if err := b.checkRevocation(ctx, proof.IdentityID, proof.Consumer, proof.IssuedAt); err != nil {
		return result.reject(CheckRevocation, err)
	}
	if err := b.identity.ConfirmAccessProof(ctx, proof); err != nil {
		return result.reject(CheckIdentity, err)
	}
	if err := b.market.ConfirmAccessProof(ctx, proof); err != nil {
		return result.reject(CheckMarketplace, err)
	}
	if err := proofs.ExpiryError(proof.IdentityID, proof.ValidUntil, b.now()); err != nil {
		return result.reject(CheckExpiry, err)
	}
	result.Valid = true
	return result
}

// checkRevocation 撤销登记表读取失败时按拒绝处理。
func (b *TrustBridge) checkRevocation(ctx context.Context, identityID, consumer string, issuedAt time.Time) error {
	rec, err := b.registry.Lookup(ctx, identityID, consumer)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "revocation registry unavailable",
			xerrors.WithStage(xerrors.StageValidation),
			xerrors.WithMetadata(xerrors.MetaIdentityID, identityID))
	}
	if !revocation.Covers(rec, issuedAt) {
		return nil
	}
	detail := fmt.Sprintf("identity revoked at %s", rec.RevokedAt.UTC().Format(time.RFC3339))
	if rec.Consumer != "" {
		detail = fmt.Sprintf("access for %s revoked at %s", rec.Consumer, rec.RevokedAt.UTC().Format(time.RFC3339))
	}
	return xerrors.New(proofs.CodeProofRevoked, "proof revoked",
		xerrors.WithStage(xerrors.StageValidation),
		xerrors.WithMetadata(xerrors.MetaIdentityID, identityID),
		xerrors.WithDetails(detail))
}

func (b *TrustBridge) recordValidation(kind string, result ValidationResult) {
	b.recorder.ObserveValidation(kind, result.Valid, result.Check)
	if result.Valid {
		return
	}
	b.log.Info("证明校验未通过",
		slog.String("kind", kind),
		slog.String("identity_id", result.IdentityID),
		slog.String("check", result.Check),
		slog.String("side", result.Side),
		slog.String("code", string(result.Code)),
		slog.Any("errors", result.Errors))
}
