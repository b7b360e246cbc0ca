package proofs

import (
	"strings"
	"time"

	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/ledger"
)

const (
	CodeMalformedProof xerrors.Code = "MALFORMED_PROOF"
	CodeProofExpired   xerrors.Code = "PROOF_EXPIRED"
	CodeProofRevoked   xerrors.Code = "PROOF_REVOKED"
	CodeValidation     xerrors.Code = "VALIDATION_ERROR"
)

func init() {
	xerrors.Register(CodeMalformedProof, xerrors.Attributes{
		Message:  "malformed proof",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeProofExpired, xerrors.Attributes{
		Message:  "proof expired",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeProofRevoked, xerrors.Attributes{
		Message:  "proof revoked",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:  "proof rejected",
		Severity: xerrors.SeverityInfo,
	})
}

// Rejection builds the VALIDATION_ERROR a ledger side returns when it refuses
// a proof. Every reason found in that side is listed.
func Rejection(side, identityID string, reasons ...string) error {
	if len(reasons) == 0 {
		return nil
	}
	return xerrors.New(CodeValidation, "proof rejected by "+side,
		xerrors.WithStage(xerrors.StageValidation),
		xerrors.WithSide(side),
		xerrors.WithMetadata(xerrors.MetaIdentityID, identityID),
		xerrors.WithDetails(reasons...))
}

// IdentityProof 断言某身份在身份账本上的验证状态。按需生成，从不持久化。
type IdentityProof struct {
	IdentityID            string                   `json:"identityId"`
	Owner                 string                   `json:"owner"`
	VerificationLevel     ledger.VerificationLevel `json:"verificationLevel"`
	VerificationTimestamp time.Time                `json:"verificationTimestamp"`
	IssuedAt              time.Time                `json:"issuedAt"`
	ValidUntil            time.Time                `json:"validUntil"`
	LedgerReference       string                   `json:"ledgerReference"`
	Signature             string                   `json:"signature,omitempty"`
	Metadata              map[string]string        `json:"metadata,omitempty"`
}

// SigningPayload returns the proof without its signature.
func (p IdentityProof) SigningPayload() IdentityProof {
	p.Signature = ""
	return p
}

// AccessProof 断言某消费者持有身份所有者授予的有效访问权限。
type AccessProof struct {
	IdentityID      string                `json:"identityId"`
	Consumer        string                `json:"consumer"`
	PermissionType  ledger.PermissionType `json:"permissionType"`
	DataTypes       []ledger.DataType     `json:"dataTypes"`
	GrantedAt       time.Time             `json:"grantedAt"`
	ExpiresAt       *time.Time            `json:"expiresAt,omitempty"`
	IsActive        bool                  `json:"isActive"`
	GrantedBy       string                `json:"grantedBy"`
	IssuedAt        time.Time             `json:"issuedAt"`
	ValidUntil      time.Time             `json:"validUntil"`
	LedgerReference string                `json:"ledgerReference"`
	Signature       string                `json:"signature,omitempty"`
}

// SigningPayload returns the proof without its signature.
func (p AccessProof) SigningPayload() AccessProof {
	p.Signature = ""
	return p
}

// Covers reports whether the proof names dataType.
func (p AccessProof) Covers(dataType ledger.DataType) bool {
	for _, dt := range p.DataTypes {
		if dt == dataType {
			return true
		}
	}
	return false
}

// ValidateShape 检查身份证明的全部必填字段，一次性列出所有缺失项。
func ValidateShape(p *IdentityProof) error {
	if p == nil {
		return xerrors.New(CodeMalformedProof, "proof is required",
			xerrors.WithStage(xerrors.StageValidation),
			xerrors.WithDetails("identityId", "owner", "verificationLevel", "signature", "ledgerReference"))
	}
	var missing []string
	if strings.TrimSpace(p.IdentityID) == "" {
		missing = append(missing, "identityId")
	}
	if strings.TrimSpace(p.Owner) == "" {
		missing = append(missing, "owner")
	}
	if !p.VerificationLevel.Valid() || p.VerificationLevel == ledger.LevelNone {
		missing = append(missing, "verificationLevel")
	}
	if strings.TrimSpace(p.Signature) == "" {
		missing = append(missing, "signature")
	}
	if strings.TrimSpace(p.LedgerReference) == "" {
		missing = append(missing, "ledgerReference")
	}
	if len(missing) > 0 {
		return xerrors.New(CodeMalformedProof, "identity proof is missing required fields",
			xerrors.WithStage(xerrors.StageValidation),
			xerrors.WithMetadata(xerrors.MetaIdentityID, p.IdentityID),
			xerrors.WithDetails(missing...))
	}
	return nil
}

// ValidateAccessShape 检查访问证明的全部必填字段。
func ValidateAccessShape(p *AccessProof) error {
	if p == nil {
		return xerrors.New(CodeMalformedProof, "proof is required",
			xerrors.WithStage(xerrors.StageValidation),
			xerrors.WithDetails("identityId", "consumer", "permissionType", "dataTypes", "signature", "ledgerReference"))
	}
	var missing []string
	if strings.TrimSpace(p.IdentityID) == "" {
		missing = append(missing, "identityId")
	}
	if strings.TrimSpace(p.Consumer) == "" {
		missing = append(missing, "consumer")
	}
	if strings.TrimSpace(string(p.PermissionType)) == "" {
		missing = append(missing, "permissionType")
	}
	if len(p.DataTypes) == 0 {
		missing = append(missing, "dataTypes")
	}
	if strings.TrimSpace(p.Signature) == "" {
		missing = append(missing, "signature")
	}
	if strings.TrimSpace(p.LedgerReference) == "" {
		missing = append(missing, "ledgerReference")
	}
	if len(missing) > 0 {
		return xerrors.New(CodeMalformedProof, "access proof is missing required fields",
			xerrors.WithStage(xerrors.StageValidation),
			xerrors.WithMetadata(xerrors.MetaIdentityID, p.IdentityID),
			xerrors.WithMetadata(xerrors.MetaConsumer, p.Consumer),
			xerrors.WithDetails(missing...))
	}
	return nil
}

// IsExpired reports whether a proof valid until validUntil is expired at now.
// An unset validUntil is always expired: every issued proof carries one.
func IsExpired(validUntil, now time.Time) bool {
	if validUntil.IsZero() {
		return true
	}
	return !now.Before(validUntil)
}

// ExpiryError returns PROOF_EXPIRED when the proof is expired at now.
func ExpiryError(identityID string, validUntil, now time.Time) error {
	if !IsExpired(validUntil, now) {
		return nil
	}
	detail := "validUntil is unset"
	if !validUntil.IsZero() {
		detail = "validUntil " + validUntil.UTC().Format(time.RFC3339) + " is not after " + now.UTC().Format(time.RFC3339)
	}
	return xerrors.New(CodeProofExpired, "proof expired",
		xerrors.WithStage(xerrors.StageValidation),
		xerrors.WithMetadata(xerrors.MetaIdentityID, identityID),
		xerrors.WithDetails(detail))
}
