package ledger

import (
	xerrors "DataSov-Bridge/internal/errors"
)

const (
	CodeIdentityNotFound    xerrors.Code = "IDENTITY_NOT_FOUND"
	CodeListingNotFound     xerrors.Code = "LISTING_NOT_FOUND"
	CodeListingNotActive    xerrors.Code = "LISTING_NOT_ACTIVE"
	CodeListingExists       xerrors.Code = "LISTING_EXISTS"
	CodeUnauthorized        xerrors.Code = "LEDGER_UNAUTHORIZED"
	CodeInvalidStatus       xerrors.Code = "INVALID_IDENTITY_STATUS"
	CodeLedgerTransport     xerrors.Code = "LEDGER_TRANSPORT"
	CodeDataTypeUnsupported xerrors.Code = "DATA_TYPE_NOT_AUTHORIZED"
)

var (
	// ErrIdentityNotFound 表示身份账本上不存在该身份。
	ErrIdentityNotFound = xerrors.New(CodeIdentityNotFound, "identity not found")
	// ErrListingNotFound 表示市场账本上不存在该挂单。
	ErrListingNotFound = xerrors.New(CodeListingNotFound, "listing not found")
	// ErrListingNotActive 表示挂单已售出或已取消。
	ErrListingNotActive = xerrors.New(CodeListingNotActive, "listing is not active")
	// ErrUnauthorized 表示调用者不是记录的所有者。
	ErrUnauthorized = xerrors.New(CodeUnauthorized, "unauthorized")
)

func init() {
	xerrors.Register(CodeIdentityNotFound, xerrors.Attributes{
		Message:  "identity not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeListingNotFound, xerrors.Attributes{
		Message:  "listing not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeListingNotActive, xerrors.Attributes{
		Message:  "listing is not active",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeListingExists, xerrors.Attributes{
		Message:  "listing already exists",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:  "unauthorized",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeInvalidStatus, xerrors.Attributes{
		Message:  "invalid identity status for this operation",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeLedgerTransport, xerrors.Attributes{
		Message:   "ledger transport failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeDataTypeUnsupported, xerrors.Attributes{
		Message:  "data type not authorized",
		Severity: xerrors.SeverityInfo,
	})
}
