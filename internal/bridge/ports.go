package bridge

import (
	"context"
	"time"

	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/ledger"
	"DataSov-Bridge/internal/proofs"
)

const (
	CodeProofGenerationFailed xerrors.Code = "PROOF_GENERATION_FAILED"
	CodeSyncInProgress        xerrors.Code = "SYNC_IN_PROGRESS"
	CodeBridgeNotRunning      xerrors.Code = "BRIDGE_NOT_RUNNING"
	CodeSyncDiscrepancy       xerrors.Code = "SYNC_DISCREPANCY"
)

func init() {
	xerrors.Register(CodeProofGenerationFailed, xerrors.Attributes{
		Message:  "proof generation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSyncInProgress, xerrors.Attributes{
		Message:   "a synchronization pass is already running",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
	xerrors.Register(CodeBridgeNotRunning, xerrors.Attributes{
		Message:   "bridge is not running",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeSyncDiscrepancy, xerrors.Attributes{
		Message:  "identities failed cross-ledger reconciliation",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// IdentitySide 是桥接器对身份账本适配器的依赖。
type IdentitySide interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsHealthy() bool
	LastError() string
	CheckHealth(ctx context.Context) error
	GetIdentity(ctx context.Context, identityID string) (*ledger.DigitalIdentity, error)
	ListVerifiedIdentities(ctx context.Context) ([]*ledger.DigitalIdentity, error)
	GenerateIdentityProof(ctx context.Context, identityID string) (*proofs.IdentityProof, error)
	GenerateAccessProof(ctx context.Context, identityID, consumer string, dataType ledger.DataType) (*proofs.AccessProof, error)
	ConfirmIdentityProof(ctx context.Context, proof *proofs.IdentityProof) error
	ConfirmAccessProof(ctx context.Context, proof *proofs.AccessProof) error
	Subscribe(ctx context.Context) (*ledger.IdentitySubscription, error)
}

// MarketplaceSide 是桥接器对数据市场账本适配器的依赖。
type MarketplaceSide interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsHealthy() bool
	LastError() string
	CheckHealth(ctx context.Context) error
	CreateListing(ctx context.Context, req ledger.CreateListingRequest) (*ledger.DataListing, error)
	Purchase(ctx context.Context, req ledger.PurchaseRequest) (*ledger.PurchaseReceipt, error)
	GetListing(ctx context.Context, listingID string) (*ledger.DataListing, error)
	Stats(ctx context.Context) (ledger.MarketplaceStats, error)
	ConfirmIdentityProof(ctx context.Context, proof *proofs.IdentityProof) error
	ConfirmAccessProof(ctx context.Context, proof *proofs.AccessProof) error
	SuspendTrading(ctx context.Context, identityID string) (int, error)
	SuspendedCount() int
	Subscribe(ctx context.Context) (*ledger.MarketplaceSubscription, error)
}

// Locker 提供跨进程的对账互斥。acquired 为 false 表示其他实例正在对账。
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, acquired bool, err error)
}

// Recorder receives bridge level measurements.
type Recorder interface {
	ObserveValidation(kind string, valid bool, check string)
	ObserveSync(synced, failed int, duration time.Duration)
	ObserveLedgerEvent(source, kind string)
	ObserveHandlerPanic()
	ObserveRevocation()
	SetBridgeRunning(running bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveValidation(string, bool, string) {}
func (nopRecorder) ObserveSync(int, int, time.Duration) {}
func (nopRecorder) ObserveLedgerEvent(string, string) {}
func (nopRecorder) ObserveHandlerPanic() {}
func (nopRecorder) ObserveRevocation() {}
func (nopRecorder) SetBridgeRunning(bool) {}
