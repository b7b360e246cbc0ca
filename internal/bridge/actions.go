package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/events"
	"DataSov-Bridge/internal/ledger"
	"DataSov-Bridge/internal/proofs"
	"DataSov-Bridge/pkg/logger"
)

// GenerateIdentityProof 委托身份账本适配器签发证明，失败统一为 PROOF_GENERATION_FAILED。
func (b *TrustBridge) GenerateIdentityProof(ctx context.Context, identityID string) (*proofs.IdentityProof, error) {
	proof, err := b.identity.GenerateIdentityProof(ctx, identityID)
	if err != nil {
		return nil, xerrors.Wrap(CodeProofGenerationFailed, err, fmt.Sprintf("generate identity proof for %s", identityID),
			xerrors.WithStage(xerrors.StageGeneration),
			xerrors.WithMetadata(xerrors.MetaIdentityID, identityID))
	}
	return proof, nil
}

// GenerateAccessProof 委托身份账本适配器签发访问证明。
func (b *TrustBridge) GenerateAccessProof(ctx context.Context, identityID, consumer string, dataType ledger.DataType) (*proofs.AccessProof, error) {
	proof, err := b.identity.GenerateAccessProof(ctx, identityID, consumer, dataType)
	if err != nil {
		return nil, xerrors.Wrap(CodeProofGenerationFailed, err, fmt.Sprintf("generate access proof for %s on %s", consumer, identityID),
			xerrors.WithStage(xerrors.StageGeneration),
			xerrors.WithMetadata(xerrors.MetaIdentityID, identityID),
			xerrors.WithMetadata(xerrors.MetaConsumer, consumer))
	}
	return proof, nil
}

// CreateListingInput 描述一次挂单请求。ListingID 为空时自动生成。
type CreateListingInput struct {
	ListingID   string          `json:"listingId,omitempty"`
	IdentityID  string          `json:"identityId"`
	Price       uint64          `json:"price"`
	DataType    ledger.DataType `json:"dataType"`
	Description string          `json:"description"`
}

// ListingOutcome 是挂单成功后的返回值。
type ListingOutcome struct {
	Listing *ledger.DataListing   `json:"listing"`
	Proof   *proofs.IdentityProof `json:"proof"`
}

// CreateListing 先签发并校验新的身份证明，全部通过后才写入数据市场账本。
// 证明生成或校验失败时绝不调用市场账本。
func (b *TrustBridge) CreateListing(ctx context.Context, in CreateListingInput) (*ListingOutcome, error) {
	if err := b.requireRunning("create_listing"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.IdentityID) == "" || strings.TrimSpace(string(in.DataType)) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "identityId and dataType are required")
	}
	listingID := strings.TrimSpace(in.ListingID)
	if listingID == "" {
		listingID = uuid.NewString()
	}

	proof, err := b.GenerateIdentityProof(ctx, in.IdentityID)
	if err != nil {
		return nil, err
	}
	if err := b.ValidateIdentityProof(ctx, proof).Err(); err != nil {
		return nil, err
	}

	// 校验通过与市场账本写入之间没有两阶段提交，身份可能恰好在此窗口内被撤销。
	listing, err := b.market.CreateListing(ctx, ledger.CreateListingRequest{
		ListingID:      listingID,
		IdentityID:     proof.IdentityID,
		Owner:          proof.Owner,
		Price:          in.Price,
		DataType:       in.DataType,
		Description:    in.Description,
		ProofReference: proof.LedgerReference,
	})
	if err != nil {
		return nil, ledgerWriteError(err, "create listing "+listingID,
			xerrors.WithMetadata(xerrors.MetaIdentityID, proof.IdentityID),
			xerrors.WithMetadata(xerrors.MetaListingID, listingID))
	}

	logger.Audit().Info("挂单已创建",
		slog.String("listing_id", listing.ListingID),
		slog.String("identity_id", listing.IdentityID),
		slog.Uint64("price", listing.Price),
		slog.String("data_type", string(listing.DataType)))
	b.publish(ctx, events.KindListingCreated, listing)
	return &ListingOutcome{Listing: listing, Proof: proof}, nil
}

// PurchaseInput 描述一次购买请求。
type PurchaseInput struct {
	ListingID string `json:"listingId"`
	Buyer     string `json:"buyer"`
}

// PurchaseOutcome 是购买成功后的返回值。
type PurchaseOutcome struct {
	Receipt *ledger.PurchaseReceipt `json:"receipt"`
	Proof   *proofs.AccessProof     `json:"proof"`
}

// PurchaseData 读取挂单，为买方派生访问证明并校验，随后调用市场账本购买。
// 任何一步失败都会中止整个操作；并发购买同一挂单时只有一方成功，
// 其余调用得到 LISTING_NOT_ACTIVE。
func (b *TrustBridge) PurchaseData(ctx context.Context, in PurchaseInput) (*PurchaseOutcome, error) {
	if err := b.requireRunning("purchase_data"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.ListingID) == "" || strings.TrimSpace(in.Buyer) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "listingId and buyer are required")
	}

	listing, err := b.market.GetListing(ctx, in.ListingID)
	if err != nil {
		return nil, wrapKeepCode(err, "read listing "+in.ListingID,
			xerrors.WithStage(xerrors.StageLedgerRead),
			xerrors.WithMetadata(xerrors.MetaListingID, in.ListingID))
	}
	if !listing.IsActive {
		return nil, xerrors.New(ledger.CodeListingNotActive, fmt.Sprintf("listing %s is not active", in.ListingID),
			xerrors.WithStage(xerrors.StageLedgerRead),
			xerrors.WithSide(xerrors.SideMarketplaceLedger),
			xerrors.WithMetadata(xerrors.MetaListingID, in.ListingID))
	}

	proof, err := b.GenerateAccessProof(ctx, listing.IdentityID, in.Buyer, listing.DataType)
	if err != nil {
		return nil, err
	}
	if err := b.ValidateAccessProof(ctx, proof).Err(); err != nil {
		return nil, err
	}

	receipt, err := b.market.Purchase(ctx, ledger.PurchaseRequest{
		ListingID:      listing.ListingID,
		Buyer:          in.Buyer,
		ProofReference: proof.LedgerReference,
	})
	if err != nil {
		return nil, ledgerWriteError(err, "purchase listing "+listing.ListingID,
			xerrors.WithMetadata(xerrors.MetaIdentityID, listing.IdentityID),
			xerrors.WithMetadata(xerrors.MetaConsumer, in.Buyer),
			xerrors.WithMetadata(xerrors.MetaListingID, listing.ListingID))
	}

	logger.Audit().Info("数据已购买",
		slog.String("listing_id", receipt.ListingID),
		slog.String("buyer", receipt.Buyer),
		slog.Uint64("amount", receipt.Amount),
		slog.Uint64("fee", receipt.Fee))
	b.publish(ctx, events.KindDataPurchased, receipt)
	return &PurchaseOutcome{Receipt: receipt, Proof: proof}, nil
}

func ledgerWriteError(err error, message string, opts ...xerrors.Option) error {
	opts = append(opts, xerrors.WithStage(xerrors.StageLedgerWrite), xerrors.WithSide(xerrors.SideMarketplaceLedger))
	return wrapKeepCode(err, message, opts...)
}

// wrapKeepCode 附加上下文但保留原错误码，未编码的错误视为账本传输失败。
func wrapKeepCode(err error, message string, opts ...xerrors.Option) error {
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = ledger.CodeLedgerTransport
	}
	return xerrors.Wrap(code, err, message, opts...)
}
