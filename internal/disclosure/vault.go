// Package disclosure stores owners' encrypted personal information in the
// document store and issues selective disclosures of it to consumers. Each
// issued disclosure is archived as its own document tagged with the consumer.
package disclosure

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"DataSov-Bridge/internal/document"
	"DataSov-Bridge/internal/encryption"
	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/events"
	"DataSov-Bridge/pkg/logger"
)

const (
	KindPersonalInfo = "personal_info"
	KindDisclosure   = "disclosure"
)

// PersonalInfoRecord 是文档存储中的个人信息密文。
type PersonalInfoRecord struct {
	IdentityID string                            `json:"identityId"`
	Owner      string                            `json:"owner"`
	Data       *encryption.EncryptedPersonalInfo `json:"data"`
}

// DisclosureRecord 是归档的选择性披露。
type DisclosureRecord struct {
	IdentityID string                          `json:"identityId"`
	SourceID   string                          `json:"sourceContentId"`
	Disclosure *encryption.SelectiveDisclosure `json:"disclosure"`
}

// Issued 是一次披露的结果。
type Issued struct {
	ContentID string            `json:"contentId"`
	Record    *DisclosureRecord `json:"record"`
}

// Vault 组合加密引擎与文档存储。
type Vault struct {
	store     document.Store
	engine    *encryption.Engine
	publisher events.Publisher
	log       *slog.Logger
}

// Option customises a Vault.
type Option func(*Vault)

// WithPublisher 在每次披露后发出 DISCLOSURE_ISSUED 事件。
func WithPublisher(p events.Publisher) Option {
	return func(v *Vault) {
		if p != nil {
			v.publisher = p
		}
	}
}

// WithLogger overrides the vault logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) {
		if l != nil {
			v.log = l
		}
	}
}

// NewVault constructs a vault over store.
func NewVault(store document.Store, engine *encryption.Engine, opts ...Option) *Vault {
	if engine == nil {
		engine = encryption.NewEngine()
	}
	v := &Vault{
		store:     store,
		engine:    engine,
		publisher: events.Nop{},
		log:       logger.Named("disclosure"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// StorePersonalInfo 用所有者主密钥逐字段加密 info 并写入文档存储。
func (v *Vault) StorePersonalInfo(ctx context.Context, identityID string, owner *encryption.Keypair, info map[string]any) (*document.Document, error) {
	if len(info) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "personal info must contain at least one field")
	}
	masterKey, err := v.engine.DeriveMasterKey(owner)
	if err != nil {
		return nil, err
	}
	encrypted, err := v.engine.EncryptPersonalInfo(info, masterKey)
	if err != nil {
		return nil, err
	}
	record := PersonalInfoRecord{IdentityID: identityID, Owner: owner.Address(), Data: encrypted}
	doc, err := v.store.PutDocument(ctx, identityID, record, map[string]string{
		document.TagKind:     KindPersonalInfo,
		document.TagIdentity: identityID,
	})
	if err != nil {
		return nil, err
	}
	v.log.Info("个人信息已加密存储",
		slog.String("identity_id", identityID),
		slog.String("content_id", doc.ContentID),
		slog.Int("fields", len(info)))
	return doc, nil
}

// LoadPersonalInfo 返回身份最新的个人信息密文及其文档 ID。
func (v *Vault) LoadPersonalInfo(ctx context.Context, identityID string) (*PersonalInfoRecord, string, error) {
	doc, err := v.store.GetLatestDocument(ctx, identityID)
	if err != nil {
		return nil, "", err
	}
	if doc.Tags[document.TagKind] != KindPersonalInfo {
		// 最新文档可能是该身份的披露归档，回退到按标签查找。
		doc, err = v.latestPersonalInfo(ctx, identityID)
		if err != nil {
			return nil, "", err
		}
	}
	var record PersonalInfoRecord
	if err := doc.Decode(&record); err != nil {
		return nil, "", err
	}
	return &record, doc.ContentID, nil
}

func (v *Vault) latestPersonalInfo(ctx context.Context, identityID string) (*document.Document, error) {
	docs, err := v.store.QueryByTag(ctx, document.TagIdentity, identityID)
	if err != nil {
		return nil, err
	}
	for i := len(docs) - 1; i >= 0; i-- {
		if docs[i].Tags[document.TagKind] == KindPersonalInfo {
			return docs[i], nil
		}
	}
	return nil, document.NotFound("no personal info for identity %s", identityID)
}

// RevealPersonalInfo 由所有者解密自己的全部字段。
func (v *Vault) RevealPersonalInfo(ctx context.Context, identityID string, owner *encryption.Keypair) (map[string]any, error) {
	record, _, err := v.LoadPersonalInfo(ctx, identityID)
	if err != nil {
		return nil, err
	}
	masterKey, err := v.engine.DeriveMasterKey(owner)
	if err != nil {
		return nil, err
	}
	return v.engine.DecryptPersonalInfo(record.Data, masterKey)
}

// ShareRequest 描述一次向消费者的披露。
type ShareRequest struct {
	IdentityID        string
	Fields            []string
	ConsumerID        string
	ConsumerPublicKey ed25519.PublicKey
	Owner             *encryption.Keypair
}

// Share 为消费者重新加密请求的字段并归档披露。请求中任一字段不存在时返回
// FIELD_NOT_FOUND 且不归档任何内容。
func (v *Vault) Share(ctx context.Context, req ShareRequest) (*Issued, error) {
	if strings.TrimSpace(req.ConsumerID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "consumerId is required")
	}
	record, sourceID, err := v.LoadPersonalInfo(ctx, req.IdentityID)
	if err != nil {
		return nil, err
	}
	masterKey, err := v.engine.DeriveMasterKey(req.Owner)
	if err != nil {
		return nil, err
	}
	disclosure, err := v.engine.ShareFieldsWithConsumer(encryption.ShareRequest{
		Fields:            req.Fields,
		ConsumerID:        req.ConsumerID,
		ConsumerPublicKey: req.ConsumerPublicKey,
		Owner:             req.Owner,
		OwnerData:         record.Data,
		MasterKey:         masterKey,
	})
	if err != nil {
		var missing []string
		if inner, ok := xerrors.From(err); ok {
			missing = inner.Details()
		}
		return nil, xerrors.Wrap(xerrors.CodeOf(err), err, fmt.Sprintf("share fields of %s with %s", req.IdentityID, req.ConsumerID),
			xerrors.WithDetails(missing...),
			xerrors.WithMetadata(xerrors.MetaIdentityID, req.IdentityID),
			xerrors.WithMetadata(xerrors.MetaConsumer, req.ConsumerID))
	}

	archived := &DisclosureRecord{IdentityID: req.IdentityID, SourceID: sourceID, Disclosure: disclosure}
	doc, err := v.store.PutDocument(ctx, req.IdentityID, archived, map[string]string{
		document.TagKind:     KindDisclosure,
		document.TagIdentity: req.IdentityID,
		document.TagConsumer: req.ConsumerID,
		"field_count":        strconv.Itoa(len(disclosure.Fields)),
	})
	if err != nil {
		return nil, err
	}

	logger.Audit().Info("选择性披露已签发",
		slog.String("identity_id", req.IdentityID),
		slog.String("consumer", req.ConsumerID),
		slog.Any("fields", disclosure.FieldNames()),
		slog.String("content_id", doc.ContentID))
	v.publish(ctx, doc.ContentID, archived)
	return &Issued{ContentID: doc.ContentID, Record: archived}, nil
}

func (v *Vault) publish(ctx context.Context, contentID string, record *DisclosureRecord) {
	evt, err := events.NewEvent(events.KindDisclosureIssued, "disclosure", map[string]any{
		"contentId":  contentID,
		"identityId": record.IdentityID,
		"consumerId": record.Disclosure.ConsumerID,
		"fields":     record.Disclosure.FieldNames(),
	})
	if err != nil {
		v.log.Warn("构建披露事件失败", slog.Any("error", err))
		return
	}
	if err := v.publisher.Publish(ctx, evt); err != nil {
		v.log.Warn("发布披露事件失败", slog.Any("error", err))
	}
}

// ListDisclosures 返回签发给 consumer 的全部归档披露，按签发顺序排列。
func (v *Vault) ListDisclosures(ctx context.Context, consumer string) ([]*Issued, error) {
	docs, err := v.store.QueryByTag(ctx, document.TagConsumer, consumer)
	if err != nil {
		return nil, err
	}
	out := make([]*Issued, 0, len(docs))
	for _, doc := range docs {
		if doc.Tags[document.TagKind] != KindDisclosure {
			continue
		}
		var record DisclosureRecord
		if err := doc.Decode(&record); err != nil {
			return nil, err
		}
		out = append(out, &Issued{ContentID: doc.ContentID, Record: &record})
	}
	return out, nil
}

// Open 由消费者解密一份归档披露。披露只能由其指定的消费者打开。
func (v *Vault) Open(ctx context.Context, contentID string, consumerID string, consumer *encryption.Keypair) (map[string]any, error) {
	doc, err := v.store.GetDocumentByID(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if doc.Tags[document.TagKind] != KindDisclosure {
		return nil, document.NotFound("document %s is not a disclosure", contentID)
	}
	var record DisclosureRecord
	if err := doc.Decode(&record); err != nil {
		return nil, err
	}
	if record.Disclosure == nil || record.Disclosure.ConsumerID != consumerID {
		return nil, xerrors.New(encryption.CodeDecryptionFailed, "disclosure was issued to another consumer",
			xerrors.WithMetadata(xerrors.MetaConsumer, consumerID))
	}
	ownerKey, err := encryption.DecodePublicKey(record.Disclosure.OwnerPublicKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid owner public key in disclosure")
	}
	return v.engine.DecryptSharedFields(record.Disclosure, consumer, ownerKey)
}
