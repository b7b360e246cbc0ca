// Package document 定义内容寻址的身份文档存储端口。
//
// 文档一经写入不可修改，ContentID 是文档所属身份、内容与标签的规范化
// JSON 的 SHA-256。读取时实现会重新计算哈希，任何篡改都会以
// DOCUMENT_TAMPERED 暴露给调用方。
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"DataSov-Bridge/internal/encryption"
	xerrors "DataSov-Bridge/internal/errors"
)

const (
	CodeDocumentNotFound xerrors.Code = "DOCUMENT_NOT_FOUND"
	CodeDocumentTampered xerrors.Code = "DOCUMENT_TAMPERED"
)

// 标签约定。
const (
	TagKind     = "kind"
	TagConsumer = "consumer"
	TagIdentity = "identity"
)

const maxTagLength = 255

func init() {
	xerrors.Register(CodeDocumentNotFound, xerrors.Attributes{
		Message:  "document not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDocumentTampered, xerrors.Attributes{
		Message:  "document failed integrity check",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Document 是存储中的一条不可变记录。
type Document struct {
	ContentID  string            `json:"contentId"`
	IdentityID string            `json:"identityId"`
	Content    json.RawMessage   `json:"content"`
	Tags       map[string]string `json:"tags,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Decode unmarshals the document content into out.
func (d *Document) Decode(out any) error {
	if d == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "document is nil")
	}
	if err := json.Unmarshal(d.Content, out); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode document content")
	}
	return nil
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Content = append(json.RawMessage(nil), d.Content...)
	if d.Tags != nil {
		out.Tags = make(map[string]string, len(d.Tags))
		for k, v := range d.Tags {
			out.Tags[k] = v
		}
	}
	return &out
}

// Store 是文档存储端口。PutDocument 对相同内容幂等，返回已存在的记录。
type Store interface {
	PutDocument(ctx context.Context, identityID string, content any, tags map[string]string) (*Document, error)
	GetLatestDocument(ctx context.Context, identityID string) (*Document, error)
	GetDocumentByID(ctx context.Context, contentID string) (*Document, error)
	QueryByTag(ctx context.Context, name, value string) ([]*Document, error)
}

var hasher = encryption.NewEngine()

// sealed 是参与内容哈希的字段集合。
type sealed struct {
	IdentityID string            `json:"identityId"`
	Content    json.RawMessage   `json:"content"`
	Tags       map[string]string `json:"tags"`
}

// Seal 规范化内容并计算 ContentID，得到可写入存储的文档。
func Seal(identityID string, content any, tags map[string]string, now time.Time) (*Document, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "identityId is required")
	}
	for name, value := range tags {
		if strings.TrimSpace(name) == "" || len(name) > 64 || len(value) > maxTagLength {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid tag %q", name))
		}
	}
	raw, err := encryption.CanonicalJSON(content)
	if err != nil {
		return nil, err
	}
	doc := &Document{
		IdentityID: identityID,
		Content:    raw,
		CreatedAt:  now.UTC(),
	}
	if len(tags) > 0 {
		doc.Tags = make(map[string]string, len(tags))
		for k, v := range tags {
			doc.Tags[k] = v
		}
	}
	id, err := contentID(doc)
	if err != nil {
		return nil, err
	}
	doc.ContentID = id
	return doc, nil
}

// Verify 重新计算哈希并与 ContentID 比较。
func Verify(doc *Document) error {
	if doc == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "document is nil")
	}
	ok, err := hasher.VerifyHash(sealed{IdentityID: doc.IdentityID, Content: doc.Content, Tags: nonNil(doc.Tags)}, doc.ContentID)
	if err != nil || !ok {
		return xerrors.New(CodeDocumentTampered, fmt.Sprintf("document %s does not match its content id", doc.ContentID),
			xerrors.WithMetadata(xerrors.MetaIdentityID, doc.IdentityID))
	}
	return nil
}

func contentID(doc *Document) (string, error) {
	return hasher.GenerateHash(sealed{IdentityID: doc.IdentityID, Content: doc.Content, Tags: nonNil(doc.Tags)})
}

func nonNil(tags map[string]string) map[string]string {
	if tags == nil {
		return map[string]string{}
	}
	return tags
}

// NotFound builds the DOCUMENT_NOT_FOUND error for a lookup key.
func NotFound(format string, args ...any) error {
	return xerrors.New(CodeDocumentNotFound, fmt.Sprintf(format, args...))
}
