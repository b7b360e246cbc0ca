package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-sql-driver/mysql"

	"DataSov-Bridge/internal/document"
	xerrors "DataSov-Bridge/internal/errors"
)

const mysqlDuplicateEntry = 1062

const selectDocumentColumns = `SELECT content_id, identity_id, content, created_at FROM identity_documents`

// DocumentStore 实现 document.Store，文档与标签在同一事务中写入。
type DocumentStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewDocumentStore 打开连接并执行内嵌迁移。
func NewDocumentStore(ctx context.Context, cfg Config) (*DocumentStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开文档库失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行文档库迁移失败")
	}
	return newDocumentStore(db), nil
}

func newDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db, now: time.Now}
}

// Close releases the underlying connection pool.
func (s *DocumentStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks connectivity.
func (s *DocumentStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "文档库不可用")
	}
	return nil
}

// PutDocument implements document.Store. 内容已存在时返回库中的记录。
func (s *DocumentStore) PutDocument(ctx context.Context, identityID string, content any, tags map[string]string) (*document.Document, error) {
	doc, err := document.Seal(identityID, content, tags, s.now())
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启文档事务失败")
	}
	const insertDocument = `INSERT INTO identity_documents (content_id, identity_id, content, created_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertDocument, doc.ContentID, doc.IdentityID, string(doc.Content), doc.CreatedAt.UnixMilli()); err != nil {
		tx.Rollback()
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return s.GetDocumentByID(ctx, doc.ContentID)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入文档失败")
	}

	const insertTag = `INSERT INTO identity_document_tags (content_id, tag_name, tag_value) VALUES (?, ?, ?)`
	for _, name := range sortedKeys(doc.Tags) {
		if _, err := tx.ExecContext(ctx, insertTag, doc.ContentID, name, doc.Tags[name]); err != nil {
			tx.Rollback()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入文档标签 %s 失败", name))
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交文档事务失败")
	}
	return doc, nil
}

// GetLatestDocument implements document.Store.
func (s *DocumentStore) GetLatestDocument(ctx context.Context, identityID string) (*document.Document, error) {
	docs, err := s.queryDocuments(ctx, selectDocumentColumns+` WHERE identity_id = ? ORDER BY seq DESC LIMIT 1`, identityID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, document.NotFound("no document for identity %s", identityID)
	}
	return s.complete(ctx, docs[0])
}

// GetDocumentByID implements document.Store.
func (s *DocumentStore) GetDocumentByID(ctx context.Context, contentID string) (*document.Document, error) {
	docs, err := s.queryDocuments(ctx, selectDocumentColumns+` WHERE content_id = ?`, contentID)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, document.NotFound("document %s not found", contentID)
	}
	return s.complete(ctx, docs[0])
}

// QueryByTag implements document.Store. 结果按写入顺序排列。
func (s *DocumentStore) QueryByTag(ctx context.Context, name, value string) ([]*document.Document, error) {
	const query = `SELECT d.content_id, d.identity_id, d.content, d.created_at FROM identity_documents d
JOIN identity_document_tags t ON t.content_id = d.content_id
WHERE t.tag_name = ? AND t.tag_value = ? ORDER BY d.seq ASC`
	docs, err := s.queryDocuments(ctx, query, name, value)
	if err != nil {
		return nil, err
	}
	out := make([]*document.Document, 0, len(docs))
	for _, doc := range docs {
		completed, err := s.complete(ctx, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, completed)
	}
	return out, nil
}

// queryDocuments 读取全部行后再关闭游标，之后才能在同一连接上查询标签。
func (s *DocumentStore) queryDocuments(ctx context.Context, query string, args ...any) ([]*document.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询文档失败")
	}
	defer rows.Close()

	var docs []*document.Document
	for rows.Next() {
		var (
			doc       document.Document
			content   string
			createdAt int64
		)
		if err := rows.Scan(&doc.ContentID, &doc.IdentityID, &content, &createdAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析文档失败")
		}
		doc.Content = json.RawMessage(content)
		doc.CreatedAt = time.UnixMilli(createdAt).UTC()
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历文档失败")
	}
	return docs, nil
}

// complete 补齐标签并校验内容哈希。
func (s *DocumentStore) complete(ctx context.Context, doc *document.Document) (*document.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag_name, tag_value FROM identity_document_tags WHERE content_id = ?`, doc.ContentID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询文档标签失败")
	}
	defer rows.Close()
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析文档标签失败")
		}
		if doc.Tags == nil {
			doc.Tags = make(map[string]string)
		}
		doc.Tags[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历文档标签失败")
	}
	if err := document.Verify(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ document.Store = (*DocumentStore)(nil)
