package document

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 是进程内的文档存储，用于测试和单机部署。
type MemoryStore struct {
	mu         sync.RWMutex
	now        func() time.Time
	byID       map[string]*Document
	byIdentity map[string][]string
	order      []string
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		now:        time.Now,
		byID:       make(map[string]*Document),
		byIdentity: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PutDocument implements Store.
func (m *MemoryStore) PutDocument(_ context.Context, identityID string, content any, tags map[string]string) (*Document, error) {
	doc, err := Seal(identityID, content, tags, m.now())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byID[doc.ContentID]; ok {
		return existing.Clone(), nil
	}
	m.byID[doc.ContentID] = doc
	m.byIdentity[doc.IdentityID] = append(m.byIdentity[doc.IdentityID], doc.ContentID)
	m.order = append(m.order, doc.ContentID)
	return doc.Clone(), nil
}

// GetLatestDocument implements Store.
func (m *MemoryStore) GetLatestDocument(_ context.Context, identityID string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byIdentity[identityID]
	if len(ids) == 0 {
		return nil, NotFound("no document for identity %s", identityID)
	}
	return m.read(ids[len(ids)-1])
}

// GetDocumentByID implements Store.
func (m *MemoryStore) GetDocumentByID(_ context.Context, contentID string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read(contentID)
}

// QueryByTag implements Store. Documents are returned in insertion order.
func (m *MemoryStore) QueryByTag(_ context.Context, name, value string) ([]*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Document
	for _, id := range m.order {
		doc := m.byID[id]
		if v, ok := doc.Tags[name]; !ok || v != value {
			continue
		}
		verified, err := m.read(id)
		if err != nil {
			return nil, err
		}
		out = append(out, verified)
	}
	return out, nil
}

func (m *MemoryStore) read(contentID string) (*Document, error) {
	doc, ok := m.byID[contentID]
	if !ok {
		return nil, NotFound("document %s not found", contentID)
	}
	if err := Verify(doc); err != nil {
		return nil, err
	}
	return doc.Clone(), nil
}

// tamper 直接改写已存储的内容，仅供测试使用。
func (m *MemoryStore) tamper(contentID string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.byID[contentID]; ok {
		doc.Content = content
	}
}
