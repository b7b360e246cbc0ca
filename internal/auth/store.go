package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	xerrors "DataSov-Bridge/internal/errors"
)

// Store 提供运维账号目录，实现必须并发安全。
type Store interface {
	FindOperator(ctx context.Context, name string) (*Operator, error)
}

// MemoryStore 是基于配置文件的账号目录。
type MemoryStore struct {
	mu        sync.RWMutex
	operators map[string]Operator
}

// NewMemoryStore 校验并载入账号。
func NewMemoryStore(operators []Operator) (*MemoryStore, error) {
	store := &MemoryStore{operators: make(map[string]Operator, len(operators))}
	for _, op := range operators {
		name := strings.TrimSpace(op.Name)
		if name == "" {
			return nil, fmt.Errorf("operator name is empty")
		}
		if strings.TrimSpace(op.PasswordHash) == "" {
			return nil, fmt.Errorf("operator %s has no password hash", name)
		}
		if _, exists := store.operators[name]; exists {
			return nil, fmt.Errorf("operator %s defined twice", name)
		}
		op.Name = name
		op.Permissions = append([]string(nil), op.Permissions...)
		store.operators[name] = op
	}
	return store, nil
}

// FindOperator 返回账号副本。
func (s *MemoryStore) FindOperator(_ context.Context, name string) (*Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.operators[strings.TrimSpace(name)]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "operator not found")
	}
	op.Permissions = append([]string(nil), op.Permissions...)
	return &op, nil
}

// Disable 停用账号，已签发的令牌在下一次请求时失效。
func (s *MemoryStore) Disable(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[name]
	if !ok {
		return false
	}
	op.Disabled = true
	s.operators[name] = op
	return true
}
