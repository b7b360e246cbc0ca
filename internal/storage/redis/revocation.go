package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"

	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/revocation"
)

// RevocationRegistry 将撤销记录以 JSON 保存在一个 Redis hash 中，
// field 为 revocation.Key，多个桥接实例共享同一份撤销视图。
type RevocationRegistry struct {
	client Commander
	key    string
}

// NewRevocationRegistry wraps client. prefix namespaces the hash key.
func NewRevocationRegistry(client Commander, prefix string) *RevocationRegistry {
	return &RevocationRegistry{client: client, key: prefixed(prefix, "revocations")}
}

// Revoke implements revocation.Registry.
func (r *RevocationRegistry) Revoke(ctx context.Context, record revocation.Record) error {
	if record.IdentityID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "identityId is required")
	}
	body, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码撤销记录失败")
	}
	if err := r.client.HSet(ctx, r.key, record.Key(), body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入撤销记录失败")
	}
	return nil
}

// Lookup implements revocation.Registry.
func (r *RevocationRegistry) Lookup(ctx context.Context, identityID, consumer string) (*revocation.Record, error) {
	rec, err := r.get(ctx, revocation.Key(identityID, ""))
	if err != nil || rec != nil || consumer == "" {
		return rec, err
	}
	return r.get(ctx, revocation.Key(identityID, consumer))
}

func (r *RevocationRegistry) get(ctx context.Context, field string) (*revocation.Record, error) {
	raw, err := r.client.HGet(ctx, r.key, field).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取撤销记录失败")
	}
	var rec revocation.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析撤销记录失败")
	}
	return &rec, nil
}

// List implements revocation.Registry.
func (r *RevocationRegistry) List(ctx context.Context) ([]revocation.Record, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "列出撤销记录失败")
	}
	out := make([]revocation.Record, 0, len(all))
	for field, raw := range all {
		var rec revocation.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析撤销记录 "+field+" 失败")
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

var _ revocation.Registry = (*RevocationRegistry)(nil)
