// Package memory provides in-process identity and marketplace ledgers that
// honour the same contract as the RPC clients. They back local development and
// deterministic tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"DataSov-Bridge/internal/encryption"
	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/ledger"
)

// RegisterIdentityRequest 描述一次身份注册。
type RegisterIdentityRequest struct {
	IdentityID       string
	Owner            string
	IdentityProvider string
	IdentityType     string
	PersonalInfo     *encryption.EncryptedPersonalInfo
	DocumentID       string
}

// GrantAccessRequest 描述一次访问授权。
type GrantAccessRequest struct {
	IdentityID     string
	Owner          string
	Consumer       string
	PermissionType ledger.PermissionType
	DataTypes      []ledger.DataType
	ExpiresAt      *time.Time
}

// IdentityLedger 是内存版身份账本。
type IdentityLedger struct {
	mu           sync.RWMutex
	identities   map[string]*ledger.DigitalIdentity
	faults       map[string]error
	connectErr   error
	subscribeErr error
	latency      time.Duration
	connected    atomic.Bool
	now          func() time.Time
	events       *hub[ledger.IdentityEvent]
	refs         referencer

	getCalls atomic.Int64
}

// IdentityOption customises IdentityLedger.
type IdentityOption func(*IdentityLedger)

// WithIdentityClock overrides the ledger clock.
func WithIdentityClock(now func() time.Time) IdentityOption {
	return func(l *IdentityLedger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIdentityLatency delays every read by d.
func WithIdentityLatency(d time.Duration) IdentityOption {
	return func(l *IdentityLedger) {
		l.latency = d
	}
}

// NewIdentityLedger constructs an empty ledger.
func NewIdentityLedger(opts ...IdentityOption) *IdentityLedger {
	l := &IdentityLedger{
		identities: make(map[string]*ledger.DigitalIdentity),
		faults:     make(map[string]error),
		now:        func() time.Time { return time.Now().UTC() },
		events:     newHub[ledger.IdentityEvent]("identity"),
		refs:       referencer{prefix: "identity"},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FailConnect makes Connect return err until cleared with nil.
func (l *IdentityLedger) FailConnect(err error) {
	l.mu.Lock()
	l.connectErr = err
	l.mu.Unlock()
}

// FailSubscribe makes new subscriptions fail with err until cleared with nil.
func (l *IdentityLedger) FailSubscribe(err error) {
	l.mu.Lock()
	l.subscribeErr = err
	l.mu.Unlock()
}

// DropSubscribers closes every open change stream, as a transport drop would.
func (l *IdentityLedger) DropSubscribers() {
	l.events.closeAll()
}

// FailIdentity makes reads of identityID return err until cleared with nil.
func (l *IdentityLedger) FailIdentity(identityID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.faults, identityID)
		return
	}
	l.faults[identityID] = err
}

// GetCalls returns how many GetIdentity calls were served.
func (l *IdentityLedger) GetCalls() int64 {
	return l.getCalls.Load()
}

// Connect implements ledger.IdentityLedgerPort.
func (l *IdentityLedger) Connect(ctx context.Context) error {
	l.mu.RLock()
	err := l.connectErr
	l.mu.RUnlock()
	if err != nil {
		return err
	}
	l.connected.Store(true)
	return nil
}

// Close implements ledger.IdentityLedgerPort.
func (l *IdentityLedger) Close() error {
	l.connected.Store(false)
	return nil
}

// Ping implements ledger.IdentityLedgerPort.
func (l *IdentityLedger) Ping(ctx context.Context) error {
	if !l.connected.Load() {
		return xerrors.New(ledger.CodeLedgerTransport, "identity ledger is not reachable")
	}
	return ctx.Err()
}

func (l *IdentityLedger) wait(ctx context.Context) error {
	if l.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(l.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetIdentity implements ledger.IdentityLedgerPort.
func (l *IdentityLedger) GetIdentity(ctx context.Context, identityID string) (*ledger.DigitalIdentity, error) {
	l.getCalls.Add(1)
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.faults[identityID]; err != nil {
		return nil, err
	}
	identity, ok := l.identities[identityID]
	if !ok {
		return nil, xerrors.New(ledger.CodeIdentityNotFound, fmt.Sprintf("identity %s not found", identityID),
			xerrors.WithMetadata(xerrors.MetaIdentityID, identityID))
	}
	return identity.Clone(), nil
}

// GetIdentitiesByOwner implements ledger.IdentityLedgerPort.
func (l *IdentityLedger) GetIdentitiesByOwner(ctx context.Context, owner string) ([]*ledger.DigitalIdentity, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*ledger.DigitalIdentity
	for _, identity := range l.identities {
		if identity.Owner == owner {
			out = append(out, identity.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out, nil
}

// ListIdentities implements ledger.IdentityLedgerPort.
func (l *IdentityLedger) ListIdentities(ctx context.Context, status ledger.IdentityStatus, offset, limit int) ([]*ledger.DigitalIdentity, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.identities))
	for id, identity := range l.identities {
		if status == "" || identity.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(ids) {
		return nil, nil
	}
	end := len(ids)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*ledger.DigitalIdentity, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, l.identities[id].Clone())
	}
	return out, nil
}

// SubscribeIdentityEvents implements ledger.IdentityLedgerPort.
func (l *IdentityLedger) SubscribeIdentityEvents(ctx context.Context) (*ledger.IdentitySubscription, error) {
	l.mu.RLock()
	err := l.subscribeErr
	l.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return l.events.subscribe(ctx), nil
}

// RegisterIdentity 注册一个待验证的身份。
func (l *IdentityLedger) RegisterIdentity(ctx context.Context, req RegisterIdentityRequest) (*ledger.DigitalIdentity, error) {
	id := strings.TrimSpace(req.IdentityID)
	if id == "" || strings.TrimSpace(req.Owner) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "identity id and owner are required")
	}
	if len(id) > ledger.MaxIdentityIDLength {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "identity id too long")
	}
	if len(req.DocumentID) > ledger.MaxReferenceLength {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "document id too long")
	}

	l.mu.Lock()
	if _, exists := l.identities[id]; exists {
		l.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("identity %s already registered", id))
	}
	now := l.now()
	identity := &ledger.DigitalIdentity{
		IdentityID:        id,
		Owner:             req.Owner,
		IdentityProvider:  req.IdentityProvider,
		IdentityType:      req.IdentityType,
		Status:            ledger.StatusPending,
		VerificationLevel: ledger.LevelNone,
		PersonalInfo:      req.PersonalInfo.Clone(),
		DocumentID:        req.DocumentID,
		LedgerReference:   l.refs.next("register", id),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	l.identities[id] = identity
	out := identity.Clone()
	l.mu.Unlock()

	l.emit(ledger.EventIdentityRegistered, out.IdentityID, out.LedgerReference, now, nil)
	return out, nil
}

// VerifyIdentity 将待验证身份提升为已验证，并记录验证等级。
func (l *IdentityLedger) VerifyIdentity(ctx context.Context, identityID string, level ledger.VerificationLevel) (*ledger.DigitalIdentity, error) {
	if !level.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown verification level")
	}
	return l.mutate(identityID, "", ledger.EventIdentityVerified, func(identity *ledger.DigitalIdentity, now time.Time) error {
		if identity.Status != ledger.StatusPending {
			return xerrors.New(ledger.CodeInvalidStatus, "identity is not pending verification")
		}
		identity.Status = ledger.StatusVerified
		identity.VerificationLevel = level
		identity.VerifiedAt = &now
		return nil
	}, map[string]string{"verificationLevel": level.String()})
}

// UpdateIdentity replaces the encrypted personal info and document id of a verified identity.
func (l *IdentityLedger) UpdateIdentity(ctx context.Context, identityID, owner string, info *encryption.EncryptedPersonalInfo, documentID string) (*ledger.DigitalIdentity, error) {
	if len(documentID) > ledger.MaxReferenceLength {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "document id too long")
	}
	return l.mutate(identityID, owner, ledger.EventIdentityUpdated, func(identity *ledger.DigitalIdentity, now time.Time) error {
		if identity.Status != ledger.StatusVerified {
			return xerrors.New(ledger.CodeInvalidStatus, "identity is not verified")
		}
		identity.PersonalInfo = info.Clone()
		if documentID != "" {
			identity.DocumentID = documentID
		}
		return nil
	}, nil)
}

// RevokeIdentity 撤销身份，仅所有者可操作。
func (l *IdentityLedger) RevokeIdentity(ctx context.Context, identityID, owner string) (*ledger.DigitalIdentity, error) {
	return l.mutate(identityID, owner, ledger.EventIdentityRevoked, func(identity *ledger.DigitalIdentity, now time.Time) error {
		identity.Status = ledger.StatusRevoked
		return nil
	}, nil)
}

// SuspendIdentity marks an identity suspended without revoking it.
func (l *IdentityLedger) SuspendIdentity(ctx context.Context, identityID string) (*ledger.DigitalIdentity, error) {
	return l.mutate(identityID, "", ledger.EventIdentityUpdated, func(identity *ledger.DigitalIdentity, now time.Time) error {
		identity.Status = ledger.StatusSuspended
		return nil
	}, map[string]string{"status": string(ledger.StatusSuspended)})
}

// GrantAccess 为消费者授予对指定数据类型的访问权限，重复授权会覆盖旧记录。
func (l *IdentityLedger) GrantAccess(ctx context.Context, req GrantAccessRequest) (*ledger.DigitalIdentity, error) {
	if strings.TrimSpace(req.Consumer) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "consumer is required")
	}
	if len(req.DataTypes) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "at least one data type is required")
	}
	if len(req.DataTypes) > ledger.MaxGrantDataTypes {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("at most %d data types per grant", ledger.MaxGrantDataTypes))
	}
	permissionType := req.PermissionType
	if permissionType == "" {
		permissionType = ledger.PermissionReadOnly
	}
	details := map[string]string{"consumer": req.Consumer}
	return l.mutate(req.IdentityID, req.Owner, ledger.EventAccessGranted, func(identity *ledger.DigitalIdentity, now time.Time) error {
		if identity.Status != ledger.StatusVerified {
			return xerrors.New(ledger.CodeInvalidStatus, "identity is not verified")
		}
		perm := ledger.AccessPermission{
			Consumer:        req.Consumer,
			PermissionType:  permissionType,
			DataTypes:       append([]ledger.DataType(nil), req.DataTypes...),
			GrantedAt:       now,
			IsActive:        true,
			GrantedBy:       req.Owner,
			LedgerReference: l.refs.next("grant", identity.IdentityID, req.Consumer),
		}
		if req.ExpiresAt != nil {
			exp := *req.ExpiresAt
			perm.ExpiresAt = &exp
		}
		for i, existing := range identity.AccessPermissions {
			if existing.Consumer == req.Consumer {
				identity.AccessPermissions[i] = perm
				return nil
			}
		}
		identity.AccessPermissions = append(identity.AccessPermissions, perm)
		return nil
	}, details)
}

// RevokeAccess deactivates the grant of consumer.
func (l *IdentityLedger) RevokeAccess(ctx context.Context, identityID, owner, consumer string) (*ledger.DigitalIdentity, error) {
	return l.mutate(identityID, owner, ledger.EventAccessRevoked, func(identity *ledger.DigitalIdentity, now time.Time) error {
		for i, perm := range identity.AccessPermissions {
			if perm.Consumer != consumer {
				continue
			}
			if !perm.IsActive {
				return xerrors.New(xerrors.CodeConflict, "permission is not active")
			}
			identity.AccessPermissions[i].IsActive = false
			return nil
		}
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("no permission for consumer %s", consumer))
	}, map[string]string{"consumer": consumer})
}

func (l *IdentityLedger) mutate(identityID, owner string, kind ledger.EventKind, fn func(*ledger.DigitalIdentity, time.Time) error, details map[string]string) (*ledger.DigitalIdentity, error) {
	l.mu.Lock()
	identity, ok := l.identities[identityID]
	if !ok {
		l.mu.Unlock()
		return nil, xerrors.New(ledger.CodeIdentityNotFound, fmt.Sprintf("identity %s not found", identityID),
			xerrors.WithMetadata(xerrors.MetaIdentityID, identityID))
	}
	if owner != "" && identity.Owner != owner {
		l.mu.Unlock()
		return nil, ledger.ErrUnauthorized
	}
	now := l.now()
	if err := fn(identity, now); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	identity.UpdatedAt = now
	identity.LedgerReference = l.refs.next(string(kind), identityID)
	out := identity.Clone()
	l.mu.Unlock()

	l.emit(kind, out.IdentityID, out.LedgerReference, now, details)
	return out, nil
}

func (l *IdentityLedger) emit(kind ledger.EventKind, identityID, reference string, at time.Time, details map[string]string) {
	l.events.publish(ledger.IdentityEvent{
		Kind:            kind,
		IdentityID:      identityID,
		Timestamp:       at,
		LedgerReference: reference,
		Details:         details,
	})
}

var _ ledger.IdentityLedgerPort = (*IdentityLedger)(nil)
