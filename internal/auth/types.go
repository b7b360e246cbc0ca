package auth

import (
	"context"
	"strings"
	"time"

	xerrors "DataSov-Bridge/internal/errors"
)

// 认证相关错误码。
const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "authentication required",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "permission denied",
		Severity: xerrors.SeverityWarning,
	})
}

// 运维接口使用的权限。
const (
	PermissionRead        = "bridge:read"
	PermissionProofsWrite = "proofs:write"
	PermissionMarketWrite = "market:write"
	PermissionSyncAdmin   = "sync:admin"
)

// Mode 枚举支持的认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// Operator 是允许调用运维接口的账号。PasswordHash 为 bcrypt 哈希。
type Operator struct {
	Name         string
	PasswordHash string
	Permissions  []string
	Disabled     bool
}

// Config configures the authentication service.
type Config struct {
	Mode     Mode
	Secret   string
	Issuer   string
	Audience string
	TokenTTL time.Duration
}

// Token 是签发给运维账号的访问令牌。
type Token struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Permissions []string  `json:"permissions"`
}

// Subject 是通过认证的调用方，经由上下文传递给处理器。
type Subject struct {
	Operator    string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission reports whether the subject holds permission. "*" grants everything.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet["*"]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 要求主体持有全部权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return xerrors.New(CodeUnauthenticated, "")
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, "missing permission "+perm,
				xerrors.WithMetadata("operator", s.Operator),
				xerrors.WithMetadata("permission", perm))
		}
	}
	return nil
}

type operatorKey struct{}

// WithOperator 把已认证的运维账号放入请求上下文，供受保护的桥接接口读取。
func WithOperator(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, operatorKey{}, subject)
}

// OperatorFromContext returns the operator behind the request, or nil when
// authentication is disabled.
func OperatorFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(operatorKey{}).(*Subject)
	return subject
}
