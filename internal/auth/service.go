package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/pkg/logger"
)

const defaultTokenTTL = time.Hour

// Service 负责运维接口的令牌签发与校验。
type Service struct {
	mode     Mode
	store    Store
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
	audit    *slog.Logger
}

// Option customises Service.
type Option func(*Service)

// WithClock overrides the clock used for issuing and verifying tokens.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// claims 是令牌载荷，权限只用于展示，校验时以账号目录为准。
type claims struct {
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// NewService 构造认证服务。disabled 模式下 store 可以为 nil。
func NewService(cfg Config, store Store, opts ...Option) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:     mode,
		store:    store,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TokenTTL,
		now:      time.Now,
		audit:    logger.Audit(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unsupported auth mode "+string(cfg.Mode))
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "jwt mode requires an operator store")
	}
	if len(strings.TrimSpace(cfg.Secret)) < 32 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "jwt secret must be at least 32 bytes")
	}
	svc.secret = []byte(cfg.Secret)
	if svc.ttl <= 0 {
		svc.ttl = defaultTokenTTL
	}
	return svc, nil
}

// Mode 返回当前认证方式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled reports whether requests must carry a bearer token.
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// Issue 校验账号密码并签发访问令牌。
func (s *Service) Issue(ctx context.Context, name, password string) (*Token, error) {
	if !s.Enabled() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "authentication disabled")
	}
	op, err := s.store.FindOperator(ctx, name)
	if err != nil || op.Disabled {
		s.audit.Warn("token_denied", slog.String("operator", name))
		return nil, xerrors.New(CodeUnauthenticated, "invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)) != nil {
		s.audit.Warn("token_denied", slog.String("operator", name))
		return nil, xerrors.New(CodeUnauthenticated, "invalid credentials")
	}

	now := s.now()
	expires := now.Add(s.ttl)
	c := claims{
		Permissions: op.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.Name,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	if s.audience != "" {
		c.Audience = jwt.ClaimStrings{s.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "sign token")
	}
	s.audit.Info("token_issued", slog.String("operator", op.Name), slog.Time("expires_at", expires))
	return &Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresAt:   expires,
		Permissions: append([]string(nil), op.Permissions...),
	}, nil
}

// AuthenticateRequest 校验 Authorization 头。账号被停用后，其令牌立即失效。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if !s.Enabled() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "authentication disabled")
	}
	scheme, raw, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	raw = strings.TrimSpace(raw)
	if !ok || !strings.EqualFold(scheme, "bearer") || raw == "" {
		return nil, xerrors.New(CodeUnauthenticated, "missing bearer token")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(s.audience))
	}
	var c claims
	if _, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, parserOpts...); err != nil {
		reason := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "token expired"
		}
		return nil, xerrors.New(CodeUnauthenticated, reason)
	}

	op, err := s.store.FindOperator(ctx, c.Subject)
	if err != nil || op.Disabled {
		return nil, xerrors.New(CodeUnauthenticated, "operator is disabled",
			xerrors.WithMetadata("operator", c.Subject))
	}
	subject := &Subject{Operator: op.Name, Permissions: op.Permissions}
	subject.normalise()
	return subject, nil
}

// HashPassword 生成 bcrypt 哈希，用于写入配置中的账号。
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "password is empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "hash password")
	}
	return string(hashed), nil
}
