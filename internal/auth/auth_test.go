package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	xerrors "DataSov-Bridge/internal/errors"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	svc   *Service
	store *MemoryStore
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	store, err := NewMemoryStore([]Operator{
		{Name: "ops", PasswordHash: string(hash), Permissions: []string{PermissionRead, PermissionSyncAdmin}},
		{Name: "root", PasswordHash: string(hash), Permissions: []string{"*"}},
	})
	require.NoError(t, err)

	f := &fixture{store: store, now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	f.svc, err = NewService(Config{
		Mode:     ModeJWT,
		Secret:   testSecret,
		Issuer:   "datasov",
		Audience: "datasov-api",
		TokenTTL: time.Hour,
	}, store, WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	return f
}

func TestIssueAndAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.svc.Issue(ctx, "ops", "s3cret")
	require.NoError(t, err)
	require.Equal(t, "Bearer", token.TokenType)
	require.Equal(t, f.now.Add(time.Hour), token.ExpiresAt)

	subject, err := f.svc.AuthenticateRequest(ctx, "Bearer "+token.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "ops", subject.Operator)
	require.True(t, subject.HasPermission(PermissionSyncAdmin))
	require.False(t, subject.HasPermission(PermissionMarketWrite))

	_, err = f.svc.Issue(ctx, "ops", "wrong")
	require.True(t, xerrors.HasCode(err, CodeUnauthenticated))
	_, err = f.svc.Issue(ctx, "ghost", "s3cret")
	require.True(t, xerrors.HasCode(err, CodeUnauthenticated))
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token, err := f.svc.Issue(ctx, "ops", "s3cret")
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":  "",
		"scheme":   "Basic " + token.AccessToken,
		"garbage":  "Bearer not.a.token",
		"tampered": "Bearer " + token.AccessToken + "x",
	} {
		_, err := f.svc.AuthenticateRequest(ctx, header)
		require.Truef(t, xerrors.HasCode(err, CodeUnauthenticated), "%s: %v", name, err)
	}

	other, err := NewService(Config{Mode: ModeJWT, Secret: testSecret + "-other", Issuer: "datasov", Audience: "datasov-api"}, f.store)
	require.NoError(t, err)
	_, err = other.AuthenticateRequest(ctx, "Bearer "+token.AccessToken)
	require.True(t, xerrors.HasCode(err, CodeUnauthenticated))

	f.now = f.now.Add(2 * time.Hour)
	_, err = f.svc.AuthenticateRequest(ctx, "Bearer "+token.AccessToken)
	require.True(t, xerrors.HasCode(err, CodeUnauthenticated))
	require.Contains(t, err.Error(), "expired")
}

func TestDisabledOperatorLosesAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token, err := f.svc.Issue(ctx, "ops", "s3cret")
	require.NoError(t, err)

	require.True(t, f.store.Disable("ops"))
	_, err = f.svc.AuthenticateRequest(ctx, "Bearer "+token.AccessToken)
	require.True(t, xerrors.HasCode(err, CodeUnauthenticated))
	_, err = f.svc.Issue(ctx, "ops", "s3cret")
	require.Error(t, err)
}

func TestNewServiceValidation(t *testing.T) {
	store, err := NewMemoryStore(nil)
	require.NoError(t, err)

	svc, err := NewService(Config{}, nil)
	require.NoError(t, err)
	require.False(t, svc.Enabled())

	_, err = NewService(Config{Mode: ModeJWT, Secret: "short"}, store)
	require.Error(t, err)
	_, err = NewService(Config{Mode: ModeJWT, Secret: testSecret}, nil)
	require.Error(t, err)
	_, err = NewService(Config{Mode: "oauth", Secret: testSecret}, store)
	require.Error(t, err)

	_, err = NewMemoryStore([]Operator{{Name: "a", PasswordHash: "x"}, {Name: "a", PasswordHash: "y"}})
	require.Error(t, err)
	_, err = NewMemoryStore([]Operator{{Name: "a"}})
	require.Error(t, err)
}

func TestRequireMiddleware(t *testing.T) {
	f := newFixture(t)
	ops, err := f.svc.Issue(context.Background(), "ops", "s3cret")
	require.NoError(t, err)
	root, err := f.svc.Issue(context.Background(), "root", "s3cret")
	require.NoError(t, err)

	var failures []xerrors.Code
	onError := func(w http.ResponseWriter, _ *http.Request, err error) {
		failures = append(failures, xerrors.CodeOf(err))
		w.WriteHeader(http.StatusUnauthorized)
	}
	var seen string
	handler := f.svc.Require(onError, PermissionMarketWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = OperatorFromContext(r.Context()).Operator
		w.WriteHeader(http.StatusCreated)
	}))

	call := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/listings", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusUnauthorized, call(""))
	require.Equal(t, http.StatusUnauthorized, call(ops.AccessToken))
	require.Equal(t, http.StatusCreated, call(root.AccessToken))
	require.Equal(t, "root", seen)
	require.Equal(t, []xerrors.Code{CodeUnauthenticated, CodePermissionDenied}, failures)
}

func TestRequirePassesThroughWhenDisabled(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeDisabled}, nil)
	require.NoError(t, err)
	handler := svc.Require(func(http.ResponseWriter, *http.Request, error) {
		t.Fatal("unexpected auth failure")
	}, PermissionSyncAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Nil(t, OperatorFromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("pw")
	require.NoError(t, err)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("pw")))
	_, err = HashPassword("")
	require.Error(t, err)
}
