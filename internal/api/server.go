package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"DataSov-Bridge/internal/auth"
	"DataSov-Bridge/internal/bridge"
	"DataSov-Bridge/internal/disclosure"
	"DataSov-Bridge/internal/ledger"
	"DataSov-Bridge/internal/proofs"
	"DataSov-Bridge/pkg/logger"
)

// Bridge 是 API 层依赖的桥接器能力。
type Bridge interface {
	Status() bridge.Status
	Health(ctx context.Context) bridge.HealthReport
	GenerateIdentityProof(ctx context.Context, identityID string) (*proofs.IdentityProof, error)
	ValidateIdentityProof(ctx context.Context, proof *proofs.IdentityProof) bridge.ValidationResult
	GenerateAccessProof(ctx context.Context, identityID, consumer string, dataType ledger.DataType) (*proofs.AccessProof, error)
	ValidateAccessProof(ctx context.Context, proof *proofs.AccessProof) bridge.ValidationResult
	CreateListing(ctx context.Context, in bridge.CreateListingInput) (*bridge.ListingOutcome, error)
	PurchaseData(ctx context.Context, in bridge.PurchaseInput) (*bridge.PurchaseOutcome, error)
	GetStateSnapshot(ctx context.Context) (*bridge.StateSnapshot, error)
	SynchronizeState(ctx context.Context) (*bridge.SyncResult, error)
	StartSync(interval time.Duration) error
	StopSync()
	SyncStatus() bridge.SyncStatus
}

// Disclosures 提供已归档披露的查询。
type Disclosures interface {
	ListDisclosures(ctx context.Context, consumer string) ([]*disclosure.Issued, error)
}

var _ Disclosures = (*disclosure.Vault)(nil)

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	bridge          Bridge
	disclosures     Disclosures
	auth            *auth.Service
	metrics         HTTPObserver
	metricsHandler  http.Handler
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	now             func() time.Time
	log             *slog.Logger
}

// Option customises Server.
type Option func(*Server)

// WithDisclosures enables the disclosure endpoints.
func WithDisclosures(d Disclosures) Option {
	return func(s *Server) { s.disclosures = d }
}

// WithAuth 要求 /api/v1 下的接口携带运维令牌，并开放 POST /api/v1/auth/token。
func WithAuth(a *auth.Service) Option {
	return func(s *Server) { s.auth = a }
}

// WithMetrics 记录请求指标，并在 /metrics 上暴露 handler（handler 可为 nil）。
func WithMetrics(observer HTTPObserver, handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = observer
		s.metricsHandler = handler
	}
}

// WithTimeouts overrides the per-request and shutdown timeouts.
func WithTimeouts(request, shutdown time.Duration) Option {
	return func(s *Server) {
		if request > 0 {
			s.requestTimeout = request
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithClock overrides the clock used for envelopes and latency.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, b Bridge, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		bridge:          b,
		requestTimeout:  30 * time.Second,
		shutdownTimeout: 5 * time.Second,
		now:             time.Now,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID, s.withAccessLog, s.withRecover)

	r.Get("/health", s.handleHealth)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.withRequestTimeout)
		if s.auth.Enabled() {
			r.Post("/auth/token", s.handleIssueToken)
		}

		r.With(s.require(auth.PermissionRead)).Group(func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/snapshot", s.handleSnapshot)
			r.Get("/sync/status", s.handleSyncStatus)
			r.Post("/proofs/identity/validate", s.handleValidateIdentityProof)
			r.Post("/proofs/access/validate", s.handleValidateAccessProof)
			if s.disclosures != nil {
				r.Get("/disclosures", s.handleListDisclosures)
			}
		})
		r.With(s.require(auth.PermissionProofsWrite)).Group(func(r chi.Router) {
			r.Post("/proofs/identity", s.handleGenerateIdentityProof)
			r.Post("/proofs/access", s.handleGenerateAccessProof)
		})
		r.With(s.require(auth.PermissionMarketWrite)).Group(func(r chi.Router) {
			r.Post("/listings", s.handleCreateListing)
			r.Post("/listings/{listingID}/purchase", s.handlePurchase)
		})
		r.With(s.require(auth.PermissionSyncAdmin)).Group(func(r chi.Router) {
			r.Post("/sync", s.handleSyncNow)
			r.Post("/sync/start", s.handleSyncStart)
			r.Post("/sync/stop", s.handleSyncStop)
		})
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, notFound(r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, methodNotAllowed(r.Method))
	})
	return r
}

// require 在未启用认证时不做任何事。
func (s *Server) require(perms ...string) func(http.Handler) http.Handler {
	return s.auth.Require(func(w http.ResponseWriter, _ *http.Request, err error) {
		s.fail(w, err)
	}, perms...)
}

func (s *Server) withRequestTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("HTTP 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
