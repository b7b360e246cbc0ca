package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"DataSov-Bridge/internal/bridge"
	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/ledger"
	"DataSov-Bridge/internal/proofs"
)

func notFound(path string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("route %s not found", path))
}

func methodNotAllowed(method string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("method %s not allowed", method))
}

// handleHealth 在任一账本不可达时返回 503，响应体仍是完整的健康报告。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.bridge.Health(r.Context())
	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	s.respond(w, status, report)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.bridge.Status())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.bridge.GetStateSnapshot(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, snap)
}

type identityProofRequest struct {
	IdentityID string `json:"identityId"`
}

func (s *Server) handleGenerateIdentityProof(w http.ResponseWriter, r *http.Request) {
	var req identityProofRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if strings.TrimSpace(req.IdentityID) == "" {
		s.fail(w, xerrors.New(xerrors.CodeInvalidArgument, "identityId is required"))
		return
	}
	proof, err := s.bridge.GenerateIdentityProof(r.Context(), req.IdentityID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, proof)
}

// handleValidateIdentityProof 校验失败仍返回 200，结果体中 valid=false。
func (s *Server) handleValidateIdentityProof(w http.ResponseWriter, r *http.Request) {
	var proof proofs.IdentityProof
	if err := decode(w, r, &proof); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, s.bridge.ValidateIdentityProof(r.Context(), &proof))
}

type accessProofRequest struct {
	IdentityID string          `json:"identityId"`
	Consumer   string          `json:"consumer"`
	DataType   ledger.DataType `json:"dataType"`
}

func (s *Server) handleGenerateAccessProof(w http.ResponseWriter, r *http.Request) {
	var req accessProofRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if strings.TrimSpace(req.IdentityID) == "" || strings.TrimSpace(req.Consumer) == "" {
		s.fail(w, xerrors.New(xerrors.CodeInvalidArgument, "identityId and consumer are required"))
		return
	}
	proof, err := s.bridge.GenerateAccessProof(r.Context(), req.IdentityID, req.Consumer, req.DataType)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, proof)
}

func (s *Server) handleValidateAccessProof(w http.ResponseWriter, r *http.Request) {
	var proof proofs.AccessProof
	if err := decode(w, r, &proof); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, s.bridge.ValidateAccessProof(r.Context(), &proof))
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var in bridge.CreateListingInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, err)
		return
	}
	outcome, err := s.bridge.CreateListing(r.Context(), in)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, outcome)
}

type purchaseRequest struct {
	Buyer string `json:"buyer"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	outcome, err := s.bridge.PurchaseData(r.Context(), bridge.PurchaseInput{
		ListingID: chi.URLParam(r, "listingID"),
		Buyer:     req.Buyer,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, outcome)
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	result, err := s.bridge.SynchronizeState(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, result)
}

type syncStartRequest struct {
	IntervalSeconds int `json:"intervalSeconds"`
}

func (s *Server) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	var req syncStartRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.IntervalSeconds < 0 {
		s.fail(w, xerrors.New(xerrors.CodeInvalidArgument, "intervalSeconds must not be negative"))
		return
	}
	if err := s.bridge.StartSync(time.Duration(req.IntervalSeconds) * time.Second); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, s.bridge.SyncStatus())
}

func (s *Server) handleSyncStop(w http.ResponseWriter, r *http.Request) {
	s.bridge.StopSync()
	s.respond(w, http.StatusOK, s.bridge.SyncStatus())
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.bridge.SyncStatus())
}

func (s *Server) handleListDisclosures(w http.ResponseWriter, r *http.Request) {
	consumer := strings.TrimSpace(r.URL.Query().Get("consumer"))
	if consumer == "" {
		s.fail(w, xerrors.New(xerrors.CodeInvalidArgument, "consumer query parameter is required"))
		return
	}
	list, err := s.disclosures.ListDisclosures(r.Context(), consumer)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, list)
}

type tokenRequest struct {
	Operator string `json:"operator"`
	Password string `json:"password"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, err)
		return
	}
	token, err := s.auth.Issue(r.Context(), req.Operator, req.Password)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, token)
}
