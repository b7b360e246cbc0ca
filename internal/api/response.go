package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"DataSov-Bridge/internal/adapter"
	"DataSov-Bridge/internal/auth"
	"DataSov-Bridge/internal/bridge"
	"DataSov-Bridge/internal/document"
	"DataSov-Bridge/internal/encryption"
	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/ledger"
	"DataSov-Bridge/internal/proofs"
)

const (
	headerRequestID = "X-Request-ID"
	maxBodyBytes    = 1 << 20
)

// envelope 是所有接口的统一响应格式。
type envelope struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *errorBody `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"requestId"`
}

type errorBody struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Details  []string          `json:"details,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// statusByCode 把错误码映射为 HTTP 状态码，未列出的按 500 处理。
var statusByCode = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:       http.StatusBadRequest,
	auth.CodeUnauthenticated:          http.StatusUnauthorized,
	auth.CodePermissionDenied:         http.StatusForbidden,
	proofs.CodeMalformedProof:         http.StatusBadRequest,
	ledger.CodeDataTypeUnsupported:    http.StatusBadRequest,
	xerrors.CodeNotFound:              http.StatusNotFound,
	ledger.CodeIdentityNotFound:       http.StatusNotFound,
	ledger.CodeListingNotFound:        http.StatusNotFound,
	document.CodeDocumentNotFound:     http.StatusNotFound,
	encryption.CodeFieldNotFound:      http.StatusNotFound,
	xerrors.CodeConflict:              http.StatusConflict,
	ledger.CodeListingExists:          http.StatusConflict,
	ledger.CodeListingNotActive:       http.StatusConflict,
	bridge.CodeSyncInProgress:         http.StatusConflict,
	ledger.CodeUnauthorized:           http.StatusForbidden,
	adapter.CodeAccessNotGranted:      http.StatusForbidden,
	adapter.CodeTradingSuspended:      http.StatusForbidden,
	encryption.CodeDecryptionFailed:   http.StatusForbidden,
	proofs.CodeProofRevoked:           http.StatusForbidden,
	proofs.CodeProofExpired:           http.StatusUnprocessableEntity,
	proofs.CodeValidation:             http.StatusUnprocessableEntity,
	ledger.CodeInvalidStatus:          http.StatusUnprocessableEntity,
	bridge.CodeProofGenerationFailed:  http.StatusUnprocessableEntity,
	bridge.CodeBridgeNotRunning:       http.StatusServiceUnavailable,
	adapter.CodeNotConnected:          http.StatusServiceUnavailable,
	ledger.CodeLedgerTransport:        http.StatusBadGateway,
	xerrors.CodeTimeout:               http.StatusGatewayTimeout,
	document.CodeDocumentTampered:     http.StatusInternalServerError,
	xerrors.CodeStorageFailure:        http.StatusInternalServerError,
	xerrors.CodeInitializationFailure: http.StatusInternalServerError,
}

func statusFor(code xerrors.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{
		Success:   true,
		Data:      data,
		Timestamp: s.now().UTC(),
		RequestID: w.Header().Get(headerRequestID),
	})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	coded, ok := xerrors.From(err)
	if !ok {
		coded = xerrors.Wrap(xerrors.CodeUnknown, err, err.Error())
	}
	writeJSON(w, statusFor(coded.Code()), envelope{
		Error: &errorBody{
			Code:     coded.Code(),
			Message:  coded.Message(),
			Details:  coded.Details(),
			Metadata: coded.Metadata(),
		},
		Timestamp: s.now().UTC(),
		RequestID: w.Header().Get(headerRequestID),
	})
}

// decode 读取 JSON 请求体，容忍未知字段，空请求体视为零值。
func decode(w http.ResponseWriter, r *http.Request, out any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "application/json") {
		return xerrors.New(xerrors.CodeInvalidArgument, "Content-Type must be application/json")
	}
	if err := json.NewDecoder(r.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid JSON body")
	}
	return nil
}
