package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"DataSov-Bridge/internal/bridge"
	"DataSov-Bridge/internal/disclosure"
	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/ledger"
	"DataSov-Bridge/internal/proofs"
)

type fakeBridge struct {
	mu          sync.Mutex
	healthy     bool
	proofErr    error
	listingIn   bridge.CreateListingInput
	purchaseIn  bridge.PurchaseInput
	interval    time.Duration
	syncRunning bool
	validation  bridge.ValidationResult
}

func (f *fakeBridge) Status() bridge.Status {
	return bridge.Status{State: bridge.StateRunning}
}

func (f *fakeBridge) Health(context.Context) bridge.HealthReport {
	if f.healthy {
		return bridge.HealthReport{Status: "healthy", State: bridge.StateRunning, IdentityLedger: true, MarketplaceLedger: true}
	}
	return bridge.HealthReport{Status: "degraded", State: bridge.StateRunning, IdentityLedger: true}
}

func (f *fakeBridge) GenerateIdentityProof(_ context.Context, identityID string) (*proofs.IdentityProof, error) {
	if f.proofErr != nil {
		return nil, f.proofErr
	}
	return &proofs.IdentityProof{IdentityID: identityID, Owner: "alice", VerificationLevel: ledger.LevelHigh}, nil
}

func (f *fakeBridge) ValidateIdentityProof(_ context.Context, proof *proofs.IdentityProof) bridge.ValidationResult {
	out := f.validation
	out.IdentityID = proof.IdentityID
	return out
}

func (f *fakeBridge) GenerateAccessProof(_ context.Context, identityID, consumer string, dataType ledger.DataType) (*proofs.AccessProof, error) {
	return &proofs.AccessProof{IdentityID: identityID, Consumer: consumer, DataTypes: []ledger.DataType{dataType}, IsActive: true}, nil
}

func (f *fakeBridge) ValidateAccessProof(_ context.Context, proof *proofs.AccessProof) bridge.ValidationResult {
	return bridge.ValidationResult{Valid: true, IdentityID: proof.IdentityID, Consumer: proof.Consumer}
}

func (f *fakeBridge) CreateListing(_ context.Context, in bridge.CreateListingInput) (*bridge.ListingOutcome, error) {
	f.mu.Lock()
	f.listingIn = in
	f.mu.Unlock()
	return &bridge.ListingOutcome{Listing: &ledger.DataListing{ListingID: "L-1", IdentityID: in.IdentityID, Price: in.Price, IsActive: true}}, nil
}

func (f *fakeBridge) PurchaseData(_ context.Context, in bridge.PurchaseInput) (*bridge.PurchaseOutcome, error) {
	f.mu.Lock()
	f.purchaseIn = in
	f.mu.Unlock()
	if in.ListingID == "sold" {
		return nil, xerrors.New(ledger.CodeListingNotActive, "listing sold is not active",
			xerrors.WithMetadata(xerrors.MetaListingID, in.ListingID))
	}
	return &bridge.PurchaseOutcome{Receipt: &ledger.PurchaseReceipt{ListingID: in.ListingID, Buyer: in.Buyer}}, nil
}

func (f *fakeBridge) GetStateSnapshot(context.Context) (*bridge.StateSnapshot, error) {
	return nil, xerrors.New(bridge.CodeBridgeNotRunning, "bridge is not running")
}

func (f *fakeBridge) SynchronizeState(context.Context) (*bridge.SyncResult, error) {
	return &bridge.SyncResult{SyncedCount: 2, Errors: []bridge.SyncError{}}, nil
}

func (f *fakeBridge) StartSync(interval time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interval = interval
	f.syncRunning = true
	return nil
}

func (f *fakeBridge) StopSync() {
	f.mu.Lock()
	f.syncRunning = false
	f.mu.Unlock()
}

func (f *fakeBridge) SyncStatus() bridge.SyncStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bridge.SyncStatus{Enabled: f.syncRunning, Interval: f.interval}
}

type fakeDisclosures struct{}

func (fakeDisclosures) ListDisclosures(_ context.Context, consumer string) ([]*disclosure.Issued, error) {
	return []*disclosure.Issued{{ContentID: "abc", Record: &disclosure.DisclosureRecord{IdentityID: "ID_1"}}}, nil
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ObserveHTTPRequest(handler, method string, status int, _ time.Duration) {
	o.mu.Lock()
	o.calls = append(o.calls, method+" "+handler)
	o.mu.Unlock()
}

type response struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *errorBody      `json:"error"`
	RequestID string          `json:"requestId"`
	Timestamp time.Time       `json:"timestamp"`
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out response
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
	}
	return rec, out
}

func TestEnvelopeCarriesRequestID(t *testing.T) {
	srv := NewServer(":0", &fakeBridge{healthy: true})
	rec, out := do(t, srv.Handler(), http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK || !out.Success {
		t.Fatalf("unexpected response %d %+v", rec.Code, out)
	}
	if out.RequestID == "" || out.RequestID != rec.Header().Get(headerRequestID) {
		t.Fatalf("request id mismatch: %q vs %q", out.RequestID, rec.Header().Get(headerRequestID))
	}
	if out.Timestamp.IsZero() {
		t.Fatalf("timestamp missing")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set(headerRequestID, "req-42")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Header().Get(headerRequestID) != "req-42" {
		t.Fatalf("caller request id not kept")
	}
}

func TestHealthReportsDegraded(t *testing.T) {
	srv := NewServer(":0", &fakeBridge{})
	rec, out := do(t, srv.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable || !out.Success {
		t.Fatalf("expected 503 with report, got %d %+v", rec.Code, out)
	}
	var report bridge.HealthReport
	if err := json.Unmarshal(out.Data, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Status != "degraded" || report.MarketplaceLedger {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestGenerateIdentityProof(t *testing.T) {
	srv := NewServer(":0", &fakeBridge{})
	_, out := do(t, srv.Handler(), http.MethodPost, "/api/v1/proofs/identity", `{"identityId":"ID_1"}`)
	var proof proofs.IdentityProof
	if err := json.Unmarshal(out.Data, &proof); err != nil {
		t.Fatalf("decode proof: %v", err)
	}
	if proof.IdentityID != "ID_1" || proof.VerificationLevel != ledger.LevelHigh {
		t.Fatalf("unexpected proof %+v", proof)
	}

	rec, out := do(t, srv.Handler(), http.MethodPost, "/api/v1/proofs/identity", `{}`)
	if rec.Code != http.StatusBadRequest || out.Error == nil || out.Error.Code != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %d %+v", rec.Code, out.Error)
	}
}

func TestProofGenerationFailureMapsStatus(t *testing.T) {
	fb := &fakeBridge{proofErr: xerrors.New(bridge.CodeProofGenerationFailed, "generate identity proof for ID_X",
		xerrors.WithStage(xerrors.StageGeneration))}
	srv := NewServer(":0", fb)
	rec, out := do(t, srv.Handler(), http.MethodPost, "/api/v1/proofs/identity", `{"identityId":"ID_X"}`)
	if rec.Code != http.StatusUnprocessableEntity || out.Success {
		t.Fatalf("unexpected response %d %+v", rec.Code, out)
	}
	if out.Error.Metadata[xerrors.MetaStage] != xerrors.StageGeneration {
		t.Fatalf("stage metadata missing: %+v", out.Error.Metadata)
	}
}

func TestValidationFailureIsStillOK(t *testing.T) {
	fb := &fakeBridge{validation: bridge.ValidationResult{Valid: false, Check: "expiry", Code: proofs.CodeProofExpired}}
	srv := NewServer(":0", fb)
	rec, out := do(t, srv.Handler(), http.MethodPost, "/api/v1/proofs/identity/validate", `{"identityId":"ID_1"}`)
	if rec.Code != http.StatusOK || !out.Success {
		t.Fatalf("unexpected response %d %+v", rec.Code, out)
	}
	var result bridge.ValidationResult
	if err := json.Unmarshal(out.Data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Valid || result.Code != proofs.CodeProofExpired || result.IdentityID != "ID_1" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestListingAndPurchaseRoutes(t *testing.T) {
	fb := &fakeBridge{}
	srv := NewServer(":0", fb)
	h := srv.Handler()

	rec, _ := do(t, h, http.MethodPost, "/api/v1/listings", `{"identityId":"ID_1","price":100,"dataType":"LOCATION_HISTORY"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if fb.listingIn.IdentityID != "ID_1" || fb.listingIn.Price != 100 || fb.listingIn.DataType != ledger.DataLocationHistory {
		t.Fatalf("listing input not decoded: %+v", fb.listingIn)
	}

	rec, _ = do(t, h, http.MethodPost, "/api/v1/listings/L-7/purchase", `{"buyer":"bob"}`)
	if rec.Code != http.StatusOK || fb.purchaseIn.ListingID != "L-7" || fb.purchaseIn.Buyer != "bob" {
		t.Fatalf("unexpected purchase %d %+v", rec.Code, fb.purchaseIn)
	}

	rec, out := do(t, h, http.MethodPost, "/api/v1/listings/sold/purchase", `{"buyer":"bob"}`)
	if rec.Code != http.StatusConflict || out.Error.Code != ledger.CodeListingNotActive {
		t.Fatalf("expected conflict, got %d %+v", rec.Code, out.Error)
	}
	if out.Error.Metadata[xerrors.MetaListingID] != "sold" {
		t.Fatalf("listing metadata missing: %+v", out.Error.Metadata)
	}
}

func TestSyncRoutes(t *testing.T) {
	fb := &fakeBridge{}
	srv := NewServer(":0", fb)
	h := srv.Handler()

	rec, out := do(t, h, http.MethodPost, "/api/v1/sync/start", `{"intervalSeconds":60}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %+v", rec.Code, out.Error)
	}
	if fb.interval != time.Minute {
		t.Fatalf("interval not forwarded: %v", fb.interval)
	}
	rec, _ = do(t, h, http.MethodPost, "/api/v1/sync/start", `{"intervalSeconds":-1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative interval should be rejected, got %d", rec.Code)
	}

	_, out = do(t, h, http.MethodPost, "/api/v1/sync", "")
	var result bridge.SyncResult
	if err := json.Unmarshal(out.Data, &result); err != nil || result.SyncedCount != 2 {
		t.Fatalf("unexpected sync result %+v (%v)", result, err)
	}

	_, out = do(t, h, http.MethodPost, "/api/v1/sync/stop", "")
	var status bridge.SyncStatus
	if err := json.Unmarshal(out.Data, &status); err != nil || status.Enabled {
		t.Fatalf("sync should be stopped: %+v (%v)", status, err)
	}
}

func TestSnapshotErrorUsesEnvelope(t *testing.T) {
	srv := NewServer(":0", &fakeBridge{})
	rec, out := do(t, srv.Handler(), http.MethodGet, "/api/v1/snapshot", "")
	if rec.Code != http.StatusServiceUnavailable || out.Success || out.Error.Code != bridge.CodeBridgeNotRunning {
		t.Fatalf("unexpected response %d %+v", rec.Code, out)
	}
}

func TestDisclosuresRequireConsumer(t *testing.T) {
	srv := NewServer(":0", &fakeBridge{}, WithDisclosures(fakeDisclosures{}))
	h := srv.Handler()
	rec, _ := do(t, h, http.MethodGet, "/api/v1/disclosures", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec, out := do(t, h, http.MethodGet, "/api/v1/disclosures?consumer=C1", "")
	if rec.Code != http.StatusOK || !strings.Contains(string(out.Data), `"abc"`) {
		t.Fatalf("unexpected response %d %s", rec.Code, out.Data)
	}
}

func TestUnknownRouteAndMetrics(t *testing.T) {
	observer := &recordingObserver{}
	srv := NewServer(":0", &fakeBridge{}, WithMetrics(observer, nil))
	h := srv.Handler()

	rec, out := do(t, h, http.MethodGet, "/api/v1/nope", "")
	if rec.Code != http.StatusNotFound || out.Error.Code != xerrors.CodeNotFound {
		t.Fatalf("unexpected response %d %+v", rec.Code, out.Error)
	}
	do(t, h, http.MethodPost, "/api/v1/listings/L-9/purchase", `{"buyer":"bob"}`)

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if len(observer.calls) != 2 {
		t.Fatalf("expected two observations, got %v", observer.calls)
	}
	if observer.calls[1] != "POST /api/v1/listings/{listingID}/purchase" {
		t.Fatalf("route pattern not used as label: %v", observer.calls)
	}
}

func TestRejectsNonJSONBody(t *testing.T) {
	srv := NewServer(":0", &fakeBridge{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/proofs/identity", strings.NewReader("identityId=ID_1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
