package adapter

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"DataSov-Bridge/internal/encryption"
	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/ledger"
	"DataSov-Bridge/internal/ledger/memory"
	"DataSov-Bridge/internal/proofs"
)

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func issuer(t *testing.T) *encryption.Keypair {
	t.Helper()
	kp, err := encryption.KeypairFromSeed(bytes.Repeat([]byte{42}, ed25519.SeedSize))
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return kp
}

func fastConfig() Config {
	return Config{Timeout: time.Second, MaxRetryAttempts: 3, RetryInitialInterval: time.Millisecond, BatchSize: 2}
}

func seedVerified(t *testing.T, l *memory.IdentityLedger, id, owner string, level ledger.VerificationLevel) {
	t.Helper()
	ctx := context.Background()
	if _, err := l.RegisterIdentity(ctx, memory.RegisterIdentityRequest{IdentityID: id, Owner: owner}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if _, err := l.VerifyIdentity(ctx, id, level); err != nil {
		t.Fatalf("verify %s: %v", id, err)
	}
}

func newIdentityAdapter(t *testing.T, l *memory.IdentityLedger) *IdentityAdapter {
	t.Helper()
	a := NewIdentityAdapter(l, encryption.NewEngine(), issuer(t), fastConfig(), WithIdentityClock(func() time.Time { return testNow }))
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return a
}

func TestCallsFailFastWhenNotConnected(t *testing.T) {
	a := NewIdentityAdapter(memory.NewIdentityLedger(), nil, issuer(t), fastConfig())
	_, err := a.GetIdentity(context.Background(), "ID_1")
	if !xerrors.HasCode(err, CodeNotConnected) {
		t.Fatalf("expected NOT_CONNECTED, got %v", err)
	}
	if a.IsHealthy() {
		t.Fatal("disconnected adapter must not report healthy")
	}
	a.Disconnect()
	a.Disconnect()
}

func TestConnectRetriesThenFails(t *testing.T) {
	l := memory.NewIdentityLedger()
	l.FailConnect(errors.New("dial refused"))
	a := NewIdentityAdapter(l, nil, issuer(t), fastConfig())
	err := a.Connect(context.Background())
	if !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
	l.FailConnect(nil)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect after recovery: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect should be idempotent: %v", err)
	}
	if !a.IsHealthy() {
		t.Fatal("expected healthy adapter")
	}
}

func TestLedgerCallTimeout(t *testing.T) {
	l := memory.NewIdentityLedger(memory.WithIdentityLatency(200 * time.Millisecond))
	cfg := fastConfig()
	cfg.Timeout = 20 * time.Millisecond
	a := NewIdentityAdapter(l, nil, issuer(t), cfg)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err := a.GetIdentity(context.Background(), "ID_1")
	if !xerrors.HasCode(err, xerrors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if a.IsHealthy() {
		t.Fatal("timeout should mark the adapter unhealthy")
	}
}

func TestGenerateIdentityProofUsesPolicyWindow(t *testing.T) {
	l := memory.NewIdentityLedger()
	seedVerified(t, l, "ID_1", "alice", ledger.LevelHigh)
	a := newIdentityAdapter(t, l)

	proof, err := a.GenerateIdentityProof(context.Background(), "ID_1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !proof.ValidUntil.Equal(testNow.Add(180 * 24 * time.Hour)) {
		t.Fatalf("expected 180 day window, got %s", proof.ValidUntil)
	}
	if err := proofs.ValidateShape(proof); err != nil {
		t.Fatalf("generated proof is malformed: %v", err)
	}
	if err := a.ConfirmIdentityProof(context.Background(), proof); err != nil {
		t.Fatalf("identity side rejected fresh proof: %v", err)
	}
}

func TestGenerateIdentityProofRejectsPending(t *testing.T) {
	l := memory.NewIdentityLedger()
	if _, err := l.RegisterIdentity(context.Background(), memory.RegisterIdentityRequest{IdentityID: "ID_2", Owner: "bob"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	a := newIdentityAdapter(t, l)
	if _, err := a.GenerateIdentityProof(context.Background(), "ID_2"); !xerrors.HasCode(err, ledger.CodeInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func TestGenerateAccessProofChecksInvariant(t *testing.T) {
	ctx := context.Background()
	l := memory.NewIdentityLedger()
	seedVerified(t, l, "ID_3", "carol", ledger.LevelBasic)
	exp := testNow.Add(48 * time.Hour)
	if _, err := l.GrantAccess(ctx, memory.GrantAccessRequest{
		IdentityID: "ID_3", Owner: "carol", Consumer: "C1",
		DataTypes: []ledger.DataType{ledger.DataAppUsage}, ExpiresAt: &exp,
	}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	a := newIdentityAdapter(t, l)

	if _, err := a.GenerateAccessProof(ctx, "ID_3", "C1", ledger.DataHealthData); !xerrors.HasCode(err, CodeAccessNotGranted) {
		t.Fatalf("uncovered data type should be refused, got %v", err)
	}
	if _, err := a.GenerateAccessProof(ctx, "ID_3", "C9", ledger.DataAppUsage); !xerrors.HasCode(err, CodeAccessNotGranted) {
		t.Fatalf("unknown consumer should be refused, got %v", err)
	}
	proof, err := a.GenerateAccessProof(ctx, "ID_3", "C1", ledger.DataAppUsage)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !proof.ValidUntil.Equal(exp) {
		t.Fatalf("grant expiry should cap the proof, got %s", proof.ValidUntil)
	}
	if _, err := l.RevokeAccess(ctx, "ID_3", "carol", "C1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	err = a.ConfirmAccessProof(ctx, proof)
	coded, ok := xerrors.From(err)
	if !ok || coded.Code() != proofs.CodeValidation || coded.Metadata()[xerrors.MetaSide] != xerrors.SideIdentityLedger {
		t.Fatalf("expected identity side rejection, got %v", err)
	}
}

func TestListVerifiedIdentitiesPages(t *testing.T) {
	l := memory.NewIdentityLedger()
	for _, id := range []string{"A", "B", "C", "D", "E"} {
		seedVerified(t, l, id, "o", ledger.LevelBasic)
	}
	a := newIdentityAdapter(t, l)
	all, err := a.ListVerifiedIdentities(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 identities, got %d", len(all))
	}
}

func TestMarketplaceConfirmsAndSuspends(t *testing.T) {
	ctx := context.Background()
	ids := memory.NewIdentityLedger()
	seedVerified(t, ids, "ID_4", "dave", ledger.LevelEnhanced)
	identity := newIdentityAdapter(t, ids)

	market := memory.NewMarketplaceLedger()
	m := NewMarketplaceAdapter(market, nil, issuer(t).PublicKey, fastConfig())
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	proof, err := identity.GenerateIdentityProof(ctx, "ID_4")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := m.ConfirmIdentityProof(ctx, proof); err != nil {
		t.Fatalf("marketplace rejected valid proof: %v", err)
	}
	forged := *proof
	forged.Owner = "mallory"
	if err := m.ConfirmIdentityProof(ctx, &forged); !xerrors.HasCode(err, proofs.CodeValidation) {
		t.Fatalf("tampered proof should be rejected, got %v", err)
	}

	for _, id := range []string{"L1", "L2"} {
		if _, err := m.CreateListing(ctx, ledger.CreateListingRequest{
			ListingID: id, IdentityID: "ID_4", Owner: "dave", Price: 100, DataType: ledger.DataAppUsage,
		}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	cancelled, err := m.SuspendTrading(ctx, "ID_4")
	if err != nil || cancelled != 2 {
		t.Fatalf("suspend: cancelled=%d err=%v", cancelled, err)
	}
	if err := m.ConfirmIdentityProof(ctx, proof); !xerrors.HasCode(err, proofs.CodeValidation) {
		t.Fatalf("suspended identity should be rejected, got %v", err)
	}
	if _, err := m.CreateListing(ctx, ledger.CreateListingRequest{
		ListingID: "L3", IdentityID: "ID_4", Owner: "dave", Price: 100, DataType: ledger.DataAppUsage,
	}); !xerrors.HasCode(err, CodeTradingSuspended) {
		t.Fatalf("expected TRADING_SUSPENDED, got %v", err)
	}
}
