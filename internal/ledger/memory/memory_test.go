package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/ledger"
)

func TestIdentityLifecycleEmitsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewIdentityLedger()
	sub, err := l.SubscribeIdentityEvents(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := l.RegisterIdentity(ctx, RegisterIdentityRequest{IdentityID: "ID_1", Owner: "alice"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	verified, err := l.VerifyIdentity(ctx, "ID_1", ledger.LevelHigh)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.Status != ledger.StatusVerified || verified.VerifiedAt == nil {
		t.Fatalf("unexpected identity state: %+v", verified)
	}
	if _, err := l.VerifyIdentity(ctx, "ID_1", ledger.LevelHigh); !xerrors.HasCode(err, ledger.CodeInvalidStatus) {
		t.Fatalf("second verification should fail, got %v", err)
	}
	if _, err := l.RevokeIdentity(ctx, "ID_1", "mallory"); !xerrors.HasCode(err, ledger.CodeUnauthorized) {
		t.Fatalf("foreign owner should be rejected, got %v", err)
	}

	want := []ledger.EventKind{ledger.EventIdentityRegistered, ledger.EventIdentityVerified}
	for _, kind := range want {
		select {
		case evt := <-sub.Events():
			if evt.Kind != kind || evt.IdentityID != "ID_1" || evt.LedgerReference == "" {
				t.Fatalf("unexpected event %+v, want %s", evt, kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestGrantAccessLimits(t *testing.T) {
	ctx := context.Background()
	l := NewIdentityLedger()
	if _, err := l.RegisterIdentity(ctx, RegisterIdentityRequest{IdentityID: "ID_2", Owner: "bob"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	grant := GrantAccessRequest{IdentityID: "ID_2", Owner: "bob", Consumer: "C1", DataTypes: []ledger.DataType{ledger.DataAppUsage}}
	if _, err := l.GrantAccess(ctx, grant); !xerrors.HasCode(err, ledger.CodeInvalidStatus) {
		t.Fatalf("pending identity cannot grant access, got %v", err)
	}
	if _, err := l.VerifyIdentity(ctx, "ID_2", ledger.LevelBasic); err != nil {
		t.Fatalf("verify: %v", err)
	}
	tooMany := grant
	tooMany.DataTypes = make([]ledger.DataType, ledger.MaxGrantDataTypes+1)
	if _, err := l.GrantAccess(ctx, tooMany); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	identity, err := l.GrantAccess(ctx, grant)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	perm, ok := identity.PermissionFor("C1")
	if !ok || !perm.Allows(ledger.DataAppUsage, time.Now()) {
		t.Fatalf("expected active grant, got %+v", perm)
	}
	if _, err := l.RevokeAccess(ctx, "ID_2", "bob", "C1"); err != nil {
		t.Fatalf("revoke access: %v", err)
	}
	if _, err := l.RevokeAccess(ctx, "ID_2", "bob", "C1"); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("double revoke should conflict, got %v", err)
	}
}

func TestListIdentitiesPages(t *testing.T) {
	ctx := context.Background()
	l := NewIdentityLedger()
	for _, id := range []string{"ID_c", "ID_a", "ID_b", "ID_d"} {
		if _, err := l.RegisterIdentity(ctx, RegisterIdentityRequest{IdentityID: id, Owner: "o"}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	for _, id := range []string{"ID_a", "ID_b", "ID_c"} {
		if _, err := l.VerifyIdentity(ctx, id, ledger.LevelBasic); err != nil {
			t.Fatalf("verify: %v", err)
		}
	}
	page, err := l.ListIdentities(ctx, ledger.StatusVerified, 1, 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].IdentityID != "ID_b" || page[1].IdentityID != "ID_c" {
		t.Fatalf("unexpected page: %v", page)
	}
}

func TestPurchaseSplitsFeeAndDeactivates(t *testing.T) {
	ctx := context.Background()
	l := NewMarketplaceLedger(WithFeeBasisPoints(250))
	if _, err := l.CreateListing(ctx, ledger.CreateListingRequest{
		ListingID: "L1", IdentityID: "ID_1", Owner: "alice", Price: 1000, DataType: ledger.DataAppUsage,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	receipt, err := l.Purchase(ctx, ledger.PurchaseRequest{ListingID: "L1", Buyer: "bob"})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if receipt.Fee != 25 || receipt.OwnerAmount != 975 {
		t.Fatalf("unexpected split: %+v", receipt)
	}
	if _, err := l.Purchase(ctx, ledger.PurchaseRequest{ListingID: "L1", Buyer: "carol"}); !xerrors.HasCode(err, ledger.CodeListingNotActive) {
		t.Fatalf("expected LISTING_NOT_ACTIVE, got %v", err)
	}
	stats, _ := l.Stats(ctx)
	if stats.TotalVolume != 1000 || stats.ActiveListings != 0 || stats.TotalListings != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if l.FeesCollected() != 25 {
		t.Fatalf("unexpected fees: %d", l.FeesCollected())
	}
}

func TestConcurrentPurchasesHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	l := NewMarketplaceLedger()
	if _, err := l.CreateListing(ctx, ledger.CreateListingRequest{
		ListingID: "L2", IdentityID: "ID_1", Owner: "alice", Price: 10, DataType: ledger.DataAppUsage,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	const buyers = 16
	var wg sync.WaitGroup
	results := make(chan error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Purchase(ctx, ledger.PurchaseRequest{ListingID: "L2", Buyer: "buyer"})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)
	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case !xerrors.HasCode(err, ledger.CodeListingNotActive):
			t.Fatalf("loser should observe LISTING_NOT_ACTIVE, got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestCreateListingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := NewMarketplaceLedger()
	req := ledger.CreateListingRequest{ListingID: "L3", IdentityID: "ID_1", Owner: "alice", Price: 5, DataType: ledger.DataHealthData}
	first, err := l.CreateListing(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := l.CreateListing(ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if first.LedgerReference != second.LedgerReference {
		t.Fatal("retry should return the original listing")
	}
	req.Price = 6
	if _, err := l.CreateListing(ctx, req); !xerrors.HasCode(err, ledger.CodeListingExists) {
		t.Fatalf("conflicting retry should fail, got %v", err)
	}
	if _, err := l.CancelListing(ctx, "L3", "mallory"); !xerrors.HasCode(err, ledger.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	cancelled, err := l.CancelListing(ctx, "L3", "alice")
	if err != nil || cancelled.IsActive || cancelled.CancelledAt == nil {
		t.Fatalf("cancel failed: %+v %v", cancelled, err)
	}
}

func TestSplitFee(t *testing.T) {
	cases := []struct {
		amount uint64
		bps    uint16
		fee    uint64
	}{
		{1000, 250, 25},
		{1, 250, 0},
		{10000, 10000, 10000},
		{^uint64(0), 10000, ^uint64(0)},
	}
	for _, tc := range cases {
		fee, owner := ledger.SplitFee(tc.amount, tc.bps)
		if fee != tc.fee || fee+owner != tc.amount {
			t.Errorf("SplitFee(%d, %d) = %d, %d", tc.amount, tc.bps, fee, owner)
		}
	}
}
