package rpcledger

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "DataSov-Bridge/internal/errors"
	"DataSov-Bridge/internal/ledger"
	"DataSov-Bridge/internal/ledger/memory"
)

type fixture struct {
	identityLedger *memory.IdentityLedger
	marketLedger   *memory.MarketplaceLedger
	identity       *IdentityClient
	market         *MarketplaceClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	idLedger := memory.NewIdentityLedger()
	mkLedger := memory.NewMarketplaceLedger(memory.WithFeeBasisPoints(250))
	require.NoError(t, idLedger.Connect(ctx))
	require.NoError(t, mkLedger.Connect(ctx))

	server, err := NewServer(idLedger, mkLedger)
	require.NoError(t, err)
	t.Cleanup(server.Stop)

	f := &fixture{
		identityLedger: idLedger,
		marketLedger:   mkLedger,
		identity:       NewIdentityClient(DialInProc(server)),
		market:         NewMarketplaceClient(DialInProc(server)),
	}
	require.NoError(t, f.identity.Connect(ctx))
	require.NoError(t, f.market.Connect(ctx))
	t.Cleanup(func() {
		_ = f.identity.Close()
		_ = f.market.Close()
	})
	return f
}

func (f *fixture) verified(t *testing.T, id, owner string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.identityLedger.RegisterIdentity(ctx, memory.RegisterIdentityRequest{IdentityID: id, Owner: owner})
	require.NoError(t, err)
	_, err = f.identityLedger.VerifyIdentity(ctx, id, ledger.LevelHigh)
	require.NoError(t, err)
}

func TestIdentityClientReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verified(t, "ID_1", "alice")
	f.verified(t, "ID_2", "alice")

	identity, err := f.identity.GetIdentity(ctx, "ID_1")
	require.NoError(t, err)
	require.Equal(t, "alice", identity.Owner)
	require.Equal(t, ledger.StatusVerified, identity.Status)
	require.Equal(t, ledger.LevelHigh, identity.VerificationLevel)

	owned, err := f.identity.GetIdentitiesByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, owned, 2)

	page, err := f.identity.ListIdentities(ctx, ledger.StatusVerified, 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	require.NoError(t, f.identity.Ping(ctx))
}

func TestErrorCodesSurviveTransport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.identity.GetIdentity(ctx, "missing")
	require.True(t, xerrors.HasCode(err, ledger.CodeIdentityNotFound), "got %v", err)
	coded, ok := xerrors.From(err)
	require.True(t, ok)
	require.Equal(t, "missing", coded.Metadata()[xerrors.MetaIdentityID])

	_, err = f.market.GetListing(ctx, "L-404")
	require.True(t, xerrors.HasCode(err, ledger.CodeListingNotFound), "got %v", err)
}

func TestMarketplaceRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	listing, err := f.market.CreateListing(ctx, ledger.CreateListingRequest{
		ListingID:  "L-1",
		IdentityID: "ID_1",
		Owner:      "alice",
		Price:      10000,
		DataType:   ledger.DataLocationHistory,
	})
	require.NoError(t, err)
	require.True(t, listing.IsActive)

	updated, err := f.market.UpdateListingPrice(ctx, "L-1", "alice", 20000)
	require.NoError(t, err)
	require.EqualValues(t, 20000, updated.Price)

	listings, err := f.market.GetListings(ctx, ledger.ListingFilter{Owner: "alice", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, listings, 1)

	receipt, err := f.market.Purchase(ctx, ledger.PurchaseRequest{ListingID: "L-1", Buyer: "bob"})
	require.NoError(t, err)
	require.EqualValues(t, 500, receipt.Fee)
	require.EqualValues(t, 19500, receipt.OwnerAmount)

	_, err = f.market.Purchase(ctx, ledger.PurchaseRequest{ListingID: "L-1", Buyer: "carol"})
	require.True(t, xerrors.HasCode(err, ledger.CodeListingNotActive), "got %v", err)

	stats, err := f.market.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.TotalListings)
	require.EqualValues(t, 0, stats.ActiveListings)
	require.EqualValues(t, 250, stats.FeeBasisPoints)
}

func TestSubscriptionDeliversLedgerEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.verified(t, "ID_9", "dave")

	sub, err := f.identity.SubscribeIdentityEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	_, err = f.identityLedger.RevokeIdentity(context.Background(), "ID_9", "dave")
	require.NoError(t, err)

	select {
	case evt := <-sub.Events():
		require.Equal(t, ledger.EventIdentityRevoked, evt.Kind)
		require.Equal(t, "ID_9", evt.IdentityID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for revoke event")
	}
}

func TestClientRequiresConnect(t *testing.T) {
	server, err := NewServer(memory.NewIdentityLedger(), nil)
	require.NoError(t, err)
	defer server.Stop()

	client := NewIdentityClient(DialInProc(server))
	_, err = client.GetIdentity(context.Background(), "ID_1")
	require.ErrorIs(t, err, errNotConnected)

	// 内存账本未连接时 ping 失败，Connect 应当带着错误码失败。
	err = client.Connect(context.Background())
	require.True(t, xerrors.HasCode(err, ledger.CodeLedgerTransport), "got %v", err)
}

func TestDecodeErrorKeepsRawFailures(t *testing.T) {
	raw := context.DeadlineExceeded
	err := decodeError(raw, "identity_getIdentity")
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	_, coded := xerrors.From(err)
	require.False(t, coded)
	require.NoError(t, decodeError(nil, "identity_ping"))
}

func TestHTTPHandlerServesCalls(t *testing.T) {
	ctx := context.Background()
	idLedger := memory.NewIdentityLedger()
	require.NoError(t, idLedger.Connect(ctx))
	_, err := idLedger.RegisterIdentity(ctx, memory.RegisterIdentityRequest{IdentityID: "ID_H", Owner: "erin"})
	require.NoError(t, err)

	server, err := NewServer(idLedger, nil)
	require.NoError(t, err)
	defer server.Stop()
	httpSrv := httptest.NewServer(Handler(server, nil))
	defer httpSrv.Close()

	client := NewIdentityClient(DialURL(httpSrv.URL))
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	identity, err := client.GetIdentity(ctx, "ID_H")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, identity.Status)
}
