package revocation

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegistryLookup(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	if rec, err := reg.Lookup(ctx, "ID_1", "C1"); err != nil || rec != nil {
		t.Fatalf("expected no record, got %v %v", rec, err)
	}
	if err := reg.Revoke(ctx, Record{IdentityID: "ID_1", Consumer: "C1", RevokedAt: at}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	rec, err := reg.Lookup(ctx, "ID_1", "C1")
	if err != nil || rec == nil {
		t.Fatalf("expected consumer record, got %v %v", rec, err)
	}
	if !Covers(rec, at.Add(-time.Minute)) || Covers(rec, at.Add(time.Minute)) {
		t.Fatal("consumer revocation should only cover proofs issued before it")
	}
	if rec, _ := reg.Lookup(ctx, "ID_1", ""); rec != nil {
		t.Fatal("consumer revocation must not revoke the identity")
	}

	if err := reg.Revoke(ctx, Record{IdentityID: "ID_1", RevokedAt: at}); err != nil {
		t.Fatalf("revoke identity: %v", err)
	}
	rec, _ = reg.Lookup(ctx, "ID_1", "C2")
	if rec == nil || rec.Consumer != "" || !Covers(rec, at.Add(time.Hour)) {
		t.Fatalf("identity revocation should cover every proof, got %+v", rec)
	}
	list, _ := reg.List(ctx)
	if len(list) != 2 || list[0].Key() != "ID_1" {
		t.Fatalf("unexpected list: %+v", list)
	}
}
