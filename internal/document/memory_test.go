package document

import (
	"context"
	"testing"
	"time"

	xerrors "DataSov-Bridge/internal/errors"
)

func fixedClock() func() time.Time {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var n int
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestSealIsContentAddressed(t *testing.T) {
	now := time.Now()
	a, err := Seal("ID_1", map[string]any{"b": 1, "a": "x"}, map[string]string{TagKind: "personal_info"}, now)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	b, err := Seal("ID_1", map[string]any{"a": "x", "b": 1}, map[string]string{TagKind: "personal_info"}, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if a.ContentID != b.ContentID {
		t.Fatalf("expected key order and timestamp to be irrelevant: %s vs %s", a.ContentID, b.ContentID)
	}
	if len(a.ContentID) != 64 {
		t.Fatalf("expected hex sha-256, got %q", a.ContentID)
	}

	other, err := Seal("ID_2", map[string]any{"a": "x", "b": 1}, map[string]string{TagKind: "personal_info"}, now)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if other.ContentID == a.ContentID {
		t.Fatalf("documents of different identities must not collide")
	}
	if err := Verify(a); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestSealRejectsBadInput(t *testing.T) {
	if _, err := Seal(" ", map[string]any{}, nil, time.Now()); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := Seal("ID_1", map[string]any{}, map[string]string{"": "x"}, time.Now()); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid tag error, got %v", err)
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(WithClock(fixedClock()))

	first, err := store.PutDocument(ctx, "ID_1", map[string]any{"v": 1}, map[string]string{TagKind: "personal_info"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := store.PutDocument(ctx, "ID_1", map[string]any{"v": 2}, map[string]string{TagKind: "personal_info"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	again, err := store.PutDocument(ctx, "ID_1", map[string]any{"v": 1}, map[string]string{TagKind: "personal_info"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if again.ContentID != first.ContentID || !again.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected idempotent put to return the stored document")
	}

	latest, err := store.GetLatestDocument(ctx, "ID_1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ContentID != second.ContentID {
		t.Fatalf("expected latest to be %s, got %s", second.ContentID, latest.ContentID)
	}
	var content struct{ V int }
	if err := latest.Decode(&content); err != nil || content.V != 2 {
		t.Fatalf("unexpected content %+v: %v", content, err)
	}

	byID, err := store.GetDocumentByID(ctx, first.ContentID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if byID.IdentityID != "ID_1" {
		t.Fatalf("unexpected identity %q", byID.IdentityID)
	}

	tagged, err := store.QueryByTag(ctx, TagKind, "personal_info")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(tagged) != 2 || tagged[0].ContentID != first.ContentID {
		t.Fatalf("unexpected query result: %+v", tagged)
	}
	none, err := store.QueryByTag(ctx, TagKind, "disclosure")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty result, got %d, %v", len(none), err)
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.GetLatestDocument(context.Background(), "ID_404"); !xerrors.HasCode(err, CodeDocumentNotFound) {
		t.Fatalf("expected DOCUMENT_NOT_FOUND, got %v", err)
	}
	if _, err := store.GetDocumentByID(context.Background(), "deadbeef"); !xerrors.HasCode(err, CodeDocumentNotFound) {
		t.Fatalf("expected DOCUMENT_NOT_FOUND, got %v", err)
	}
}

func TestMemoryStoreDetectsTampering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doc, err := store.PutDocument(ctx, "ID_1", map[string]any{"name": "alice"}, nil)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	store.tamper(doc.ContentID, []byte(`{"name":"mallory"}`))

	if _, err := store.GetDocumentByID(ctx, doc.ContentID); !xerrors.HasCode(err, CodeDocumentTampered) {
		t.Fatalf("expected DOCUMENT_TAMPERED, got %v", err)
	}
	if _, err := store.GetLatestDocument(ctx, "ID_1"); !xerrors.HasCode(err, CodeDocumentTampered) {
		t.Fatalf("expected DOCUMENT_TAMPERED from latest, got %v", err)
	}
}

func TestReturnedDocumentsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doc, err := store.PutDocument(ctx, "ID_1", map[string]any{"a": 1}, map[string]string{TagKind: "x"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	doc.Tags[TagKind] = "changed"
	doc.Content[0] = '['

	stored, err := store.GetDocumentByID(ctx, doc.ContentID)
	if err != nil {
		t.Fatalf("stored document should still verify: %v", err)
	}
	if stored.Tags[TagKind] != "x" {
		t.Fatalf("caller mutation leaked into the store")
	}
}
