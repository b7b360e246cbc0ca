package errors

import (
	"bytes"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestWrapInheritsMetadata(t *testing.T) {
	inner := New(CodeNotFound, "identity missing", WithStage(StageGeneration), WithMetadata(MetaIdentityID, "ID_1"))
	outer := Wrap(CodeTimeout, inner, "ledger call failed", WithStage(StageLedgerRead))

	if got := StageOf(outer); got != StageLedgerRead {
		t.Fatalf("expected outer stage to win, got %q", got)
	}
	if got := outer.Metadata()[MetaIdentityID]; got != "ID_1" {
		t.Fatalf("expected identity id to be inherited, got %q", got)
	}
	if !stdErrors.Is(outer, New(CodeTimeout, "")) {
		t.Fatal("errors.Is should match on code")
	}
	if !HasCode(fmt.Errorf("context: %w", outer), CodeNotFound) {
		t.Fatal("HasCode should walk the whole chain")
	}
}

func TestErrorStringListsDetails(t *testing.T) {
	err := New(CodeInvalidArgument, "bad input", WithDetails("a missing", "b missing"))
	msg := err.Error()
	if !strings.Contains(msg, "a missing; b missing") {
		t.Fatalf("details not rendered: %s", msg)
	}
	if len(err.Details()) != 2 {
		t.Fatalf("expected 2 details, got %d", len(err.Details()))
	}
}

func TestAttributesFallback(t *testing.T) {
	attr := AttributesOf("NOT_REGISTERED")
	if attr.Severity != SeverityCritical {
		t.Fatalf("unregistered codes should fall back to UNKNOWN, got %+v", attr)
	}
	Register("TEST_CODE", Attributes{Message: "test", Severity: SeverityInfo, Retryable: true})
	if !RetryableError(New("TEST_CODE", "")) {
		t.Fatal("registered code should be retryable")
	}
	if New("TEST_CODE", "", WithRetryable(false)).Retryable() {
		t.Fatal("explicit option should override registry")
	}
}

func TestLogValueCarriesCodeAndMetadata(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	var err error = New(CodeTimeout, "ledger slow", WithSide(SideMarketplaceLedger))
	log.Warn("call failed", slog.Any("error", err))

	out := buf.String()
	for _, want := range []string{"error.code=TIMEOUT", "error.side=marketplace_ledger"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}
