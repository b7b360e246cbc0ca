package provider

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `
ledgers:
  identity:
    role: identity
    rpc_url: http://127.0.0.1:8545
    ws_url: ws://127.0.0.1:8546
    description: identity ledger gateway
  marketplace:
    role: marketplace
    rpc_url: http://127.0.0.1:9545
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledgers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestNewRegistryLoadsBothRoles(t *testing.T) {
	reg, err := NewRegistry(writeFile(t, sample))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	if _, err := reg.Identity("identity"); err != nil {
		t.Fatalf("identity client: %v", err)
	}
	if _, err := reg.Marketplace("marketplace"); err != nil {
		t.Fatalf("marketplace client: %v", err)
	}
	if _, err := reg.Marketplace("identity"); err == nil {
		t.Fatalf("expected role mismatch to be reported")
	}
	if got := strings.Join(reg.Names(), ","); got != "identity,marketplace" {
		t.Fatalf("unexpected names %s", got)
	}
	if reg.Description("identity") != "identity ledger gateway" {
		t.Fatalf("description not kept")
	}
}

func TestDefinitionPrefersWebSocket(t *testing.T) {
	def := Definition{RPCURL: "http://a", WSURL: " ws://b "}
	if def.endpoint() != "ws://b" {
		t.Fatalf("unexpected endpoint %s", def.endpoint())
	}
	def.WSURL = ""
	if def.endpoint() != "http://a" {
		t.Fatalf("unexpected endpoint %s", def.endpoint())
	}
}

func TestRegistryRejectsBadDefinitions(t *testing.T) {
	cases := map[string]string{
		"empty":   "ledgers: {}\n",
		"role":    "ledgers:\n  x:\n    role: oracle\n    rpc_url: http://a\n",
		"type":    "ledgers:\n  x:\n    role: identity\n    type: grpc\n    rpc_url: http://a\n",
		"url":     "ledgers:\n  x:\n    role: identity\n",
		"garbage": "ledgers: [",
	}
	for name, content := range cases {
		if _, err := NewRegistry(writeFile(t, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadDefinitions("  ")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if defs.Ledgers == nil || len(defs.Ledgers) != 0 {
		t.Fatalf("expected empty definitions, got %+v", defs)
	}
}
