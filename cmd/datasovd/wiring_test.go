package main

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sync/errgroup"

	"DataSov-Bridge/internal/auth"
	"DataSov-Bridge/internal/config"
	"DataSov-Bridge/internal/encryption"
	"DataSov-Bridge/internal/events"
)

func TestLoadSignerFromEnvAndFile(t *testing.T) {
	seed := strings.Repeat("ab", 32)
	raw, _ := hex.DecodeString(seed)
	want, err := encryption.KeypairFromSeed(raw)
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	t.Setenv(config.EnvSignerSeed, seed)
	got, err := loadSigner(config.LedgersConfig{})
	if err != nil {
		t.Fatalf("load from env: %v", err)
	}
	if got.Address() != want.Address() {
		t.Fatalf("unexpected signer %s", got.Address())
	}

	t.Setenv(config.EnvSignerSeed, "")
	path := filepath.Join(t.TempDir(), "signer.seed")
	if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	got, err = loadSigner(config.LedgersConfig{SignerSeedPath: path})
	if err != nil {
		t.Fatalf("load from file: %v", err)
	}
	if got.Address() != want.Address() {
		t.Fatalf("unexpected signer %s", got.Address())
	}
}

func TestLoadSignerRejectsBadSeed(t *testing.T) {
	t.Setenv(config.EnvSignerSeed, "not-hex")
	if _, err := loadSigner(config.LedgersConfig{}); err == nil {
		t.Fatalf("expected hex error")
	}
	t.Setenv(config.EnvSignerSeed, "abcd")
	if _, err := loadSigner(config.LedgersConfig{}); err == nil {
		t.Fatalf("expected seed length error")
	}
}

func TestLoadSignerFallsBackToEphemeral(t *testing.T) {
	t.Setenv(config.EnvSignerSeed, "")
	signer, err := loadSigner(config.LedgersConfig{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if signer.Address() == "" {
		t.Fatalf("expected generated signer")
	}
}

func TestBuildMemoryComponents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var g errgroup.Group

	ports, err := buildLedgers(ctx, &g, config.LedgersConfig{Driver: "memory", FeeBasisPoints: 250})
	if err != nil {
		t.Fatalf("ledgers: %v", err)
	}
	defer ports.close()
	if ports.identity == nil || ports.market == nil {
		t.Fatalf("memory ports not built")
	}
	if _, err := buildLedgers(ctx, &g, config.LedgersConfig{Driver: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}

	stream, err := buildEventStream(ctx, &config.Config{Events: config.EventsConfig{Driver: "memory", BufferSize: 4}})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if _, ok := stream.(*events.MemoryStream); !ok {
		t.Fatalf("expected memory stream, got %T", stream)
	}
	_ = stream.Close()

	store, closeStore, err := buildDocumentStore(ctx, config.StorageConfig{Documents: config.DocumentStoreConfig{Driver: "memory"}})
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	defer closeStore()
	if _, err := store.PutDocument(ctx, "ID_1", map[string]string{"a": "b"}, nil); err != nil {
		t.Fatalf("put document: %v", err)
	}

	storage, err := buildRevocationStorage(ctx, config.StorageConfig{Revocations: config.RevocationConfig{Driver: "memory"}})
	if err != nil {
		t.Fatalf("revocations: %v", err)
	}
	defer storage.close()
	if storage.registry == nil || storage.locker != nil {
		t.Fatalf("memory storage should have a registry and no distributed lock")
	}
}

func TestBuildRPCLedgersFromRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgers.yaml")
	content := "ledgers:\n  id:\n    role: identity\n    rpc_url: http://127.0.0.1:1\n  mk:\n    role: marketplace\n    rpc_url: http://127.0.0.1:2\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	var g errgroup.Group
	ports, err := buildLedgers(context.Background(), &g, config.LedgersConfig{
		Driver: "rpc", Registry: path, Identity: "id", Marketplace: "mk",
	})
	if err != nil {
		t.Fatalf("ledgers: %v", err)
	}
	defer ports.close()
	if ports.registry == nil {
		t.Fatalf("registry should be kept for shutdown")
	}

	if _, err := buildLedgers(context.Background(), &g, config.LedgersConfig{
		Driver: "rpc", Registry: path, Identity: "mk", Marketplace: "mk",
	}); err == nil {
		t.Fatalf("role mismatch should fail")
	}
}

func TestBuildAuth(t *testing.T) {
	svc, err := buildAuth(config.AuthConfig{Mode: "disabled"})
	if err != nil || svc.Enabled() {
		t.Fatalf("disabled auth: %v", err)
	}

	hash, err := auth.HashPassword("pw")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	svc, err = buildAuth(config.AuthConfig{
		Mode:            "jwt",
		Secret:          strings.Repeat("s", 32),
		TokenTTLSeconds: 60,
		Operators:       []config.OperatorConfig{{Name: "ops", PasswordHash: hash, Permissions: []string{auth.PermissionRead}}},
	})
	if err != nil {
		t.Fatalf("jwt auth: %v", err)
	}
	token, err := svc.Issue(context.Background(), "ops", "pw")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer "+token.AccessToken); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if _, err := buildAuth(config.AuthConfig{
		Mode:      "jwt",
		Secret:    strings.Repeat("s", 32),
		Operators: []config.OperatorConfig{{Name: "ops"}},
	}); err == nil {
		t.Fatalf("operator without hash should fail")
	}
}
