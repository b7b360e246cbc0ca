package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRedactHidesSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newHandler("json", &buf, &slog.HandlerOptions{ReplaceAttr: redact}))
	log.Info("loaded", slog.String("signer_seed", "deadbeef"), slog.String("identity_id", "ID_1"), slog.String("DSN", "root:pw@tcp(db)/x"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["signer_seed"] != redacted || entry["DSN"] != redacted {
		t.Fatalf("secrets leaked: %v", entry)
	}
	if entry["identity_id"] != "ID_1" {
		t.Fatalf("regular attribute changed: %v", entry)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newHandler("TEXT", &buf, &slog.HandlerOptions{}))
	log.Info("hello", slog.String("component", "bridge"))
	if !strings.Contains(buf.String(), "component=bridge") {
		t.Fatalf("unexpected text output %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestServiceAttrs(t *testing.T) {
	if attrs := serviceAttrs(Config{}); len(attrs) != 0 {
		t.Fatalf("expected no attrs, got %v", attrs)
	}
	if attrs := serviceAttrs(Config{Service: "datasovd", Version: "1.0"}); len(attrs) != 2 {
		t.Fatalf("expected two attrs, got %v", attrs)
	}
}

func TestAuditWriterRotates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	path := filepath.Join(dir, "audit.log")
	w, err := newAuditWriter(AuditConfig{Enabled: true, Path: path})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()
	if w.MaxSize != 100 || w.MaxBackups != 7 || w.MaxAge != 30 {
		t.Fatalf("defaults not applied: %+v", w)
	}

	if _, err := w.Write([]byte("first\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := w.Write([]byte("second\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	backups, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected one backup, got %v", backups)
	}
	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("active file missing: %v", err)
	}
	if string(current) != "second\n" {
		t.Fatalf("unexpected active content %q", current)
	}

	if _, err := newAuditWriter(AuditConfig{Enabled: true}); err == nil {
		t.Fatalf("empty path should fail")
	}
}
