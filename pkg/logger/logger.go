// Package logger 提供全局 slog 日志器与审计日志器。
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	// Service 和 Version 会附加到每一条日志。
	Service string
	Version string
	Audit   AuditConfig
}

const redacted = "[REDACTED]"

// sensitiveKeys 中的字段在任何日志中都只输出占位符。
var sensitiveKeys = map[string]struct{}{
	"seed":          {},
	"signer_seed":   {},
	"private_key":   {},
	"master_key":    {},
	"password":      {},
	"dsn":           {},
	"personal_info": {},
	"plaintext":     {},
}

// loggers 是一次 Init 的产物。fallback 为 true 表示尚未显式初始化。
type loggers struct {
	app      *slog.Logger
	audit    *slog.Logger
	closers  []io.Closer
	fallback bool
}

var (
	mu      sync.RWMutex
	current *loggers
)

// Init configures the global loggers. It may run once; a lazily created
// stdout fallback is replaced.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if current != nil && !current.fallback {
		return errors.New("logger already initialised")
	}
	built, err := build(cfg)
	if err != nil {
		return err
	}
	current = built
	return nil
}

func build(cfg Config) (*loggers, error) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true, ReplaceAttr: redact}
	out := &loggers{}

	writer, err := openOutputs(cfg.OutputPaths, &out.closers)
	if err != nil {
		closeAll(out.closers)
		return nil, err
	}
	out.app = slog.New(newHandler(cfg.Format, writer, opts)).With(serviceAttrs(cfg)...)

	if !cfg.Audit.Enabled {
		out.audit = out.app.With(slog.Bool("audit", true))
		return out, nil
	}
	auditWriter, err := newAuditWriter(cfg.Audit)
	if err != nil {
		closeAll(out.closers)
		return nil, err
	}
	out.closers = append(out.closers, auditWriter)
	auditHandler := slog.NewJSONHandler(auditWriter, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: redact})
	out.audit = slog.New(auditHandler).With(serviceAttrs(cfg)...)
	return out, nil
}

func serviceAttrs(cfg Config) []any {
	var attrs []any
	if cfg.Service != "" {
		attrs = append(attrs, slog.String("service", cfg.Service))
	}
	if cfg.Version != "" {
		attrs = append(attrs, slog.String("version", cfg.Version))
	}
	return attrs
}

func redact(_ []string, attr slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(attr.Key)]; ok {
		return slog.String(attr.Key, redacted)
	}
	return attr
}

func newHandler(format string, writer io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts)
	}
	return slog.NewJSONHandler(writer, opts)
}

// openOutputs 支持 stdout、stderr 与文件路径，多个输出合并为一个 writer。
func openOutputs(paths []string, closers *[]io.Closer) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		switch strings.ToLower(path) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", path, err)
			}
			*closers = append(*closers, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func get() *loggers {
	mu.RLock()
	l := current
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = &loggers{
			app:      slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{ReplaceAttr: redact})),
			fallback: true,
		}
		current.audit = current.app.With(slog.Bool("audit", true))
	}
	return current
}

// L returns the structured logger instance.
func L() *slog.Logger {
	return get().app
}

// Audit returns the audit logger. Revocations, sync passes and operator
// access end up here.
func Audit() *slog.Logger {
	return get().audit
}

// Named returns a child logger tagged with the component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync closes file outputs and the audit writer.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil
	}
	err := closeAll(current.closers)
	current.closers = nil
	return err
}

func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	return err
}
