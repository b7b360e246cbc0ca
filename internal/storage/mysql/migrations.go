package mysql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"DataSov-Bridge/deploy/migrations"
)

const (
	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    checksum CHAR(64) NOT NULL,
    applied_at BIGINT NOT NULL
)`
	selectMigrationsSQL = `SELECT version, checksum FROM schema_migrations`
	insertMigrationSQL  = `INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`
)

// schemaSource 默认指向 deploy/migrations 中嵌入的 SQL 文件。
var schemaSource fs.FS = migrations.Files

// migration 对应一个 NNNN_name.sql 文件。checksum 为文件内容的 SHA-256，
// 已应用的版本若内容被改动，启动会失败而不是静默跳过。
type migration struct {
	version    string
	file       string
	checksum   string
	statements []string
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	pending, err := readMigrations(schemaSource)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	applied, err := appliedChecksums(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range pending {
		sum, done := applied[m.version]
		if done {
			if sum != m.checksum {
				return fmt.Errorf("迁移 %s 已应用但文件内容已变化 (记录 %s, 当前 %s)", m.file, short(sum), short(m.checksum))
			}
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func appliedChecksums(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, selectMigrationsSQL)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = checksum
	}
	return applied, rows.Err()
}

func apply(ctx context.Context, db *sql.DB, m migration) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 第 %d 条语句失败: %w", m.file, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx, insertMigrationSQL, m.version, m.checksum, time.Now().Unix()); err != nil {
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

// readMigrations 按版本号排序返回 src 根目录下的全部 .sql 文件，版本号重复视为错误。
func readMigrations(src fs.FS) ([]migration, error) {
	names, err := fs.Glob(src, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	slices.Sort(names)

	var out []migration
	seen := make(map[string]string, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(src, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		version, _, ok := strings.Cut(strings.TrimSuffix(path.Base(name), ".sql"), "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("迁移文件名 %s 不符合 NNNN_name.sql", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移版本 %s 重复: %s 与 %s", version, prev, name)
		}
		seen[version] = name

		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		sum := sha256.Sum256(content)
		out = append(out, migration{
			version:    version,
			file:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}
	return out, nil
}

// splitSQLStatements 按分号切分，忽略空语句和 -- 注释行。
func splitSQLStatements(content string) []string {
	var body strings.Builder
	for line := range strings.Lines(content) {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
	}
	var statements []string
	for stmt := range strings.SplitSeq(body.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
