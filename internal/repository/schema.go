package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("not found")

// 时间统一存为定宽 UTC 字符串，保证字符串比较与时间先后一致
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(tsLayout, s); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC()
	}
	return time.Time{}
}

var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS targets(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alias TEXT NOT NULL UNIQUE,
		host TEXT NOT NULL,
		user TEXT,
		created_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS audit_events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		level TEXT NOT NULL,
		event TEXT NOT NULL,
		job_id TEXT,
		action TEXT,
		target TEXT,
		session TEXT,
		duration_ms INTEGER,
		summary TEXT,
		cmd_head TEXT,
		cmd_hash TEXT,
		cmd TEXT,
		prev_hash TEXT,
		hash TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_job ON audit_events(job_id)`,
	// 链头检查点：记录最新一行，用于发现尾部被删
	`CREATE TABLE IF NOT EXISTS audit_head(
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_id INTEGER NOT NULL,
		hash TEXT NOT NULL
	)`,
}

// 后加的列；老库通过 ALTER 补齐
var alterStatements = []string{
	"ALTER TABLE targets ADD COLUMN grp TEXT",
	"ALTER TABLE targets ADD COLUMN port INTEGER",
	"ALTER TABLE targets ADD COLUMN auth_mode TEXT",
	"ALTER TABLE targets ADD COLUMN cred_ref TEXT",
	"ALTER TABLE targets ADD COLUMN secret TEXT",
}

// EnsureSchema 建表并补齐缺失列（幂等）
func EnsureSchema(db *sql.DB) error {
	for _, stmt := range createStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	for _, stmt := range alterStatements {
		if _, err := db.Exec(stmt); err != nil {
			// sqlite 不支持 ADD COLUMN IF NOT EXISTS，列已存在时忽略
			if !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
				return fmt.Errorf("migrate schema: %w", err)
			}
		}
	}
	return nil
}

// Open 打开 sqlite 文件并建表
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
