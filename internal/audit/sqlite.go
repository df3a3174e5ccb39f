package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/betbot/gorecon/internal/domain"
)

// SQLiteSink 把审计记录写入 SQLite，供事后取证
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite 打开（必要时创建）审计库
func OpenSQLite(path string) (*SQLiteSink, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("audit db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir audit db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS audit_entries (
  id TEXT PRIMARY KEY,
  ts TEXT NOT NULL,
  ts_unix_nano INTEGER NOT NULL DEFAULT 0,
  action TEXT NOT NULL,
  ticket INTEGER NOT NULL DEFAULT 0,
  payload TEXT
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if err := s.ensureUnixNanoColumn(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_ts_unix_nano ON audit_entries(ts_unix_nano);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entries_ticket ON audit_entries(ticket);`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ensureUnixNanoColumn 旧库只有文本 ts 列：补上 ts_unix_nano 并回填。
// 排序和 Since 过滤只用整数列。
func (s *SQLiteSink) ensureUnixNanoColumn(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(audit_entries)`)
	if err != nil {
		return err
	}
	has := false
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			_ = rows.Close()
			return err
		}
		if name == "ts_unix_nano" {
			has = true
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if has {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `ALTER TABLE audit_entries ADD COLUMN ts_unix_nano INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	old, err := s.db.QueryContext(ctx, `SELECT id, ts FROM audit_entries`)
	if err != nil {
		return err
	}
	type backfill struct {
		id string
		ns int64
	}
	var pending []backfill
	for old.Next() {
		var id, ts string
		if err := old.Scan(&id, &ts); err != nil {
			_ = old.Close()
			return err
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			pending = append(pending, backfill{id: id, ns: t.UnixNano()})
		}
	}
	if err := old.Close(); err != nil {
		return err
	}
	for _, b := range pending {
		if _, err := s.db.ExecContext(ctx, `UPDATE audit_entries SET ts_unix_nano=? WHERE id=?`, b.ns, b.id); err != nil {
			return err
		}
	}
	log.Infof("[审计] 已回填 %d 条记录的 ts_unix_nano", len(pending))
	return nil
}

// Close 关闭数据库
func (s *SQLiteSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Write 在一个事务里写入一批记录（重复 ID 忽略）
func (s *SQLiteSink) Write(ctx context.Context, entries []domain.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO audit_entries (id, ts, ts_unix_nano, action, ticket, payload)
VALUES (?,?,?,?,?,?)
`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var payload sql.NullString
		if len(e.Payload) > 0 {
			b, err := json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("marshal payload %s: %w", e.ID, err)
			}
			payload = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.Timestamp.UTC().Format(tsLayout), e.Timestamp.UnixNano(), string(e.Action), e.Ticket, payload); err != nil {
			return fmt.Errorf("insert audit %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// tsLayout 定宽的文本时间，只供人工查看；排序和过滤用 ts_unix_nano
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Query 查询条件
type Query struct {
	Action domain.AuditAction // 为空表示不过滤
	Ticket int64              // 0 表示不过滤
	Since  time.Time          // 零值表示不过滤
	Limit  int                // <= 0 时默认 100
}

// Find 按条件查询，从新到旧返回
func (s *SQLiteSink) Find(ctx context.Context, q Query) ([]domain.AuditEntry, error) {
	where := []string{"1=1"}
	args := []any{}
	if q.Action != "" {
		where = append(where, "action=?")
		args = append(args, string(q.Action))
	}
	if q.Ticket != 0 {
		where = append(where, "ticket=?")
		args = append(args, q.Ticket)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts_unix_nano>=?")
		args = append(args, q.Since.UnixNano())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
SELECT id, ts_unix_nano, action, ticket, payload
FROM audit_entries
WHERE `+strings.Join(where, " AND ")+`
ORDER BY ts_unix_nano DESC, rowid DESC
LIMIT ?
`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	out := []domain.AuditEntry{}
	for rows.Next() {
		var (
			e       domain.AuditEntry
			ns      int64
			action  string
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &ns, &action, &e.Ticket, &payload); err != nil {
			return nil, err
		}
		e.Action = domain.AuditAction(action)
		e.Timestamp = time.Unix(0, ns).UTC()
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode payload %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count 记录总数
func (s *SQLiteSink) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
