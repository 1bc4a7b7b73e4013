package repository

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
)

const auditColumns = `id, ts, level, event, COALESCE(job_id,''), COALESCE(action,''), COALESCE(target,''), COALESCE(session,''), COALESCE(duration_ms,0), COALESCE(summary,''), COALESCE(cmd_head,''), COALESCE(cmd_hash,''), COALESCE(cmd,''), COALESCE(prev_hash,''), hash`

// AuditRepo 审计事件存储。每行记录前一行的哈希，形成可校验的链。
type AuditRepo struct {
	db *sql.DB
	mu sync.Mutex // 串行化追加，保证链有序
}

func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

// AuditFilter 空字段表示忽略该条件
type AuditFilter struct {
	JobID  string
	Target string
	Level  domain.AuditLevel
	Limit  int
}

// ChainReport 链校验结果；BrokenAt 为 0 表示完好
type ChainReport struct {
	Checked  int    `json:"checked"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (c ChainReport) OK() bool { return c.BrokenAt == 0 }

// 参与哈希的规范化形式：去掉存储层字段，时间统一为 UTC
func canonical(ev domain.AuditEvent) ([]byte, error) {
	ev.ID = 0
	ev.PrevHash = ""
	ev.Hash = ""
	ev.Timestamp = parseTS(formatTS(ev.Timestamp))
	if ev.Command != nil && *ev.Command == (domain.CommandMeta{}) {
		ev.Command = nil
	}
	return json.Marshal(ev)
}

func chainHash(prev string, ev domain.AuditEvent) (string, error) {
	body, err := canonical(ev)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Insert 追加一条事件，并回填 ID/PrevHash/Hash
func (r *AuditRepo) Insert(ev *domain.AuditEvent) error {
	batch := []domain.AuditEvent{*ev}
	if err := r.InsertBatch(batch); err != nil {
		return err
	}
	*ev = batch[0]
	return nil
}

// InsertBatch 在一个事务内按顺序追加整批事件，就地回填 ID/PrevHash/Hash。
// 任一行失败则整批回滚。
func (r *AuditRepo) InsertBatch(evs []domain.AuditEvent) error {
	if len(evs) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// 以检查点为前驱：尾部被删后新行仍会在校验时暴露断链
	var prev string
	err = tx.QueryRow(`SELECT hash FROM audit_head WHERE id = 1`).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.QueryRow(`SELECT hash FROM audit_events ORDER BY id DESC LIMIT 1`).Scan(&prev)
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO audit_events(ts,level,event,job_id,action,target,session,duration_ms,summary,cmd_head,cmd_hash,cmd,prev_hash,hash)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	out := make([]domain.AuditEvent, len(evs))
	for i, ev := range evs {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		ev.Timestamp = parseTS(formatTS(ev.Timestamp))
		if ev.Command != nil && *ev.Command == (domain.CommandMeta{}) {
			ev.Command = nil
		}
		hash, err := chainHash(prev, ev)
		if err != nil {
			return err
		}
		var head, sum, text string
		if ev.Command != nil {
			head, sum, text = ev.Command.Head, ev.Command.Hash, ev.Command.Text
		}
		res, err := stmt.Exec(formatTS(ev.Timestamp), ev.Level, ev.Event, ev.JobID, ev.Action, ev.Target, ev.Session, ev.DurationMs, ev.Summary, head, sum, text, prev, hash)
		if err != nil {
			return fmt.Errorf("insert audit event %d/%d: %w", i+1, len(evs), err)
		}
		ev.ID, _ = res.LastInsertId()
		ev.PrevHash, ev.Hash = prev, hash
		out[i] = ev
		prev = hash
	}
	last := out[len(out)-1]
	if _, err := tx.Exec(`INSERT INTO audit_head(id,last_id,hash) VALUES (1,?,?)
		ON CONFLICT(id) DO UPDATE SET last_id = excluded.last_id, hash = excluded.hash`, last.ID, last.Hash); err != nil {
		return fmt.Errorf("update audit head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	copy(evs, out)
	return nil
}

func scanAudit(rows *sql.Rows) (domain.AuditEvent, error) {
	var (
		ev              domain.AuditEvent
		ts              string
		head, sum, text string
	)
	if err := rows.Scan(&ev.ID, &ts, &ev.Level, &ev.Event, &ev.JobID, &ev.Action, &ev.Target, &ev.Session, &ev.DurationMs, &ev.Summary, &head, &sum, &text, &ev.PrevHash, &ev.Hash); err != nil {
		return ev, err
	}
	ev.Timestamp = parseTS(ts)
	if head != "" || sum != "" || text != "" {
		ev.Command = &domain.CommandMeta{Head: head, Hash: sum, Text: text}
	}
	return ev, nil
}

func (r *AuditRepo) list(q string, args ...any) ([]domain.AuditEvent, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []domain.AuditEvent
	for rows.Next() {
		ev, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, ev)
	}
	return list, rows.Err()
}

// ListRecent 最新在前
func (r *AuditRepo) ListRecent(limit int) ([]domain.AuditEvent, error) {
	return r.ListFiltered(AuditFilter{Limit: limit})
}

// ListFiltered 按作业、目标（模糊）、级别过滤，最新在前
func (r *AuditRepo) ListFiltered(f AuditFilter) ([]domain.AuditEvent, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var (
		where strings.Builder
		args  []any
	)
	if f.JobID != "" {
		where.WriteString(" AND job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Target != "" {
		where.WriteString(" AND target LIKE ?")
		args = append(args, "%"+f.Target+"%")
	}
	if f.Level != "" {
		where.WriteString(" AND level = ?")
		args = append(args, f.Level)
	}
	args = append(args, f.Limit)
	return r.list(`SELECT `+auditColumns+` FROM audit_events WHERE 1=1`+where.String()+` ORDER BY id DESC LIMIT ?`, args...)
}

// VerifyChain 按 id 顺序重算哈希，报告第一处断链。
// 清理后最旧的一行以自身记录的 prev_hash 为锚点。
func (r *AuditRepo) VerifyChain() (ChainReport, error) {
	rows, err := r.db.Query(`SELECT ` + auditColumns + ` FROM audit_events ORDER BY id ASC`)
	if err != nil {
		return ChainReport{}, err
	}
	defer rows.Close()
	var (
		rep    ChainReport
		prev   string
		lastID int64
		first  = true
	)
	for rows.Next() {
		ev, err := scanAudit(rows)
		if err != nil {
			return rep, err
		}
		rep.Checked++
		if !first && ev.PrevHash != prev {
			rep.BrokenAt, rep.Reason = ev.ID, "prev_hash does not match previous row"
			return rep, nil
		}
		first = false
		want, err := chainHash(ev.PrevHash, ev)
		if err != nil {
			return rep, err
		}
		if want != ev.Hash {
			rep.BrokenAt, rep.Reason = ev.ID, "hash mismatch"
			return rep, nil
		}
		prev = ev.Hash
		lastID = ev.ID
	}
	if err := rows.Err(); err != nil {
		return rep, err
	}
	rows.Close()

	var head struct {
		id   int64
		hash string
	}
	err = r.db.QueryRow(`SELECT last_id, hash FROM audit_head WHERE id = 1`).Scan(&head.id, &head.hash)
	if errors.Is(err, sql.ErrNoRows) {
		// 旧库没有检查点
		return rep, nil
	}
	if err != nil {
		return rep, err
	}
	if head.id != lastID || head.hash != prev {
		rep.BrokenAt, rep.Reason = head.id, "newest rows missing or altered"
	}
	return rep, nil
}

// Cleanup 根据保留天数与最大行数裁剪，返回删除行数
func (r *AuditRepo) Cleanup(retentionDays, maxRows int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	if retentionDays > 0 {
		cutoff := formatTS(time.Now().AddDate(0, 0, -retentionDays))
		// 只删除链的前缀，且至少保留最新一行作为锚点
		res, err := r.db.Exec(`DELETE FROM audit_events
			WHERE id <= (SELECT MAX(id) FROM audit_events WHERE ts < ?)
			AND id < (SELECT MAX(id) FROM audit_events)`, cutoff)
		if err != nil {
			return total, fmt.Errorf("cleanup by age: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if maxRows > 0 {
		// 删除超过 maxRows 的最旧行
		res, err := r.db.Exec(`DELETE FROM audit_events WHERE id IN (SELECT id FROM audit_events ORDER BY id DESC LIMIT -1 OFFSET ?)`, maxRows)
		if err != nil {
			return total, fmt.Errorf("cleanup by rows: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
