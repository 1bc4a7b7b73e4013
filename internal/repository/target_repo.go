package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
	"github.com/QingMing-Bot/fleet-orchestrator/pkg/secret"
)

const targetColumns = `id, alias, COALESCE(grp,''), COALESCE(user,''), host, COALESCE(port,0), COALESCE(auth_mode,''), COALESCE(cred_ref,''), COALESCE(secret,''), COALESCE(created_at,'')`

// MissingTargetsError 按 id 或别名查询时部分目标不存在
type MissingTargetsError struct {
	Keys []string
}

func (e *MissingTargetsError) Error() string {
	return "unknown targets: " + strings.Join(e.Keys, ", ")
}

func (e *MissingTargetsError) Unwrap() error { return ErrNotFound }

type TargetRepo struct {
	db     *sql.DB
	cipher *secret.Cipher
}

// NewTargetRepo cipher 为 nil 时凭据以明文存储
func NewTargetRepo(db *sql.DB, cipher *secret.Cipher) *TargetRepo {
	return &TargetRepo{db: db, cipher: cipher}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *TargetRepo) scan(row rowScanner) (domain.TargetProfile, error) {
	var (
		p       domain.TargetProfile
		created string
	)
	if err := row.Scan(&p.ID, &p.Alias, &p.Group, &p.User, &p.Host, &p.Port, &p.AuthMode, &p.CredRef, &p.Secret, &created); err != nil {
		return domain.TargetProfile{}, err
	}
	p.CreatedAt = parseTS(created)
	if p.Secret != "" {
		plain, err := r.cipher.DecryptString(p.Secret)
		if err != nil {
			return domain.TargetProfile{}, fmt.Errorf("target %s: %w", p.Alias, err)
		}
		p.Secret = plain
	}
	return p, nil
}

func (r *TargetRepo) query(q string, args ...any) ([]domain.TargetProfile, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []domain.TargetProfile
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func (r *TargetRepo) GetByAlias(alias string) (domain.TargetProfile, error) {
	p, err := r.scan(r.db.QueryRow(`SELECT `+targetColumns+` FROM targets WHERE alias = ? LIMIT 1`, alias))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TargetProfile{}, fmt.Errorf("target %q: %w", alias, ErrNotFound)
	}
	return p, err
}

// GetByIDs 按调用方给出的顺序返回；缺失的 id 以 MissingTargetsError 报告
func (r *TargetRepo) GetByIDs(ids []int64) ([]domain.TargetProfile, error) {
	if len(ids) == 0 {
		return []domain.TargetProfile{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	list, err := r.query(`SELECT `+targetColumns+` FROM targets WHERE id IN (`+placeholders+`)`, lo.ToAnySlice(ids)...)
	if err != nil {
		return nil, err
	}
	byID := lo.KeyBy(list, func(p domain.TargetProfile) int64 { return p.ID })
	return ordered(ids, byID, func(id int64) string { return fmt.Sprint(id) })
}

// GetByAliases 同 GetByIDs，以别名为键
func (r *TargetRepo) GetByAliases(aliases []string) ([]domain.TargetProfile, error) {
	if len(aliases) == 0 {
		return []domain.TargetProfile{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(aliases)), ",")
	list, err := r.query(`SELECT `+targetColumns+` FROM targets WHERE alias IN (`+placeholders+`)`, lo.ToAnySlice(aliases)...)
	if err != nil {
		return nil, err
	}
	byAlias := lo.KeyBy(list, func(p domain.TargetProfile) string { return p.Alias })
	return ordered(aliases, byAlias, func(a string) string { return a })
}

func ordered[K comparable](keys []K, found map[K]domain.TargetProfile, name func(K) string) ([]domain.TargetProfile, error) {
	out := make([]domain.TargetProfile, 0, len(keys))
	var missing []string
	for _, k := range keys {
		p, ok := found[k]
		if !ok {
			missing = append(missing, name(k))
			continue
		}
		out = append(out, p)
	}
	if len(missing) > 0 {
		return nil, &MissingTargetsError{Keys: missing}
	}
	return out, nil
}

// ListAll 返回全部目标（用于导出）
func (r *TargetRepo) ListAll() ([]domain.TargetProfile, error) {
	return r.query(`SELECT ` + targetColumns + ` FROM targets ORDER BY id ASC`)
}

func (r *TargetRepo) ListByGroup(group string) ([]domain.TargetProfile, error) {
	return r.query(`SELECT `+targetColumns+` FROM targets WHERE grp = ? ORDER BY id ASC`, group)
}

// SearchByAlias 别名模糊匹配；空串返回全部
func (r *TargetRepo) SearchByAlias(kw string) ([]domain.TargetProfile, error) {
	return r.query(`SELECT `+targetColumns+` FROM targets WHERE alias LIKE ? ORDER BY id DESC`, "%"+kw+"%")
}

// Save 以 alias 为唯一键插入或更新
func (r *TargetRepo) Save(p *domain.TargetProfile) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	if err := r.upsert(tx, p); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// BulkUpsert 批量插入/更新，单个事务提交
func (r *TargetRepo) BulkUpsert(ps []domain.TargetProfile) error {
	if len(ps) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	for i := range ps {
		if err := r.upsert(tx, &ps[i]); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (r *TargetRepo) upsert(tx *sql.Tx, p *domain.TargetProfile) error {
	p.Alias = strings.TrimSpace(p.Alias)
	if p.Alias == "" || strings.TrimSpace(p.Host) == "" {
		return errors.New("target alias and host are required")
	}
	enc, err := r.cipher.EncryptString(p.Secret)
	if err != nil {
		return fmt.Errorf("encrypt secret for %s: %w", p.Alias, err)
	}
	var exID int64
	err = tx.QueryRow(`SELECT id FROM targets WHERE alias = ? LIMIT 1`, p.Alias).Scan(&exID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if exID == 0 {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
		res, err := tx.Exec(`INSERT INTO targets (alias, grp, user, host, port, auth_mode, cred_ref, secret, created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
			p.Alias, p.Group, p.User, p.Host, p.Port, p.AuthMode, p.CredRef, enc, formatTS(p.CreatedAt))
		if err != nil {
			return err
		}
		p.ID, _ = res.LastInsertId()
		return nil
	}
	if _, err := tx.Exec(`UPDATE targets SET grp=?, user=?, host=?, port=?, auth_mode=?, cred_ref=?, secret=? WHERE id=?`,
		p.Group, p.User, p.Host, p.Port, p.AuthMode, p.CredRef, enc, exID); err != nil {
		return err
	}
	p.ID = exID
	return nil
}

// DeleteByAlias 根据别名删除
func (r *TargetRepo) DeleteByAlias(alias string) error {
	if strings.TrimSpace(alias) == "" {
		return errors.New("empty alias")
	}
	res, err := r.db.Exec(`DELETE FROM targets WHERE alias=?`, alias)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("target %q: %w", alias, ErrNotFound)
	}
	return nil
}
