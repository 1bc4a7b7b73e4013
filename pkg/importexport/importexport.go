package importexport

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
)

// Format 目标清单文件格式
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatYAML Format = "yaml"
)

// DetectFormat 按扩展名判断，未知时返回空串
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".csv":
		return FormatCSV
	case ".yaml", ".yml":
		return FormatYAML
	}
	return ""
}

var csvHeader = []string{"alias", "host", "port", "user", "group", "auth_mode", "cred_ref", "secret"}

// Parse 解析目标清单并校验
func Parse(f Format, data []byte) ([]domain.TargetProfile, error) {
	var (
		ps  []domain.TargetProfile
		err error
	)
	switch f {
	case FormatJSON:
		ps, err = parseJSON(data)
	case FormatCSV:
		ps, err = parseCSV(data)
	case FormatYAML:
		ps, err = parseYAML(data)
	default:
		return nil, fmt.Errorf("unsupported format %q", f)
	}
	if err != nil {
		return nil, err
	}
	return ps, ValidateTargets(ps)
}

// JSON 序列化时 secret 字段被忽略，导入时单独读取
type jsonTarget struct {
	domain.TargetProfile
	Secret string `json:"secret,omitempty"`
}

func parseJSON(data []byte) ([]domain.TargetProfile, error) {
	var raw []jsonTarget
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return lo.FilterMap(raw, func(t jsonTarget, _ int) (domain.TargetProfile, bool) {
		p := t.TargetProfile
		p.Secret = t.Secret
		return p, strings.TrimSpace(p.Alias) != ""
	}), nil
}

func parseYAML(data []byte) ([]domain.TargetProfile, error) {
	var doc struct {
		Targets []domain.TargetProfile `yaml:"targets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return lo.Filter(doc.Targets, func(p domain.TargetProfile, _ int) bool {
		return strings.TrimSpace(p.Alias) != ""
	}), nil
}

// parseCSV 解析 CSV (可含 header)，列顺序见 csvHeader
func parseCSV(data []byte) ([]domain.TargetProfile, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	start := 0
	if len(rows) > 0 && len(rows[0]) > 0 && strings.EqualFold(strings.TrimSpace(rows[0][0]), "alias") {
		start = 1
	}
	var out []domain.TargetProfile
	for i := start; i < len(rows); i++ {
		cols := rows[i]
		col := func(n int) string {
			if n < len(cols) {
				return strings.TrimSpace(cols[n])
			}
			return ""
		}
		if col(0) == "" {
			continue
		}
		p := domain.TargetProfile{Alias: col(0), Host: col(1), User: col(3), Group: col(4), AuthMode: col(5), CredRef: col(6), Secret: col(7)}
		if s := col(2); s != "" {
			port, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid port %q", i+1, s)
			}
			p.Port = port
		}
		out = append(out, p)
	}
	return out, nil
}

// ValidateTargets 校验必填项、端口范围与别名唯一
func ValidateTargets(ps []domain.TargetProfile) error {
	var errs []error
	for _, p := range ps {
		if strings.TrimSpace(p.Host) == "" {
			errs = append(errs, fmt.Errorf("target %s: empty host", p.Alias))
		}
		if p.Port < 0 || p.Port > 65535 {
			errs = append(errs, fmt.Errorf("target %s: port %d out of range", p.Alias, p.Port))
		}
		if m := p.AuthMode; m != "" && m != domain.AuthKey && m != domain.AuthPassword {
			errs = append(errs, fmt.Errorf("target %s: unknown auth_mode %q", p.Alias, m))
		}
	}
	for _, dup := range lo.FindDuplicatesBy(ps, func(p domain.TargetProfile) string { return p.Alias }) {
		errs = append(errs, fmt.Errorf("duplicate alias %s", dup.Alias))
	}
	return errors.Join(errs...)
}

// Render 输出目标清单；withSecrets=false 时凭据被去掉
func Render(f Format, ps []domain.TargetProfile, withSecrets bool) ([]byte, error) {
	if !withSecrets {
		ps = Redact(ps)
	}
	switch f {
	case FormatJSON:
		raw := lo.Map(ps, func(p domain.TargetProfile, _ int) jsonTarget { return jsonTarget{TargetProfile: p, Secret: p.Secret} })
		return json.MarshalIndent(raw, "", "  ")
	case FormatYAML:
		return yaml.Marshal(map[string]any{"targets": ps})
	case FormatCSV:
		var b bytes.Buffer
		w := csv.NewWriter(&b)
		_ = w.Write(csvHeader)
		for _, p := range ps {
			port := ""
			if p.Port > 0 {
				port = strconv.Itoa(p.Port)
			}
			_ = w.Write([]string{p.Alias, p.Host, port, p.User, p.Group, p.AuthMode, p.CredRef, p.Secret})
		}
		w.Flush()
		return b.Bytes(), w.Error()
	}
	return nil, fmt.Errorf("unsupported format %q", f)
}

// Redact 返回去掉凭据的副本
func Redact(ps []domain.TargetProfile) []domain.TargetProfile {
	return lo.Map(ps, func(p domain.TargetProfile, _ int) domain.TargetProfile {
		p.Secret = ""
		return p
	})
}
