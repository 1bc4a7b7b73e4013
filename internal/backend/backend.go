package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
	"github.com/QingMing-Bot/fleet-orchestrator/internal/repository"
	"github.com/QingMing-Bot/fleet-orchestrator/internal/service"
	"github.com/QingMing-Bot/fleet-orchestrator/pkg/importexport"
)

// ErrNoTargets 作业没有选中任何目标
var ErrNoTargets = errors.New("no targets selected")

// Defaults 作业参数缺省值（来自配置）
type Defaults struct {
	Concurrency int
	TimeoutMs   int64
}

// JobSpec 前端（CLI / HTTP）提交的作业描述：目标以别名或分组引用
type JobSpec struct {
	Action            domain.ActionKind `json:"action"`
	Payload           string            `json:"payload"`
	Targets           []string          `json:"targets,omitempty"`
	Group             string            `json:"group,omitempty"`
	Concurrency       int               `json:"concurrency,omitempty"`
	TimeoutMs         int64             `json:"timeout_ms,omitempty"`
	AuditPolicy       string            `json:"audit_policy,omitempty"`
	ConfirmDisruptive bool              `json:"confirm_disruptive,omitempty"`
	AckFullAudit      bool              `json:"ack_full_audit,omitempty"`
	AbortInFlight     bool              `json:"abort_in_flight,omitempty"`
}

// JobView 作业查询结果
type JobView struct {
	ID       string                `json:"id"`
	Action   domain.ActionKind     `json:"action"`
	Canceled bool                  `json:"cancel_requested"`
	Summary  domain.JobSummary     `json:"summary"`
	Results  []domain.TargetResult `json:"results"`
}

// Backend 前端共用的门面：目标管理、作业、审计
type Backend struct {
	targets  repository.TargetStore
	audit    repository.AuditLog
	orch     *service.Orchestrator
	defaults Defaults
	log      *slog.Logger
	closers  []func()
}

func NewBackend(targets repository.TargetStore, audit repository.AuditLog, orch *service.Orchestrator, defaults Defaults, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{targets: targets, audit: audit, orch: orch, defaults: defaults, log: log}
}

// ListTargets 全量或按分组列出
func (b *Backend) ListTargets(group string) ([]domain.TargetProfile, error) {
	if group != "" {
		return b.targets.ListByGroup(group)
	}
	return b.targets.ListAll()
}

// UpsertTarget 保存或更新
func (b *Backend) UpsertTarget(p domain.TargetProfile) (domain.TargetProfile, error) {
	if err := importexport.ValidateTargets([]domain.TargetProfile{p}); err != nil {
		return domain.TargetProfile{}, err
	}
	err := b.targets.Save(&p)
	return p, err
}

// DeleteTarget 删除
func (b *Backend) DeleteTarget(alias string) error { return b.targets.DeleteByAlias(alias) }

// ImportTargets 导入 (format=json|csv|yaml)
func (b *Backend) ImportTargets(data []byte, format importexport.Format) (int, error) {
	ps, err := importexport.Parse(format, data)
	if err != nil {
		return 0, err
	}
	if err := b.targets.BulkUpsert(ps); err != nil {
		return 0, err
	}
	return len(ps), nil
}

// ExportTargets 导出；withSecrets=false 时去掉凭据
func (b *Backend) ExportTargets(format importexport.Format, withSecrets bool) ([]byte, error) {
	list, err := b.targets.ListAll()
	if err != nil {
		return nil, err
	}
	return importexport.Render(format, list, withSecrets)
}

// Resolve 把 JobSpec 转换为 JobRequest：加载目标、填充缺省值
func (b *Backend) Resolve(spec JobSpec) (domain.JobRequest, error) {
	policy, ok := domain.ParseAuditPolicy(spec.AuditPolicy)
	if !ok {
		return domain.JobRequest{}, &domain.ValidationError{Problems: []domain.FieldProblem{{Field: "audit_policy", Reason: "unknown policy " + spec.AuditPolicy}}}
	}
	targets, err := b.selectTargets(spec)
	if err != nil {
		return domain.JobRequest{}, err
	}
	req := domain.JobRequest{
		Action:            spec.Action,
		Payload:           spec.Payload,
		Targets:           targets,
		Concurrency:       lo.Ternary(spec.Concurrency > 0, spec.Concurrency, b.defaults.Concurrency),
		TimeoutMs:         lo.Ternary(spec.TimeoutMs > 0, spec.TimeoutMs, b.defaults.TimeoutMs),
		AuditPolicy:       policy,
		ConfirmDisruptive: spec.ConfirmDisruptive,
		AckFullAudit:      spec.AckFullAudit,
		AbortInFlight:     spec.AbortInFlight,
	}
	// 并发不超过目标数
	if n := len(req.Targets); n > 0 && req.Concurrency > n {
		req.Concurrency = n
	}
	return req, nil
}

func (b *Backend) selectTargets(spec JobSpec) ([]domain.TargetProfile, error) {
	aliases := lo.Compact(lo.Map(spec.Targets, func(s string, _ int) string { return strings.TrimSpace(s) }))
	var (
		list []domain.TargetProfile
		err  error
	)
	switch {
	case len(aliases) > 0:
		list, err = b.targets.GetByAliases(lo.Uniq(aliases))
		if err == nil && spec.Group != "" {
			list = lo.Filter(list, func(p domain.TargetProfile, _ int) bool { return p.Group == spec.Group })
		}
	case spec.Group != "":
		list, err = b.targets.ListByGroup(spec.Group)
	default:
		return nil, ErrNoTargets
	}
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNoTargets
	}
	return list, nil
}

// PrepareJob 校验并登记作业，调用方决定何时 Start
func (b *Backend) PrepareJob(spec JobSpec) (*service.JobHandle, error) {
	req, err := b.Resolve(spec)
	if err != nil {
		return nil, err
	}
	return b.orch.Prepare(req)
}

// SubmitJob 校验并立即启动
func (b *Backend) SubmitJob(spec JobSpec) (*service.JobHandle, error) {
	h, err := b.PrepareJob(spec)
	if err != nil {
		return nil, err
	}
	h.Start()
	return h, nil
}

// Job 查询作业状态快照
func (b *Backend) Job(id string) (JobView, error) {
	h, ok := b.orch.Get(id)
	if !ok {
		return JobView{}, fmt.Errorf("job %s: %w", id, service.ErrJobNotFound)
	}
	return view(h), nil
}

func view(h *service.JobHandle) JobView {
	return JobView{ID: h.ID, Action: h.Request().Action, Canceled: h.Canceled(), Summary: h.Summary(), Results: h.Results()}
}

// Jobs 当前登记的作业
func (b *Backend) Jobs() []domain.JobSummary { return b.orch.Jobs() }

// Handle 取作业句柄（用于订阅事件）
func (b *Backend) Handle(id string) (*service.JobHandle, error) {
	h, ok := b.orch.Get(id)
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, service.ErrJobNotFound)
	}
	return h, nil
}

// CancelJob 取消指定 job；未知 id 返回 ErrJobNotFound
func (b *Backend) CancelJob(id string) (bool, error) {
	h, ok := b.orch.Get(id)
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, service.ErrJobNotFound)
	}
	return b.orch.Cancel(h), nil
}

// WaitJob 等待作业结束
func (b *Backend) WaitJob(ctx context.Context, id string) (JobView, error) {
	h, err := b.Handle(id)
	if err != nil {
		return JobView{}, err
	}
	if _, err := h.Wait(ctx); err != nil {
		return view(h), err
	}
	return view(h), nil
}

// RecentAudit 审计列表
func (b *Backend) RecentAudit(f repository.AuditFilter) ([]domain.AuditEvent, error) {
	return b.audit.ListFiltered(f)
}

// VerifyAudit 校验审计哈希链
func (b *Backend) VerifyAudit() (repository.ChainReport, error) { return b.audit.VerifyChain() }

// PruneAudit 裁剪审计
func (b *Backend) PruneAudit(retentionDays, maxRows int) (int64, error) {
	return b.audit.Cleanup(retentionDays, maxRows)
}

// Shutdown 取消运行中的作业并释放资源（逆序）
func (b *Backend) Shutdown() {
	if b.orch != nil {
		b.orch.Close()
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
