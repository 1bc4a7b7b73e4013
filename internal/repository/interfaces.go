package repository

import "github.com/QingMing-Bot/fleet-orchestrator/internal/domain"

// TargetStore 抽象目标仓库。
type TargetStore interface {
	GetByAlias(string) (domain.TargetProfile, error)
	GetByIDs([]int64) ([]domain.TargetProfile, error)
	GetByAliases([]string) ([]domain.TargetProfile, error)
	ListAll() ([]domain.TargetProfile, error)
	ListByGroup(string) ([]domain.TargetProfile, error)
	SearchByAlias(string) ([]domain.TargetProfile, error)
	Save(*domain.TargetProfile) error
	BulkUpsert([]domain.TargetProfile) error
	DeleteByAlias(string) error
}

// AuditLog 抽象审计仓库。
type AuditLog interface {
	Insert(*domain.AuditEvent) error
	InsertBatch([]domain.AuditEvent) error
	ListRecent(int) ([]domain.AuditEvent, error)
	ListFiltered(AuditFilter) ([]domain.AuditEvent, error)
	VerifyChain() (ChainReport, error)
	Cleanup(int, int) (int64, error)
}

// 编译期断言本地实现满足接口
var _ TargetStore = (*TargetRepo)(nil)
var _ AuditLog = (*AuditRepo)(nil)
