package domain

import (
	"net"
	"strconv"
	"time"
)

// 认证方式
const (
	AuthKey      = "key"
	AuthPassword = "password"
)

// TargetProfile 统一的目标主机模型（作业期间只读）
type TargetProfile struct {
	ID        int64     `json:"id" yaml:"id"`
	Alias     string    `json:"alias" yaml:"alias"`
	Group     string    `json:"group,omitempty" yaml:"group,omitempty"`
	User      string    `json:"user" yaml:"user"`
	Host      string    `json:"host" yaml:"host"`
	Port      int       `json:"port,omitempty" yaml:"port,omitempty"`
	AuthMode  string    `json:"auth_mode,omitempty" yaml:"auth_mode,omitempty"` // key(默认) | password
	CredRef   string    `json:"cred_ref,omitempty" yaml:"cred_ref,omitempty"`   // 凭据引用名，仅用于展示与审计
	Secret    string    `json:"-" yaml:"secret,omitempty"`                      // 私钥或密码（不序列化到 JSON）
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
}

// Addr 返回 host:port，端口缺省 22
func (p TargetProfile) Addr() string {
	port := p.Port
	if port <= 0 {
		port = 22
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

// Mode 返回生效的认证方式
func (p TargetProfile) Mode() string {
	if p.AuthMode == "" {
		return AuthKey
	}
	return p.AuthMode
}

// TargetID 作业内的目标标识：优先别名
func (p TargetProfile) TargetID() string {
	if p.Alias != "" {
		return p.Alias
	}
	return strconv.FormatInt(p.ID, 10)
}
