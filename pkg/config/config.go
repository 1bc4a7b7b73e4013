package config

// 统一配置加载：.env（可选）+ 环境变量 + 默认值。CLI flag 在解析后覆盖其中部分字段。

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config 保存运行时关键参数。
type Config struct {
	DataDir            string // 数据目录
	DefaultConcurrency int    // 作业默认并发 C
	DefaultTimeoutMs   int64  // 单目标默认超时
	DialTimeout        time.Duration
	PreviewLimit       int // stdout/stderr 预览字节上限

	AuditRetentionDays int
	AuditMaxRows       int
	AuditFlushInterval int // 秒
	AuditBatchSize     int
	AuditQueueSize     int    // 写入队列容量，应不小于单个作业的事件量
	AuditFile          string // 为空则不写 JSONL 审计文件

	LogFile  string
	LogLevel string

	KnownHosts string // 为空则不校验主机指纹
	SecretKey  string // 凭据加密主密钥；为空则明文存储
	ListenAddr string
}

var (
	once   sync.Once
	global *Config
)

// Load 读取全局配置（只初始化一次）。
// 环境变量（前缀 FLEET_）：
//
//	FLEET_DATA_DIR             数据目录 (默认 data)
//	FLEET_DEFAULT_CONCURRENCY  默认并发 (默认 8)
//	FLEET_DEFAULT_TIMEOUT_MS   单目标超时 (默认 30000)
//	FLEET_KNOWN_HOSTS          known_hosts 路径
//	FLEET_SECRET_KEY           凭据加密主密钥
//	FLEET_LISTEN_ADDR          serve 监听地址 (默认 :8080)
func Load() *Config {
	once.Do(func() {
		_ = godotenv.Load() // .env 不存在时忽略
		global = Parse(os.Getenv)
		_ = os.MkdirAll(global.DataDir, 0o755)
	})
	return global
}

// Parse 从给定的查找函数构造配置，不读写文件
func Parse(getenv func(string) string) *Config {
	e := env(getenv)
	return &Config{
		DataDir:            e.str("FLEET_DATA_DIR", "data"),
		DefaultConcurrency: e.num("FLEET_DEFAULT_CONCURRENCY", 8),
		DefaultTimeoutMs:   int64(e.num("FLEET_DEFAULT_TIMEOUT_MS", 30000)),
		DialTimeout:        time.Duration(e.num("FLEET_DIAL_TIMEOUT_MS", 10000)) * time.Millisecond,
		PreviewLimit:       e.num("FLEET_PREVIEW_LIMIT", 4096),
		AuditRetentionDays: e.num("FLEET_AUDIT_RETENTION_DAYS", 90),
		AuditMaxRows:       e.num("FLEET_AUDIT_MAX_ROWS", 100000),
		AuditFlushInterval: e.num("FLEET_AUDIT_FLUSH_INTERVAL", 2),
		AuditBatchSize:     e.num("FLEET_AUDIT_BATCH_SIZE", 20),
		AuditQueueSize:     e.num("FLEET_AUDIT_QUEUE_SIZE", 4096),
		AuditFile:          e.str("FLEET_AUDIT_FILE", ""),
		LogFile:            e.str("FLEET_LOG_FILE", ""),
		LogLevel:           e.str("FLEET_LOG_LEVEL", "info"),
		KnownHosts:         e.str("FLEET_KNOWN_HOSTS", ""),
		SecretKey:          e.str("FLEET_SECRET_KEY", ""),
		ListenAddr:         e.str("FLEET_LISTEN_ADDR", ":8080"),
	}
}

// DBPath 返回 sqlite 文件路径。
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "fleet.db") }

// Helpers
type env func(string) string

func (e env) str(k, def string) string {
	if v := e(k); v != "" {
		return v
	}
	return def
}

func (e env) num(k string, def int) int {
	if v := e(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
