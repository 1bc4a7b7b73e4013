package backend

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/repository"
	"github.com/QingMing-Bot/fleet-orchestrator/internal/service"
	"github.com/QingMing-Bot/fleet-orchestrator/internal/ssh"
	"github.com/QingMing-Bot/fleet-orchestrator/pkg/config"
	"github.com/QingMing-Bot/fleet-orchestrator/pkg/secret"
)

// Open 按配置组装完整后端：sqlite、审计写入器、SSH provider、编排器。
// provider 为 nil 时使用真实 SSH。
func Open(cfg *config.Config, provider service.SessionProvider, log *slog.Logger) (*Backend, error) {
	if log == nil {
		log = slog.Default()
	}
	cipher, err := secret.New(cfg.SecretKey)
	if err != nil {
		return nil, err
	}
	if !cipher.Enabled() {
		log.Warn("FLEET_SECRET_KEY not set; target credentials are stored in plain text")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := repository.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	var closers []func()
	closers = append(closers, func() { _ = db.Close() })

	targets := repository.NewTargetRepo(db, cipher)
	auditRepo := repository.NewAuditRepo(db)
	writer := service.NewAuditWriter(auditRepo, service.AuditWriterOptions{
		FlushInterval: time.Duration(cfg.AuditFlushInterval) * time.Second,
		BatchSize:     cfg.AuditBatchSize,
		QueueSize:     cfg.AuditQueueSize,
		Logger:        log,
	})
	closers = append(closers, writer.Close)

	sinks := service.MultiSink{writer}
	if cfg.AuditFile != "" {
		path := cfg.AuditFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.DataDir, path)
		}
		fs := service.NewFileSink(path, 50, 5)
		sinks = append(sinks, fs)
		closers = append(closers, func() { _ = fs.Close() })
	}

	if provider == nil {
		p, err := ssh.NewProvider(ssh.Options{DialTimeout: cfg.DialTimeout, KnownHostsPath: cfg.KnownHosts, Logger: log})
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
			return nil, err
		}
		provider = p
	}

	if cfg.AuditRetentionDays > 0 || cfg.AuditMaxRows > 0 {
		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if n, err := auditRepo.Cleanup(cfg.AuditRetentionDays, cfg.AuditMaxRows); err != nil {
						log.Warn("audit cleanup failed", "err", err)
					} else if n > 0 {
						log.Info("audit cleanup", "deleted", n)
					}
				case <-stop:
					return
				}
			}
		}()
		closers = append(closers, func() { close(stop); <-done })
	}

	orch := service.NewOrchestrator(provider, service.Options{Sink: sinks, Logger: log, PreviewLimit: cfg.PreviewLimit})
	b := NewBackend(targets, auditRepo, orch, Defaults{Concurrency: cfg.DefaultConcurrency, TimeoutMs: cfg.DefaultTimeoutMs}, log)
	b.closers = closers
	return b, nil
}
