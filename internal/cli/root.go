package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/backend"
	"github.com/QingMing-Bot/fleet-orchestrator/internal/service"
	"github.com/QingMing-Bot/fleet-orchestrator/pkg/config"
	"github.com/QingMing-Bot/fleet-orchestrator/pkg/logger"
)

// ErrJobUnsuccessful 作业有失败或被取消的目标；main 据此返回非零退出码
var ErrJobUnsuccessful = errors.New("job finished with failed or canceled targets")

// App 命令行运行时依赖。Config/Provider 为 nil 时按环境变量与真实 SSH 构造。
type App struct {
	Config   *config.Config
	Provider service.SessionProvider
	Log      *slog.Logger

	flagDataDir  string
	flagLogLevel string
	flagNoColor  bool
	backend      *backend.Backend
}

// NewRootCmd 构造 fleetctl 命令树
func NewRootCmd(a *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Run one action across a fleet of hosts with bounded concurrency and audit",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.flagDataDir, "data-dir", "", "data directory (overrides FLEET_DATA_DIR)")
	root.PersistentFlags().StringVar(&a.flagLogLevel, "log-level", "", "debug|info|warn|error (overrides FLEET_LOG_LEVEL)")
	root.PersistentFlags().BoolVar(&a.flagNoColor, "no-color", false, "disable colored output")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error { return a.init(cmd.ErrOrStderr()) }

	root.AddCommand(
		newRunCmd(a), newCheckCmd(a), newRestartCmd(a),
		newTargetsCmd(a), newAuditCmd(a), newServeCmd(a),
	)
	return root
}

// Execute 运行命令并在返回前释放后端
func Execute(ctx context.Context, a *App, args []string) error {
	root := NewRootCmd(a)
	if args != nil {
		root.SetArgs(args)
	}
	defer a.close()
	return root.ExecuteContext(ctx)
}

func (a *App) init(stderr io.Writer) error {
	if a.Config == nil {
		a.Config = config.Load()
	}
	if a.flagDataDir != "" {
		a.Config.DataDir = a.flagDataDir
	}
	if a.flagLogLevel != "" {
		a.Config.LogLevel = a.flagLogLevel
	}
	if a.flagNoColor {
		color.NoColor = true
	}
	if a.Log == nil {
		// 日志写 stderr，stdout 留给结果输出
		a.Log = logger.Init(logger.Options{File: a.Config.LogFile, Level: a.Config.LogLevel, Writer: stderr})
	}
	return nil
}

// open 按需打开后端（serve/run/targets/audit 共用）
func (a *App) open() (*backend.Backend, error) {
	if a.backend != nil {
		return a.backend, nil
	}
	b, err := backend.Open(a.Config, a.Provider, a.Log)
	if err != nil {
		return nil, err
	}
	a.backend = b
	return b, nil
}

func (a *App) close() {
	if a.backend != nil {
		a.backend.Shutdown()
		a.backend = nil
	}
}
