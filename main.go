package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/cli"
)

func main() {
	err := cli.Execute(context.Background(), &cli.App{}, nil)
	switch {
	case err == nil:
	case errors.Is(err, cli.ErrJobUnsuccessful), errors.Is(err, cli.ErrAuditChainBroken):
		// 结果已输出，仅以退出码区分
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
