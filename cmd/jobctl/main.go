// Command jobctl inspects and operates on translation jobs from the shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"doctranslate/internal/bootstrap"
	"doctranslate/internal/infra"
)

// env is shared by every subcommand. Configuration is loaded once, the
// runtime only when a command needs the store.
type env struct {
	cfg    *infra.Config
	logger infra.Logger
}

func (e *env) runtime(ctx context.Context) (*bootstrap.Runtime, error) {
	if e.cfg.DBDriver == infra.DriverMemory {
		return nil, errors.New("DB_DRIVER=memory has no persistent jobs to operate on")
	}
	return bootstrap.Build(ctx, e.cfg, e.logger)
}

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	e := &env{
		cfg:    cfg,
		logger: infra.NewCLILogger(cfg.LogLevel).With().Str("cmd", "jobctl").Logger(),
	}

	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Operate the document translation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(chunkCmd(e))
	root.AddCommand(jobsCmd(e))
	root.AddCommand(sweepCmd(e))
	root.AddCommand(runCmd(e))
	root.AddCommand(migrateCmd(e))
	root.AddCommand(credentialsCmd(e))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "jobctl:", err)
		os.Exit(1)
	}
}
