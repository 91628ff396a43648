package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/randyvpcode/task-manager/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	configPath string
	cfg        config.Config
	logger     *log.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{logger: log.StandardLogger()}
	root := &cobra.Command{
		Use:           "tasklist",
		Short:         "Local-first task list with table storage replication",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			if cfg.Debug {
				a.logger.SetLevel(log.DebugLevel)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "TOML config file (default $"+config.EnvConfigPath+")")

	root.AddCommand(a.serveCmd())
	root.AddCommand(a.tuiCmd())
	root.AddCommand(a.uploadCmd())
	root.AddCommand(a.pullCmd())
	root.AddCommand(a.provisionCmd())
	return root
}
