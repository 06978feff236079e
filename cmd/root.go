// Package cmd wires the smolvmd CLI: cobra subcommand trees bound to a
// shared config.Config built by viper from flags/env/file.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/clickclack-bot/smolvm/cmd/core"
	cmdimages "github.com/clickclack-bot/smolvm/cmd/images"
	cmdothers "github.com/clickclack-bot/smolvm/cmd/others"
	cmdvm "github.com/clickclack-bot/smolvm/cmd/vm"
	"github.com/clickclack-bot/smolvm/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "smolvmd",
		Short:        "smolvm - microVM container runtime",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("data-dir", "", "root data directory")
	cmd.PersistentFlags().String("run-dir", "", "runtime directory")
	cmd.PersistentFlags().String("log-dir", "", "log directory")
	cmd.PersistentFlags().String("hypervisor-binary", "", "hypervisor executable path")
	cmd.PersistentFlags().Uint32("control-port", 0, "guest agent vsock control port")

	_ = viper.BindPFlag("data_dir", cmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("run_dir", cmd.PersistentFlags().Lookup("run-dir"))
	_ = viper.BindPFlag("log_dir", cmd.PersistentFlags().Lookup("log-dir"))
	_ = viper.BindPFlag("hypervisor_binary", cmd.PersistentFlags().Lookup("hypervisor-binary"))
	_ = viper.BindPFlag("control_port", cmd.PersistentFlags().Lookup("control-port"))

	viper.SetEnvPrefix("SMOLVM")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }
	base := cmdcore.BaseHandler{ConfProvider: confProvider}

	cmd.AddCommand(cmdimages.Command(cmdimages.Handler{BaseHandler: base}))
	cmd.AddCommand(cmdvm.Command(cmdvm.Handler{BaseHandler: base}))
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

// Execute is the entry point called from cmd/smolvmd's main.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		// No config file is OK; a corrupt/unreadable one is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	var err error
	conf, err = config.EnsureDirs(conf)
	if err != nil {
		return fmt.Errorf("ensure dirs: %w", err)
	}

	return log.SetupLog(ctx, conf.Log, "")
}
