// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/scriptharness/internal/config"
	"github.com/xkilldash9x/scriptharness/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// rootOptions carries state shared by the root command and its subcommands.
type rootOptions struct {
	cfgFile string
	v       *viper.Viper
}

// newRootCmd builds the command tree. Each call returns an independent tree with its own
// viper instance.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "scriptharness",
		Short:         "Runs JavaScript inside a live web page, synchronously or with a completion callback.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				initLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "scriptharness"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			initLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting scriptharness", zap.String("version", Version))

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(newExecCmd(opts))
	return rootCmd
}

// Execute runs the CLI with a context that is canceled on SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
		observability.Sync()
		os.Exit(1)
	}
	observability.Sync()
}

// initLogger sends log output to stderr so stdout carries only command results.
func initLogger(cfg config.LoggerConfig) {
	observability.Initialize(cfg, zapcore.Lock(os.Stderr))
}

// loadConfig reads the config file (if any), environment overrides and bound flags.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	config.SetDefaults(o.v)
	config.BindEnv(o.v)

	if o.cfgFile != "" {
		o.v.SetConfigFile(o.cfgFile)
	} else {
		o.v.AddConfigPath(".")
		o.v.SetConfigName("config")
		o.v.SetConfigType("yaml")
	}

	if err := o.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}
	return config.NewConfigFromViper(o.v)
}

// getConfigFromContext returns the configuration stored by the root command.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in command context")
	}
	return cfg, nil
}
