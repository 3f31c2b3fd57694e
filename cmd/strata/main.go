// Command strata runs a peer of the strata cluster and administers running
// peers over their HTTP admin API.
//
// Usage:
//
//	# first peer, holding the blueprint file
//	strata peer --namespace 6f1c... --data-dir /var/lib/strata \
//	  --listen :7400 --admin-addr :7480 --blueprint /etc/strata/blueprint.yaml
//
//	# more peers join through any running one
//	strata peer --namespace 6f1c... --listen :7400 --join 10.0.0.1:7400
//
//	# push a blueprint to every peer
//	strata admin blueprint push --file blueprint.yaml \
//	  --peers http://10.0.0.1:7480,http://10.0.0.2:7480
//
// Every peer flag can also be set as STRATA_<FLAG> in the environment or in
// a YAML file given by --config.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "strata",
		Short:         "strata is a peer to peer replicated key-value cluster driven by a blueprint",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	flags := cmd.PersistentFlags()
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, console)")

	cmd.AddCommand(newPeerCommand(), newAdminCommand(), newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// newViper binds the flags of cmd, the STRATA_* environment and, when
// --config is set, a YAML file. Flags win over the environment, which wins
// over the file.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("STRATA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}
	return v, nil
}

// newLogger builds a production logger for the json format and a
// development logger for the console format.
func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	var cfg zap.Config
	switch format {
	case "json", "":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("log format %q: want json or console", format)
	}
	cfg.Level = lvl
	return cfg.Build()
}
