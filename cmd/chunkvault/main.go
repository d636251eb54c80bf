package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jacktea/chunkvault/pkg/logging"
	"github.com/jacktea/chunkvault/pkg/xerrors"
)

type app struct {
	log     *zap.Logger
	closers []func() error
}

func (a *app) ensureLogger() error {
	if a.log != nil {
		return nil
	}
	log, err := logging.New(logging.Config{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.KindInvalid, "config", "log", err)
	}
	a.log = log
	return nil
}

// onClose registers fn to run, in reverse order, when the command returns.
func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.log != nil {
			a.log.Warn("close", zap.Error(err))
		}
	}
	a.closers = nil
	if a.log != nil {
		_ = a.log.Sync()
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "chunkvault",
		Short:         "chunkvault proof-of-storage validator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureLogger()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	application.close()
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(xerrors.ExitCode(err))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("chunkvault")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "chunkvault"))
		}
	}
	viper.SetEnvPrefix("CHUNKVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("validator-id", "", "identifier of this validator")
	flags.String("nodes-file", "nodes.yaml", "node snapshot file (YAML, TOML or JSON)")
	flags.String("db", ".chunkvault/validator.db", "path to the verification store")
	flags.Int("chunk-size", 100000, "chunk size in bytes")
	flags.Int("redundancy", 3, "holders placed per chunk")
	flags.Int("rounds", 3, "placement and retrieval rounds")
	flags.Duration("round-interval", time.Second, "pause between rounds")
	flags.Duration("rpc-timeout", 10*time.Second, "deadline for one node call")
	flags.Int("parallelism", 16, "concurrent node calls")
	flags.Float64("budget", 0, "byte budget handed out per cycle (0 derives it from free disk)")
	flags.Float64("threshold", 0.0001, "share of free disk space used as budget")
	flags.Bool("encrypt", false, "seal chunks with AES-256-CTR before placement")
	flags.String("key", "", "encryption key, 64 hex characters or a passphrase")
	flags.Duration("liveness-ttl", 30*time.Second, "how long a ping result is trusted (negative disables probing)")
	flags.StringSlice("p2p-listen", nil, "libp2p listen multiaddrs")
	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", "console", "log format: console|json")

	bindConfig("validator_id", flags.Lookup("validator-id"))
	bindConfig("nodes_file", flags.Lookup("nodes-file"))
	bindConfig("db", flags.Lookup("db"))
	bindConfig("chunk_size", flags.Lookup("chunk-size"))
	bindConfig("redundancy", flags.Lookup("redundancy"))
	bindConfig("rounds", flags.Lookup("rounds"))
	bindConfig("round_interval", flags.Lookup("round-interval"))
	bindConfig("rpc_timeout", flags.Lookup("rpc-timeout"))
	bindConfig("parallelism", flags.Lookup("parallelism"))
	bindConfig("budget", flags.Lookup("budget"))
	bindConfig("threshold", flags.Lookup("threshold"))
	bindConfig("encrypt", flags.Lookup("encrypt"))
	bindConfig("key", flags.Lookup("key"))
	bindConfig("liveness_ttl", flags.Lookup("liveness-ttl"))
	bindConfig("p2p.listen", flags.Lookup("p2p-listen"))
	bindConfig("log.level", flags.Lookup("log-level"))
	bindConfig("log.format", flags.Lookup("log-format"))
}

func initCommands() {
	rootCmd.AddCommand(
		newValidatorCmd(),
		newNodeCmd(),
		newAllocateCmd(),
		newPutCmd(),
		newGetCmd(),
		newImportHashesCmd(),
	)
}
