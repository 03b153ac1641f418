package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/config"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/logging"
)

// Build information, set with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	modelDir   string
)

var rootCmd = &cobra.Command{
	Use:   "nids",
	Short: "Machine-learning network intrusion detection",
	Long: `nids captures packets (or simulates them), scores every record with a
logistic meta-model over min-max scaled flow features and flags records whose
threat score exceeds the configured threshold.

` + config.PathEnvVarsDoc,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "nids %s (commit %s, built %s, %s %s/%s)\n",
			Version, GitCommit, BuildTime, goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	pf.StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	pf.StringVar(&modelDir, "model-dir", "", "Artifact directory (default $NIDS_MODEL_DIR or the XDG data directory)")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file, applies persistent flag overrides and
// initializes logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flags.Changed("model-dir") {
		cfg.Model.Dir = modelDir
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.Log.Format
	logging.Init(logCfg)

	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
