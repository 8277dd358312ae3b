package main

import (
	"fmt"
	"os"

	"freepress/pkg/client"
	"freepress/pkg/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configFile string
	verbose    bool
	target     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "freepress",
		Short: "Censorship-resistant publishing node",
		Long: `FreePress snapshots a local site into a content-addressed store, pins it,
and announces a signed manifest to peers so they can discover and mirror it.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (JSON or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&target, "node", "n", "", "node name, host:port or URL of the control API")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of styled output")

	rootCmd.AddCommand(
		nodeCmd(),
		relayCmd(),
		keygenCmd(),
		publishCmd(),
		mirrorCmd(),
		unmirrorCmd(),
		manifestsCmd(),
		mirrorsCmd(),
		statusCmd(),
		watchCmd(),
		mountCmd(),
		certsCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// loadConfig reads --config when given, otherwise FREEPRESS_* variables.
func loadConfig() (*config.Config, error) {
	if configFile == "" {
		cfg := config.LoadFromEnv()
		return cfg, cfg.Validate()
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func connect() (*client.Client, error) {
	return client.Connect(target)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("freepress %s\n", version)
		},
	}
}
