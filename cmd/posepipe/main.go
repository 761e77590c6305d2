// Command posepipe runs human pose estimation on an RKNN NPU with several
// inference requests in flight, delivering results in frame order and
// archiving them in half hour units.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/swdee/go-posepipe/config"
	"github.com/swdee/go-posepipe/logging"
)

var (
	logger zerolog.Logger
	cfg    *config.Config

	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "posepipe",
	Short: "Pose estimation pipeline for Rockchip NPUs",
	Long: "posepipe reads frames from a video, camera or images, runs YOLOv8-pose " +
		"inference across several NPU contexts, presents results in frame order and " +
		"archives them in time bucketed units.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration, applies flag overrides via apply and
// sets up logging
func loadConfig(apply func(*config.Config)) error {

	var err error
	cfg, err = config.Load(configPath)

	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	if apply != nil {
		apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err = logging.Setup(cfg.Log.Level, cfg.Log.Format)

	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	return nil
}
