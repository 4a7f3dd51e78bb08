package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/containerlru/vacuumd/pkg/engine"
	"github.com/containerlru/vacuumd/pkg/store"
	"github.com/containerlru/vacuumd/pkg/supervisor"
	"github.com/containerlru/vacuumd/pkg/vacuum"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "vacuumd",
	Short: "Bound container image store usage with LRU eviction",
	RunE:  run,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.Flags()
	flags.StringP("threshold", "t", "10 GB", "upper bound on image-store usage, as a byte expression or N% of filesystem capacity")
	flags.StringArrayP("keep", "k", nil, "repeatable; regex matched against repo:tags -- matches and their ancestors are never evicted")
	flags.DurationP("min-age", "m", 0, "candidates newer than this are never evicted")
	flags.IntP("deletion-chunk-size", "d", 1, "images deleted per engine call within a vacuum")
	flags.BoolP("version", "v", false, "print version, exit 0")

	flags.String("engine-binary", "docker", "container engine CLI to invoke (docker or podman)")
	flags.String("state-dir", "", "override the persisted-state directory (defaults to the platform per-user data dir)")
	flags.String("metrics-address", "", "serve Prometheus metrics on this host:port; empty disables")
}

func run(c *cobra.Command, args []string) error {
	if showVersion, _ := c.Flags().GetBool("version"); showVersion {
		fmt.Println("vacuumd", version)
		return nil
	}

	cfg, err := LoadAndValidateConfig(c.Flags())
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	configureLogging(cfg)

	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir, err = store.DefaultDir()
		if err != nil {
			return fmt.Errorf("resolving default state directory: %w", err)
		}
	}

	st := store.New(stateDir)
	state, loadResult, err := st.Load()
	if err != nil {
		return fmt.Errorf("loading persisted state: %w", err)
	}
	logrus.WithField("name", "store").Infoln("state load:", loadResult)

	newAdapter := func() engine.Adapter {
		return engine.NewDockerAdapter(cfg.EngineBinary)
	}

	sup := supervisor.New(newAdapter, st, state, stateDir, supervisor.Options{
		Vacuum: vacuum.Options{
			ThresholdExpr: cfg.Threshold,
			KeepPatterns:  cfg.Keep,
			MinAge:        cfg.MinAge,
			ChunkSize:     cfg.DeletionChunkSize,
		},
		MetricsAddress: cfg.MetricsAddress,
	})

	if err := sup.Run(context.Background()); err != nil {
		return err
	}
	return nil
}

func configureLogging(cfg *Config) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableColors:   cfg.NoColor || os.Getenv("NO_COLOR") != "",
	})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
}
