package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rcssrunner/runner/internal/log"
	"github.com/rcssrunner/runner/internal/model"
	"github.com/rcssrunner/runner/internal/service"
	"github.com/rcssrunner/runner/internal/storage"
	"github.com/rcssrunner/runner/internal/store"
)

var (
	userConfigPath string // /default/config/path/runner on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "runner")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is runner.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initRunner

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(republishCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("runner failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "runner",
	Short:        "Worker running rcssserver matches from a queue",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run consumes add_game jobs and runs the matches until interrupted",
	RunE:  doRun,
}

var republishCmd = &cobra.Command{
	Use:   "republish",
	Short: "republish uploads the game log archives which failed to upload",
	RunE:  doRepublish,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a runner",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("runner: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("runner: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func cmdContext(cmd *cobra.Command) context.Context {
	attrs := slog.Group("runner",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)
	s, err := service.New(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			slog.WarnContext(ctx, "closing runner", "error", err)
		}
	}()
	return s.Do(ctx)
}

// doRepublish does not go through service.New, a runner may be running
// on the same database and its games must not be marked as interrupted.
func doRepublish(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)
	db, err := store.InitDB(ctx, config.DBPath())
	if err != nil {
		return fmt.Errorf("opening database %s: %w", config.DBPath(), err)
	}
	defer func() {
		_ = db.Close()
	}()

	n, err := service.Republish(ctx, db, storage.New(config.Storage), config.Storage.Buckets.GameLog)
	fmt.Printf("uploaded: %d\n", n)
	return err
}

func initRunner(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("RUNNERCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "runner.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, "runner.yaml")
		if err := storeDefault(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d.String(), d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	var applied []string
	config, applied = service.ApplyEnv(config)

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Runner.Verbose = true
	}
	slog.SetDefault(log.New(config.Runner.Verbose))

	slog.Debug("runner config", "configPath", configPath, "env", applied)
	slog.Debug("runner config", "config", config)
	return nil
}

func storeDefault(path string, cfg model.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := yaml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
