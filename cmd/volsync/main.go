package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/volsync/volsync/internal/utils"
	"github.com/volsync/volsync/internal/version"
)

var (
	home, _         = os.UserHomeDir()
	defaultDataDir  = filepath.Join(home, ".volsync")
	defaultDBPath   = filepath.Join(defaultDataDir, "volsync.db")
	defaultLogPath  = filepath.Join(defaultDataDir, "volsync.log")
	defaultDestRoot = "VolSync"
	configFileName  = "config"
)

var (
	cyan  = color.New(color.FgHiCyan, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:     "volsync",
	Short:   "Sync folders to removable volumes",
	Version: version.Detailed(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: runSync,
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringSliceP("source", "s", nil, "source folder or file (repeatable)")
	rootCmd.Flags().StringSliceP("volume", "v", nil, "destination volume serial (repeatable, max 3)")
	rootCmd.Flags().String("dest-root", defaultDestRoot, "sync root folder on each volume")
	rootCmd.Flags().StringP("direction", "d", "source_to_dest", "source_to_dest | dest_to_source | bidirectional")
	rootCmd.Flags().Bool("mirror", false, "delete destination entries absent from the source")
	rootCmd.Flags().Bool("hash", false, "use content hashing for change detection")
	rootCmd.Flags().String("conflict", "keep_both", "keep_both | prefer_source | prefer_destination")
	rootCmd.Flags().Bool("resume", false, "reuse sources/volumes from the last run")
	rootCmd.Flags().Bool("wait", false, "wait for the requested volumes to be plugged in")
	rootCmd.PersistentFlags().String("db", defaultDBPath, "state database path")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")

	rootCmd.AddCommand(volumesCmd, historyCmd)
}

func main() {
	if err := os.MkdirAll(defaultDataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data directory: %v\n", err)
		os.Exit(1)
	}

	logFile, err := os.OpenFile(defaultLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "15:04:05",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	fileHandler := slog.NewTextHandler(logFile, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(defaultDataDir)
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("db", cmd.Flags().Lookup("db"))
	if f := cmd.Flags().Lookup("source"); f != nil {
		viper.BindPFlag("sources", f)
	}
	if f := cmd.Flags().Lookup("volume"); f != nil {
		viper.BindPFlag("volumes", f)
	}
	if f := cmd.Flags().Lookup("dest-root"); f != nil {
		viper.BindPFlag("dest_root", f)
	}
	if f := cmd.Flags().Lookup("direction"); f != nil {
		viper.BindPFlag("direction", f)
	}
	if f := cmd.Flags().Lookup("mirror"); f != nil {
		viper.BindPFlag("mirror", f)
	}
	if f := cmd.Flags().Lookup("hash"); f != nil {
		viper.BindPFlag("use_hash", f)
	}
	if f := cmd.Flags().Lookup("conflict"); f != nil {
		viper.BindPFlag("conflict_policy", f)
	}

	viper.SetEnvPrefix("VOLSYNC")
	viper.AutomaticEnv()

	return nil
}

func showHeader() {
	fmt.Printf("%s %s\n", cyan("volsync"), version.Short())
}
