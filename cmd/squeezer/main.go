package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"squeezer-go/internal/codec"
	"squeezer-go/internal/compressor"
	"squeezer-go/internal/config"
	"squeezer-go/internal/logger"
	"squeezer-go/internal/session"
	"squeezer-go/internal/statistics"
	"squeezer-go/internal/web"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	quality   float64
	preset    string
	outputDir string
	overwrite bool
	workers   int
	verbose   bool
	quiet     bool
	port      int
	force     bool
)

// rootCmd compresses the given files when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "squeezer [files...]",
	Short: "Shrink images without visible quality loss",
	Long: `Squeezer re-encodes JPEG and PNG images at a chosen quality and checks
GIF, WebP and HEIC files for a valid signature.

Features:
- Quality presets (smallest, balanced, best) or a custom quality
- Results written beside the original, into a folder, or in place
- Keeps the original when re-encoding would make it larger
- Copies EXIF metadata and marks optimized files so they are skipped later
- Folder watching with automatic optimization of new files
- HTTP and WebSocket API for interactive use`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runCompress(cmd, args)
	},
}

// compressCmd compresses files and directories.
var compressCmd = &cobra.Command{
	Use:   "compress <files or directories...>",
	Short: "Compress images and print a summary",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd, args)
	},
}

// watchCmd watches a folder and optimizes files dropped into it.
var watchCmd = &cobra.Command{
	Use:   "watch [directory]",
	Short: "Optimize images as they appear in a folder",
	Long: `Watches a folder (or the watch path from the config file) and optimizes
every supported image once it has finished being written. Runs until
interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd, args)
	},
}

// serveCmd starts the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket API",
	Long: `Starts a web server exposing the image list, optimization, settings and
folder watching. Live updates are pushed on /ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

// formatsCmd lists the supported formats.
var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List supported file extensions",
	RunE: func(cmd *cobra.Command, args []string) error {
		printFormats(cmd.OutOrStdout(), codec.NewDispatcher())
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the settings file",
}

// configInitCmd writes the default settings.
var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a settings file with default values",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "config.yaml"
		if len(args) > 0 {
			path = args[0]
		}
		if err := writeDefaultConfig(path, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Settings written to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	for _, cmd := range []*cobra.Command{rootCmd, compressCmd, watchCmd, serveCmd} {
		cmd.Flags().Float64Var(&quality, "quality", config.DefaultQuality, "compression quality between 0.1 and 1.0 (sets preset to custom)")
		cmd.Flags().StringVar(&preset, "preset", "", "quality preset: smallest, balanced, best")
		cmd.Flags().StringVar(&outputDir, "output", "", "write results into this directory")
		cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace the original files")
		cmd.Flags().IntVar(&workers, "workers", 0, "parallel workers (0 = number of CPUs)")
	}

	serveCmd.Flags().IntVar(&port, "port", 8080, "port to run web server on")
	configInitCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(formatsCmd)
	rootCmd.AddCommand(configCmd)
}

// runCompress compresses the arguments in one batch.
func runCompress(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, closer := setupLogger(cfg)
	defer closer.Close()
	stats := statistics.NewStatistics()
	comp := compressor.NewDefaultCompressor(log)
	defer comp.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := comp.Compress(ctx, compressor.ParamsFromConfig(cfg, args...))
	if err != nil {
		return fmt.Errorf("compression failed: %w", err)
	}

	stats.AddFilesFound(len(results))
	failed := 0
	for _, res := range results {
		stats.RecordOutcome(res.Action, res.Format, res.InputPath, res.OriginalSize, res.CompressedSize, res.Error)
		if !res.Success {
			failed++
		}
		if !quiet || !res.Success {
			printResult(cmd.OutOrStdout(), res)
		}
	}
	stats.Finalize()

	if !quiet {
		printReport(cmd.OutOrStdout(), stats)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d file(s) failed", failed, len(results))
	}
	return nil
}

// runWatch runs the folder watcher until interrupted.
func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	dir := cfg.Watch.Path
	if len(args) > 0 {
		dir = args[0]
	}

	log, closer := setupLogger(cfg)
	defer closer.Close()
	sess := session.New(cfg, compressor.NewDefaultCompressor(log), log, session.WithConfigPath(settingsPath()))
	out := cmd.OutOrStdout()
	sess.Subscribe(func(ev session.Event) {
		switch {
		case ev.Type == session.EventItemUpdated && ev.Item != nil && !ev.Item.IsOptimizing():
			if !quiet || !ev.Item.IsDone() {
				fmt.Fprintf(out, "%-10s %s %s\n", ev.Item.Action, ev.Item.SourcePath, itemSummary(ev))
			}
		case ev.Type == session.EventError:
			fmt.Fprintf(out, "%-10s %s: %s\n", "error", ev.Path, ev.Error)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.StartWatching(ctx, dir); err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(out, "Watching %s, press Ctrl+C to stop\n", dir)
	}

	<-ctx.Done()
	if err := sess.Close(); err != nil {
		return fmt.Errorf("stop watching: %w", err)
	}

	if !quiet {
		sess.Statistics().Finalize()
		printReport(out, sess.Statistics())
	}
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG LOAD ERROR: %v\n", err)
		cfg = config.DefaultConfig()
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}

	log, closer := setupLogger(cfg)
	defer closer.Close()
	sess := session.New(cfg, compressor.NewDefaultCompressor(log), log, session.WithConfigPath(settingsPath()))
	server := web.NewServer(sess, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Watch.Enabled {
		if err := sess.StartWatching(ctx, cfg.Watch.Path); err != nil {
			log.Warnf("Watch folder not started: %v", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	fmt.Printf("Squeezer API listening on http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = sess.Close()
		return fmt.Errorf("server failed to start: %w", err)
	}
	fmt.Println("\nShutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := sess.Close(); err != nil {
		return fmt.Errorf("stop watching: %w", err)
	}

	fmt.Println("Server stopped gracefully")
	return nil
}

// loadConfig loads configuration and applies CLI overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags copies explicitly set flags over the loaded settings.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("preset") {
		cfg.Preset = config.Preset(preset)
	}
	if flags.Changed("quality") {
		cfg.Preset = config.PresetCustom
		cfg.Quality = quality
	}
	if flags.Changed("output") {
		cfg.OutputDirectory = outputDir
	}
	if flags.Changed("overwrite") {
		cfg.Processing.OverwriteOriginals = overwrite
	}
	if flags.Changed("workers") {
		cfg.Performance.WorkerThreads = workers
	}
	return cfg.Validate()
}

func settingsPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return "config.yaml"
}

// writeDefaultConfig persists DefaultConfig to path.
func writeDefaultConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to replace it)", path)
	}
	return config.DefaultConfig().Save(path)
}

// setupLogger configures and returns a logger. The closer releases the
// log file.
func setupLogger(cfg *config.Config) (*logrus.Logger, io.Closer) {
	log, closer, err := logger.NewLogger(cfg.Logging, logger.Options{
		Console: verbose,
		Verbose: verbose,
		Quiet:   quiet,
	})
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
		return log, io.NopCloser(nil)
	}
	return log, closer
}

// printReport prints the run summary followed by the per-format counts
// and the error list.
func printReport(w io.Writer, stats *statistics.Statistics) {
	fmt.Fprintln(w, "\n"+stats.GetSummary())
	fmt.Fprintln(w, stats.GetFormatBreakdown())
	fmt.Fprintln(w, stats.GetErrorSummary())
}

func printResult(w io.Writer, res compressor.CompressionResult) {
	if !res.Success {
		fmt.Fprintf(w, "%-10s %s: %s\n", compressor.ActionError, res.InputPath, res.Message)
		return
	}
	fmt.Fprintf(w, "%-10s %s -> %s (%s -> %s, %.1f%% saved)\n",
		res.Action, res.InputPath, res.OutputPath,
		statistics.FormatBytes(res.OriginalSize), statistics.FormatBytes(res.CompressedSize),
		res.PercentageSaved)
}

func itemSummary(ev session.Event) string {
	if ev.Item.Error != "" {
		return ev.Item.Error
	}
	return fmt.Sprintf("-> %s (%s -> %s, %d%% saved)", ev.Item.OutputPath,
		statistics.FormatBytes(ev.Item.OriginalSize), statistics.FormatBytes(ev.Item.OptimizedSize),
		ev.Item.SavingsPercent())
}

func printFormats(w io.Writer, d *codec.Dispatcher) {
	for _, ext := range d.Extensions() {
		c, err := d.ForPath("x" + ext)
		if err != nil {
			continue
		}
		mode := "validate"
		if c.Reencodes() {
			mode = "re-encode"
		}
		fmt.Fprintf(w, "%-6s %-5s %s\n", ext, c.Format(), mode)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
