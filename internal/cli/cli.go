// ============================================================================
// webptar CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra front end for the conversion pipeline
//
// Command Structure:
//   webptar                        # Root command
//   ├── convert <path>...          # Convert images into one .tar.zst
//   │   ├── --out, -o             # Output directory
//   │   ├── --inline              # Run on the caller's goroutine
//   │   ├── --png                 # Skip WebP, write PNG
//   │   └── --staging             # segment, sqlite or memory
//   ├── probe                      # Show capabilities and the chosen plan
//   ├── inspect <artifact>         # List the entries of a .tar.zst
//   ├── --config, -c               # Config file (YAML, or TOML by extension)
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// Configuration:
//   Defaults, then the config file, then flags that were set explicitly.
//
// convert Command:
//   1. Enumerate inputs (directories walked, non-images skipped)
//   2. Probe capabilities and pick the plan
//   3. Drive the batch, showing a progress bar on a terminal or logging
//      progress otherwise
//   4. Print the artifact path and sizes
//
//   SIGINT/SIGTERM cancel the batch between items; nothing is delivered.
//
//   Examples:
//     ./webptar convert ./photos
//     ./webptar convert -o out --inline a.jpg b.png
//
// Error Handling:
//   - Config load failed: returned before any work starts
//   - Batch failed: the error kind and reason are printed, exit status 1
//
// ============================================================================

package cli

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/webptar/internal/compress"
	"github.com/ChuLiYu/webptar/internal/delivery"
	"github.com/ChuLiYu/webptar/internal/logging"
	"github.com/ChuLiYu/webptar/internal/pipeline"
	"github.com/ChuLiYu/webptar/internal/worker"
	"github.com/ChuLiYu/webptar/pkg/types"
)

// Version is stamped at build time with -ldflags.
var Version = "0.1.0"

// app holds what the persistent flags resolve to.
type app struct {
	configFile string
	logLevel   string
	logFormat  string

	cfg    *Config
	logger *slog.Logger
	flush  func() error
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "webptar",
		Short: "webptar: convert a batch of images to WebP and pack them into one .tar.zst",
		Long: `webptar converts images to WebP (quality 0.8, PNG when WebP is unavailable),
stages each result outside process memory, and delivers a single
zstd-compressed tar archive:
- one image in flight at a time
- background or inline execution chosen by capability probing
- fail-fast on the first bad image`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.flush != nil {
				_ = a.flush()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", DefaultConfigPath, "config file path (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format: console or json")

	rootCmd.AddCommand(buildConvertCommand(a))
	rootCmd.AddCommand(buildProbeCommand(a))
	rootCmd.AddCommand(buildInspectCommand(a))

	return rootCmd
}

// setup loads the config and installs the logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.configFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}

	logger, flush, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a.cfg, a.logger, a.flush = cfg, logger, flush
	return nil
}

// ============================================================================
// convert
// ============================================================================

type convertFlags struct {
	out      string
	prefix   string
	inline   bool
	png      bool
	staging  string
	quality  float64
	manifest bool
	textfile string
}

func buildConvertCommand(a *app) *cobra.Command {
	var f convertFlags

	cmd := &cobra.Command{
		Use:   "convert <path>...",
		Short: "Convert images into one compressed archive",
		Long:  "Convert every image under the given files and directories to WebP and deliver one .tar.zst archive.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			applyConvertFlags(cmd, a.cfg, f)
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runConvert(ctx, cmd, a, args)
		},
	}

	cmd.Flags().StringVarP(&f.out, "out", "o", "", "output directory")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "artifact name prefix")
	cmd.Flags().BoolVar(&f.inline, "inline", false, "run on the caller's goroutine instead of a background worker")
	cmd.Flags().BoolVar(&f.png, "png", false, "write PNG instead of WebP")
	cmd.Flags().StringVar(&f.staging, "staging", "", "staging backend: segment, sqlite or memory")
	cmd.Flags().Float64Var(&f.quality, "quality", 0, "WebP quality in (0,1]")
	cmd.Flags().BoolVar(&f.manifest, "manifest", false, "write a JSON manifest next to the artifact")
	cmd.Flags().StringVar(&f.textfile, "metrics-textfile", "", "write batch metrics to this file (enables metrics)")

	return cmd
}

// applyConvertFlags overrides cfg with the flags that were set.
func applyConvertFlags(cmd *cobra.Command, cfg *Config, f convertFlags) {
	flags := cmd.Flags()
	if flags.Changed("out") {
		cfg.Output.Dir = f.out
	}
	if flags.Changed("prefix") {
		cfg.Output.Prefix = f.prefix
	}
	if flags.Changed("inline") && f.inline {
		cfg.Execution.Mode = "inline"
	}
	if flags.Changed("png") && f.png {
		cfg.Convert.Encoder = types.FormatPNG
	}
	if flags.Changed("staging") {
		cfg.Staging.Backend = f.staging
	}
	if flags.Changed("quality") {
		cfg.Convert.Quality = f.quality
	}
	if flags.Changed("manifest") {
		cfg.Output.Manifest = f.manifest
	}
	if flags.Changed("metrics-textfile") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Textfile = f.textfile
	}
}

func runConvert(ctx context.Context, cmd *cobra.Command, a *app, paths []string) error {
	src, err := worker.NewFileSource(paths, a.logger)
	if err != nil {
		return err
	}
	if src.Len() == 0 {
		a.logger.Warn("no images found; delivering an empty archive", "paths", paths)
	}

	pc, err := a.cfg.pipelineConfig(a.logger)
	if err != nil {
		return err
	}
	p, err := pipeline.New(pc)
	if err != nil {
		return err
	}

	progress := newProgress(cmd.ErrOrStderr(), a.logger)
	report, err := p.Run(ctx, src, progress.observe)
	progress.finish()
	if err != nil {
		var reported *types.ReportedError
		if errors.As(err, &reported) {
			return fmt.Errorf("batch failed (%s): %s", types.KindName(reported.Kind), reported.Reason)
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, report.Artifact.Path)
	fmt.Fprintf(out, "  %d images, %s archive, %s compressed (%s, %s staging, %s)\n",
		len(report.Result.Entries),
		humanize.Bytes(uint64(report.Result.ArchiveSize)),
		humanize.Bytes(uint64(report.Artifact.Size)),
		report.Plan.Format,
		report.Plan.Staging,
		report.Plan.Execution)
	if report.Artifact.ManifestPath != "" {
		fmt.Fprintf(out, "  manifest: %s\n", report.Artifact.ManifestPath)
	}
	return nil
}

// progress renders batch events as a bar on a terminal, or as log lines.
type progress struct {
	bar    *progressbar.ProgressBar
	logger *slog.Logger
	last   int
}

func newProgress(w io.Writer, logger *slog.Logger) *progress {
	p := &progress{logger: logger, last: -1}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		p.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("converting"),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionClearOnFinish(),
		)
	}
	return p
}

func (p *progress) observe(ev types.Event) {
	switch ev.Kind {
	case types.EventProgress, types.EventDone:
		if p.bar != nil {
			if ev.Label != "" {
				p.bar.Describe(ev.Label)
			}
			_ = p.bar.Set(ev.Percent)
			return
		}
		if ev.Percent != p.last {
			p.last = ev.Percent
			p.logger.Info("progress", "percent", ev.Percent, "label", ev.Label)
		}
	case types.EventWarning:
		p.logger.Warn(ev.Label)
	}
}

func (p *progress) finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// ============================================================================
// probe
// ============================================================================

func buildProbeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Show capabilities and the execution plan",
		Long:  "Probe background execution, persistent staging and the WebP encoder, then print the plan a batch would use.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := a.cfg.pipelineConfig(a.logger)
			if err != nil {
				return err
			}
			p, err := pipeline.New(pc)
			if err != nil {
				return err
			}
			caps, plan, planErr := p.Plan(cmd.Context())

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Capabilities:")
			fmt.Fprintf(out, "  ├─ background execution: %s\n", yesNo(caps.Background, nil))
			fmt.Fprintf(out, "  ├─ persistent staging:   %s\n", yesNo(caps.Persistent, caps.StagingErr))
			encoder := yesNo(caps.WebP, caps.Encoder.Err)
			if caps.WebP {
				encoder += " (" + caps.Encoder.Path + ", " + caps.Encoder.Version + ")"
			}
			fmt.Fprintf(out, "  └─ webp encoder:         %s\n", encoder)

			if planErr != nil {
				fmt.Fprintf(out, "Plan: none (%v)\n", planErr)
				return planErr
			}
			fmt.Fprintln(out, "Plan:")
			fmt.Fprintf(out, "  ├─ execution: %s\n", plan.Execution)
			fmt.Fprintf(out, "  ├─ staging:   %s\n", plan.Staging)
			fmt.Fprintf(out, "  └─ format:    %s\n", plan.Format)
			for _, c := range plan.Caveats {
				fmt.Fprintf(out, "  ! %s\n", c)
			}
			return nil
		},
	}
}

func yesNo(ok bool, err error) string {
	switch {
	case ok:
		return "yes"
	case err != nil:
		return "no: " + err.Error()
	default:
		return "no"
	}
}

// ============================================================================
// inspect
// ============================================================================

func buildInspectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <artifact>",
		Short: "List the entries of a delivered archive",
		Long:  "Decompress a .tar.zst artifact, list its entries with a standard tar reader, and show the manifest when one exists.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectArtifact(cmd.OutOrStdout(), args[0], a.logger)
		},
	}
}

func inspectArtifact(out io.Writer, path string, logger *slog.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	plain, err := compress.Decompress(raw)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: %s compressed, %s archive\n",
		filepath.Base(path), humanize.Bytes(uint64(len(raw))), humanize.Bytes(uint64(len(plain))))

	tr := tar.NewReader(bytes.NewReader(plain))
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("entry %d: %w", count, err)
		}
		fmt.Fprintf(out, "  %-40s %10s  %s\n", hdr.Name, humanize.Bytes(uint64(hdr.Size)), hdr.ModTime.UTC().Format("2006-01-02 15:04:05"))
		count++
	}
	fmt.Fprintf(out, "%d entries\n", count)

	if !strings.HasSuffix(path, compress.Extension) {
		return nil
	}
	m, err := delivery.LoadManifest(delivery.ManifestPath(path))
	switch {
	case err == nil:
		fmt.Fprintf(out, "batch %s: %s, %s staging, %s execution\n", m.BatchID, m.Format, m.Staging, m.Execution)
	case errors.Is(err, os.ErrNotExist):
	default:
		logger.Warn("unreadable manifest", "error", err)
	}
	return nil
}
