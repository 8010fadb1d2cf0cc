package main

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bibin-skaria/imgdedup/engine"
	"github.com/bibin-skaria/imgdedup/exporters"
	"github.com/bibin-skaria/imgdedup/internal/errors"
	"github.com/bibin-skaria/imgdedup/internal/types"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

const hashNote = `Files are compared by size and SHA-256 digest. Two files with equal
digests are treated as identical; a SHA-256 collision is not detected.`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", userMessage(err))
		os.Exit(1)
	}
}

func userMessage(err error) string {
	var dedupErr *errors.DedupError
	if goerrors.As(err, &dedupErr) {
		return dedupErr.GetUserFriendlyMessage()
	}
	return err.Error()
}

func newRootCommand() *cobra.Command {
	opts := &dedupOptions{}

	cmd := &cobra.Command{
		Use:   "imgdedup",
		Short: "Replace duplicate files in a Docker image with links",
		Long: `imgdedup rewrites a docker save tarball so that files with identical
content are stored once. Duplicates in the same layer become hardlinks,
duplicates in later layers become symlinks to the first copy. The image
keeps its layer count and order and shows the same filesystem when run.

Run without a subcommand, imgdedup accepts the dedup flags and behaves
like "imgdedup dedup".

` + hashNote,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().NFlag() == 0 {
				return cmd.Help()
			}
			return opts.runDedup(cmd)
		},
	}
	opts.addDedupFlags(cmd)

	cmd.AddCommand(newDedupCommand())
	cmd.AddCommand(newAnalyzeCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

type dedupOptions struct {
	configFile    string
	image         string
	output        string
	minSize       int64
	compression   string
	noCompression bool
	concurrency   int
	workDir       string
	dryRun        bool
	report        string
	logLevel      string
	logFormat     string
}

func (o *dedupOptions) addCommonFlags(cmd *cobra.Command) {
	defaults := types.DefaultDedupConfig()
	cmd.Flags().StringVar(&o.configFile, "config", "", "YAML file with default settings")
	cmd.Flags().StringVarP(&o.image, "image", "i", "", "Path to the docker save tarball")
	cmd.Flags().Int64Var(&o.minSize, "min-size", defaults.MinSize, "Smallest file size in bytes considered for deduplication")
	cmd.Flags().IntVar(&o.concurrency, "concurrency", defaults.Concurrency, "Layers processed in parallel")
	cmd.Flags().StringVar(&o.workDir, "work-dir", "", "Directory for temporary layer blobs (default: system temp dir)")
	cmd.Flags().StringVar(&o.report, "report", "", "Write a YAML report to this file")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error); defaults to $LOG_LEVEL or info")
	cmd.Flags().StringVar(&o.logFormat, "log-format", engine.LogFormatText, "Log format (text, json)")
}

func (o *dedupOptions) addDedupFlags(cmd *cobra.Command) {
	o.addCommonFlags(cmd)
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "Path of the rewritten tarball")
	cmd.Flags().StringVar(&o.compression, "compression", string(types.CompressionGzip),
		fmt.Sprintf("Compression of rewritten layers (%v)", exporters.ListCompressors()))
	cmd.Flags().BoolVar(&o.noCompression, "no-compression", false, "Write rewritten layers uncompressed")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "Report planned savings without writing output")
}

// config merges the config file, if any, with the flags set on cmd. Flags
// given on the command line win.
func (o *dedupOptions) config(cmd *cobra.Command) (*types.DedupConfig, error) {
	config := types.DefaultDedupConfig()
	if o.configFile != "" {
		loaded, err := types.LoadConfigFile(o.configFile)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flag := flags.Lookup(name); flag != nil && (flag.Changed || o.configFile == "") {
			apply()
		}
	}
	set("image", func() { config.ImagePath = o.image })
	set("output", func() { config.OutputPath = o.output })
	set("min-size", func() { config.MinSize = o.minSize })
	set("compression", func() { config.Compression = types.CompressionType(o.compression) })
	set("no-compression", func() { config.NoCompression = o.noCompression })
	set("concurrency", func() { config.Concurrency = o.concurrency })
	set("work-dir", func() { config.WorkDir = o.workDir })
	set("dry-run", func() { config.DryRun = o.dryRun })
	set("report", func() { config.ReportPath = o.report })
	set("log-level", func() { config.LogLevel = o.logLevel })
	set("log-format", func() { config.LogFormat = o.logFormat })
	return config, nil
}

func (o *dedupOptions) run(cmd *cobra.Command, config *types.DedupConfig, showGroups bool) error {
	logger, err := engine.NewLogger(config.LogLevel, config.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	d, err := engine.NewDeduplicator(config, logger)
	if err != nil {
		return err
	}
	result, err := d.Run(cmd.Context())
	if err != nil {
		return err
	}

	if config.ReportPath != "" {
		if err := result.WriteReport(config.ReportPath); err != nil {
			return err
		}
	}
	printSummary(cmd.OutOrStdout(), result, showGroups)
	return nil
}

func (o *dedupOptions) runDedup(cmd *cobra.Command) error {
	config, err := o.config(cmd)
	if err != nil {
		return err
	}
	return o.run(cmd, config, config.DryRun)
}

func newDedupCommand() *cobra.Command {
	opts := &dedupOptions{}

	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Rewrite an image with duplicate files replaced by links",
		Long: `Rewrite a docker save tarball. Regular files of at least --min-size bytes
whose content appears more than once are replaced by a hardlink (same
layer) or a symlink (later layer) to the first copy in layer order. A
link that could change what the container sees, for example because the
first copy is deleted or overwritten in a later layer, is skipped.

The output is written to a temporary file next to --output and renamed
into place when complete.

` + hashNote,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runDedup(cmd)
		},
	}
	opts.addDedupFlags(cmd)

	return cmd
}

func newAnalyzeCommand() *cobra.Command {
	opts := &dedupOptions{}

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "List duplicate files and the space deduplication would save",
		Long: `Index an image and print every group of duplicate files, the links that
dedup would create and the duplicates it would keep. Nothing is written.

` + hashNote,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.config(cmd)
			if err != nil {
				return err
			}
			config.DryRun = true
			config.OutputPath = ""
			return opts.run(cmd, config, true)
		},
	}

	opts.addCommonFlags(cmd)

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "imgdedup %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", GitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", BuildDate)
		},
	}
}

func printSummary(w io.Writer, result *types.DedupResult, showGroups bool) {
	if result.DryRun {
		fmt.Fprintf(w, "Dry run: no output written\n")
	} else {
		fmt.Fprintf(w, "Deduplication completed successfully!\n")
		fmt.Fprintf(w, "Output: %s\n", result.Output)
	}

	fmt.Fprintf(w, "Layers: %d (%d rewritten)\n", result.Layers, result.RewrittenLayers)
	fmt.Fprintf(w, "Files indexed: %s\n", humanize.Comma(int64(result.FilesIndexed)))
	fmt.Fprintf(w, "Duplicate groups: %d\n", result.DuplicateGroups)
	fmt.Fprintf(w, "Hardlinks: %d\n", result.Hardlinks)
	fmt.Fprintf(w, "Symlinks: %d\n", result.Symlinks)
	fmt.Fprintf(w, "Skipped: %d\n", result.Skipped)
	fmt.Fprintf(w, "Bytes saved: %s\n", humanize.Bytes(uint64(result.BytesSaved)))
	if result.InputSize > 0 {
		fmt.Fprintf(w, "Input size: %s\n", humanize.Bytes(uint64(result.InputSize)))
	}
	if result.OutputSize > 0 {
		fmt.Fprintf(w, "Output size: %s\n", humanize.Bytes(uint64(result.OutputSize)))
	}
	fmt.Fprintf(w, "Duration: %s\n", result.Duration)

	if !showGroups {
		return
	}
	for _, g := range result.Groups {
		fmt.Fprintf(w, "\n%s (%s, saves %s)\n", g.Digest, humanize.Bytes(uint64(g.Size)), humanize.Bytes(uint64(g.BytesSaved)))
		fmt.Fprintf(w, "  canonical %s\n", g.Canonical)
		for _, p := range g.Hardlinks {
			fmt.Fprintf(w, "  hardlink  %s\n", p)
		}
		for _, p := range g.Symlinks {
			fmt.Fprintf(w, "  symlink   %s\n", p)
		}
		for _, p := range g.Skipped {
			fmt.Fprintf(w, "  skipped   %s\n", p)
		}
	}
}
