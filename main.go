// repoindex builds and maintains a partitioned, incrementally updated code
// index that agents load one module at a time.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/phobologic/repoindex/internal/builder"
	"github.com/phobologic/repoindex/internal/config"
	"github.com/phobologic/repoindex/internal/extract"
	"github.com/phobologic/repoindex/internal/loader"
	"github.com/phobologic/repoindex/internal/metrics"
	"github.com/phobologic/repoindex/internal/serve"
	"github.com/phobologic/repoindex/internal/store"
	"github.com/phobologic/repoindex/internal/toon"
	"github.com/phobologic/repoindex/internal/update"
	"github.com/phobologic/repoindex/internal/vcs"
	"github.com/phobologic/repoindex/internal/watch"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// app holds the global flags and the environment derived from them.
type app struct {
	root        string
	configPath  string
	indexDir    string
	logLevel    string
	logFormat   string
	metricsFile string

	stdout io.Writer
	stderr io.Writer

	cfg     config.Config
	logger  *slog.Logger
	store   *store.Store
	metrics *metrics.Metrics
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:   "repoindex",
		Short: "Build and maintain a partitioned code index for agents",
		Long: `repoindex extracts functions, classes, imports and call edges from a
repository and stores them as a small core document plus one detail
document per module under .repoindex/. Updates rebuild only the modules
touched by a change and fall back to a full rebuild when the result does
not validate.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" {
				return nil
			}
			return a.setup()
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.root, "root", ".", "repository root")
	pf.StringVar(&a.configPath, "config", "", "config file (default <root>/"+config.FileName+")")
	pf.StringVar(&a.indexDir, "index-dir", "", "index directory relative to the root (overrides the config)")
	pf.StringVar(&a.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	pf.StringVar(&a.logFormat, "log-format", "text", "log format: text|json")
	pf.StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus metrics to this file after each update")

	rootCmd.AddCommand(
		a.newBuildCmd(),
		a.newUpdateCmd(),
		a.newWatchCmd(),
		a.newShowCmd(),
		a.newModuleCmd(),
		a.newResolveCmd(),
		a.newValidateCmd(),
		a.newBackupCmd(),
		a.newServeCmd(),
		newInitCmd(stdout, stderr),
	)
	return rootCmd
}

// setup resolves the root and loads the configuration once per invocation.
func (a *app) setup() error {
	root, err := filepath.Abs(a.root)
	if err != nil {
		return fmt.Errorf("resolving root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("root path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory", root)
	}
	a.root = root

	if a.configPath != "" {
		a.cfg, err = config.Load(a.configPath, true)
	} else {
		a.cfg, err = config.LoadForRoot(root)
	}
	if err != nil {
		return err
	}
	if a.indexDir != "" {
		a.cfg.IndexDir = a.indexDir
		if err := a.cfg.Validate(); err != nil {
			return err
		}
	}

	a.logger, err = newLogger(a.stderr, a.logLevel, a.logFormat)
	if err != nil {
		return err
	}
	a.store = store.New(filepath.Join(root, a.cfg.IndexDir))
	a.metrics = metrics.New()
	return nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q (want text or json)", format)
}

func (a *app) updater() *update.Updater {
	opts := update.Options{
		Builder: builder.Options{
			Root:         a.root,
			Partition:    a.cfg.Partition,
			Workers:      a.cfg.Workers,
			CriticalDocs: a.cfg.CriticalDocs,
		},
		Discover: a.cfg.DiscoverOptions(),
	}
	detector := vcs.NewGit(a.root, a.cfg.VCS.Timeout, a.logger)
	return update.New(a.store, extract.New(), detector, opts, a.metrics, a.logger)
}

func (a *app) loader() (*loader.Loader, error) {
	return loader.New(a.store, a.cfg.Loader.CacheSize, a.metrics)
}

// runUpdate performs one update and reports it.
func (a *app) runUpdate(ctx context.Context, mode update.Mode, asJSON bool) error {
	rep, err := a.updater().Run(ctx, mode)
	a.afterUpdate(rep)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(a.stdout, rep)
	}
	printReport(a.stdout, rep)
	return nil
}

// afterUpdate flushes metrics and prunes the backups an update may have added.
func (a *app) afterUpdate(rep *update.Report) {
	if err := a.metrics.WriteFile(a.metricsFile); err != nil {
		a.logger.Warn("writing metrics", "path", a.metricsFile, "err", err)
	}
	if rep == nil || rep.BackupPath == "" {
		return
	}
	removed, err := a.store.PruneBackups(a.cfg.Backups.Keep)
	if err != nil {
		a.logger.Warn("pruning backups", "err", err)
	}
	for _, p := range removed {
		a.logger.Info("removed old backup", "path", p)
	}
}

func printReport(w io.Writer, rep *update.Report) {
	switch {
	case rep.FullRegeneration:
		fmt.Fprintf(w, "full regeneration (%s): %d modules\n", rep.Reason, len(rep.RegeneratedModules))
	case !rep.Written():
		fmt.Fprintln(w, "index up to date")
		return
	default:
		fmt.Fprintf(w, "updated %d modules", len(rep.RegeneratedModules))
		if len(rep.RemovedModules) > 0 {
			fmt.Fprintf(w, ", removed %d", len(rep.RemovedModules))
		}
		fmt.Fprintf(w, " (%d affected files)\n", len(rep.AffectedFiles))
	}
	if len(rep.RegeneratedModules) > 0 {
		fmt.Fprintf(w, "modules: %s\n", strings.Join(rep.RegeneratedModules, ", "))
	}
	if len(rep.RemovedModules) > 0 {
		fmt.Fprintf(w, "removed: %s\n", strings.Join(rep.RemovedModules, ", "))
	}
	if rep.BackupPath != "" {
		fmt.Fprintf(w, "previous index backed up to %s\n", rep.BackupPath)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) newBuildCmd() *cobra.Command {
	var full, skipDetails, asJSON bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the index, rebuilding only what changed when one exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := update.ModeIncremental
			switch {
			case skipDetails:
				mode = update.ModeSkipDetails
			case full:
				mode = update.ModeFull
			}
			return a.runUpdate(cmd.Context(), mode, asJSON)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "regenerate every document")
	cmd.Flags().BoolVar(&skipDetails, "skip-details", false, "write the core only, without module documents")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run report as JSON")
	return cmd
}

func (a *app) newUpdateCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Incrementally update an existing index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.store.Exists() {
				return fmt.Errorf("no index in %s; run `repoindex build` first", a.store.Dir())
			}
			return a.runUpdate(cmd.Context(), update.ModeIncremental, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run report as JSON")
	return cmd
}

func (a *app) newWatchCmd() *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the index up to date as files change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debounce <= 0 {
				debounce = a.cfg.Watch.Debounce
			}
			w := watch.New(a.updater(), watch.Options{
				Root:     a.root,
				IndexDir: a.cfg.IndexDir,
				Debounce: debounce,
				OnUpdate: func(rep *update.Report, err error) {
					a.afterUpdate(rep)
				},
			}, a.logger)
			a.logger.Info("watching", "root", a.root, "debounce", debounce)
			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before an update (default from config)")
	return cmd
}

func (a *app) newShowCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the core index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.loader()
			if err != nil {
				return err
			}
			core, err := l.LoadCore()
			if err != nil {
				return err
			}
			return a.output(format, core.CoreIndex, func() string { return toon.EncodeCore(core.CoreIndex) })
		},
	}
	cmd.Flags().StringVar(&format, "format", "toon", "output format: toon|json")
	return cmd
}

func (a *app) newModuleCmd() *cobra.Command {
	var format string
	var byPath bool
	cmd := &cobra.Command{
		Use:   "module <id>",
		Short: "Print one module document",
		Long: `Print one module document. With --path the argument is a source file
and the module that owns it is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.loader()
			if err != nil {
				return err
			}
			load := l.LoadModule
			if byPath {
				load = l.LoadByPath
			}
			dm, err := load(args[0])
			if err != nil {
				return err
			}
			return a.output(format, dm, func() string { return toon.EncodeModule(dm) })
		},
	}
	cmd.Flags().StringVar(&format, "format", "toon", "output format: toon|json")
	cmd.Flags().BoolVar(&byPath, "path", false, "treat the argument as a file path")
	return cmd
}

func (a *app) newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <path>",
		Short: "Print the id of the module that owns a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.loader()
			if err != nil {
				return err
			}
			id, err := l.ResolveModuleForFile(args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(a.stdout, id)
			return nil
		},
	}
}

func (a *app) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the index structure and module hashes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := update.Validate(a.store); err != nil {
				var unsupported *loader.UnsupportedFormatError
				if errors.As(err, &unsupported) {
					return err
				}
				return fmt.Errorf("%w; %s", err, update.CorrectiveAction)
			}
			_, _ = fmt.Fprintln(a.stdout, "index valid")
			return nil
		},
	}
}

func (a *app) newBackupCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "backup [name]",
		Short: "Copy the current index into the backups directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				backups, err := a.store.Backups()
				if err != nil {
					return err
				}
				for _, b := range backups {
					_, _ = fmt.Fprintf(a.stdout, "%s\t%s\n", b.CreatedAt.Format(time.RFC3339), b.Path)
				}
				return nil
			}
			name := ""
			if len(args) > 0 {
				name = args[0]
			}
			path, err := a.store.Backup(name, time.Now())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(a.stdout, path)
			a.afterUpdate(&update.Report{BackupPath: path})
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list existing backups")
	return cmd
}

func (a *app) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the index to agents over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.loader()
			if err != nil {
				return err
			}
			a.logger.Info("serving index", "dir", a.store.Dir())
			return serve.New(l, version, a.logger).Serve()
		},
	}
}

// output writes v as JSON or as the TOON rendering from render.
func (a *app) output(format string, v any, render func() string) error {
	switch format {
	case "toon":
		_, _ = fmt.Fprintln(a.stdout, render())
		return nil
	case "json":
		return writeJSON(a.stdout, v)
	}
	return fmt.Errorf("unknown format %q (want toon or json)", format)
}
