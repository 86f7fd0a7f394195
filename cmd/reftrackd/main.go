package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/schaermu/reftrackd/internal/activation"
	"github.com/schaermu/reftrackd/internal/config"
	"github.com/schaermu/reftrackd/internal/git"
	"github.com/schaermu/reftrackd/internal/logging"
	"github.com/schaermu/reftrackd/internal/manifest"
	"github.com/schaermu/reftrackd/internal/reflog"
	"github.com/schaermu/reftrackd/internal/refname"
	"github.com/schaermu/reftrackd/internal/report"
	"github.com/schaermu/reftrackd/internal/snapshot"
	"github.com/schaermu/reftrackd/internal/watch"
	"github.com/schaermu/reftrackd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	noColor   bool

	// run and verify flags
	dryRun  bool
	repoIDs []string

	// show flags
	showCategory string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reftrackd",
	Short: "Archive branch and tag history of Git repositories",
	Long: `reftrackd exports every branch and tag of a set of Git repositories into
flat text files inside a tracking repository, one file per ref listing the
commits reachable from it, and commits the result.

The history of the tracking repository shows which refs existed at any point
in time and what they pointed at.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"sync"},
	Short:   "Take one snapshot of all configured repositories",
	Long: `Run fetches every configured repository into its mirror, renders the log
of each branch and tag, and updates the per-repository ref files and manifest
in the tracking directory. Repositories are processed independently: a
failure in one does not stop the others, but makes the command exit non-zero.

With tracking.commit enabled the changes are committed (and pushed with
tracking.push).`,
	RunE: runRun,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server and take periodic snapshots",
	Long: `Serve takes an initial snapshot, then listens for GitHub webhook events
(push, create, delete) and snapshots the repositories they refer to. With
serve.interval set, a full snapshot is also taken periodically.

The configuration file is watched and reloaded on change. The listener may
be passed in through systemd socket activation.`,
	RunE: runServe,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that ref files and manifests match",
	Long: `Verify checks, for every configured repository, that each ref file has
exactly one manifest entry and each manifest entry has its ref file.`,
	RunE: runVerify,
}

var showCmd = &cobra.Command{
	Use:   "show REPO REF",
	Short: "Print the recorded history of a branch or tag",
	Long: `Show reads the ref file of one branch (or tag, with --category tag) from
the tracking directory and prints its commits, newest first.`,
	Args: cobra.ExactArgs(2),
	RunE: runShow,
}

var encodeCmd = &cobra.Command{
	Use:   "encode NAME...",
	Short: "Print the file name used for ref names",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var errs error
		for _, name := range args {
			enc, err := refname.Encode(name)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), enc.FileName())
		}
		return errs
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode FILE...",
	Short: "Print the ref names stored in ref file names",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec := refname.NewCodec()
		var errs error
		for _, arg := range args {
			base := filepath.Base(arg)
			var name string
			var err error
			if strings.HasSuffix(base, refname.FileExt) {
				_, name, err = codec.ParseFileName(base)
			} else {
				name, err = codec.Decode(refname.Encoded(base))
			}
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return errs
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("reftrackd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/reftrackd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	runCmd.Flags().StringSliceVar(&repoIDs, "repo", nil, "only snapshot these repository ids (repeatable)")
	verifyCmd.Flags().StringSliceVar(&repoIDs, "repo", nil, "only verify these repository ids (repeatable)")
	showCmd.Flags().StringVar(&showCategory, "category", "branch", "ref category (branch, tag)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(encodeCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(versionCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger, err := setupLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(cfg, logger, snapshot.Options{DryRun: dryRun, Repos: repoIDs})
	if err != nil {
		return err
	}

	rep, err := engine.Run(ctx)
	if rep != nil {
		report.Printer{Out: cmd.OutOrStdout(), NoColor: noColor}.Print(rep)
	}
	if err != nil {
		logger.Error("snapshot run failed", zap.Error(err))
		return err
	}
	return rep.Err()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger, err := setupLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return errors.New("serve.enabled is false in the configuration")
	}

	engine, err := newEngine(cfg, logger, snapshot.Options{})
	if err != nil {
		return err
	}
	server, err := webhook.NewServer(cfg, engine, logger)
	if err != nil {
		return err
	}

	listener, err := activation.Listen(cfg.Serve.ListenAddr, "webhook", logger)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	watcher, err := watch.NewFileWatcher(configPath(), time.Second, logger)
	if err != nil {
		logger.Warn("config reload disabled", zap.Error(err))
	} else {
		defer func() { _ = watcher.Close() }()
		go func() {
			_ = watcher.Run(ctx, func() { reloadConfig(server, cfg.Serve.ListenAddr, logger) })
		}()
	}

	return server.Start(ctx, listener)
}

// reloadConfig loads the configuration again and hands it to the server.
// An invalid file keeps the running configuration.
func reloadConfig(server *webhook.Server, listenAddr string, logger *zap.Logger) {
	cfg, err := loadConfig(logger)
	if err != nil {
		logger.Error("ignoring invalid configuration", zap.Error(err))
		return
	}
	if cfg.Serve.ListenAddr != listenAddr {
		logger.Warn("serve.listen_addr changed, restart to apply", zap.String("listen_addr", cfg.Serve.ListenAddr))
	}
	engine, err := newEngine(cfg, logger, snapshot.Options{})
	if err != nil {
		logger.Error("ignoring configuration", zap.Error(err))
		return
	}
	if err := server.Reload(cfg, engine); err != nil {
		logger.Error("failed to reload configuration", zap.Error(err))
	}
}

func runVerify(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ids := repoIDs
	if len(ids) == 0 {
		for _, r := range cfg.Repos {
			ids = append(ids, r.ID)
		}
	}

	var failed []string
	for _, id := range ids {
		if _, ok := cfg.Repo(id); !ok {
			return fmt.Errorf("unknown repository %q", id)
		}
		if err := verifyRepo(cfg.RepoSnapshotDir(id)); err != nil {
			failed = append(failed, id)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", id, err)
			continue
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok   %s\n", id)
	}

	if len(failed) > 0 {
		return &snapshot.FailedError{Failed: failed}
	}
	return nil
}

// verifyRepo checks the bijection between a repository's manifest and its
// ref files. A repository never snapshotted passes.
func verifyRepo(repoDir string) error {
	m, err := manifest.Load(repoDir)
	if errors.Is(err, os.ErrNotExist) {
		m = manifest.New()
	} else if err != nil {
		return err
	}
	return manifest.Verify(repoDir, m)
}

func runShow(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	commits, err := readRefLog(cfg, args[0], showCategory, args[1])
	if err != nil {
		return err
	}
	report.Printer{Out: cmd.OutOrStdout(), NoColor: noColor}.PrintLog(commits)
	return nil
}

// readRefLog loads the recorded history of one ref of a configured
// repository.
func readRefLog(cfg *config.Config, id, category, name string) ([]reflog.Commit, error) {
	if _, ok := cfg.Repo(id); !ok {
		return nil, fmt.Errorf("unknown repository %q", id)
	}
	cat, err := refname.ParseCategory(category)
	if err != nil {
		return nil, err
	}
	enc, err := refname.Encode(name)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(cfg.RepoSnapshotDir(id), cat.Dir(), enc.FileName())
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no %s %q recorded for %s", cat, name, id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read ref file: %w", err)
	}

	commits, err := reflog.Parse(data, cfg.Tracking.Timestamps)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return commits, nil
}

// newEngine wires the git clients into a snapshot engine.
func newEngine(cfg *config.Config, logger *zap.Logger, opts snapshot.Options) (*snapshot.Engine, error) {
	shell := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile).
		WithAuthor(cfg.Tracking.AuthorName, cfg.Tracking.AuthorEmail)
	client := git.NewRetryClient(shell, cfg.Sync.Retries, cfg.Sync.RetryBackoff, logger)

	var committer git.Committer
	if cfg.Tracking.Commit {
		committer = shell
	}
	return snapshot.NewEngine(cfg, client, committer, logger, opts)
}

func setupLogger() (*zap.Logger, error) {
	return logging.New(logLevel, logFormat)
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "reftrackd", "config.yaml")
	}
	return filepath.Join(home, ".config", "reftrackd", "config.yaml")
}

func loadConfig(logger *zap.Logger) (*config.Config, error) {
	path := configPath()
	logger.Info("loading configuration", zap.String("path", path))

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		zap.Int("repos", len(cfg.Repos)),
		zap.String("tracking_dir", cfg.Tracking.Dir),
		zap.String("cache_dir", cfg.Paths.CacheDir),
		zap.String("auth", cfg.AuthMethod()))

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
