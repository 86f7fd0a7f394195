// Package snapshot runs reconciliation cycles: for every tracked repository
// it exports branches and tags into per-ref files, keeps the repository's
// manifest in step with those files and records the result in the tracking
// repository.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/reftrackd/internal/config"
	"github.com/schaermu/reftrackd/internal/git"
	"github.com/schaermu/reftrackd/internal/logging"
	"github.com/schaermu/reftrackd/internal/manifest"
	"github.com/schaermu/reftrackd/internal/reflog"
	"github.com/schaermu/reftrackd/internal/refname"
)

// Options tune a single engine.
type Options struct {
	DryRun bool
	// Repos restricts runs to these repository ids. Empty means all.
	Repos []string
}

// Engine orchestrates snapshot runs
type Engine struct {
	cfg       *config.Config
	git       git.Client
	committer git.Committer
	logger    *zap.Logger
	opts      Options
	codec     *refname.Codec
	cache     *logCache
	render    reflog.Options

	now func() time.Time
}

// NewEngine creates a new snapshot engine. committer may be nil when
// tracking.commit is disabled.
func NewEngine(cfg *config.Config, gitClient git.Client, committer git.Committer, logger *zap.Logger, opts Options) (*Engine, error) {
	for _, id := range opts.Repos {
		if _, ok := cfg.Repo(id); !ok {
			return nil, fmt.Errorf("unknown repository %q", id)
		}
	}
	if cfg.Tracking.Commit && committer == nil {
		return nil, fmt.Errorf("tracking.commit is enabled but no committer was provided")
	}

	cache, err := newLogCache(cfg.Sync.LogCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create log cache: %w", err)
	}

	return &Engine{
		cfg:       cfg,
		git:       gitClient,
		committer: committer,
		logger:    logger,
		opts:      opts,
		codec:     refname.NewCodec(),
		cache:     cache,
		render:    reflog.Options{Timestamps: cfg.Tracking.Timestamps},
		now:       time.Now,
	}, nil
}

// Run executes one snapshot run over the selected repositories. Failures of
// single repositories are recorded in the report; the returned error is
// reserved for failures of the run as a whole (index, commit, push).
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	return e.run(ctx, e.selected())
}

// RunRepos is Run restricted to the given repository ids. Unknown ids are
// ignored.
func (e *Engine) RunRepos(ctx context.Context, ids []string) (*Report, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var repos []config.RepoConfig
	for _, r := range e.selected() {
		if want[r.ID] {
			repos = append(repos, r)
		}
	}
	return e.run(ctx, repos)
}

func (e *Engine) selected() []config.RepoConfig {
	if len(e.opts.Repos) == 0 {
		return e.cfg.Repos
	}
	want := make(map[string]bool, len(e.opts.Repos))
	for _, id := range e.opts.Repos {
		want[id] = true
	}
	var repos []config.RepoConfig
	for _, r := range e.cfg.Repos {
		if want[r.ID] {
			repos = append(repos, r)
		}
	}
	return repos
}

func (e *Engine) run(ctx context.Context, repos []config.RepoConfig) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		DryRun:    e.opts.DryRun,
		StartedAt: e.now().UTC(),
	}
	logger := logging.WithRun(e.logger, report.RunID)
	logger.Info("starting snapshot run",
		zap.Int("repos", len(repos)),
		zap.Int("workers", e.cfg.Sync.Workers),
		zap.Bool("dry_run", e.opts.DryRun))

	results := make([]RepoResult, len(repos))
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Sync.Workers)
	for i, repo := range repos {
		// Checked between repositories; a started cycle is never interrupted
		// inside its write phase.
		if err := ctx.Err(); err != nil {
			results[i] = RepoResult{ID: repo.ID, Status: StatusSkipped, Err: err}
			continue
		}
		g.Go(func() error {
			results[i] = e.syncRepo(ctx, logger, repo)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	report.Results = results

	if !e.opts.DryRun {
		if err := e.finish(ctx, logger, report); err != nil {
			report.FinishedAt = e.now().UTC()
			return report, err
		}
	}

	report.FinishedAt = e.now().UTC()
	logger.Info("snapshot run finished",
		zap.Int("failed", len(report.Failed())),
		zap.Bool("committed", report.Committed),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

// finish writes the global indexes and records the run in the tracking
// repository.
func (e *Engine) finish(ctx context.Context, logger *zap.Logger, report *Report) error {
	ids := make([]string, 0, len(e.cfg.Repos))
	for _, r := range e.cfg.Repos {
		ids = append(ids, r.ID)
	}
	if err := os.MkdirAll(e.cfg.Tracking.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create tracking directory: %w", err)
	}
	idx := buildIndex(e.cfg.ReposDir(), ids, logger)
	if err := writeIndex(e.cfg.Tracking.Dir, idx); err != nil {
		return fmt.Errorf("failed to write global index: %w", err)
	}
	logger.Info("global index written", zap.Int("repos", len(idx.Repos)), zap.Int("tags", len(idx.Tags)))

	if !e.cfg.Tracking.Commit {
		return nil
	}
	if err := ctx.Err(); err != nil {
		logger.Warn("run cancelled, leaving changes uncommitted", zap.Error(err))
		return nil
	}

	msg := fmt.Sprintf("Snapshot %s\n\nRun-Id: %s\n", report.StartedAt.Format(time.RFC3339), report.RunID)
	committed, err := e.committer.CommitAll(ctx, e.cfg.Tracking.Dir, msg)
	if err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	report.Committed = committed
	if !committed {
		logger.Info("no changes to commit")
		return nil
	}
	logger.Info("snapshot committed")

	if e.cfg.Tracking.Push {
		if err := e.committer.Push(ctx, e.cfg.Tracking.Dir); err != nil {
			return fmt.Errorf("failed to push snapshot: %w", err)
		}
		report.Pushed = true
		logger.Info("snapshot pushed")
	}
	return nil
}

// upstreamRef is a ref found upstream together with its rendered file.
type upstreamRef struct {
	ref     manifest.Ref
	content []byte
}

// syncRepo runs one reconciliation cycle.
func (e *Engine) syncRepo(ctx context.Context, logger *zap.Logger, repo config.RepoConfig) RepoResult {
	start := e.now()
	res := RepoResult{ID: repo.ID}
	logger = logger.With(zap.String("repo", repo.ID))

	fail := func(err error) RepoResult {
		res.Status = StatusFailed
		res.Err = err
		res.Duration = e.now().Sub(start)
		logger.Error("repository cycle failed", zap.Error(err))
		return res
	}

	if err := ctx.Err(); err != nil {
		res.Status = StatusSkipped
		res.Err = err
		return res
	}

	refs, err := e.fetch(ctx, logger, repo)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Warn("run cancelled while fetching", zap.Error(err))
			res.Status = StatusSkipped
			res.Err = ctxErr
			res.Duration = e.now().Sub(start)
			return res
		}
		return fail(err)
	}
	for _, r := range refs {
		if r.ref.Category == refname.Tag {
			res.Tags++
		} else {
			res.Branches++
		}
	}

	repoDir := e.cfg.RepoSnapshotDir(repo.ID)
	prev, persisted, err := e.loadManifest(logger, repoDir)
	if err != nil {
		return fail(err)
	}

	current := make([]manifest.Ref, 0, len(refs))
	content := make(map[string][]byte, len(refs))
	for _, r := range refs {
		current = append(current, r.ref)
		content[manifest.Key(r.ref.Category, r.ref.Encoded)] = r.content
	}
	reconciled, err := manifest.Reconcile(prev, current)
	if err != nil {
		return fail(err)
	}

	plan, err := buildPlan(repoDir, prev, persisted, reconciled, content)
	if err != nil {
		return fail(err)
	}
	res.Unchanged = plan.Unchanged
	logger.Info("snapshot plan",
		zap.Int("write", len(plan.Writes)),
		zap.Int("delete", len(plan.Deletes)),
		zap.Int("unchanged", plan.Unchanged))

	if err := ctx.Err(); err != nil {
		logger.Warn("run cancelled before write phase", zap.Error(err))
		res.Status = StatusSkipped
		res.Err = err
		res.Duration = e.now().Sub(start)
		return res
	}

	if e.opts.DryRun {
		logPlanDetails(plan, logger)
		res.Status = StatusPlanned
		res.Written = len(plan.Writes)
		res.Deleted = len(plan.Deletes)
		res.Duration = e.now().Sub(start)
		return res
	}

	if err := applyPlan(plan, logger); err != nil {
		return fail(err)
	}

	res.Status = StatusSynced
	res.Written = len(plan.Writes)
	res.Deleted = len(plan.Deletes)
	res.Duration = e.now().Sub(start)
	logger.Info("repository synced", zap.Duration("duration", res.Duration))
	return res
}

// fetch updates the mirror and renders every current ref. The whole fetch
// phase is bounded by sync.fetch_timeout.
func (e *Engine) fetch(ctx context.Context, logger *zap.Logger, repo config.RepoConfig) ([]upstreamRef, error) {
	if e.cfg.Sync.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Sync.FetchTimeout)
		defer cancel()
	}

	mirror := e.cfg.MirrorDir(repo.ID)
	logger.Debug("updating mirror", zap.String("dir", mirror))
	if err := e.git.EnsureMirror(ctx, repo.URL, mirror); err != nil {
		return nil, fmt.Errorf("failed to update mirror: %w", err)
	}

	type pending struct {
		cat     refname.Category
		ref     git.Ref
		encoded refname.Encoded
	}
	var todo []pending
	for _, cat := range refname.Categories {
		refs, err := e.git.ListRefs(ctx, mirror, cat)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s refs: %w", cat, err)
		}
		for _, r := range refs {
			enc, err := e.codec.Encode(r.Name)
			if err != nil {
				logger.Warn("skipping ref with unencodable name", zap.String("category", string(cat)), zap.Error(err))
				continue
			}
			todo = append(todo, pending{cat: cat, ref: r, encoded: enc})
		}
	}

	rendered := make([]*upstreamRef, len(todo))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Sync.RefWorkers)
	for i, p := range todo {
		g.Go(func() error {
			content, ok := e.cache.get(p.ref.Commit)
			if !ok {
				commits, err := e.git.CommitLog(gctx, mirror, p.cat, p.ref.Name)
				if err != nil {
					if git.IsKind(err, git.NotFound) {
						logger.Warn("ref vanished while fetching its log, treating as removed",
							zap.String("category", string(p.cat)), zap.String("ref", p.ref.Name))
						return nil
					}
					return fmt.Errorf("failed to read log of %s %s: %w", p.cat, p.ref.Name, err)
				}
				content = reflog.Render(commits, e.render)
				e.cache.add(p.ref.Commit, content)
			}
			rendered[i] = &upstreamRef{
				ref: manifest.Ref{
					Category:     p.cat,
					Name:         p.ref.Name,
					Encoded:      p.encoded,
					LatestCommit: p.ref.Commit,
				},
				content: content,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]upstreamRef, 0, len(rendered))
	for _, r := range rendered {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// loadManifest returns the persisted manifest of repoDir and whether it was
// read from disk. Ref files without an entry are merged in, so files left
// behind by an interrupted cycle are reconciled like any other entry. A
// missing or unreadable manifest is rebuilt from the ref files alone.
func (e *Engine) loadManifest(logger *zap.Logger, repoDir string) (manifest.Manifest, bool, error) {
	scan, err := manifest.Scan(repoDir)
	if err != nil {
		return nil, false, fmt.Errorf("failed to scan ref files: %w", err)
	}
	for _, stray := range scan.Strays {
		logger.Warn("ignoring file that is not a ref file", zap.String("path", stray))
	}

	m, err := manifest.Load(repoDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("manifest unreadable, rebuilding from ref files", zap.Error(err))
		} else if n := len(scan.Manifest); n > 0 {
			logger.Warn("manifest missing, adopting existing ref files", zap.Int("files", n))
		}
		return scan.Manifest, false, nil
	}

	for key, entry := range scan.Manifest {
		if _, ok := m[key]; ok {
			continue
		}
		logger.Warn("adopting ref file without manifest entry", zap.String("path", key))
		m[key] = entry
	}
	return m, true, nil
}
