package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/schaermu/reftrackd/internal/manifest"
)

// Plan is the set of filesystem operations bringing one repository's
// snapshot directory in line with upstream.
type Plan struct {
	RepoDir string
	Writes  []FileOp
	Deletes []FileOp
	// Unchanged counts current refs whose file already has the rendered
	// content.
	Unchanged int
	// Manifest is persisted after all operations succeed.
	Manifest manifest.Manifest
	// SaveManifest is false when the persisted manifest already equals
	// Manifest.
	SaveManifest bool
}

// FileOp is a write or delete of one ref file.
type FileOp struct {
	Entry manifest.Entry
	// Path is the absolute file path.
	Path    string
	Content []byte // new content, writes only
	// Previous holds the content found on disk while planning, used to roll
	// back on failure. Existed is false for new files.
	Previous []byte
	Existed  bool
}

// Empty reports whether the plan changes nothing on disk.
func (p *Plan) Empty() bool {
	return len(p.Writes) == 0 && len(p.Deletes) == 0 && !p.SaveManifest
}

// FilesystemError reports a failed file operation.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// buildPlan diffs the reconciled refs against the files on disk.
// content maps manifest keys to rendered content.
func buildPlan(repoDir string, prev manifest.Manifest, prevPersisted bool, res *manifest.Result, content map[string][]byte) (*Plan, error) {
	plan := &Plan{
		RepoDir:      repoDir,
		Manifest:     res.Manifest,
		SaveManifest: !prevPersisted || !maps.Equal(prev, res.Manifest),
	}

	candidates := make([]manifest.Entry, 0, len(res.ToWrite)+len(res.Retained))
	candidates = append(candidates, res.ToWrite...)
	candidates = append(candidates, res.Retained...)

	for _, e := range candidates {
		op := FileOp{
			Entry:   e,
			Path:    entryPath(repoDir, e),
			Content: content[e.Key()],
		}
		existing, err := os.ReadFile(op.Path)
		switch {
		case err == nil:
			if bytes.Equal(existing, op.Content) {
				plan.Unchanged++
				continue
			}
			op.Previous = existing
			op.Existed = true
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, &FilesystemError{Op: "read", Path: e.Key(), Err: err}
		}
		plan.Writes = append(plan.Writes, op)
	}

	for _, e := range res.ToDelete {
		op := FileOp{Entry: e, Path: entryPath(repoDir, e)}
		existing, err := os.ReadFile(op.Path)
		switch {
		case err == nil:
			op.Previous = existing
			op.Existed = true
		case errors.Is(err, os.ErrNotExist):
			// Entry without file; dropping it from the manifest is enough.
			continue
		default:
			return nil, &FilesystemError{Op: "read", Path: e.Key(), Err: err}
		}
		plan.Deletes = append(plan.Deletes, op)
	}

	return plan, nil
}

func entryPath(repoDir string, e manifest.Entry) string {
	return filepath.Join(repoDir, filepath.FromSlash(e.Key()))
}

// applyPlan executes the plan. When any file operation fails, the operations
// already applied are rolled back and the manifest is not saved.
func applyPlan(plan *Plan, logger *zap.Logger) error {
	var applied []FileOp
	var errs error

	for _, op := range plan.Writes {
		logger.Debug("writing ref file", zap.String("path", op.Entry.Key()), zap.String("ref", op.Entry.OriginalName))
		if err := writeRefFile(op.Path, op.Content); err != nil {
			errs = multierr.Append(errs, &FilesystemError{Op: "write", Path: op.Entry.Key(), Err: err})
			continue
		}
		applied = append(applied, op)
	}

	for _, op := range plan.Deletes {
		logger.Debug("deleting ref file", zap.String("path", op.Entry.Key()), zap.String("ref", op.Entry.OriginalName))
		if err := os.Remove(op.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, &FilesystemError{Op: "delete", Path: op.Entry.Key(), Err: err})
			continue
		}
		applied = append(applied, op)
	}

	if errs != nil {
		if rbErr := rollback(applied, plan.Writes); rbErr != nil {
			logger.Error("rollback incomplete, run verify on this repository", zap.Error(rbErr))
			errs = multierr.Append(errs, rbErr)
		}
		return errs
	}

	if plan.SaveManifest {
		if err := plan.Manifest.Save(plan.RepoDir); err != nil {
			saveErr := &FilesystemError{Op: "save", Path: manifest.FileName, Err: err}
			if rbErr := rollback(applied, plan.Writes); rbErr != nil {
				return multierr.Append(saveErr, rbErr)
			}
			return saveErr
		}
	}
	return nil
}

func writeRefFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return manifest.WriteFileAtomic(path, content, 0644)
}

// rollback restores the on-disk state recorded while planning, newest
// operation first.
func rollback(applied, writes []FileOp) error {
	isWrite := make(map[string]bool, len(writes))
	for _, op := range writes {
		isWrite[op.Path] = true
	}

	var errs error
	for i := len(applied) - 1; i >= 0; i-- {
		op := applied[i]
		var err error
		switch {
		case op.Existed:
			err = writeRefFile(op.Path, op.Previous)
		case isWrite[op.Path]:
			err = os.Remove(op.Path)
			if errors.Is(err, os.ErrNotExist) {
				err = nil
			}
		}
		if err != nil {
			errs = multierr.Append(errs, &FilesystemError{Op: "restore", Path: op.Entry.Key(), Err: err})
		}
	}
	return errs
}

// logPlanDetails logs every operation of a dry run.
func logPlanDetails(plan *Plan, logger *zap.Logger) {
	for _, op := range plan.Writes {
		action := "[dry-run] would add"
		if op.Existed {
			action = "[dry-run] would update"
		}
		logger.Info(action, zap.String("path", op.Entry.Key()), zap.String("ref", op.Entry.OriginalName))
	}
	for _, op := range plan.Deletes {
		logger.Info("[dry-run] would delete", zap.String("path", op.Entry.Key()), zap.String("ref", op.Entry.OriginalName))
	}
	if plan.SaveManifest {
		logger.Info("[dry-run] would save manifest", zap.Int("entries", len(plan.Manifest)))
	}
}
