package snapshot

import (
	"fmt"
	"time"
)

// Status is the outcome of one repository cycle.
type Status string

const (
	// StatusSynced means the snapshot matches upstream and its manifest
	// was persisted (or did not need to change).
	StatusSynced Status = "synced"
	// StatusPlanned is reported by dry runs instead of StatusSynced.
	StatusPlanned Status = "planned"
	// StatusFailed means the cycle aborted; files and manifest of the
	// repository are as they were before the run.
	StatusFailed Status = "failed"
	// StatusSkipped means the run was cancelled before the cycle reached
	// its write phase.
	StatusSkipped Status = "skipped"
)

// RepoResult summarizes one repository cycle.
type RepoResult struct {
	ID        string
	Status    Status
	Branches  int
	Tags      int
	Written   int
	Deleted   int
	Unchanged int
	Duration  time.Duration
	Err       error
}

// Report is the outcome of a run over all selected repositories.
type Report struct {
	RunID      string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
	// Results are sorted by repository id.
	Results   []RepoResult
	Committed bool
	Pushed    bool
}

// Failed returns the results of repositories whose cycle failed.
func (r *Report) Failed() []RepoResult {
	var out []RepoResult
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			out = append(out, res)
		}
	}
	return out
}

// Changed reports whether any repository had files written or deleted.
func (r *Report) Changed() bool {
	for _, res := range r.Results {
		if res.Written > 0 || res.Deleted > 0 {
			return true
		}
	}
	return false
}

// FailedError is returned by callers that turn a report into an exit status.
type FailedError struct {
	Failed []string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%d repositor(y/ies) failed: %v", len(e.Failed), e.Failed)
}

// Err returns a *FailedError naming the failed repositories, or nil.
func (r *Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(failed))
	for _, res := range failed {
		ids = append(ids, res.ID)
	}
	return &FailedError{Failed: ids}
}
