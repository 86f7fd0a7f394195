package manifest

import (
	"fmt"

	"github.com/schaermu/reftrackd/internal/refname"
)

// Ref is a ref currently present upstream, already encoded.
type Ref struct {
	Category     refname.Category
	Name         string
	Encoded      refname.Encoded
	LatestCommit string
}

func (r Ref) entry() Entry {
	return Entry{
		EncodedName:  r.Encoded,
		OriginalName: r.Name,
		Category:     r.Category,
		LatestCommit: r.LatestCommit,
	}
}

// CollisionError reports two distinct ref names sharing one encoded name in
// the same category.
type CollisionError struct {
	Category refname.Category
	Encoded  refname.Encoded
	Names    [2]string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("%s refs %q and %q both map to %s", e.Category, e.Names[0], e.Names[1], Key(e.Category, e.Encoded))
}

// Result is the outcome of reconciling a manifest against current refs.
// All entry lists are sorted by key.
type Result struct {
	// Manifest is the manifest to persist once the file operations succeed.
	Manifest Manifest
	// ToWrite holds refs that have no file yet.
	ToWrite []Entry
	// Retained holds refs present before and now; their content may still
	// have changed.
	Retained []Entry
	// ToDelete holds entries of refs that no longer exist upstream.
	ToDelete []Entry
}

// Reconcile compares the previous manifest with the current set of refs.
// Refs are matched by key only; a rename shows up as one deletion and one
// addition.
func Reconcile(prev Manifest, current []Ref) (*Result, error) {
	next := New()
	for _, r := range current {
		e := r.entry()
		k := e.Key()
		if existing, ok := next[k]; ok {
			if existing.OriginalName != e.OriginalName {
				return nil, &CollisionError{
					Category: r.Category,
					Encoded:  r.Encoded,
					Names:    [2]string{existing.OriginalName, e.OriginalName},
				}
			}
			continue
		}
		next[k] = e
	}

	res := &Result{Manifest: next}
	for _, k := range next.Keys() {
		e := next[k]
		old, ok := prev[k]
		if !ok {
			res.ToWrite = append(res.ToWrite, e)
			continue
		}
		if old.OriginalName != e.OriginalName {
			return nil, &CollisionError{
				Category: e.Category,
				Encoded:  e.EncodedName,
				Names:    [2]string{old.OriginalName, e.OriginalName},
			}
		}
		res.Retained = append(res.Retained, e)
	}

	for _, k := range prev.Keys() {
		if _, ok := next[k]; !ok {
			res.ToDelete = append(res.ToDelete, prev[k])
		}
	}
	return res, nil
}
