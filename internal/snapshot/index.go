package snapshot

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/schaermu/reftrackd/internal/manifest"
	"github.com/schaermu/reftrackd/internal/refname"
)

// Global index files written to the root of the tracking directory.
const (
	ReposIndexFile   = "all-repos.json"
	TagsIndexFile    = "all-tags.json"
	TagsListFile     = "all-tags.txt"
	indexPermissions = 0644
)

// Index is the cross-repository view built from the persisted manifests.
type Index struct {
	Repos []string
	// Tags maps a tag name to the sorted ids of the repositories carrying it.
	Tags map[string][]string
}

// buildIndex reads the persisted manifest of every repository. Repositories
// without a readable manifest contribute no tags.
func buildIndex(reposDir string, ids []string, logger *zap.Logger) *Index {
	idx := &Index{
		Repos: append([]string(nil), ids...),
		Tags:  make(map[string][]string),
	}
	sort.Strings(idx.Repos)

	for _, id := range idx.Repos {
		m, err := manifest.Load(filepath.Join(reposDir, id))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Warn("skipping repository in tag index", zap.String("repo", id), zap.Error(err))
			}
			continue
		}
		for _, e := range m.ByCategory(refname.Tag) {
			idx.Tags[e.OriginalName] = append(idx.Tags[e.OriginalName], id)
		}
	}
	return idx
}

// SortedTags returns the tag names in version order. Tags that parse as
// semantic versions come first, ascending; the rest follow in lexical order.
func (idx *Index) SortedTags() []string {
	tags := make([]string, 0, len(idx.Tags))
	for t := range idx.Tags {
		tags = append(tags, t)
	}
	return sortTags(tags)
}

func sortTags(tags []string) []string {
	versions := make(map[string]*semver.Version, len(tags))
	for _, t := range tags {
		if v, err := semver.NewVersion(t); err == nil {
			versions[t] = v
		}
	}

	sort.Slice(tags, func(i, j int) bool {
		vi, iok := versions[tags[i]]
		vj, jok := versions[tags[j]]
		switch {
		case iok && jok:
			if c := vi.Compare(vj); c != 0 {
				return c < 0
			}
			return tags[i] < tags[j]
		case iok != jok:
			return iok
		default:
			return tags[i] < tags[j]
		}
	})
	return tags
}

// writeIndex writes the three index files into dir.
func writeIndex(dir string, idx *Index) error {
	repos, err := json.MarshalIndent(idx.Repos, "", "  ")
	if err != nil {
		return err
	}
	if err := manifest.WriteFileAtomic(filepath.Join(dir, ReposIndexFile), append(repos, '\n'), indexPermissions); err != nil {
		return &FilesystemError{Op: "write", Path: ReposIndexFile, Err: err}
	}

	tagMap, err := json.MarshalIndent(idx.Tags, "", "  ")
	if err != nil {
		return err
	}
	if err := manifest.WriteFileAtomic(filepath.Join(dir, TagsIndexFile), append(tagMap, '\n'), indexPermissions); err != nil {
		return &FilesystemError{Op: "write", Path: TagsIndexFile, Err: err}
	}

	var b strings.Builder
	for _, t := range idx.SortedTags() {
		b.WriteString(t)
		b.WriteByte('\n')
	}
	if err := manifest.WriteFileAtomic(filepath.Join(dir, TagsListFile), []byte(b.String()), indexPermissions); err != nil {
		return &FilesystemError{Op: "write", Path: TagsListFile, Err: err}
	}
	return nil
}
