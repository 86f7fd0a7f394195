// Package manifest persists the mapping between the ref files of a tracked
// repository and the refs they were rendered from, and reconciles it against
// the refs currently present upstream.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schaermu/reftrackd/internal/refname"
)

// FileName is the manifest file inside a repository's snapshot directory.
const FileName = "refs-manifest.json"

// Entry describes one ref file.
type Entry struct {
	EncodedName  refname.Encoded  `json:"encoded_name"`
	OriginalName string           `json:"original_name"`
	Category     refname.Category `json:"category"`
	LatestCommit string           `json:"latest_commit,omitempty"`
}

// Key returns the entry's manifest key, its slash-separated path relative to
// the repository snapshot directory.
func (e Entry) Key() string {
	return Key(e.Category, e.EncodedName)
}

// Key builds the manifest key for an encoded name in a category.
func Key(cat refname.Category, enc refname.Encoded) string {
	return path.Join(cat.Dir(), enc.FileName())
}

// Manifest maps manifest keys to entries.
type Manifest map[string]Entry

// New returns an empty manifest.
func New() Manifest {
	return make(Manifest)
}

// Keys returns the manifest keys in sorted order.
func (m Manifest) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ByCategory returns the entries of one category sorted by key.
func (m Manifest) ByCategory(cat refname.Category) []Entry {
	var out []Entry
	for _, k := range m.Keys() {
		if e := m[k]; e.Category == cat {
			out = append(out, e)
		}
	}
	return out
}

// Validate checks that every entry is stored under its own key and that its
// encoded and original names agree.
func (m Manifest) Validate() error {
	for k, e := range m {
		if e.Category != refname.Branch && e.Category != refname.Tag {
			return fmt.Errorf("entry %s: unknown category %q", k, e.Category)
		}
		if k != e.Key() {
			return fmt.Errorf("entry %s: stored under wrong key (expected %s)", k, e.Key())
		}
		name, err := refname.Decode(e.EncodedName)
		if err != nil {
			return fmt.Errorf("entry %s: %w", k, err)
		}
		if name != e.OriginalName {
			return fmt.Errorf("entry %s: encoded name decodes to %q, manifest says %q", k, name, e.OriginalName)
		}
	}
	return nil
}

// Load reads the manifest of a repository snapshot directory. A missing
// file yields os.ErrNotExist wrapped in the returned error.
func Load(repoDir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(repoDir, FileName))
	if err != nil {
		return nil, err
	}

	m := New()
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}
	if m == nil {
		m = New()
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return m, nil
}

// Save atomically replaces the manifest file of a repository snapshot
// directory.
func (m Manifest) Save(repoDir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.MkdirAll(repoDir, 0755); err != nil {
		return err
	}
	return WriteFileAtomic(filepath.Join(repoDir, FileName), data, 0644)
}

// WriteFileAtomic writes data to a temp file next to dst and renames it into
// place, so readers see either the old or the new content.
func WriteFileAtomic(dst string, data []byte, perm os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".reftrackd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// ScanResult is the set of ref files found on disk.
type ScanResult struct {
	Manifest Manifest
	// Strays are files in a category directory whose names do not decode.
	Strays []string
}

// Scan rebuilds a manifest from the ref files present under repoDir. Latest
// commits are not recovered. Dot-files are ignored.
func Scan(repoDir string) (*ScanResult, error) {
	res := &ScanResult{Manifest: New()}
	codec := refname.NewCodec()

	for _, cat := range refname.Categories {
		dir := filepath.Join(repoDir, cat.Dir())
		info, err := os.Stat(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", dir, err)
		}
		if !info.IsDir() {
			res.Strays = append(res.Strays, cat.Dir())
			continue
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}

		for _, de := range entries {
			if strings.HasPrefix(de.Name(), ".") {
				continue
			}
			rel := path.Join(cat.Dir(), de.Name())
			if de.IsDir() {
				res.Strays = append(res.Strays, rel)
				continue
			}
			enc, name, err := codec.ParseFileName(de.Name())
			if err != nil {
				res.Strays = append(res.Strays, rel)
				continue
			}
			e := Entry{EncodedName: enc, OriginalName: name, Category: cat}
			res.Manifest[e.Key()] = e
		}
	}

	sort.Strings(res.Strays)
	return res, nil
}

// VerifyError lists the differences between a manifest and the files on disk.
type VerifyError struct {
	// Orphans are files on disk without a manifest entry.
	Orphans []string
	// Dangling are manifest entries without a file on disk.
	Dangling []string
}

func (e *VerifyError) Error() string {
	var parts []string
	if len(e.Orphans) > 0 {
		parts = append(parts, fmt.Sprintf("%d file(s) without manifest entry: %s", len(e.Orphans), strings.Join(e.Orphans, ", ")))
	}
	if len(e.Dangling) > 0 {
		parts = append(parts, fmt.Sprintf("%d manifest entr(y/ies) without file: %s", len(e.Dangling), strings.Join(e.Dangling, ", ")))
	}
	return "manifest does not match files: " + strings.Join(parts, "; ")
}

// Verify checks that the files under repoDir and the entries of m match one
// to one.
func Verify(repoDir string, m Manifest) error {
	scan, err := Scan(repoDir)
	if err != nil {
		return err
	}

	verr := &VerifyError{Orphans: append([]string(nil), scan.Strays...)}
	for _, k := range scan.Manifest.Keys() {
		if _, ok := m[k]; !ok {
			verr.Orphans = append(verr.Orphans, k)
		}
	}
	for _, k := range m.Keys() {
		if _, ok := scan.Manifest[k]; !ok {
			verr.Dangling = append(verr.Dangling, k)
		}
	}

	if len(verr.Orphans) == 0 && len(verr.Dangling) == 0 {
		return nil
	}
	sort.Strings(verr.Orphans)
	return verr
}
