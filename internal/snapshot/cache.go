package snapshot

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// logCache keeps rendered ref files keyed by tip commit. The rendered log of
// a commit never changes, so entries are valid across refs, repositories and
// runs of the same engine.
type logCache struct {
	entries *lru.Cache[string, []byte]
}

func newLogCache(size int) (*logCache, error) {
	entries, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &logCache{entries: entries}, nil
}

func (c *logCache) get(commit string) ([]byte, bool) {
	if commit == "" {
		return nil, false
	}
	return c.entries.Get(commit)
}

func (c *logCache) add(commit string, content []byte) {
	if commit == "" {
		return
	}
	c.entries.Add(commit, content)
}

func (c *logCache) len() int {
	return c.entries.Len()
}
