package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Git runs a git command and fails the test on error. It returns the trimmed
// combined output.
func Git(t testing.TB, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", args...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// InitRepo creates a repository in dir with branch checked out and a local
// identity configured.
func InitRepo(t testing.TB, dir, branch string) {
	t.Helper()
	Git(t, "init", "-b", branch, dir)
	Git(t, "-C", dir, "config", "user.email", "test@test.com")
	Git(t, "-C", dir, "config", "user.name", "Test")
	Git(t, "-C", dir, "config", "commit.gpgsign", "false")
	Git(t, "-C", dir, "config", "tag.gpgsign", "false")
}

// CommitFile writes content to name inside repoDir, commits it with msg and
// returns the new commit hash.
func CommitFile(t testing.TB, repoDir, name, content, msg string) string {
	t.Helper()
	path := filepath.Join(repoDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	Git(t, "-C", repoDir, "add", name)
	Git(t, "-C", repoDir, "commit", "-m", msg)
	return Git(t, "-C", repoDir, "rev-parse", "HEAD")
}
