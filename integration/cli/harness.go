//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/reftrackd/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness runs a freshly built reftrackd binary against local repositories.
type Harness struct {
	t      *testing.T
	binary string
	Root   string
	// Tracking is a git worktree receiving the snapshots.
	Tracking string
	// Remote is the bare repository Tracking pushes to.
	Remote string
	Config string
}

// NewHarness builds the binary and prepares the tracking repository.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}

	root := t.TempDir()
	h := &Harness{
		t:        t,
		binary:   filepath.Join(root, "reftrackd"),
		Root:     root,
		Tracking: filepath.Join(root, "tracking"),
		Remote:   filepath.Join(root, "tracking.git"),
		Config:   filepath.Join(root, "config.yaml"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	build := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/reftrackd")
	build.Dir = projectRoot
	build.Stdout = &testWriter{t: t, prefix: "[build] "}
	build.Stderr = &testWriter{t: t, prefix: "[build] "}
	if err := build.Run(); err != nil {
		t.Fatalf("go build: %v", err)
	}

	testutil.Git(t, "init", "--bare", "-b", "main", h.Remote)
	testutil.InitRepo(t, h.Tracking, "main")
	testutil.Git(t, "-C", h.Tracking, "remote", "add", "origin", h.Remote)
	return h
}

// NewUpstream creates an upstream repository with one commit on main.
func (h *Harness) NewUpstream(name string) string {
	h.t.Helper()
	dir := filepath.Join(h.Root, "upstream", name)
	testutil.InitRepo(h.t, dir, "main")
	testutil.CommitFile(h.t, dir, "README", name+"\n", "Initial commit")
	return dir
}

// WriteConfig writes the configuration used by Exec.
func (h *Harness) WriteConfig(repos map[string]string) {
	h.t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "tracking:\n  dir: %q\n  commit: true\n  push: true\n", h.Tracking)
	b.WriteString("sync:\n  retries: 1\nrepos:\n")
	for id, url := range repos {
		fmt.Fprintf(&b, "  - id: %s\n    url: %q\n", id, url)
	}
	if err := os.WriteFile(h.Config, []byte(b.String()), 0600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// Exec runs the binary with the harness configuration and returns stdout,
// stderr and the exit code.
func (h *Harness) Exec(args ...string) (string, string, int) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	args = append([]string{"--config", h.Config, "--no-color"}, args...)
	cmd := exec.CommandContext(ctx, h.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			h.t.Fatalf("exec %v: %v", args, err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode
}

// MustExec runs the binary and fails the test on a non-zero exit code.
func (h *Harness) MustExec(args ...string) string {
	h.t.Helper()
	stdout, stderr, code := h.Exec(args...)
	if code != 0 {
		h.t.Fatalf("reftrackd %v exited %d\nstdout:\n%s\nstderr:\n%s", args, code, stdout, stderr)
	}
	return stdout
}

// ReadSnapshot returns the content of a file below the tracking directory.
func (h *Harness) ReadSnapshot(rel string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(h.Tracking, filepath.FromSlash(rel)))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}
