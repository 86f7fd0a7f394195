package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/schaermu/reftrackd/internal/reflog"
	"github.com/schaermu/reftrackd/internal/refname"
)

// Ref is a branch or tag and the commit it points at. Annotated tags are
// peeled to their commit.
type Ref struct {
	Name   string
	Commit string
}

// Client provides read access to mirrored upstream repositories
type Client interface {
	// EnsureMirror clones url as a bare mirror into dir, or fetches and
	// prunes an existing mirror
	EnsureMirror(ctx context.Context, url, dir string) error
	// ListRefs lists the refs of one category, sorted by name
	ListRefs(ctx context.Context, dir string, cat refname.Category) ([]Ref, error)
	// CommitLog returns the history reachable from a ref, oldest first
	CommitLog(ctx context.Context, dir string, cat refname.Category, name string) ([]reflog.Commit, error)
}

// Committer records changes of the tracking worktree
type Committer interface {
	// CommitAll stages everything under dir and commits it. It reports
	// false when there was nothing to commit.
	CommitAll(ctx context.Context, dir, message string) (bool, error)
	// Push pushes the current branch of dir to its upstream
	Push(ctx context.Context, dir string) error
}

// ShellClient implements Client and Committer by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
	authorName     string
	authorEmail    string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// WithAuthor sets the identity used for snapshot commits. Empty values fall
// back to the git configuration of the tracking repository.
func (c *ShellClient) WithAuthor(name, email string) *ShellClient {
	c.authorName = name
	c.authorEmail = email
	return c
}

// EnsureMirror clones or fetches the mirror in dir
func (c *ShellClient) EnsureMirror(ctx context.Context, url, dir string) error {
	exists := false
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err == nil {
		exists = true
	}

	if !exists {
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}
		cmd := exec.CommandContext(ctx, "git", "clone", "--mirror", url, dir)
		if err := c.configureAuth(cmd, url); err != nil {
			return err
		}
		if _, err := c.run(ctx, cmd, "clone", url, ""); err != nil {
			return err
		}
		return nil
	}

	// Mirrors fetch +refs/*:refs/*, so pruning drops deleted branches and tags.
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "fetch", "--prune", "--prune-tags", "origin")
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	_, err := c.run(ctx, cmd, "fetch", url, "")
	return err
}

// ListRefs lists branches or tags of the mirror in dir
func (c *ShellClient) ListRefs(ctx context.Context, dir string, cat refname.Category) ([]Ref, error) {
	prefix := cat.GitPrefix()
	if prefix == "" {
		return nil, fmt.Errorf("unknown ref category %q", cat)
	}

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "for-each-ref",
		"--sort=refname",
		"--format=%(refname)%09%(objectname)%09%(*objectname)",
		strings.TrimSuffix(prefix, "/"))
	out, err := c.run(ctx, cmd, "for-each-ref", dir, "")
	if err != nil {
		return nil, err
	}

	return parseRefs(out, prefix)
}

// parseRefs parses for-each-ref output of the form
// "<refname>\t<object>\t<peeled object>".
func parseRefs(out, prefix string) ([]Ref, error) {
	var refs []Ref
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return nil, fmt.Errorf("unexpected for-each-ref line %q", line)
		}
		name, ok := strings.CutPrefix(fields[0], prefix)
		if !ok || name == "" {
			continue
		}
		commit := fields[1]
		if fields[2] != "" {
			commit = fields[2]
		}
		refs = append(refs, Ref{Name: name, Commit: commit})
	}
	return refs, nil
}

const (
	fieldSep  = "\x1f"
	logFormat = "%H" + fieldSep + "%ct" + fieldSep + "%an" + fieldSep + "%cn" + fieldSep + "%s"
)

// CommitLog returns every commit reachable from the ref, oldest first
func (c *ShellClient) CommitLog(ctx context.Context, dir string, cat refname.Category, name string) ([]reflog.Commit, error) {
	fullRef := cat.GitPrefix() + name
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "log", "-z", "--reverse",
		"--format="+logFormat, fullRef, "--")
	out, err := c.run(ctx, cmd, "log", dir, fullRef)
	if err != nil {
		return nil, err
	}
	return parseLog(out)
}

// parseLog parses NUL separated records produced with logFormat.
func parseLog(out string) ([]reflog.Commit, error) {
	var commits []reflog.Commit
	for _, rec := range strings.Split(out, "\x00") {
		rec = strings.Trim(rec, "\n")
		if rec == "" {
			continue
		}
		parts := strings.SplitN(rec, fieldSep, 5)
		if len(parts) < 5 {
			return nil, fmt.Errorf("malformed log record %q", rec)
		}

		commit := reflog.Commit{
			Hash:      parts[0],
			Author:    orUnknown(parts[2]),
			Committer: orUnknown(parts[3]),
			Subject:   parts[4],
		}
		if sec, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			commit.Time = time.Unix(sec, 0).UTC()
		}
		commits = append(commits, commit)
	}
	return commits, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// CommitAll stages and commits all changes in the worktree at dir
func (c *ShellClient) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	add := exec.CommandContext(ctx, "git", "-C", dir, "add", "--all", ".")
	if _, err := c.run(ctx, add, "add", dir, ""); err != nil {
		return false, err
	}

	status := exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain")
	out, err := c.run(ctx, status, "status", dir, "")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(out) == "" {
		return false, nil
	}

	args := []string{"git"}
	if c.authorName != "" {
		args = append(args, "-c", "user.name="+c.authorName)
	}
	if c.authorEmail != "" {
		args = append(args, "-c", "user.email="+c.authorEmail)
	}
	args = append(args, "-C", dir, "commit", "--quiet", "-m", message)
	commit := exec.CommandContext(ctx, args[0], args[1:]...)
	if _, err := c.run(ctx, commit, "commit", dir, ""); err != nil {
		return false, err
	}
	return true, nil
}

// Push pushes the current branch of the worktree at dir
func (c *ShellClient) Push(ctx context.Context, dir string) error {
	getURL := exec.CommandContext(ctx, "git", "-C", dir, "remote", "get-url", "origin")
	url, err := c.run(ctx, getURL, "remote", dir, "")
	if err != nil {
		return err
	}
	url = strings.TrimSpace(url)

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "push", "origin", "HEAD")
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	_, err = c.run(ctx, cmd, "push", url, "")
	return err
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token only travels through the environment; the credential
		// helper reads it from there.
		cmd.Env = append(cmd.Env, "REFTRACKD_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$REFTRACKD_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// run executes cmd and returns its stdout, or a classified *Error carrying
// stderr on failure.
func (c *ShellClient) run(ctx context.Context, cmd *exec.Cmd, op, repo, ref string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &Error{
			Kind:   classify(ctx, stderr.String()),
			Op:     op,
			Repo:   repo,
			Ref:    ref,
			StdErr: stderr.String(),
			Err:    err,
		}
	}
	return stdout.String(), nil
}
