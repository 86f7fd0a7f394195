package git

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// ErrorKind classifies git failures by how callers should react.
type ErrorKind int

const (
	// Unknown failures are not retried.
	Unknown ErrorKind = iota
	// NotFound means the ref or repository does not exist.
	NotFound
	// Network failures are transient and may be retried.
	Network
	// Auth failures need operator action.
	Auth
)

func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Network:
		return "network"
	case Auth:
		return "auth"
	}
	return "unknown"
}

// Error is returned by ShellClient for failed git invocations.
type Error struct {
	Kind   ErrorKind
	Op     string
	Repo   string
	Ref    string
	StdErr string
	Err    error
}

func (e *Error) Error() string {
	b := new(strings.Builder)
	b.WriteString("git ")
	b.WriteString(e.Op)
	if e.Ref != "" {
		b.WriteString(" ")
		b.WriteString(e.Ref)
	}
	if e.Kind != Unknown {
		b.WriteString(" (")
		b.WriteString(e.Kind.String())
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if stderr := strings.TrimSpace(e.StdErr); stderr != "" {
		b.WriteString(": ")
		b.WriteString(stderr)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a git Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var gitErr *Error
	return errors.As(err, &gitErr) && gitErr.Kind == kind
}

var repoNotFound = regexp.MustCompile(`(?i)repository '.*' not found|does not appear to be a git repository`)

// classify maps git's stderr (and the context state) to an ErrorKind.
func classify(ctx context.Context, stdErr string) ErrorKind {
	if ctx.Err() != nil {
		return Network
	}
	switch {
	case strings.Contains(stdErr, "unknown revision or path not in the working tree"),
		strings.Contains(stdErr, "bad revision"),
		strings.Contains(stdErr, "ambiguous argument"),
		repoNotFound.MatchString(stdErr):
		return NotFound
	case strings.Contains(stdErr, "could not read Username"),
		strings.Contains(stdErr, "Authentication failed"),
		strings.Contains(stdErr, "Permission denied (publickey"):
		return Auth
	case strings.Contains(stdErr, "Could not resolve host"),
		strings.Contains(stdErr, "Connection timed out"),
		strings.Contains(stdErr, "Connection refused"),
		strings.Contains(stdErr, "Operation timed out"),
		strings.Contains(stdErr, "The remote end hung up unexpectedly"),
		strings.Contains(stdErr, "early EOF"),
		strings.Contains(stdErr, "unable to access"),
		strings.Contains(stdErr, "RPC failed"):
		return Network
	}
	return Unknown
}
