// Package reflog renders a ref's commit history into the flat text stored in
// the tracking repository.
package reflog

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Commit is one entry of a ref's history.
type Commit struct {
	Hash      string
	Subject   string
	Time      time.Time // zero when unknown
	Author    string
	Committer string
}

// Options controls rendering.
type Options struct {
	// Timestamps appends the commit time (unix seconds) after the hash.
	// Commits without a time get 0.
	Timestamps bool
}

// Render produces the file content for a history. Output depends only on
// the commits and opts, one line per commit in the given order.
func Render(commits []Commit, opts Options) []byte {
	var buf bytes.Buffer
	for _, c := range commits {
		buf.WriteString(c.Hash)
		if opts.Timestamps {
			var ts int64
			if !c.Time.IsZero() {
				ts = c.Time.Unix()
			}
			buf.WriteByte(' ')
			buf.WriteString(strconv.FormatInt(ts, 10))
		}
		if s := FirstLine(c.Subject); s != "" {
			buf.WriteByte(' ')
			buf.WriteString(s)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// FirstLine returns the first line of a commit message without trailing
// carriage returns.
func FirstLine(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return strings.TrimRight(msg, "\r")
}

// Parse reads rendered content back into commits. withTimestamps must match
// the Options used to render; only Hash, Subject and Time are recovered.
func Parse(data []byte, withTimestamps bool) ([]Commit, error) {
	var commits []Commit
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if text == "" {
			continue
		}

		hash, rest, _ := strings.Cut(text, " ")
		c := Commit{Hash: hash}
		if withTimestamps && rest != "" {
			ts, subject, _ := strings.Cut(rest, " ")
			if sec, err := strconv.ParseInt(ts, 10, 64); err == nil {
				if sec != 0 {
					c.Time = time.Unix(sec, 0).UTC()
				}
				rest = subject
			}
		}
		c.Subject = rest

		if !isHex(c.Hash) {
			return nil, fmt.Errorf("line %d: invalid commit hash %q", line, c.Hash)
		}
		commits = append(commits, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ref log: %w", err)
	}
	return commits, nil
}

// Latest returns the hash of the newest commit, or "" for an empty history.
func Latest(commits []Commit) string {
	if len(commits) == 0 {
		return ""
	}
	return commits[len(commits)-1].Hash
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !(ch >= '0' && ch <= '9' || ch >= 'a' && ch <= 'f' || ch >= 'A' && ch <= 'F') {
			return false
		}
	}
	return true
}
