// Package refname maps git ref names to filesystem-safe file names and back.
//
// Every byte outside [A-Za-z0-9._-] is written as %XX with upper-case hex,
// including '%' itself. Decoding accepts only that canonical form, so each
// ref name has exactly one encoding and each valid encoding exactly one ref
// name.
package refname

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// FileExt is appended to every encoded name on disk.
const FileExt = ".txt"

// maxFileName is the common file name limit of ext4, APFS and NTFS.
const maxFileName = 255

const upperHex = "0123456789ABCDEF"

// Category is the namespace a ref belongs to.
type Category string

const (
	Branch Category = "branch"
	Tag    Category = "tag"
)

// Categories lists every category in processing order.
var Categories = []Category{Branch, Tag}

// Dir returns the per-repository directory holding files of this category.
func (c Category) Dir() string {
	switch c {
	case Branch:
		return "branches"
	case Tag:
		return "tags"
	}
	return ""
}

// GitPrefix returns the full ref namespace of the category.
func (c Category) GitPrefix() string {
	switch c {
	case Branch:
		return "refs/heads/"
	case Tag:
		return "refs/tags/"
	}
	return ""
}

// ParseCategory accepts both the category name and its directory name.
func ParseCategory(s string) (Category, error) {
	switch s {
	case "branch", "branches":
		return Branch, nil
	case "tag", "tags":
		return Tag, nil
	}
	return "", fmt.Errorf("unknown ref category %q", s)
}

// Encoded is the filesystem-safe form of a ref name, without FileExt.
type Encoded string

// FileName returns the on-disk file name for e.
func (e Encoded) FileName() string {
	return string(e) + FileExt
}

// EncodingError reports a name or encoding that cannot be mapped.
type EncodingError struct {
	Input  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("cannot encode %q: %s", e.Input, e.Reason)
}

// Codec encodes and decodes ref names using a single safe-byte table, so both
// directions always agree on which bytes pass through unchanged.
type Codec struct {
	safe [256]bool
}

// NewCodec returns a Codec that passes only [A-Za-z0-9._-] through.
func NewCodec() *Codec {
	c := &Codec{}
	for b := 'A'; b <= 'Z'; b++ {
		c.safe[b] = true
	}
	for b := 'a'; b <= 'z'; b++ {
		c.safe[b] = true
	}
	for b := '0'; b <= '9'; b++ {
		c.safe[b] = true
	}
	c.safe['-'] = true
	c.safe['_'] = true
	c.safe['.'] = true
	return c
}

var defaultCodec = NewCodec()

// Encode encodes name with the default codec.
func Encode(name string) (Encoded, error) {
	return defaultCodec.Encode(name)
}

// Decode decodes e with the default codec.
func Decode(e Encoded) (string, error) {
	return defaultCodec.Decode(e)
}

// Encode maps a ref name to its encoded form.
func (c *Codec) Encode(name string) (Encoded, error) {
	if name == "" {
		return "", &EncodingError{Input: name, Reason: "empty ref name"}
	}
	if !utf8.ValidString(name) {
		return "", &EncodingError{Input: name, Reason: "ref name is not valid UTF-8"}
	}

	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		ch := name[i]
		if c.safe[ch] {
			b.WriteByte(ch)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[ch>>4])
		b.WriteByte(upperHex[ch&0x0f])
	}

	if b.Len()+len(FileExt) > maxFileName {
		return "", &EncodingError{Input: name, Reason: fmt.Sprintf("encoded file name exceeds %d bytes", maxFileName)}
	}
	return Encoded(b.String()), nil
}

// Decode maps an encoded name back to the ref name it was produced from.
func (c *Codec) Decode(e Encoded) (string, error) {
	s := string(e)
	if s == "" {
		return "", &EncodingError{Input: s, Reason: "empty encoded name"}
	}

	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch != '%' {
			if !c.safe[ch] {
				return "", &EncodingError{Input: s, Reason: fmt.Sprintf("unescaped byte %q at offset %d", ch, i)}
			}
			out = append(out, ch)
			continue
		}
		if i+2 >= len(s) {
			return "", &EncodingError{Input: s, Reason: fmt.Sprintf("truncated escape at offset %d", i)}
		}
		hi, okHi := unhex(s[i+1])
		lo, okLo := unhex(s[i+2])
		if !okHi || !okLo {
			return "", &EncodingError{Input: s, Reason: fmt.Sprintf("malformed escape %q", s[i:i+3])}
		}
		v := hi<<4 | lo
		if c.safe[v] {
			return "", &EncodingError{Input: s, Reason: fmt.Sprintf("non-canonical escape %q", s[i:i+3])}
		}
		out = append(out, v)
		i += 2
	}

	if !utf8.Valid(out) {
		return "", &EncodingError{Input: s, Reason: "decoded name is not valid UTF-8"}
	}
	return string(out), nil
}

// ParseFileName decodes a file name produced by Encoded.FileName.
func (c *Codec) ParseFileName(fileName string) (Encoded, string, error) {
	stem, ok := strings.CutSuffix(fileName, FileExt)
	if !ok {
		return "", "", &EncodingError{Input: fileName, Reason: "missing " + FileExt + " suffix"}
	}
	name, err := c.Decode(Encoded(stem))
	if err != nil {
		return "", "", err
	}
	return Encoded(stem), name, nil
}

// unhex accepts upper-case hex digits only.
func unhex(ch byte) (byte, bool) {
	switch {
	case ch >= '0' && ch <= '9':
		return ch - '0', true
	case ch >= 'A' && ch <= 'F':
		return ch - 'A' + 10, true
	}
	return 0, false
}
