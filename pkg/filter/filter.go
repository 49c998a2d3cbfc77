// Package filter decides which relative paths take part in mirroring.
//
// Paths handed to a Filter are relative to a tree root and always use '/'
// as separator, e.g. "photos/2024/img.jpg".
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/paulschiretz/pgl-spread/pkg/util"
)

// Filter matches a relative path against one pattern.
type Filter interface {
	Matches(path string) bool
	// String returns the pattern as configured by the user.
	String() string
}

// Wildcard matches shell-style patterns over the whole path: '*' matches any
// run of characters (including '/'), '?' matches exactly one character and
// every other character is literal. Matching is case-insensitive on hosts
// whose filesystems are.
type Wildcard struct {
	pattern string
	re      *regexp.Regexp
}

// NewWildcard compiles a wildcard pattern.
func NewWildcard(pattern string) (*Wildcard, error) {
	if pattern == "" {
		return nil, fmt.Errorf("wildcard pattern cannot be empty")
	}
	var b strings.Builder
	if util.IsHostCaseInsensitiveFS() {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid wildcard pattern %q: %w", pattern, err)
	}
	return &Wildcard{pattern: pattern, re: re}, nil
}

func (w *Wildcard) Matches(path string) bool { return w.re.MatchString(path) }
func (w *Wildcard) String() string           { return w.pattern }

// Regex matches a regular expression (RE2 syntax) against the whole path.
type Regex struct {
	expr string
	re   *regexp.Regexp
}

// NewRegex compiles expr anchored at both ends.
func NewRegex(expr string) (*Regex, error) {
	if expr == "" {
		return nil, fmt.Errorf("regular expression cannot be empty")
	}
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid regular expression %q: %w", expr, err)
	}
	return &Regex{expr: expr, re: re}, nil
}

func (r *Regex) Matches(path string) bool { return r.re.MatchString(path) }
func (r *Regex) String() string           { return r.expr }

// Statically assert that our types implement the interface.
var _ Filter = (*Wildcard)(nil)
var _ Filter = (*Regex)(nil)
