package pattern

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

type rule struct {
	raw  string
	glob glob.Glob
}

// Matcher decides whether a path is excluded from a backup. Patterns
// containing '*' or '?' are case-insensitive wildcards tested against both
// the file name and the full path; anything else is a case-insensitive
// substring of the full path.
type Matcher struct {
	rules []rule
}

func New(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		lower := strings.ToLower(p)
		r := rule{raw: lower}
		if strings.ContainsAny(p, "*?") {
			g, err := glob.Compile(quoteWildcard(lower))
			if err != nil {
				return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
			}
			r.glob = g
		}
		m.rules = append(m.rules, r)
	}
	return m, nil
}

func IsValid(p string) bool {
	_, err := glob.Compile(quoteWildcard(strings.ToLower(p)))
	return err == nil
}

// Excluded reports whether path matches any rule.
func (m *Matcher) Excluded(path string) bool {
	if m == nil || len(m.rules) == 0 {
		return false
	}
	full := strings.ToLower(path)
	name := strings.ToLower(filepath.Base(path))
	for _, r := range m.rules {
		if r.glob != nil {
			if r.glob.Match(name) || r.glob.Match(full) {
				return true
			}
			continue
		}
		if strings.Contains(full, r.raw) {
			return true
		}
	}
	return false
}

func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}

// quoteWildcard escapes every glob meta character except '*' and '?'.
func quoteWildcard(p string) string {
	var b strings.Builder
	for _, r := range p {
		switch r {
		case '[', ']', '{', '}', '\\', '!', '-', ',':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
