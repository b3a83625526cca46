package artifacts

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// matcher is a compiled artifact path pattern. A pattern without glob
// metacharacters names a file or a directory; a directory means dir/**.
type matcher struct {
	raw     string
	literal string
	base    string
	g       glob.Glob
}

func compilePattern(pattern string) (matcher, error) {
	clean := normalizePath(pattern)
	if clean == "" || clean == "." {
		return matcher{raw: pattern, literal: "."}, nil
	}
	if strings.HasPrefix(clean, "../") || clean == ".." {
		return matcher{}, fmt.Errorf("artifact pattern %q escapes the workspace", pattern)
	}
	if !hasMeta(clean) {
		return matcher{raw: pattern, literal: clean}, nil
	}
	g, err := glob.Compile(clean, '/')
	if err != nil {
		return matcher{}, fmt.Errorf("artifact pattern %q invalid: %w", pattern, err)
	}
	return matcher{raw: pattern, base: globBase(clean), g: g}, nil
}

func (m matcher) match(p string) bool {
	if m.g != nil {
		return m.g.Match(p)
	}
	if m.literal == "." {
		return true
	}
	return p == m.literal || strings.HasPrefix(p, m.literal+"/")
}

// relative returns p relative to the pattern base, so "bin" applied to
// "bin/app/x.dll" yields "app/x.dll" and "out/app.exe" yields "app.exe".
func (m matcher) relative(p string) string {
	var base string
	switch {
	case m.g != nil:
		base = m.base
	case m.literal == ".":
		base = ""
	case p == m.literal:
		base = path.Dir(m.literal)
	default:
		base = m.literal
	}
	if base == "" || base == "." {
		return p
	}
	return strings.TrimPrefix(p, base+"/")
}

func globBase(pattern string) string {
	parts := strings.Split(pattern, "/")
	base := make([]string, 0, len(parts))
	for _, part := range parts[:len(parts)-1] {
		if hasMeta(part) {
			break
		}
		base = append(base, part)
	}
	return strings.Join(base, "/")
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

func normalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "."
	}
	return p
}
