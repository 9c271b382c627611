package routing

import (
	"regexp"
	"strings"
)

// DefaultPublicPaths is the allow-list used when none is configured.
const DefaultPublicPaths = "/auth/signup,/auth/login,/auth/refresh,/status,/auth/forgot-password"

type publicPath struct {
	method  string
	pattern *regexp.Regexp
}

// PublicPaths is a static allow-list of requests that bypass authentication.
type PublicPaths struct {
	paths []publicPath
}

// ParsePublicPaths parses a comma separated list of entries of the form
// "/path" or "METHOD:/path". In a path "*" matches one segment and "**"
// matches anything; a path with no wildcard also matches everything below
// it.
func ParsePublicPaths(list string) *PublicPaths {
	pp := &PublicPaths{}
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		var method string
		if m, p, ok := strings.Cut(entry, ":"); ok {
			method, entry = strings.ToUpper(strings.TrimSpace(m)), strings.TrimSpace(p)
		}
		pp.paths = append(pp.paths, publicPath{method: method, pattern: pathPattern(entry)})
	}
	return pp
}

// Match reports whether method and path (query ignored) are on the list.
func (pp *PublicPaths) Match(method, path string) bool {
	if pp == nil {
		return false
	}
	clean, _, _ := strings.Cut(path, "?")
	for _, p := range pp.paths {
		if p.method != "" && p.method != strings.ToUpper(method) {
			continue
		}
		if p.pattern.MatchString(clean) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (pp *PublicPaths) Len() int {
	if pp == nil {
		return 0
	}
	return len(pp.paths)
}

func pathPattern(p string) *regexp.Regexp {
	var b strings.Builder
	for i, deep := range strings.Split(p, "**") {
		if i > 0 {
			b.WriteString(".*")
		}
		for j, seg := range strings.Split(deep, "*") {
			if j > 0 {
				b.WriteString("[^/]*")
			}
			b.WriteString(regexp.QuoteMeta(seg))
		}
	}
	if strings.Contains(p, "*") {
		return regexp.MustCompile("^" + b.String() + "$")
	}
	return regexp.MustCompile("^" + b.String() + "(?:/.*)?$")
}
