// Package router implements the proxy's pure routing function: it
// maps an incoming repository path to (upstream, effective project,
// rewritten repository) by matching each enabled upstream's project
// glob patterns and picking the strongest match.
//
// Pattern matching is grounded on github.com/gobwas/glob, the matcher
// the wider registry-proxy corpus reaches for (see DESIGN.md) rather
// than a hand-rolled segment matcher, since its Compile already
// implements '*' (single segment, via glob.Compile with '/' as a
// separator) and literal characters.
package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/harbor-cache/regcache/internal/config"
)

// Errors returned by Route.
var (
	ErrNoMatch = fmt.Errorf("no upstream matched and no default upstream configured")
)

const (
	maxPatternLength = 512
	maxWildcards     = 10
)

// ValidatePattern enforces the project pattern validation rules.
func ValidatePattern(pattern string) error {
	if len(pattern) > maxPatternLength {
		return fmt.Errorf("pattern exceeds max length %d", maxPatternLength)
	}
	if strings.Count(pattern, "*") > maxWildcards {
		return fmt.Errorf("pattern exceeds max %d '*' occurrences", maxWildcards)
	}
	for _, seg := range strings.Split(pattern, "/") {
		if seg == ".." {
			return fmt.Errorf("pattern must not contain '..' segments")
		}
	}
	for _, r := range pattern {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("pattern must not contain control characters")
		}
	}
	return nil
}

// compiledProject pairs a Project with its compiled matcher and owning upstream.
type compiledProject struct {
	upstream config.Upstream
	project  config.Project
	matcher  glob.Glob
	// prefixSegments is the number of literal leading path segments the
	// pattern's prefix (before the first wildcard) contributes, used to
	// compute the match-prefix to strip during rewrite.
	prefixSegments int
}

// Router resolves repository paths to upstreams given a configuration
// snapshot. It is immutable once built; main builds one at startup and
// nothing rebuilds or replaces it while the process runs.
type Router struct {
	projects        []compiledProject
	defaultUpstream *config.Upstream
	defaultProject  *config.Project
}

// New compiles a Router from the given upstream configuration. Disabled
// upstreams are still compiled: their routes keep resolving and their
// cached entries remain servable, since the index lookup on the hot
// path never consults Enabled. The handler layer is what refuses write
// methods once Route resolves to a disabled upstream.
func New(upstreams []config.Upstream) (*Router, error) {
	r := &Router{}
	for _, u := range upstreams {
		for _, p := range u.EffectiveProjects() {
			pattern := p.Pattern
			if pattern == "" {
				pattern = p.Name + "/*"
			}
			if err := ValidatePattern(pattern); err != nil {
				return nil, fmt.Errorf("upstream %s project %s: %w", u.Name, p.Name, err)
			}
			g, err := glob.Compile(pattern, '/')
			if err != nil {
				return nil, fmt.Errorf("upstream %s project %s: compiling pattern %q: %w", u.Name, p.Name, pattern, err)
			}
			cp := compiledProject{
				upstream:       u,
				project:        p,
				matcher:        g,
				prefixSegments: literalPrefixSegments(pattern),
			}
			r.projects = append(r.projects, cp)

			if u.IsDefault && p.IsDefault {
				uu, pp := u, p
				r.defaultUpstream, r.defaultProject = &uu, &pp
			}
		}
	}
	return r, nil
}

// literalPrefixSegments returns the count of path segments before the
// first occurrence of '*' in pattern.
func literalPrefixSegments(pattern string) int {
	idx := strings.IndexAny(pattern, "*")
	if idx < 0 {
		return len(strings.Split(pattern, "/"))
	}
	prefix := pattern[:idx]
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return 0
	}
	return len(strings.Split(prefix, "/"))
}

// Result is the outcome of routing a repository path.
type Result struct {
	Upstream   config.Upstream
	Project    config.Project
	Repository string // rewritten, effective repository on the upstream
}

// Route implements routing in four steps: collect matches, sort by
// (project priority, upstream priority, upstream name), take the
// first, or fall back to the default project of the default upstream.
func (r *Router) Route(repository string) (Result, error) {
	var matches []compiledProject
	for _, cp := range r.projects {
		if cp.matcher.Match(repository) {
			matches = append(matches, cp)
		}
	}

	if len(matches) == 0 {
		if r.defaultUpstream == nil {
			return Result{}, ErrNoMatch
		}
		return Result{
			Upstream:   *r.defaultUpstream,
			Project:    *r.defaultProject,
			Repository: rewrite(*r.defaultProject, repository, 0),
		}, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.project.Priority != b.project.Priority {
			return a.project.Priority < b.project.Priority
		}
		if a.upstream.Priority != b.upstream.Priority {
			return a.upstream.Priority < b.upstream.Priority
		}
		return a.upstream.Name < b.upstream.Name
	})

	best := matches[0]
	return Result{
		Upstream:   best.upstream,
		Project:    best.project,
		Repository: rewrite(best.project, repository, best.prefixSegments),
	}, nil
}

// rewrite computes "<project-name>/<remaining-path-after-stripping-the-
// match-prefix>". For a single-project upstream
// (Pattern == "<name>/*" and name already equals the whole first
// segment) the remaining path is everything after that one segment.
func rewrite(project config.Project, repository string, prefixSegments int) string {
	segs := strings.Split(repository, "/")
	if prefixSegments > len(segs) {
		prefixSegments = len(segs)
	}
	remaining := strings.Join(segs[prefixSegments:], "/")
	if remaining == "" {
		return project.Name
	}
	return project.Name + "/" + remaining
}
