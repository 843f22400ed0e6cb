package contentgate

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// wordChar is the class a keyword must not touch on either side. It covers
// letters and digits from any script plus the underscore.
const wordChar = `\p{L}\p{N}_`

// CategoryPattern is the compiled matcher for one Category. A pattern with
// no keywords, or one that failed to compile, never matches.
type CategoryPattern struct {
	Name string
	re   *regexp.Regexp
}

// Match reports whether text contains at least one whole-word,
// case-insensitive occurrence of any of the category's keywords.
func (p CategoryPattern) Match(text string) bool {
	return p.re != nil && p.re.MatchString(text)
}

// FindMatch returns the first matching keyword occurrence as it appears in
// text, or "" if there is none.
func (p CategoryPattern) FindMatch(text string) string {
	if p.re == nil {
		return ""
	}
	m := p.re.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// CompileCategory builds the union matcher for c. Each keyword is quoted,
// so only pathological input (e.g. invalid UTF-8 in a keyword) can fail.
func CompileCategory(c Category) (CategoryPattern, error) {
	p := CategoryPattern{Name: c.Name}

	alts := make([]string, 0, len(c.Keywords))
	for _, kw := range c.Keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		alts = append(alts, regexp.QuoteMeta(kw))
	}
	if len(alts) == 0 {
		return p, nil
	}

	expr := `(?i)(?:^|[^` + wordChar + `])(` + strings.Join(alts, "|") + `)(?:[^` + wordChar + `]|$)`
	re, err := regexp.Compile(expr)
	if err != nil {
		return p, fmt.Errorf("compile category %q: %w", c.Name, err)
	}
	p.re = re
	return p, nil
}

// compilePatterns compiles every category of p in order. A category that
// fails to compile degrades to a never-matching pattern instead of failing
// the whole policy.
func compilePatterns(p *Policy, logger *slog.Logger) []CategoryPattern {
	if p == nil {
		return nil
	}
	out := make([]CategoryPattern, 0, len(p.Categories))
	for _, c := range p.Categories {
		cp, err := CompileCategory(c)
		if err != nil {
			logger.Warn("category disabled", "category", c.Name, "error", err)
		}
		out = append(out, cp)
	}
	return out
}
