package router

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/vyrodovalexey/avdispatch/internal/config"
)

// PathMatcher matches a request path and extracts any path parameters.
type PathMatcher interface {
	Match(path string) (bool, map[string]string)
	Type() string
	Pattern() string
}

// ExactMatcher matches one path exactly.
type ExactMatcher struct {
	path string
}

// NewExactMatcher creates an exact path matcher.
func NewExactMatcher(path string) *ExactMatcher {
	return &ExactMatcher{path: path}
}

// Match implements PathMatcher.
func (m *ExactMatcher) Match(path string) (bool, map[string]string) {
	return path == m.path, nil
}

// Type implements PathMatcher.
func (m *ExactMatcher) Type() string { return "exact" }

// Pattern implements PathMatcher.
func (m *ExactMatcher) Pattern() string { return m.path }

// PrefixMatcher matches paths under a prefix at segment boundaries, so
// /api/users never captures /api/users-admin.
type PrefixMatcher struct {
	prefix string
}

// NewPrefixMatcher creates a prefix path matcher.
func NewPrefixMatcher(prefix string) *PrefixMatcher {
	return &PrefixMatcher{prefix: prefix}
}

// Match implements PathMatcher.
func (m *PrefixMatcher) Match(path string) (bool, map[string]string) {
	if !strings.HasPrefix(path, m.prefix) {
		return false, nil
	}
	if len(path) == len(m.prefix) {
		return true, nil
	}
	if strings.HasSuffix(m.prefix, "/") || path[len(m.prefix)] == '/' {
		return true, nil
	}
	return false, nil
}

// Type implements PathMatcher.
func (m *PrefixMatcher) Type() string { return "prefix" }

// Pattern implements PathMatcher.
func (m *PrefixMatcher) Pattern() string { return m.prefix }

// RegexMatcher matches paths against a regular expression and exposes
// named capture groups as path parameters.
type RegexMatcher struct {
	pattern string
	regex   *regexp.Regexp
}

// NewRegexMatcher creates a regex path matcher.
func NewRegexMatcher(pattern string) (*RegexMatcher, error) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile path regex %q: %w", pattern, err)
	}
	return &RegexMatcher{pattern: pattern, regex: regex}, nil
}

// Match implements PathMatcher.
func (m *RegexMatcher) Match(path string) (bool, map[string]string) {
	matches := m.regex.FindStringSubmatch(path)
	if matches == nil {
		return false, nil
	}

	params := make(map[string]string)
	for i, name := range m.regex.SubexpNames() {
		if i > 0 && name != "" && i < len(matches) {
			params[name] = matches[i]
		}
	}
	return true, params
}

// Type implements PathMatcher.
func (m *RegexMatcher) Type() string { return "regex" }

// Pattern implements PathMatcher.
func (m *RegexMatcher) Pattern() string { return m.pattern }

// ParameterMatcher matches templated paths like /users/{id} and binds
// each placeholder to the corresponding segment.
type ParameterMatcher struct {
	pattern string
	regex   *regexp.Regexp
}

// NewParameterMatcher creates a matcher for a path template with
// {param} placeholders.
func NewParameterMatcher(pattern string) (*ParameterMatcher, error) {
	var regexPattern strings.Builder
	regexPattern.WriteString("^")

	for _, part := range strings.Split(strings.Trim(pattern, "/"), "/") {
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			regexPattern.WriteString("/(?P<")
			regexPattern.WriteString(part[1 : len(part)-1])
			regexPattern.WriteString(">[^/]+)")
		} else {
			regexPattern.WriteString("/")
			regexPattern.WriteString(regexp.QuoteMeta(part))
		}
	}
	regexPattern.WriteString("$")

	regex, err := regexp.Compile(regexPattern.String())
	if err != nil {
		return nil, fmt.Errorf("compile path template %q: %w", pattern, err)
	}

	return &ParameterMatcher{pattern: pattern, regex: regex}, nil
}

// Match implements PathMatcher.
func (m *ParameterMatcher) Match(path string) (bool, map[string]string) {
	matches := m.regex.FindStringSubmatch(path)
	if matches == nil {
		return false, nil
	}

	params := make(map[string]string)
	for i, name := range m.regex.SubexpNames() {
		if i > 0 && name != "" && i < len(matches) {
			params[name] = matches[i]
		}
	}
	return true, params
}

// Type implements PathMatcher.
func (m *ParameterMatcher) Type() string { return "parameter" }

// Pattern implements PathMatcher.
func (m *ParameterMatcher) Pattern() string { return m.pattern }

// WildcardMatcher matches glob-style patterns. * spans one segment,
// ** spans any number of segments, ? matches one character.
type WildcardMatcher struct {
	pattern string
	regex   *regexp.Regexp
}

// NewWildcardMatcher creates a wildcard path matcher.
func NewWildcardMatcher(pattern string) (*WildcardMatcher, error) {
	regex, err := regexp.Compile(wildcardToRegex(pattern))
	if err != nil {
		return nil, fmt.Errorf("compile wildcard pattern %q: %w", pattern, err)
	}
	return &WildcardMatcher{pattern: pattern, regex: regex}, nil
}

func wildcardToRegex(pattern string) string {
	var result strings.Builder
	result.WriteString("^")

	i := 0
	for i < len(pattern) {
		switch {
		case i+1 < len(pattern) && pattern[i:i+2] == "**":
			result.WriteString(".*")
			i += 2
		case pattern[i] == '*':
			result.WriteString("[^/]*")
			i++
		case pattern[i] == '?':
			result.WriteString("[^/]")
			i++
		default:
			result.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		}
	}

	result.WriteString("$")
	return result.String()
}

// Match implements PathMatcher.
func (m *WildcardMatcher) Match(path string) (bool, map[string]string) {
	return m.regex.MatchString(path), nil
}

// Type implements PathMatcher.
func (m *WildcardMatcher) Type() string { return "wildcard" }

// Pattern implements PathMatcher.
func (m *WildcardMatcher) Pattern() string { return m.pattern }

// MethodMatcher matches HTTP methods.
type MethodMatcher struct {
	methods map[string]bool
}

// NewMethodMatcher creates a method matcher. "*" matches every method.
func NewMethodMatcher(methods []string) *MethodMatcher {
	m := &MethodMatcher{methods: make(map[string]bool, len(methods))}
	for _, method := range methods {
		m.methods[strings.ToUpper(method)] = true
	}
	return m
}

// Match reports whether method is accepted. HEAD rides along with GET.
func (m *MethodMatcher) Match(method string) bool {
	method = strings.ToUpper(method)

	if m.methods["*"] {
		return true
	}
	if method == http.MethodHead && m.methods[http.MethodGet] {
		return true
	}
	return m.methods[method]
}

// HeaderMatcher matches one request header condition.
type HeaderMatcher struct {
	cfg   config.HeaderMatch
	regex *regexp.Regexp
}

// NewHeaderMatcher creates a header matcher.
func NewHeaderMatcher(cfg config.HeaderMatch) (*HeaderMatcher, error) {
	m := &HeaderMatcher{cfg: cfg}

	if cfg.Regex != "" {
		regex, err := regexp.Compile(cfg.Regex)
		if err != nil {
			return nil, fmt.Errorf("compile header regex %q: %w", cfg.Regex, err)
		}
		m.regex = regex
	}

	return m, nil
}

// Match reports whether the header condition holds.
func (m *HeaderMatcher) Match(headers http.Header) bool {
	value := headers.Get(m.cfg.Name)
	hasHeader := value != ""

	if m.cfg.Present != nil {
		return *m.cfg.Present == hasHeader
	}

	if !hasHeader {
		return false
	}
	if m.cfg.Exact != "" {
		return value == m.cfg.Exact
	}
	if m.regex != nil {
		return m.regex.MatchString(value)
	}
	return true
}

// QueryParamMatcher matches one query parameter condition.
type QueryParamMatcher struct {
	cfg   config.QueryParamMatch
	regex *regexp.Regexp
}

// NewQueryParamMatcher creates a query parameter matcher.
func NewQueryParamMatcher(cfg config.QueryParamMatch) (*QueryParamMatcher, error) {
	m := &QueryParamMatcher{cfg: cfg}

	if cfg.Regex != "" {
		regex, err := regexp.Compile(cfg.Regex)
		if err != nil {
			return nil, fmt.Errorf("compile query regex %q: %w", cfg.Regex, err)
		}
		m.regex = regex
	}

	return m, nil
}

// Match reports whether the query condition holds.
func (m *QueryParamMatcher) Match(query url.Values) bool {
	value := query.Get(m.cfg.Name)
	hasParam := query.Has(m.cfg.Name)

	if m.cfg.Present != nil {
		return *m.cfg.Present == hasParam
	}

	if !hasParam {
		return false
	}
	if m.cfg.Exact != "" {
		return value == m.cfg.Exact
	}
	if m.regex != nil {
		return m.regex.MatchString(value)
	}
	return true
}

// newPathMatcher picks the matcher implementation for a URI condition.
// Templated and wildcard patterns are detected inside exact and prefix
// forms.
func newPathMatcher(uri *config.URIMatch) (PathMatcher, error) {
	switch {
	case uri.Exact != "":
		if hasPathParams(uri.Exact) {
			return NewParameterMatcher(uri.Exact)
		}
		return NewExactMatcher(uri.Exact), nil
	case uri.Prefix != "":
		if hasPathParams(uri.Prefix) {
			return NewParameterMatcher(uri.Prefix)
		}
		if hasWildcards(uri.Prefix) {
			return NewWildcardMatcher(uri.Prefix)
		}
		return NewPrefixMatcher(uri.Prefix), nil
	case uri.Regex != "":
		return NewRegexMatcher(uri.Regex)
	default:
		return nil, nil
	}
}

func hasPathParams(path string) bool {
	return strings.Contains(path, "{") && strings.Contains(path, "}")
}

func hasWildcards(path string) bool {
	return strings.ContainsAny(path, "*?")
}
