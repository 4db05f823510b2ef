// Package router matches inbound requests against the configured route
// table and applies path rewrites. Routes are compiled once per config
// load; a reload swaps the whole table atomically, so concurrent
// matching sees either the old rule set or the new one, never a mix.
package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// Match priorities. More specific routes are tried first; routes of
// equal priority keep their configuration order.
const (
	// priorityExactMatch ranks exact path matches first.
	priorityExactMatch = 1000

	// priorityPrefixMatch ranks prefix matches below exact ones.
	// Longer prefixes gain priority from their length.
	priorityPrefixMatch = 500

	// priorityRegexMatch ranks regex matches last among path forms.
	priorityRegexMatch = 100

	// priorityMethodRestriction is the bonus for method restrictions.
	priorityMethodRestriction = 50

	// priorityHeaderRestriction is the bonus per header condition.
	priorityHeaderRestriction = 10

	// priorityQueryRestriction is the bonus per query condition.
	priorityQueryRestriction = 5
)

// CompiledRoute is a route with its matchers compiled for request-time
// evaluation.
type CompiledRoute struct {
	Name     string
	Config   config.Route
	Priority int

	// groups holds one compiled group per RouteMatch entry; the route
	// matches when any group matches.
	groups []*matchGroup
}

// matchGroup is one RouteMatch compiled. All conditions in a group
// must hold.
type matchGroup struct {
	path    PathMatcher
	method  *MethodMatcher
	headers []*HeaderMatcher
	query   []*QueryParamMatcher
}

// MatchResult is a successful route match.
type MatchResult struct {
	Route *CompiledRoute

	// PathParams holds values bound by templated or regex matchers.
	PathParams map[string]string
}

// Table is the compiled route table.
type Table struct {
	logger observability.Logger

	mu       sync.RWMutex
	routes   []*CompiledRoute // sorted by priority, stable on ties
	routeMap map[string]*CompiledRoute
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the table logger.
func WithLogger(logger observability.Logger) Option {
	return func(t *Table) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates an empty route table.
func New(opts ...Option) *Table {
	t := &Table{
		logger:   observability.NopLogger(),
		routeMap: make(map[string]*CompiledRoute),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load compiles routes and replaces the table in one swap. On error
// the previous table stays in effect.
func (t *Table) Load(routes []config.Route) error {
	compiled := make([]*CompiledRoute, 0, len(routes))
	byName := make(map[string]*CompiledRoute, len(routes))

	for i := range routes {
		route := routes[i]
		if _, exists := byName[route.Name]; exists {
			return fmt.Errorf("duplicate route name %q", route.Name)
		}

		cr, err := compileRoute(route)
		if err != nil {
			return fmt.Errorf("compile route %q: %w", route.Name, err)
		}

		compiled = append(compiled, cr)
		byName[route.Name] = cr
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})

	t.mu.Lock()
	t.routes = compiled
	t.routeMap = byName
	t.mu.Unlock()

	t.logger.Info("route table loaded", observability.Int("routes", len(compiled)))
	return nil
}

// Match finds the highest-priority route matching req. A miss returns
// a RouteNotFoundError.
func (t *Table) Match(req *http.Request) (*MatchResult, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, route := range t.routes {
		if matched, params := route.match(req); matched {
			GetRouterMetrics().RecordMatch(route.Name)
			return &MatchResult{Route: route, PathParams: params}, nil
		}
	}

	GetRouterMetrics().RecordNotFound()
	return nil, util.NewRouteNotFoundError(req.Method, req.URL.Path)
}

// Route returns a route by name.
func (t *Table) Route(name string) (*CompiledRoute, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	route, ok := t.routeMap[name]
	return route, ok
}

// Routes returns all routes in matching order.
func (t *Table) Routes() []*CompiledRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()

	routes := make([]*CompiledRoute, len(t.routes))
	copy(routes, t.routes)
	return routes
}

// Len returns the number of loaded routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.routes)
}

func (cr *CompiledRoute) match(req *http.Request) (bool, map[string]string) {
	// A route with no conditions is a catch-all.
	if len(cr.groups) == 0 {
		return true, nil
	}

	for _, g := range cr.groups {
		if matched, params := g.match(req); matched {
			return true, params
		}
	}
	return false, nil
}

func (g *matchGroup) match(req *http.Request) (bool, map[string]string) {
	if g.method != nil && !g.method.Match(req.Method) {
		return false, nil
	}

	var params map[string]string
	if g.path != nil {
		matched, p := g.path.Match(req.URL.Path)
		if !matched {
			return false, nil
		}
		params = p
	}

	for _, h := range g.headers {
		if !h.Match(req.Header) {
			return false, nil
		}
	}

	if len(g.query) > 0 {
		query := req.URL.Query()
		for _, q := range g.query {
			if !q.Match(query) {
				return false, nil
			}
		}
	}

	return true, params
}

// RewritePath applies the route's rewrite rule to path. Prefixes strip
// only at segment boundaries; a fully stripped path becomes "/".
func (cr *CompiledRoute) RewritePath(path string) string {
	rw := cr.Config.Rewrite
	if rw == nil {
		return path
	}

	if rw.URI != "" {
		return rw.URI
	}

	if rw.StripPrefix != "" && strings.HasPrefix(path, rw.StripPrefix) {
		trimmed := path[len(rw.StripPrefix):]
		switch {
		case trimmed == "":
			return "/"
		case strings.HasPrefix(trimmed, "/"):
			return trimmed
		case strings.HasSuffix(rw.StripPrefix, "/"):
			return "/" + trimmed
		}
	}

	return path
}

// ExpandParams substitutes {name} placeholders in a rewritten path with
// the parameters captured during matching. Placeholders without a
// matching parameter are left untouched.
func ExpandParams(path string, params map[string]string) string {
	if len(params) == 0 || !strings.Contains(path, "{") {
		return path
	}
	for name, value := range params {
		path = strings.ReplaceAll(path, "{"+name+"}", value)
	}
	return path
}

func compileRoute(route config.Route) (*CompiledRoute, error) {
	cr := &CompiledRoute{
		Name:     route.Name,
		Config:   route,
		Priority: routePriority(route),
	}

	for i := range route.Match {
		g, err := compileGroup(&route.Match[i])
		if err != nil {
			return nil, err
		}
		cr.groups = append(cr.groups, g)
	}

	return cr, nil
}

func compileGroup(match *config.RouteMatch) (*matchGroup, error) {
	g := &matchGroup{}

	if match.URI != nil && !match.URI.IsEmpty() {
		path, err := newPathMatcher(match.URI)
		if err != nil {
			return nil, err
		}
		g.path = path
	}

	if len(match.Methods) > 0 {
		g.method = NewMethodMatcher(match.Methods)
	}

	for _, cfg := range match.Headers {
		h, err := NewHeaderMatcher(cfg)
		if err != nil {
			return nil, err
		}
		g.headers = append(g.headers, h)
	}

	for _, cfg := range match.QueryParams {
		q, err := NewQueryParamMatcher(cfg)
		if err != nil {
			return nil, err
		}
		g.query = append(g.query, q)
	}

	return g, nil
}

// routePriority ranks a route by the specificity of its most specific
// match group, so an alternative cannot outrank a more exact route by
// piling up loose conditions.
func routePriority(route config.Route) int {
	best := 0

	for _, match := range route.Match {
		p := 0
		if match.URI != nil {
			switch {
			case match.URI.Exact != "":
				p += priorityExactMatch
			case match.URI.Prefix != "":
				p += priorityPrefixMatch + len(match.URI.Prefix)
			case match.URI.Regex != "":
				p += priorityRegexMatch
			}
		}
		if len(match.Methods) > 0 {
			p += priorityMethodRestriction
		}
		p += len(match.Headers) * priorityHeaderRestriction
		p += len(match.QueryParams) * priorityQueryRestriction

		if p > best {
			best = p
		}
	}

	return best
}
