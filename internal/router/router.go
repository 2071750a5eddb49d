package router

import (
	"net"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fabian4/routegate/internal/model"
	"github.com/fabian4/routegate/internal/urlmatch"
)

// Table is an immutable snapshot of the configured routes with their
// templates compiled. It is safe for concurrent use.
type Table struct {
	routes  []*model.Route
	entries []entry // best candidate first
}

type entry struct {
	route    *model.Route
	template *urlmatch.Template
	order    int // declaration order of the route
}

// New compiles every upstream template of routes. Candidates are ranked by
// priority, then template specificity, then exact host before wildcard host
// before host-less, then declaration order, so the first match found is the winner.
func New(routes []model.Route) (*Table, error) {
	t := &Table{routes: make([]*model.Route, len(routes))}
	for i := range routes {
		r := routes[i]
		r.Host = strings.ToLower(r.Host)
		t.routes[i] = &r

		if len(r.UpstreamPathTemplates) == 0 {
			return nil, &model.ConfigurationError{Route: r.Name, Reason: "no upstream path template"}
		}
		for _, raw := range r.UpstreamPathTemplates {
			downstream := r.DownstreamPathTemplate
			if downstream == "" {
				downstream = raw
			}
			tpl, err := urlmatch.Compile(raw, urlmatch.Options{
				CaseInsensitive: r.CaseInsensitive,
				Downstream:      downstream,
			})
			if err != nil {
				return nil, &model.ConfigurationError{Route: r.Name, Reason: err.Error()}
			}
			t.entries = append(t.entries, entry{route: t.routes[i], template: tpl, order: i})
		}
	}

	sort.SliceStable(t.entries, func(i, j int) bool {
		a, b := t.entries[i], t.entries[j]
		if a.route.Priority != b.route.Priority {
			return a.route.Priority > b.route.Priority
		}
		if sa, sb := a.template.Specificity(), b.template.Specificity(); sa != sb {
			return sa > sb
		}
		if ha, hb := hostRank(a.route.Host), hostRank(b.route.Host); ha != hb {
			return ha > hb
		}
		return a.order < b.order
	})
	return t, nil
}

// Routes returns the routes in declaration order.
func (t *Table) Routes() []*model.Route { return t.routes }

// Resolve finds the single best route for the request. It has no side
// effects. A route without a downstream template forwards to the path
// template that matched.
func (t *Table) Resolve(method, host, path, query string) (*model.ResolvedRoute, error) {
	h := strings.ToLower(hostOnly(host))
	for _, e := range t.entries {
		if !e.route.AllowsMethod(method) || !hostMatch(e.route.Host, h, host) {
			continue
		}
		m := e.template.Match(path, query)
		if !m.Matched {
			continue
		}
		downstream := e.route.DownstreamPathTemplate
		if downstream == "" {
			downstream = e.template.String()
		}
		return &model.ResolvedRoute{
			Route:                  e.route,
			Values:                 m.Values,
			UpstreamPathTemplate:   e.template.String(),
			DownstreamPathTemplate: downstream,
		}, nil
	}
	return nil, &model.NotFoundError{Method: method, Host: host, Path: path}
}

// hostMatch compares a route's host filter with the request host. A filter
// carrying a port must match host:port exactly. "*.example.com" matches any
// subdomain of example.com but not example.com itself.
func hostMatch(filter, hostNoPort, rawHost string) bool {
	switch {
	case filter == "":
		return true
	case strings.IndexByte(filter, ':') >= 0:
		return strings.EqualFold(filter, rawHost)
	case strings.HasPrefix(filter, "*.") && len(filter) > 2:
		return strings.HasSuffix(hostNoPort, filter[1:])
	default:
		return filter == hostNoPort
	}
}

func hostRank(filter string) int {
	switch {
	case filter == "":
		return 0
	case strings.HasPrefix(filter, "*."):
		return 1
	default:
		return 2
	}
}

func hostOnly(h string) string {
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return h
}

// Store holds the current Table. Reloads replace the whole snapshot, so a
// reader sees either the old table or the new one.
type Store struct {
	current atomic.Pointer[Table]
}

func NewStore(t *Table) *Store {
	s := &Store{}
	s.current.Store(t)
	return s
}

func (s *Store) Load() *Table { return s.current.Load() }

// Swap installs t and returns the previous table.
func (s *Store) Swap(t *Table) *Table { return s.current.Swap(t) }
