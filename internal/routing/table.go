// Package routing holds the gateway's route table: an ordered registry that
// maps path prefixes to an upstream service key and an access policy, and
// resolves inbound requests to an upstream base URL.
package routing

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/relaygate/relaygate/internal/apierr"
	"github.com/relaygate/relaygate/internal/model"
)

// ErrUnknownService is returned when a change addresses a base path that has
// no registered service.
var ErrUnknownService = errors.New("routing: unknown service base path")

// snapshot is an immutable view of the table. Readers load it without locks.
type snapshot struct {
	services []model.ServiceRoutes
	rules    []model.RouteRule
	urls     map[string]string
}

// Table is the route table. Reads go through an atomically swapped snapshot;
// writers serialize on mu, rebuild the flattened rules and swap.
type Table struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewTable builds a table from service declarations and a service key to
// base URL map. Both are copied.
func NewTable(services []model.ServiceRoutes, urls map[string]string) *Table {
	t := &Table{}
	t.snap.Store(buildSnapshot(cloneServices(services), cloneURLs(urls)))
	return t
}

// Resolve returns the upstream base URL for rawPath (which may carry a query
// string) as requested with method by an identity holding role. An empty
// role means the caller is unauthenticated.
//
// It fails with a bad-request error when the path carries dot segments
// (see CheckPath), a not-found error when no rule matches, a forbidden error
// when the matching rule denies access, and a configuration error when the
// rule's service has no base URL.
func (t *Table) Resolve(rawPath, method string, role model.Role) (string, error) {
	if err := CheckPath(rawPath); err != nil {
		return "", err
	}
	s := t.snap.Load()
	clean, query := splitQuery(rawPath)

	rule, ok := s.match(clean, method)
	if !ok {
		return "", apierr.NotFound("No service found for path: " + rawPath)
	}
	if !Allow(rule, role, query) {
		shown := string(role)
		if shown == "" {
			shown = "none"
		}
		return "", apierr.Forbidden(fmt.Sprintf(
			"Access denied. Insufficient permissions for path: %s : role : %s", rawPath, shown))
	}

	base := s.urls[rule.ServiceKey]
	if base == "" {
		return "", apierr.Configuration(rule.ServiceKey + " service URL is not configured")
	}
	return base, nil
}

// Match returns the first rule that structurally matches rawPath and method.
func (t *Table) Match(rawPath, method string) (model.RouteRule, bool) {
	if CheckPath(rawPath) != nil {
		return model.RouteRule{}, false
	}
	clean, _ := splitQuery(rawPath)
	return t.snap.Load().match(clean, method)
}

// IsOpen reports whether the matching rule admits unauthenticated callers,
// either because it is public or because a public query parameter is
// present.
func (t *Table) IsOpen(rawPath, method string) bool {
	if CheckPath(rawPath) != nil {
		return false
	}
	clean, query := splitQuery(rawPath)
	rule, ok := t.snap.Load().match(clean, method)
	if !ok {
		return false
	}
	return Allow(rule, "", query)
}

// Rules returns the flattened rules in match order.
func (t *Table) Rules() []model.RouteRule {
	rules := t.snap.Load().rules
	out := make([]model.RouteRule, len(rules))
	copy(out, rules)
	return out
}

// Services returns the service declarations in priority order.
func (t *Table) Services() []model.ServiceRoutes {
	return cloneServices(t.snap.Load().services)
}

// ServiceURLs returns a copy of the service key to base URL map.
func (t *Table) ServiceURLs() map[string]string {
	return cloneURLs(t.snap.Load().urls)
}

// RegisterService puts svc ahead of every existing service so that its rules
// win ties on pattern length. An existing service with the same base path is
// replaced.
func (t *Table) RegisterService(svc model.ServiceRoutes) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()
	services := make([]model.ServiceRoutes, 0, len(cur.services)+1)
	services = append(services, cloneService(svc))
	for _, s := range cur.services {
		if s.BasePath != svc.BasePath {
			services = append(services, cloneService(s))
		}
	}
	t.snap.Store(buildSnapshot(services, cloneURLs(cur.urls)))
}

// RemoveService drops the service registered under basePath.
func (t *Table) RemoveService(basePath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()
	services := make([]model.ServiceRoutes, 0, len(cur.services))
	found := false
	for _, s := range cur.services {
		if s.BasePath == basePath {
			found = true
			continue
		}
		services = append(services, cloneService(s))
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownService, basePath)
	}
	t.snap.Store(buildSnapshot(services, cloneURLs(cur.urls)))
	return nil
}

// AddSubRoute puts sub at the front of the routes of the service registered
// under basePath.
func (t *Table) AddSubRoute(basePath string, sub model.SubRoute) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()
	services := cloneServices(cur.services)
	for i := range services {
		if services[i].BasePath != basePath {
			continue
		}
		routes := make([]model.SubRoute, 0, len(services[i].Routes)+1)
		routes = append(routes, cloneSubRoute(sub))
		services[i].Routes = append(routes, services[i].Routes...)
		t.snap.Store(buildSnapshot(services, cloneURLs(cur.urls)))
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownService, basePath)
}

// SetServiceURL sets the base URL of a service key. An empty url unsets it.
func (t *Table) SetServiceURL(key, baseURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()
	urls := cloneURLs(cur.urls)
	if baseURL == "" {
		delete(urls, key)
	} else {
		urls[key] = strings.TrimRight(baseURL, "/")
	}
	t.snap.Store(buildSnapshot(cloneServices(cur.services), urls))
}

// Replace swaps the whole table contents in one step.
func (t *Table) Replace(services []model.ServiceRoutes, urls map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Store(buildSnapshot(cloneServices(services), cloneURLs(urls)))
}

func (s *snapshot) match(clean, method string) (model.RouteRule, bool) {
	for _, r := range s.rules {
		if clean != r.PathPattern && !strings.HasPrefix(clean, r.PathPattern+"/") {
			continue
		}
		if !methodAllowed(r.Methods, method) {
			continue
		}
		return r, true
	}
	return model.RouteRule{}, false
}

func methodAllowed(methods []string, method string) bool {
	if len(methods) == 0 || method == "" {
		return true
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// buildSnapshot flattens services into match order: every sub-route followed
// by the service's catch-all, stably sorted by pattern length descending.
func buildSnapshot(services []model.ServiceRoutes, urls map[string]string) *snapshot {
	var rules []model.RouteRule
	for _, svc := range services {
		for _, sub := range svc.Routes {
			pattern := svc.BasePath + sub.Path
			if sub.Path == "*" {
				pattern = svc.BasePath
			}
			rules = append(rules, model.RouteRule{
				PathPattern:       pattern,
				ServiceKey:        svc.ServiceKey,
				IsPublic:          sub.IsPublic,
				AllowedRoles:      sub.AllowedRoles,
				Methods:           upperAll(sub.Methods),
				PublicQueryParams: sub.PublicQueryParams,
			})
		}
		rules = append(rules, model.RouteRule{
			PathPattern:  svc.BasePath,
			ServiceKey:   svc.ServiceKey,
			IsPublic:     svc.DefaultAccess.IsPublic,
			AllowedRoles: svc.DefaultAccess.AllowedRoles,
			CatchAll:     true,
		})
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].PathPattern) > len(rules[j].PathPattern)
	})
	return &snapshot{services: services, rules: rules, urls: urls}
}

func splitQuery(rawPath string) (string, url.Values) {
	clean, rawQuery, found := strings.Cut(rawPath, "?")
	if !found {
		return clean, url.Values{}
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil && q == nil {
		q = url.Values{}
	}
	return clean, q
}

func upperAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, m := range in {
		out[i] = strings.ToUpper(m)
	}
	return out
}

func cloneURLs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v != "" {
			out[k] = strings.TrimRight(v, "/")
		}
	}
	return out
}

func cloneServices(in []model.ServiceRoutes) []model.ServiceRoutes {
	out := make([]model.ServiceRoutes, len(in))
	for i, s := range in {
		out[i] = cloneService(s)
	}
	return out
}

func cloneService(s model.ServiceRoutes) model.ServiceRoutes {
	s.DefaultAccess.AllowedRoles = cloneRoles(s.DefaultAccess.AllowedRoles)
	if s.Routes != nil {
		routes := make([]model.SubRoute, len(s.Routes))
		for i, r := range s.Routes {
			routes[i] = cloneSubRoute(r)
		}
		s.Routes = routes
	}
	return s
}

func cloneSubRoute(r model.SubRoute) model.SubRoute {
	r.AllowedRoles = cloneRoles(r.AllowedRoles)
	if r.Methods != nil {
		r.Methods = append([]string{}, r.Methods...)
	}
	if r.PublicQueryParams != nil {
		r.PublicQueryParams = append([]string{}, r.PublicQueryParams...)
	}
	return r
}

// cloneRoles keeps nil and empty distinct.
func cloneRoles(in []model.Role) []model.Role {
	if in == nil {
		return nil
	}
	return append([]model.Role{}, in...)
}
