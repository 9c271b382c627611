package routing

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/relaygate/relaygate/internal/apierr"
	"github.com/relaygate/relaygate/internal/model"
)

func newDefaultTable() *Table {
	return NewTable(DefaultServices(), map[string]string{
		ServiceAuth: "http://auth.local:3001",
		ServiceAPI:  "http://api.local:3002/",
	})
}

func assertKind(t *testing.T, err error, want apierr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := apierr.KindOf(err); got != want {
		t.Fatalf("error kind = %s, want %s (err: %v)", got, want, err)
	}
}

func TestResolveDefaultRoutes(t *testing.T) {
	table := newDefaultTable()

	tests := []struct {
		name   string
		path   string
		method string
		role   model.Role
		want   string
		kind   apierr.Kind
		denied bool
	}{
		{"public login", "/auth/login", "POST", "", "http://auth.local:3001", 0, false},
		{"profile needs auth", "/auth/profile", "GET", "", "", apierr.KindForbidden, true},
		{"profile any role", "/auth/profile", "GET", model.RoleUser, "http://auth.local:3001", 0, false},
		{"auth admin only", "/auth/users/7", "GET", model.RoleBusiness, "", apierr.KindForbidden, true},
		{"auth admin ok", "/auth/users/7", "GET", model.RoleAdmin, "http://auth.local:3001", 0, false},
		{"api catch-all", "/api/whatever", "GET", model.RoleUser, "http://api.local:3002", 0, false},
		{"api catch-all anonymous", "/api/whatever", "GET", "", "", apierr.KindForbidden, true},
		{"products public get", "/api/products/12", "GET", "", "http://api.local:3002", 0, false},
		{"products post needs auth", "/api/products", "POST", "", "", apierr.KindForbidden, true},
		{"organizer", "/api/organizer/events", "GET", model.RoleOrganizer, "http://api.local:3002", 0, false},
		{"organizer denies user", "/api/organizer/events", "GET", model.RoleUser, "", apierr.KindForbidden, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := table.Resolve(tt.path, tt.method, tt.role)
			if tt.denied {
				assertKind(t, err, tt.kind)
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveNotFound(t *testing.T) {
	table := newDefaultTable()
	_, err := table.Resolve("/unknown/path?x=1", "GET", model.RoleAdmin)
	assertKind(t, err, apierr.KindNotFound)
	if err.Error() != "No service found for path: /unknown/path?x=1" {
		t.Errorf("message = %q", err.Error())
	}

	// A prefix match must stop at a segment boundary.
	_, err = table.Resolve("/apiary", "GET", model.RoleAdmin)
	assertKind(t, err, apierr.KindNotFound)
}

func TestResolveForbiddenMessage(t *testing.T) {
	table := newDefaultTable()
	_, err := table.Resolve("/api/admin/stats", "GET", model.RoleUser)
	assertKind(t, err, apierr.KindForbidden)
	want := "Access denied. Insufficient permissions for path: /api/admin/stats : role : USER"
	if err.Error() != want {
		t.Errorf("message = %q, want %q", err.Error(), want)
	}
}

func TestResolveMissingServiceURL(t *testing.T) {
	table := NewTable(DefaultServices(), map[string]string{ServiceAuth: "http://auth"})
	_, err := table.Resolve("/api/user", "GET", model.RoleUser)
	assertKind(t, err, apierr.KindConfiguration)
	if err.Error() != "api service URL is not configured" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestRouteSpecificity(t *testing.T) {
	// /offers/available is longer than /offers and wins regardless of
	// declaration order.
	table := NewTable([]model.ServiceRoutes{{
		BasePath:   "/api",
		ServiceKey: "api",
		Routes: []model.SubRoute{
			{Path: "/offers", AllowedRoles: []model.Role{model.RoleBusiness}},
			{Path: "/offers/available", IsPublic: true},
		},
	}}, map[string]string{"api": "http://api"})

	if _, err := table.Resolve("/api/offers/available", "GET", ""); err != nil {
		t.Errorf("longer public rule should win: %v", err)
	}
	if _, err := table.Resolve("/api/offers/available/9", "GET", ""); err != nil {
		t.Errorf("descendants of the longer rule should match it: %v", err)
	}
	_, err := table.Resolve("/api/offers/9", "GET", model.RoleUser)
	assertKind(t, err, apierr.KindForbidden)
}

func TestMethodScopedRules(t *testing.T) {
	table := newDefaultTable()

	for _, method := range []string{"POST", "put", "DELETE"} {
		_, err := table.Resolve("/api/offers", method, model.RoleUser)
		assertKind(t, err, apierr.KindForbidden)
		if _, err := table.Resolve("/api/offers", method, model.RoleBusiness); err != nil {
			t.Errorf("%s by BUSINESS: %v", method, err)
		}
	}
	if _, err := table.Resolve("/api/offers", "GET", model.RoleUser); err != nil {
		t.Errorf("GET /api/offers by USER: %v", err)
	}

	if _, err := table.Resolve("/api/csr-project/3", "GET", ""); err != nil {
		t.Errorf("public GET csr-project: %v", err)
	}
	_, err := table.Resolve("/api/csr-project/3", "PATCH", model.RoleBusiness)
	assertKind(t, err, apierr.KindForbidden)
	if _, err := table.Resolve("/api/csr-project/3", "PATCH", model.RoleOrganizer); err != nil {
		t.Errorf("PATCH by ORGANIZER: %v", err)
	}

	rule, ok := table.Match("/api/business", "get")
	if !ok || !rule.IsPublic {
		t.Errorf("GET /api/business should match the public rule, got %+v", rule)
	}
	rule, ok = table.Match("/api/business", "POST")
	if !ok || rule.IsPublic || !model.HasRole(rule.AllowedRoles, model.RoleBusiness) {
		t.Errorf("POST /api/business should match the role rule, got %+v", rule)
	}
}

func TestPublicQueryParamOverride(t *testing.T) {
	table := NewTable([]model.ServiceRoutes{{
		BasePath:   "/api",
		ServiceKey: "api",
		Routes: []model.SubRoute{
			{Path: "/events", AllowedRoles: []model.Role{model.RoleAdmin}, PublicQueryParams: []string{"preview"}},
		},
	}}, map[string]string{"api": "http://api"})

	if _, err := table.Resolve("/api/events?preview=1", "GET", ""); err != nil {
		t.Errorf("public query param should admit anonymous: %v", err)
	}
	if _, err := table.Resolve("/api/events?preview", "GET", model.RoleUser); err != nil {
		t.Errorf("public query param without value should admit: %v", err)
	}
	_, err := table.Resolve("/api/events?other=1", "GET", model.RoleUser)
	assertKind(t, err, apierr.KindForbidden)

	if !table.IsOpen("/api/events?preview=yes", "GET") {
		t.Error("IsOpen should be true with public query param")
	}
	if table.IsOpen("/api/events", "GET") {
		t.Error("IsOpen should be false without public query param")
	}
}

func TestEmptyAllowedRolesAdmitsNobody(t *testing.T) {
	table := NewTable([]model.ServiceRoutes{{
		BasePath:      "/locked",
		ServiceKey:    "api",
		DefaultAccess: model.Access{AllowedRoles: []model.Role{}},
	}}, map[string]string{"api": "http://api"})

	for _, role := range model.AllRoles {
		_, err := table.Resolve("/locked/x", "GET", role)
		assertKind(t, err, apierr.KindForbidden)
	}
}

func TestRegisterServiceTakesPriority(t *testing.T) {
	table := newDefaultTable()
	table.RegisterService(model.ServiceRoutes{
		BasePath:      "/api",
		ServiceKey:    "api",
		DefaultAccess: model.Access{IsPublic: true},
	})
	if _, err := table.Resolve("/api/admin", "GET", ""); err != nil {
		t.Errorf("replacement service should drop the old rules: %v", err)
	}
	if got := len(table.Services()); got != 2 {
		t.Errorf("Services() = %d, want 2", got)
	}
	if table.Services()[0].BasePath != "/api" {
		t.Error("registered service should be first")
	}
}

func TestAddSubRoutePrepends(t *testing.T) {
	table := newDefaultTable()
	err := table.AddSubRoute("/api", model.SubRoute{Path: "/offers", IsPublic: true})
	if err != nil {
		t.Fatalf("AddSubRoute: %v", err)
	}
	// Same pattern length as the existing /offers rules; the prepended
	// rule wins.
	if _, err := table.Resolve("/api/offers", "DELETE", ""); err != nil {
		t.Errorf("prepended public rule should win: %v", err)
	}

	err = table.AddSubRoute("/nope", model.SubRoute{Path: "/x"})
	if !errors.Is(err, ErrUnknownService) {
		t.Errorf("err = %v, want ErrUnknownService", err)
	}
}

func TestRemoveServiceAndURLs(t *testing.T) {
	table := newDefaultTable()
	if err := table.RemoveService("/auth"); err != nil {
		t.Fatalf("RemoveService: %v", err)
	}
	_, err := table.Resolve("/auth/login", "POST", "")
	assertKind(t, err, apierr.KindNotFound)
	if err := table.RemoveService("/auth"); !errors.Is(err, ErrUnknownService) {
		t.Errorf("second RemoveService err = %v", err)
	}

	table.SetServiceURL(ServiceAPI, "http://other/")
	got, err := table.Resolve("/api/user", "GET", model.RoleUser)
	if err != nil || got != "http://other" {
		t.Errorf("Resolve = %q, %v", got, err)
	}
	table.SetServiceURL(ServiceAPI, "")
	_, err = table.Resolve("/api/user", "GET", model.RoleUser)
	assertKind(t, err, apierr.KindConfiguration)
}

func TestRulesOrderedByLength(t *testing.T) {
	rules := newDefaultTable().Rules()
	for i := 1; i < len(rules); i++ {
		if len(rules[i].PathPattern) > len(rules[i-1].PathPattern) {
			t.Fatalf("rule %d (%s) longer than rule %d (%s)", i, rules[i].PathPattern, i-1, rules[i-1].PathPattern)
		}
	}
	var catchAlls int
	for _, r := range rules {
		if r.CatchAll {
			catchAlls++
		}
	}
	if catchAlls != 2 {
		t.Errorf("catch-all rules = %d, want 2", catchAlls)
	}
}

func TestStarSubRouteAddressesBasePath(t *testing.T) {
	table := NewTable([]model.ServiceRoutes{{
		BasePath:   "/docs",
		ServiceKey: "api",
		Routes:     []model.SubRoute{{Path: "*", IsPublic: true}},
	}}, map[string]string{"api": "http://api"})
	if _, err := table.Resolve("/docs/intro", "GET", ""); err != nil {
		t.Errorf("* sub-route should cover the base path: %v", err)
	}
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	table := newDefaultTable()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, err := table.Resolve("/api/user", "GET", model.RoleUser); err != nil &&
					!strings.Contains(err.Error(), "not configured") {
					t.Errorf("Resolve: %v", err)
					return
				}
			}
		}()
	}
	for j := 0; j < 50; j++ {
		table.AddSubRoute("/api", model.SubRoute{Path: "/extra"})
		table.SetServiceURL(ServiceAPI, "http://api.local:3002")
	}
	wg.Wait()
}
