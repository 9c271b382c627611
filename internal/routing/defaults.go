package routing

import "github.com/relaygate/relaygate/internal/model"

// Service keys of the built-in route configuration.
const (
	ServiceAuth = "auth"
	ServiceAPI  = "api"
)

var (
	adminOnly         = []model.Role{model.RoleAdmin}
	adminOrOrganizer  = []model.Role{model.RoleAdmin, model.RoleOrganizer}
	adminOrBusiness   = []model.Role{model.RoleAdmin, model.RoleBusiness}
	businessOnly      = []model.Role{model.RoleBusiness}
	writeMethods      = []string{"POST", "PUT", "DELETE"}
	writeMethodsPatch = []string{"POST", "PUT", "DELETE", "PATCH"}
	readMethods       = []string{"GET"}
)

// DefaultServices returns the built-in route configuration: the identity
// service under /auth and the business API under /api. Sub-routes are
// listed in priority order; AllowedRoles nil means any authenticated caller.
func DefaultServices() []model.ServiceRoutes {
	return []model.ServiceRoutes{
		{
			BasePath:   "/auth",
			ServiceKey: ServiceAuth,
			Routes: []model.SubRoute{
				{Path: "/signup", IsPublic: true},
				{Path: "/login", IsPublic: true},
				{Path: "/refresh", IsPublic: true},
				{Path: "/forgot-password", IsPublic: true},
				{Path: "/reset-password", IsPublic: true},
				{Path: "/verify-email", IsPublic: true},
				{Path: "/validate", IsPublic: true},

				{Path: "/profile"},
				{Path: "/change-password"},
				{Path: "/logout"},

				{Path: "/admin", AllowedRoles: adminOnly},
				{Path: "/users", AllowedRoles: adminOnly},
			},
		},
		{
			BasePath:   "/api",
			ServiceKey: ServiceAPI,
			Routes: []model.SubRoute{
				{Path: "/admin", AllowedRoles: adminOnly},
				{Path: "/organizer", AllowedRoles: adminOrOrganizer},

				{Path: "/offers", AllowedRoles: businessOnly, Methods: writeMethods},
				{Path: "/offers/available"},
				{Path: "/offers"},

				{Path: "/business", Methods: readMethods, IsPublic: true},
				{Path: "/business", AllowedRoles: adminOrBusiness},

				{Path: "/products", Methods: readMethods, IsPublic: true},
				{Path: "/categories", Methods: readMethods, IsPublic: true},

				{Path: "/csr-project", AllowedRoles: adminOrOrganizer, Methods: writeMethodsPatch},
				{Path: "/csr-project", Methods: readMethods, IsPublic: true},

				{Path: "/donation"},
				{Path: "/user"},
			},
		},
	}
}
