package routing

import (
	"net/url"

	"github.com/relaygate/relaygate/internal/model"
)

// Allow decides whether a caller with role may use rule given the request
// query. Checks run in order: a present public query parameter admits
// anyone, then a public rule admits anyone, then an unset role list admits
// any authenticated caller, and finally the role must be listed.
func Allow(rule model.RouteRule, role model.Role, query url.Values) bool {
	for _, p := range rule.PublicQueryParams {
		if query.Has(p) {
			return true
		}
	}
	if rule.IsPublic {
		return true
	}
	if role == "" {
		return false
	}
	if rule.AllowedRoles == nil {
		return true
	}
	return model.HasRole(rule.AllowedRoles, role)
}
