package routing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/relaygate/relaygate/internal/model"
)

// ReservedPrefix is the path prefix of the gateway's own admin API. No
// service may be registered under it.
const ReservedPrefix = "/_gateway"

// ErrInvalidRoute is wrapped by every validation failure.
var ErrInvalidRoute = errors.New("invalid route")

var (
	serviceKeyRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	methodRe     = regexp.MustCompile(`^[A-Z]+$`)
)

// ValidateService checks a service declaration and normalizes its methods
// to upper case.
func ValidateService(svc *model.ServiceRoutes) error {
	if err := validateBasePath(svc.BasePath); err != nil {
		return err
	}
	if !serviceKeyRe.MatchString(svc.ServiceKey) {
		return fmt.Errorf("%w: service key %q must be alphanumeric", ErrInvalidRoute, svc.ServiceKey)
	}
	if err := validateRoles(svc.DefaultAccess.AllowedRoles); err != nil {
		return err
	}
	for i := range svc.Routes {
		if err := ValidateSubRoute(&svc.Routes[i]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSubRoute checks a sub-route and normalizes its methods.
func ValidateSubRoute(sub *model.SubRoute) error {
	if sub.Path != "*" && !strings.HasPrefix(sub.Path, "/") {
		return fmt.Errorf("%w: sub-route path %q must start with / or be *", ErrInvalidRoute, sub.Path)
	}
	if strings.ContainsAny(sub.Path, "?#") {
		return fmt.Errorf("%w: sub-route path %q must not contain a query or fragment", ErrInvalidRoute, sub.Path)
	}
	if err := validateRoles(sub.AllowedRoles); err != nil {
		return err
	}
	sub.Methods = upperAll(sub.Methods)
	for _, m := range sub.Methods {
		if !methodRe.MatchString(m) {
			return fmt.Errorf("%w: method %q", ErrInvalidRoute, m)
		}
	}
	for _, p := range sub.PublicQueryParams {
		if p == "" {
			return fmt.Errorf("%w: empty public query parameter", ErrInvalidRoute)
		}
	}
	return nil
}

func validateBasePath(p string) error {
	switch {
	case !strings.HasPrefix(p, "/") || len(p) < 2:
		return fmt.Errorf("%w: base path %q must start with / and name a segment", ErrInvalidRoute, p)
	case strings.HasSuffix(p, "/"):
		return fmt.Errorf("%w: base path %q must not end with /", ErrInvalidRoute, p)
	case strings.ContainsAny(p, "?#*"):
		return fmt.Errorf("%w: base path %q must be a plain path", ErrInvalidRoute, p)
	case p == ReservedPrefix || strings.HasPrefix(p, ReservedPrefix+"/"):
		return fmt.Errorf("%w: base path %q is reserved", ErrInvalidRoute, p)
	}
	return nil
}

func validateRoles(roles []model.Role) error {
	for _, r := range roles {
		if !model.HasRole(model.AllRoles, r) {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidRoute, r)
		}
	}
	return nil
}
