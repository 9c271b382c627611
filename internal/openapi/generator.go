package openapi

import (
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/relaygate/relaygate/internal/identity"
	"github.com/relaygate/relaygate/internal/model"
)

// Extension names carried on generated and imported operations.
const (
	ExtService     = "x-gateway-service"
	ExtRoles       = "x-gateway-roles"
	ExtPublicQuery = "x-gateway-public-query"
	ExtCatchAll    = "x-gateway-catch-all"
)

// Security scheme names.
const (
	SchemeBearer = "BearerAuth"
	SchemeCookie = "cookieAuth"
)

// RolePrefix marks a BearerAuth scope that names a role.
const RolePrefix = "role:"

// allMethods are the operations emitted for a rule without a method list.
var allMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}

// Info describes the generated document.
type Info struct {
	Title     string
	Version   string
	ServerURL string
}

// Generate builds an OpenAPI 3.1 document with one path per route rule.
// Rules must be in match order; where two rules share a path and method the
// earlier one wins, as it does at request time.
func Generate(rules []model.RouteRule, info Info) *openapi3.T {
	if info.Title == "" {
		info.Title = "Gateway routes"
	}
	if info.Version == "" {
		info.Version = "1.0.0"
	}
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       info.Title,
			Description: "Routes served by the gateway and the roles allowed on each.",
			Version:     info.Version,
		},
	}
	if info.ServerURL != "" {
		doc.Servers = openapi3.Servers{{URL: info.ServerURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes[SchemeBearer] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}
	doc.Components.SecuritySchemes[SchemeCookie] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "cookie",
			Name: identity.AccessTokenCookie,
		},
	}
	doc.Components.Schemas["GatewayError"] = gatewayErrorSchema()

	doc.Paths = openapi3.NewPaths()
	seenIDs := make(map[string]int)
	for _, rule := range rules {
		item := doc.Paths.Value(rule.PathPattern)
		if item == nil {
			item = &openapi3.PathItem{}
			doc.Paths.Set(rule.PathPattern, item)
		}
		methods := rule.Methods
		if len(methods) == 0 {
			methods = allMethods
		}
		for _, m := range methods {
			if item.GetOperation(m) != nil {
				continue
			}
			item.SetOperation(m, ruleOperation(rule, m, seenIDs))
		}
	}
	return doc
}

func ruleOperation(rule model.RouteRule, method string, seenIDs map[string]int) *openapi3.Operation {
	id := operationID(method, rule.PathPattern)
	if n := seenIDs[id]; n > 0 {
		seenIDs[id] = n + 1
		id = fmt.Sprintf("%s_%d", id, n+1)
	} else {
		seenIDs[id] = 1
	}

	op := &openapi3.Operation{
		Tags:        []string{rule.ServiceKey},
		Summary:     fmt.Sprintf("%s %s", method, rule.PathPattern),
		Description: accessDescription(rule),
		OperationID: id,
		Responses:   gatewayResponses(),
		Extensions: map[string]interface{}{
			ExtService: rule.ServiceKey,
		},
	}
	if rule.CatchAll {
		op.Extensions[ExtCatchAll] = true
	}
	if len(rule.PublicQueryParams) > 0 {
		op.Extensions[ExtPublicQuery] = append([]string(nil), rule.PublicQueryParams...)
	}

	security := openapi3.SecurityRequirements{}
	if !rule.IsPublic {
		var scopes []string
		if rule.AllowedRoles != nil {
			roles := make([]string, 0, len(rule.AllowedRoles))
			scopes = make([]string, 0, len(rule.AllowedRoles))
			for _, r := range rule.AllowedRoles {
				roles = append(roles, string(r))
				scopes = append(scopes, RolePrefix+string(r))
			}
			op.Extensions[ExtRoles] = roles
		} else {
			scopes = []string{}
		}
		security = openapi3.SecurityRequirements{
			{SchemeBearer: scopes},
			{SchemeCookie: scopes},
		}
	}
	op.Security = &security
	return op
}

func accessDescription(rule model.RouteRule) string {
	switch {
	case rule.IsPublic:
		return "Public."
	case rule.AllowedRoles == nil:
		return "Any authenticated user."
	case len(rule.AllowedRoles) == 0:
		return "No role may access this route."
	default:
		return "Allowed roles: " + model.JoinRoles(rule.AllowedRoles) + "."
	}
}

func gatewayResponses() *openapi3.Responses {
	responses := openapi3.NewResponses()

	okDesc := "Response of the upstream service"
	responses.Set("200", &openapi3.ResponseRef{
		Value: &openapi3.Response{Description: &okDesc},
	})

	errorRef := openapi3.NewSchemaRef("#/components/schemas/GatewayError", nil)
	for _, e := range []struct{ code, desc string }{
		{"401", "Authentication required or session expired"},
		{"403", "Insufficient permissions"},
		{"404", "No service found for path"},
		{"500", "Gateway misconfigured or upstream unreachable"},
	} {
		desc := e.desc
		responses.Set(e.code, &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &desc,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}
	return responses
}

func gatewayErrorSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"statusCode": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
				"message":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"error":      &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"timestamp":  &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"}},
				"path":       &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
			},
			Required: []string{"statusCode", "message", "error"},
		},
	}
}

// operationID creates a stable identifier like "get_api_offers".
func operationID(method, path string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	for _, r := range path {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return strings.TrimRight(b.String(), "_")
}
