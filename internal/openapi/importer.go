package openapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/relaygate/relaygate/internal/model"
)

// Import derives sub-routes for the service at basePath from an OpenAPI
// document (JSON or YAML). Paths under basePath are made relative to it and
// cut at the first templated segment, so "/users/{id}" guards "/users".
// Operations on the same path with the same access are merged into one
// sub-route with a method list.
//
// An operation is public when its effective security is absent or empty.
// BearerAuth scopes of the form "role:X" become allowed roles; the
// x-gateway-roles and x-gateway-public-query extensions take precedence.
func Import(ctx context.Context, data []byte, basePath string) ([]model.SubRoute, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if doc.Paths == nil {
		return nil, nil
	}

	type group struct {
		sub   model.SubRoute
		order int
	}
	groups := make(map[string]*group)
	var keys []string

	paths := doc.Paths.Map()
	rawPaths := make([]string, 0, len(paths))
	for p := range paths {
		rawPaths = append(rawPaths, p)
	}
	sort.Strings(rawPaths)

	for _, rawPath := range rawPaths {
		item := paths[rawPath]
		if item == nil {
			continue
		}
		subPath := relativePath(rawPath, basePath)

		ops := item.Operations()
		methods := make([]string, 0, len(ops))
		for m := range ops {
			methods = append(methods, m)
		}
		sort.Strings(methods)

		for _, method := range methods {
			access, err := operationAccess(doc, ops[method])
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", method, rawPath, err)
			}
			key := subPath + "|" + access.key()
			g, ok := groups[key]
			if !ok {
				g = &group{
					sub: model.SubRoute{
						Path:              subPath,
						IsPublic:          access.public,
						AllowedRoles:      access.roles,
						PublicQueryParams: access.publicQuery,
					},
					order: len(keys),
				}
				groups[key] = g
				keys = append(keys, key)
			}
			if !containsString(g.sub.Methods, method) {
				g.sub.Methods = append(g.sub.Methods, method)
			}
		}
	}

	out := make([]model.SubRoute, 0, len(keys))
	for _, k := range keys {
		sub := groups[k].sub
		sort.Strings(sub.Methods)
		out = append(out, sub)
	}
	return out, nil
}

type opAccess struct {
	public      bool
	roles       []model.Role
	publicQuery []string
}

func (a opAccess) key() string {
	roles := "*"
	if a.roles != nil {
		names := make([]string, len(a.roles))
		for i, r := range a.roles {
			names[i] = string(r)
		}
		sort.Strings(names)
		roles = strings.Join(names, ",")
	}
	return fmt.Sprintf("%t|%s|%s", a.public, roles, strings.Join(a.publicQuery, ","))
}

func operationAccess(doc *openapi3.T, op *openapi3.Operation) (opAccess, error) {
	var access opAccess

	if v, ok := op.Extensions[ExtPublicQuery]; ok {
		params, err := stringList(v)
		if err != nil {
			return access, fmt.Errorf("%s: %w", ExtPublicQuery, err)
		}
		access.publicQuery = params
	}

	security := op.Security
	if security == nil {
		security = &doc.Security
	}
	if len(*security) == 0 {
		access.public = true
		return access, nil
	}

	found := false
	var scopes []string
	for _, req := range *security {
		for scheme, s := range req {
			if strings.EqualFold(scheme, SchemeBearer) || strings.EqualFold(scheme, SchemeCookie) {
				if !found {
					found = true
					scopes = s
				}
			}
		}
	}
	if !found {
		return access, fmt.Errorf("security present but no %s requirement found", SchemeBearer)
	}

	if v, ok := op.Extensions[ExtRoles]; ok {
		names, err := stringList(v)
		if err != nil {
			return access, fmt.Errorf("%s: %w", ExtRoles, err)
		}
		roles, err := model.ParseRoles(names)
		if err != nil {
			return access, err
		}
		access.roles = roles
		return access, nil
	}

	for _, s := range scopes {
		if name, ok := strings.CutPrefix(s, RolePrefix); ok {
			r, err := model.ParseRole(name)
			if err != nil {
				return access, err
			}
			access.roles = append(access.roles, r)
		}
	}
	return access, nil
}

// relativePath strips basePath and cuts the path at its first templated
// segment. The service root maps to "*".
func relativePath(rawPath, basePath string) string {
	p := rawPath
	if basePath != "" && (p == basePath || strings.HasPrefix(p, basePath+"/")) {
		p = strings.TrimPrefix(p, basePath)
	}
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		if strings.HasPrefix(seg, "{") {
			segments = segments[:i]
			break
		}
	}
	p = strings.TrimRight(strings.Join(segments, "/"), "/")
	if p == "" {
		return "*"
	}
	return p
}

// stringList reads an extension value as a list of strings whatever form
// the loader decoded it into.
func stringList(v interface{}) ([]string, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("expected a list of strings")
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
