package model

// Access is the default access policy of a service base path.
//
// AllowedRoles nil means any authenticated identity; an empty non-nil slice
// admits nobody.
type Access struct {
	IsPublic     bool   `json:"is_public,omitempty" yaml:"is_public,omitempty"`
	AllowedRoles []Role `json:"allowed_roles" yaml:"allowed_roles,omitempty"`
}

// SubRoute is an access rule for a path below a service base path. Path is
// relative to the base path; "*" addresses the base path itself.
type SubRoute struct {
	ID                string   `json:"id,omitempty" yaml:"id,omitempty"`
	Path              string   `json:"path" yaml:"path"`
	IsPublic          bool     `json:"is_public,omitempty" yaml:"is_public,omitempty"`
	AllowedRoles      []Role   `json:"allowed_roles" yaml:"allowed_roles,omitempty"`
	Methods           []string `json:"methods,omitempty" yaml:"methods,omitempty"`
	PublicQueryParams []string `json:"public_query_params,omitempty" yaml:"public_query_params,omitempty"`
}

// ServiceRoutes groups every rule for one upstream service under a base path.
type ServiceRoutes struct {
	BasePath      string     `json:"base_path" yaml:"base_path"`
	ServiceKey    string     `json:"service_key" yaml:"service_key"`
	DefaultAccess Access     `json:"default_access" yaml:"default_access"`
	Routes        []SubRoute `json:"routes,omitempty" yaml:"routes,omitempty"`
}

// RouteRule is one flattened, matchable rule of the route table.
type RouteRule struct {
	PathPattern       string   `json:"path_pattern"`
	ServiceKey        string   `json:"service_key"`
	IsPublic          bool     `json:"is_public"`
	AllowedRoles      []Role   `json:"allowed_roles"`
	Methods           []string `json:"methods,omitempty"`
	PublicQueryParams []string `json:"public_query_params,omitempty"`
	CatchAll          bool     `json:"catch_all,omitempty"`
}
