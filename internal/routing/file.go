package routing

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/relaygate/relaygate/internal/model"
)

//go:embed routes.schema.json
var routesSchema []byte

const schemaResource = "inmemory://routes.schema.json"

// File is the decoded content of a routes file.
type File struct {
	Services  []model.ServiceRoutes
	Upstreams map[string]string
}

type fileDoc struct {
	Services  []fileService     `yaml:"services"`
	Upstreams map[string]string `yaml:"upstreams"`
}

type fileService struct {
	BasePath      string      `yaml:"base_path"`
	ServiceKey    string      `yaml:"service_key"`
	DefaultAccess fileAccess  `yaml:"default_access"`
	Routes        []fileRoute `yaml:"routes"`
}

type fileAccess struct {
	IsPublic     bool     `yaml:"is_public"`
	AllowedRoles []string `yaml:"allowed_roles"`
}

type fileRoute struct {
	Path              string   `yaml:"path"`
	IsPublic          bool     `yaml:"is_public"`
	AllowedRoles      []string `yaml:"allowed_roles"`
	Methods           []string `yaml:"methods"`
	PublicQueryParams []string `yaml:"public_query_params"`
}

// LoadFile reads and validates a YAML routes file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	f, err := ParseFile(data)
	if err != nil {
		return nil, fmt.Errorf("routes file %s: %w", path, err)
	}
	return f, nil
}

// ParseFile validates data against the routes schema and decodes it.
func ParseFile(data []byte) (*File, error) {
	if err := validateRoutes(data); err != nil {
		return nil, err
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}

	f := &File{Upstreams: doc.Upstreams}
	seen := make(map[string]bool)
	for _, s := range doc.Services {
		if seen[s.BasePath] {
			return nil, fmt.Errorf("duplicate base_path %q", s.BasePath)
		}
		seen[s.BasePath] = true

		defRoles, err := model.ParseRoles(s.DefaultAccess.AllowedRoles)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", s.BasePath, err)
		}
		svc := model.ServiceRoutes{
			BasePath:   s.BasePath,
			ServiceKey: s.ServiceKey,
			DefaultAccess: model.Access{
				IsPublic:     s.DefaultAccess.IsPublic,
				AllowedRoles: defRoles,
			},
		}
		for _, r := range s.Routes {
			roles, err := model.ParseRoles(r.AllowedRoles)
			if err != nil {
				return nil, fmt.Errorf("service %s route %s: %w", s.BasePath, r.Path, err)
			}
			svc.Routes = append(svc.Routes, model.SubRoute{
				Path:              r.Path,
				IsPublic:          r.IsPublic,
				AllowedRoles:      roles,
				Methods:           upperAll(r.Methods),
				PublicQueryParams: r.PublicQueryParams,
			})
		}
		f.Services = append(f.Services, svc)
	}
	return f, nil
}

func validateRoutes(data []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode routes: %w", err)
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}
	// Round-trip through JSON so the validator sees plain JSON types.
	buf, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("normalize routes: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(buf, &doc); err != nil {
		return fmt.Errorf("normalize routes: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, bytes.NewReader(routesSchema)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaResource)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
