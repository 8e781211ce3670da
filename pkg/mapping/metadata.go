// Package mapping loads the service metadata file and converts raw service records into
// canonical listing fields.
package mapping

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Gobusters/ectolinq"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/deporder"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Value types a field can be coerced to.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeDate    = "date"
	TypeURL     = "url"
)

// How a referenced entity is looked up.
const (
	ResolveByAlias      = "alias"
	ResolveByOriginalID = "original_id"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Metadata is the whole metadata file.
type Metadata struct {
	Services    []Service                      `yaml:"services" validate:"required,min=1,dive"`
	EntityTypes []EntityType                   `yaml:"entity_types" validate:"dive"`
	Seeds       map[string][]models.SeedEntity `yaml:"seeds"`
	FilterSets  []FilterSet                    `yaml:"filter_sets" validate:"dive"`
}

// Service describes one external listing service.
type Service struct {
	ID             string                       `yaml:"id" validate:"required"`
	BaseURL        string                       `yaml:"base_url" validate:"required,url"`
	SecretParam    string                       `yaml:"secret_param"`
	CredentialsEnv string                       `yaml:"credentials_env"`
	TokenLimit     int64                        `yaml:"token_limit" validate:"gte=0"`
	Reference      map[string]ReferenceEndpoint `yaml:"reference" validate:"dive"`
	Search         SearchEndpoint               `yaml:"search"`
	Listing        ListingEndpoint              `yaml:"listing"`
	Fields         map[string]Field             `yaml:"fields" validate:"dive"`
}

// ReferenceEndpoint lists a service's own entities of one type.
type ReferenceEndpoint struct {
	Path   string            `yaml:"path" validate:"required"`
	Params map[string]string `yaml:"params"`
	List   string            `yaml:"list"`
	ID     string            `yaml:"id" validate:"required"`
	Name   string            `yaml:"name" validate:"required"`
	Parent string            `yaml:"parent"`
}

// SearchEndpoint returns listing ids for a filter.
type SearchEndpoint struct {
	Path   string            `yaml:"path"`
	Params map[string]string `yaml:"params"`
	IDs    string            `yaml:"ids"`
}

// ListingEndpoint returns one listing; {id} in Path is replaced by the listing id.
type ListingEndpoint struct {
	Path   string            `yaml:"path"`
	Params map[string]string `yaml:"params"`
	Root   string            `yaml:"root"`
}

// Field maps one canonical field to an expression over the raw record.
type Field struct {
	External   string `yaml:"external"`
	Constant   any    `yaml:"constant"`
	Type       string `yaml:"type" validate:"omitempty,oneof=string number integer date url"`
	Layout     string `yaml:"layout"`
	EntityType string `yaml:"entity_type"`
	ResolveBy  string `yaml:"resolve_by" validate:"omitempty,oneof=alias original_id"`
	Scope      string `yaml:"scope"`
	Validate   string `yaml:"validate"`
}

// EntityType declares a reference entity type.
type EntityType struct {
	Name      string   `yaml:"name" validate:"required"`
	DependsOn []string `yaml:"depends_on"`
	Aliasing  bool     `yaml:"aliasing"`
	Parent    string   `yaml:"parent"`
}

// FilterSet is one named slice of the listing search space.
type FilterSet struct {
	Name     string            `yaml:"name" validate:"required"`
	Services []string          `yaml:"services"`
	Params   map[string]string `yaml:"params"`
}

// Load reads and checks a metadata file.
func Load(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and checks metadata.
func Parse(data []byte) (*Metadata, error) {
	var md Metadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := md.Check(); err != nil {
		return nil, err
	}
	return &md, nil
}

// Check validates struct rules and the cross references between sections.
func (md *Metadata) Check() error {
	if err := validate.Struct(md); err != nil {
		return fmt.Errorf("invalid metadata: %w", err)
	}

	types := md.EntityTypeNames()
	var problems []string
	seenServices := make(map[string]bool)
	evaluator := expressions.NewEvaluator()

	for _, et := range md.EntityTypes {
		for _, dep := range et.DependsOn {
			if !ectolinq.Contains(types, dep) {
				problems = append(problems, fmt.Sprintf("entity type %s depends on unknown type %s", et.Name, dep))
			}
		}
		if et.Parent != "" && !ectolinq.Contains(et.DependsOn, et.Parent) {
			problems = append(problems, fmt.Sprintf("entity type %s must depend on its parent %s", et.Name, et.Parent))
		}
	}

	for _, svc := range md.Services {
		if seenServices[svc.ID] {
			problems = append(problems, fmt.Sprintf("duplicate service %s", svc.ID))
		}
		seenServices[svc.ID] = true

		for typ, ep := range svc.Reference {
			if !ectolinq.Contains(types, typ) {
				problems = append(problems, fmt.Sprintf("service %s lists unknown entity type %s", svc.ID, typ))
			}
			for _, expr := range []string{ep.List, ep.ID, ep.Name, ep.Parent} {
				if expr != "" && evaluator.Validate(expr) != nil {
					problems = append(problems, fmt.Sprintf("service %s reference %s: bad expression %q", svc.ID, typ, expr))
				}
			}
		}

		for name, f := range svc.Fields {
			if f.External != "" && evaluator.Validate(f.External) != nil {
				problems = append(problems, fmt.Sprintf("service %s field %s: bad expression %q", svc.ID, name, f.External))
			}
			if f.EntityType != "" && !ectolinq.Contains(types, f.EntityType) {
				problems = append(problems, fmt.Sprintf("service %s field %s: unknown entity type %s", svc.ID, name, f.EntityType))
			}
			if f.Scope != "" {
				if _, ok := svc.Fields[f.Scope]; !ok {
					problems = append(problems, fmt.Sprintf("service %s field %s: scope field %s is not mapped", svc.ID, name, f.Scope))
				}
			}
		}
		if _, err := svc.ResolutionOrder(); err != nil {
			problems = append(problems, fmt.Sprintf("service %s: %v", svc.ID, err))
		}
	}

	for _, fs := range md.FilterSets {
		for _, id := range fs.Services {
			if !seenServices[id] {
				problems = append(problems, fmt.Sprintf("filter set %s uses unknown service %s", fs.Name, id))
			}
		}
	}

	for typ := range md.Seeds {
		if !ectolinq.Contains(types, typ) {
			problems = append(problems, fmt.Sprintf("seeds for unknown entity type %s", typ))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid metadata:\n • %s", strings.Join(problems, "\n • "))
	}
	return nil
}

// EntityTypeNames returns every declared entity type name.
func (md *Metadata) EntityTypeNames() []string {
	return ectolinq.Map(md.EntityTypes, func(et EntityType) string { return et.Name })
}

// AliasingTypes returns the entity types that resolve by alias.
func (md *Metadata) AliasingTypes() []string {
	var out []string
	for _, et := range md.EntityTypes {
		if et.Aliasing {
			out = append(out, et.Name)
		}
	}
	return out
}

func (md *Metadata) Service(id string) (*Service, bool) {
	for i := range md.Services {
		if md.Services[i].ID == id {
			return &md.Services[i], true
		}
	}
	return nil, false
}

func (md *Metadata) FilterSet(name string) (*FilterSet, bool) {
	for i := range md.FilterSets {
		if md.FilterSets[i].Name == name {
			return &md.FilterSets[i], true
		}
	}
	return nil, false
}

// ServicesFor returns the services a filter set applies to; all services when it names none.
func (md *Metadata) ServicesFor(fs FilterSet) []Service {
	if len(fs.Services) == 0 {
		return md.Services
	}
	var out []Service
	for _, svc := range md.Services {
		if ectolinq.Contains(fs.Services, svc.ID) {
			out = append(out, svc)
		}
	}
	return out
}

// ResolutionOrder orders the mapped fields so a field's scope is converted before the field.
func (s Service) ResolutionOrder() ([]string, error) {
	deps := make(map[string][]string, len(s.Fields))
	names := make([]string, 0, len(s.Fields))
	for name, f := range s.Fields {
		names = append(names, name)
		if f.Scope != "" {
			deps[name] = []string{f.Scope}
		}
	}
	return deporder.Resolve(deps, names)
}
